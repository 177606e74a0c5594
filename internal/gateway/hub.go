package gateway

import (
	"log"
	"sync"
	"time"

	"github.com/campushub/campushub/internal/apperr"
	"github.com/campushub/campushub/internal/metrics"
	"github.com/campushub/campushub/internal/models"
	"github.com/campushub/campushub/internal/presence"
	"github.com/campushub/campushub/internal/reactions"
	"github.com/campushub/campushub/internal/state"
	"github.com/campushub/campushub/internal/store"
)

// PushNotifier delivers out-of-band notifications to participants with no
// live session. Optional; a nil notifier disables push.
type PushNotifier interface {
	NotifyMessage(recipientIDs []int, senderID, conversationID int, preview string)
}

// Hub is the fan-out layer. It owns the live session registry and routes
// every mutation through a per-conversation critical section, so all
// events of one conversation carry a total order while different
// conversations proceed in parallel.
type Hub struct {
	store     *store.Store
	state     *state.Machine
	reactions *reactions.Ledger
	presence  *presence.Tracker
	push      PushNotifier

	mu       sync.RWMutex
	sessions map[string]*Client
	byUser   map[int]map[string]*Client

	register   chan *Client
	unregister chan *Client

	// convMu guards the per-conversation locks and sequence counters.
	convMu    sync.Mutex
	convLocks map[int]*sync.Mutex
	seqs      map[int]uint64
}

func NewHub(s *store.Store, m *state.Machine, l *reactions.Ledger, typingTTL time.Duration) *Hub {
	h := &Hub{
		store:      s,
		state:      m,
		reactions:  l,
		sessions:   make(map[string]*Client),
		byUser:     make(map[int]map[string]*Client),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		convLocks:  make(map[int]*sync.Mutex),
		seqs:       make(map[int]uint64),
	}
	h.presence = presence.NewTracker(typingTTL, h)
	return h
}

// SetPushNotifier wires the optional web-push collaborator.
func (h *Hub) SetPushNotifier(p PushNotifier) {
	h.push = p
}

// Presence exposes the tracker for handlers and the sweep loop.
func (h *Hub) Presence() *presence.Tracker {
	return h.presence
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.sessions[client.sessionID] = client
			set, ok := h.byUser[client.userID]
			if !ok {
				set = make(map[string]*Client)
				h.byUser[client.userID] = set
			}
			set[client.sessionID] = client
			total := len(h.sessions)
			h.mu.Unlock()

			metrics.OpenSessions.Set(float64(total))
			log.Printf("gateway: user %d session %s connected (total: %d)", client.userID, client.sessionID, total)
			h.presence.SessionOpened(client.userID, client.sessionID)

		case client := <-h.unregister:
			h.mu.Lock()
			closed := false
			if _, ok := h.sessions[client.sessionID]; ok {
				delete(h.sessions, client.sessionID)
				if set, ok := h.byUser[client.userID]; ok {
					delete(set, client.sessionID)
					if len(set) == 0 {
						delete(h.byUser, client.userID)
					}
				}
				close(client.send)
				closed = true
			}
			total := len(h.sessions)
			h.mu.Unlock()

			if closed {
				metrics.OpenSessions.Set(float64(total))
				log.Printf("gateway: user %d session %s disconnected (total: %d)", client.userID, client.sessionID, total)
				h.presence.SessionClosed(client.userID, client.sessionID)
			}
		}
	}
}

// withConversation runs fn while holding the conversation's lock. This is
// the single sequential path per conversation: storage suspension inside
// fn blocks only this conversation's traffic.
func (h *Hub) withConversation(conversationID int, fn func()) {
	h.convMu.Lock()
	lock, ok := h.convLocks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		h.convLocks[conversationID] = lock
	}
	h.convMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	fn()
}

// nextSeq must be called while holding the conversation's lock.
func (h *Hub) nextSeq(conversationID int) uint64 {
	h.convMu.Lock()
	defer h.convMu.Unlock()
	h.seqs[conversationID]++
	return h.seqs[conversationID]
}

// broadcast delivers the event to every live session of every
// participant, the origin included, so the sender's other devices stay in
// sync. Delivery is best-effort at-most-once: a full or absent session is
// skipped and must reconcile via a later fetch.
func (h *Hub) broadcast(conversationID int, ev *Event, excludeSession string) {
	participantIDs, err := h.store.ParticipantIDs(conversationID)
	if err != nil {
		log.Printf("gateway: failed to resolve participants of conversation %d: %v", conversationID, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, userID := range participantIDs {
		for sessionID, client := range h.byUser[userID] {
			if sessionID == excludeSession {
				continue
			}
			select {
			case client.send <- ev:
				metrics.EventsBroadcast.Inc()
			default:
				metrics.EventsDropped.Inc()
				log.Printf("gateway: send buffer full for user %d session %s", userID, sessionID)
			}
		}
	}
}

// sendToSession targets one session only; used for errors and failed
// sends, which are never fanned out.
func (h *Hub) sendToSession(sessionID string, ev *Event) {
	h.mu.RLock()
	client, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case client.send <- ev:
	default:
	}
}

// SendMessage appends a message and fans out message.created. The
// sender's typing lease, if any, is cleared in the same critical section.
func (h *Hub) SendMessage(senderID, conversationID int, content store.MessageContent) (*models.Message, error) {
	var msg *models.Message
	var err error

	h.withConversation(conversationID, func() {
		msg, err = h.store.AppendMessage(conversationID, senderID, content)
		if err != nil {
			return
		}

		if h.presence.ClearTyping(conversationID, senderID) {
			h.broadcast(conversationID, &Event{
				Type:           EventTypingStopped,
				ConversationID: conversationID,
				Seq:            h.nextSeq(conversationID),
				ActorID:        senderID,
				At:             time.Now().UTC(),
			}, "")
		}

		h.broadcast(conversationID, &Event{
			Type:           EventMessageCreated,
			ConversationID: conversationID,
			Seq:            h.nextSeq(conversationID),
			ActorID:        senderID,
			MessageID:      msg.ID,
			Message:        msg,
			Status:         msg.Status,
			ClientToken:    content.ClientToken,
			At:             time.Now().UTC(),
		}, "")
	})
	if err != nil {
		return nil, err
	}

	metrics.MessagesSent.Inc()
	h.notifyOffline(msg)
	return msg, nil
}

// MarkDelivered records a delivery receipt and, on first acknowledgement
// by this user, broadcasts message.delivered with the new aggregate
// status. Returns the aggregate status either way.
func (h *Hub) MarkDelivered(userID, messageID int) (string, error) {
	return h.mark(userID, messageID, EventMessageDelivered, h.state.MarkDelivered)
}

// MarkRead upserts a read receipt (recording delivery implicitly) and
// broadcasts message.read on first read.
func (h *Hub) MarkRead(userID, messageID int) (string, error) {
	return h.mark(userID, messageID, EventMessageRead, h.state.MarkRead)
}

func (h *Hub) mark(userID, messageID int, eventType string, op func(messageID, userID int) (bool, error)) (string, error) {
	msg, err := h.store.GetMessage(messageID)
	if err != nil {
		return "", err
	}

	var status string
	h.withConversation(msg.ConversationID, func() {
		var changed bool
		changed, err = op(messageID, userID)
		if err != nil {
			return
		}

		status, err = h.state.AggregateStatus(messageID)
		if err != nil {
			return
		}

		if changed {
			h.broadcast(msg.ConversationID, &Event{
				Type:           eventType,
				ConversationID: msg.ConversationID,
				Seq:            h.nextSeq(msg.ConversationID),
				ActorID:        userID,
				MessageID:      messageID,
				Status:         status,
				At:             time.Now().UTC(),
			}, "")
		}
	})
	return status, err
}

// ToggleReaction flips the (message, user, emoji) reaction and broadcasts
// reaction.changed with the resulting summary.
func (h *Hub) ToggleReaction(userID, messageID int, emoji string) ([]models.EmojiGroup, error) {
	msg, err := h.store.GetMessage(messageID)
	if err != nil {
		return nil, err
	}

	var summary []models.EmojiGroup
	h.withConversation(msg.ConversationID, func() {
		_, summary, err = h.reactions.Toggle(messageID, userID, emoji)
		if err != nil {
			return
		}

		metrics.ReactionsToggled.Inc()
		h.broadcast(msg.ConversationID, &Event{
			Type:           EventReactionChanged,
			ConversationID: msg.ConversationID,
			Seq:            h.nextSeq(msg.ConversationID),
			ActorID:        userID,
			MessageID:      messageID,
			Reactions:      summary,
			At:             time.Now().UTC(),
		}, "")
	})
	return summary, err
}

// SetTyping refreshes the actor's typing lease and broadcasts
// typing.started when a new lease begins. The originating session is
// excluded; the lease lapse later emits typing.stopped via the sweep.
func (h *Hub) SetTyping(userID, conversationID int, originSession string) error {
	isMember, err := h.store.IsParticipant(conversationID, userID)
	if err != nil {
		return err
	}
	if !isMember {
		return apperr.New(apperr.CodeForbidden, "not a participant")
	}

	if h.presence.SetTyping(conversationID, userID) {
		h.withConversation(conversationID, func() {
			h.broadcast(conversationID, &Event{
				Type:           EventTypingStarted,
				ConversationID: conversationID,
				Seq:            h.nextSeq(conversationID),
				ActorID:        userID,
				At:             time.Now().UTC(),
			}, originSession)
		})
	}
	return nil
}

// DeleteMessage soft-deletes and broadcasts message.deleted.
func (h *Hub) DeleteMessage(userID, messageID int) error {
	msg, err := h.store.GetMessage(messageID)
	if err != nil {
		return err
	}

	h.withConversation(msg.ConversationID, func() {
		err = h.store.SoftDeleteMessage(messageID, userID)
		if err != nil {
			return
		}
		h.broadcast(msg.ConversationID, &Event{
			Type:           EventMessageDeleted,
			ConversationID: msg.ConversationID,
			Seq:            h.nextSeq(msg.ConversationID),
			ActorID:        userID,
			MessageID:      messageID,
			At:             time.Now().UTC(),
		}, "")
	})
	return err
}

// UserOnline implements presence.Notifier: fan the 0→1 transition out to
// every conversation the user belongs to.
func (h *Hub) UserOnline(userID int) {
	metrics.OnlineUsers.Inc()
	h.broadcastPresence(userID, EventPresenceOnline, nil)
}

// UserOffline implements presence.Notifier.
func (h *Hub) UserOffline(userID int, lastSeen time.Time) {
	metrics.OnlineUsers.Dec()
	h.broadcastPresence(userID, EventPresenceOffline, &lastSeen)
}

func (h *Hub) broadcastPresence(userID int, eventType string, lastSeen *time.Time) {
	conversationIDs, err := h.store.ConversationIDsFor(userID)
	if err != nil {
		log.Printf("gateway: failed to resolve conversations of user %d: %v", userID, err)
		return
	}
	for _, conversationID := range conversationIDs {
		convID := conversationID
		h.withConversation(convID, func() {
			h.broadcast(convID, &Event{
				Type:           eventType,
				ConversationID: convID,
				Seq:            h.nextSeq(convID),
				ActorID:        userID,
				LastSeenAt:     lastSeen,
				At:             time.Now().UTC(),
			}, "")
		})
	}
}

// TypingStopped implements presence.Notifier for lapsed leases.
func (h *Hub) TypingStopped(conversationID, userID int) {
	h.withConversation(conversationID, func() {
		h.broadcast(conversationID, &Event{
			Type:           EventTypingStopped,
			ConversationID: conversationID,
			Seq:            h.nextSeq(conversationID),
			ActorID:        userID,
			At:             time.Now().UTC(),
		}, "")
	})
}

// notifyOffline pushes a web-push notification to every participant with
// zero live sessions. Best-effort and asynchronous.
func (h *Hub) notifyOffline(msg *models.Message) {
	if h.push == nil {
		return
	}

	participantIDs, err := h.store.ParticipantIDs(msg.ConversationID)
	if err != nil {
		return
	}

	var offline []int
	for _, id := range participantIDs {
		if id != msg.SenderID && !h.presence.IsOnline(id) {
			offline = append(offline, id)
		}
	}
	if len(offline) == 0 {
		return
	}

	preview := msg.Body
	if preview == "" && msg.File != nil {
		preview = msg.File.Name
	}
	go h.push.NotifyMessage(offline, msg.SenderID, msg.ConversationID, preview)
}
