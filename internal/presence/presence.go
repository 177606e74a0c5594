package presence

import (
	"sync"
	"time"
)

// Notifier receives presence transitions. The realtime gateway is the
// only implementation; keeping it an interface keeps this package
// transport-agnostic.
type Notifier interface {
	UserOnline(userID int)
	UserOffline(userID int, lastSeen time.Time)
	TypingStopped(conversationID, userID int)
}

// Tracker holds all ephemeral presence state: per-user session sets,
// last-seen timestamps and typing leases. Nothing here is persisted; a
// process restart resets presence to empty, which is fine because
// presence is a live snapshot by definition.
type Tracker struct {
	mu       sync.Mutex
	sessions map[int]map[string]struct{}
	lastSeen map[int]time.Time
	typing   map[int]map[int]time.Time // conversation -> user -> lease expiry
	ttl      time.Duration
	notifier Notifier

	stopOnce sync.Once
	done     chan struct{}
}

// DefaultTypingTTL is the lease window: a typing indicator that is not
// refreshed within it lapses on the next sweep.
const DefaultTypingTTL = 5 * time.Second

func NewTracker(typingTTL time.Duration, notifier Notifier) *Tracker {
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	return &Tracker{
		sessions: make(map[int]map[string]struct{}),
		lastSeen: make(map[int]time.Time),
		typing:   make(map[int]map[int]time.Time),
		ttl:      typingTTL,
		notifier: notifier,
		done:     make(chan struct{}),
	}
}

// Run sweeps expired typing leases on a fixed interval, decoupled from
// message traffic. Call in a goroutine; Stop terminates it.
func (t *Tracker) Run(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

// SessionOpened registers a session. The 0→1 transition reports the user
// online to the notifier.
func (t *Tracker) SessionOpened(userID int, sessionID string) {
	t.mu.Lock()
	set, ok := t.sessions[userID]
	if !ok {
		set = make(map[string]struct{})
		t.sessions[userID] = set
	}
	set[sessionID] = struct{}{}
	wentOnline := len(set) == 1
	t.mu.Unlock()

	if wentOnline && t.notifier != nil {
		t.notifier.UserOnline(userID)
	}
}

// SessionClosed unregisters a session. The 1→0 transition stamps
// lastSeen and reports the user offline.
func (t *Tracker) SessionClosed(userID int, sessionID string) {
	now := time.Now().UTC()

	t.mu.Lock()
	set, ok := t.sessions[userID]
	if ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(t.sessions, userID)
		}
	}
	wentOffline := ok && len(set) == 0
	if wentOffline {
		t.lastSeen[userID] = now
	}
	t.mu.Unlock()

	if wentOffline && t.notifier != nil {
		t.notifier.UserOffline(userID, now)
	}
}

// SetTyping sets or refreshes the typing lease for (conversation, user).
// Returns true when a new lease was created, i.e. the user just started
// typing; refreshes return false so callers emit typing.started once.
func (t *Tracker) SetTyping(conversationID, userID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	byUser, ok := t.typing[conversationID]
	if !ok {
		byUser = make(map[int]time.Time)
		t.typing[conversationID] = byUser
	}
	_, refreshing := byUser[userID]
	byUser[userID] = time.Now().Add(t.ttl)
	return !refreshing
}

// ClearTyping drops a lease early, e.g. when the user's message arrives.
// Returns true if a lease was present.
func (t *Tracker) ClearTyping(conversationID, userID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	byUser, ok := t.typing[conversationID]
	if !ok {
		return false
	}
	if _, present := byUser[userID]; !present {
		return false
	}
	delete(byUser, userID)
	if len(byUser) == 0 {
		delete(t.typing, conversationID)
	}
	return true
}

func (t *Tracker) IsOnline(userID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions[userID]) > 0
}

// LastSeen reports the user's last 1→0 transition. The bool is false for
// users who are online or were never seen by this process.
func (t *Tracker) LastSeen(userID int) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.lastSeen[userID]
	return ts, ok
}

func (t *Tracker) SessionCount(userID int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions[userID])
}

func (t *Tracker) OnlineUserIDs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	return ids
}

// TypingUserIDs lists users holding a live typing lease in the
// conversation.
func (t *Tracker) TypingUserIDs(conversationID int) []int {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []int
	for userID, expiry := range t.typing[conversationID] {
		if expiry.After(now) {
			ids = append(ids, userID)
		}
	}
	return ids
}

type lapsedLease struct {
	conversationID int
	userID         int
}

// sweep clears lapsed leases and reports each exactly once. Notifier
// calls happen outside the lock.
func (t *Tracker) sweep(now time.Time) {
	var lapsed []lapsedLease

	t.mu.Lock()
	for conversationID, byUser := range t.typing {
		for userID, expiry := range byUser {
			if !expiry.After(now) {
				delete(byUser, userID)
				lapsed = append(lapsed, lapsedLease{conversationID, userID})
			}
		}
		if len(byUser) == 0 {
			delete(t.typing, conversationID)
		}
	}
	t.mu.Unlock()

	if t.notifier == nil {
		return
	}
	for _, lease := range lapsed {
		t.notifier.TypingStopped(lease.conversationID, lease.userID)
	}
}

// Sweep runs one sweep pass immediately. Exposed for tests and for
// callers that want a deterministic flush.
func (t *Tracker) Sweep(now time.Time) {
	t.sweep(now)
}
