package gateway

import (
	"time"

	"github.com/campushub/campushub/internal/models"
)

// Event types pushed to sessions.
const (
	EventMessageCreated   = "message.created"
	EventMessageDelivered = "message.delivered"
	EventMessageRead      = "message.read"
	EventMessageDeleted   = "message.deleted"
	EventReactionChanged  = "reaction.changed"
	EventPresenceOnline   = "presence.online"
	EventPresenceOffline  = "presence.offline"
	EventTypingStarted    = "typing.started"
	EventTypingStopped    = "typing.stopped"

	// EventError is sent to the originating session only, never fanned
	// out. It carries validation failures and failed sends.
	EventError = "error"
)

// Event is the canonical notification fanned out to every live session of
// every participant. Seq increases monotonically per conversation for the
// lifetime of the process; a reconnecting client must reconcile with a
// full fetch, so cross-restart continuity is not needed.
type Event struct {
	Type           string              `json:"type"`
	ConversationID int                 `json:"conversation_id,omitempty"`
	Seq            uint64              `json:"seq,omitempty"`
	ActorID        int                 `json:"actor_id,omitempty"`
	MessageID      int                 `json:"message_id,omitempty"`
	Message        *models.Message     `json:"message,omitempty"`
	Status         string              `json:"status,omitempty"`
	Reactions      []models.EmojiGroup `json:"reactions,omitempty"`
	LastSeenAt     *time.Time          `json:"last_seen_at,omitempty"`
	ClientToken    string              `json:"client_token,omitempty"`
	Error          *ErrorDetail        `json:"error,omitempty"`
	At             time.Time           `json:"at"`
}

// ErrorDetail is the payload of an EventError frame.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
