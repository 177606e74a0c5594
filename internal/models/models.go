package models

import "time"

// Message status values, from the sender's perspective. The aggregate
// status shown to the sender is the minimum across all recipients.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Message type tags.
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeVideo = "video"
	TypeAudio = "audio"
	TypeFile  = "file"
)

// Participant roles inside a group conversation.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

type User struct {
	ID          int       `json:"id"`
	Username    string    `json:"username"`
	DisplayName *string   `json:"display_name,omitempty"`
	AvatarURL   *string   `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Conversation struct {
	ID                 int           `json:"id"`
	IsGroup            bool          `json:"is_group"`
	Name               *string       `json:"name,omitempty"`
	Description        *string       `json:"description,omitempty"`
	OwnerID            *int          `json:"owner_id,omitempty"`
	Privacy            string        `json:"privacy,omitempty"`
	InvitePolicy       string        `json:"invite_policy,omitempty"`
	ApprovalRequired   bool          `json:"approval_required,omitempty"`
	Muted              bool          `json:"muted,omitempty"`
	LastMessageID      *int          `json:"last_message_id,omitempty"`
	LastMessagePreview *string       `json:"last_message_preview,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	Participants       []Participant `json:"participants,omitempty"`
}

type Participant struct {
	UserID   int       `json:"user_id"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// GroupSettings carries the optional metadata for group creation.
type GroupSettings struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	Privacy          string `json:"privacy"`
	InvitePolicy     string `json:"invite_policy"`
	ApprovalRequired bool   `json:"approval_required"`
}

// FileMeta is the already-hosted attachment descriptor supplied by the
// upload collaborator. The core treats it as opaque.
type FileMeta struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

type Message struct {
	ID             int       `json:"id"`
	ConversationID int       `json:"conversation_id"`
	SenderID       int       `json:"sender_id"`
	ReceiverID     *int      `json:"receiver_id,omitempty"`
	ClientToken    string    `json:"client_token,omitempty"`
	Body           string    `json:"body,omitempty"`
	File           *FileMeta `json:"file,omitempty"`
	MessageType    string    `json:"message_type"`
	Status         string    `json:"status"`
	IsDeleted      bool      `json:"is_deleted,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Receipt tracks per-recipient delivery and read state for one message.
// Both timestamps are set-once.
type Receipt struct {
	MessageID   int        `json:"message_id"`
	UserID      int        `json:"user_id"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

type Reaction struct {
	MessageID int       `json:"message_id"`
	UserID    int       `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// EmojiGroup is one emoji's reactor set, ordered by first reaction time.
type EmojiGroup struct {
	Emoji   string    `json:"emoji"`
	Count   int       `json:"count"`
	UserIDs []int     `json:"user_ids"`
	FirstAt time.Time `json:"first_at"`
}

// ConversationSummary is the list view of a conversation for one user.
type ConversationSummary struct {
	Conversation
	UnreadCount int  `json:"unread_count"`
	OtherUserID *int `json:"other_user_id,omitempty"`
}
