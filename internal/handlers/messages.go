package handlers

import (
	"database/sql"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/campushub/campushub/internal/gateway"
	"github.com/campushub/campushub/internal/models"
	"github.com/campushub/campushub/internal/presence"
	"github.com/campushub/campushub/internal/push"
	"github.com/campushub/campushub/internal/reactions"
	"github.com/campushub/campushub/internal/state"
	"github.com/campushub/campushub/internal/store"
)

// MessageHandler serves message, receipt and reaction operations.
type MessageHandler struct {
	db        *sql.DB
	store     *store.Store
	state     *state.Machine
	reactions *reactions.Ledger
	hub       *gateway.Hub
	presence  *presence.Tracker
	notifier  *push.Notifier
}

func NewMessageHandler(db *sql.DB, s *store.Store, m *state.Machine, l *reactions.Ledger, hub *gateway.Hub, notifier *push.Notifier) *MessageHandler {
	return &MessageHandler{
		db:        db,
		store:     s,
		state:     m,
		reactions: l,
		hub:       hub,
		presence:  hub.Presence(),
		notifier:  notifier,
	}
}

type sendMessageRequest struct {
	ClientToken string           `json:"client_token"`
	Body        string           `json:"body"`
	File        *models.FileMeta `json:"file"`
	MessageType string           `json:"message_type"`
}

// Send appends a message to a conversation. Retrying with the same
// client_token returns the original message instead of a duplicate.
func (h *MessageHandler) Send(c *gin.Context) {
	userID := c.GetInt("user_id")

	conversationID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	msg, err := h.hub.SendMessage(userID, conversationID, store.MessageContent{
		ClientToken: req.ClientToken,
		Body:        req.Body,
		File:        req.File,
		MessageType: req.MessageType,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, msg)
}

// List returns a page of a conversation's messages, oldest first.
// before_id is the pagination cursor: pass the smallest message id of the
// previous page to go further back.
func (h *MessageHandler) List(c *gin.Context) {
	userID := c.GetInt("user_id")

	conversationID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	beforeID, _ := strconv.Atoi(c.DefaultQuery("before_id", "0"))

	messages, err := h.store.ListMessages(conversationID, userID, limit, beforeID)
	if err != nil {
		respondError(c, err)
		return
	}

	nextCursor := 0
	if len(messages) > 0 {
		nextCursor = messages[0].ID
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages, "next_before_id": nextCursor})
}

// MarkDelivered records a delivery receipt for the caller.
func (h *MessageHandler) MarkDelivered(c *gin.Context) {
	h.mark(c, h.hub.MarkDelivered)
}

// MarkRead records a read receipt for the caller, implying delivery.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	h.mark(c, h.hub.MarkRead)
}

func (h *MessageHandler) mark(c *gin.Context, op func(userID, messageID int) (string, error)) {
	userID := c.GetInt("user_id")

	messageID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	status, err := op(userID, messageID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": status})
}

// Status reports the aggregate status of a message plus the caller's own
// receipt.
func (h *MessageHandler) Status(c *gin.Context) {
	userID := c.GetInt("user_id")

	messageID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	msg, err := h.store.GetMessage(messageID)
	if err != nil {
		respondError(c, err)
		return
	}

	isMember, err := h.store.IsParticipant(msg.ConversationID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !isMember {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	aggregate, err := h.state.AggregateStatus(messageID)
	if err != nil {
		respondError(c, err)
		return
	}

	receipt, err := h.state.Receipt(messageID, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"aggregate_status": aggregate, "receipt": receipt})
}

// ToggleReaction flips the caller's reaction and returns the message's
// reaction summary.
func (h *MessageHandler) ToggleReaction(c *gin.Context) {
	userID := c.GetInt("user_id")

	messageID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	summary, err := h.hub.ToggleReaction(userID, messageID, req.Emoji)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"reactions": summary})
}

// Reactions returns the reaction summary; top=N limits to the N
// most-used emojis for compact display.
func (h *MessageHandler) Reactions(c *gin.Context) {
	messageID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	top, _ := strconv.Atoi(c.Query("top"))

	var summary []models.EmojiGroup
	if top > 0 {
		summary, err = h.reactions.Top(messageID, top)
	} else {
		summary, err = h.reactions.Summary(messageID)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"reactions": summary})
}

// Delete soft-deletes a message (sender only).
func (h *MessageHandler) Delete(c *gin.Context) {
	userID := c.GetInt("user_id")

	messageID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	if err := h.hub.DeleteMessage(userID, messageID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// GetUsers lists users except the caller, optionally filtered by search
// query, with live online status.
func (h *MessageHandler) GetUsers(c *gin.Context) {
	userID := c.GetInt("user_id")

	searchQuery := strings.TrimSpace(c.Query("q"))

	var rows *sql.Rows
	var err error
	if searchQuery != "" {
		rows, err = h.db.Query(`
			SELECT id, username, display_name, avatar_url, created_at FROM users
			WHERE id != ? AND (username LIKE ? OR display_name LIKE ?)
			ORDER BY username LIMIT 20
		`, userID, "%"+searchQuery+"%", "%"+searchQuery+"%")
	} else {
		rows, err = h.db.Query(`
			SELECT id, username, display_name, avatar_url, created_at FROM users WHERE id != ? ORDER BY username LIMIT 20
		`, userID)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch users"})
		return
	}
	defer rows.Close()

	type userWithPresence struct {
		models.User
		IsOnline   bool   `json:"is_online"`
		LastSeenAt string `json:"last_seen_at,omitempty"`
	}

	users := []userWithPresence{}
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Username, &user.DisplayName, &user.AvatarURL, &user.CreatedAt); err != nil {
			continue
		}
		u := userWithPresence{User: user, IsOnline: h.presence.IsOnline(user.ID)}
		if ts, ok := h.presence.LastSeen(user.ID); ok {
			u.LastSeenAt = ts.Format(timeLayout)
		}
		users = append(users, u)
	}

	c.JSON(http.StatusOK, users)
}

// SubscribePush stores a web-push subscription for the caller.
func (h *MessageHandler) SubscribePush(c *gin.Context) {
	userID := c.GetInt("user_id")

	if h.notifier == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "push not configured"})
		return
	}

	var sub push.Subscription
	if err := c.ShouldBindJSON(&sub); err != nil || sub.Endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription"})
		return
	}

	if err := h.notifier.Subscribe(userID, sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save subscription"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": "subscribed", "vapid_public_key": h.notifier.VAPIDPublicKey()})
}

// UnsubscribePush revokes the caller's subscription for an endpoint.
func (h *MessageHandler) UnsubscribePush(c *gin.Context) {
	userID := c.GetInt("user_id")

	if h.notifier == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "push not configured"})
		return
	}

	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := h.notifier.Unsubscribe(userID, req.Endpoint); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke subscription"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "unsubscribed"})
}
