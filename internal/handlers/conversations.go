package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/campushub/campushub/internal/apperr"
	"github.com/campushub/campushub/internal/gateway"
	"github.com/campushub/campushub/internal/models"
	"github.com/campushub/campushub/internal/presence"
	"github.com/campushub/campushub/internal/store"
)

// ConversationHandler serves the request-style conversation operations.
// Reads go straight to the store; anything that mutates conversation
// state goes through the gateway so it lands on the conversation's
// sequential path.
type ConversationHandler struct {
	store    *store.Store
	hub      *gateway.Hub
	presence *presence.Tracker
}

func NewConversationHandler(s *store.Store, hub *gateway.Hub) *ConversationHandler {
	return &ConversationHandler{store: s, hub: hub, presence: hub.Presence()}
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error(), "code": string(apperr.CodeOf(err))})
}

// ResolveDirect resolves or creates the unique direct conversation
// between the caller and the given participant.
func (h *ConversationHandler) ResolveDirect(c *gin.Context) {
	userID := c.GetInt("user_id")

	var req struct {
		ParticipantID int `json:"participant_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	conv, created, err := h.store.ResolveOrCreateDirect(userID, req.ParticipantID)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, conv)
}

// CreateGroup creates a group conversation with the caller as owner.
func (h *ConversationHandler) CreateGroup(c *gin.Context) {
	userID := c.GetInt("user_id")

	var req struct {
		ParticipantIDs []int                `json:"participant_ids"`
		Settings       models.GroupSettings `json:"settings" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	conv, err := h.store.CreateGroup(userID, req.ParticipantIDs, req.Settings)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, conv)
}

// List returns the caller's conversations, most recently active first,
// annotated with counterpart online status for direct conversations.
func (h *ConversationHandler) List(c *gin.Context) {
	userID := c.GetInt("user_id")

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	summaries, err := h.store.ListConversations(userID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	type conversationView struct {
		*models.ConversationSummary
		OtherUserOnline   bool   `json:"other_user_online,omitempty"`
		OtherUserLastSeen string `json:"other_user_last_seen,omitempty"`
	}

	views := make([]conversationView, 0, len(summaries))
	for _, summary := range summaries {
		view := conversationView{ConversationSummary: summary}
		if summary.OtherUserID != nil {
			view.OtherUserOnline = h.presence.IsOnline(*summary.OtherUserID)
			if ts, ok := h.presence.LastSeen(*summary.OtherUserID); ok {
				view.OtherUserLastSeen = ts.Format(timeLayout)
			}
		}
		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{"conversations": views})
}

// Get returns one conversation the caller belongs to.
func (h *ConversationHandler) Get(c *gin.Context) {
	userID := c.GetInt("user_id")

	conversationID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	isMember, err := h.store.IsParticipant(conversationID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !isMember {
		respondError(c, apperr.New(apperr.CodeForbidden, "not a participant"))
		return
	}

	conv, err := h.store.GetConversation(conversationID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"typing":       h.presence.TypingUserIDs(conversationID),
	})
}

// AddParticipant adds a user to a group conversation.
func (h *ConversationHandler) AddParticipant(c *gin.Context) {
	h.membershipChange(c, h.store.AddParticipant)
}

// RemoveParticipant removes a user from a group conversation.
func (h *ConversationHandler) RemoveParticipant(c *gin.Context) {
	userID := c.GetInt("user_id")

	conversationID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}
	targetID, err := strconv.Atoi(c.Param("userID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	if err := h.store.RemoveParticipant(conversationID, userID, targetID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

// PromoteAdmin grants the admin role to a group member.
func (h *ConversationHandler) PromoteAdmin(c *gin.Context) {
	userID := c.GetInt("user_id")

	conversationID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}
	targetID, err := strconv.Atoi(c.Param("userID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	if err := h.store.PromoteAdmin(conversationID, userID, targetID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "promoted"})
}

// SetTyping refreshes the caller's typing lease in a conversation.
func (h *ConversationHandler) SetTyping(c *gin.Context) {
	userID := c.GetInt("user_id")

	conversationID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	if err := h.hub.SetTyping(userID, conversationID, ""); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "typing"})
}

func (h *ConversationHandler) membershipChange(c *gin.Context, op func(conversationID, actorID, userID int) error) {
	userID := c.GetInt("user_id")

	conversationID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	var req struct {
		UserID int `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := op(conversationID, userID, req.UserID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

const timeLayout = "2006-01-02T15:04:05Z07:00"
