package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/campushub/campushub/internal/apperr"
	"github.com/campushub/campushub/internal/models"
	"github.com/campushub/campushub/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Any origin may upgrade; the auth middleware already gates the
		// route, and native clients send no Origin header at all.
		return true
	},
}

// Client is one connected session. A user may hold any number of them;
// each gets its own uuid so receipts and echoes can tell devices apart.
type Client struct {
	sessionID string
	userID    int
	conn      *websocket.Conn
	hub       *Hub
	send      chan *Event
	limiter   *rate.Limiter
}

// inboundEvent is the client-to-server frame. Type selects the operation;
// the other fields are operation-specific.
type inboundEvent struct {
	Type           string           `json:"type"`
	ConversationID int              `json:"conversation_id,omitempty"`
	MessageID      int              `json:"message_id,omitempty"`
	ClientToken    string           `json:"client_token,omitempty"`
	Body           string           `json:"body,omitempty"`
	File           *models.FileMeta `json:"file,omitempty"`
	MessageType    string           `json:"message_type,omitempty"`
	Emoji          string           `json:"emoji,omitempty"`
}

// HandleWebSocket upgrades the connection and registers a session for the
// authenticated user.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("gateway: upgrade error: %v", err)
		return
	}

	client := &Client{
		sessionID: uuid.NewString(),
		userID:    userID.(int),
		conn:      conn,
		hub:       h,
		send:      make(chan *Event, 256),
		limiter:   rate.NewLimiter(rate.Limit(20), 40),
	}

	h.register <- client

	go client.readPump()
	go client.writePump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("gateway: websocket error: %v", err)
			}
			break
		}

		// Flood control; a client past the budget has its frames dropped.
		if !c.limiter.Allow() {
			continue
		}

		var event inboundEvent
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}

		c.handleEvent(event)
	}
}

func (c *Client) handleEvent(event inboundEvent) {
	switch event.Type {
	case "message":
		c.handleSend(event)
	case "mark_delivered":
		if _, err := c.hub.MarkDelivered(c.userID, event.MessageID); err != nil {
			c.sendError(event, err)
		}
	case "mark_read":
		if _, err := c.hub.MarkRead(c.userID, event.MessageID); err != nil {
			c.sendError(event, err)
		}
	case "toggle_reaction":
		if _, err := c.hub.ToggleReaction(c.userID, event.MessageID, event.Emoji); err != nil {
			c.sendError(event, err)
		}
	case "typing":
		if err := c.hub.SetTyping(c.userID, event.ConversationID, c.sessionID); err != nil {
			c.sendError(event, err)
		}
	}
}

func (c *Client) handleSend(event inboundEvent) {
	_, err := c.hub.SendMessage(c.userID, event.ConversationID, store.MessageContent{
		ClientToken: event.ClientToken,
		Body:        event.Body,
		File:        event.File,
		MessageType: event.MessageType,
	})
	if err != nil {
		// A failed send is surfaced to the sender only, carrying the
		// client token so the device can offer retry.
		c.sendError(event, err)
	}
}

// sendError reports a failure to the originating session only. Validation
// errors and transient send failures are never fanned out.
func (c *Client) sendError(event inboundEvent, err error) {
	code := apperr.CodeOf(err)
	status := ""
	if code == apperr.CodeTransient {
		status = models.StatusFailed
	}
	c.hub.sendToSession(c.sessionID, &Event{
		Type:           EventError,
		ConversationID: event.ConversationID,
		MessageID:      event.MessageID,
		ClientToken:    event.ClientToken,
		Status:         status,
		Error: &ErrorDetail{
			Code:    string(code),
			Message: err.Error(),
		},
		At: time.Now().UTC(),
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}

			data, _ := json.Marshal(event)
			w.Write(data)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
