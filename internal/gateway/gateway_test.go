package gateway

import (
	"database/sql"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"

	"github.com/campushub/campushub/internal/db"
	"github.com/campushub/campushub/internal/models"
	"github.com/campushub/campushub/internal/reactions"
	"github.com/campushub/campushub/internal/state"
	"github.com/campushub/campushub/internal/store"
)

func setupTestHub(t *testing.T) (*Hub, *store.Store, *sql.DB) {
	t.Helper()

	conn, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		t.Fatalf("Failed to enable WAL: %v", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		t.Fatalf("Failed to set busy timeout: %v", err)
	}
	if _, err := conn.Exec(db.Schema); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	conn.Exec("INSERT INTO users (id, username, password_hash) VALUES (1, 'alice', 'x')")
	conn.Exec("INSERT INTO users (id, username, password_hash) VALUES (2, 'bob', 'x')")
	conn.Exec("INSERT INTO users (id, username, password_hash) VALUES (3, 'carol', 'x')")

	s := store.New(conn)
	hub := NewHub(s, state.New(conn, s), reactions.New(conn, s), 100*time.Millisecond)
	go hub.Run()

	return hub, s, conn
}

func directConv(t *testing.T, s *store.Store, a, b int) int {
	t.Helper()
	conv, _, err := s.ResolveOrCreateDirect(a, b)
	if err != nil {
		t.Fatalf("Failed to create conversation: %v", err)
	}
	return conv.ID
}

func addSession(t *testing.T, hub *Hub, userID int, sessionID string) *Client {
	t.Helper()
	client := &Client{
		sessionID: sessionID,
		userID:    userID,
		hub:       hub,
		send:      make(chan *Event, 256),
	}
	hub.register <- client

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		_, ok := hub.sessions[sessionID]
		hub.mu.RUnlock()
		if ok {
			return client
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never registered", sessionID)
	return nil
}

func nextEvent(t *testing.T, client *Client) *Event {
	t.Helper()
	select {
	case ev := <-client.send:
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event on session %s", client.sessionID)
		return nil
	}
}

// drain discards buffered events, e.g. presence fan-out from session setup.
func drain(client *Client) {
	for {
		select {
		case <-client.send:
		default:
			return
		}
	}
}

func expectNoEvent(t *testing.T, client *Client) {
	t.Helper()
	select {
	case ev := <-client.send:
		t.Fatalf("unexpected event %s on session %s", ev.Type, client.sessionID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubRegisterUnregister(t *testing.T) {
	hub, _, _ := setupTestHub(t)

	c1 := addSession(t, hub, 1, "s1")
	c2 := addSession(t, hub, 1, "s2")

	hub.mu.RLock()
	userSessions := len(hub.byUser[1])
	hub.mu.RUnlock()
	if userSessions != 2 {
		t.Fatalf("sessions for user 1 = %d, want 2", userSessions)
	}

	hub.unregister <- c1
	time.Sleep(20 * time.Millisecond)

	hub.mu.RLock()
	_, stillThere := hub.sessions["s1"]
	userSessions = len(hub.byUser[1])
	hub.mu.RUnlock()
	if stillThere || userSessions != 1 {
		t.Fatalf("after unregister: present=%v sessions=%d", stillThere, userSessions)
	}

	hub.unregister <- c2
	time.Sleep(20 * time.Millisecond)

	hub.mu.RLock()
	_, userKnown := hub.byUser[1]
	hub.mu.RUnlock()
	if userKnown {
		t.Fatalf("user entry survived last session")
	}

	// The send channel is closed so writePump can exit.
	if _, open := <-c2.send; open {
		// Drain any trailing event, the channel must close eventually.
		for range c2.send {
		}
	}
}

func TestSendMessageBroadcastOrder(t *testing.T) {
	hub, s, _ := setupTestHub(t)
	conv := directConv(t, s, 1, 2)

	bob := addSession(t, hub, 2, "bob-1")
	time.Sleep(20 * time.Millisecond)
	drain(bob)

	m1, err := hub.SendMessage(1, conv, store.MessageContent{Body: "first"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	m2, err := hub.SendMessage(1, conv, store.MessageContent{Body: "second"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	ev1 := nextEvent(t, bob)
	ev2 := nextEvent(t, bob)

	if ev1.Type != EventMessageCreated || ev1.MessageID != m1.ID {
		t.Fatalf("first event = %s/%d, want %s/%d", ev1.Type, ev1.MessageID, EventMessageCreated, m1.ID)
	}
	if ev2.Type != EventMessageCreated || ev2.MessageID != m2.ID {
		t.Fatalf("second event = %s/%d, want %s/%d", ev2.Type, ev2.MessageID, EventMessageCreated, m2.ID)
	}
	if ev1.Seq >= ev2.Seq {
		t.Fatalf("sequence not increasing: %d then %d", ev1.Seq, ev2.Seq)
	}
	if ev1.Message == nil || ev1.Message.Body != "first" {
		t.Fatalf("first event payload = %+v", ev1.Message)
	}
}

func TestSendMessageEchoesToAllDevices(t *testing.T) {
	hub, s, _ := setupTestHub(t)
	conv := directConv(t, s, 1, 2)

	aliceA := addSession(t, hub, 1, "alice-a")
	aliceB := addSession(t, hub, 1, "alice-b")
	bob := addSession(t, hub, 2, "bob-1")
	time.Sleep(20 * time.Millisecond)
	drain(aliceA)
	drain(aliceB)
	drain(bob)

	msg, err := hub.SendMessage(1, conv, store.MessageContent{ClientToken: "tok-1", Body: "hello"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	for _, client := range []*Client{aliceA, aliceB, bob} {
		ev := nextEvent(t, client)
		if ev.Type != EventMessageCreated || ev.MessageID != msg.ID {
			t.Fatalf("session %s got %s/%d", client.sessionID, ev.Type, ev.MessageID)
		}
		if ev.ClientToken != "tok-1" {
			t.Fatalf("session %s missing client token", client.sessionID)
		}
	}
}

func TestMarkReadBroadcastsOnce(t *testing.T) {
	hub, s, _ := setupTestHub(t)
	conv := directConv(t, s, 1, 2)

	alice := addSession(t, hub, 1, "alice-1")
	time.Sleep(20 * time.Millisecond)
	drain(alice)

	msg, err := hub.SendMessage(1, conv, store.MessageContent{Body: "hello"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	drain(alice)

	status, err := hub.MarkRead(2, msg.ID)
	if err != nil {
		t.Fatalf("mark read failed: %v", err)
	}
	if status != models.StatusRead {
		t.Fatalf("status = %q, want read", status)
	}

	ev := nextEvent(t, alice)
	if ev.Type != EventMessageRead || ev.Status != models.StatusRead || ev.ActorID != 2 {
		t.Fatalf("read event = %+v", ev)
	}

	// Repeating the mark returns the status but emits nothing new.
	status, err = hub.MarkRead(2, msg.ID)
	if err != nil {
		t.Fatalf("second mark failed: %v", err)
	}
	if status != models.StatusRead {
		t.Fatalf("second status = %q, want read", status)
	}
	expectNoEvent(t, alice)
}

func TestMarkDeliveredThenRead(t *testing.T) {
	hub, s, _ := setupTestHub(t)
	conv := directConv(t, s, 1, 2)

	alice := addSession(t, hub, 1, "alice-1")
	time.Sleep(20 * time.Millisecond)
	drain(alice)

	msg, err := hub.SendMessage(1, conv, store.MessageContent{Body: "hello"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	drain(alice)

	status, err := hub.MarkDelivered(2, msg.ID)
	if err != nil {
		t.Fatalf("mark delivered failed: %v", err)
	}
	if status != models.StatusDelivered {
		t.Fatalf("status = %q, want delivered", status)
	}

	ev := nextEvent(t, alice)
	if ev.Type != EventMessageDelivered || ev.Status != models.StatusDelivered {
		t.Fatalf("delivered event = %+v", ev)
	}

	if _, err := hub.MarkRead(2, msg.ID); err != nil {
		t.Fatalf("mark read failed: %v", err)
	}
	ev = nextEvent(t, alice)
	if ev.Type != EventMessageRead {
		t.Fatalf("read event type = %s", ev.Type)
	}
}

func TestTypingExcludesOriginSession(t *testing.T) {
	hub, s, _ := setupTestHub(t)
	conv := directConv(t, s, 1, 2)

	aliceA := addSession(t, hub, 1, "alice-a")
	aliceB := addSession(t, hub, 1, "alice-b")
	bob := addSession(t, hub, 2, "bob-1")
	time.Sleep(20 * time.Millisecond)
	drain(aliceA)
	drain(aliceB)
	drain(bob)

	if err := hub.SetTyping(1, conv, "alice-a"); err != nil {
		t.Fatalf("set typing failed: %v", err)
	}

	for _, client := range []*Client{aliceB, bob} {
		ev := nextEvent(t, client)
		if ev.Type != EventTypingStarted || ev.ActorID != 1 {
			t.Fatalf("session %s got %+v", client.sessionID, ev)
		}
	}
	expectNoEvent(t, aliceA)

	// A refresh within the lease emits nothing.
	if err := hub.SetTyping(1, conv, "alice-a"); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	expectNoEvent(t, bob)

	// The lapse reaches every session, the origin included.
	hub.Presence().Sweep(time.Now().Add(time.Second))
	for _, client := range []*Client{aliceA, aliceB, bob} {
		ev := nextEvent(t, client)
		if ev.Type != EventTypingStopped || ev.ActorID != 1 {
			t.Fatalf("session %s got %+v", client.sessionID, ev)
		}
	}
}

func TestTypingRequiresMembership(t *testing.T) {
	hub, s, _ := setupTestHub(t)
	conv := directConv(t, s, 1, 2)

	if err := hub.SetTyping(3, conv, ""); err == nil {
		t.Fatalf("outsider typing accepted")
	}
}

func TestSendClearsTypingLease(t *testing.T) {
	hub, s, _ := setupTestHub(t)
	conv := directConv(t, s, 1, 2)

	bob := addSession(t, hub, 2, "bob-1")
	time.Sleep(20 * time.Millisecond)
	drain(bob)

	if err := hub.SetTyping(1, conv, ""); err != nil {
		t.Fatalf("set typing failed: %v", err)
	}
	if ev := nextEvent(t, bob); ev.Type != EventTypingStarted {
		t.Fatalf("expected typing.started, got %s", ev.Type)
	}

	// The message implicitly ends the typing indicator, in order.
	if _, err := hub.SendMessage(1, conv, store.MessageContent{Body: "done typing"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	ev := nextEvent(t, bob)
	if ev.Type != EventTypingStopped {
		t.Fatalf("expected typing.stopped before the message, got %s", ev.Type)
	}
	ev = nextEvent(t, bob)
	if ev.Type != EventMessageCreated {
		t.Fatalf("expected message.created, got %s", ev.Type)
	}

	// The lease is gone: the sweep has nothing to report.
	hub.Presence().Sweep(time.Now().Add(time.Second))
	expectNoEvent(t, bob)
}

func TestToggleReactionBroadcast(t *testing.T) {
	hub, s, _ := setupTestHub(t)
	conv := directConv(t, s, 1, 2)

	alice := addSession(t, hub, 1, "alice-1")
	time.Sleep(20 * time.Millisecond)
	drain(alice)

	msg, err := hub.SendMessage(1, conv, store.MessageContent{Body: "react to me"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	drain(alice)

	summary, err := hub.ToggleReaction(2, msg.ID, "👍")
	if err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if len(summary) != 1 || summary[0].Count != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	ev := nextEvent(t, alice)
	if ev.Type != EventReactionChanged || ev.MessageID != msg.ID {
		t.Fatalf("reaction event = %+v", ev)
	}
	if len(ev.Reactions) != 1 || ev.Reactions[0].Emoji != "👍" {
		t.Fatalf("reaction payload = %+v", ev.Reactions)
	}

	// Toggling off broadcasts the now-empty summary.
	if _, err := hub.ToggleReaction(2, msg.ID, "👍"); err != nil {
		t.Fatalf("second toggle failed: %v", err)
	}
	ev = nextEvent(t, alice)
	if ev.Type != EventReactionChanged || len(ev.Reactions) != 0 {
		t.Fatalf("off event = %+v", ev)
	}
}

func TestDeleteMessageBroadcast(t *testing.T) {
	hub, s, _ := setupTestHub(t)
	conv := directConv(t, s, 1, 2)

	bob := addSession(t, hub, 2, "bob-1")
	time.Sleep(20 * time.Millisecond)
	drain(bob)

	msg, err := hub.SendMessage(1, conv, store.MessageContent{Body: "oops"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	drain(bob)

	if err := hub.DeleteMessage(1, msg.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	ev := nextEvent(t, bob)
	if ev.Type != EventMessageDeleted || ev.MessageID != msg.ID {
		t.Fatalf("delete event = %+v", ev)
	}
}

func TestPresenceBroadcast(t *testing.T) {
	hub, s, _ := setupTestHub(t)
	directConv(t, s, 1, 2)

	bob := addSession(t, hub, 2, "bob-1")
	time.Sleep(20 * time.Millisecond)
	drain(bob)

	alice := addSession(t, hub, 1, "alice-1")
	time.Sleep(20 * time.Millisecond)

	ev := nextEvent(t, bob)
	if ev.Type != EventPresenceOnline || ev.ActorID != 1 {
		t.Fatalf("online event = %+v", ev)
	}

	hub.unregister <- alice
	ev = nextEvent(t, bob)
	if ev.Type != EventPresenceOffline || ev.ActorID != 1 {
		t.Fatalf("offline event = %+v", ev)
	}
	if ev.LastSeenAt == nil {
		t.Fatalf("offline event missing last seen")
	}
}

func TestWebSocketIntegration(t *testing.T) {
	gin.SetMode(gin.TestMode)

	hub, s, _ := setupTestHub(t)
	conv := directConv(t, s, 1, 2)

	router := gin.New()
	// Test middleware: the user id comes straight from the query string.
	router.GET("/ws", func(c *gin.Context) {
		uid, _ := strconv.Atoi(c.Query("uid"))
		c.Set("user_id", uid)
		hub.HandleWebSocket(c)
	})

	server := httptest.NewServer(router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	aliceConn, _, err := websocket.DefaultDialer.Dial(wsURL+"?uid=1", nil)
	if err != nil {
		t.Fatalf("Failed to connect alice: %v", err)
	}
	defer aliceConn.Close()

	bobConn, _, err := websocket.DefaultDialer.Dial(wsURL+"?uid=2", nil)
	if err != nil {
		t.Fatalf("Failed to connect bob: %v", err)
	}
	defer bobConn.Close()

	time.Sleep(50 * time.Millisecond)

	frame, _ := json.Marshal(map[string]any{
		"type":            "message",
		"conversation_id": conv,
		"client_token":    "ws-tok-1",
		"body":            "hello over ws",
	})
	if err := aliceConn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	bobConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := bobConn.ReadMessage()
		if err != nil {
			t.Fatalf("Failed to read event: %v", err)
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("Failed to decode event: %v", err)
		}
		// Skip presence noise from connection setup.
		if ev.Type == EventPresenceOnline || ev.Type == EventPresenceOffline {
			continue
		}
		if ev.Type != EventMessageCreated {
			t.Fatalf("event type = %s, want %s", ev.Type, EventMessageCreated)
		}
		if ev.Message == nil || ev.Message.Body != "hello over ws" {
			t.Fatalf("event payload = %+v", ev.Message)
		}
		if ev.ClientToken != "ws-tok-1" {
			t.Fatalf("client token = %q", ev.ClientToken)
		}
		break
	}
}

func TestWebSocketErrorGoesToOriginOnly(t *testing.T) {
	gin.SetMode(gin.TestMode)

	hub, s, _ := setupTestHub(t)
	conv := directConv(t, s, 1, 2)

	router := gin.New()
	router.GET("/ws", func(c *gin.Context) {
		uid, _ := strconv.Atoi(c.Query("uid"))
		c.Set("user_id", uid)
		hub.HandleWebSocket(c)
	})

	server := httptest.NewServer(router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	aliceConn, _, err := websocket.DefaultDialer.Dial(wsURL+"?uid=1", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer aliceConn.Close()

	time.Sleep(50 * time.Millisecond)

	// Empty body and no file: rejected with a validation error.
	frame, _ := json.Marshal(map[string]any{
		"type":            "message",
		"conversation_id": conv,
		"client_token":    "bad-1",
	})
	if err := aliceConn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	aliceConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := aliceConn.ReadMessage()
		if err != nil {
			t.Fatalf("Failed to read event: %v", err)
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("Failed to decode event: %v", err)
		}
		if ev.Type == EventPresenceOnline {
			continue
		}
		if ev.Type != EventError {
			t.Fatalf("event type = %s, want %s", ev.Type, EventError)
		}
		if ev.Error == nil || ev.Error.Code != "invalid_content" {
			t.Fatalf("error payload = %+v", ev.Error)
		}
		if ev.ClientToken != "bad-1" {
			t.Fatalf("client token = %q", ev.ClientToken)
		}
		break
	}
}

func TestErrorEventWireFormat(t *testing.T) {
	ev := &Event{
		Type:        EventError,
		ClientToken: "tok-9",
		Error: &ErrorDetail{
			Code:    "invalid_content",
			Message: "message requires a body or file",
		},
		At: time.Now().UTC(),
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}

	var decoded struct {
		Type        string `json:"type"`
		ClientToken string `json:"client_token"`
		Error       *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}

	if decoded.Type != "error" {
		t.Fatalf("type = %q, want %q", decoded.Type, "error")
	}
	if decoded.Error == nil || decoded.Error.Code != "invalid_content" {
		t.Fatalf("error detail = %+v", decoded.Error)
	}
	if decoded.ClientToken != "tok-9" {
		t.Fatalf("client token = %q", decoded.ClientToken)
	}
}
