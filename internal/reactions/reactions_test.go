package reactions

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/campushub/campushub/internal/apperr"
	"github.com/campushub/campushub/internal/db"
	"github.com/campushub/campushub/internal/models"
	"github.com/campushub/campushub/internal/store"
)

type fixture struct {
	ledger *Ledger
	store  *store.Store
	conn   *sql.DB
	users  map[string]int
	msg    *models.Message
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	conn, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		t.Fatalf("failed to set busy timeout: %v", err)
	}
	if _, err := conn.Exec(db.Schema); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	f := &fixture{
		store: store.New(conn),
		conn:  conn,
		users: make(map[string]int),
	}
	f.ledger = New(conn, f.store)

	for _, username := range []string{"alice", "bob", "carol", "mallory"} {
		result, err := conn.Exec("INSERT INTO users (username, password_hash) VALUES (?, 'x')", username)
		if err != nil {
			t.Fatalf("failed to create user %s: %v", username, err)
		}
		id, _ := result.LastInsertId()
		f.users[username] = int(id)
	}

	conv, err := f.store.CreateGroup(f.users["alice"], []int{f.users["bob"], f.users["carol"]}, models.GroupSettings{Name: "group"})
	if err != nil {
		t.Fatalf("create group failed: %v", err)
	}
	f.msg, err = f.store.AppendMessage(conv.ID, f.users["alice"], store.MessageContent{Body: "hi"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	return f
}

// insertReaction backdates rows so ordering tests don't depend on
// sub-second timestamp resolution.
func (f *fixture) insertReaction(t *testing.T, userID int, emoji string, secondsAgo int) {
	t.Helper()
	if _, err := f.conn.Exec(`
		INSERT INTO reactions (message_id, user_id, emoji, created_at)
		VALUES (?, ?, ?, datetime('now', ?))
	`, f.msg.ID, userID, emoji, fmt.Sprintf("-%d seconds", secondsAgo)); err != nil {
		t.Fatalf("failed to insert reaction: %v", err)
	}
}

func TestToggleParity(t *testing.T) {
	f := newFixture(t)
	bob := f.users["bob"]

	added, summary, err := f.ledger.Toggle(f.msg.ID, bob, "👍")
	if err != nil {
		t.Fatalf("first toggle failed: %v", err)
	}
	if !added {
		t.Fatalf("first toggle should add")
	}
	if len(summary) != 1 || summary[0].Count != 1 {
		t.Fatalf("summary after add = %+v", summary)
	}

	added, summary, err = f.ledger.Toggle(f.msg.ID, bob, "👍")
	if err != nil {
		t.Fatalf("second toggle failed: %v", err)
	}
	if added {
		t.Fatalf("second toggle should remove")
	}
	if len(summary) != 0 {
		t.Fatalf("summary after remove = %+v", summary)
	}

	// Odd number of toggles leaves the reaction present.
	for i := 0; i < 3; i++ {
		added, _, err = f.ledger.Toggle(f.msg.ID, bob, "👍")
		if err != nil {
			t.Fatalf("toggle %d failed: %v", i, err)
		}
	}
	if !added {
		t.Fatalf("odd toggle count should end present")
	}
}

func TestToggleDistinctEmojisCoexist(t *testing.T) {
	f := newFixture(t)
	bob := f.users["bob"]

	if _, _, err := f.ledger.Toggle(f.msg.ID, bob, "👍"); err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	_, summary, err := f.ledger.Toggle(f.msg.ID, bob, "🎉")
	if err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if len(summary) != 2 {
		t.Fatalf("summary = %+v, want two groups", summary)
	}
}

func TestToggleValidation(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.ledger.Toggle(f.msg.ID, f.users["bob"], "  ")
	if apperr.CodeOf(err) != apperr.CodeInvalidContent {
		t.Fatalf("empty emoji: code = %s, want invalid_content", apperr.CodeOf(err))
	}

	_, _, err = f.ledger.Toggle(f.msg.ID, f.users["mallory"], "👍")
	if apperr.CodeOf(err) != apperr.CodeForbidden {
		t.Fatalf("outsider: code = %s, want forbidden", apperr.CodeOf(err))
	}

	_, _, err = f.ledger.Toggle(999, f.users["bob"], "👍")
	if apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatalf("missing message: code = %s, want not_found", apperr.CodeOf(err))
	}
}

func TestSenderMayReactToOwnMessage(t *testing.T) {
	f := newFixture(t)

	added, _, err := f.ledger.Toggle(f.msg.ID, f.users["alice"], "👍")
	if err != nil {
		t.Fatalf("sender toggle failed: %v", err)
	}
	if !added {
		t.Fatalf("sender toggle should add")
	}
}

func TestSummaryOrdering(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol := f.users["alice"], f.users["bob"], f.users["carol"]

	f.insertReaction(t, bob, "🎉", 30)
	f.insertReaction(t, carol, "👍", 20)
	f.insertReaction(t, alice, "🎉", 10)

	summary, err := f.ledger.Summary(f.msg.ID)
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if len(summary) != 2 {
		t.Fatalf("groups = %d, want 2", len(summary))
	}

	// Groups in first-reaction order; users in reaction order inside each.
	if summary[0].Emoji != "🎉" || summary[1].Emoji != "👍" {
		t.Fatalf("group order = [%s %s]", summary[0].Emoji, summary[1].Emoji)
	}
	if summary[0].Count != 2 || summary[1].Count != 1 {
		t.Fatalf("counts = [%d %d]", summary[0].Count, summary[1].Count)
	}
	if len(summary[0].UserIDs) != 2 || summary[0].UserIDs[0] != bob || summary[0].UserIDs[1] != alice {
		t.Fatalf("reactor order = %v, want [%d %d]", summary[0].UserIDs, bob, alice)
	}
}

func TestTopOrdersByCountThenFirstAt(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol := f.users["alice"], f.users["bob"], f.users["carol"]

	f.insertReaction(t, bob, "🎉", 30)
	f.insertReaction(t, carol, "👍", 25)
	f.insertReaction(t, alice, "👍", 20)
	f.insertReaction(t, bob, "👍", 15)
	f.insertReaction(t, alice, "❤️", 10)

	top, err := f.ledger.Top(f.msg.ID, 2)
	if err != nil {
		t.Fatalf("top failed: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("top = %d groups, want 2", len(top))
	}
	if top[0].Emoji != "👍" || top[0].Count != 3 {
		t.Fatalf("top[0] = %s x%d, want 👍 x3", top[0].Emoji, top[0].Count)
	}
	// Count tie between 🎉 and ❤️ breaks on earliest first reaction.
	if top[1].Emoji != "🎉" {
		t.Fatalf("top[1] = %s, want 🎉", top[1].Emoji)
	}
}
