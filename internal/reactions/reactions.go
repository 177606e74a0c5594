package reactions

import (
	"database/sql"
	"sort"
	"strings"

	"github.com/campushub/campushub/internal/apperr"
	"github.com/campushub/campushub/internal/models"
	"github.com/campushub/campushub/internal/store"
)

// Ledger maps (message, emoji) to the set of reacting users. Toggle is
// the only mutator, so a user can never hold the same emoji twice on one
// message. Emoji values are free-form text, not a closed enum.
type Ledger struct {
	db    *sql.DB
	store *store.Store
}

func New(db *sql.DB, s *store.Store) *Ledger {
	return &Ledger{db: db, store: s}
}

// Toggle adds the reaction if absent, removes it if present, and returns
// whether it is now present plus the message's full reaction summary.
func (l *Ledger) Toggle(messageID, userID int, emoji string) (bool, []models.EmojiGroup, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return false, nil, apperr.New(apperr.CodeInvalidContent, "emoji required")
	}

	msg, err := l.store.GetMessage(messageID)
	if err != nil {
		return false, nil, err
	}

	isMember, err := l.store.IsParticipant(msg.ConversationID, userID)
	if err != nil {
		return false, nil, err
	}
	if !isMember {
		return false, nil, apperr.New(apperr.CodeForbidden, "not a participant")
	}

	tx, err := l.db.Begin()
	if err != nil {
		return false, nil, apperr.Wrap(apperr.CodeTransient, "failed to start transaction", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?
	`, messageID, userID, emoji)
	if err != nil {
		return false, nil, apperr.Wrap(apperr.CodeTransient, "failed to remove reaction", err)
	}

	removed, _ := result.RowsAffected()
	added := removed == 0
	if added {
		if _, err := tx.Exec(`
			INSERT INTO reactions (message_id, user_id, emoji) VALUES (?, ?, ?)
		`, messageID, userID, emoji); err != nil {
			return false, nil, apperr.Wrap(apperr.CodeTransient, "failed to add reaction", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, nil, apperr.Wrap(apperr.CodeTransient, "failed to commit reaction", err)
	}

	summary, err := l.Summary(messageID)
	if err != nil {
		return false, nil, err
	}
	return added, summary, nil
}

// Summary groups the message's reactions by emoji, ordered by first
// reaction time; within a group, reactor ids are in reaction order.
func (l *Ledger) Summary(messageID int) ([]models.EmojiGroup, error) {
	rows, err := l.db.Query(`
		SELECT emoji, user_id, created_at FROM reactions
		WHERE message_id = ? ORDER BY created_at, user_id
	`, messageID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeTransient, "failed to fetch reactions", err)
	}
	defer rows.Close()

	groups := []models.EmojiGroup{}
	index := map[string]int{}
	for rows.Next() {
		var reaction models.Reaction
		if err := rows.Scan(&reaction.Emoji, &reaction.UserID, &reaction.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.CodeTransient, "failed to scan reaction", err)
		}
		i, ok := index[reaction.Emoji]
		if !ok {
			i = len(groups)
			index[reaction.Emoji] = i
			groups = append(groups, models.EmojiGroup{Emoji: reaction.Emoji, FirstAt: reaction.CreatedAt})
		}
		groups[i].Count++
		groups[i].UserIDs = append(groups[i].UserIDs, reaction.UserID)
	}
	return groups, rows.Err()
}

// Top returns the n most-used reactions for compact display, with count
// ties broken by earliest reaction time.
func (l *Ledger) Top(messageID, n int) ([]models.EmojiGroup, error) {
	summary, err := l.Summary(messageID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(summary, func(i, j int) bool {
		if summary[i].Count != summary[j].Count {
			return summary[i].Count > summary[j].Count
		}
		return summary[i].FirstAt.Before(summary[j].FirstAt)
	})
	if n > 0 && len(summary) > n {
		summary = summary[:n]
	}
	return summary, nil
}
