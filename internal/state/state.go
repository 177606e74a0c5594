package state

import (
	"database/sql"
	"time"

	"github.com/campushub/campushub/internal/apperr"
	"github.com/campushub/campushub/internal/models"
	"github.com/campushub/campushub/internal/store"
)

// Machine tracks per-message lifecycle and per-recipient receipts.
// Receipt timestamps are set-once: repeated marks never move them.
type Machine struct {
	db    *sql.DB
	store *store.Store
}

func New(db *sql.DB, s *store.Store) *Machine {
	return &Machine{db: db, store: s}
}

// MarkDelivered records that userID's session acknowledged receipt of the
// message. Idempotent: the returned bool is false when the receipt
// already existed.
func (m *Machine) MarkDelivered(messageID, userID int) (bool, error) {
	if err := m.checkRecipient(messageID, userID); err != nil {
		return false, err
	}
	return m.upsertReceipt(messageID, userID, false)
}

// MarkRead upserts a read receipt with the first readAt only. Delivery is
// implied: a missing delivered_at is recorded alongside, since a message
// cannot be read without having been delivered.
func (m *Machine) MarkRead(messageID, userID int) (bool, error) {
	if err := m.checkRecipient(messageID, userID); err != nil {
		return false, err
	}
	return m.upsertReceipt(messageID, userID, true)
}

// Receipt returns the receipt row for (message, user), or an empty
// receipt if none exists yet.
func (m *Machine) Receipt(messageID, userID int) (*models.Receipt, error) {
	receipt := &models.Receipt{MessageID: messageID, UserID: userID}
	err := m.db.QueryRow(`
		SELECT delivered_at, read_at FROM message_receipts WHERE message_id = ? AND user_id = ?
	`, messageID, userID).Scan(&receipt.DeliveredAt, &receipt.ReadAt)
	if err != nil && err != sql.ErrNoRows {
		return nil, apperr.Wrap(apperr.CodeTransient, "failed to fetch receipt", err)
	}
	return receipt, nil
}

// AggregateStatus computes the message status shown to the sender: the
// minimum across all non-sender participants. A group message is read
// only once every recipient holds a read receipt.
func (m *Machine) AggregateStatus(messageID int) (string, error) {
	msg, err := m.store.GetMessage(messageID)
	if err != nil {
		return "", err
	}
	if msg.Status == models.StatusFailed {
		return models.StatusFailed, nil
	}

	ids, err := m.store.ParticipantIDs(msg.ConversationID)
	if err != nil {
		return "", err
	}

	recipients := 0
	for _, id := range ids {
		if id != msg.SenderID {
			recipients++
		}
	}
	if recipients == 0 {
		return models.StatusSent, nil
	}

	var delivered, read int
	err = m.db.QueryRow(`
		SELECT COUNT(CASE WHEN delivered_at IS NOT NULL THEN 1 END),
		       COUNT(CASE WHEN read_at IS NOT NULL THEN 1 END)
		FROM message_receipts WHERE message_id = ?
	`, messageID).Scan(&delivered, &read)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeTransient, "failed to count receipts", err)
	}

	switch {
	case read >= recipients:
		return models.StatusRead, nil
	case delivered >= recipients:
		return models.StatusDelivered, nil
	default:
		return models.StatusSent, nil
	}
}

func (m *Machine) checkRecipient(messageID, userID int) error {
	msg, err := m.store.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg.SenderID == userID {
		return apperr.New(apperr.CodeInvalidOperation, "cannot receipt own message")
	}
	isMember, err := m.store.IsParticipant(msg.ConversationID, userID)
	if err != nil {
		return err
	}
	if !isMember {
		return apperr.New(apperr.CodeNotFound, "not a participant of this conversation")
	}
	return nil
}

// upsertReceipt sets delivered_at (and read_at when read is true) only if
// currently unset, inside one transaction so concurrent marks of the same
// receipt cannot double-fire events.
func (m *Machine) upsertReceipt(messageID, userID int, read bool) (bool, error) {
	tx, err := m.db.Begin()
	if err != nil {
		return false, apperr.Wrap(apperr.CodeTransient, "failed to start transaction", err)
	}
	defer tx.Rollback()

	var deliveredAt, readAt *time.Time
	err = tx.QueryRow(`
		SELECT delivered_at, read_at FROM message_receipts WHERE message_id = ? AND user_id = ?
	`, messageID, userID).Scan(&deliveredAt, &readAt)
	if err != nil && err != sql.ErrNoRows {
		return false, apperr.Wrap(apperr.CodeTransient, "failed to fetch receipt", err)
	}

	changed := false
	if err == sql.ErrNoRows {
		now := time.Now().UTC()
		var newRead *time.Time
		if read {
			newRead = &now
		}
		if _, err := tx.Exec(`
			INSERT INTO message_receipts (message_id, user_id, delivered_at, read_at) VALUES (?, ?, ?, ?)
		`, messageID, userID, now, newRead); err != nil {
			return false, apperr.Wrap(apperr.CodeTransient, "failed to save receipt", err)
		}
		changed = true
	} else {
		if deliveredAt == nil {
			if _, err := tx.Exec(`
				UPDATE message_receipts SET delivered_at = CURRENT_TIMESTAMP WHERE message_id = ? AND user_id = ?
			`, messageID, userID); err != nil {
				return false, apperr.Wrap(apperr.CodeTransient, "failed to update receipt", err)
			}
			if !read {
				changed = true
			}
		}
		if read && readAt == nil {
			if _, err := tx.Exec(`
				UPDATE message_receipts SET read_at = CURRENT_TIMESTAMP WHERE message_id = ? AND user_id = ?
			`, messageID, userID); err != nil {
				return false, apperr.Wrap(apperr.CodeTransient, "failed to update receipt", err)
			}
			changed = true
		}
	}

	if err := tx.Commit(); err != nil {
		return false, apperr.Wrap(apperr.CodeTransient, "failed to commit receipt", err)
	}
	return changed, nil
}
