package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/campushub/campushub/internal/apperr"
	"github.com/campushub/campushub/internal/models"
)

const previewMaxRunes = 80

// directCreateRetries bounds the create-then-recheck loop in
// ResolveOrCreateDirect before giving up with Conflict.
const directCreateRetries = 3

// Store owns conversation and message persistence, including the
// uniqueness invariant for direct conversations.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// PairKey normalizes a participant pair into an order-independent key.
// The conversations table carries a UNIQUE constraint on it.
func PairKey(a, b int) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// MessageContent is the payload for AppendMessage. At least one of Body
// and File must be present. ClientToken is the caller-supplied
// idempotency token; retries with the same token return the original row.
type MessageContent struct {
	ClientToken string
	Body        string
	File        *models.FileMeta
	MessageType string
}

// ResolveOrCreateDirect returns the unique direct conversation between the
// two users, creating it if absent. Safe under concurrent calls from both
// sides: the UNIQUE pair_key constraint decides the race and the loser
// re-reads the winner's row. The second return value reports creation.
func (s *Store) ResolveOrCreateDirect(userA, userB int) (*models.Conversation, bool, error) {
	if userA == userB {
		return nil, false, apperr.New(apperr.CodeInvalidOperation, "cannot create conversation with yourself")
	}
	for _, id := range []int{userA, userB} {
		exists, err := s.userExists(id)
		if err != nil {
			return nil, false, apperr.Wrap(apperr.CodeTransient, "failed to check user", err)
		}
		if !exists {
			return nil, false, apperr.New(apperr.CodeNotFound, "user not found")
		}
	}

	key := PairKey(userA, userB)

	for attempt := 0; attempt < directCreateRetries; attempt++ {
		if conv, err := s.directByPairKey(key); err != nil {
			return nil, false, err
		} else if conv != nil {
			return conv, false, nil
		}

		tx, err := s.db.Begin()
		if err != nil {
			return nil, false, apperr.Wrap(apperr.CodeTransient, "failed to start transaction", err)
		}

		result, err := tx.Exec(`
			INSERT INTO conversations (is_group, pair_key) VALUES (0, ?)
		`, key)
		if err != nil {
			tx.Rollback()
			if isUniqueViolation(err) {
				// Lost the race: the other side's insert landed first.
				// Loop around and read their row.
				continue
			}
			return nil, false, apperr.Wrap(apperr.CodeTransient, "failed to create conversation", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			tx.Rollback()
			return nil, false, apperr.Wrap(apperr.CodeTransient, "failed to get conversation id", err)
		}

		for _, uid := range []int{userA, userB} {
			if _, err := tx.Exec(`
				INSERT INTO conversation_participants (conversation_id, user_id, role) VALUES (?, ?, 'member')
			`, id, uid); err != nil {
				tx.Rollback()
				return nil, false, apperr.Wrap(apperr.CodeTransient, "failed to add participant", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return nil, false, apperr.Wrap(apperr.CodeTransient, "failed to commit conversation", err)
		}

		conv, err := s.GetConversation(int(id))
		if err != nil {
			return nil, false, err
		}
		return conv, true, nil
	}

	return nil, false, apperr.New(apperr.CodeConflict, "conversation creation kept conflicting")
}

// CreateGroup creates a group conversation. The creator becomes owner and
// sole initial admin; every listed participant joins as member.
func (s *Store) CreateGroup(creatorID int, participantIDs []int, settings models.GroupSettings) (*models.Conversation, error) {
	if strings.TrimSpace(settings.Name) == "" {
		return nil, apperr.New(apperr.CodeInvalidContent, "group name required")
	}

	members := make([]int, 0, len(participantIDs))
	seen := map[int]bool{creatorID: true}
	for _, id := range participantIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		exists, err := s.userExists(id)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeTransient, "failed to check user", err)
		}
		if !exists {
			return nil, apperr.New(apperr.CodeNotFound, "participant not found")
		}
		members = append(members, id)
	}

	privacy := settings.Privacy
	if privacy == "" {
		privacy = "private"
	}
	invitePolicy := settings.InvitePolicy
	if invitePolicy == "" {
		invitePolicy = "admins"
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeTransient, "failed to start transaction", err)
	}

	result, err := tx.Exec(`
		INSERT INTO conversations (is_group, name, description, owner_id, privacy, invite_policy, approval_required)
		VALUES (1, ?, ?, ?, ?, ?, ?)
	`, settings.Name, settings.Description, creatorID, privacy, invitePolicy, settings.ApprovalRequired)
	if err != nil {
		tx.Rollback()
		return nil, apperr.Wrap(apperr.CodeTransient, "failed to create group", err)
	}

	id, _ := result.LastInsertId()

	if _, err := tx.Exec(`
		INSERT INTO conversation_participants (conversation_id, user_id, role) VALUES (?, ?, 'owner')
	`, id, creatorID); err != nil {
		tx.Rollback()
		return nil, apperr.Wrap(apperr.CodeTransient, "failed to add owner", err)
	}
	for _, uid := range members {
		if _, err := tx.Exec(`
			INSERT INTO conversation_participants (conversation_id, user_id, role) VALUES (?, ?, 'member')
		`, id, uid); err != nil {
			tx.Rollback()
			return nil, apperr.Wrap(apperr.CodeTransient, "failed to add participant", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.CodeTransient, "failed to commit group", err)
	}

	return s.GetConversation(int(id))
}

// AppendMessage validates and persists a message, updates the owning
// conversation's last-message preview and returns the row in state sent.
// A repeated ClientToken returns the previously created row instead of a
// duplicate.
func (s *Store) AppendMessage(conversationID, senderID int, content MessageContent) (*models.Message, error) {
	conv, err := s.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}

	isMember, err := s.IsParticipant(conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, apperr.New(apperr.CodeForbidden, "not a participant")
	}

	if strings.TrimSpace(content.Body) == "" && content.File == nil {
		return nil, apperr.New(apperr.CodeInvalidContent, "message needs text or a file")
	}

	if content.ClientToken != "" {
		if msg, err := s.messageByToken(conversationID, senderID, content.ClientToken); err != nil {
			return nil, err
		} else if msg != nil {
			return msg, nil
		}
	}

	messageType := content.MessageType
	if messageType == "" {
		messageType = models.TypeText
		if content.File != nil {
			messageType = models.TypeFile
		}
	}

	// For direct conversations the counterpart is recorded on the row.
	var receiverID *int
	if !conv.IsGroup {
		for _, p := range conv.Participants {
			if p.UserID != senderID {
				uid := p.UserID
				receiverID = &uid
				break
			}
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeTransient, "failed to start transaction", err)
	}

	var fileURL, fileName, fileType *string
	var fileSize *int64
	if content.File != nil {
		fileURL, fileName, fileType = &content.File.URL, &content.File.Name, &content.File.Type
		fileSize = &content.File.Size
	}

	result, err := tx.Exec(`
		INSERT INTO messages (conversation_id, sender_id, receiver_id, client_token, body, file_url, file_name, file_type, file_size, message_type, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'sent')
	`, conversationID, senderID, receiverID, content.ClientToken, content.Body, fileURL, fileName, fileType, fileSize, messageType)
	if err != nil {
		tx.Rollback()
		if isUniqueViolation(err) && content.ClientToken != "" {
			// Concurrent retry with the same token; the first insert won.
			if msg, lookupErr := s.messageByToken(conversationID, senderID, content.ClientToken); lookupErr == nil && msg != nil {
				return msg, nil
			}
		}
		return nil, apperr.Wrap(apperr.CodeTransient, "failed to save message", err)
	}

	messageID, _ := result.LastInsertId()

	if _, err := tx.Exec(`
		UPDATE conversations
		SET last_message_id = ?, last_message_preview = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, messageID, preview(content), conversationID); err != nil {
		tx.Rollback()
		return nil, apperr.Wrap(apperr.CodeTransient, "failed to update conversation", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.CodeTransient, "failed to commit message", err)
	}

	return s.GetMessage(int(messageID))
}

// ListConversations returns the user's conversations ordered by most
// recent activity, with unread counts.
func (s *Store) ListConversations(userID, limit, offset int) ([]*models.ConversationSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(`
		SELECT c.id, c.is_group, c.name, c.description, c.owner_id, c.privacy, c.invite_policy,
		       c.approval_required, c.muted, c.last_message_id, c.last_message_preview, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_participants cp ON cp.conversation_id = c.id
		WHERE cp.user_id = ?
		ORDER BY c.updated_at DESC, c.id DESC
		LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeTransient, "failed to fetch conversations", err)
	}
	defer rows.Close()

	summaries := []*models.ConversationSummary{}
	for rows.Next() {
		summary := &models.ConversationSummary{}
		if err := rows.Scan(
			&summary.ID, &summary.IsGroup, &summary.Name, &summary.Description, &summary.OwnerID,
			&summary.Privacy, &summary.InvitePolicy, &summary.ApprovalRequired, &summary.Muted,
			&summary.LastMessageID, &summary.LastMessagePreview, &summary.CreatedAt, &summary.UpdatedAt,
		); err != nil {
			return nil, apperr.Wrap(apperr.CodeTransient, "failed to scan conversation", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.CodeTransient, "failed to fetch conversations", err)
	}

	for _, summary := range summaries {
		participants, err := s.participants(summary.ID)
		if err != nil {
			return nil, err
		}
		summary.Participants = participants
		if !summary.IsGroup {
			for _, p := range participants {
				if p.UserID != userID {
					uid := p.UserID
					summary.OtherUserID = &uid
				}
			}
		}

		// Unread: messages from others without a read receipt for this user.
		if err := s.db.QueryRow(`
			SELECT COUNT(*) FROM messages m
			WHERE m.conversation_id = ? AND m.sender_id != ? AND m.is_deleted = 0
			  AND NOT EXISTS (
			      SELECT 1 FROM message_receipts r
			      WHERE r.message_id = m.id AND r.user_id = ? AND r.read_at IS NOT NULL
			  )
		`, summary.ID, userID, userID).Scan(&summary.UnreadCount); err != nil {
			return nil, apperr.Wrap(apperr.CodeTransient, "failed to count unread", err)
		}
	}

	return summaries, nil
}

// ListMessages returns non-deleted messages of a conversation, oldest
// first within the page. beforeID is the newest-first cursor: pass the
// smallest id of the previous page to walk backwards, or 0 for the tail.
func (s *Store) ListMessages(conversationID, userID, limit, beforeID int) ([]*models.Message, error) {
	isMember, err := s.IsParticipant(conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, apperr.New(apperr.CodeForbidden, "not a participant")
	}

	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := `
		SELECT id, conversation_id, sender_id, receiver_id, client_token, body,
		       file_url, file_name, file_type, file_size, message_type, status, is_deleted, created_at
		FROM messages
		WHERE conversation_id = ? AND is_deleted = 0
	`
	args := []any{conversationID}
	if beforeID > 0 {
		query += " AND id < ?"
		args = append(args, beforeID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeTransient, "failed to fetch messages", err)
	}
	defer rows.Close()

	messages := []*models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.CodeTransient, "failed to fetch messages", err)
	}

	// Reverse to oldest-first for display.
	for i := len(messages)/2 - 1; i >= 0; i-- {
		opp := len(messages) - 1 - i
		messages[i], messages[opp] = messages[opp], messages[i]
	}

	return messages, nil
}

// AddParticipant adds a user to a group conversation. The actor must be
// an admin or the owner.
func (s *Store) AddParticipant(conversationID, actorID, userID int) error {
	if err := s.requireGroupAdmin(conversationID, actorID); err != nil {
		return err
	}

	exists, err := s.userExists(userID)
	if err != nil {
		return apperr.Wrap(apperr.CodeTransient, "failed to check user", err)
	}
	if !exists {
		return apperr.New(apperr.CodeNotFound, "user not found")
	}

	if _, err := s.db.Exec(`
		INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id, role) VALUES (?, ?, 'member')
	`, conversationID, userID); err != nil {
		return apperr.Wrap(apperr.CodeTransient, "failed to add participant", err)
	}
	return nil
}

// RemoveParticipant removes a user from a group. Admins can remove
// members; any member can remove themselves.
func (s *Store) RemoveParticipant(conversationID, actorID, userID int) error {
	if actorID != userID {
		if err := s.requireGroupAdmin(conversationID, actorID); err != nil {
			return err
		}
	} else if err := s.requireGroup(conversationID); err != nil {
		return err
	}

	result, err := s.db.Exec(`
		DELETE FROM conversation_participants WHERE conversation_id = ? AND user_id = ? AND role != 'owner'
	`, conversationID, userID)
	if err != nil {
		return apperr.Wrap(apperr.CodeTransient, "failed to remove participant", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperr.New(apperr.CodeNotFound, "participant not found")
	}
	return nil
}

// PromoteAdmin grants the admin role inside a group.
func (s *Store) PromoteAdmin(conversationID, actorID, userID int) error {
	if err := s.requireGroupAdmin(conversationID, actorID); err != nil {
		return err
	}

	result, err := s.db.Exec(`
		UPDATE conversation_participants SET role = 'admin'
		WHERE conversation_id = ? AND user_id = ? AND role = 'member'
	`, conversationID, userID)
	if err != nil {
		return apperr.Wrap(apperr.CodeTransient, "failed to promote admin", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperr.New(apperr.CodeNotFound, "participant not found")
	}
	return nil
}

// SoftDeleteMessage flags a message as deleted. Only the sender may do
// this; receipts and reactions stay for audit but the row is no longer
// rendered.
func (s *Store) SoftDeleteMessage(messageID, actorID int) error {
	msg, err := s.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != actorID {
		return apperr.New(apperr.CodeForbidden, "can only delete own messages")
	}

	if _, err := s.db.Exec(`UPDATE messages SET is_deleted = 1 WHERE id = ?`, messageID); err != nil {
		return apperr.Wrap(apperr.CodeTransient, "failed to delete message", err)
	}
	return nil
}

func (s *Store) GetConversation(id int) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := s.db.QueryRow(`
		SELECT id, is_group, name, description, owner_id, privacy, invite_policy,
		       approval_required, muted, last_message_id, last_message_preview, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id).Scan(
		&conv.ID, &conv.IsGroup, &conv.Name, &conv.Description, &conv.OwnerID,
		&conv.Privacy, &conv.InvitePolicy, &conv.ApprovalRequired, &conv.Muted,
		&conv.LastMessageID, &conv.LastMessagePreview, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.CodeNotFound, "conversation not found")
		}
		return nil, apperr.Wrap(apperr.CodeTransient, "failed to fetch conversation", err)
	}

	participants, err := s.participants(id)
	if err != nil {
		return nil, err
	}
	conv.Participants = participants
	return conv, nil
}

func (s *Store) GetMessage(id int) (*models.Message, error) {
	row := s.db.QueryRow(`
		SELECT id, conversation_id, sender_id, receiver_id, client_token, body,
		       file_url, file_name, file_type, file_size, message_type, status, is_deleted, created_at
		FROM messages WHERE id = ?
	`, id)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ParticipantIDs returns the user ids of a conversation's members.
func (s *Store) ParticipantIDs(conversationID int) ([]int, error) {
	participants, err := s.participants(conversationID)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.UserID)
	}
	return ids, nil
}

func (s *Store) IsParticipant(conversationID, userID int) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = ? AND user_id = ?)
	`, conversationID, userID).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(apperr.CodeTransient, "failed to check participant", err)
	}
	return exists, nil
}

// ConversationIDsFor lists every conversation the user belongs to. The
// gateway uses it to fan presence transitions out to counterparts.
func (s *Store) ConversationIDsFor(userID int) ([]int, error) {
	rows, err := s.db.Query(`
		SELECT conversation_id FROM conversation_participants WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeTransient, "failed to fetch conversations", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Wrap(apperr.CodeTransient, "failed to scan conversation id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) requireGroup(conversationID int) error {
	conv, err := s.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if !conv.IsGroup {
		return apperr.New(apperr.CodeInvalidOperation, "membership edits are group-only")
	}
	return nil
}

func (s *Store) requireGroupAdmin(conversationID, actorID int) error {
	if err := s.requireGroup(conversationID); err != nil {
		return err
	}

	var role string
	err := s.db.QueryRow(`
		SELECT role FROM conversation_participants WHERE conversation_id = ? AND user_id = ?
	`, conversationID, actorID).Scan(&role)
	if err != nil {
		if err == sql.ErrNoRows {
			return apperr.New(apperr.CodeForbidden, "not a participant")
		}
		return apperr.Wrap(apperr.CodeTransient, "failed to check role", err)
	}
	if role != models.RoleAdmin && role != models.RoleOwner {
		return apperr.New(apperr.CodeForbidden, "admin role required")
	}
	return nil
}

func (s *Store) participants(conversationID int) ([]models.Participant, error) {
	rows, err := s.db.Query(`
		SELECT user_id, role, joined_at FROM conversation_participants
		WHERE conversation_id = ? ORDER BY joined_at, user_id
	`, conversationID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeTransient, "failed to fetch participants", err)
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.UserID, &p.Role, &p.JoinedAt); err != nil {
			return nil, apperr.Wrap(apperr.CodeTransient, "failed to scan participant", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (s *Store) directByPairKey(key string) (*models.Conversation, error) {
	var id int
	err := s.db.QueryRow(`SELECT id FROM conversations WHERE pair_key = ?`, key).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeTransient, "failed to check conversation", err)
	}
	return s.GetConversation(id)
}

func (s *Store) messageByToken(conversationID, senderID int, token string) (*models.Message, error) {
	var id int
	err := s.db.QueryRow(`
		SELECT id FROM messages WHERE conversation_id = ? AND sender_id = ? AND client_token = ?
	`, conversationID, senderID, token).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeTransient, "failed to check idempotency token", err)
	}
	return s.GetMessage(id)
}

func (s *Store) userExists(id int) (bool, error) {
	var exists bool
	err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", id).Scan(&exists)
	return exists, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var fileURL, fileName, fileType sql.NullString
	var fileSize sql.NullInt64
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.ReceiverID, &msg.ClientToken, &msg.Body,
		&fileURL, &fileName, &fileType, &fileSize, &msg.MessageType, &msg.Status, &msg.IsDeleted, &msg.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.CodeNotFound, "message not found")
		}
		return nil, apperr.Wrap(apperr.CodeTransient, "failed to scan message", err)
	}
	if fileURL.Valid {
		msg.File = &models.FileMeta{
			URL:  fileURL.String,
			Name: fileName.String,
			Type: fileType.String,
			Size: fileSize.Int64,
		}
	}
	return msg, nil
}

func preview(content MessageContent) string {
	text := strings.TrimSpace(content.Body)
	if text == "" && content.File != nil {
		text = "📎 " + content.File.Name
	}
	runes := []rune(text)
	if len(runes) > previewMaxRunes {
		text = string(runes[:previewMaxRunes])
	}
	return text
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
