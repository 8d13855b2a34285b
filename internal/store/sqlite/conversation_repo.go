package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"portalchat/internal/domain"
)

type ConversationRepo struct {
	db           *sql.DB
	participants *ParticipantRepo
	messages     *MessageRepo
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{
		db:           db,
		participants: NewParticipantRepo(db),
		messages:     NewMessageRepo(db),
	}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

func (r *ConversationRepo) Create(ctx context.Context, c *domain.Conversation, memberIDs []int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var admin any
	if c.AdminID != 0 {
		admin = c.AdminID
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (kind, name, admin_id, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
	`, string(c.Kind), c.Name, admin)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	c.ID = id

	for _, uid := range memberIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id, joined_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
		`, id, uid); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id, forUserID int64) (*domain.Conversation, error) {
	query := `
		SELECT c.id, c.kind, c.name, c.admin_id,
		       COALESCE(cp.pinned, 0), COALESCE(cp.archived, 0)
		FROM conversations c
		LEFT JOIN conversation_participants cp
		       ON cp.conversation_id = c.id AND cp.user_id = ?
		WHERE c.id = ?
	`
	c := &domain.Conversation{}
	var kind string
	var name sql.NullString
	var admin sql.NullInt64
	err := r.db.QueryRowContext(ctx, query, forUserID, id).Scan(
		&c.ID, &kind, &name, &admin, &c.Pinned, &c.Archived,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	c.Kind = domain.ConversationKind(kind)
	c.Name = name.String
	c.AdminID = admin.Int64
	if err := r.hydrate(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *ConversationRepo) ListForUser(ctx context.Context, userID int64, archived bool) ([]*domain.Conversation, error) {
	query := `
		SELECT c.id, c.kind, c.name, c.admin_id, cp.pinned, cp.archived
		FROM conversations c
		JOIN conversation_participants cp ON cp.conversation_id = c.id
		WHERE cp.user_id = ? AND cp.archived = ?
	`
	rows, err := r.db.QueryContext(ctx, query, userID, archived)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var res []*domain.Conversation
	for rows.Next() {
		c := &domain.Conversation{}
		var kind string
		var name sql.NullString
		var admin sql.NullInt64
		if err := rows.Scan(&c.ID, &kind, &name, &admin, &c.Pinned, &c.Archived); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.Kind = domain.ConversationKind(kind)
		c.Name = name.String
		c.AdminID = admin.Int64
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	for _, c := range res {
		if err := r.hydrate(ctx, c); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// hydrate fills the participant list and the last-message preview.
func (r *ConversationRepo) hydrate(ctx context.Context, c *domain.Conversation) error {
	parts, err := r.participants.ListParticipants(ctx, c.ID)
	if err != nil {
		return err
	}
	c.Participants = parts

	row := r.db.QueryRowContext(ctx, `
		SELECT m.id, u.name, m.content, m.voice_note, m.is_deleted, m.created_at
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = ?
		ORDER BY m.id DESC
		LIMIT 1
	`, c.ID)
	p := &domain.Preview{}
	var voice string
	err = row.Scan(&p.MessageID, &p.SenderName, &p.Content, &voice, &p.IsDeleted, &p.SentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get preview: %w", err)
	}
	p.VoiceNote = voice != ""
	if p.IsDeleted {
		p.Content = ""
		p.VoiceNote = false
	}
	c.LastMessage = p
	return nil
}

func (r *ConversationRepo) FindDirect(ctx context.Context, userA, userB int64) (*domain.Conversation, error) {
	query := `
		SELECT c.id
		FROM conversations c
		JOIN conversation_participants a ON a.conversation_id = c.id AND a.user_id = ?
		JOIN conversation_participants b ON b.conversation_id = c.id AND b.user_id = ?
		WHERE c.kind = 'direct'
		LIMIT 1
	`
	var id int64
	err := r.db.QueryRowContext(ctx, query, userA, userB).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find direct conversation: %w", err)
	}
	return r.GetByID(ctx, id, userA)
}

func (r *ConversationRepo) AddMembers(ctx context.Context, conversationID int64, memberIDs []int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, uid := range memberIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id, joined_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
		`, conversationID, uid); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *ConversationRepo) RemoveMember(ctx context.Context, conversationID, userID int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM conversation_participants
		WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID); err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}

	// A departing admin vacates the seat; the group continues without one.
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET admin_id = NULL
		WHERE id = ? AND admin_id = ?
	`, conversationID, userID); err != nil {
		return fmt.Errorf("vacate admin: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *ConversationRepo) SetPreferences(ctx context.Context, conversationID, userID int64, pinned, archived *bool) error {
	if pinned == nil && archived == nil {
		return nil
	}
	query := `UPDATE conversation_participants SET `
	var args []any
	if pinned != nil {
		query += `pinned = ?`
		args = append(args, *pinned)
	}
	if archived != nil {
		if pinned != nil {
			query += `, `
		}
		query += `archived = ?`
		args = append(args, *archived)
	}
	query += ` WHERE conversation_id = ? AND user_id = ?`
	args = append(args, conversationID, userID)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set preferences: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *ConversationRepo) Delete(ctx context.Context, conversationID int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM message_hides WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)`,
		`DELETE FROM receipts WHERE conversation_id = ?`,
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM conversation_participants WHERE conversation_id = ?`,
		`DELETE FROM conversations WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, conversationID); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
