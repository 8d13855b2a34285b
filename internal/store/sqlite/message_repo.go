package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"portalchat/internal/domain"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

func (r *MessageRepo) Create(ctx context.Context, m *domain.Message) error {
	query := `
		INSERT INTO messages (conversation_id, sender_id, content, voice_note, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, query,
		m.ConversationID,
		m.Sender.ID,
		m.Content,
		m.VoiceNote,
		m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	m.ID = id
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	query := `
		SELECT m.id, m.conversation_id, m.content, m.voice_note, m.created_at,
		       m.edited_at, m.is_edited, m.is_deleted,
		       u.id, u.name, u.office_id
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.id = ?
	`
	m := &domain.Message{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&m.ID, &m.ConversationID, &m.Content, &m.VoiceNote, &m.CreatedAt,
		&m.EditedAt, &m.IsEdited, &m.IsDeleted,
		&m.Sender.ID, &m.Sender.Name, &m.Sender.OfficeID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (r *MessageRepo) ListVisible(ctx context.Context, conversationID, userID int64, limit int) ([]*domain.Message, error) {
	query := `
		SELECT m.id, m.conversation_id, m.content, m.voice_note, m.created_at,
		       m.edited_at, m.is_edited, m.is_deleted,
		       u.id, u.name, u.office_id
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = ?
		  AND NOT EXISTS (
			SELECT 1 FROM message_hides h
			WHERE h.message_id = m.id AND h.user_id = ?
		  )
		ORDER BY m.id DESC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*domain.Message
	for rows.Next() {
		m := &domain.Message{}
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.Content, &m.VoiceNote, &m.CreatedAt,
			&m.EditedAt, &m.IsEdited, &m.IsDeleted,
			&m.Sender.ID, &m.Sender.Name, &m.Sender.OfficeID,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	// Reverse into oldest-first order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	if err := r.attachReceipts(ctx, conversationID, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// attachReceipts expands the stored watermarks into per-message receipt
// sets: a user's watermark at N covers every message with id <= N that the
// user did not author.
func (r *MessageRepo) attachReceipts(ctx context.Context, conversationID int64, msgs []*domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, kind, up_to_message_id
		FROM receipts
		WHERE conversation_id = ?
	`, conversationID)
	if err != nil {
		return fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	type mark struct {
		userID int64
		kind   string
		upTo   int64
	}
	var marks []mark
	for rows.Next() {
		var w mark
		if err := rows.Scan(&w.userID, &w.kind, &w.upTo); err != nil {
			return fmt.Errorf("scan receipt: %w", err)
		}
		marks = append(marks, w)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list receipts: %w", err)
	}

	for _, m := range msgs {
		m.DeliveredBy = domain.NewIDSet()
		m.ReadBy = domain.NewIDSet()
		for _, w := range marks {
			if w.userID == m.Sender.ID || m.ID > w.upTo {
				continue
			}
			switch w.kind {
			case "delivered":
				m.DeliveredBy.Add(w.userID)
			case "read":
				m.ReadBy.Add(w.userID)
			}
		}
	}
	return nil
}

func (r *MessageRepo) UpdateContent(ctx context.Context, id int64, content string, editedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET content = ?, edited_at = ?, is_edited = 1
		WHERE id = ? AND is_deleted = 0
	`, content, editedAt, id)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
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

func (r *MessageRepo) SoftDelete(ctx context.Context, id int64) error {
	// The row is kept so the tombstone preserves its position in history.
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET content = '', voice_note = '', is_deleted = 1
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
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

func (r *MessageRepo) Hide(ctx context.Context, id, userID int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_hides (message_id, user_id) VALUES (?, ?)
	`, id, userID)
	if err != nil {
		return fmt.Errorf("hide message: %w", err)
	}
	return nil
}

func (r *MessageRepo) SetReadWatermark(ctx context.Context, conversationID, userID, upToMessageID int64) error {
	return r.setWatermark(ctx, conversationID, userID, "read", upToMessageID)
}

func (r *MessageRepo) SetDeliveredWatermark(ctx context.Context, conversationID, userID, upToMessageID int64) error {
	return r.setWatermark(ctx, conversationID, userID, "delivered", upToMessageID)
}

// setWatermark is monotone: a stale or replayed report never moves the
// watermark backwards.
func (r *MessageRepo) setWatermark(ctx context.Context, conversationID, userID int64, kind string, upTo int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO receipts (conversation_id, user_id, kind, up_to_message_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_id, user_id, kind)
		DO UPDATE SET up_to_message_id = MAX(up_to_message_id, excluded.up_to_message_id)
	`, conversationID, userID, kind, upTo)
	if err != nil {
		return fmt.Errorf("set %s watermark: %w", kind, err)
	}
	return nil
}

func (r *MessageRepo) LatestID(ctx context.Context, conversationID int64) (int64, error) {
	var id sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(id) FROM messages WHERE conversation_id = ?
	`, conversationID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("latest message id: %w", err)
	}
	return id.Int64, nil
}
