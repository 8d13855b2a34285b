package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"portalchat/internal/domain"
)

type ParticipantRepo struct {
	db *sql.DB
}

func NewParticipantRepo(db *sql.DB) *ParticipantRepo {
	return &ParticipantRepo{db: db}
}

var _ domain.ParticipantRepository = (*ParticipantRepo)(nil)

func (r *ParticipantRepo) ListParticipants(ctx context.Context, conversationID int64) ([]domain.Participant, error) {
	query := `
		SELECT u.id, u.name, u.office_id
		FROM users u
		JOIN conversation_participants cp ON cp.user_id = u.id
		WHERE cp.conversation_id = ?
		ORDER BY u.name ASC
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var parts []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.ID, &p.Name, &p.OfficeID); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return parts, nil
}

func (r *ParticipantRepo) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1
		FROM conversation_participants
		WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is participant: %w", err)
	}
	return true, nil
}

func (r *ParticipantRepo) ListConversationIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT conversation_id
		FROM conversation_participants
		WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversation ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversation ids: %w", err)
	}
	return ids, nil
}
