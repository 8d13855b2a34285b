package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"portalchat/internal/domain"
)

type UserRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{db: db}
}

var _ domain.UserRepository = (*UserRepo)(nil)

func (r *UserRepo) Create(ctx context.Context, u *domain.User) error {
	query := `
		INSERT INTO users (office_id, name, email, hashed_password, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
	`
	res, err := r.db.ExecContext(ctx, query, u.OfficeID, u.Name, u.Email, u.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	u.ID = id
	return nil
}

func (r *UserRepo) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	query := `SELECT id, office_id, name, email, hashed_password, created_at FROM users WHERE id = ?`
	return r.scanUser(ctx, query, id)
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `SELECT id, office_id, name, email, hashed_password, created_at FROM users WHERE email = ?`
	return r.scanUser(ctx, query, email)
}

func (r *UserRepo) GetByOfficeID(ctx context.Context, officeID int64) (*domain.User, error) {
	query := `SELECT id, office_id, name, email, hashed_password, created_at FROM users WHERE office_id = ?`
	return r.scanUser(ctx, query, officeID)
}

func (r *UserRepo) List(ctx context.Context) ([]*domain.User, error) {
	query := `
		SELECT id, office_id, name, email, hashed_password, created_at
		FROM users
		ORDER BY name ASC
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u := &domain.User{}
		if err := rows.Scan(&u.ID, &u.OfficeID, &u.Name, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (r *UserRepo) scanUser(ctx context.Context, query string, arg any) (*domain.User, error) {
	u := &domain.User{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.OfficeID, &u.Name, &u.Email, &u.PasswordHash, &u.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}
