package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	appErrors "github.com/unclebandit/email-scheduler/internal/errors"
	"github.com/unclebandit/email-scheduler/internal/model"
)

// UserRepositoryInterface resolves authenticated callers to senders.
type UserRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	Upsert(ctx context.Context, email, name string) (*model.User, error)
	ListAll(ctx context.Context) ([]model.User, error)
}

type UserRepository struct {
	DB *sql.DB
}

var _ UserRepositoryInterface = (*UserRepository)(nil)

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	query := `SELECT id, email, name, created_at FROM users WHERE id = $1`
	var u model.User
	err := r.DB.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewNotFound("user", id)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	query := `SELECT id, email, name, created_at FROM users WHERE email = $1`
	var u model.User
	err := r.DB.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(email))).
		Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewNotFound("user", 0)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Upsert creates the user or refreshes the display name of an existing one.
func (r *UserRepository) Upsert(ctx context.Context, email, name string) (*model.User, error) {
	query := `
        INSERT INTO users (email, name) VALUES ($1, $2)
        ON CONFLICT (email) DO UPDATE SET name = EXCLUDED.name
        RETURNING id, email, name, created_at
    `
	var u model.User
	err := r.DB.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(email)), name).
		Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepository) ListAll(ctx context.Context) ([]model.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, email, name, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
