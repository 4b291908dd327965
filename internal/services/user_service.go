package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lumabot/backend/internal/models"
)

// UserService is the account directory: it resolves account ids against
// the users table. Pure reads; account creation is owned by the external
// user-management flow.
type UserService struct {
	db *sql.DB
}

func NewUserService(db *sql.DB) *UserService {
	return &UserService{db: db}
}

// Resolve reports whether the user exists. Returns ErrAccountNotFound for
// unknown ids; a missing balance row is not an error and is not checked here.
func (s *UserService) Resolve(ctx context.Context, userID int64) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("resolving user %d: %w", userID, err)
	}
	if !exists {
		return fmt.Errorf("user %d: %w", userID, ErrAccountNotFound)
	}
	return nil
}

// Get returns the full identity row for the API layer.
func (s *UserService) Get(ctx context.Context, userID int64) (*models.User, error) {
	var (
		user      models.User
		chatID    sql.NullInt64
		username  sql.NullString
		firstName sql.NullString
		lastName  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, username, first_name, last_name, language, is_active, created_at, updated_at
		FROM users
		WHERE id = $1`, userID).Scan(
		&user.ID, &chatID, &username, &firstName, &lastName,
		&user.Language, &user.IsActive, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", userID, ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching user %d: %w", userID, err)
	}

	user.ChatID = chatID.Int64
	user.Username = username.String
	user.FirstName = firstName.String
	user.LastName = lastName.String
	return &user, nil
}
