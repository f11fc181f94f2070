// internal/database/user.go
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jason-s-yu/gamelobby/internal/apperr"
	"github.com/jason-s-yu/gamelobby/internal/auth"
	"github.com/jason-s-yu/gamelobby/internal/models"
)

// Register creates an account. The password is stored as an Argon2id hash.
func (s *Store) Register(ctx context.Context, username, password string) (models.User, error) {
	username = strings.TrimSpace(username)
	id, err := uuid.NewRandom()
	if err != nil {
		return models.User{}, fmt.Errorf("failed to generate user id: %w", err)
	}
	hash, err := auth.HashPassword(password, auth.DefaultParams)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	q := `INSERT INTO users (id, username, password) VALUES ($1, $2, $3)`
	err = s.do(ctx, func(ctx context.Context) error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
			_, execErr := tx.Exec(ctx, q, id, username, hash)
			if isUniqueViolation(execErr) {
				return apperr.ErrUsernameTaken
			}
			return execErr
		})
	})
	if err != nil {
		return models.User{}, err
	}
	return models.User{ID: id, Username: username}, nil
}

// Authenticate checks a username and password. Unknown users and wrong
// passwords produce the same AuthError.
func (s *Store) Authenticate(ctx context.Context, username, password string) (models.User, error) {
	var (
		u    models.User
		hash string
	)
	q := `SELECT id, username, password FROM users WHERE username = $1`
	err := s.do(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, q, strings.TrimSpace(username)).Scan(&u.ID, &u.Username, &hash)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, apperr.ErrAuth
	}
	if err != nil {
		return models.User{}, err
	}

	match, err := auth.VerifyPassword(password, hash)
	if err != nil {
		s.logger.WithError(err).WithField("user", u.ID).Error("stored password hash is unreadable")
		return models.User{}, apperr.ErrAuth
	}
	if !match {
		return models.User{}, apperr.ErrAuth
	}
	return u, nil
}
