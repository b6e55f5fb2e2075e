package identity

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword produces a bcrypt hash for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Authenticate checks a username/password pair against the login table.
// Every failure mode (unknown user, wrong password, inactive account)
// surfaces as the same ErrAuthFailure.
func (s *Store) Authenticate(ctx context.Context, username, password string) (int64, error) {
	login, err := s.GetLoginByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, ErrAuthFailure
		}
		return 0, err
	}
	if !login.IsActive {
		return 0, ErrAuthFailure
	}
	if err := bcrypt.CompareHashAndPassword([]byte(login.PasswordHash), []byte(password)); err != nil {
		return 0, ErrAuthFailure
	}

	// Update last login timestamp (fire and forget)
	go s.TouchLastLogin(context.Background(), login.ProfileID)

	return login.ProfileID, nil
}
