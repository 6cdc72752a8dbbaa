package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var ErrBadPassword = errors.New("invalid admin password")

// AdminAuthenticator checks the dashboard password against a bcrypt hash.
type AdminAuthenticator struct {
	hash []byte
}

func NewAdminAuthenticator(hash string) *AdminAuthenticator {
	return &AdminAuthenticator{hash: []byte(hash)}
}

func (a *AdminAuthenticator) Verify(password string) error {
	if len(a.hash) == 0 || password == "" {
		return ErrBadPassword
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(password)); err != nil {
		return ErrBadPassword
	}
	return nil
}

// HashPassword produces the value for ADMIN_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", fmt.Errorf("password must be at least 8 characters")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}
