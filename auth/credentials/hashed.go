// Package credentials provides auth.CredentialStore implementations backed
// by bcrypt password hashes.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ggoodman/dispatch-go/auth"
	"golang.org/x/crypto/bcrypt"
)

// ErrEmptyPassword is returned by HashPassword for an empty password.
var ErrEmptyPassword = errors.New("credentials: empty password")

// HashPassword returns a bcrypt hash of password. A cost of zero selects
// bcrypt.DefaultCost.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(h), err
}

// Hashed maps usernames to bcrypt hashes.
type Hashed map[string]string

var _ auth.CredentialStore = Hashed(nil)

// NewHashed checks that every value in users is a bcrypt hash.
func NewHashed(users map[string]string) (Hashed, error) {
	h := make(Hashed, len(users))
	for name, hash := range users {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("user %q: not a bcrypt hash: %w", name, err)
		}
		h[name] = hash
	}
	return h, nil
}

// missHash is compared against for unknown users so that a miss costs as
// much as a wrong password.
var missHash = sync.OnceValue(func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("unknown user"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
})

// Verify reports whether password matches the stored hash. A malformed hash
// is an error, not a mismatch.
func (h Hashed) Verify(_ context.Context, username, password string) (bool, error) {
	hash, ok := h[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(missHash(), []byte(password))
		return false, nil
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, err
	}
}
