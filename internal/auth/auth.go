// Package auth handles account credentials and session tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrBadCredential is returned for a wrong password.
	ErrBadCredential = errors.New("invalid credential")
	// ErrNoSession is returned for a missing or expired token.
	ErrNoSession = errors.New("no such session")
)

// HashCredential hashes a password for storage.
func HashCredential(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash credential: %w", err)
	}
	return string(hash), nil
}

// VerifyCredential checks a password against its stored hash.
func VerifyCredential(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrBadCredential
	}
	return nil
}

// Session binds a bearer token to an account.
type Session struct {
	Token     string
	AccountID int64
	Admin     bool
}

// Sessions is an in-memory session table. Tokens are random UUIDs and
// die with the process.
type Sessions struct {
	mu     sync.RWMutex
	byTok  map[string]Session
	admins map[int64]struct{}
}

func NewSessions(adminAccounts []int64) *Sessions {
	admins := make(map[int64]struct{}, len(adminAccounts))
	for _, id := range adminAccounts {
		admins[id] = struct{}{}
	}
	return &Sessions{byTok: make(map[string]Session), admins: admins}
}

// IsAdmin reports whether the account number is configured as an
// administrator.
func (s *Sessions) IsAdmin(accountID int64) bool {
	_, ok := s.admins[accountID]
	return ok
}

// Create issues a fresh token for the account.
func (s *Sessions) Create(accountID int64) Session {
	sess := Session{
		Token:     uuid.NewString(),
		AccountID: accountID,
		Admin:     s.IsAdmin(accountID),
	}
	s.mu.Lock()
	s.byTok[sess.Token] = sess
	s.mu.Unlock()
	return sess
}

// Lookup resolves a token.
func (s *Sessions) Lookup(token string) (Session, error) {
	s.mu.RLock()
	sess, ok := s.byTok[token]
	s.mu.RUnlock()
	if !ok {
		return Session{}, ErrNoSession
	}
	return sess, nil
}

// Revoke drops a token. Revoking an unknown token is a no-op.
func (s *Sessions) Revoke(token string) {
	s.mu.Lock()
	delete(s.byTok, token)
	s.mu.Unlock()
}

type ctxKey int

const sessionCtxKey ctxKey = 0

// WithSession attaches an authenticated session to the context.
func WithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionCtxKey, sess)
}

// SessionFrom reads the session attached by WithSession.
func SessionFrom(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionCtxKey).(Session)
	return sess, ok
}
