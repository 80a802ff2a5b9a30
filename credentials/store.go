// Package credentials stores the bearer token used to authenticate against
// the PukkeConnect API. The token is written on login, read on every
// outgoing request, and cleared on logout or when the backend reports the
// session expired.
package credentials

import (
	"context"
	"errors"
	"sync"
)

// ErrNoToken is returned when no token has been saved.
var ErrNoToken = errors.New("no token stored")

// Store persists a single bearer token.
type Store interface {
	// Token returns the stored token, or ErrNoToken when absent.
	Token(ctx context.Context) (string, error)

	// Save stores the token, replacing any previous value.
	Save(ctx context.Context, token string) error

	// Clear removes the stored token. Clearing an empty store is not an
	// error.
	Clear(ctx context.Context) error
}

// Memory is an in-memory Store, used by tests and short-lived processes.
type Memory struct {
	mu    sync.RWMutex
	token string
	set   bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// Token implements Store.
func (m *Memory) Token(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.set {
		return "", ErrNoToken
	}
	return m.token, nil
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.set = true
	return nil
}

// Clear implements Store.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.set = false
	return nil
}
