package sessions

import (
	"context"
	"sync"

	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
)

// InMemoryRepo keeps the session in process memory. Nothing survives a restart.
type InMemoryRepo struct {
	mu      sync.RWMutex
	session *Session
}

var _ Repo = (*InMemoryRepo)(nil)

// NewInMemoryRepo creates an empty in-memory session repository
func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{}
}

func (r *InMemoryRepo) Load(_ context.Context) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.session == nil {
		return nil, autherrors.ErrSessionNotFound
	}
	return r.session.Clone(), nil
}

func (r *InMemoryRepo) Save(_ context.Context, session *Session) error {
	if err := session.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Store a copy to avoid external modifications
	r.session = session.Clone()
	return nil
}

func (r *InMemoryRepo) Clear(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.session = nil
	return nil
}
