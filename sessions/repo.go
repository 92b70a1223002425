package sessions

import "context"

// Repo is the passive persistence surface for the single current Session.
// Only the coordinator writes through it.
type Repo interface {
	// Load returns the stored session or ErrSessionNotFound
	Load(ctx context.Context) (*Session, error)

	// Save replaces the stored session
	Save(ctx context.Context, session *Session) error

	// Clear removes the stored session; clearing an empty store is not an error
	Clear(ctx context.Context) error
}

// Watcher is implemented by repos whose record can change underneath the process,
// such as a file shared with other processes.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}
