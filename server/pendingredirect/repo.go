package pendingredirect

import (
	"net/url"
	"strings"
	"sync"
)

// DefaultDestination is where the user lands when no return destination was saved
const DefaultDestination = "/"

// Repo holds the single Pending Redirect Context: where the user was going before
// being sent to sign in. It is scoped to the running agent and never persisted.
type Repo interface {
	Save(destination string) error
	// Take reads and clears the saved destination
	Take() (string, bool)
	Peek() (string, bool)
}

// InMemoryRepo is the process scoped Repo
type InMemoryRepo struct {
	mu          sync.Mutex
	destination string
	set         bool
}

var _ Repo = (*InMemoryRepo)(nil)

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{}
}

// Save replaces any previously saved destination; only the latest denial matters.
func (r *InMemoryRepo) Save(destination string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.destination = SanitizeDestination(destination)
	r.set = true
	return nil
}

func (r *InMemoryRepo) Take() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.set {
		return "", false
	}
	dest := r.destination
	r.destination, r.set = "", false
	return dest, true
}

func (r *InMemoryRepo) Peek() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destination, r.set
}

// SanitizeDestination keeps same-origin relative targets ("/path?query") and maps
// everything else to DefaultDestination, so a saved destination can never send the
// user off-site.
func SanitizeDestination(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return DefaultDestination
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return DefaultDestination
	}
	dest := u.EscapedPath()
	if u.RawQuery != "" {
		dest += "?" + u.RawQuery
	}
	return dest
}
