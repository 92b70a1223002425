package sessions

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	sealedMagic     = "ASB1"
	nonceSize       = 24
	watchDebounce   = 250 * time.Millisecond
	sessionFileMode = 0o600
)

// FileRepo persists the session as a single JSON record. When created with a
// secret the record is sealed with NaCl secretbox.
type FileRepo struct {
	mu   sync.Mutex
	path string
	key  *[32]byte
}

var (
	_ Repo    = (*FileRepo)(nil)
	_ Watcher = (*FileRepo)(nil)
)

// NewFileRepo creates a file-backed repository at path. An empty secret stores plain JSON.
func NewFileRepo(path, secret string) (*FileRepo, error) {
	if path == "" {
		return nil, fmt.Errorf("session file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("[FileRepo] creating session directory: %w", err)
	}
	r := &FileRepo{path: path}
	if secret != "" {
		key := sha256.Sum256([]byte(secret))
		r.key = &key
	}
	return r, nil
}

// Path returns the file the session is stored in
func (r *FileRepo) Path() string {
	return r.path
}

func (r *FileRepo) Load(_ context.Context) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, autherrors.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("[FileRepo Load] %w", err)
	}
	if len(raw) == 0 {
		return nil, autherrors.ErrSessionNotFound
	}

	payload, err := r.open(raw)
	if err != nil {
		return nil, err
	}

	var s Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, autherrors.Wrapf(autherrors.ErrSessionInvalid, "decoding %s: %v", r.path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *FileRepo) Save(_ context.Context, session *Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("[FileRepo Save] encoding session: %w", err)
	}
	sealed, err := r.seal(payload)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Write a temp file and rename so readers never see a half written record
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".session-*")
	if err != nil {
		return fmt.Errorf("[FileRepo Save] %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return fmt.Errorf("[FileRepo Save] %w", err)
	}
	if err := tmp.Chmod(sessionFileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("[FileRepo Save] %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("[FileRepo Save] %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("[FileRepo Save] %w", err)
	}
	return nil
}

func (r *FileRepo) Clear(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("[FileRepo Clear] %w", err)
	}
	return nil
}

func (r *FileRepo) seal(payload []byte) ([]byte, error) {
	if r.key == nil {
		return payload, nil
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("[FileRepo] generating nonce: %w", err)
	}
	out := append([]byte(sealedMagic), nonce[:]...)
	return secretbox.Seal(out, payload, &nonce, r.key), nil
}

func (r *FileRepo) open(raw []byte) ([]byte, error) {
	sealed := bytes.HasPrefix(raw, []byte(sealedMagic))
	switch {
	case r.key == nil && sealed:
		return nil, autherrors.Wrapf(autherrors.ErrSessionInvalid, "%s is sealed and no store key is configured", r.path)
	case r.key == nil:
		return raw, nil
	case !sealed:
		return nil, autherrors.Wrapf(autherrors.ErrSessionInvalid, "%s is not sealed", r.path)
	}

	raw = raw[len(sealedMagic):]
	if len(raw) < nonceSize {
		return nil, autherrors.Wrapf(autherrors.ErrSessionInvalid, "%s is truncated", r.path)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	payload, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, r.key)
	if !ok {
		return nil, autherrors.Wrapf(autherrors.ErrSessionInvalid, "%s could not be opened with the configured key", r.path)
	}
	return payload, nil
}

// Watch calls onChange (debounced) whenever the session file is written, replaced or
// removed by anyone, this process included. It returns once the watcher is running and
// stops when ctx is cancelled.
func (r *FileRepo) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("[FileRepo Watch] %w", err)
	}
	// Watch the directory: Save replaces the file by rename
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("[FileRepo Watch] %w", err)
	}

	target := filepath.Clean(r.path)
	go func() {
		defer watcher.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
					fire = timer.C
				} else {
					timer.Reset(watchDebounce)
				}
			case <-fire:
				timer, fire = nil, nil
				onChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Err(err).Str("path", r.path).Msg("session file watcher error")
			}
		}
	}()
	return nil
}
