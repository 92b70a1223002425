package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/internal/metrics"
	"github.com/jrsteele09/go-auth-session/oidcclient"
	"github.com/jrsteele09/go-auth-session/server/authflowrepo"
	"github.com/jrsteele09/go-auth-session/server/pendingredirect"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const outcomeCacheSize = 128

// ProtocolClient is the identity provider surface the coordinator drives.
// *oidcclient.Client implements it.
type ProtocolClient interface {
	AuthorizeURL(p oidcclient.AuthorizeParams) (string, error)
	Reserve(code, state string) (*oidcclient.Reservation, error)
	ExchangeAuthorizationCode(ctx context.Context, res *oidcclient.Reservation, p oidcclient.ExchangeParams) (*oidcclient.TokenSet, error)
	ExchangeRefresh(ctx context.Context, refreshMaterial string) (*oidcclient.TokenSet, error)
	EndSessionURL(idTokenHint, state string) (string, error)
	UserInfo(ctx context.Context, accessToken string) (map[string]any, error)
}

// Settings is the part of the configuration the coordinator reads
type Settings interface {
	GetUsePKCE() bool
	GetLoadUserInfo() bool
	GetSilentRenewEnabled() bool
	GetRenewalMargin() time.Duration
	GetCallbackRecheckDelay() time.Duration
	GetAuthFlowTimeout() time.Duration
}

// Stopper is returned by the renewal timer factory; *time.Timer implements it
type Stopper interface {
	Stop() bool
}

// Deps are the collaborators of a Coordinator
type Deps struct {
	Client   ProtocolClient
	Sessions sessions.Repo
	Flows    authflowrepo.Repo
	Pending  pendingredirect.Repo
	Settings Settings

	// Now and AfterFunc default to time.Now and time.AfterFunc
	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Stopper
}

// Coordinator owns the single current Session. It drives login, callback completion,
// logout and silent renewal, and is the only writer of the session store.
// One Coordinator is created per process and handed to every consumer.
type Coordinator struct {
	client   ProtocolClient
	repo     sessions.Repo
	flows    authflowrepo.Repo
	pending  pendingredirect.Repo
	settings Settings
	now      func() time.Time
	after    func(d time.Duration, f func()) Stopper

	mu      sync.RWMutex
	session *sessions.Session

	// writeMu serialises every session transition together with its dispatch
	writeMu    sync.Mutex
	renewTimer Stopper
	closed     bool

	listenersMu sync.RWMutex
	listeners   []subscriber

	outcomesMu      sync.Mutex
	outcomes        *lru.Cache[string, callbackOutcome]
	outcomeRecorded chan struct{}

	renewGroup singleflight.Group
}

// New builds the Coordinator and restores any persisted session
func New(ctx context.Context, d Deps) (*Coordinator, error) {
	if d.Client == nil || d.Sessions == nil || d.Flows == nil || d.Pending == nil || d.Settings == nil {
		return nil, errors.New("[coordinator New] client, sessions, flows, pending and settings are required")
	}
	outcomes, err := lru.New[string, callbackOutcome](outcomeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("[coordinator New] %w", err)
	}

	c := &Coordinator{
		client:   d.Client,
		repo:     d.Sessions,
		flows:    d.Flows,
		pending:  d.Pending,
		settings: d.Settings,
		now:      d.Now,
		after:    d.AfterFunc,
		outcomes: outcomes,

		outcomeRecorded: make(chan struct{}),
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.after == nil {
		c.after = func(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }
	}

	c.restore(ctx)
	return c, nil
}

// restore loads a session persisted by an earlier run
func (c *Coordinator) restore(ctx context.Context) {
	stored, err := c.repo.Load(ctx)
	switch {
	case errors.Is(err, autherrors.ErrSessionNotFound):
		return
	case err != nil:
		log.Warn().Err(err).Msg("ignoring unreadable persisted session")
		return
	}

	if !stored.ValidAt(c.now()) && stored.RefreshMaterial == "" {
		log.Info().Str("principal", stored.PrincipalID).Msg("persisted session expired, clearing")
		if err := c.repo.Clear(ctx); err != nil {
			log.Err(err).Msg("clearing expired session")
		}
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.set(stored)
	// an expired session with refresh material renews straight away
	c.scheduleRenewal(stored)
	log.Info().Str("principal", stored.PrincipalID).Time("expires_at", stored.ExpiresAt).Msg("session restored")
}

// IsAuthenticated is true iff a session exists and now < ExpiresAt
func (c *Coordinator) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.ValidAt(c.now())
}

// AccessToken returns the current access token while authenticated. It never
// performs I/O.
func (c *Coordinator) AccessToken() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.session.ValidAt(c.now()) {
		return "", false
	}
	return c.session.AccessToken, true
}

// Session returns a read-only snapshot, nil when anonymous
func (c *Coordinator) Session() *sessions.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.Clone()
}

// Close stops the renewal timer; the coordinator stays readable
func (c *Coordinator) Close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.closed = true
	c.stopRenewal()
}

// Reload re-reads the store and publishes whatever changed underneath us, such as
// another process logging out through the same session file.
// The read happens under writeMu so a commit cannot land between it and the compare.
func (c *Coordinator) Reload(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	stored, err := c.repo.Load(ctx)
	if err != nil && !errors.Is(err, autherrors.ErrSessionNotFound) {
		return fmt.Errorf("[coordinator Reload] %w", err)
	}

	current := c.Session()
	switch {
	case stored == nil && current == nil:
		return nil
	case stored == nil:
		c.set(nil)
		c.stopRenewal()
		log.Info().Str("principal", current.PrincipalID).Msg("session removed from store")
		c.dispatch(Event{Type: EventCleared})
		return nil
	case sameSession(current, stored):
		return nil
	}

	typ := EventLoaded
	if current != nil && current.PrincipalID == stored.PrincipalID {
		typ = EventRefreshed
	}
	c.set(stored)
	c.scheduleRenewal(stored)
	log.Info().Str("principal", stored.PrincipalID).Stringer("event", typ).Msg("session changed in store")
	c.dispatch(Event{Type: typ, Session: stored})
	return nil
}

// commit persists next and publishes it. With expect set, the commit only happens
// while expect is still the current session; it reports whether it happened.
func (c *Coordinator) commit(ctx context.Context, expect, next *sessions.Session, typ EventType) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if expect != nil && !sameSession(c.Session(), expect) {
		return false, nil
	}
	if err := c.repo.Save(ctx, next); err != nil {
		return false, fmt.Errorf("[coordinator] saving session: %w", err)
	}
	c.set(next)
	c.scheduleRenewal(next)
	c.dispatch(Event{Type: typ, Session: next})
	return true, nil
}

// clear drops the session. With expect set, only that session is dropped.
func (c *Coordinator) clear(ctx context.Context, expect *sessions.Session, cause error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	current := c.Session()
	if expect != nil && !sameSession(current, expect) {
		return nil
	}
	c.stopRenewal()
	err := c.repo.Clear(ctx)
	if current == nil {
		return err
	}
	c.set(nil)
	c.dispatch(Event{Type: EventCleared, Err: cause})
	return err
}

func (c *Coordinator) set(s *sessions.Session) {
	c.mu.Lock()
	c.session = s.Clone()
	c.mu.Unlock()

	if s != nil {
		metrics.Authenticated.Set(1)
	} else {
		metrics.Authenticated.Set(0)
	}
}

func sameSession(a, b *sessions.Session) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.PrincipalID == b.PrincipalID &&
		a.AccessToken == b.AccessToken &&
		a.ExpiresAt.Equal(b.ExpiresAt)
}
