package coordinator_test

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/coordinator"
	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/internal/oidctest"
	"github.com/jrsteele09/go-auth-session/oidcclient"
	"github.com/jrsteele09/go-auth-session/server/authflowrepo"
	"github.com/jrsteele09/go-auth-session/server/pendingredirect"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable clock shared by the coordinator under test
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// fakeTimers records renewal timers instead of running them
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (ft *fakeTimer) Stop() bool {
	wasActive := !ft.stopped
	ft.stopped = true
	return wasActive
}

func (f *fakeTimers) AfterFunc(d time.Duration, fn func()) coordinator.Stopper {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

func (f *fakeTimers) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// Last returns the most recently armed timer
func (f *fakeTimers) Last() *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.timers) == 0 {
		return nil
	}
	return f.timers[len(f.timers)-1]
}

type fixture struct {
	provider *oidctest.Provider
	client   *oidcclient.Client
	repo     *sessions.InMemoryRepo
	flows    *authflowrepo.InMemoryRepo
	pending  *pendingredirect.InMemoryRepo
	clock    *fakeClock
	timers   *fakeTimers
	coord    *coordinator.Coordinator
	cfg      config.Config

	wrapRepo  func(sessions.Repo) sessions.Repo
	wrapFlows func(authflowrepo.Repo) authflowrepo.Repo
}

type fixtureOption func(f *fixture, v *viper.Viper)

func withSetting(key string, value any) fixtureOption {
	return func(_ *fixture, v *viper.Viper) { v.Set(key, value) }
}

// withRepo puts wrap between the coordinator and the in-memory store
func withRepo(wrap func(sessions.Repo) sessions.Repo) fixtureOption {
	return func(f *fixture, _ *viper.Viper) { f.wrapRepo = wrap }
}

func withFlows(wrap func(authflowrepo.Repo) authflowrepo.Repo) fixtureOption {
	return func(f *fixture, _ *viper.Viper) { f.wrapFlows = wrap }
}

func withStoredSession(s *sessions.Session) fixtureOption {
	return func(f *fixture, _ *viper.Viper) {
		_ = f.repo.Save(context.Background(), s)
	}
}

func setupFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	f := &fixture{
		provider: oidctest.New(t),
		repo:     sessions.NewInMemoryRepo(),
		flows:    authflowrepo.NewInMemoryRepo(),
		pending:  pendingredirect.NewInMemoryRepo(),
		clock:    &fakeClock{t: time.Now()},
		timers:   &fakeTimers{},
	}

	v := viper.New()
	v.Set("oidc.issuer", f.provider.Issuer())
	v.Set("oidc.client_id", oidctest.ClientID)
	v.Set("base_url", "http://localhost:8400")
	v.Set("session.callback_recheck_delay", "2s")
	for _, opt := range opts {
		opt(f, v)
	}
	f.cfg = config.New(v)

	client, err := oidcclient.New(context.Background(), f.cfg)
	require.NoError(t, err)
	f.client = client

	var repo sessions.Repo = f.repo
	if f.wrapRepo != nil {
		repo = f.wrapRepo(repo)
	}
	var flows authflowrepo.Repo = f.flows
	if f.wrapFlows != nil {
		flows = f.wrapFlows(flows)
	}
	coord, err := coordinator.New(context.Background(), coordinator.Deps{
		Client:    client,
		Sessions:  repo,
		Flows:     flows,
		Pending:   f.pending,
		Settings:  f.cfg,
		Now:       f.clock.Now,
		AfterFunc: f.timers.AfterFunc,
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	f.coord = coord
	return f
}

// authorize plays the browser: it follows the authorize URL to the provider and
// returns the callback parameters the provider redirected back with.
func authorize(t *testing.T, authURL string) coordinator.CallbackParams {
	t.Helper()

	noFollow := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := noFollow.Get(authURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	q := loc.Query()
	return coordinator.CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

func (f *fixture) startLogin(t *testing.T) coordinator.CallbackParams {
	t.Helper()
	authURL, err := f.coord.BeginLogin(context.Background())
	require.NoError(t, err)
	return authorize(t, authURL)
}

func (f *fixture) login(t *testing.T) *sessions.Session {
	t.Helper()
	s, err := f.coord.CompleteLogin(context.Background(), f.startLogin(t))
	require.NoError(t, err)
	return s
}

func (f *fixture) recordEvents() (*[]coordinator.Event, *sync.Mutex) {
	var mu sync.Mutex
	var events []coordinator.Event
	f.coord.Subscribe(func(e coordinator.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})
	return &events, &mu
}

func TestBeginLoginStoresFlow(t *testing.T) {
	f := setupFixture(t)

	authURL, err := f.coord.BeginLogin(context.Background())
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	require.NotEmpty(t, u.Query().Get("nonce"))
	require.NotEmpty(t, u.Query().Get("code_challenge"))

	flow, err := f.flows.Get(state)
	require.NoError(t, err)
	require.Equal(t, authflowrepo.FlowLogin, flow.Kind)
	require.Equal(t, u.Query().Get("nonce"), flow.Nonce)
}

func TestBeginLoginConfigurationError(t *testing.T) {
	f := setupFixture(t, withSetting("oidc.redirect_uri", "::not-a-uri"))

	authURL, err := f.coord.BeginLogin(context.Background())
	require.Error(t, err)
	require.Empty(t, authURL)
	require.True(t, isConfiguration(err))

	removed, err := f.flows.DeleteExpired(time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, removed, "no flow is stored when the redirect cannot be built")
}

func TestCompleteLogin(t *testing.T) {
	f := setupFixture(t)
	events, mu := f.recordEvents()

	s := f.login(t)
	require.Equal(t, "u1", s.PrincipalID)
	require.Equal(t, "u1@example.com", s.StringClaim("email"))
	require.True(t, f.coord.IsAuthenticated())

	token, ok := f.coord.AccessToken()
	require.True(t, ok)
	require.Equal(t, s.AccessToken, token)

	stored, err := f.repo.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, s.AccessToken, stored.AccessToken)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *events, 1)
	require.Equal(t, coordinator.EventLoaded, (*events)[0].Type)
	require.Equal(t, "u1", (*events)[0].Session.PrincipalID)
}

func TestCompleteLoginUnknownState(t *testing.T) {
	f := setupFixture(t)
	code := f.provider.IssueCode("u1", "", "http://localhost:8400/callback")

	_, err := f.coord.CompleteLogin(context.Background(), coordinator.CallbackParams{Code: code, State: "forged"})
	require.True(t, isExchange(err))
	require.False(t, f.coord.IsAuthenticated())
	require.Zero(t, f.provider.CodeExchanges(code), "a forged state never reaches the token endpoint")
}

func TestCompleteLoginProviderError(t *testing.T) {
	f := setupFixture(t)
	params := f.startLogin(t)

	_, err := f.coord.CompleteLogin(context.Background(), coordinator.CallbackParams{
		State:            params.State,
		Error:            "access_denied",
		ErrorDescription: "user said no",
	})
	require.True(t, isExchange(err))
	require.Contains(t, err.Error(), "access_denied")

	_, err = f.flows.Get(params.State)
	require.Error(t, err, "the flow is discarded")
}

func TestCompleteLoginTwiceReportsConsumed(t *testing.T) {
	f := setupFixture(t)
	params := f.startLogin(t)

	_, err := f.coord.CompleteLogin(context.Background(), params)
	require.NoError(t, err)

	_, err = f.coord.CompleteLogin(context.Background(), params)
	require.True(t, isConsumed(err))
	require.Equal(t, 1, f.provider.CodeExchanges(params.Code))
}

func TestIsAuthenticatedBoundary(t *testing.T) {
	expiry := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	f := setupFixture(t, withStoredSession(&sessions.Session{
		PrincipalID:     "u1",
		AccessToken:     "stored-access",
		RefreshMaterial: "stored-refresh",
		ExpiresAt:       expiry,
	}))

	f.clock.Set(expiry.Add(-time.Nanosecond))
	require.True(t, f.coord.IsAuthenticated())
	_, ok := f.coord.AccessToken()
	require.True(t, ok)

	f.clock.Set(expiry)
	require.False(t, f.coord.IsAuthenticated(), "expired exactly at expiresAt")
	_, ok = f.coord.AccessToken()
	require.False(t, ok)
	require.NotNil(t, f.coord.Session(), "the snapshot remains until renewal decides")

	f.clock.Set(expiry.Add(time.Hour))
	require.False(t, f.coord.IsAuthenticated())
}

func TestRestoreExpiredSessionWithoutRefreshClearsStore(t *testing.T) {
	f := setupFixture(t, withStoredSession(&sessions.Session{
		PrincipalID: "u1",
		AccessToken: "stale",
		ExpiresAt:   time.Now().Add(-time.Minute),
	}))

	require.Nil(t, f.coord.Session())
	_, err := f.repo.Load(context.Background())
	require.Error(t, err)
	require.Zero(t, f.timers.Count())
}

func TestRestoreExpiredSessionWithRefreshRenewsImmediately(t *testing.T) {
	f := setupFixture(t, withStoredSession(&sessions.Session{
		PrincipalID:     "u1",
		AccessToken:     "stale",
		RefreshMaterial: "unknown-to-provider",
		ExpiresAt:       time.Now().Add(-time.Minute),
	}))

	require.Equal(t, 1, f.timers.Count())
	require.Zero(t, f.timers.Last().delay)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	f := setupFixture(t)

	var got []coordinator.EventType
	unsubscribe := f.coord.Subscribe(func(e coordinator.Event) { got = append(got, e.Type) })

	f.login(t)
	_, err := f.coord.Renew(context.Background())
	require.NoError(t, err)
	_, err = f.coord.BeginLogout(context.Background())
	require.NoError(t, err)

	require.Equal(t, []coordinator.EventType{
		coordinator.EventLoaded,
		coordinator.EventRefreshed,
		coordinator.EventCleared,
	}, got)

	unsubscribe()
	f.login(t)
	require.Len(t, got, 3, "no delivery after unsubscribe")
}

func TestBeginLogoutClearsBeforeRedirect(t *testing.T) {
	f := setupFixture(t)
	s := f.login(t)

	var authenticatedDuringEvent bool
	f.coord.Subscribe(func(e coordinator.Event) {
		if e.Type == coordinator.EventCleared {
			authenticatedDuringEvent = f.coord.IsAuthenticated()
		}
	})

	logoutURL, err := f.coord.BeginLogout(context.Background())
	require.NoError(t, err)
	require.False(t, authenticatedDuringEvent)
	require.False(t, f.coord.IsAuthenticated())
	require.Nil(t, f.coord.Session())

	u, err := url.Parse(logoutURL)
	require.NoError(t, err)
	require.Equal(t, "/end_session", u.Path)
	require.Equal(t, s.IDToken, u.Query().Get("id_token_hint"))

	_, err = f.repo.Load(context.Background())
	require.Error(t, err)
	require.True(t, f.timers.Last().stopped, "renewal is cancelled on logout")
}

func TestUserInfoClaimsMerged(t *testing.T) {
	f := setupFixture(t, withSetting("oidc.load_userinfo", true))

	s := f.login(t)
	require.Equal(t, "en-GB", s.StringClaim("locale"))
	require.Equal(t, "u1@example.com", s.StringClaim("email"))
}

func TestReloadPublishesExternalChanges(t *testing.T) {
	f := setupFixture(t)
	s := f.login(t)
	events, mu := f.recordEvents()

	// nothing changed: no event
	require.NoError(t, f.coord.Reload(context.Background()))

	// another process refreshed the record
	updated := s.Clone()
	updated.AccessToken = "from-elsewhere"
	require.NoError(t, f.repo.Save(context.Background(), updated))
	require.NoError(t, f.coord.Reload(context.Background()))
	token, _ := f.coord.AccessToken()
	require.Equal(t, "from-elsewhere", token)

	// another process logged out
	require.NoError(t, f.repo.Clear(context.Background()))
	require.NoError(t, f.coord.Reload(context.Background()))
	require.False(t, f.coord.IsAuthenticated())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *events, 2)
	require.Equal(t, coordinator.EventRefreshed, (*events)[0].Type)
	require.Equal(t, coordinator.EventCleared, (*events)[1].Type)
}

// pausingRepo holds the next Load after it has read the store, until released
type pausingRepo struct {
	sessions.Repo
	armed   atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func (r *pausingRepo) Load(ctx context.Context) (*sessions.Session, error) {
	s, err := r.Repo.Load(ctx)
	if r.armed.CompareAndSwap(true, false) {
		close(r.read)
		<-r.release
	}
	return s, err
}

func TestReloadDoesNotUndoConcurrentRenewal(t *testing.T) {
	paused := &pausingRepo{read: make(chan struct{}), release: make(chan struct{})}
	f := setupFixture(t, withRepo(func(r sessions.Repo) sessions.Repo {
		paused.Repo = r
		return paused
	}))
	first := f.login(t)

	paused.armed.Store(true)
	reloaded := make(chan error, 1)
	go func() { reloaded <- f.coord.Reload(context.Background()) }()
	<-paused.read

	type renewal struct {
		s   *sessions.Session
		err error
	}
	renewed := make(chan renewal, 1)
	go func() {
		s, err := f.coord.Renew(context.Background())
		renewed <- renewal{s, err}
	}()
	time.Sleep(100 * time.Millisecond)
	close(paused.release)

	require.NoError(t, <-reloaded)
	r := <-renewed
	require.NoError(t, r.err)
	require.NotEqual(t, first.AccessToken, r.s.AccessToken)

	stored, err := f.repo.Load(context.Background())
	require.NoError(t, err)
	current := f.coord.Session()
	require.Equal(t, stored.AccessToken, current.AccessToken)
	require.Equal(t, r.s.AccessToken, current.AccessToken)
	require.Equal(t, r.s.RefreshMaterial, current.RefreshMaterial)

	// the refresh material held in memory is still usable
	_, err = f.coord.Renew(context.Background())
	require.NoError(t, err)
	require.True(t, f.coord.IsAuthenticated())
}

func TestSilentRenewCodeFlow(t *testing.T) {
	f := setupFixture(t)
	first := f.login(t)
	events, mu := f.recordEvents()

	authURL, err := f.coord.BeginSilentRenew(context.Background())
	require.NoError(t, err)
	u, _ := url.Parse(authURL)
	require.Equal(t, "none", u.Query().Get("prompt"))
	require.Equal(t, first.IDToken, u.Query().Get("id_token_hint"))

	params := authorize(t, authURL)
	renewed, err := f.coord.CompleteSilentRenew(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, "u1", renewed.PrincipalID)
	require.NotEqual(t, first.AccessToken, renewed.AccessToken)
	require.Equal(t, first.CreatedAt, renewed.CreatedAt, "same identity keeps its creation time")

	// a duplicated silent callback leaves the session in place
	_, err = f.coord.CompleteSilentRenew(context.Background(), params)
	require.True(t, isConsumed(err))
	require.True(t, f.coord.IsAuthenticated())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *events, 1)
	require.Equal(t, coordinator.EventRefreshed, (*events)[0].Type)
}

func TestSilentRenewLoginRequiredClearsSession(t *testing.T) {
	f := setupFixture(t)
	f.login(t)
	f.provider.LoggedIn = false
	events, mu := f.recordEvents()

	authURL, err := f.coord.BeginSilentRenew(context.Background())
	require.NoError(t, err)
	params := authorize(t, authURL)
	require.Equal(t, "login_required", params.Error)

	_, err = f.coord.CompleteSilentRenew(context.Background(), params)
	require.True(t, isRenewal(err))
	require.False(t, f.coord.IsAuthenticated())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *events, 1)
	require.Equal(t, coordinator.EventCleared, (*events)[0].Type)
	require.True(t, isRenewal((*events)[0].Err))
}

func TestSilentRenewDisabled(t *testing.T) {
	f := setupFixture(t, withSetting("oidc.silent_renew", false))
	_, err := f.coord.BeginSilentRenew(context.Background())
	require.True(t, isConfiguration(err))
}
