package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/jrsteele09/go-auth-session/coordinator"
	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/internal/oidctest"
	"github.com/jrsteele09/go-auth-session/oidcclient"
	"github.com/jrsteele09/go-auth-session/server"
	"github.com/jrsteele09/go-auth-session/server/authflowrepo"
	"github.com/jrsteele09/go-auth-session/server/pendingredirect"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

// lateHandler lets the test server start before the handler exists, so the agent's
// base URL can point at it
type lateHandler struct {
	mu sync.RWMutex
	h  http.Handler
}

func (l *lateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.mu.RLock()
	h := l.h
	l.mu.RUnlock()
	h.ServeHTTP(w, r)
}

type testAgent struct {
	provider *oidctest.Provider
	coord    *coordinator.Coordinator
	pending  *pendingredirect.InMemoryRepo
	repo     *sessions.InMemoryRepo
	url      string
}

func setupAgent(t *testing.T, overrides map[string]any) *testAgent {
	t.Helper()

	provider := oidctest.New(t)
	late := &lateHandler{}
	ts := httptest.NewServer(late)
	t.Cleanup(ts.Close)

	v := viper.New()
	v.Set("oidc.issuer", provider.Issuer())
	v.Set("oidc.client_id", oidctest.ClientID)
	v.Set("base_url", ts.URL)
	v.Set("app_name", "Test Agent")
	v.Set("session.error_display_interval", "3s")
	v.Set("server.allowed_origins", []string{"http://tools.local"})
	for k, val := range overrides {
		v.Set(k, val)
	}
	cfg := config.New(v)

	client, err := oidcclient.New(context.Background(), cfg)
	require.NoError(t, err)

	a := &testAgent{
		provider: provider,
		pending:  pendingredirect.NewInMemoryRepo(),
		repo:     sessions.NewInMemoryRepo(),
		url:      ts.URL,
	}
	a.coord, err = coordinator.New(context.Background(), coordinator.Deps{
		Client:   client,
		Sessions: a.repo,
		Flows:    authflowrepo.NewInMemoryRepo(),
		Pending:  a.pending,
		Settings: cfg,
	})
	require.NoError(t, err)
	t.Cleanup(a.coord.Close)

	srv, err := server.New(cfg, a.coord, a.pending)
	require.NoError(t, err)
	late.mu.Lock()
	late.h = srv
	late.mu.Unlock()
	return a
}

func noFollowClient() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

func get(t *testing.T, c *http.Client, rawURL string) (*http.Response, string) {
	t.Helper()
	resp, err := c.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

// callbackURL walks login → provider and stops at the redirect back to the agent
func (a *testAgent) callbackURL(t *testing.T, route string) string {
	t.Helper()
	c := noFollowClient()

	resp, _ := get(t, c, a.url+route)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	resp, _ = get(t, c, resp.Header.Get("Location"))
	require.Equal(t, http.StatusFound, resp.StatusCode)
	return resp.Header.Get("Location")
}

func TestProtectedPageRoundTrip(t *testing.T) {
	a := setupAgent(t, nil)

	resp, body := get(t, http.DefaultClient, a.url+"/app/dashboard?x=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "/app/dashboard", resp.Request.URL.Path)
	require.Equal(t, "x=1", resp.Request.URL.RawQuery)
	require.Contains(t, body, "/app/dashboard?x=1")
	require.True(t, a.coord.IsAuthenticated())

	_, pending := a.pending.Peek()
	require.False(t, pending)

	// already signed in: no detour
	resp, _ = get(t, noFollowClient(), a.url+"/app/reports")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProtectedPageRedirectsToLogin(t *testing.T) {
	a := setupAgent(t, nil)

	resp, _ := get(t, noFollowClient(), a.url+"/app/dashboard?x=1")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, server.RouteLogin, resp.Header.Get("Location"))

	dest, ok := a.pending.Peek()
	require.True(t, ok)
	require.Equal(t, "/app/dashboard?x=1", dest)
}

func TestDuplicateCallbackRequests(t *testing.T) {
	a := setupAgent(t, nil)
	require.NoError(t, a.pending.Save("/app/reports"))
	cb := a.callbackURL(t, server.RouteLogin)

	first, _ := get(t, noFollowClient(), cb)
	second, _ := get(t, noFollowClient(), cb)

	require.Equal(t, http.StatusSeeOther, first.StatusCode)
	require.Equal(t, http.StatusSeeOther, second.StatusCode)
	require.Equal(t, "/app/reports", first.Header.Get("Location"))
	require.Equal(t, first.Header.Get("Location"), second.Header.Get("Location"))

	u, _ := url.Parse(cb)
	require.Equal(t, 1, a.provider.CodeExchanges(u.Query().Get("code")))
}

func TestFormPostCallback(t *testing.T) {
	a := setupAgent(t, nil)
	cb, err := url.Parse(a.callbackURL(t, server.RouteLogin))
	require.NoError(t, err)

	resp, err := noFollowClient().PostForm(a.url+server.RouteCallback, cb.Query())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.True(t, a.coord.IsAuthenticated())
}

func TestCallbackErrorPage(t *testing.T) {
	a := setupAgent(t, nil)

	resp, body := get(t, noFollowClient(), a.url+server.RouteCallback+"?error=access_denied&error_description=nope&state=abc")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, body, `http-equiv="refresh"`)
	require.Contains(t, body, `content="3;url=/"`)
	require.Contains(t, body, "Sign-in was cancelled or denied.")
	require.NotContains(t, body, "nope", "provider descriptions are not echoed")
	require.False(t, a.coord.IsAuthenticated())
}

func TestLoginConfigurationError(t *testing.T) {
	a := setupAgent(t, map[string]any{"oidc.redirect_uri": "::not-a-uri"})

	resp, body := get(t, noFollowClient(), a.url+server.RouteLogin)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Contains(t, body, "not configured correctly")
}

func TestSessionAndTokenAPI(t *testing.T) {
	a := setupAgent(t, nil)
	a.provider.Claims["groups"] = []string{"admins", "devs"}

	resp, body := get(t, http.DefaultClient, a.url+server.RouteAPIToken)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, body, "unauthenticated")

	var anon server.SessionResponse
	_, body = get(t, http.DefaultClient, a.url+server.RouteAPISession)
	require.NoError(t, json.Unmarshal([]byte(body), &anon))
	require.False(t, anon.IsAuthenticated)

	_, page := get(t, http.DefaultClient, a.url+"/app/")
	require.Contains(t, page, "<code>admins</code>, <code>devs</code>")

	var view server.SessionResponse
	resp, body = get(t, http.DefaultClient, a.url+server.RouteAPISession)
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	require.NoError(t, json.Unmarshal([]byte(body), &view))
	require.True(t, view.IsAuthenticated)
	require.Equal(t, "u1", view.PrincipalID)
	require.NotNil(t, view.ExpiresAt)
	require.Equal(t, []string{"admins", "devs"}, view.Groups)

	sess := a.coord.Session()
	require.NotContains(t, body, sess.AccessToken)
	require.NotContains(t, body, sess.RefreshMaterial)

	var tok server.TokenResponse
	resp, body = get(t, http.DefaultClient, a.url+server.RouteAPIToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal([]byte(body), &tok))
	require.Equal(t, sess.AccessToken, tok.AccessToken)
	require.Equal(t, "Bearer", tok.TokenType)
}

func TestAPICors(t *testing.T) {
	a := setupAgent(t, nil)

	req, err := http.NewRequest(http.MethodOptions, a.url+server.RouteAPIToken, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://tools.local")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "http://tools.local", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.local")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestLogout(t *testing.T) {
	a := setupAgent(t, nil)
	get(t, http.DefaultClient, a.url+"/app/")
	require.True(t, a.coord.IsAuthenticated())

	resp, _ := get(t, noFollowClient(), a.url+server.RouteLogout)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/end_session", loc.Path)
	require.False(t, a.coord.IsAuthenticated())

	// the provider sends the browser back to the logged-out page
	resp, body := get(t, http.DefaultClient, loc.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, server.RouteLoggedOut, resp.Request.URL.Path)
	require.Contains(t, body, "signed out")
}

func TestSilentRenewRoutes(t *testing.T) {
	a := setupAgent(t, nil)
	get(t, http.DefaultClient, a.url+"/app/")
	before := a.coord.Session()

	resp, body := get(t, http.DefaultClient, a.url+server.RouteSilentRenew)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, server.RouteSilentRenewCallback, resp.Request.URL.Path)
	require.Contains(t, body, `data-outcome="renewed"`)
	require.NotEqual(t, before.AccessToken, a.coord.Session().AccessToken)

	a.provider.LoggedIn = false
	_, body = get(t, http.DefaultClient, a.url+server.RouteSilentRenew)
	require.Contains(t, body, `data-outcome="failed"`)
	require.False(t, a.coord.IsAuthenticated())
}

func TestSilentRenewDisabled(t *testing.T) {
	a := setupAgent(t, map[string]any{"oidc.silent_renew": false})
	resp, body := get(t, noFollowClient(), a.url+server.RouteSilentRenew)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Contains(t, body, "unavailable")
}

func TestIndexAndMetrics(t *testing.T) {
	a := setupAgent(t, nil)

	_, body := get(t, http.DefaultClient, a.url+"/")
	require.Contains(t, body, "Test Agent")
	require.Contains(t, body, "Not signed in")

	get(t, http.DefaultClient, a.url+"/app/")
	_, body = get(t, http.DefaultClient, a.url+"/")
	require.Contains(t, body, "u1@example.com")

	resp, body := get(t, http.DefaultClient, a.url+server.RouteMetrics)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.Contains(body, "authsession_callback_outcomes_total"))

	resp, _ = get(t, http.DefaultClient, a.url+"/unknown")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
