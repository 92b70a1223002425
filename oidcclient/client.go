package oidcclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jrsteele09/go-auth-session/internal/config"
	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// consumedCacheSize bounds the local one-shot bookkeeping. Older entries fall out,
// at which point the provider's own single-use rule still applies.
const consumedCacheSize = 1024

// Client wraps the identity provider's authorize, token, userinfo and end-session
// endpoints. Every code and refresh exchange is one-shot.
type Client struct {
	cfg             config.OIDCConfig
	provider        *oidc.Provider
	login           *oauth2.Config
	silent          *oauth2.Config
	verifier        *oidc.IDTokenVerifier
	endSessionURL   string
	defaultLifetime time.Duration
	httpClient      *http.Client
	now             func() time.Time

	mu       sync.Mutex
	consumed *lru.Cache[string, struct{}]
}

// Option customises a Client
type Option func(*Client)

// WithHTTPClient sets the client used for discovery and token calls
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithDefaultTokenLifetime sets the lifetime assumed when neither the token response
// nor the access token carries an expiry
func WithDefaultTokenLifetime(d time.Duration) Option {
	return func(c *Client) { c.defaultLifetime = d }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New discovers the provider named by cfg and builds a Client for it
func New(ctx context.Context, cfg config.OIDCConfig, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:             cfg,
		defaultLifetime: time.Hour,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.GetIssuerURL() == "" || cfg.GetClientID() == "" {
		return nil, autherrors.NewConfigurationError(nil, "issuer url and client id are required")
	}

	consumed, err := lru.New[string, struct{}](consumedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("[oidcclient New] %w", err)
	}
	c.consumed = consumed

	provider, err := oidc.NewProvider(c.context(ctx), cfg.GetIssuerURL())
	if err != nil {
		return nil, autherrors.NewConfigurationError(err, "discovering "+cfg.GetIssuerURL())
	}
	c.provider = provider

	var extra struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&extra); err != nil {
		return nil, autherrors.NewConfigurationError(err, "reading discovery document")
	}
	c.endSessionURL = extra.EndSessionEndpoint

	endpoint := provider.Endpoint()
	// Pin the auth style: auto-detection retries a failed exchange, which would send
	// the same code twice.
	if cfg.GetClientSecret() == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	} else {
		endpoint.AuthStyle = oauth2.AuthStyleInHeader
	}

	c.login = &oauth2.Config{
		ClientID:     cfg.GetClientID(),
		ClientSecret: cfg.GetClientSecret(),
		Endpoint:     endpoint,
		RedirectURL:  cfg.GetRedirectURI(),
		Scopes:       cfg.GetScopes(),
	}
	silent := *c.login
	silent.RedirectURL = cfg.GetSilentRedirectURI()
	c.silent = &silent

	c.verifier = provider.Verifier(&oidc.Config{
		ClientID: cfg.GetClientID(),
		Now:      c.now,
	})

	log.Info().Str("issuer", cfg.GetIssuerURL()).Bool("end_session", c.endSessionURL != "").Msg("identity provider discovered")
	return c, nil
}

// AuthorizeParams describe one redirect to the authorize endpoint
type AuthorizeParams struct {
	State        string
	Nonce        string
	CodeVerifier string // PKCE verifier; ignored when PKCE is disabled
	Silent       bool   // prompt=none against the silent-renew redirect URI
	LoginHint    string
	IDTokenHint  string
}

// AuthorizeURL builds the URL the browser is sent to for sign-in
func (c *Client) AuthorizeURL(p AuthorizeParams) (string, error) {
	oc := c.login
	redirect := c.cfg.GetRedirectURI()
	if p.Silent {
		if !c.cfg.GetSilentRenewEnabled() {
			return "", autherrors.NewConfigurationError(autherrors.ErrSilentRenewalOff, "silent renewal requested")
		}
		oc = c.silent
		redirect = c.cfg.GetSilentRedirectURI()
	}
	if _, err := url.ParseRequestURI(redirect); err != nil || redirect == "" {
		return "", autherrors.NewConfigurationError(err, fmt.Sprintf("redirect uri %q is not usable", redirect))
	}
	if p.State == "" {
		return "", autherrors.NewConfigurationError(nil, "authorize request has no state")
	}

	opts := []oauth2.AuthCodeOption{}
	if p.Nonce != "" {
		opts = append(opts, oidc.Nonce(p.Nonce))
	}
	if c.cfg.GetUsePKCE() {
		if p.CodeVerifier == "" {
			return "", autherrors.NewConfigurationError(nil, "PKCE is enabled but no code verifier was supplied")
		}
		opts = append(opts, oauth2.S256ChallengeOption(p.CodeVerifier))
	}
	if p.Silent {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "none"))
	}
	if p.LoginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", p.LoginHint))
	}
	if p.IDTokenHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("id_token_hint", p.IDTokenHint))
	}
	return oc.AuthCodeURL(p.State, opts...), nil
}

// Reservation is the right to exchange one authorization code. It is handed out once
// per code/state pair and can be used once.
type Reservation struct {
	code  string
	state string
	used  bool
}

// Reserve records a code/state pair as consumed before any network call is made.
// A pair, or either half of it, that was reserved before yields a
// CallbackAlreadyConsumedError.
func (c *Client) Reserve(code, state string) (*Reservation, error) {
	if code == "" || state == "" {
		return nil, &autherrors.ExchangeError{Op: metrics.KindAuthorizationCode, Err: autherrors.ErrMissingCallback}
	}
	if err := c.consume("code:"+code, "state:"+state); err != nil {
		return nil, &autherrors.CallbackAlreadyConsumedError{State: state}
	}
	return &Reservation{code: code, state: state}, nil
}

// ExchangeParams carry the flow data the exchange is checked against
type ExchangeParams struct {
	CodeVerifier string
	Nonce        string
	Silent       bool
}

// ExchangeAuthorizationCode swaps a reserved code for tokens
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, res *Reservation, p ExchangeParams) (*TokenSet, error) {
	if res == nil || res.used {
		metrics.ExchangesTotal.WithLabelValues(metrics.KindAuthorizationCode, metrics.OutcomeConsumed).Inc()
		state := ""
		if res != nil {
			state = res.state
		}
		return nil, &autherrors.CallbackAlreadyConsumedError{State: state}
	}
	res.used = true

	oc := c.login
	if p.Silent {
		oc = c.silent
	}
	var opts []oauth2.AuthCodeOption
	if p.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(p.CodeVerifier))
	}

	tok, err := oc.Exchange(c.context(ctx), res.code, opts...)
	if err != nil {
		metrics.ExchangesTotal.WithLabelValues(metrics.KindAuthorizationCode, metrics.OutcomeFailed).Inc()
		return nil, exchangeError(metrics.KindAuthorizationCode, err)
	}

	ts, err := c.tokenSet(ctx, tok, p.Nonce, true)
	if err != nil {
		metrics.ExchangesTotal.WithLabelValues(metrics.KindAuthorizationCode, metrics.OutcomeFailed).Inc()
		return nil, &autherrors.ExchangeError{Op: metrics.KindAuthorizationCode, Err: err}
	}
	metrics.ExchangesTotal.WithLabelValues(metrics.KindAuthorizationCode, metrics.OutcomeSuccess).Inc()
	return ts, nil
}

// ExchangeRefresh redeems refresh material for a new token set. Each piece of
// refresh material is sent at most once.
func (c *Client) ExchangeRefresh(ctx context.Context, refreshMaterial string) (*TokenSet, error) {
	if refreshMaterial == "" {
		return nil, &autherrors.ExchangeError{Op: metrics.KindRefresh, Err: autherrors.ErrNoRefreshToken}
	}
	if err := c.consume("refresh:" + refreshMaterial); err != nil {
		metrics.ExchangesTotal.WithLabelValues(metrics.KindRefresh, metrics.OutcomeConsumed).Inc()
		return nil, &autherrors.CallbackAlreadyConsumedError{}
	}

	// An expired token with only refresh material makes the token source refresh
	// immediately, exactly once.
	src := c.login.TokenSource(c.context(ctx), &oauth2.Token{RefreshToken: refreshMaterial})
	tok, err := src.Token()
	if err != nil {
		metrics.ExchangesTotal.WithLabelValues(metrics.KindRefresh, metrics.OutcomeFailed).Inc()
		return nil, exchangeError(metrics.KindRefresh, err)
	}

	ts, err := c.tokenSet(ctx, tok, "", false)
	if err != nil {
		metrics.ExchangesTotal.WithLabelValues(metrics.KindRefresh, metrics.OutcomeFailed).Inc()
		return nil, &autherrors.ExchangeError{Op: metrics.KindRefresh, Err: err}
	}
	if ts.RefreshToken == "" {
		// Providers that do not rotate keep the old material valid
		ts.RefreshToken = refreshMaterial
	}
	metrics.ExchangesTotal.WithLabelValues(metrics.KindRefresh, metrics.OutcomeSuccess).Inc()
	return ts, nil
}

// EndSessionURL builds the provider logout redirect. Providers without an
// end_session_endpoint get the post-logout redirect URI back so the browser still
// lands on the logout return route.
func (c *Client) EndSessionURL(idTokenHint, state string) (string, error) {
	postLogout := c.cfg.GetPostLogoutRedirectURI()
	if _, err := url.ParseRequestURI(postLogout); err != nil {
		return "", autherrors.NewConfigurationError(err, "post-logout redirect uri is not usable")
	}
	if c.endSessionURL == "" {
		return postLogout, nil
	}

	u, err := url.Parse(c.endSessionURL)
	if err != nil {
		return "", autherrors.NewConfigurationError(err, "end_session_endpoint is malformed")
	}
	q := u.Query()
	q.Set("client_id", c.cfg.GetClientID())
	q.Set("post_logout_redirect_uri", postLogout)
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// UserInfo fetches profile claims with the given access token
func (c *Client) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	info, err := c.provider.UserInfo(c.context(ctx), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	if err != nil {
		return nil, fmt.Errorf("[oidcclient UserInfo] %w", err)
	}
	claims := map[string]any{}
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("[oidcclient UserInfo] decoding claims: %w", err)
	}
	return claims, nil
}

func (c *Client) consume(keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, k := range keys {
		if c.consumed.Contains(k) {
			return errors.New("already consumed")
		}
	}
	for _, k := range keys {
		c.consumed.Add(k, struct{}{})
	}
	return nil
}

func (c *Client) context(ctx context.Context) context.Context {
	if c.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func exchangeError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return &autherrors.ExchangeError{Op: op, ProviderErr: re.ErrorCode, Err: err}
	}
	return &autherrors.ExchangeError{Op: op, Err: err}
}
