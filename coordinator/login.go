package coordinator

import (
	"context"
	"errors"
	"maps"

	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/oidcclient"
	"github.com/jrsteele09/go-auth-session/server/authflowrepo"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// CallbackParams are the query (or form_post) parameters of a callback redirect
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// BeginLogin prepares an authorization-code round trip and returns the authorize URL
// the browser must be sent to. A ConfigurationError means nothing was stored and no
// navigation should happen.
func (c *Coordinator) BeginLogin(ctx context.Context) (string, error) {
	return c.beginFlow(ctx, authflowrepo.FlowLogin, oidcclient.AuthorizeParams{})
}

// BeginSilentRenew prepares a prompt=none round trip against the silent-renew
// redirect URI, hinting the provider with the current identity.
func (c *Coordinator) BeginSilentRenew(ctx context.Context) (string, error) {
	if !c.settings.GetSilentRenewEnabled() {
		return "", autherrors.NewConfigurationError(autherrors.ErrSilentRenewalOff)
	}
	p := oidcclient.AuthorizeParams{Silent: true}
	if s := c.Session(); s != nil {
		p.IDTokenHint = s.IDToken
		p.LoginHint = s.StringClaim("email")
	}
	return c.beginFlow(ctx, authflowrepo.FlowSilent, p)
}

func (c *Coordinator) beginFlow(_ context.Context, kind authflowrepo.FlowKind, p oidcclient.AuthorizeParams) (string, error) {
	now := c.now()
	if _, err := c.flows.DeleteExpired(now.Add(-c.settings.GetAuthFlowTimeout())); err != nil {
		log.Warn().Err(err).Msg("pruning expired auth flows")
	}

	p.State = oauth2.GenerateVerifier()
	p.Nonce = oauth2.GenerateVerifier()
	if c.settings.GetUsePKCE() {
		p.CodeVerifier = oauth2.GenerateVerifier()
	}

	authURL, err := c.client.AuthorizeURL(p)
	if err != nil {
		return "", err
	}
	if err := c.flows.Upsert(p.State, &authflowrepo.AuthFlowState{
		Kind:         kind,
		CodeVerifier: p.CodeVerifier,
		Nonce:        p.Nonce,
		CreatedAt:    now,
	}); err != nil {
		return "", autherrors.Wrapf(err, "[coordinator] storing %s flow", kind)
	}
	log.Debug().Str("flow", string(kind)).Msg("redirect round trip started")
	return authURL, nil
}

// CompleteLogin exchanges the callback's code once and makes the resulting session
// current. A reused code or state yields CallbackAlreadyConsumedError, every other
// failure an ExchangeError.
func (c *Coordinator) CompleteLogin(ctx context.Context, p CallbackParams) (*sessions.Session, error) {
	ts, err := c.exchangeCallback(ctx, p, authflowrepo.FlowLogin)
	if err != nil {
		return nil, err
	}

	prev := c.Session()
	next := c.sessionFromTokens(ctx, ts, nil)
	typ := EventLoaded
	if prev != nil && prev.PrincipalID == next.PrincipalID {
		typ = EventRefreshed
	}
	if _, err := c.commit(ctx, nil, next, typ); err != nil {
		return nil, err
	}
	log.Info().Str("principal", next.PrincipalID).Time("expires_at", next.ExpiresAt).Msg("login completed")
	return next.Clone(), nil
}

// CompleteSilentRenew finishes a prompt=none round trip. Failure degrades the session
// to absent and is reported as a RenewalError; a duplicate delivery of a callback that
// was already processed is reported as consumed and leaves the session alone.
func (c *Coordinator) CompleteSilentRenew(ctx context.Context, p CallbackParams) (*sessions.Session, error) {
	prev := c.Session()
	ts, err := c.exchangeCallback(ctx, p, authflowrepo.FlowSilent)
	if autherrors.IsCallbackConsumed(err) {
		return nil, err
	}
	if err != nil {
		return nil, c.failRenewal(ctx, prev, err)
	}

	next := c.sessionFromTokens(ctx, ts, prev)
	typ := EventLoaded
	if prev != nil && prev.PrincipalID == next.PrincipalID {
		typ = EventRefreshed
	}
	if _, err := c.commit(ctx, nil, next, typ); err != nil {
		return nil, err
	}
	log.Info().Str("principal", next.PrincipalID).Msg("silent renewal completed")
	return next.Clone(), nil
}

func (c *Coordinator) exchangeCallback(ctx context.Context, p CallbackParams, kind authflowrepo.FlowKind) (*oidcclient.TokenSet, error) {
	if p.Error != "" {
		if p.State != "" {
			if err := c.flows.Delete(p.State); err != nil {
				log.Warn().Err(err).Msg("dropping auth flow after provider error")
			}
		}
		return nil, &autherrors.ExchangeError{Op: "callback", ProviderErr: p.Error, Err: errors.New(p.ErrorDescription)}
	}

	// Reserve before touching the flow so a duplicate can never be mistaken for a
	// state mismatch
	res, err := c.client.Reserve(p.Code, p.State)
	if err != nil {
		return nil, err
	}

	flow, err := c.flows.Take(p.State)
	if err != nil {
		return nil, &autherrors.ExchangeError{Op: "callback", Err: err}
	}
	if flow.Kind != kind {
		return nil, &autherrors.ExchangeError{Op: "callback", Err: autherrors.Wrapf(autherrors.ErrStateNotFound, "state belongs to a %s flow", flow.Kind)}
	}
	if c.now().Sub(flow.CreatedAt) > c.settings.GetAuthFlowTimeout() {
		return nil, &autherrors.ExchangeError{Op: "callback", Err: autherrors.Wrapf(autherrors.ErrStateNotFound, "flow expired")}
	}

	return c.client.ExchangeAuthorizationCode(ctx, res, oidcclient.ExchangeParams{
		CodeVerifier: flow.CodeVerifier,
		Nonce:        flow.Nonce,
		Silent:       kind == authflowrepo.FlowSilent,
	})
}

// BeginLogout drops the local session first, then returns the provider end-session
// URL the browser must be sent to.
func (c *Coordinator) BeginLogout(ctx context.Context) (string, error) {
	current := c.Session()
	idHint := ""
	if current != nil {
		idHint = current.IDToken
	}
	if err := c.clear(ctx, nil, nil); err != nil {
		log.Err(err).Msg("clearing session store on logout")
	}
	if current != nil {
		log.Info().Str("principal", current.PrincipalID).Msg("logged out")
	}
	return c.client.EndSessionURL(idHint, "")
}

// sessionFromTokens builds a complete session. prev supplies identity fields a
// refresh response may omit.
func (c *Coordinator) sessionFromTokens(ctx context.Context, ts *oidcclient.TokenSet, prev *sessions.Session) *sessions.Session {
	now := c.now()
	s := &sessions.Session{
		PrincipalID:     ts.Subject,
		Claims:          maps.Clone(ts.Claims),
		AccessToken:     ts.AccessToken,
		RefreshMaterial: ts.RefreshToken,
		IDToken:         ts.IDToken,
		ExpiresAt:       ts.Expiry,
		CreatedAt:       now,
	}
	if prev != nil {
		if s.PrincipalID == "" {
			s.PrincipalID = prev.PrincipalID
		}
		if s.IDToken == "" {
			s.IDToken = prev.IDToken
		}
		if s.Claims == nil {
			s.Claims = maps.Clone(prev.Claims)
		}
		if s.PrincipalID == prev.PrincipalID {
			s.CreatedAt = prev.CreatedAt
		}
	}
	if s.Claims == nil {
		s.Claims = map[string]any{}
	}

	if c.settings.GetLoadUserInfo() {
		info, err := c.client.UserInfo(ctx, s.AccessToken)
		if err != nil {
			log.Warn().Err(err).Msg("userinfo fetch failed, keeping id token claims")
		}
		for k, v := range info {
			if _, ok := s.Claims[k]; !ok {
				s.Claims[k] = v
			}
		}
	}
	return s
}
