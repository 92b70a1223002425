// Package oidctest runs an in-process identity provider for tests. It serves
// discovery, JWKS, authorize, token, userinfo and end-session endpoints and signs
// RS256 ID tokens.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-session/internal/utils"
)

const (
	ClientID = "test-client"
	keyID    = "test-key"
)

type grant struct {
	subject       string
	nonce         string
	codeChallenge string
	redirectURI   string
}

// Provider is a minimal OIDC identity provider
type Provider struct {
	Server *httptest.Server

	// Subject signed in at the provider; authorize issues codes for it.
	Subject string
	// LoggedIn controls prompt=none: when false silent authorize answers login_required.
	LoggedIn bool
	// AccessTokenTTL sets expires_in; zero omits expires_in from token responses.
	AccessTokenTTL time.Duration
	// FailRefresh makes every refresh_token grant fail with invalid_grant.
	FailRefresh bool
	// EndSession advertises an end_session_endpoint in discovery.
	EndSession bool
	// TokenDelay is slept before answering the token endpoint.
	TokenDelay time.Duration
	// Claims are added to every ID token and the userinfo response.
	Claims map[string]any

	key *rsa.PrivateKey

	mu            sync.Mutex
	codes         map[string]grant
	refreshTokens map[string]string
	exchanges     map[string]int
	refreshes     int
}

// New starts a provider that is shut down when the test ends
func New(t testing.TB) *Provider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating provider key: %v", err)
	}

	p := &Provider{
		Subject:        "u1",
		LoggedIn:       true,
		AccessTokenTTL: time.Hour,
		EndSession:     true,
		Claims:         map[string]any{"email": "u1@example.com", "name": "User One"},
		key:            key,
		codes:          make(map[string]grant),
		refreshTokens:  make(map[string]string),
		exchanges:      make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.discovery)
	mux.HandleFunc("GET /jwks", p.jwks)
	mux.HandleFunc("GET /authorize", p.authorize)
	mux.HandleFunc("POST /token", p.token)
	mux.HandleFunc("GET /userinfo", p.userinfo)
	mux.HandleFunc("GET /end_session", p.endSession)

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// Issuer is the provider's issuer URL
func (p *Provider) Issuer() string {
	return p.Server.URL
}

// IssueCode registers a code for subject directly, skipping the authorize redirect
func (p *Provider) IssueCode(subject, nonce, redirectURI string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	code := uuid.NewString()
	p.codes[code] = grant{subject: subject, nonce: nonce, redirectURI: redirectURI}
	return code
}

// CodeExchanges returns how many times code reached the token endpoint
func (p *Provider) CodeExchanges(code string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchanges[code]
}

// RefreshExchanges returns how many refresh_token grants were received
func (p *Provider) RefreshExchanges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes
}

func (p *Provider) discovery(w http.ResponseWriter, _ *http.Request) {
	doc := map[string]any{
		"issuer":                                p.Issuer(),
		"authorization_endpoint":                p.Issuer() + "/authorize",
		"token_endpoint":                        p.Issuer() + "/token",
		"userinfo_endpoint":                     p.Issuer() + "/userinfo",
		"jwks_uri":                              p.Issuer() + "/jwks",
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"code_challenge_methods_supported":      []string{"S256"},
	}
	if p.EndSession {
		doc["end_session_endpoint"] = p.Issuer() + "/end_session"
	}
	writeJSON(w, http.StatusOK, doc)
}

func (p *Provider) jwks(w http.ResponseWriter, _ *http.Request) {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &p.key.PublicKey,
		KeyID:     keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	writeJSON(w, http.StatusOK, set)
}

// authorize approves immediately for Subject and redirects back with a code
func (p *Provider) authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || q.Get("client_id") != ClientID {
		http.Error(w, "bad authorize request", http.StatusBadRequest)
		return
	}

	back := redirectURI.Query()
	back.Set("state", q.Get("state"))
	if q.Get("prompt") == "none" && !p.LoggedIn {
		back.Set("error", "login_required")
		back.Set("error_description", "user is not signed in")
	} else {
		p.mu.Lock()
		code := uuid.NewString()
		p.codes[code] = grant{
			subject:       p.Subject,
			nonce:         q.Get("nonce"),
			codeChallenge: q.Get("code_challenge"),
			redirectURI:   redirectURI.String(),
		}
		p.mu.Unlock()
		back.Set("code", code)
	}
	redirectURI.RawQuery = back.Encode()
	http.Redirect(w, r, redirectURI.String(), http.StatusFound)
}

func (p *Provider) token(w http.ResponseWriter, r *http.Request) {
	if p.TokenDelay > 0 {
		time.Sleep(p.TokenDelay)
	}
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request", err.Error())
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		p.codeGrant(w, r)
	case "refresh_token":
		p.refreshGrant(w, r)
	default:
		oauthError(w, "unsupported_grant_type", "")
	}
}

func (p *Provider) codeGrant(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")

	p.mu.Lock()
	p.exchanges[code]++
	g, ok := p.codes[code]
	delete(p.codes, code)
	p.mu.Unlock()

	if !ok {
		oauthError(w, "invalid_grant", "authorization code is invalid or was already used")
		return
	}
	if g.redirectURI != "" && r.PostForm.Get("redirect_uri") != g.redirectURI {
		oauthError(w, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if g.codeChallenge != "" {
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != g.codeChallenge {
			oauthError(w, "invalid_grant", "code_verifier mismatch")
			return
		}
	}
	p.issueTokens(w, g.subject, g.nonce)
}

func (p *Provider) refreshGrant(w http.ResponseWriter, r *http.Request) {
	rt := r.PostForm.Get("refresh_token")

	p.mu.Lock()
	p.refreshes++
	subject, ok := p.refreshTokens[rt]
	delete(p.refreshTokens, rt)
	p.mu.Unlock()

	if !ok || p.FailRefresh {
		oauthError(w, "invalid_grant", "refresh token is invalid")
		return
	}
	p.issueTokens(w, subject, "")
}

func (p *Provider) issueTokens(w http.ResponseWriter, subject, nonce string) {
	now := time.Now()
	ttl := p.AccessTokenTTL
	if ttl == 0 {
		ttl = time.Hour
	}

	access, err := p.sign(jwt.MapClaims{
		"iss": p.Issuer(),
		"sub": subject,
		"aud": "api",
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"jti": uuid.NewString(),
	})
	if err != nil {
		oauthError(w, "server_error", err.Error())
		return
	}

	idClaims := jwt.MapClaims{
		"iss": p.Issuer(),
		"sub": subject,
		"aud": ClientID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if nonce != "" {
		idClaims["nonce"] = nonce
	}
	for k, v := range p.Claims {
		idClaims[k] = v
	}
	idToken, err := p.sign(idClaims)
	if err != nil {
		oauthError(w, "server_error", err.Error())
		return
	}

	refresh := uuid.NewString()
	p.mu.Lock()
	p.refreshTokens[refresh] = subject
	p.mu.Unlock()

	resp := TokenResponse{
		AccessToken:  utils.Ptr(access),
		IDToken:      utils.Ptr(idToken),
		TokenType:    "Bearer",
		RefreshToken: utils.Ptr(refresh),
		Scope:        "openid profile email offline_access",
	}
	if p.AccessTokenTTL > 0 {
		resp.ExpiresIn = int(p.AccessTokenTTL.Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) userinfo(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return &p.key.PublicKey, nil
	})
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	info := map[string]any{"sub": claims["sub"], "locale": "en-GB"}
	for k, v := range p.Claims {
		info[k] = v
	}
	writeJSON(w, http.StatusOK, info)
}

func (p *Provider) endSession(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("post_logout_redirect_uri")
	if target == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (p *Provider) sign(claims jwt.MapClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = keyID
	return tok.SignedString(p.key)
}

func oauthError(w http.ResponseWriter, code, description string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
