package oidcclient

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"golang.org/x/oauth2"
)

// TokenSet is the result of a code or refresh exchange. Token payloads are opaque to
// the rest of the agent.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string         // raw ID token, empty when a refresh response carried none
	Subject      string         // "sub" of the ID token
	Claims       map[string]any // ID token claims
	Expiry       time.Time
}

func (c *Client) tokenSet(ctx context.Context, tok *oauth2.Token, nonce string, requireIDToken bool) (*TokenSet, error) {
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       c.expiry(tok),
	}
	if ts.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		if requireIDToken {
			return nil, autherrors.ErrNoIDToken
		}
		return ts, nil
	}

	claims, err := c.idTokenClaims(ctx, rawIDToken)
	if err != nil {
		return nil, err
	}
	if nonce != "" {
		if got, _ := claims["nonce"].(string); got != nonce {
			return nil, autherrors.ErrNonceMismatch
		}
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("id_token has no sub claim")
	}

	ts.IDToken = rawIDToken
	ts.Subject = sub
	ts.Claims = claims
	return ts, nil
}

// idTokenClaims verifies the ID token with the provider's keys, or only decodes it
// when verification is switched off.
func (c *Client) idTokenClaims(ctx context.Context, raw string) (map[string]any, error) {
	claims := map[string]any{}
	if c.cfg.GetSkipIDTokenVerify() {
		if _, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims(claims)); err != nil {
			return nil, fmt.Errorf("decoding id_token: %w", err)
		}
		return claims, nil
	}

	idToken, err := c.verifier.Verify(c.context(ctx), raw)
	if err != nil {
		return nil, fmt.Errorf("id_token verification failed: %w", err)
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decoding id_token claims: %w", err)
	}
	return claims, nil
}

// expiry prefers the token response, then the access token's own exp claim, then the
// configured default lifetime.
func (c *Client) expiry(tok *oauth2.Token) time.Time {
	if !tok.Expiry.IsZero() {
		return tok.Expiry
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return c.now().Add(c.defaultLifetime)
}
