package sessions

import (
	"maps"
	"time"

	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/internal/utils"
)

// Session is the authenticated identity snapshot held for the current user.
// A Session is either absent (nil) or fully populated.
type Session struct {
	PrincipalID     string         `json:"principal_id"`     // "sub" of the ID token
	Claims          map[string]any `json:"claims,omitempty"` // ID token and userinfo claims
	AccessToken     string         `json:"access_token"`
	RefreshMaterial string         `json:"refresh_material,omitempty"`
	IDToken         string         `json:"id_token,omitempty"` // kept as the end-session hint
	ExpiresAt       time.Time      `json:"expires_at"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Validate rejects partially populated sessions.
func (s *Session) Validate() error {
	switch {
	case s == nil:
		return autherrors.ErrSessionNotFound
	case s.PrincipalID == "":
		return autherrors.Wrapf(autherrors.ErrSessionInvalid, "missing principal")
	case s.AccessToken == "":
		return autherrors.Wrapf(autherrors.ErrSessionInvalid, "missing access token")
	case s.ExpiresAt.IsZero():
		return autherrors.Wrapf(autherrors.ErrSessionInvalid, "missing expiry")
	}
	return nil
}

// ValidAt reports whether the session is usable at now. Expiry is exclusive:
// at exactly ExpiresAt the session is expired.
func (s *Session) ValidAt(now time.Time) bool {
	return s != nil && now.Before(s.ExpiresAt)
}

// Clone returns a deep copy so snapshots handed out cannot alias stored state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Claims = maps.Clone(s.Claims)
	return &c
}

// StringClaim returns a string claim or "".
func (s *Session) StringClaim(name string) string {
	if s == nil {
		return ""
	}
	v, _ := s.Claims[name].(string)
	return v
}

// StringsClaim returns a list claim such as "groups" or "amr".
func (s *Session) StringsClaim(name string) []string {
	if s == nil {
		return nil
	}
	return utils.ClaimStrings(s.Claims[name])
}
