package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jrsteele09/go-auth-session/internal/utils"
)

// SessionResponse is the public view of the session; it never carries tokens
type SessionResponse struct {
	IsAuthenticated bool           `json:"isAuthenticated"`
	PrincipalID     string         `json:"principalId,omitempty"`
	ExpiresAt       *time.Time     `json:"expiresAt,omitempty"`
	Groups          []string       `json:"groups,omitempty"`
	Claims          map[string]any `json:"claims,omitempty"`
}

// TokenResponse hands the current access token to local tools
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// SessionHandler reports who is signed in and until when
func (s *Server) SessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := SessionResponse{IsAuthenticated: s.coordinator.IsAuthenticated()}
		if sess := s.coordinator.Session(); sess != nil && resp.IsAuthenticated {
			resp.PrincipalID = sess.PrincipalID
			resp.ExpiresAt = utils.Ptr(sess.ExpiresAt)
			resp.Groups = sess.StringsClaim("groups")
			resp.Claims = sess.Claims
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// TokenHandler returns the live access token, 401 without a session
func (s *Server) TokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := s.coordinator.AccessToken()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="`+s.config.GetAppName()+`"`)
			writeJSONError(w, "unauthenticated", "no live session, sign in at "+RouteLogin, http.StatusUnauthorized)
			return
		}
		resp := TokenResponse{AccessToken: token, TokenType: "Bearer"}
		if sess := s.coordinator.Session(); sess != nil {
			resp.ExpiresAt = sess.ExpiresAt
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	writeJSON(w, statusCode, map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}
