package server

import (
	"net/http"

	"github.com/jrsteele09/go-auth-session/guard"
)

// RequireSession gates HTML routes behind the access guard. A denied request has its
// target remembered and is sent to the login route.
func (s *Server) RequireSession() func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			d := guard.Decide(s.coordinator, r.URL.RequestURI(), s.pending)
			if !d.Allow {
				http.Redirect(w, r, d.RedirectTo, http.StatusSeeOther)
				return
			}
			next(w, r)
		}
	}
}
