package server

import (
	"net/http"
	"time"
)

// IndexHandler renders the home page with a summary of the current session
func (s *Server) IndexHandler() http.HandlerFunc {
	tmpl := mustParseTemplate("index.html")

	return func(w http.ResponseWriter, r *http.Request) {
		data := map[string]any{
			"AppName":       s.config.GetAppName(),
			"Authenticated": s.coordinator.IsAuthenticated(),
		}
		if sess := s.coordinator.Session(); sess != nil {
			data["Principal"] = sess.PrincipalID
			data["Email"] = sess.StringClaim("email")
			data["ExpiresAt"] = sess.ExpiresAt.Format(time.RFC1123)
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = tmpl.ExecuteTemplate(w, "layout", data)
	}
}

// AppHandler renders a protected page; RequireSession runs first
func (s *Server) AppHandler() http.HandlerFunc {
	tmpl := mustParseTemplate("app.html")

	return func(w http.ResponseWriter, r *http.Request) {
		data := map[string]any{
			"AppName": s.config.GetAppName(),
			"Path":    r.URL.RequestURI(),
		}
		if sess := s.coordinator.Session(); sess != nil {
			data["Principal"] = displayName(sess.StringClaim("name"), sess.PrincipalID)
			data["Groups"] = sess.StringsClaim("groups")
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = tmpl.ExecuteTemplate(w, "layout", data)
	}
}

func displayName(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
