package server

import (
	"html/template"
	"math"
	"net/http"

	"github.com/jrsteele09/go-auth-session/coordinator"
	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/server/pendingredirect"
	"github.com/rs/zerolog/log"
)

// ErrorPageData drives error.html
type ErrorPageData struct {
	AppName         string
	Message         string
	Destination     string
	RedirectSeconds int
}

// LoginHandler starts the authorization code round trip
func (s *Server) LoginHandler() http.HandlerFunc {
	errTmpl := mustParseTemplate("error.html")

	return func(w http.ResponseWriter, r *http.Request) {
		authURL, err := s.coordinator.BeginLogin(r.Context())
		if err != nil {
			log.Err(err).Msg("login could not start")
			s.renderError(w, errTmpl, http.StatusInternalServerError, pendingredirect.DefaultDestination, err)
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// CallbackHandler completes a login. Each request is its own page load, so each gets
// its own guard; duplicates converge through the coordinator.
func (s *Server) CallbackHandler() http.HandlerFunc {
	errTmpl := mustParseTemplate("error.html")

	return func(w http.ResponseWriter, r *http.Request) {
		res := s.coordinator.ProcessCallback(r.Context(), coordinator.NewCallbackGuard(), callbackParams(r))
		if res.Err != nil {
			s.renderError(w, errTmpl, http.StatusUnauthorized, res.Destination, res.Err)
			return
		}
		http.Redirect(w, r, res.Destination, http.StatusSeeOther)
	}
}

// SilentRenewHandler starts a prompt=none round trip, normally inside a hidden frame
func (s *Server) SilentRenewHandler() http.HandlerFunc {
	tmpl := mustParseTemplate("silent_renew.html")

	return func(w http.ResponseWriter, r *http.Request) {
		authURL, err := s.coordinator.BeginSilentRenew(r.Context())
		if err != nil {
			log.Warn().Err(err).Msg("silent renewal could not start")
			s.renderSilentOutcome(w, tmpl, http.StatusConflict, "unavailable")
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// SilentRenewCallbackHandler finishes a silent round trip out of band; it never
// navigates the user anywhere
func (s *Server) SilentRenewCallbackHandler() http.HandlerFunc {
	tmpl := mustParseTemplate("silent_renew.html")

	return func(w http.ResponseWriter, r *http.Request) {
		_, err := s.coordinator.CompleteSilentRenew(r.Context(), callbackParams(r))
		switch {
		case err == nil:
			s.renderSilentOutcome(w, tmpl, http.StatusOK, "renewed")
		case autherrors.IsCallbackConsumed(err):
			s.renderSilentOutcome(w, tmpl, http.StatusOK, "already processed")
		default:
			log.Warn().Err(err).Msg("silent renewal callback failed")
			s.renderSilentOutcome(w, tmpl, http.StatusOK, "failed")
		}
	}
}

// LogoutHandler drops the local session then sends the browser to the provider
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		endSessionURL, err := s.coordinator.BeginLogout(r.Context())
		if err != nil {
			log.Err(err).Msg("building end session url")
			http.Redirect(w, r, RouteLoggedOut, http.StatusSeeOther)
			return
		}
		http.Redirect(w, r, endSessionURL, http.StatusFound)
	}
}

// LoggedOutHandler is where the provider sends the browser after end-session
func (s *Server) LoggedOutHandler() http.HandlerFunc {
	tmpl := mustParseTemplate("logged_out.html")

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = tmpl.ExecuteTemplate(w, "layout", map[string]any{"AppName": s.config.GetAppName()})
	}
}

// callbackParams reads query parameters and form_post bodies alike
func callbackParams(r *http.Request) coordinator.CallbackParams {
	return coordinator.CallbackParams{
		Code:             r.FormValue("code"),
		State:            r.FormValue("state"),
		Error:            r.FormValue("error"),
		ErrorDescription: r.FormValue("error_description"),
	}
}

func (s *Server) renderError(w http.ResponseWriter, tmpl *template.Template, status int, destination string, err error) {
	data := ErrorPageData{
		AppName:         s.config.GetAppName(),
		Message:         userMessage(err),
		Destination:     pendingredirect.SanitizeDestination(destination),
		RedirectSeconds: int(math.Ceil(s.config.GetErrorDisplayInterval().Seconds())),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.ExecuteTemplate(w, "layout", data); err != nil {
		log.Err(err).Msg("rendering error page")
	}
}

func (s *Server) renderSilentOutcome(w http.ResponseWriter, tmpl *template.Template, status int, outcome string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = tmpl.ExecuteTemplate(w, "layout", map[string]any{
		"AppName": s.config.GetAppName(),
		"Outcome": outcome,
	})
}

// userMessage turns a classified failure into text for the error page. Provider
// error descriptions are not shown.
func userMessage(err error) string {
	var exErr *autherrors.ExchangeError
	switch {
	case autherrors.IsConfiguration(err):
		return "Sign-in is not configured correctly. Please contact your administrator."
	case autherrors.As(err, &exErr) && exErr.ProviderErr == "access_denied":
		return "Sign-in was cancelled or denied."
	case autherrors.As(err, &exErr) && exErr.ProviderErr != "":
		return "The identity provider rejected the sign-in (" + exErr.ProviderErr + ")."
	default:
		return "Sign-in could not be completed. Please try again."
	}
}
