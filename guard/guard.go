// Package guard decides whether a protected target may be shown. It only reads
// session state and never talks to the identity provider.
package guard

import "github.com/rs/zerolog/log"

// LoginRoute is where denied requests are sent
const LoginRoute = "/login"

// SessionView is the read side of the session coordinator
type SessionView interface {
	IsAuthenticated() bool
}

// Writer receives the destination to return to after login
type Writer interface {
	Save(destination string) error
}

// Decision is the outcome for one protected target
type Decision struct {
	Allow      bool
	RedirectTo string
}

// Decide allows the target while a session is live. Otherwise it remembers target
// as the return destination and asks for a redirect to the login route.
func Decide(view SessionView, target string, pending Writer) Decision {
	if view != nil && view.IsAuthenticated() {
		return Decision{Allow: true}
	}
	if pending != nil {
		if err := pending.Save(target); err != nil {
			log.Warn().Err(err).Msg("saving return destination")
		}
	}
	return Decision{RedirectTo: LoginRoute}
}
