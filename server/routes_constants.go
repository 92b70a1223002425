package server

import (
	"github.com/jrsteele09/go-auth-session/guard"
	"github.com/jrsteele09/go-auth-session/internal/config"
)

// Route path constants
const (
	RouteIndex = "/"

	// Redirect round trips
	RouteLogin               = guard.LoginRoute
	RouteCallback            = config.RouteCallback
	RouteSilentRenew         = "/silent-renew"
	RouteSilentRenewCallback = config.RouteSilentRenewCallback
	RouteLogout              = "/logout"
	RouteLoggedOut           = config.RouteLoggedOut

	// Protected pages, gated by the access guard
	RouteAppPrefix = "/app/"
	RouteApp       = RouteAppPrefix + "{path...}"

	// API Routes
	RouteAPISession = "/api/session"
	RouteAPIToken   = "/api/token"
	RouteMetrics    = "/metrics"
)
