package server

import (
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) initRoutes() {
	s.RegisterRouteHandler("GET "+RouteIndex+"{$}", ChainMiddleware(s.IndexHandler(), s.HTMLMiddleWare()...))

	// LOGIN
	s.RegisterRouteHandler("GET "+RouteLogin, ChainMiddleware(s.LoginHandler(), s.HTMLMiddleWare()...))
	s.RegisterRouteHandler("GET "+RouteCallback, ChainMiddleware(s.CallbackHandler(), s.HTMLMiddleWare()...))
	s.RegisterRouteHandler("POST "+RouteCallback, ChainMiddleware(s.CallbackHandler(), s.HTMLMiddleWare()...)) // For form_post response mode

	// SILENT RENEWAL
	s.RegisterRouteHandler("GET "+RouteSilentRenew, ChainMiddleware(s.SilentRenewHandler(), s.HTMLMiddleWare()...))
	s.RegisterRouteHandler("GET "+RouteSilentRenewCallback, ChainMiddleware(s.SilentRenewCallbackHandler(), s.HTMLMiddleWare()...))
	s.RegisterRouteHandler("POST "+RouteSilentRenewCallback, ChainMiddleware(s.SilentRenewCallbackHandler(), s.HTMLMiddleWare()...))

	// LOGOUT
	s.RegisterRouteHandler("GET "+RouteLogout, ChainMiddleware(s.LogoutHandler(), s.HTMLMiddleWare()...))
	s.RegisterRouteHandler("GET "+RouteLoggedOut, ChainMiddleware(s.LoggedOutHandler(), s.HTMLMiddleWare()...))

	// Protected pages
	s.RegisterRouteHandler("GET "+RouteApp, ChainMiddleware(s.AppHandler(), s.HTMLMiddleWare(s.RequireSession())...))

	// API routes
	s.RegisterRouteHandler("GET "+RouteAPISession, ChainMiddleware(s.SessionHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("OPTIONS "+RouteAPISession, ChainMiddleware(s.SessionHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteAPIToken, ChainMiddleware(s.TokenHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("OPTIONS "+RouteAPIToken, ChainMiddleware(s.TokenHandler(), s.APIMiddleware()...))

	s.RegisterRouteHandler("GET "+RouteMetrics, promhttp.Handler())
}
