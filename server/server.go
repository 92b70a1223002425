package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-auth-session/coordinator"
	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/server/pendingredirect"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/rs/zerolog/log"
)

// SessionCoordinator is the part of the coordinator the HTTP surface drives.
// *coordinator.Coordinator implements it.
type SessionCoordinator interface {
	IsAuthenticated() bool
	AccessToken() (string, bool)
	Session() *sessions.Session
	BeginLogin(ctx context.Context) (string, error)
	BeginSilentRenew(ctx context.Context) (string, error)
	ProcessCallback(ctx context.Context, guard *coordinator.CallbackGuard, p coordinator.CallbackParams) coordinator.CallbackResult
	CompleteSilentRenew(ctx context.Context, p coordinator.CallbackParams) (*sessions.Session, error)
	BeginLogout(ctx context.Context) (string, error)
}

type Server struct {
	env         string // Environment (e.g., "DEV", "PROD")
	mux         *http.ServeMux
	routes      []string
	config      config.Config
	coordinator SessionCoordinator
	pending     pendingredirect.Repo
}

func New(config config.Config, coord SessionCoordinator, pending pendingredirect.Repo) (*Server, error) {
	if coord == nil || pending == nil {
		return nil, errors.New("[Server New] coordinator and pending redirect repo are required")
	}

	s := &Server{
		mux:         http.NewServeMux(),
		config:      config,
		coordinator: coord,
		pending:     pending,
	}
	s.env = config.GetEnv()

	s.initRoutes()
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

// Routes lists the registered patterns in registration order
func (s *Server) Routes() []string {
	return append([]string(nil), s.routes...)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return
	}
	for _, route := range s.routes {
		method, path, found := strings.Cut(route, " ")
		if !found {
			method, path = "", route
		}
		log.Debug().Msgf("[%s] %s", colourMethod(method), path)
	}
}
