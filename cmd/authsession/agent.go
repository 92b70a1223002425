package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jrsteele09/go-auth-session/coordinator"
	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/oidcclient"
	"github.com/jrsteele09/go-auth-session/server"
	"github.com/jrsteele09/go-auth-session/server/authflowrepo"
	"github.com/jrsteele09/go-auth-session/server/pendingredirect"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/rs/zerolog/log"
)

// agent is one running session agent: coordinator, store and HTTP surface
type agent struct {
	cfg     config.Config
	store   sessions.Repo
	coord   *coordinator.Coordinator
	handler http.Handler
}

// newSessionRepo opens the configured session store
func newSessionRepo(cfg config.SessionConfig) (sessions.Repo, error) {
	switch cfg.GetStoreKind() {
	case config.StoreMemory:
		return sessions.NewInMemoryRepo(), nil
	case config.StoreFile:
		return sessions.NewFileRepo(cfg.GetStorePath(), cfg.GetStoreKey())
	case config.StoreRedis:
		return sessions.NewRedisRepo(sessions.NewRedisClient(cfg.GetRedisAddr()), cfg.GetRedisKey()), nil
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.GetStoreKind())
	}
}

func newAgent(ctx context.Context, cfg config.Config) (*agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := newSessionRepo(cfg)
	if err != nil {
		return nil, fmt.Errorf("[agent] opening session store: %w", err)
	}

	client, err := oidcclient.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pending := pendingredirect.NewInMemoryRepo()
	coord, err := coordinator.New(ctx, coordinator.Deps{
		Client:   client,
		Sessions: store,
		Flows:    authflowrepo.NewInMemoryRepo(),
		Pending:  pending,
		Settings: cfg,
	})
	if err != nil {
		return nil, err
	}

	renewURL := cfg.GetBaseURL() + server.RouteSilentRenew
	coord.Subscribe(func(e coordinator.Event) {
		if e.Type == coordinator.EventRenewalRequired {
			log.Warn().Str("principal", e.Session.PrincipalID).Time("expires_at", e.Session.ExpiresAt).
				Str("url", renewURL).Msg("session cannot be refreshed, open the silent renew url before it expires")
		}
	})

	srv, err := server.New(cfg, coord, pending)
	if err != nil {
		coord.Close()
		return nil, err
	}

	return &agent{cfg: cfg, store: store, coord: coord, handler: srv}, nil
}

// watchStore feeds changes other processes make to the store back into the
// coordinator until ctx ends. Stores that cannot be watched are left alone.
func (a *agent) watchStore(ctx context.Context) {
	w, ok := a.store.(sessions.Watcher)
	if !ok {
		return
	}
	err := w.Watch(ctx, func() {
		if err := a.coord.Reload(ctx); err != nil {
			log.Warn().Err(err).Msg("reloading session after store change")
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("session store is not watched, external logouts go unnoticed")
	}
}

func (a *agent) close() {
	a.coord.Close()
}
