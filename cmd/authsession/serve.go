package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session agent until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.config()
			displayAppname(cfg.GetAppName())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, nil)
		},
	}
}

// run serves the agent until ctx ends. onReady, when set, is called once the
// listener is accepting connections.
func run(ctx context.Context, cfg config.Config, onReady func(*agent)) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	a, err := newAgent(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	a.watchStore(ctx)

	ln, err := net.Listen("tcp", cfg.GetPort())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.GetPort(), err)
	}
	httpServer := &http.Server{Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() { serveErr <- listenAndServe(httpServer, ln) }()
	log.Info().Str("addr", ln.Addr().String()).Str("base_url", cfg.GetBaseURL()).Msg("session agent listening")

	if onReady != nil {
		onReady(a)
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return err
	}
	return shutdown(httpServer)
}

func listenAndServe(server *http.Server, ln net.Listener) error {
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Serve %w", err)
	}
	return nil
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	log.Info().Msg("session agent stopped")
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
