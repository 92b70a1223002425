package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/jrsteele09/go-auth-session/coordinator"
	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/server"
	"github.com/pkg/browser"
	"github.com/spf13/cobra"
)

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var noBrowser bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in through the browser, then exit",
		Long: `login starts the agent, opens the browser at its sign-in route and exits as
soon as a session has been established. The session stays in the configured
store for a later 'serve' or for 'status'.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.config()
			out := cmd.OutOrStdout()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, cfg.GetAuthFlowTimeout())
			defer cancel()

			var signedIn atomic.Bool
			err := run(ctx, cfg, func(a *agent) {
				if s := a.coord.Session(); s != nil && a.coord.IsAuthenticated() {
					fmt.Fprintf(out, "Already signed in as %s\n", s.PrincipalID)
					signedIn.Store(true)
					cancel()
					return
				}
				a.coord.Subscribe(func(e coordinator.Event) {
					// a login for the principal already signed in arrives as a refresh
					if e.Type != coordinator.EventLoaded && e.Type != coordinator.EventRefreshed {
						return
					}
					fmt.Fprintf(out, "Signed in as %s\n", e.Session.PrincipalID)
					signedIn.Store(true)
					cancel()
				})
				openLogin(out, cfg.GetBaseURL()+server.RouteLogin, noBrowser)
			})
			if err != nil {
				return err
			}
			if !signedIn.Load() {
				return autherrors.Wrapf(errUnauthenticated, "login did not complete")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "print the sign-in url instead of opening a browser")
	return cmd
}

func openLogin(out io.Writer, loginURL string, noBrowser bool) {
	if !noBrowser {
		browser.Stdout = io.Discard
		if err := browser.OpenURL(loginURL); err == nil {
			fmt.Fprintf(out, "Opened %s in your browser\n", loginURL)
			return
		}
	}
	fmt.Fprintf(out, "Open %s in your browser to sign in\n", loginURL)
}
