package main

import (
	"fmt"

	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/server"
	"github.com/pkg/browser"
	"github.com/spf13/cobra"
)

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	var viaAgent bool

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove the persisted session",
		Long: `logout clears the session store. A running agent sharing the store notices and
drops its session too. With --browser the running agent's logout route is opened
instead, which also ends the session at the identity provider.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.config()
			out := cmd.OutOrStdout()

			if viaAgent {
				logoutURL := cfg.GetBaseURL() + server.RouteLogout
				browser.Stdout = out
				return browser.OpenURL(logoutURL)
			}

			if cfg.GetStoreKind() == config.StoreMemory {
				fmt.Fprintln(out, "The memory store lives inside the running agent; use --browser to sign it out")
				return nil
			}
			store, err := newSessionRepo(cfg)
			if err != nil {
				return err
			}
			if err := store.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(out, "Signed out (%s)\n", storeDescription(cfg))
			return nil
		},
	}
	cmd.Flags().BoolVar(&viaAgent, "browser", false, "sign out through the running agent, including at the identity provider")
	return cmd
}
