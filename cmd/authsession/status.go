package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/jrsteele09/go-auth-session/internal/config"
	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/spf13/cobra"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted session",
		Long:  `status reads the session store directly; it exits with code 3 when no live session exists.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.config()
			store, err := newSessionRepo(cfg)
			if err != nil {
				return err
			}

			s, err := store.Load(cmd.Context())
			if err != nil && !errors.Is(err, autherrors.ErrSessionNotFound) {
				return err
			}
			if !renderStatus(cmd.OutOrStdout(), s, storeDescription(cfg), time.Now()) {
				return errUnauthenticated
			}
			return nil
		},
	}
}

func storeDescription(cfg config.SessionConfig) string {
	switch cfg.GetStoreKind() {
	case config.StoreFile:
		return "file " + cfg.GetStorePath()
	case config.StoreRedis:
		return "redis " + cfg.GetRedisAddr() + " " + cfg.GetRedisKey()
	default:
		return cfg.GetStoreKind()
	}
}

// renderStatus prints the session table and reports whether the session is live at now
func renderStatus(w io.Writer, s *sessions.Session, store string, now time.Time) bool {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 1, Colors: text.Colors{text.Bold}}})

	live := s.ValidAt(now)
	switch {
	case s == nil:
		t.AppendRow(table.Row{"Status", text.FgYellow.Sprint("Not authenticated")})
	case !live:
		t.AppendRow(table.Row{"Status", text.FgRed.Sprint("Expired")})
	default:
		t.AppendRow(table.Row{"Status", text.FgGreen.Sprint("Authenticated")})
	}

	if s != nil {
		t.AppendRow(table.Row{"Principal", s.PrincipalID})
		if email := s.StringClaim("email"); email != "" {
			t.AppendRow(table.Row{"Email", email})
		}
		t.AppendRow(table.Row{"Expires", fmt.Sprintf("%s (%s)", s.ExpiresAt.Format(time.RFC3339), remaining(s.ExpiresAt, now))})
		if s.RefreshMaterial != "" {
			t.AppendRow(table.Row{"Renewal", text.FgGreen.Sprint("Available")})
		} else {
			t.AppendRow(table.Row{"Renewal", text.FgYellow.Sprint("Not available (sign in again on expiry)")})
		}
		t.AppendRow(table.Row{"Signed in", s.CreatedAt.Format(time.RFC3339)})
	}
	t.AppendRow(table.Row{"Store", store})
	t.Render()
	return live
}

func remaining(expiresAt, now time.Time) string {
	d := expiresAt.Sub(now).Round(time.Second)
	if d <= 0 {
		return "expired " + (-d).String() + " ago"
	}
	return "in " + d.String()
}
