package main

import (
	"os"
	"strings"

	"github.com/jrsteele09/go-auth-session/internal/config"
	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Exit codes for CLI commands
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
	// ExitCodeConfig means the provider or redirect settings are unusable
	ExitCodeConfig = 2
	// ExitCodeUnauthenticated is returned by status when no live session exists
	ExitCodeUnauthenticated = 3
)

// errUnauthenticated lets status report through the exit code only
var errUnauthenticated = autherrors.New("not authenticated")

const (
	configFileKey = "config"
	configFileEnv = "AUTHSESSION_CONFIG"
)

type rootOptions struct {
	v *viper.Viper
}

func newRootOptions() *rootOptions {
	v := viper.New()
	_ = v.BindEnv(configFileKey, configFileEnv)
	return &rootOptions{v: v}
}

func newRootCmd() *cobra.Command {
	opts := newRootOptions()

	root := &cobra.Command{
		Use:   "authsession",
		Short: "Local OpenID Connect session agent",
		Long: `authsession signs you in to an OpenID Connect provider through your browser,
keeps the resulting session renewed in the background and hands the access
token to local tools over http://localhost.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return opts.readConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (yaml, toml or json), also "+configFileEnv)
	flags.String("issuer", "", "OpenID Connect issuer url")
	flags.String("client-id", "", "OAuth2 client id")
	flags.String("store", "", "session store: memory, file or redis")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	_ = opts.v.BindPFlag(configFileKey, flags.Lookup("config"))
	_ = opts.v.BindPFlag("oidc.issuer", flags.Lookup("issuer"))
	_ = opts.v.BindPFlag("oidc.client_id", flags.Lookup("client-id"))
	_ = opts.v.BindPFlag("session.store", flags.Lookup("store"))
	_ = opts.v.BindPFlag("log_level", flags.Lookup("log-level"))

	root.AddCommand(
		newServeCmd(opts),
		newLoginCmd(opts),
		newStatusCmd(opts),
		newLogoutCmd(opts),
	)
	return root
}

// readConfig merges the config file named by --config or AUTHSESSION_CONFIG, if any
func (o *rootOptions) readConfig() error {
	file := o.v.GetString(configFileKey)
	if file == "" {
		return nil
	}
	o.v.SetConfigFile(file)
	if err := o.v.ReadInConfig(); err != nil {
		return autherrors.NewConfigurationError(err, "reading "+file)
	}
	return nil
}

// config builds the Config once flags and the config file are bound, and applies
// the logging settings
func (o *rootOptions) config() config.Config {
	cfg := config.New(o.v)
	setupLogging(cfg)
	return cfg
}

func setupLogging(cfg config.EnvConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.GetLogLevel()))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.GetEnv() == "DEV" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}

// exitCode maps an error to a semantic exit code for scripts
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitCodeSuccess
	case autherrors.Is(err, errUnauthenticated):
		return ExitCodeUnauthenticated
	case autherrors.IsConfiguration(err):
		log.Error().Err(err).Msg("configuration")
		return ExitCodeConfig
	default:
		log.Error().Err(err).Msg("authsession")
		return ExitCodeError
	}
}
