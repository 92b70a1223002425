package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/spf13/viper"
)

const envPrefix = "AUTHSESSION"

type Config interface {
	EnvConfig
	CorsConfig
	OIDCConfig
	SessionConfig
	Validate() error
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetBaseURL() string
	GetLogLevel() string
	GetEnv() string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

type mainConfig struct {
	EnvVars
	Cors
	OIDC
	Session
}

// New builds a Config over v. A nil v uses a fresh viper instance reading
// AUTHSESSION_* environment variables.
func New(v *viper.Viper) Config {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return mainConfig{
		EnvVars: EnvVars{v: v},
		Cors:    Cors{v: v},
		OIDC:    OIDC{v: v},
		Session: Session{v: v},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(portKey, "8400")
	v.SetDefault(appNameKey, "Go Auth Session")
	v.SetDefault(baseURLKey, "http://localhost:8400")
	v.SetDefault(logLevelKey, "info")
	v.SetDefault(envKey, "DEV")

	v.SetDefault(scopesKey, []string{oidc.ScopeOpenID, "profile", "email", oidc.ScopeOfflineAccess})
	v.SetDefault(usePKCEKey, true)
	v.SetDefault(silentRenewKey, true)
	v.SetDefault(loadUserInfoKey, false)
	v.SetDefault(skipVerifyKey, false)

	v.SetDefault(storeKindKey, StoreFile)
	v.SetDefault(storePathKey, "./data/session.json")
	v.SetDefault(redisAddrKey, "localhost:6379")
	v.SetDefault(redisKeyKey, "authsession:session")
	v.SetDefault(renewalMarginKey, "60s")
	v.SetDefault(recheckDelayKey, "2s")
	v.SetDefault(errorDisplayKey, "5s")
	v.SetDefault(tokenLifetimeKey, "1h")
	v.SetDefault(authFlowTimeoutKey, "15m")
}

// Validate checks every provider and redirect setting, returning a single
// ConfigurationError that lists all problems found.
func (c mainConfig) Validate() error {
	var problems []string

	if err := checkAbsoluteURL(c.GetIssuerURL()); err != nil {
		problems = append(problems, "issuer url "+err.Error())
	}
	if c.GetClientID() == "" {
		problems = append(problems, "client id is required")
	}
	redirects := map[string]string{
		"login redirect uri":       c.GetRedirectURI(),
		"post-logout redirect uri": c.GetPostLogoutRedirectURI(),
	}
	if c.GetSilentRenewEnabled() {
		redirects["silent-renew redirect uri"] = c.GetSilentRedirectURI()
	}
	for name, raw := range redirects {
		if err := checkAbsoluteURL(raw); err != nil {
			problems = append(problems, name+" "+err.Error())
		}
	}
	if !slices.Contains(c.GetScopes(), oidc.ScopeOpenID) {
		problems = append(problems, "scopes must include openid")
	}
	if c.GetRenewalMargin() < 0 {
		problems = append(problems, "renewal margin must not be negative")
	}
	if c.GetDefaultTokenLifetime() <= 0 {
		problems = append(problems, "default token lifetime must be positive")
	}
	switch c.GetStoreKind() {
	case StoreMemory, StoreFile, StoreRedis:
	default:
		problems = append(problems, fmt.Sprintf("unknown session store %q", c.GetStoreKind()))
	}

	if len(problems) > 0 {
		slices.Sort(problems)
		return autherrors.NewConfigurationError(nil, problems...)
	}
	return nil
}

func checkAbsoluteURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is malformed: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must be an http(s) url")
	}
	if u.Host == "" {
		return fmt.Errorf("has no host")
	}
	return nil
}
