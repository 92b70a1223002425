package config

import (
	"strings"

	"github.com/spf13/viper"
)

const (
	portKey     = "port"
	appNameKey  = "app_name"
	baseURLKey  = "base_url"
	logLevelKey = "log_level"
	envKey      = "env"
)

type EnvVars struct {
	v *viper.Viper
}

var _ EnvConfig = EnvVars{}

func (e EnvVars) GetPort() string {
	port := e.v.GetString(portKey)
	if port != "" && port[0] != ':' {
		port = ":" + port
	}
	return port
}

func (e EnvVars) GetAppName() string {
	return e.v.GetString(appNameKey)
}

// GetBaseURL returns the URL the agent is reachable at (e.g. "http://localhost:8400").
// Redirect URIs default to routes under it.
func (e EnvVars) GetBaseURL() string {
	return strings.TrimRight(e.v.GetString(baseURLKey), "/")
}

func (e EnvVars) GetLogLevel() string {
	return e.v.GetString(logLevelKey)
}

func (e EnvVars) GetEnv() string {
	env := e.v.GetString(envKey)
	if env == "" {
		return "DEV"
	}
	return env
}
