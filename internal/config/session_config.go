package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	storeKindKey       = "session.store"
	storePathKey       = "session.path"
	storeSecretKey     = "session.key"
	redisAddrKey       = "session.redis_addr"
	redisKeyKey        = "session.redis_key"
	renewalMarginKey   = "session.renewal_margin"
	recheckDelayKey    = "session.callback_recheck_delay"
	errorDisplayKey    = "session.error_display_interval"
	tokenLifetimeKey   = "session.default_token_lifetime"
	authFlowTimeoutKey = "session.auth_flow_timeout"
)

// Session store kinds
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

type SessionConfig interface {
	GetStoreKind() string
	GetStorePath() string
	GetStoreKey() string
	GetRedisAddr() string
	GetRedisKey() string
	GetRenewalMargin() time.Duration
	GetCallbackRecheckDelay() time.Duration
	GetErrorDisplayInterval() time.Duration
	GetDefaultTokenLifetime() time.Duration
	GetAuthFlowTimeout() time.Duration
}

type Session struct {
	v *viper.Viper
}

var _ SessionConfig = Session{}

func (s Session) GetStoreKind() string { return s.v.GetString(storeKindKey) }
func (s Session) GetStorePath() string { return s.v.GetString(storePathKey) }

// GetStoreKey returns the secret the file store seals sessions with. Empty leaves the
// file in plain JSON.
func (s Session) GetStoreKey() string { return s.v.GetString(storeSecretKey) }

func (s Session) GetRedisAddr() string { return s.v.GetString(redisAddrKey) }
func (s Session) GetRedisKey() string  { return s.v.GetString(redisKeyKey) }

// GetRenewalMargin is how long before expiry silent renewal runs.
func (s Session) GetRenewalMargin() time.Duration { return s.v.GetDuration(renewalMarginKey) }

// GetCallbackRecheckDelay bounds the single wait a duplicated callback performs before
// re-checking the session.
func (s Session) GetCallbackRecheckDelay() time.Duration { return s.v.GetDuration(recheckDelayKey) }

func (s Session) GetErrorDisplayInterval() time.Duration { return s.v.GetDuration(errorDisplayKey) }

func (s Session) GetDefaultTokenLifetime() time.Duration { return s.v.GetDuration(tokenLifetimeKey) }

func (s Session) GetAuthFlowTimeout() time.Duration { return s.v.GetDuration(authFlowTimeoutKey) }
