package errors

import (
	"errors"
	"fmt"
)

// Common error values for the session agent
var (
	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionInvalid  = errors.New("session incomplete")

	// Redirect round trip errors
	ErrStateNotFound    = errors.New("state not found")
	ErrMissingCallback  = errors.New("missing code or state parameter")
	ErrNonceMismatch    = errors.New("nonce mismatch")
	ErrNoIDToken        = errors.New("no id_token in token response")
	ErrNoRefreshToken   = errors.New("no refresh material")
	ErrSilentRenewalOff = errors.New("silent renewal disabled")
	ErrSilentRenewDue   = errors.New("no refresh material, silent code-flow renewal required")

	// General errors
	ErrNotFound    = errors.New("not found")
	ErrInternal    = errors.New("internal error")
	ErrUnsupported = errors.New("unsupported operation")
)

// ConfigurationError reports malformed or missing provider/redirect settings.
// It is always raised before any navigation happens.
type ConfigurationError struct {
	Problems []string
	Err      error
}

func (e *ConfigurationError) Error() string {
	msg := "configuration error"
	for i, p := range e.Problems {
		if i == 0 {
			msg += ": " + p
			continue
		}
		msg += "; " + p
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError builds a ConfigurationError from one or more problems.
func NewConfigurationError(err error, problems ...string) *ConfigurationError {
	return &ConfigurationError{Problems: problems, Err: err}
}

// ExchangeError reports a rejected code or refresh exchange: expired code, network
// failure, state/nonce mismatch or a provider error response.
type ExchangeError struct {
	Op          string // "authorization_code", "refresh_token", "callback"
	ProviderErr string // OAuth2 error code when the provider supplied one
	Err         error
}

func (e *ExchangeError) Error() string {
	msg := "exchange failed"
	if e.Op != "" {
		msg = e.Op + " " + msg
	}
	if e.ProviderErr != "" {
		msg += " (" + e.ProviderErr + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// CallbackAlreadyConsumedError reports that a code/state pair, or a piece of refresh
// material, was already sent to the provider once.
type CallbackAlreadyConsumedError struct {
	State string
}

func (e *CallbackAlreadyConsumedError) Error() string {
	if e.State == "" {
		return "callback already consumed"
	}
	return fmt.Sprintf("callback already consumed (state %q)", e.State)
}

// RenewalError reports a failed silent renewal. The session is dropped when it occurs.
type RenewalError struct {
	Err error
}

func (e *RenewalError) Error() string {
	if e.Err == nil {
		return "silent renewal failed"
	}
	return "silent renewal failed: " + e.Err.Error()
}

func (e *RenewalError) Unwrap() error { return e.Err }

// IsCallbackConsumed reports whether err carries a CallbackAlreadyConsumedError
func IsCallbackConsumed(err error) bool {
	var consumed *CallbackAlreadyConsumedError
	return errors.As(err, &consumed)
}

// IsConfiguration reports whether err carries a ConfigurationError
func IsConfiguration(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New is errors.New, re-exported so callers need a single import
func New(text string) error {
	return errors.New(text)
}
