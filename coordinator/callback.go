package coordinator

import (
	"context"
	"sync/atomic"
	"time"

	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/internal/metrics"
	"github.com/jrsteele09/go-auth-session/server/pendingredirect"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/rs/zerolog/log"
)

// CallbackGuard is a single-use latch for one page load of a callback route. Only the
// first Arm succeeds.
type CallbackGuard struct {
	armed atomic.Bool
}

// NewCallbackGuard returns an unarmed guard
func NewCallbackGuard() *CallbackGuard {
	return &CallbackGuard{}
}

// Arm moves the guard from unarmed to armed and reports whether this call did it
func (g *CallbackGuard) Arm() bool {
	return g.armed.CompareAndSwap(false, true)
}

// Armed reports whether the guard has been armed
func (g *CallbackGuard) Armed() bool {
	return g.armed.Load()
}

// CallbackResult is where a processed login callback leads
type CallbackResult struct {
	Destination string
	Session     *sessions.Session
	Recovered   bool  // a duplicate invocation that found the first one's session
	Err         error // terminal failure; Destination is then the default
}

// ProcessCallback runs a login callback exactly once per guard. The first holder of
// the guard exchanges the code; anyone arriving after it, or whose exchange reports
// the code as already consumed, gets the outcome the first exchange for that state
// recorded. Every invocation for one state is sent to the same destination.
func (c *Coordinator) ProcessCallback(ctx context.Context, guard *CallbackGuard, p CallbackParams) CallbackResult {
	if !guard.Arm() {
		return c.recoverCallback(ctx, p.State, &autherrors.CallbackAlreadyConsumedError{State: p.State})
	}

	sess, err := c.CompleteLogin(ctx, p)
	switch {
	case err == nil:
		metrics.CallbackOutcomes.WithLabelValues(metrics.OutcomeSuccess).Inc()
		return CallbackResult{Destination: c.destinationFor(p.State), Session: sess}
	case autherrors.IsCallbackConsumed(err):
		return c.recoverCallback(ctx, p.State, err)
	default:
		c.recordFailure(p.State, err)
		metrics.CallbackOutcomes.WithLabelValues(metrics.OutcomeFailed).Inc()
		log.Warn().Err(err).Msg("login callback failed")
		return CallbackResult{Destination: pendingredirect.DefaultDestination, Err: err}
	}
}

// callbackOutcome is what the first invocation for a state ended with
type callbackOutcome struct {
	destination string
	err         error
}

// recoverCallback waits, bounded by the recheck delay, for the first invocation of
// state to record its outcome and then mirrors it. A session alone is not enough:
// it may predate this redirect.
func (c *Coordinator) recoverCallback(ctx context.Context, state string, cause error) CallbackResult {
	out, ok := c.awaitOutcome(ctx, state)
	switch {
	case ok && out.err == nil && c.IsAuthenticated():
		metrics.CallbackOutcomes.WithLabelValues(metrics.OutcomeRecovered).Inc()
		log.Debug().Msg("duplicate login callback resolved by the first invocation")
		return CallbackResult{Destination: out.destination, Session: c.Session(), Recovered: true}
	case ok && out.err != nil:
		cause = out.err
	}

	metrics.CallbackOutcomes.WithLabelValues(metrics.OutcomeFailed).Inc()
	log.Warn().Err(cause).Msg("duplicate login callback without a successful first invocation")
	return CallbackResult{
		Destination: pendingredirect.DefaultDestination,
		Err:         &autherrors.ExchangeError{Op: "callback", Err: cause},
	}
}

func (c *Coordinator) awaitOutcome(ctx context.Context, state string) (callbackOutcome, bool) {
	timer := time.NewTimer(c.settings.GetCallbackRecheckDelay())
	defer timer.Stop()
	for {
		out, ok, changed := c.lookupOutcome(state)
		if ok {
			return out, true
		}
		select {
		case <-changed:
		case <-timer.C:
			out, ok, _ = c.lookupOutcome(state)
			return out, ok
		case <-ctx.Done():
			return callbackOutcome{}, false
		}
	}
}

// lookupOutcome also returns a channel closed by the next recorded outcome
func (c *Coordinator) lookupOutcome(state string) (callbackOutcome, bool, <-chan struct{}) {
	c.outcomesMu.Lock()
	defer c.outcomesMu.Unlock()
	out, ok := c.outcomes.Get(state)
	return out, ok, c.outcomeRecorded
}

// record stores out for state and wakes every waiter. Callers hold outcomesMu.
func (c *Coordinator) record(state string, out callbackOutcome) {
	if state == "" {
		return
	}
	c.outcomes.Add(state, out)
	close(c.outcomeRecorded)
	c.outcomeRecorded = make(chan struct{})
}

func (c *Coordinator) recordFailure(state string, err error) {
	c.outcomesMu.Lock()
	defer c.outcomesMu.Unlock()
	if _, ok := c.outcomes.Get(state); !ok {
		c.record(state, callbackOutcome{destination: pendingredirect.DefaultDestination, err: err})
	}
}

// destinationFor takes the Pending Redirect Context the first time a state succeeds
// and hands the same answer to every later invocation for that state.
func (c *Coordinator) destinationFor(state string) string {
	c.outcomesMu.Lock()
	defer c.outcomesMu.Unlock()

	if out, ok := c.outcomes.Get(state); ok && out.err == nil {
		return out.destination
	}
	dest, ok := c.pending.Take()
	if !ok {
		dest = pendingredirect.DefaultDestination
	}
	c.record(state, callbackOutcome{destination: dest})
	return dest
}
