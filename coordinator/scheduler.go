package coordinator

import (
	"context"
	"time"

	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/internal/metrics"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/rs/zerolog/log"
)

const renewTimeout = 30 * time.Second

// scheduleRenewal arms a single renewal at ExpiresAt - margin, immediately when that
// moment has passed. Callers hold writeMu.
func (c *Coordinator) scheduleRenewal(s *sessions.Session) {
	c.stopRenewal()
	if s == nil || c.closed {
		return
	}

	delay := s.ExpiresAt.Sub(c.now()) - c.settings.GetRenewalMargin()
	if delay < 0 {
		delay = 0
	}
	target := s.Clone()
	c.renewTimer = c.after(delay, func() { c.renewScheduled(target) })
	log.Debug().Dur("in", delay).Str("principal", s.PrincipalID).Msg("silent renewal scheduled")
}

// stopRenewal cancels a pending renewal. Callers hold writeMu.
func (c *Coordinator) stopRenewal() {
	if c.renewTimer != nil {
		c.renewTimer.Stop()
		c.renewTimer = nil
	}
}

func (c *Coordinator) renewScheduled(target *sessions.Session) {
	// a timer that fires after its session was replaced has nothing to do
	if !sameSession(c.Session(), target) {
		return
	}
	if target.RefreshMaterial == "" {
		c.requireSilentRenew(target)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), renewTimeout)
	defer cancel()

	if _, err := c.Renew(ctx); err != nil {
		log.Warn().Err(err).Msg("scheduled silent renewal failed")
	}
}

// requireSilentRenew announces that target can only be renewed through a prompt=none
// round trip and arms its removal at ExpiresAt. A session committed in the meantime
// replaces the timer.
func (c *Coordinator) requireSilentRenew(target *sessions.Session) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed || !sameSession(c.Session(), target) {
		return
	}

	c.stopRenewal()
	delay := max(target.ExpiresAt.Sub(c.now()), 0)
	c.renewTimer = c.after(delay, func() { c.expireUnrenewed(target) })
	log.Info().Str("principal", target.PrincipalID).Dur("expires_in", delay).Msg("silent code-flow renewal required")
	c.dispatch(Event{Type: EventRenewalRequired, Session: target, Err: &autherrors.RenewalError{Err: autherrors.ErrSilentRenewDue}})
}

func (c *Coordinator) expireUnrenewed(target *sessions.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), renewTimeout)
	defer cancel()
	if err := c.failRenewal(ctx, target, autherrors.ErrSilentRenewDue); err != nil {
		log.Warn().Err(err).Msg("session expired without renewal")
	}
}

// Renew performs a refresh exchange for the current session now. Concurrent callers
// share one exchange. Failure drops the session and is never retried.
func (c *Coordinator) Renew(ctx context.Context) (*sessions.Session, error) {
	v, err, _ := c.renewGroup.Do("renew", func() (any, error) {
		return c.renew(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*sessions.Session).Clone(), nil
}

func (c *Coordinator) renew(ctx context.Context) (*sessions.Session, error) {
	current := c.Session()
	if current == nil {
		return nil, &autherrors.RenewalError{Err: autherrors.ErrSessionNotFound}
	}
	if current.RefreshMaterial == "" {
		// the session stays usable until it expires
		return nil, &autherrors.RenewalError{Err: autherrors.ErrSilentRenewDue}
	}

	ts, err := c.client.ExchangeRefresh(ctx, current.RefreshMaterial)
	if err != nil {
		return nil, c.failRenewal(ctx, current, err)
	}

	next := c.sessionFromTokens(ctx, ts, current)
	typ := EventRefreshed
	if next.PrincipalID != current.PrincipalID {
		typ = EventLoaded
	}
	ok, err := c.commit(ctx, current, next, typ)
	if err != nil {
		return nil, c.failRenewal(ctx, current, err)
	}
	if !ok {
		// logged out or replaced while the exchange was in flight
		metrics.RenewalsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return nil, &autherrors.RenewalError{Err: autherrors.ErrSessionNotFound}
	}
	metrics.RenewalsTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	log.Info().Str("principal", next.PrincipalID).Time("expires_at", next.ExpiresAt).Msg("session renewed")
	return next, nil
}

// failRenewal degrades the session that was being renewed to absent
func (c *Coordinator) failRenewal(ctx context.Context, renewing *sessions.Session, cause error) error {
	renewErr := &autherrors.RenewalError{Err: cause}
	metrics.RenewalsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
	if renewing == nil {
		return renewErr
	}
	if err := c.clear(ctx, renewing, renewErr); err != nil {
		log.Err(err).Msg("clearing session after failed renewal")
	}
	return renewErr
}
