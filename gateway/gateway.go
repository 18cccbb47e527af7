// Package gateway wraps the places provider with the spend and reliability
// gates: budget ledger, circuit breaker, inflight limiter, bounded retry.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"leadsearch/breaker"
	"leadsearch/budget"
	"leadsearch/domain"
	"leadsearch/obs"
	"leadsearch/places"
)

const breakerName = "places"

type Config struct {
	// Budget ceilings in upstream call units; 0 disables a ceiling.
	GlobalDayCeiling   int64
	GlobalMonthCeiling int64
	UserDayCeiling     int64

	// MaxInflight bounds concurrent upstream calls; InflightWait is how long
	// a caller queues for a slot before being rejected.
	MaxInflight  int
	InflightWait time.Duration

	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxInflight <= 0 {
		c.MaxInflight = 4
	}
	if c.InflightWait <= 0 {
		c.InflightWait = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 3 * time.Second
	}
	return c
}

type Gateway struct {
	client   places.Client
	ledger   *budget.Ledger
	breakers *breaker.Registry
	cfg      Config
	inflight chan struct{}
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(client places.Client, ledger *budget.Ledger, breakers *breaker.Registry, cfg Config, logger *slog.Logger) *Gateway {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		client:   client,
		ledger:   ledger,
		breakers: breakers,
		cfg:      cfg,
		inflight: make(chan struct{}, cfg.MaxInflight),
		logger:   logger,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	g.breakers.Get(breakerName).OnTransition(obs.SetBreakerState)
	return g
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SearchText issues one provider call with all gates applied. userID may be
// empty for worker-context calls with no per-user ceiling. Transient upstream
// failures are retried with exponential backoff; every attempt re-checks
// budget and breaker, so a budget exhausted or breaker opened mid-retry stops
// the loop. Spend is charged only for attempts that reached upstream.
func (g *Gateway) SearchText(ctx context.Context, query string, opts places.SearchOptions, userID string) (*places.Page, error) {
	var lastErr error
	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := g.cfg.BackoffBase << (attempt - 1)
			if delay > g.cfg.BackoffMax {
				delay = g.cfg.BackoffMax
			}
			if err := g.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		page, err := g.attempt(ctx, query, opts, userID)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !errors.Is(err, domain.ErrUpstreamTransient) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

func (g *Gateway) attempt(ctx context.Context, query string, opts places.SearchOptions, userID string) (*places.Page, error) {
	scopes, ok := g.reserve(ctx, userID)
	if !ok {
		obs.RecordUpstreamCall("budget_denied")
		return nil, fmt.Errorf("%w: upstream spend ceiling reached", domain.ErrBudgetExceeded)
	}

	br := g.breakers.Get(breakerName)
	if err := br.Allow(); err != nil {
		g.rollback(ctx, scopes)
		obs.RecordUpstreamCall("breaker_open")
		return nil, err
	}

	release, err := g.acquireInflight(ctx)
	if err != nil {
		g.rollback(ctx, scopes)
		// Slot rejection is not an upstream failure; don't poison the breaker.
		// If this call was the half-open probe, hand the probe back so the
		// next caller can take it; otherwise the breaker would wait forever
		// for an outcome that never comes.
		br.CancelProbe()
		obs.RecordUpstreamCall("inflight_rejected")
		return nil, err
	}
	defer release()

	page, err := g.client.SearchText(ctx, query, opts)
	if err != nil {
		// The call reached upstream; the cost was incurred either way.
		g.commit(ctx, scopes)
		br.Failure()
		obs.RecordUpstreamCall("error")
		return nil, err
	}
	g.commit(ctx, scopes)
	br.Success()
	obs.RecordUpstreamCall("ok")
	return page, nil
}

type reservation struct {
	scope  budget.Scope
	amount int64
}

// reserve charges one call unit against every configured scope. If any scope
// denies, prior reservations are rolled back.
func (g *Gateway) reserve(ctx context.Context, userID string) ([]reservation, bool) {
	now := g.now()
	checks := []struct {
		scope   budget.Scope
		ceiling int64
	}{
		{budget.GlobalDay(now), g.cfg.GlobalDayCeiling},
		{budget.GlobalMonth(now), g.cfg.GlobalMonthCeiling},
	}
	if userID != "" && g.cfg.UserDayCeiling > 0 {
		checks = append(checks, struct {
			scope   budget.Scope
			ceiling int64
		}{budget.UserDay(userID, now), g.cfg.UserDayCeiling})
	}

	reserved := make([]reservation, 0, len(checks))
	for _, c := range checks {
		ok, err := g.ledger.CheckAndReserve(ctx, c.scope, 1, c.ceiling)
		if err != nil {
			g.logger.Warn("budget check error", "scope", c.scope.Key, "err", err)
			continue
		}
		if !ok {
			g.rollback(ctx, reserved)
			return nil, false
		}
		if c.ceiling > 0 {
			reserved = append(reserved, reservation{scope: c.scope, amount: 1})
		}
	}
	return reserved, true
}

func (g *Gateway) commit(ctx context.Context, scopes []reservation) {
	for _, r := range scopes {
		g.ledger.Commit(ctx, r.scope, r.amount)
	}
}

func (g *Gateway) rollback(ctx context.Context, scopes []reservation) {
	for _, r := range scopes {
		g.ledger.Rollback(ctx, r.scope, r.amount)
	}
}

func (g *Gateway) acquireInflight(ctx context.Context) (func(), error) {
	t := time.NewTimer(g.cfg.InflightWait)
	defer t.Stop()
	select {
	case g.inflight <- struct{}{}:
		return func() { <-g.inflight }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, fmt.Errorf("%w: waited %s for a slot", domain.ErrInflightLimit, g.cfg.InflightWait)
	}
}
