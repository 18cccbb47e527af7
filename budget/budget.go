// Package budget tracks cumulative upstream spend against daily/monthly
// ceilings. Scope keys encode the UTC period, so rollover is implicit and
// stale periods age out via the store TTL; no reset job exists.
package budget

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"leadsearch/kv"
)

const (
	dayKeyTTL   = 48 * time.Hour
	monthKeyTTL = 40 * 24 * time.Hour
)

// Scope is a budget counter key for one period window.
type Scope struct {
	Key string
	TTL time.Duration
}

func GlobalDay(t time.Time) Scope {
	return Scope{Key: "budget:global:day:" + t.UTC().Format("2006-01-02"), TTL: dayKeyTTL}
}

func GlobalMonth(t time.Time) Scope {
	return Scope{Key: "budget:global:month:" + t.UTC().Format("2006-01"), TTL: monthKeyTTL}
}

func UserDay(userID string, t time.Time) Scope {
	return Scope{Key: "budget:user:" + userID + ":day:" + t.UTC().Format("2006-01-02"), TTL: dayKeyTTL}
}

// Ledger gates upstream calls against per-scope ceilings. Counters live in
// the shared store; when the store is unreachable the ledger degrades to
// in-process counters (fail-open for availability: each process then only
// sees its own spend, which can overrun the global ceiling; that beats
// blocking all search on a store outage, and every degradation is logged).
type Ledger struct {
	store    kv.Store
	fallback *kv.MemoryStore
	logger   *slog.Logger
}

func NewLedger(store kv.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:    store,
		fallback: kv.NewMemoryStore(),
		logger:   logger,
	}
}

// CheckAndReserve charges amount against the scope and reports whether the
// ceiling allows it. The increment is a single atomic store operation; when
// the new total exceeds the ceiling the reservation is undone and false is
// returned. ceiling <= 0 means the scope is unlimited.
func (l *Ledger) CheckAndReserve(ctx context.Context, scope Scope, amount, ceiling int64) (bool, error) {
	if ceiling <= 0 {
		return true, nil
	}
	total, err := l.store.IncrBy(ctx, scope.Key, amount, scope.TTL)
	if err != nil {
		l.logger.Warn("budget store unavailable, degrading to in-process counter",
			"scope", scope.Key, "err", err)
		total, _ = l.fallback.IncrBy(ctx, scope.Key, amount, scope.TTL)
		if total > ceiling {
			_, _ = l.fallback.IncrBy(ctx, scope.Key, -amount, scope.TTL)
			return false, nil
		}
		return true, nil
	}
	if total > ceiling {
		if _, err := l.store.IncrBy(ctx, scope.Key, -amount, scope.TTL); err != nil {
			l.logger.Warn("budget rollback failed", "scope", scope.Key, "err", err)
		}
		return false, nil
	}
	return true, nil
}

// Commit finalizes a reservation. The spend was already counted by
// CheckAndReserve; this only confirms it for bookkeeping.
func (l *Ledger) Commit(ctx context.Context, scope Scope, amount int64) {
	l.logger.Debug("budget spend committed", "scope", scope.Key, "amount", amount)
}

// Rollback undoes a reservation whose call never reached upstream.
func (l *Ledger) Rollback(ctx context.Context, scope Scope, amount int64) {
	if _, err := l.store.IncrBy(ctx, scope.Key, -amount, scope.TTL); err != nil {
		l.logger.Warn("budget store unavailable on rollback", "scope", scope.Key, "err", err)
		_, _ = l.fallback.IncrBy(ctx, scope.Key, -amount, scope.TTL)
	}
}

// Spent returns the accumulated spend for a scope, 0 when absent.
func (l *Ledger) Spent(ctx context.Context, scope Scope) int64 {
	raw, err := l.store.Get(ctx, scope.Key)
	if err != nil {
		raw, err = l.fallback.Get(ctx, scope.Key)
		if err != nil {
			return 0
		}
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
