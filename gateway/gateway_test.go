package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"leadsearch/breaker"
	"leadsearch/budget"
	"leadsearch/domain"
	"leadsearch/kv"
	"leadsearch/places"
)

type fakeClient struct {
	calls int
	fn    func(call int) (*places.Page, error)
}

func (f *fakeClient) SearchText(ctx context.Context, query string, opts places.SearchOptions) (*places.Page, error) {
	f.calls++
	return f.fn(f.calls)
}

func okPage() (*places.Page, error) {
	return &places.Page{Places: []domain.PlaceSummary{{PlaceID: "p1", Name: "A"}}}, nil
}

func newTestGateway(client places.Client, cfg Config) *Gateway {
	g := New(client, budget.NewLedger(kv.NewMemoryStore(), slog.Default()), breaker.NewRegistry(3, time.Minute), cfg, slog.Default())
	g.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return g
}

func TestBudgetGateRejectsBeforeNetwork(t *testing.T) {
	fc := &fakeClient{fn: func(int) (*places.Page, error) { return okPage() }}
	g := newTestGateway(fc, Config{GlobalDayCeiling: 2})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := g.SearchText(ctx, "coffee austin", places.SearchOptions{}, "u1"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	_, err := g.SearchText(ctx, "coffee austin", places.SearchOptions{}, "u1")
	if !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("expected budget error, got %v", err)
	}
	if fc.calls != 2 {
		t.Fatalf("blocked call must never reach upstream, calls=%d", fc.calls)
	}
}

func TestUserCeilingIndependentOfGlobal(t *testing.T) {
	fc := &fakeClient{fn: func(int) (*places.Page, error) { return okPage() }}
	g := newTestGateway(fc, Config{GlobalDayCeiling: 100, UserDayCeiling: 1})

	ctx := context.Background()
	if _, err := g.SearchText(ctx, "q", places.SearchOptions{}, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.SearchText(ctx, "q", places.SearchOptions{}, "u1"); !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("user ceiling should deny, got %v", err)
	}
	// Another user is unaffected.
	if _, err := g.SearchText(ctx, "q", places.SearchOptions{}, "u2"); err != nil {
		t.Fatal(err)
	}
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	boom := fmt.Errorf("%w: status 500", domain.ErrUpstreamTransient)
	fc := &fakeClient{fn: func(int) (*places.Page, error) { return nil, boom }}
	// MaxAttempts 1 so each SearchText is exactly one upstream attempt.
	g := newTestGateway(fc, Config{MaxAttempts: 1})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := g.SearchText(ctx, "q", places.SearchOptions{}, ""); err == nil {
			t.Fatal("expected failure")
		}
	}
	before := fc.calls
	_, err := g.SearchText(ctx, "q", places.SearchOptions{}, "")
	if !errors.Is(err, domain.ErrBreakerOpen) {
		t.Fatalf("expected breaker open, got %v", err)
	}
	if fc.calls != before {
		t.Fatal("open breaker must not let the call reach upstream")
	}
}

func TestRetryOnTransientThenSuccess(t *testing.T) {
	fc := &fakeClient{fn: func(call int) (*places.Page, error) {
		if call < 3 {
			return nil, fmt.Errorf("%w: timeout", domain.ErrUpstreamTransient)
		}
		return okPage()
	}}
	g := newTestGateway(fc, Config{MaxAttempts: 3})

	page, err := g.SearchText(context.Background(), "q", places.SearchOptions{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Places) != 1 || fc.calls != 3 {
		t.Fatalf("expected success on attempt 3, calls=%d", fc.calls)
	}
}

func TestFatalErrorNotRetried(t *testing.T) {
	fc := &fakeClient{fn: func(int) (*places.Page, error) {
		return nil, fmt.Errorf("%w: status 400", domain.ErrUpstreamFatal)
	}}
	g := newTestGateway(fc, Config{MaxAttempts: 3})

	_, err := g.SearchText(context.Background(), "q", places.SearchOptions{}, "")
	if !errors.Is(err, domain.ErrUpstreamFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if fc.calls != 1 {
		t.Fatalf("fatal errors must not be retried, calls=%d", fc.calls)
	}
}

// Failed upstream calls still consumed provider quota; the spend must stick.
// Gate rejections must not consume any.
func TestSpendChargedOnlyWhenUpstreamReached(t *testing.T) {
	boom := fmt.Errorf("%w: status 500", domain.ErrUpstreamTransient)
	fc := &fakeClient{fn: func(int) (*places.Page, error) { return nil, boom }}
	store := kv.NewMemoryStore()
	g := New(fc, budget.NewLedger(store, slog.Default()), breaker.NewRegistry(10, time.Minute), Config{GlobalDayCeiling: 100, MaxAttempts: 2}, slog.Default())
	g.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	ctx := context.Background()
	_, _ = g.SearchText(ctx, "q", places.SearchOptions{}, "")
	if spent := g.ledger.Spent(ctx, budget.GlobalDay(time.Now())); spent != 2 {
		t.Fatalf("2 failed attempts reached upstream, spent=%d want 2", spent)
	}
}

func TestBreakerRecoveryThroughGateway(t *testing.T) {
	boom := fmt.Errorf("%w: status 500", domain.ErrUpstreamTransient)
	healthy := false
	fc := &fakeClient{fn: func(int) (*places.Page, error) {
		if healthy {
			return okPage()
		}
		return nil, boom
	}}
	g := newTestGateway(fc, Config{MaxAttempts: 1})
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	br := g.breakers.Get(breakerName)
	br.SetClock(func() time.Time { return now })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := g.SearchText(ctx, "q", places.SearchOptions{}, ""); err == nil {
			t.Fatal("expected failure")
		}
	}
	before := fc.calls
	if _, err := g.SearchText(ctx, "q", places.SearchOptions{}, ""); !errors.Is(err, domain.ErrBreakerOpen) {
		t.Fatalf("expected breaker open, got %v", err)
	}
	if fc.calls != before {
		t.Fatal("open breaker must not let the call reach upstream")
	}

	// Cool-down elapses and upstream has recovered: the single probe goes
	// through and its success closes the breaker.
	now = now.Add(2 * time.Minute)
	healthy = true
	if _, err := g.SearchText(ctx, "q", places.SearchOptions{}, ""); err != nil {
		t.Fatalf("probe should succeed, got %v", err)
	}
	if fc.calls != before+1 {
		t.Fatalf("exactly one probe must reach upstream, calls=%d want %d", fc.calls, before+1)
	}
	if br.State() != breaker.StateClosed {
		t.Fatalf("state=%s after probe success, want closed", br.State())
	}
	if _, err := g.SearchText(ctx, "q", places.SearchOptions{}, ""); err != nil {
		t.Fatalf("closed breaker must admit calls, got %v", err)
	}
}

func TestBreakerReopensOnFailedProbeThroughGateway(t *testing.T) {
	boom := fmt.Errorf("%w: status 500", domain.ErrUpstreamTransient)
	fc := &fakeClient{fn: func(int) (*places.Page, error) { return nil, boom }}
	g := newTestGateway(fc, Config{MaxAttempts: 1})
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	br := g.breakers.Get(breakerName)
	br.SetClock(func() time.Time { return now })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = g.SearchText(ctx, "q", places.SearchOptions{}, "")
	}
	now = now.Add(2 * time.Minute)

	// Probe fails: breaker reopens and the next call fails fast again.
	if _, err := g.SearchText(ctx, "q", places.SearchOptions{}, ""); !errors.Is(err, domain.ErrUpstreamTransient) {
		t.Fatalf("probe should reach upstream and fail, got %v", err)
	}
	if br.State() != breaker.StateOpen {
		t.Fatalf("state=%s after failed probe, want open", br.State())
	}
	before := fc.calls
	if _, err := g.SearchText(ctx, "q", places.SearchOptions{}, ""); !errors.Is(err, domain.ErrBreakerOpen) {
		t.Fatalf("expected fail-fast after reopen, got %v", err)
	}
	if fc.calls != before {
		t.Fatal("reopened breaker must not let the call reach upstream")
	}
}

// A probe admitted by the breaker but turned away at the inflight gate never
// produced an outcome; it must be handed back or recovery deadlocks with
// every later call failing fast forever.
func TestAbandonedProbeReturnsToBreaker(t *testing.T) {
	boom := fmt.Errorf("%w: status 500", domain.ErrUpstreamTransient)
	fc := &fakeClient{fn: func(call int) (*places.Page, error) {
		if call <= 3 {
			return nil, boom
		}
		return okPage()
	}}
	g := newTestGateway(fc, Config{MaxInflight: 1, InflightWait: 20 * time.Millisecond, MaxAttempts: 1})
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	br := g.breakers.Get(breakerName)
	br.SetClock(func() time.Time { return now })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = g.SearchText(ctx, "q", places.SearchOptions{}, "")
	}
	if br.State() != breaker.StateOpen {
		t.Fatalf("state=%s, want open", br.State())
	}
	now = now.Add(2 * time.Minute)

	// Saturate the only slot so the admitted probe is rejected before it
	// can reach upstream.
	g.inflight <- struct{}{}
	if _, err := g.SearchText(ctx, "q", places.SearchOptions{}, ""); !errors.Is(err, domain.ErrInflightLimit) {
		t.Fatalf("expected inflight rejection, got %v", err)
	}
	<-g.inflight

	// The next caller inherits the probe; its success closes the breaker.
	page, err := g.SearchText(ctx, "q", places.SearchOptions{}, "")
	if err != nil {
		t.Fatalf("recovery blocked after abandoned probe: %v", err)
	}
	if len(page.Places) != 1 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if br.State() != breaker.StateClosed {
		t.Fatalf("state=%s, want closed", br.State())
	}
	if fc.calls != 4 {
		t.Fatalf("upstream calls=%d, want 4 (the abandoned probe never reached upstream)", fc.calls)
	}
}

func TestInflightLimitRejectsWhenSaturated(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	fc := &fakeClient{fn: func(int) (*places.Page, error) {
		started <- struct{}{}
		<-block
		return okPage()
	}}
	g := newTestGateway(fc, Config{MaxInflight: 1, InflightWait: 50 * time.Millisecond, MaxAttempts: 1})

	done := make(chan error, 1)
	go func() {
		_, err := g.SearchText(context.Background(), "q", places.SearchOptions{}, "")
		done <- err
	}()
	<-started

	_, err := g.SearchText(context.Background(), "q", places.SearchOptions{}, "")
	if !errors.Is(err, domain.ErrInflightLimit) {
		t.Fatalf("expected inflight limit rejection, got %v", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("holder call failed: %v", err)
	}
}
