package search

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"leadsearch/cachekey"
	"leadsearch/credits"
	"leadsearch/domain"
	"leadsearch/inflight"
	"leadsearch/kv"
	"leadsearch/store"
)

type fakeLedger struct {
	mu      sync.Mutex
	charges int
	err     error
}

func (f *fakeLedger) Charge(ctx context.Context, userID string, amount int64, txType credits.TransactionType, metadata map[string]string) (*credits.CreditTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.charges++
	return &credits.CreditTransaction{UserID: userID, Amount: -amount, Type: string(txType)}, nil
}

func (f *fakeLedger) chargeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.charges
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
	err      error
}

func (f *fakeQueue) Enqueue(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, jobID)
	return nil
}

func (f *fakeQueue) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

type serviceFixture struct {
	svc    *Service
	jobs   *store.InMemorySearchJobStore
	queue  *fakeQueue
	ledger *fakeLedger
	hot    *store.HotCache
	reg    *inflight.Registry
}

func newTestService(t *testing.T) *serviceFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := kv.NewMemoryStore()
	f := &serviceFixture{
		jobs:   store.NewInMemorySearchJobStore(),
		queue:  &fakeQueue{},
		ledger: &fakeLedger{},
		hot:    store.NewHotCache(mem, 15*time.Minute, logger),
		reg:    inflight.New(mem, "inflight:", 10*time.Minute),
	}
	f.svc = NewService(f.jobs, f.queue, f.hot, nil, f.reg, f.ledger, logger)
	return f
}

func TestSearchConcurrentRequestsShareOneJob(t *testing.T) {
	f := newTestService(t)
	q := domain.NewSearchQuery("Oakland", "dentist", false, "")

	const n = 16
	outcomes := make([]*domain.SearchOutcome, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rc := domain.RequestContext{UserID: "u1"}
			outcomes[i], errs[i] = f.svc.Search(context.Background(), rc, q)
		}(i)
	}
	wg.Wait()

	leaders := 0
	var leaderJob string
	for i, o := range outcomes {
		if errs[i] != nil {
			t.Fatalf("search %d: %v", i, errs[i])
		}
		if o.Type != domain.OutcomeJob {
			t.Fatalf("search %d: type = %s, want JOB", i, o.Type)
		}
		if !o.Joined {
			leaders++
			leaderJob = o.JobID
		}
	}
	if leaders != 1 {
		t.Fatalf("leaders = %d, want exactly 1", leaders)
	}
	for i, o := range outcomes {
		if o.JobID != leaderJob {
			t.Fatalf("search %d joined job %s, leader dispatched %s", i, o.JobID, leaderJob)
		}
	}
	if got := f.ledger.chargeCount(); got != 1 {
		t.Fatalf("charges = %d, want 1 (joiners ride free)", got)
	}
	if got := f.queue.len(); got != 1 {
		t.Fatalf("enqueued = %d, want 1", got)
	}
}

func TestSearchHotCacheHitIsFree(t *testing.T) {
	f := newTestService(t)
	q := domain.NewSearchQuery("Oakland", "dentist", false, "")
	key := cachekey.Build(q)
	cached := &domain.CachedResult{
		Places:    []domain.PlaceSummary{{PlaceID: "p1", Name: "Harbor Dental"}},
		FetchedAt: time.Now(),
	}
	f.hot.Set(context.Background(), key, cached, 0)

	out, err := f.svc.Search(context.Background(), domain.RequestContext{UserID: "u1"}, q)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if out.Type != domain.OutcomeCached || out.Data == nil {
		t.Fatalf("outcome = %+v, want cached payload", out)
	}
	if out.Data.Places[0].PlaceID != "p1" {
		t.Fatalf("unexpected cached payload: %+v", out.Data)
	}
	if f.ledger.chargeCount() != 0 {
		t.Fatalf("cache hit charged %d times", f.ledger.chargeCount())
	}
	if f.queue.len() != 0 {
		t.Fatalf("cache hit enqueued a job")
	}
}

func TestSearchInsufficientCreditsFreesKey(t *testing.T) {
	f := newTestService(t)
	f.ledger.err = domain.ErrInsufficientCredits
	q := domain.NewSearchQuery("Oakland", "dentist", true, "")

	_, err := f.svc.Search(context.Background(), domain.RequestContext{UserID: "broke"}, q)
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}

	// The rejected charge must not leave the key claimed.
	reg, lookupErr := f.reg.Lookup(context.Background(), cachekey.Build(q))
	if lookupErr != nil {
		t.Fatalf("lookup: %v", lookupErr)
	}
	if reg != nil {
		t.Fatalf("key still registered after charge rejection: %+v", reg)
	}
}

func TestSearchEnqueueFailureMarksJobFailed(t *testing.T) {
	f := newTestService(t)
	f.queue.err = errors.New("stream down")
	q := domain.NewSearchQuery("Oakland", "dentist", false, "")

	_, err := f.svc.Search(context.Background(), domain.RequestContext{UserID: "u1"}, q)
	if err == nil {
		t.Fatal("expected enqueue error")
	}

	reg, _ := f.reg.Lookup(context.Background(), cachekey.Build(q))
	if reg != nil {
		t.Fatalf("key still registered after enqueue failure")
	}

	// A retry after the failure must elect a fresh leader, not join the
	// failed dispatch.
	f.queue.err = nil
	out, err := f.svc.Search(context.Background(), domain.RequestContext{UserID: "u1"}, q)
	if err != nil {
		t.Fatalf("retry search: %v", err)
	}
	if out.Joined {
		t.Fatalf("retry joined a dead job: %+v", out)
	}
}
