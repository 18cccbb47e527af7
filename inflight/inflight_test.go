package inflight

import (
	"context"
	"sync"
	"testing"
	"time"

	"leadsearch/kv"
)

func TestSingleLeaderPerKey(t *testing.T) {
	ctx := context.Background()
	r := New(kv.NewMemoryStore(), "inflight:", time.Minute)

	leader, jobID, err := r.Register(ctx, "search:global:austin:coffee:std:p1", "job_a")
	if err != nil || !leader || jobID != "job_a" {
		t.Fatalf("first caller must lead: leader=%v jobID=%q err=%v", leader, jobID, err)
	}

	leader, jobID, err = r.Register(ctx, "search:global:austin:coffee:std:p1", "job_b")
	if err != nil {
		t.Fatal(err)
	}
	if leader {
		t.Fatal("second caller must join, not lead")
	}
	if jobID != "job_a" {
		t.Fatalf("joiner must get the leader's job, got %q", jobID)
	}

	// Different key is independent.
	leader, _, err = r.Register(ctx, "search:global:austin:bars:std:p1", "job_c")
	if err != nil || !leader {
		t.Fatalf("different key must get its own leader: leader=%v err=%v", leader, err)
	}
}

func TestConcurrentRegisterElectsExactlyOneLeader(t *testing.T) {
	ctx := context.Background()
	r := New(kv.NewMemoryStore(), "inflight:", time.Minute)

	const n = 64
	var wg sync.WaitGroup
	leaders := make(chan string, n)
	joined := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "job_" + string(rune('a'+i%26))
			leader, got, err := r.Register(ctx, "k", id)
			if err != nil {
				t.Error(err)
				return
			}
			if leader {
				leaders <- got
			} else {
				joined <- got
			}
		}(i)
	}
	wg.Wait()
	close(leaders)
	close(joined)

	if len(leaders) != 1 {
		t.Fatalf("exactly one leader expected, got %d", len(leaders))
	}
	want := <-leaders
	for got := range joined {
		if got != want {
			t.Fatalf("joiner saw job %q, leader is %q", got, want)
		}
	}
}

func TestClearAllowsNewLeader(t *testing.T) {
	ctx := context.Background()
	r := New(kv.NewMemoryStore(), "inflight:", time.Minute)

	if leader, _, _ := r.Register(ctx, "k", "job_a"); !leader {
		t.Fatal("expected leader")
	}
	if err := r.Clear(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	leader, jobID, err := r.Register(ctx, "k", "job_b")
	if err != nil || !leader || jobID != "job_b" {
		t.Fatalf("cleared key must accept a new leader: leader=%v jobID=%q err=%v", leader, jobID, err)
	}
}

// A leader that dies without cleanup must not lock the key out forever.
func TestRegistrationExpiresOnItsOwnTTL(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	r := New(store, "inflight:", 5*time.Minute)
	if leader, _, _ := r.Register(ctx, "k", "job_dead"); !leader {
		t.Fatal("expected leader")
	}

	now = now.Add(6 * time.Minute)
	leader, jobID, err := r.Register(ctx, "k", "job_new")
	if err != nil || !leader || jobID != "job_new" {
		t.Fatalf("expired registration must yield a new leader: leader=%v jobID=%q err=%v", leader, jobID, err)
	}
}

func TestRefreshKeepsOwnRegistrationOnly(t *testing.T) {
	ctx := context.Background()
	r := New(kv.NewMemoryStore(), "inflight:", time.Minute)

	if leader, _, _ := r.Register(ctx, "k", "job_a"); !leader {
		t.Fatal("expected leader")
	}
	if err := r.Refresh(ctx, "k", "job_a"); err != nil {
		t.Fatal(err)
	}
	// Refreshing someone else's registration is a no-op.
	if err := r.Refresh(ctx, "k", "job_other"); err != nil {
		t.Fatal(err)
	}
	reg, err := r.Lookup(ctx, "k")
	if err != nil || reg == nil || reg.JobID != "job_a" {
		t.Fatalf("registration changed owner: %+v err=%v", reg, err)
	}
}
