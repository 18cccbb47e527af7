// Package inflight tracks "a computation for this key is already running"
// markers. Registration is a single SetNX, so under any number of concurrent
// callers exactly one becomes leader; everyone else joins the leader's job.
package inflight

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"leadsearch/kv"
)

const defaultTTL = 10 * time.Minute

// Registration is the marker stored per cache key.
type Registration struct {
	JobID        string    `json:"jobId"`
	RegisteredAt time.Time `json:"registeredAt"`
}

type Registry struct {
	store  kv.Store
	prefix string
	// ttl caps how long a registration can outlive a dead worker. It expires
	// independently of job completion, so a crash without cleanup never locks
	// a key out permanently.
	ttl time.Duration
	now func() time.Time
}

func New(store kv.Store, prefix string, ttl time.Duration) *Registry {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "inflight:"
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Registry{store: store, prefix: prefix, ttl: ttl, now: time.Now}
}

func (r *Registry) key(cacheKey string) string {
	return r.prefix + strings.TrimSpace(cacheKey)
}

// Register atomically claims the key for jobID. leader=true means this
// caller must dispatch the work; otherwise existing is the job the caller
// should join. The test-and-set is one conditional store operation; there is
// no observe-then-write window for two leaders to slip through.
func (r *Registry) Register(ctx context.Context, cacheKey, jobID string) (leader bool, existing string, err error) {
	if r == nil || r.store == nil {
		return false, "", errors.New("inflight registry not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return false, "", errors.New("jobID is empty")
	}
	raw, err := json.Marshal(Registration{JobID: jobID, RegisteredAt: r.now().UTC()})
	if err != nil {
		return false, "", err
	}

	// Two rounds cover the race where the existing marker expires between
	// the failed SetNX and the Get.
	for i := 0; i < 2; i++ {
		won, err := r.store.SetNX(ctx, r.key(cacheKey), string(raw), r.ttl)
		if err != nil {
			return false, "", err
		}
		if won {
			return true, jobID, nil
		}
		cur, err := r.Lookup(ctx, cacheKey)
		if err != nil {
			return false, "", err
		}
		if cur != nil {
			return false, cur.JobID, nil
		}
	}
	return false, "", errors.New("inflight register retry exceeded")
}

// Lookup returns the current registration, or nil when none exists.
func (r *Registry) Lookup(ctx context.Context, cacheKey string) (*Registration, error) {
	val, err := r.store.Get(ctx, r.key(cacheKey))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var reg Registration
	if err := json.Unmarshal([]byte(val), &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// Refresh extends the TTL while a long scan is still making progress. Only
// the owning worker calls this; if the marker expired meanwhile the refresh
// is skipped rather than re-created.
func (r *Registry) Refresh(ctx context.Context, cacheKey, jobID string) error {
	cur, err := r.Lookup(ctx, cacheKey)
	if err != nil {
		return err
	}
	if cur == nil || cur.JobID != jobID {
		return nil
	}
	raw, err := json.Marshal(cur)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, r.key(cacheKey), string(raw), r.ttl)
}

// Clear deletes the registration when the job terminates, whatever the
// outcome, so future requests can hit cache or start fresh work.
func (r *Registry) Clear(ctx context.Context, cacheKey string) error {
	return r.store.Del(ctx, r.key(cacheKey))
}
