package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"leadsearch/domain"
)

// SearchJobStore is the shared state store for search jobs. Jobs are created
// by the orchestrator and mutated only by workers; reads come from both the
// API (polling) and workers.
type SearchJobStore interface {
	Create(job *domain.SearchJob) error
	Get(id string) (*domain.SearchJob, bool, error)
	Update(id string, fn func(j *domain.SearchJob)) (*domain.SearchJob, bool, error)
}

type InMemorySearchJobStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.SearchJob
}

func NewInMemorySearchJobStore() *InMemorySearchJobStore {
	return &InMemorySearchJobStore{jobs: make(map[string]*domain.SearchJob)}
}

func (s *InMemorySearchJobStore) Create(job *domain.SearchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *InMemorySearchJobStore) Get(id string) (*domain.SearchJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j == nil {
		return nil, false, nil
	}
	// Return a copy to avoid accidental mutation/data races outside the lock.
	cp := *j
	return &cp, true, nil
}

func (s *InMemorySearchJobStore) Update(id string, fn func(j *domain.SearchJob)) (*domain.SearchJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false, nil
	}
	fn(j)
	// Return a copy to avoid callers mutating shared state outside the lock.
	cp := *j
	return &cp, true, nil
}

type RedisSearchJobStore struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func NewRedisSearchJobStore(rdb *redis.Client, ttl time.Duration) (*RedisSearchJobStore, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Printf("search job store: redis enabled ttl=%s", ttl)

	return &RedisSearchJobStore{
		rdb:       rdb,
		keyPrefix: "ls:searchjob:",
		ttl:       ttl,
	}, nil
}

func (s *RedisSearchJobStore) key(id string) string {
	return s.keyPrefix + strings.TrimSpace(id)
}

func (s *RedisSearchJobStore) Create(job *domain.SearchJob) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return errors.New("job/id is empty")
	}
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.rdb.SetNX(ctx, s.key(job.ID), b, s.ttl).Err()
}

func (s *RedisSearchJobStore) Get(id string) (*domain.SearchJob, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := s.rdb.Get(ctx, s.key(id)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var job domain.SearchJob
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		return nil, false, err
	}
	return &job, true, nil
}

// Update applies fn under optimistic concurrency (WATCH + MULTI). Concurrent
// writers retry a bounded number of times.
func (s *RedisSearchJobStore) Update(id string, fn func(j *domain.SearchJob)) (*domain.SearchJob, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	if fn == nil {
		return nil, false, errors.New("update fn is nil")
	}

	key := s.key(id)

	var out *domain.SearchJob
	var ok bool

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	for i := 0; i < 8; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				ok = false
				out = nil
				return nil
			}
			if err != nil {
				return err
			}
			var job domain.SearchJob
			if err := json.Unmarshal([]byte(val), &job); err != nil {
				return err
			}
			fn(&job)
			out = &job
			ok = true

			nb, err := json.Marshal(&job)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, nb, s.ttl)
				return nil
			})
			return err
		}, key)

		if err == nil {
			return out, ok, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}

	return nil, false, errors.New("redis update retry exceeded")
}
