// Package pubsub is the publish side of live progress streaming. The
// transport to clients (SSE, WebSocket) is an external collaborator that
// subscribes to the same channels.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

// Publisher publishes a message to a named channel. Implementations must be
// safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// JobChannel names the progress channel for a job.
func JobChannel(jobID string) string {
	return "search:progress:" + jobID
}

// ProgressEvent is one incremental update published while a scan runs.
type ProgressEvent struct {
	JobID    string `json:"jobId"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	// Batch carries the places found since the previous event, not the
	// accumulated set; subscribers append.
	Batch interface{} `json:"batch,omitempty"`
	Error string      `json:"error,omitempty"`
}

type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, message interface{}) error {
	if p == nil || p.rdb == nil {
		return errors.New("redis publisher not initialized")
	}
	b, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, channel, b).Err()
}

// NopPublisher drops everything; used in tests and when pub/sub is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, channel string, message interface{}) error {
	return nil
}
