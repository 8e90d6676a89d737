package review

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// pendingKey is the Redis list holding serialized candidates, newest first.
const pendingKey = "unify:review:pending"

// Queue stores candidates until an operator accepts or dismisses them.
type Queue interface {
	Enqueue(ctx context.Context, c Candidate) error
	List(ctx context.Context, limit int) ([]Candidate, error)
}

// MemoryQueue keeps candidates in process memory. Suitable for tests and
// single-instance deployments without Redis.
type MemoryQueue struct {
	mu    sync.Mutex
	items []Candidate
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, c Candidate) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	// Newest first, matching the Redis LPUSH ordering.
	q.items = append([]Candidate{c}, q.items...)
	return nil
}

func (q *MemoryQueue) List(_ context.Context, limit int) ([]Candidate, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]Candidate(nil), q.items[:n]...), nil
}

// RedisQueue persists candidates in a Redis list so review state survives
// process restarts and is shared across instances.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Enqueue(ctx context.Context, c Candidate) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding review candidate: %w", err)
	}
	if err := q.client.LPush(ctx, pendingKey, payload).Err(); err != nil {
		return fmt.Errorf("pushing review candidate: %w", err)
	}
	return nil
}

func (q *RedisQueue) List(ctx context.Context, limit int) ([]Candidate, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := q.client.LRange(ctx, pendingKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("reading review candidates: %w", err)
	}
	candidates := make([]Candidate, 0, len(raw))
	for _, item := range raw {
		var c Candidate
		if err := json.Unmarshal([]byte(item), &c); err != nil {
			return nil, fmt.Errorf("decoding review candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}
