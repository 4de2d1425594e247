package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StartRequest is one queued execution start, produced when a user's
// running-execution count is at its ceiling and a non-webhook trigger
// fires anyway. Requests drain FIFO as capacity frees up.
type StartRequest struct {
	ExecutionID string    `json:"executionId"`
	UserID      string    `json:"userId"`
	TriggerID   string    `json:"triggerId,omitempty"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// ErrQueueClosed is returned by Dequeue after Close.
var ErrQueueClosed = errors.New("start queue closed")

// StartQueue is the FIFO admission queue.
type StartQueue interface {
	Enqueue(ctx context.Context, req *StartRequest) error
	// Dequeue blocks until a request is available or the queue closes.
	Dequeue(ctx context.Context) (*StartRequest, error)
	Len(ctx context.Context) (int64, error)
	Close() error
}

// InMemoryStartQueue is a process-local StartQueue.
type InMemoryStartQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	reqs   []*StartRequest
	closed bool
}

func NewInMemoryStartQueue() *InMemoryStartQueue {
	q := &InMemoryStartQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *InMemoryStartQueue) Enqueue(ctx context.Context, req *StartRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	cp := *req
	q.reqs = append(q.reqs, &cp)
	q.cond.Signal()
	return nil
}

func (q *InMemoryStartQueue) Dequeue(ctx context.Context) (*StartRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.reqs) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed && len(q.reqs) == 0 {
		return nil, ErrQueueClosed
	}
	req := q.reqs[0]
	q.reqs = q.reqs[1:]
	return req, nil
}

func (q *InMemoryStartQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.reqs)), nil
}

func (q *InMemoryStartQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
	return nil
}

// RedisStartQueue is a Redis-list-backed StartQueue for deployments
// where multiple worker processes share one admission queue.
type RedisStartQueue struct {
	client *redis.Client
	key    string
	closed chan struct{}
}

// RedisStartQueueConfig configures a RedisStartQueue.
type RedisStartQueueConfig struct {
	Addr     string
	Password string
	DB       int
	QueueKey string
}

func NewRedisStartQueue(cfg *RedisStartQueueConfig) (*RedisStartQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	key := cfg.QueueKey
	if key == "" {
		key = "flowmaestro:starts"
	}
	return &RedisStartQueue{client: client, key: key, closed: make(chan struct{})}, nil
}

func (q *RedisStartQueue) Enqueue(ctx context.Context, req *StartRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal start request: %w", err)
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

func (q *RedisStartQueue) Dequeue(ctx context.Context) (*StartRequest, error) {
	for {
		select {
		case <-q.closed:
			return nil, ErrQueueClosed
		default:
		}
		res, err := q.client.BRPop(ctx, 2*time.Second, q.key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var req StartRequest
		if err := json.Unmarshal([]byte(res[1]), &req); err != nil {
			return nil, fmt.Errorf("unmarshal start request: %w", err)
		}
		return &req, nil
	}
}

func (q *RedisStartQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

func (q *RedisStartQueue) Close() error {
	close(q.closed)
	return q.client.Close()
}
