package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	gateway "github.com/nmorel/bastion/internal"
)

// Task is one queued dispatch request.
type Task struct {
	ID       string           `json:"id"`
	Router   string           `json:"router"`
	Endpoint gateway.Endpoint `json:"endpoint"`
	Priority int              `json:"priority"`
}

// Result is the worker's answer to a task.
type Result struct {
	Status     int    `json:"status"`
	ProviderID int64  `json:"provider_id,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

const (
	queuesKey         = "dispatch:queues"
	seqKey            = "dispatch:seq"
	keepaliveInterval = time.Second
	keepaliveTTL      = 3 * time.Second
	resultTTL         = 30 * time.Second
	// visibilityTimeout bounds how long a popped task may sit unacked
	// before another worker reclaims it.
	visibilityTimeout = 30 * time.Second
	pollInterval      = 50 * time.Millisecond
)

func queueKey(router string) string      { return "dispatch:queue:" + router }
func processingKey(router string) string { return "dispatch:processing:" + router }
func taskKey(id string) string           { return "dispatch:task:" + id }
func aliveKey(id string) string          { return "dispatch:alive:" + id }
func resultKey(id string) string         { return "dispatch:result:" + id }

// popScript atomically moves the best task from the queue into the
// processing set with a reclaim deadline.
var popScript = redis.NewScript(`
local task = redis.call('ZPOPMIN', KEYS[1])
if #task == 0 then return false end
redis.call('ZADD', KEYS[2], ARGV[1], task[1])
return task[1]
`)

// reclaimScript re-enqueues tasks whose worker died before acking.
// Reclaimed tasks jump to the head of the queue.
var reclaimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], 0, ARGV[1])
for i, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], 0, id)
end
return #expired
`)

// Broker is the Redis-backed priority queue used in queued dispatch
// mode. One logical queue per router; integer priorities, FIFO within a
// priority; ack-late delivery with reclaim on worker death.
type Broker struct {
	client      redis.UniversalClient
	maxPriority int
	logger      *slog.Logger
}

func NewBroker(client redis.UniversalClient, maxPriority int, logger *slog.Logger) *Broker {
	return &Broker{client: client, maxPriority: maxPriority, logger: logger}
}

// Submit enqueues a task and awaits its result. The queue is declared
// lazily on first submission. The submitter maintains a keepalive so
// workers can discard tasks whose client has disappeared. A nil result
// with nil error never happens: timeout surfaces as ErrDispatchTimeout.
func (b *Broker) Submit(ctx context.Context, task Task, timeout time.Duration) (*Result, error) {
	if task.ID == "" {
		task.ID = uuid.Must(uuid.NewV7()).String()
	}
	if task.Priority < 0 {
		task.Priority = 0
	}
	if task.Priority > b.maxPriority {
		task.Priority = b.maxPriority
	}

	seq, err := b.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return nil, fmt.Errorf("queue submit: %w", err)
	}
	// Lower score pops first: invert priority, keep FIFO via sequence.
	score := float64(b.maxPriority-task.Priority)*1e12 + float64(seq)

	payload, _ := json.Marshal(task)
	pipe := b.client.TxPipeline()
	pipe.SAdd(ctx, queuesKey, task.Router)
	pipe.Set(ctx, taskKey(task.ID), payload, visibilityTimeout+timeout)
	pipe.Set(ctx, aliveKey(task.ID), "1", keepaliveTTL)
	pipe.ZAdd(ctx, queueKey(task.Router), redis.Z{Score: score, Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue submit: %w", err)
	}

	keepaliveCtx, stopKeepalive := context.WithCancel(ctx)
	defer stopKeepalive()
	go b.keepalive(keepaliveCtx, task.ID)

	vals, err := b.client.BLPop(ctx, timeout, resultKey(task.ID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("no worker answered within %s: %w", timeout, gateway.ErrDispatchTimeout)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("queue await: %w", err)
	}

	var res Result
	if err := json.Unmarshal([]byte(vals[1]), &res); err != nil {
		return nil, fmt.Errorf("queue result decode: %w", err)
	}
	return &res, nil
}

// keepalive refreshes the liveness marker until the submitter returns.
func (b *Broker) keepalive(ctx context.Context, id string) {
	t := time.NewTicker(keepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := b.client.Set(ctx, aliveKey(id), "1", keepaliveTTL).Err(); err != nil && ctx.Err() == nil {
				b.logger.LogAttrs(ctx, slog.LevelWarn, "task keepalive failed",
					slog.String("task_id", id), slog.String("error", err.Error()))
			}
		}
	}
}

// RunWorker consumes tasks until ctx is cancelled. handle runs the
// select/admit retry loop and returns the result to deliver.
func (b *Broker) RunWorker(ctx context.Context, handle func(context.Context, Task) Result) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for b.consumeOne(ctx, handle) && ctx.Err() == nil {
		}
	}
}

// consumeOne pops and handles at most one task across all declared
// queues; reports whether a task was processed.
func (b *Broker) consumeOne(ctx context.Context, handle func(context.Context, Task) Result) bool {
	routers, err := b.client.SMembers(ctx, queuesKey).Result()
	if err != nil {
		if ctx.Err() == nil {
			b.logger.LogAttrs(ctx, slog.LevelWarn, "queue discovery failed",
				slog.String("error", err.Error()))
		}
		return false
	}

	now := time.Now().UnixMilli()
	for _, router := range routers {
		qk, pk := queueKey(router), processingKey(router)
		if err := reclaimScript.Run(ctx, b.client, []string{qk, pk}, now).Err(); err != nil && err != redis.Nil {
			b.logger.LogAttrs(ctx, slog.LevelWarn, "queue reclaim failed",
				slog.String("router", router), slog.String("error", err.Error()))
		}

		deadline := now + visibilityTimeout.Milliseconds()
		id, err := popScript.Run(ctx, b.client, []string{qk, pk}, deadline).Text()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			continue
		}

		b.process(ctx, router, id, handle)
		return true
	}
	return false
}

func (b *Broker) process(ctx context.Context, router, id string, handle func(context.Context, Task) Result) {
	defer func() {
		b.client.ZRem(ctx, processingKey(router), id)
		b.client.Del(ctx, taskKey(id))
	}()

	raw, err := b.client.Get(ctx, taskKey(id)).Result()
	if err != nil {
		return // expired or vanished; nothing to answer
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return
	}

	// Check-before-dispatch: a task whose submitter is gone is discarded.
	alive, err := b.client.Exists(ctx, aliveKey(id)).Result()
	if err == nil && alive == 0 {
		b.logger.LogAttrs(ctx, slog.LevelDebug, "discarding orphaned task",
			slog.String("task_id", id), slog.String("router", router))
		return
	}

	res := handle(ctx, task)
	payload, _ := json.Marshal(res)
	pipe := b.client.TxPipeline()
	pipe.LPush(ctx, resultKey(id), payload)
	pipe.Expire(ctx, resultKey(id), resultTTL)
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		b.logger.LogAttrs(ctx, slog.LevelWarn, "result delivery failed",
			slog.String("task_id", id), slog.String("error", err.Error()))
	}
}
