// Package metrics implements the shared metric store backing routing
// signals: per-provider inflight gauges and ttft/latency time series.
//
// Backed by Redis. All failures are non-fatal; callers log and degrade
// open so a cold or unreachable store never fails a request.
package metrics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Metric names used by the dispatch path.
const (
	MetricInflight = "inflight"
	MetricTTFT     = "ttft"
	MetricLatency  = "latency"
	// MetricPerformance is latency per completion token (ms/token);
	// lower is better, like the other series.
	MetricPerformance = "performance"
)

// DefaultRetention bounds how far back time series samples are kept.
const DefaultRetention = 5 * time.Minute

// GaugeKey returns the key for an instantaneous per-provider gauge.
func GaugeKey(name string, providerID int64) string {
	return fmt.Sprintf("metric:gauge:%s:%d", name, providerID)
}

// SeriesKey returns the key for a per-provider time series.
func SeriesKey(name string, providerID int64) string {
	return fmt.Sprintf("metric:ts:%s:%d", name, providerID)
}

// tsAddScript appends a sample to a sorted set keyed by timestamp.
// Members are "<ts>:<value>"; any member at the same timestamp is removed
// first so duplicates collapse to the last value. Entries older than the
// retention window are trimmed and the key expires with the window.
var tsAddScript = redis.NewScript(`
local key = KEYS[1]
local ts = tonumber(ARGV[1])
local value = ARGV[2]
local retention = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, ts, ts)
redis.call('ZADD', key, ts, tostring(ts) .. ':' .. value)
redis.call('ZREMRANGEBYSCORE', key, 0, ts - retention)
redis.call('PEXPIRE', key, retention)
return 1
`)

// Store is the process-wide metric store. A single Store (and its
// underlying connection pool) is shared by all requests.
type Store struct {
	client    redis.UniversalClient
	retention time.Duration
}

// New returns a Store over the given Redis client.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client, retention: DefaultRetention}
}

// NewWithRetention returns a Store with a custom time series retention.
func NewWithRetention(client redis.UniversalClient, retention time.Duration) *Store {
	return &Store{client: client, retention: retention}
}

// Incr atomically increments a gauge.
func (s *Store) Incr(ctx context.Context, key string) error {
	return s.client.Incr(ctx, key).Err()
}

// Decr atomically decrements a gauge.
func (s *Store) Decr(ctx context.Context, key string) error {
	return s.client.Decr(ctx, key).Err()
}

// GaugeGet returns the current gauge value, or (0, false) when unset.
func (s *Store) GaugeGet(ctx context.Context, key string) (int64, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse gauge %s: %w", key, err)
	}
	return n, true, nil
}

// TSAdd appends a sample at the given unix-millisecond timestamp.
// The series is created on first use with the configured retention and a
// last-value-wins duplicate policy.
func (s *Store) TSAdd(ctx context.Context, key string, tsMs int64, value float64) error {
	return tsAddScript.Run(ctx, s.client, []string{key},
		tsMs, strconv.FormatFloat(value, 'f', -1, 64), s.retention.Milliseconds(),
	).Err()
}

// TSWindowAvg returns the average of samples within the trailing window,
// or (0, false) when the series is empty over that window.
func (s *Store) TSWindowAvg(ctx context.Context, key string, window time.Duration) (float64, bool, error) {
	now := time.Now().UnixMilli()
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(now-window.Milliseconds(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, false, err
	}
	if len(members) == 0 {
		return 0, false, nil
	}

	var sum float64
	var n int
	for _, m := range members {
		_, raw, found := strings.Cut(m, ":")
		if !found {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, false, nil
	}
	return sum / float64(n), true, nil
}

// Ping verifies store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
