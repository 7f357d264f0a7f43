// Package dispatch selects a provider for each request: load balancing,
// QoS admission, and the direct/queued dispatch modes.
package dispatch

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	gateway "github.com/nmorel/bastion/internal"
	"github.com/nmorel/bastion/internal/metrics"
)

// DefaultWindow is the trailing window for least-busy averages.
const DefaultWindow = 60 * time.Second

// Balancer picks one provider from a candidate set.
type Balancer struct {
	metrics *metrics.Store
	window  time.Duration
	logger  *slog.Logger
}

func NewBalancer(m *metrics.Store, logger *slog.Logger) *Balancer {
	return &Balancer{metrics: m, window: DefaultWindow, logger: logger}
}

// Select returns the chosen provider and, for least_busy, the metric
// average that drove the choice (0 when the winner had no sample).
func (b *Balancer) Select(ctx context.Context, candidates []*gateway.Provider, strategy, metric string) (*gateway.Provider, float64) {
	if len(candidates) == 0 {
		return nil, 0
	}
	if len(candidates) == 1 {
		return candidates[0], 0
	}
	switch strategy {
	case gateway.StrategyLeastBusy:
		return b.leastBusy(ctx, candidates, metric)
	default:
		return candidates[rand.IntN(len(candidates))], 0
	}
}

// leastBusy reads each candidate's windowed metric average. Candidates
// with no sample are preferred (unknown = best); among sampled ones the
// smallest average wins. Ties break to the lowest provider id.
func (b *Balancer) leastBusy(ctx context.Context, candidates []*gateway.Provider, metric string) (*gateway.Provider, float64) {
	if metric == "" {
		metric = metrics.MetricLatency
	}

	var (
		best        *gateway.Provider
		bestAvg     float64
		bestSampled bool
	)
	for _, p := range candidates {
		avg, sampled, err := b.metrics.TSWindowAvg(ctx, metrics.SeriesKey(metric, p.ID), b.window)
		if err != nil {
			b.logger.LogAttrs(ctx, slog.LevelWarn, "balancer metric read failed",
				slog.Int64("provider_id", p.ID), slog.String("error", err.Error()))
			sampled = false
		}
		if better(p, avg, sampled, best, bestAvg, bestSampled) {
			best, bestAvg, bestSampled = p, avg, sampled
		}
	}
	if !bestSampled {
		return best, 0
	}
	return best, bestAvg
}

func better(p *gateway.Provider, avg float64, sampled bool, best *gateway.Provider, bestAvg float64, bestSampled bool) bool {
	if best == nil {
		return true
	}
	if sampled != bestSampled {
		return !sampled
	}
	if sampled && avg != bestAvg {
		return avg < bestAvg
	}
	return p.ID < best.ID
}
