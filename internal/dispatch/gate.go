package dispatch

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/nmorel/bastion/internal"
	"github.com/nmorel/bastion/internal/metrics"
)

// Gate is the QoS admission check. Rejection is the signal the
// dispatcher uses to retry with another candidate.
type Gate struct {
	metrics *metrics.Store
	window  time.Duration
	logger  *slog.Logger
}

func NewGate(m *metrics.Store, logger *slog.Logger) *Gate {
	return &Gate{metrics: m, window: DefaultWindow, logger: logger}
}

// Admit reports whether the provider is currently within its QoS bound.
// Providers without a configured metric or limit always admit, as do
// providers with no recorded signal. Store failures degrade open.
func (g *Gate) Admit(ctx context.Context, p *gateway.Provider) bool {
	if p.QoSMetric == "" || p.QoSLimit == nil {
		return true
	}
	limit := *p.QoSLimit

	if p.QoSMetric == metrics.MetricInflight {
		val, found, err := g.metrics.GaugeGet(ctx, metrics.GaugeKey(metrics.MetricInflight, p.ID))
		if err != nil {
			g.degradeOpen(ctx, p, err)
			return true
		}
		if !found {
			return true
		}
		return float64(val) <= limit
	}

	avg, sampled, err := g.metrics.TSWindowAvg(ctx, metrics.SeriesKey(p.QoSMetric, p.ID), g.window)
	if err != nil {
		g.degradeOpen(ctx, p, err)
		return true
	}
	if !sampled {
		return true
	}
	return avg <= limit
}

func (g *Gate) degradeOpen(ctx context.Context, p *gateway.Provider, err error) {
	g.logger.LogAttrs(ctx, slog.LevelWarn, "qos gate degraded open",
		slog.Int64("provider_id", p.ID), slog.String("error", err.Error()))
}
