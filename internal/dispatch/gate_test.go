package dispatch

import (
	"context"
	"testing"
	"time"

	gateway "github.com/nmorel/bastion/internal"
	"github.com/nmorel/bastion/internal/metrics"
)

func limit(v float64) *float64 { return &v }

func TestAdmitWithoutQoSConfig(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	g := NewGate(store, discard())
	ctx := context.Background()

	if !g.Admit(ctx, &gateway.Provider{ID: 1}) {
		t.Error("no metric/limit must admit")
	}
	if !g.Admit(ctx, &gateway.Provider{ID: 1, QoSMetric: "ttft"}) {
		t.Error("metric without limit must admit")
	}
	if !g.Admit(ctx, &gateway.Provider{ID: 1, QoSLimit: limit(5)}) {
		t.Error("limit without metric must admit")
	}
}

func TestAdmitInflight(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	g := NewGate(store, discard())
	ctx := context.Background()

	p := &gateway.Provider{ID: 10, QoSMetric: "inflight", QoSLimit: limit(2)}
	key := metrics.GaugeKey(metrics.MetricInflight, 10)

	// No gauge yet.
	if !g.Admit(ctx, p) {
		t.Error("absent gauge must admit")
	}

	store.Incr(ctx, key)
	store.Incr(ctx, key)
	// Equality admits.
	if !g.Admit(ctx, p) {
		t.Error("gauge == limit must admit")
	}

	store.Incr(ctx, key)
	if g.Admit(ctx, p) {
		t.Error("gauge > limit must reject")
	}
}

func TestAdmitWindowedAverage(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	g := NewGate(store, discard())
	ctx := context.Background()
	now := time.Now().UnixMilli()

	p := &gateway.Provider{ID: 11, QoSMetric: "ttft", QoSLimit: limit(500)}

	// No samples yet.
	if !g.Admit(ctx, p) {
		t.Error("empty series must admit")
	}

	key := metrics.SeriesKey(metrics.MetricTTFT, 11)
	store.TSAdd(ctx, key, now-1000, 400)
	store.TSAdd(ctx, key, now, 500)
	if !g.Admit(ctx, p) {
		t.Error("avg 450 <= 500 must admit")
	}

	store.TSAdd(ctx, key, now+1, 1200)
	if g.Admit(ctx, p) {
		t.Error("avg 700 > 500 must reject")
	}
}

func TestAdmitDegradesOpenOnStoreFailure(t *testing.T) {
	t.Parallel()
	store, mr := newTestStore(t)
	g := NewGate(store, discard())
	mr.Close()

	p := &gateway.Provider{ID: 12, QoSMetric: "inflight", QoSLimit: limit(0)}
	if !g.Admit(context.Background(), p) {
		t.Error("unreachable store must degrade open")
	}
	p.QoSMetric = "latency"
	if !g.Admit(context.Background(), p) {
		t.Error("unreachable store must degrade open for series metrics")
	}
}
