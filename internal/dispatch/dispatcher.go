package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/nmorel/bastion/internal"
	"github.com/nmorel/bastion/internal/registry"
)

// Dispatch modes.
const (
	ModeDirect = "direct"
	ModeQueued = "queued"
)

// Resolver canonicalizes router lookups for queued workers.
type Resolver interface {
	Resolve(name string) (*gateway.Router, error)
}

// RetryCounter counts worker retry attempts, typically a Prometheus counter.
type RetryCounter interface {
	Inc()
}

// Dispatcher picks the provider that will serve a request.
type Dispatcher struct {
	balancer *Balancer
	gate     *Gate
	resolver Resolver
	broker   *Broker // nil in direct mode

	mode           string
	maxRetries     int
	retryCountdown time.Duration
	retries        RetryCounter // nil = not counted
	logger         *slog.Logger
}

// Config holds the dispatch tunables fixed at startup.
type Config struct {
	Mode           string
	MaxRetries     int
	RetryCountdown time.Duration
	Retries        RetryCounter
}

func New(b *Balancer, g *Gate, resolver Resolver, broker *Broker, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryCountdown <= 0 {
		cfg.RetryCountdown = time.Second
	}
	return &Dispatcher{
		balancer:       b,
		gate:           g,
		resolver:       resolver,
		broker:         broker,
		mode:           cfg.Mode,
		maxRetries:     cfg.MaxRetries,
		retryCountdown: cfg.RetryCountdown,
		retries:        cfg.Retries,
		logger:         logger,
	}
}

// Dispatch returns the provider that should serve the request, or an
// overload/timeout error. priority only matters in queued mode.
func (d *Dispatcher) Dispatch(ctx context.Context, rt *gateway.Router, ep gateway.Endpoint, priority int) (*gateway.Provider, error) {
	candidates := registry.EligibleProviders(rt, ep)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no provider serves %s for %q: %w", ep, rt.Name, gateway.ErrModelNotFound)
	}

	if d.mode == ModeQueued && d.broker != nil {
		return d.dispatchQueued(ctx, rt, ep, priority)
	}
	return d.dispatchDirect(ctx, rt, candidates)
}

// dispatchDirect is a single select + admit; rejection surfaces
// immediately as an overload.
func (d *Dispatcher) dispatchDirect(ctx context.Context, rt *gateway.Router, candidates []*gateway.Provider) (*gateway.Provider, error) {
	p, indicator := d.balancer.Select(ctx, candidates, rt.Strategy, balancerMetric(candidates))
	if p == nil {
		return nil, gateway.ErrUpstreamOverloaded
	}
	if !d.gate.Admit(ctx, p) {
		return nil, fmt.Errorf("provider %d over QoS limit: %w", p.ID, gateway.ErrUpstreamOverloaded)
	}
	d.logger.LogAttrs(ctx, slog.LevelDebug, "provider selected",
		slog.Int64("provider_id", p.ID), slog.String("router", rt.Name),
		slog.Float64("indicator", indicator))
	return p, nil
}

func (d *Dispatcher) dispatchQueued(ctx context.Context, rt *gateway.Router, ep gateway.Endpoint, priority int) (*gateway.Provider, error) {
	timeout := time.Duration(d.maxRetries)*d.retryCountdown + 500*time.Millisecond
	res, err := d.broker.Submit(ctx, Task{
		Router:   rt.Name,
		Endpoint: ep,
		Priority: priority,
	}, timeout)
	if err != nil {
		return nil, err
	}
	if res.Status != http.StatusOK {
		return nil, resultError(res)
	}
	for _, p := range rt.Providers {
		if p.ID == res.ProviderID {
			return p, nil
		}
	}
	return nil, fmt.Errorf("worker chose unknown provider %d: %w", res.ProviderID, gateway.ErrUpstreamOverloaded)
}

// resultError maps a worker Result back onto the error taxonomy: router or
// endpoint misses stay 404, a stopped worker is a dispatch timeout, and
// exhausted retries surface as overload.
func resultError(res *Result) error {
	switch res.Status {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", res.Detail, gateway.ErrModelNotFound)
	case http.StatusInternalServerError:
		return fmt.Errorf("%s: %w", res.Detail, gateway.ErrDispatchTimeout)
	default:
		return fmt.Errorf("%s: %w", res.Detail, gateway.ErrUpstreamOverloaded)
	}
}

// RunWorker consumes queued tasks until ctx is cancelled. Start one per
// configured dispatch worker.
func (d *Dispatcher) RunWorker(ctx context.Context) {
	d.broker.RunWorker(ctx, d.handleTask)
}

// handleTask is the worker's retry loop: select, admit, wait, reselect.
func (d *Dispatcher) handleTask(ctx context.Context, task Task) Result {
	rt, err := d.resolver.Resolve(task.Router)
	if err != nil {
		return Result{Status: http.StatusNotFound, Detail: err.Error()}
	}
	candidates := registry.EligibleProviders(rt, task.Endpoint)
	if len(candidates) == 0 {
		return Result{Status: http.StatusNotFound, Detail: "no eligible provider"}
	}

	for attempt := 0; attempt < d.maxRetries; attempt++ {
		if attempt > 0 {
			if d.retries != nil {
				d.retries.Inc()
			}
			select {
			case <-ctx.Done():
				return Result{Status: http.StatusInternalServerError, Detail: "worker stopped"}
			case <-time.After(d.retryCountdown):
			}
		}
		p, _ := d.balancer.Select(ctx, candidates, rt.Strategy, balancerMetric(candidates))
		if p == nil {
			continue
		}
		if d.gate.Admit(ctx, p) {
			return Result{Status: http.StatusOK, ProviderID: p.ID}
		}
	}
	return Result{Status: http.StatusServiceUnavailable, Detail: "Max retries exceeded"}
}

// balancerMetric picks the series least_busy reads: the first candidate's
// QoS metric when it names a time series, otherwise latency.
func balancerMetric(candidates []*gateway.Provider) string {
	for _, p := range candidates {
		switch p.QoSMetric {
		case "ttft", "latency", "performance":
			return p.QoSMetric
		}
	}
	return ""
}
