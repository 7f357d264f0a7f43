package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	gateway "github.com/nmorel/bastion/internal"
	"github.com/nmorel/bastion/internal/metrics"
)

type staticResolver map[string]*gateway.Router

func (r staticResolver) Resolve(name string) (*gateway.Router, error) {
	rt, ok := r[name]
	if !ok {
		return nil, gateway.ErrModelNotFound
	}
	return rt, nil
}

func testRouter() *gateway.Router {
	return &gateway.Router{
		ID:       1,
		Name:     "llama-8b",
		Strategy: gateway.StrategyShuffle,
		Providers: []*gateway.Provider{
			{ID: 1, RouterID: 1, Endpoints: gateway.EndpointTable{gateway.EndpointChatCompletions: "/chat/completions"}},
			{ID: 2, RouterID: 1, Endpoints: gateway.EndpointTable{gateway.EndpointChatCompletions: "/chat/completions"}},
		},
	}
}

func newDirect(t *testing.T) (*Dispatcher, *metrics.Store) {
	t.Helper()
	store, _ := newTestStore(t)
	d := New(NewBalancer(store, discard()), NewGate(store, discard()), nil, nil,
		Config{Mode: ModeDirect}, discard())
	return d, store
}

func newQueued(t *testing.T, maxRetries int, countdown time.Duration, resolver Resolver) (*Dispatcher, *miniredis.Miniredis, *Broker) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := metrics.New(client)
	broker := NewBroker(client, 10, discard())
	d := New(NewBalancer(store, discard()), NewGate(store, discard()), resolver, broker,
		Config{Mode: ModeQueued, MaxRetries: maxRetries, RetryCountdown: countdown}, discard())
	return d, mr, broker
}

func TestDispatchDirect(t *testing.T) {
	t.Parallel()
	d, _ := newDirect(t)
	rt := testRouter()

	p, err := d.Dispatch(context.Background(), rt, gateway.EndpointChatCompletions, 0)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if p.ID != 1 && p.ID != 2 {
		t.Errorf("selected %d", p.ID)
	}
}

func TestDispatchDirectNoEligibleProvider(t *testing.T) {
	t.Parallel()
	d, _ := newDirect(t)
	rt := testRouter()

	_, err := d.Dispatch(context.Background(), rt, gateway.EndpointEmbeddings, 0)
	if !errors.Is(err, gateway.ErrModelNotFound) {
		t.Errorf("Dispatch: %v, want ErrModelNotFound", err)
	}
}

func TestDispatchDirectQoSRejection(t *testing.T) {
	t.Parallel()
	d, store := newDirect(t)
	ctx := context.Background()

	rt := testRouter()
	rt.Providers = rt.Providers[:1]
	rt.Providers[0].QoSMetric = "inflight"
	rt.Providers[0].QoSLimit = limit(0)
	store.Incr(ctx, metrics.GaugeKey(metrics.MetricInflight, 1))

	_, err := d.Dispatch(ctx, rt, gateway.EndpointChatCompletions, 0)
	if !errors.Is(err, gateway.ErrUpstreamOverloaded) {
		t.Errorf("Dispatch: %v, want ErrUpstreamOverloaded", err)
	}
}

func TestDispatchQueued(t *testing.T) {
	t.Parallel()
	rt := testRouter()
	d, _, _ := newQueued(t, 2, 10*time.Millisecond, staticResolver{"llama-8b": rt})

	workerCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go d.RunWorker(workerCtx)

	p, err := d.Dispatch(context.Background(), rt, gateway.EndpointChatCompletions, 5)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if p == nil || (p.ID != 1 && p.ID != 2) {
		t.Errorf("selected %v", p)
	}
}

func TestDispatchQueuedMaxRetries(t *testing.T) {
	t.Parallel()
	rt := testRouter()
	rt.Providers = rt.Providers[:1]
	rt.Providers[0].QoSMetric = "inflight"
	rt.Providers[0].QoSLimit = limit(0)

	d, mr, _ := newQueued(t, 1, 10*time.Millisecond, staticResolver{"llama-8b": rt})

	// Hold the gauge above the limit so every attempt is rejected.
	mr.Set(metrics.GaugeKey(metrics.MetricInflight, 1), "5")

	workerCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go d.RunWorker(workerCtx)

	_, err := d.Dispatch(context.Background(), rt, gateway.EndpointChatCompletions, 0)
	if !errors.Is(err, gateway.ErrUpstreamOverloaded) {
		t.Errorf("Dispatch: %v, want ErrUpstreamOverloaded after retries", err)
	}
}

type countingRetries struct{ n atomic.Int64 }

func (c *countingRetries) Inc() { c.n.Add(1) }

func TestDispatchQueuedRetryBudget(t *testing.T) {
	t.Parallel()
	rt := testRouter()
	rt.Providers = rt.Providers[:1]
	rt.Providers[0].QoSMetric = "inflight"
	rt.Providers[0].QoSLimit = limit(0)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := metrics.New(client)
	broker := NewBroker(client, 10, discard())
	retries := &countingRetries{}
	d := New(NewBalancer(store, discard()), NewGate(store, discard()),
		staticResolver{"llama-8b": rt}, broker,
		Config{Mode: ModeQueued, MaxRetries: 3, RetryCountdown: 5 * time.Millisecond, Retries: retries},
		discard())

	mr.Set(metrics.GaugeKey(metrics.MetricInflight, 1), "5")

	workerCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go d.RunWorker(workerCtx)

	_, err := d.Dispatch(context.Background(), rt, gateway.EndpointChatCompletions, 0)
	if !errors.Is(err, gateway.ErrUpstreamOverloaded) {
		t.Fatalf("Dispatch: %v, want ErrUpstreamOverloaded", err)
	}
	// 3 attempts total: the first is free, the remaining two are retries.
	if got := retries.n.Load(); got != 2 {
		t.Errorf("retry count = %d, want 2", got)
	}
}

func TestDispatchQueuedWorkerRouterMissSurfacesNotFound(t *testing.T) {
	t.Parallel()
	rt := testRouter()
	// The submitter sees the router, the worker's resolver does not.
	d, _, _ := newQueued(t, 1, 10*time.Millisecond, staticResolver{})

	workerCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go d.RunWorker(workerCtx)

	_, err := d.Dispatch(context.Background(), rt, gateway.EndpointChatCompletions, 0)
	if !errors.Is(err, gateway.ErrModelNotFound) {
		t.Errorf("Dispatch: %v, want ErrModelNotFound", err)
	}
}

func TestResultErrorTaxonomy(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status int
		want   error
	}{
		{404, gateway.ErrModelNotFound},
		{500, gateway.ErrDispatchTimeout}, // worker stopped mid-task
		{503, gateway.ErrUpstreamOverloaded},
	}
	for _, c := range cases {
		if err := resultError(&Result{Status: c.status, Detail: "x"}); !errors.Is(err, c.want) {
			t.Errorf("resultError(%d) = %v, want %v", c.status, err, c.want)
		}
	}
}

func TestDispatchQueuedTimeoutWithoutWorker(t *testing.T) {
	t.Parallel()
	rt := testRouter()
	d, _, _ := newQueued(t, 1, 20*time.Millisecond, staticResolver{"llama-8b": rt})

	_, err := d.Dispatch(context.Background(), rt, gateway.EndpointChatCompletions, 0)
	if !errors.Is(err, gateway.ErrDispatchTimeout) {
		t.Errorf("Dispatch: %v, want ErrDispatchTimeout", err)
	}
}

func TestBrokerPriorityOrdering(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	broker := NewBroker(client, 10, discard())

	// Enqueue three tasks before any worker runs.
	var wg sync.WaitGroup
	for _, prio := range []int{0, 9, 5} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			broker.Submit(context.Background(), Task{Router: "r", Endpoint: gateway.EndpointChatCompletions, Priority: prio}, 2*time.Second)
		}()
	}

	// Wait until all three are queued.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if n, _ := client.ZCard(context.Background(), queueKey("r")).Result(); n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	var mu sync.Mutex
	var order []int
	workerCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go broker.RunWorker(workerCtx, func(_ context.Context, task Task) Result {
		mu.Lock()
		order = append(order, task.Priority)
		mu.Unlock()
		return Result{Status: 200, ProviderID: 1}
	})

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 9 || order[1] != 5 || order[2] != 0 {
		t.Errorf("processing order = %v, want [9 5 0]", order)
	}
}

func TestBrokerDiscardsOrphanedTask(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	broker := NewBroker(client, 10, discard())
	ctx := context.Background()

	// Enqueue a task by hand with no keepalive, as if the submitter died.
	task := Task{ID: "dead-task", Router: "r", Endpoint: gateway.EndpointChatCompletions}
	payload := `{"id":"dead-task","router":"r","endpoint":"chat_completions","priority":0}`
	client.SAdd(ctx, queuesKey, "r")
	client.Set(ctx, taskKey(task.ID), payload, time.Minute)
	client.ZAdd(ctx, queueKey("r"), redis.Z{Score: 1, Member: task.ID})

	handled := make(chan Task, 1)
	workerCtx, stop := context.WithCancel(ctx)
	defer stop()
	go broker.RunWorker(workerCtx, func(_ context.Context, task Task) Result {
		handled <- task
		return Result{Status: 200}
	})

	select {
	case task := <-handled:
		t.Errorf("orphaned task %q was dispatched", task.ID)
	case <-time.After(300 * time.Millisecond):
	}
	if n, _ := client.ZCard(ctx, queueKey("r")).Result(); n != 0 {
		t.Errorf("queue length = %d after discard, want 0", n)
	}
}
