package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	gateway "github.com/nmorel/bastion/internal"
	"github.com/nmorel/bastion/internal/metrics"
)

func newTestPool(t *testing.T) (*Pool, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewPool(metrics.New(client), slog.New(slog.DiscardHandler)), mr
}

func testClient(t *testing.T, pool *Pool, upstream string) *Client {
	t.Helper()
	rt := &gateway.Router{ID: 1, Name: "llama-8b", CostPrompt: 0.2, CostCompletion: 0.6}
	p := &gateway.Provider{
		ID:        42,
		RouterID:  1,
		Type:      "vllm",
		BaseURL:   upstream,
		Key:       "sk-upstream",
		TimeoutS:  5,
		ModelName: "meta-llama/Llama-3.1-8B",
		Endpoints: gateway.EndpointTable{
			gateway.EndpointChatCompletions: "/chat/completions",
			gateway.EndpointEmbeddings:      "/embeddings",
			gateway.EndpointModels:          "/models",
		},
	}
	return pool.Client(rt, p)
}

func requestCtx() (context.Context, *gateway.RequestContext) {
	rc := &gateway.RequestContext{Endpoint: gateway.EndpointChatCompletions}
	return gateway.NewRequestContext(context.Background(), rc), rc
}

func chatContent() *gateway.RequestContent {
	return &gateway.RequestContent{
		Endpoint: gateway.EndpointChatCompletions,
		Model:    "llama-8b",
		Body: map[string]any{
			"model": "llama-8b",
			"messages": []any{
				map[string]any{"role": "user", "content": "say hello"},
			},
		},
	}
}

func gaugeValue(t *testing.T, mr *miniredis.Miniredis, providerID int64) int {
	t.Helper()
	v, err := mr.Get(metrics.GaugeKey(metrics.MetricInflight, providerID))
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(v)
	return n
}

func TestForwardSuccess(t *testing.T) {
	t.Parallel()
	pool, mr := newTestPool(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-upstream" {
			t.Errorf("auth header = %q", got)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "meta-llama/Llama-3.1-8B" {
			t.Errorf("upstream model = %v", body["model"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-abc",
			"model": "meta-llama/Llama-3.1-8B",
			"choices": []any{
				map[string]any{"message": map[string]any{"content": "hello!"}},
			},
			"usage": map[string]any{
				"prompt_tokens":     float64(12),
				"completion_tokens": float64(3),
			},
		})
	}))
	defer upstream.Close()

	c := testClient(t, pool, upstream.URL)
	ctx, rcCtx := requestCtx()

	body, err := c.Forward(ctx, chatContent())
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	additional, ok := body["additional_data"].(map[string]any)
	if !ok {
		t.Fatal("additional_data missing")
	}
	if additional["model"] != "llama-8b" || additional["id"] != "chatcmpl-abc" {
		t.Errorf("additional_data = %v", additional)
	}

	u := rcCtx.Usage()
	if u.PromptTokens != 12 || u.CompletionTokens != 3 || u.TotalTokens != 15 {
		t.Errorf("usage = %+v", u)
	}
	if u.Requests != 1 {
		t.Errorf("requests = %d", u.Requests)
	}
	wantCost := gateway.Round6(12.0/1e6*0.2 + 3.0/1e6*0.6)
	if u.Cost != wantCost {
		t.Errorf("cost = %v, want %v", u.Cost, wantCost)
	}
	if rcCtx.ID != "chatcmpl-abc" {
		t.Errorf("request id = %q", rcCtx.ID)
	}
	if rcCtx.LatencyMs <= 0 {
		t.Error("latency not recorded on context")
	}

	if got := gaugeValue(t, mr, 42); got != 0 {
		t.Errorf("inflight gauge = %d after request, want 0", got)
	}
	if !mr.Exists(metrics.SeriesKey(metrics.MetricLatency, 42)) {
		t.Error("latency series not written")
	}
}

func TestForwardEstimatesUsageWhenAbsent(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-noisy",
			"choices": []any{
				map[string]any{"message": map[string]any{"content": "four token answer here"}},
			},
		})
	}))
	defer upstream.Close()

	c := testClient(t, pool, upstream.URL)
	ctx, rcCtx := requestCtx()
	if _, err := c.Forward(ctx, chatContent()); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	u := rcCtx.Usage()
	if u.PromptTokens == 0 || u.CompletionTokens == 0 {
		t.Errorf("estimated usage = %+v, want non-zero", u)
	}
}

func TestForwardUpstreamError(t *testing.T) {
	t.Parallel()
	pool, mr := newTestPool(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"detail": "slow down"}`)
	}))
	defer upstream.Close()

	c := testClient(t, pool, upstream.URL)
	ctx, _ := requestCtx()

	_, err := c.Forward(ctx, chatContent())
	var upErr *gateway.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Forward error = %v, want UpstreamError", err)
	}
	if upErr.Status != http.StatusTooManyRequests || upErr.Detail != "slow down" {
		t.Errorf("UpstreamError = %+v", upErr)
	}
	if got := gaugeValue(t, mr, 42); got != 0 {
		t.Errorf("inflight gauge = %d after error, want 0", got)
	}
}

func TestForwardConnectErrorIsOverload(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // connection refused

	c := testClient(t, pool, upstream.URL)
	ctx, _ := requestCtx()
	if _, err := c.Forward(ctx, chatContent()); !errors.Is(err, gateway.ErrUpstreamOverloaded) {
		t.Errorf("Forward error = %v, want ErrUpstreamOverloaded", err)
	}
}

func TestForwardUnsupportedEndpoint(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t)
	c := testClient(t, pool, "http://unused")
	ctx, _ := requestCtx()

	rc := chatContent()
	rc.Endpoint = gateway.EndpointOCR
	if _, err := c.Forward(ctx, rc); !errors.Is(err, gateway.ErrBadRequest) {
		t.Errorf("Forward error = %v, want ErrBadRequest", err)
	}
}

func sseUpstream(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	}))
}

func collectStream(t *testing.T, c *Client, ctx context.Context, rc *gateway.RequestContent) [][]byte {
	t.Helper()
	var chunks [][]byte
	err := c.ForwardStream(ctx, rc, func(chunk []byte) error {
		chunks = append(chunks, bytes.Clone(chunk))
		return nil
	})
	if err != nil {
		t.Fatalf("ForwardStream: %v", err)
	}
	return chunks
}

func TestForwardStream(t *testing.T) {
	t.Parallel()
	pool, mr := newTestPool(t)

	upstream := sseUpstream(t, []string{
		`data: {"id":"chatcmpl-s1","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
		`data: {"id":"chatcmpl-s1","choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
		`data: {"id":"chatcmpl-s1","choices":[{"index":0,"delta":{"content":" world"}}]}`,
		`data: {"id":"chatcmpl-s1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	})
	defer upstream.Close()

	c := testClient(t, pool, upstream.URL)
	ctx, rcCtx := requestCtx()
	chunks := collectStream(t, c, ctx, chatContent())

	// 4 forwarded chunks + synthetic usage chunk + [DONE].
	if len(chunks) != 6 {
		t.Fatalf("got %d chunks, want 6", len(chunks))
	}
	if !bytes.Contains(chunks[1], []byte(`"content":"Hello"`)) {
		t.Errorf("chunk not forwarded verbatim: %s", chunks[1])
	}

	var usageChunk map[string]any
	payload := bytes.TrimSuffix(bytes.TrimPrefix(chunks[4], []byte("data: ")), []byte("\n\n"))
	if err := json.Unmarshal(payload, &usageChunk); err != nil {
		t.Fatalf("usage chunk unmarshal: %v (%s)", err, payload)
	}
	if usageChunk["id"] != "chatcmpl-s1" || usageChunk["model"] != "llama-8b" {
		t.Errorf("usage chunk identity = %v / %v", usageChunk["id"], usageChunk["model"])
	}
	if u := usageChunk["usage"].(map[string]any); u["completion_tokens"].(float64) <= 0 {
		t.Errorf("usage chunk usage = %v", u)
	}
	if !bytes.Equal(chunks[5], []byte("data: [DONE]\n\n")) {
		t.Errorf("terminal chunk = %q", chunks[5])
	}

	if rcCtx.TTFTMs <= 0 {
		t.Error("TTFT not recorded")
	}
	if rcCtx.LatencyMs <= 0 {
		t.Error("latency not recorded")
	}
	if got := gaugeValue(t, mr, 42); got != 0 {
		t.Errorf("inflight gauge = %d after stream, want 0", got)
	}
	if !mr.Exists(metrics.SeriesKey(metrics.MetricTTFT, 42)) {
		t.Error("ttft series not written")
	}
	if !mr.Exists(metrics.SeriesKey(metrics.MetricLatency, 42)) {
		t.Error("latency series not written")
	}
}

func TestForwardStreamNoContentNoTTFT(t *testing.T) {
	t.Parallel()
	pool, mr := newTestPool(t)

	upstream := sseUpstream(t, []string{
		`data: {"id":"chatcmpl-s2","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	})
	defer upstream.Close()

	c := testClient(t, pool, upstream.URL)
	ctx, rcCtx := requestCtx()
	collectStream(t, c, ctx, chatContent())

	if rcCtx.TTFTMs != 0 {
		t.Errorf("TTFT = %v for contentless stream, want 0", rcCtx.TTFTMs)
	}
	if mr.Exists(metrics.SeriesKey(metrics.MetricTTFT, 42)) {
		t.Error("ttft series written for contentless stream")
	}
}

func TestForwardStreamUpstreamUsagePreferred(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t)

	upstream := sseUpstream(t, []string{
		`data: {"id":"chatcmpl-s3","choices":[{"index":0,"delta":{"content":"hi"}}]}`,
		`data: {"id":"chatcmpl-s3","choices":[],"usage":{"prompt_tokens":100,"completion_tokens":40}}`,
		`data: [DONE]`,
	})
	defer upstream.Close()

	c := testClient(t, pool, upstream.URL)
	ctx, rcCtx := requestCtx()
	collectStream(t, c, ctx, chatContent())

	u := rcCtx.Usage()
	if u.PromptTokens != 100 || u.CompletionTokens != 40 {
		t.Errorf("usage = %+v, want upstream-reported 100/40", u)
	}
}

func TestForwardStreamUpstreamError(t *testing.T) {
	t.Parallel()
	pool, mr := newTestPool(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"message": "no capacity"}`)
	}))
	defer upstream.Close()

	c := testClient(t, pool, upstream.URL)
	ctx, _ := requestCtx()

	var chunks [][]byte
	err := c.ForwardStream(ctx, chatContent(), func(chunk []byte) error {
		chunks = append(chunks, bytes.Clone(chunk))
		return nil
	})
	var upErr *gateway.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("ForwardStream error = %v, want UpstreamError", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1 error chunk", len(chunks))
	}
	if !bytes.Contains(chunks[0], []byte(`"status":503`)) ||
		!bytes.Contains(chunks[0], []byte("no capacity")) {
		t.Errorf("error chunk = %s", chunks[0])
	}
	if got := gaugeValue(t, mr, 42); got != 0 {
		t.Errorf("inflight gauge = %d, want 0", got)
	}
}

func TestProbeProvider(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/embeddings":
			vec := make([]float64, 1024)
			json.NewEncoder(w).Encode(map[string]any{
				"data": []any{map[string]any{"embedding": vec}},
			})
		case "/models":
			json.NewEncoder(w).Encode(map[string]any{
				"data": []any{map[string]any{"id": "bge-m3", "max_model_len": 8192}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	p := &gateway.Provider{
		ID: 7, BaseURL: upstream.URL, ModelName: "bge-m3",
		Endpoints: gateway.EndpointTable{
			gateway.EndpointEmbeddings: "/embeddings",
			gateway.EndpointModels:     "/models",
		},
	}
	vs, mcl, err := pool.ProbeProvider(context.Background(), p)
	if err != nil {
		t.Fatalf("ProbeProvider: %v", err)
	}
	if vs != 1024 || mcl != 8192 {
		t.Errorf("probe = (%d, %d), want (1024, 8192)", vs, mcl)
	}
}

func TestProbeProviderNothingToProbe(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t)
	p := &gateway.Provider{
		ID: 8, BaseURL: "http://unused",
		Endpoints: gateway.EndpointTable{gateway.EndpointChatCompletions: "/chat/completions"},
	}
	vs, mcl, err := pool.ProbeProvider(context.Background(), p)
	if err != nil || vs != 0 || mcl != 0 {
		t.Errorf("probe = (%d, %d, %v), want (0, 0, nil)", vs, mcl, err)
	}
}
