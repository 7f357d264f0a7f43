// Package provider implements the upstream client: one Client per
// provider row, with dialect adaptation, inflight/latency accounting,
// and the streaming SSE proxy.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	gateway "github.com/nmorel/bastion/internal"
	"github.com/nmorel/bastion/internal/metrics"
	"github.com/nmorel/bastion/internal/usage"
)

// Pool hands out Clients and caches one tuned http.Client per provider.
type Pool struct {
	metrics  *metrics.Store
	tok      *usage.Tokenizer
	logger   *slog.Logger
	resolver *dnscache.Resolver

	mu      sync.Mutex
	clients map[int64]*http.Client
}

func NewPool(m *metrics.Store, logger *slog.Logger) *Pool {
	resolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			resolver.Refresh(true)
		}
	}()
	return &Pool{
		metrics:  m,
		tok:      usage.NewTokenizer(),
		logger:   logger,
		resolver: resolver,
		clients:  make(map[int64]*http.Client),
	}
}

// Client returns the dispatch client for a (router, provider) pair.
func (pl *Pool) Client(rt *gateway.Router, p *gateway.Provider) *Client {
	pl.mu.Lock()
	hc, ok := pl.clients[p.ID]
	if !ok {
		hc = &http.Client{Transport: newTransport(pl.resolver)}
		pl.clients[p.ID] = hc
	}
	pl.mu.Unlock()
	return &Client{
		router:   rt,
		provider: p,
		http:     hc,
		metrics:  pl.metrics,
		tok:      pl.tok,
		logger:   pl.logger,
	}
}

func newTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var d net.Dialer
		return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
	}
	return t
}

// Client forwards requests to one upstream provider.
type Client struct {
	router   *gateway.Router
	provider *gateway.Provider
	http     *http.Client
	metrics  *metrics.Store
	tok      *usage.Tokenizer
	logger   *slog.Logger
}

func (c *Client) timeout() time.Duration {
	if c.provider.TimeoutS > 0 {
		return time.Duration(c.provider.TimeoutS) * time.Second
	}
	return 120 * time.Second
}

// upstreamURL resolves the target for rc's endpoint.
func (c *Client) upstreamURL(rc *gateway.RequestContent) (string, error) {
	path, ok := c.provider.Endpoints[rc.Endpoint]
	if !ok {
		return "", fmt.Errorf("provider %d does not serve %s: %w",
			c.provider.ID, rc.Endpoint, gateway.ErrBadRequest)
	}
	return c.provider.BaseURL + path, nil
}

// Forward adapts rc to the provider dialect, issues the upstream call,
// and returns the normalized response body with usage accounted.
func (c *Client) Forward(ctx context.Context, rc *gateway.RequestContent) (map[string]any, error) {
	url, err := c.upstreamURL(rc)
	if err != nil {
		return nil, err
	}
	dialect, err := DialectFor(c.provider.Type)
	if err != nil {
		return nil, err
	}
	if err := dialect.AdaptRequest(c.provider, rc); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	req, err := c.buildRequest(ctx, url, rc)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, gateway.ErrRequestFormat)
	}

	c.inflightIncr(ctx)
	defer c.inflightDecr(ctx)

	// Stamp the provider before the call so failed attempts are
	// attributed in usage rows and error counters.
	if rcCtx := gateway.RequestContextFrom(ctx); rcCtx != nil {
		rcCtx.ProviderID = c.provider.ID
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseUpstreamError(resp)
	}

	latencyMs := float64(time.Since(start)) / float64(time.Millisecond)
	c.recordLatency(ctx, latencyMs)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, classifyTransport(err)
	}
	body, err := decodeBody(raw)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, gateway.ErrResponseFormat)
	}
	body, err = dialect.AdaptResponse(c.provider, rc, body)
	if err != nil {
		return nil, err
	}
	out := c.finishResponse(ctx, rc, body, latencyMs)
	if rcCtx := gateway.RequestContextFrom(ctx); rcCtx != nil {
		c.recordPerformance(ctx, latencyMs, rcCtx.Usage().CompletionTokens)
	}
	return out, nil
}

// finishResponse accounts usage, settles the request id, and attaches
// additional_data to the response body.
func (c *Client) finishResponse(ctx context.Context, rc *gateway.RequestContent, body map[string]any, latencyMs float64) map[string]any {
	pt, ct, ok := upstreamUsage(body)
	if !ok {
		pt = c.tok.PromptTokens(rc.Endpoint, rc.Body)
		ct = c.tok.CompletionTokens(rc.Endpoint, body)
	}
	delta := c.usageDelta(pt, ct, latencyMs)

	id := rc.ID
	if id == "" {
		if v, ok := body["id"].(string); ok && v != "" {
			id = v
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
	}

	rcCtx := gateway.RequestContextFrom(ctx)
	if rcCtx != nil {
		id = rcCtx.SetID(id)
		rcCtx.AddUsage(delta)
		rcCtx.LatencyMs = latencyMs
		rcCtx.ProviderID = c.provider.ID
	}
	rc.ID = id

	additional := map[string]any{
		"model": rc.Model,
		"id":    id,
		"usage": delta,
	}
	for k, v := range rc.Additional {
		additional[k] = v
	}
	body["additional_data"] = additional
	return body
}

// usageDelta prices and carbon-accounts one call.
func (c *Client) usageDelta(promptTokens, completionTokens int, latencyMs float64) gateway.Usage {
	delta := gateway.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Cost:             usage.Cost(c.router, promptTokens, completionTokens),
		Requests:         1,
	}
	if env, ok := usage.Carbon(c.provider, completionTokens, latencyMs); ok {
		delta.KWhMin = env.KWhMin
		delta.KWhMax = env.KWhMax
		delta.KgCO2eqMin = env.KgCO2eqMin
		delta.KgCO2eqMax = env.KgCO2eqMax
	}
	return delta
}

// buildRequest serializes rc as JSON or multipart and applies auth.
func (c *Client) buildRequest(ctx context.Context, url string, rc *gateway.RequestContent) (*http.Request, error) {
	var (
		body        io.Reader
		contentType string
	)
	switch {
	case len(rc.Files) > 0 || len(rc.Form) > 0:
		buf := &bytes.Buffer{}
		mw := multipart.NewWriter(buf)
		for k, v := range rc.Form {
			if err := mw.WriteField(k, v); err != nil {
				return nil, err
			}
		}
		for _, f := range rc.Files {
			part, err := mw.CreateFormFile(f.Field, f.Name)
			if err != nil {
				return nil, err
			}
			if _, err := part.Write(f.Data); err != nil {
				return nil, err
			}
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
		body = buf
		contentType = mw.FormDataContentType()
	case rc.Body != nil:
		b, err := json.Marshal(rc.Body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}

	method := rc.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.provider.Key != "" {
		req.Header.Set("Authorization", "Bearer "+c.provider.Key)
	}
	return req, nil
}

// Inflight accounting. The increment is best-effort; the decrement runs
// on every exit path with a detached context so cancellation cannot leave
// the gauge elevated.
func (c *Client) inflightIncr(ctx context.Context) {
	key := metrics.GaugeKey(metrics.MetricInflight, c.provider.ID)
	if err := c.metrics.Incr(ctx, key); err != nil {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "inflight incr failed",
			slog.Int64("provider_id", c.provider.ID), slog.String("error", err.Error()))
	}
}

func (c *Client) inflightDecr(ctx context.Context) {
	key := metrics.GaugeKey(metrics.MetricInflight, c.provider.ID)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.metrics.Decr(ctx, key); err != nil {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "inflight decr failed",
			slog.Int64("provider_id", c.provider.ID), slog.String("error", err.Error()))
	}
}

func (c *Client) recordLatency(ctx context.Context, latencyMs float64) {
	key := metrics.SeriesKey(metrics.MetricLatency, c.provider.ID)
	if err := c.metrics.TSAdd(ctx, key, time.Now().UnixMilli(), latencyMs); err != nil {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "latency record failed",
			slog.Int64("provider_id", c.provider.ID), slog.String("error", err.Error()))
	}
}

// recordPerformance tracks latency per completion token.
func (c *Client) recordPerformance(ctx context.Context, latencyMs float64, completionTokens int) {
	if completionTokens <= 0 {
		return
	}
	key := metrics.SeriesKey(metrics.MetricPerformance, c.provider.ID)
	if err := c.metrics.TSAdd(ctx, key, time.Now().UnixMilli(), latencyMs/float64(completionTokens)); err != nil {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "performance record failed",
			slog.Int64("provider_id", c.provider.ID), slog.String("error", err.Error()))
	}
}

// classifyTransport maps timeouts, pool exhaustion, and connect errors to
// the retryable overload kind; client cancellation passes through.
func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%v: %w", err, gateway.ErrUpstreamOverloaded)
}

// decodeBody parses an upstream JSON body; bare arrays are wrapped so
// dialect adapters always see a map.
func decodeBody(raw []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []any
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, err
		}
		return map[string]any{rawArrayKey: arr}, nil
	}
	var body map[string]any
	if err := json.Unmarshal(trimmed, &body); err != nil {
		return nil, err
	}
	return body, nil
}

// upstreamUsage extracts reported token counts when the upstream sends
// them.
func upstreamUsage(body map[string]any) (prompt, completion int, ok bool) {
	u, isMap := body["usage"].(map[string]any)
	if !isMap {
		return 0, 0, false
	}
	pt, hasPT := u["prompt_tokens"].(float64)
	ct, _ := u["completion_tokens"].(float64)
	if !hasPT {
		return 0, 0, false
	}
	return int(pt), int(ct), true
}

// usageFromJSON reads token counts out of a raw chunk payload.
func usageFromJSON(data string) (prompt, completion int, ok bool) {
	pt := gjson.Get(data, "usage.prompt_tokens")
	if !pt.Exists() {
		return 0, 0, false
	}
	return int(pt.Int()), int(gjson.Get(data, "usage.completion_tokens").Int()), true
}
