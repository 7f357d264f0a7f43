package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	gateway "github.com/nmorel/bastion/internal"
	"github.com/nmorel/bastion/internal/metrics"
	"github.com/nmorel/bastion/internal/provider/sseutil"
)

// ForwardStream proxies a streaming chat completion. emit receives fully
// framed SSE bytes ready to write downstream. A synthetic chunk carrying
// the final usage is emitted immediately before [DONE]. Failures surface
// as single-chunk JSON error payloads.
func (c *Client) ForwardStream(ctx context.Context, rc *gateway.RequestContent, emit func(chunk []byte) error) error {
	url, err := c.upstreamURL(rc)
	if err != nil {
		return c.emitError(emit, http.StatusInternalServerError, err)
	}
	dialect, err := DialectFor(c.provider.Type)
	if err != nil {
		return c.emitError(emit, http.StatusInternalServerError, err)
	}
	if err := dialect.AdaptRequest(c.provider, rc); err != nil {
		return c.emitError(emit, http.StatusInternalServerError, err)
	}
	if rc.Body != nil {
		rc.Body["stream"] = true
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	req, err := c.buildRequest(ctx, url, rc)
	if err != nil {
		return c.emitError(emit, http.StatusInternalServerError, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	c.inflightIncr(ctx)
	defer c.inflightDecr(ctx)

	if rcCtx := gateway.RequestContextFrom(ctx); rcCtx != nil {
		rcCtx.ProviderID = c.provider.ID
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		err = classifyTransport(err)
		if errors.Is(err, context.Canceled) {
			return err
		}
		return c.emitError(emit, http.StatusServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upErr := parseUpstreamError(resp)
		if emitErr := emit(frame(sseutil.BuildErrorChunk(upErr.Status, upErr.Detail))); emitErr != nil {
			return emitErr
		}
		return upErr
	}

	return c.relayStream(ctx, rc, resp.Body, emit, start)
}

// relayStream forwards upstream SSE lines verbatim, watching for the
// first content delta (TTFT) and buffering deltas for token estimation.
func (c *Client) relayStream(ctx context.Context, rc *gateway.RequestContent, body io.Reader, emit func([]byte) error, start time.Time) error {
	var (
		ttftMs     float64
		sawContent bool
		chunkID    string
		deltas     []string
		upPT, upCT int
		upUsage    bool
	)

	scanner := sseutil.NewScanner(body)
	for scanner.Scan() {
		data, ok := sseutil.ParseLine(scanner.Text())
		if !ok {
			continue
		}
		if data == sseutil.Done {
			break
		}

		if chunkID == "" {
			chunkID = gjson.Get(data, "id").String()
		}
		if content := gjson.Get(data, "choices.0.delta.content").String(); content != "" {
			if !sawContent {
				sawContent = true
				ttftMs = float64(time.Since(start)) / float64(time.Millisecond)
			}
			deltas = append(deltas, content)
		}
		if pt, ct, ok := usageFromJSON(data); ok {
			upPT, upCT, upUsage = pt, ct, ok
		}

		if err := emit(frame([]byte(data))); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "stream read failed",
			slog.Int64("provider_id", c.provider.ID), slog.String("error", err.Error()))
	}

	latencyMs := float64(time.Since(start)) / float64(time.Millisecond)

	pt, ct := upPT, upCT
	if !upUsage {
		pt = c.tok.PromptTokens(rc.Endpoint, rc.Body)
		ct = c.tok.CompletionTokensFromDeltas(deltas)
	}
	delta := c.usageDelta(pt, ct, latencyMs)

	id := rc.ID
	if id == "" {
		id = chunkID
	}
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	rcCtx := gateway.RequestContextFrom(ctx)
	if rcCtx != nil {
		id = rcCtx.SetID(id)
		rcCtx.AddUsage(delta)
		rcCtx.LatencyMs = latencyMs
		rcCtx.ProviderID = c.provider.ID
		if sawContent {
			rcCtx.TTFTMs = ttftMs
		}
	}
	rc.ID = id

	if err := emit(frame(sseutil.BuildUsageChunk(id, rc.Model, rcCtxUsage(rcCtx, delta)))); err != nil {
		return err
	}
	if err := emit(sseutil.DoneLine); err != nil {
		return err
	}

	if sawContent {
		c.recordTTFT(ctx, ttftMs)
	}
	c.recordLatency(ctx, latencyMs)
	c.recordPerformance(ctx, latencyMs, ct)
	return nil
}

// rcCtxUsage prefers the request's accumulated usage for the final chunk
// so multi-call requests report totals; falls back to this call's delta.
func rcCtxUsage(rcCtx *gateway.RequestContext, delta gateway.Usage) gateway.Usage {
	if rcCtx != nil {
		return rcCtx.Usage()
	}
	return delta
}

func (c *Client) recordTTFT(ctx context.Context, ttftMs float64) {
	key := metrics.SeriesKey(metrics.MetricTTFT, c.provider.ID)
	if err := c.metrics.TSAdd(ctx, key, time.Now().UnixMilli(), ttftMs); err != nil {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "ttft record failed",
			slog.Int64("provider_id", c.provider.ID), slog.String("error", err.Error()))
	}
}

// emitError sends a single-chunk error payload and returns the cause.
func (c *Client) emitError(emit func([]byte) error, status int, cause error) error {
	if errors.Is(cause, gateway.ErrUpstreamOverloaded) {
		status = http.StatusServiceUnavailable
	}
	if emitErr := emit(frame(sseutil.BuildErrorChunk(status, cause.Error()))); emitErr != nil {
		return emitErr
	}
	return cause
}

// frame wraps a payload in SSE data framing.
func frame(payload []byte) []byte {
	out := make([]byte, 0, len(sseutil.DataPrefix)+len(payload)+len(sseutil.LineEnd))
	out = append(out, sseutil.DataPrefix...)
	out = append(out, payload...)
	return append(out, sseutil.LineEnd...)
}
