package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	gateway "github.com/nmorel/bastion/internal"
)

// maxJSONBody bounds how much of a JSON request body is read.
const maxJSONBody = 32 << 20

// inference returns the handler for one logical endpoint. The flow is:
// parse, resolve model, rate limit, dispatch, forward.
func (s *server) inference(ep gateway.Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		content, err := s.parseRequest(r, ep)
		if err != nil {
			s.error(w, err)
			return
		}

		user := gateway.UserFromContext(r.Context())
		rt, err := s.deps.Registry.Resolve(content.Model)
		if err != nil {
			s.error(w, err)
			return
		}

		rc := gateway.RequestContextFrom(r.Context())
		if rc != nil {
			rc.Endpoint = ep
			rc.RouterID = rt.ID
			rc.Router = rt.Name
			rc.Model = content.Model
		}

		var promptTokens *int64
		if n := s.tok.PromptTokens(ep, content.Body); n > 0 {
			v := int64(n)
			promptTokens = &v
		}
		if err := s.deps.Limiter.CheckUserLimits(r.Context(), user, rt.ID, promptTokens); err != nil {
			if m := s.deps.Telemetry; m != nil && errorStatus(err) == http.StatusTooManyRequests {
				m.RateLimitRejects.WithLabelValues(string(ep)).Inc()
			}
			s.error(w, err)
			return
		}

		p, err := s.deps.Dispatcher.Dispatch(r.Context(), rt, ep, user.Priority)
		if err != nil {
			if m := s.deps.Telemetry; m != nil {
				m.DispatchRejects.WithLabelValues(rt.Name).Inc()
			}
			s.error(w, err)
			return
		}
		client := s.deps.Pool.Client(rt, p)

		if ep == gateway.EndpointChatCompletions && wantsStream(content) {
			s.serveStream(w, r, client, content)
			return
		}

		body, err := client.Forward(r.Context(), content)
		if err != nil {
			status := errorStatus(err)
			s.observeUpstream(r.Context(), status)
			s.recordUsage(r.Context(), status)
			s.error(w, err)
			return
		}
		s.observeUpstream(r.Context(), http.StatusOK)
		s.recordUsage(r.Context(), http.StatusOK)
		writeJSON(w, http.StatusOK, body)
	}
}

func wantsStream(content *gateway.RequestContent) bool {
	v, _ := content.Body["stream"].(bool)
	return v
}

// Pre-allocated header value slices for SSE responses.
var (
	sseContentType  = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// serveStream relays the upstream SSE stream. The provider client frames
// every chunk, including error payloads, so this only writes and flushes.
func (s *server) serveStream(w http.ResponseWriter, r *http.Request, client streamForwarder, content *gateway.RequestContent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.deps.Logger.Error("ResponseWriter does not implement http.Flusher")
		s.error(w, fmt.Errorf("streaming unsupported: %w", gateway.ErrResponseFormat))
		return
	}

	h := w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := client.ForwardStream(r.Context(), content, func(chunk []byte) error {
		if _, werr := w.Write(chunk); werr != nil {
			return werr
		}
		flusher.Flush()
		return nil
	})
	status := http.StatusOK
	if err != nil {
		status = errorStatus(err)
		s.deps.Logger.LogAttrs(r.Context(), slog.LevelWarn, "stream ended with error",
			slog.String("error", err.Error()))
	}
	s.observeUpstream(r.Context(), status)
	s.recordUsage(r.Context(), status)
}

// streamForwarder is what serveStream needs from the provider client.
type streamForwarder interface {
	ForwardStream(ctx context.Context, rc *gateway.RequestContent, emit func([]byte) error) error
}

// parseRequest builds the outbound request carcass from a JSON or
// multipart body. Absent bodies are tolerated; a missing model is not.
func (s *server) parseRequest(r *http.Request, ep gateway.Endpoint) (*gateway.RequestContent, error) {
	content := &gateway.RequestContent{Method: http.MethodPost, Endpoint: ep}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := s.parseMultipart(r, content); err != nil {
			return nil, err
		}
	} else {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", gateway.ErrBadRequest)
		}
		body := map[string]any{}
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &body); err != nil {
				return nil, fmt.Errorf("invalid JSON body: %w", gateway.ErrBadRequest)
			}
		}
		content.Body = body
		content.Model, _ = body["model"].(string)
	}

	if content.Model == "" {
		return nil, fmt.Errorf("missing model: %w", gateway.ErrBadRequest)
	}
	return content, nil
}

func (s *server) parseMultipart(r *http.Request, content *gateway.RequestContent) error {
	if err := r.ParseMultipartForm(s.deps.MaxFileSize); err != nil {
		return fmt.Errorf("parse multipart: %v: %w", err, gateway.ErrBadRequest)
	}
	content.Form = make(map[string]string, len(r.MultipartForm.Value))
	for k, vs := range r.MultipartForm.Value {
		if len(vs) > 0 {
			content.Form[k] = vs[0]
		}
	}
	for field, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			if fh.Size > s.deps.MaxFileSize {
				return fmt.Errorf("%s is %d bytes: %w", fh.Filename, fh.Size, gateway.ErrFileTooLarge)
			}
			f, err := fh.Open()
			if err != nil {
				return fmt.Errorf("open upload %s: %w", fh.Filename, gateway.ErrBadRequest)
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("read upload %s: %w", fh.Filename, gateway.ErrBadRequest)
			}
			content.Files = append(content.Files, gateway.FilePart{
				Field:       field,
				Name:        fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Data:        data,
			})
		}
	}
	content.Model = content.Form["model"]
	return nil
}

// observeUpstream samples the upstream call into the Prometheus
// collectors once the provider client has stamped latency and provider id.
func (s *server) observeUpstream(ctx context.Context, status int) {
	m := s.deps.Telemetry
	if m == nil {
		return
	}
	rc := gateway.RequestContextFrom(ctx)
	if rc == nil || rc.ProviderID == 0 {
		return
	}
	providerID := strconv.FormatInt(rc.ProviderID, 10)
	if rc.LatencyMs > 0 {
		m.UpstreamDuration.WithLabelValues(providerID, rc.Model).Observe(rc.LatencyMs / 1000)
	}
	if status >= http.StatusBadRequest {
		m.UpstreamErrors.WithLabelValues(providerID, strconv.Itoa(status)).Inc()
	}
}

// recordUsage hands the request's accounting snapshot to the recorder.
// Client-cancelled requests are not recorded.
func (s *server) recordUsage(ctx context.Context, status int) {
	if s.deps.Usage == nil {
		return
	}
	if ctx.Err() == context.Canceled {
		return
	}
	rc := gateway.RequestContextFrom(ctx)
	if rc == nil {
		return
	}
	u := rc.Usage()
	if m := s.deps.Telemetry; m != nil && u.TotalTokens > 0 {
		m.TokensProcessed.WithLabelValues(rc.Model, "prompt").Add(float64(u.PromptTokens))
		m.TokensProcessed.WithLabelValues(rc.Model, "completion").Add(float64(u.CompletionTokens))
	}
	s.deps.Usage.Record(gateway.UsageRecord{
		UserID:           rc.UserID,
		TokenID:          rc.KeyID,
		RouterID:         rc.RouterID,
		ProviderID:       rc.ProviderID,
		Router:           rc.Router,
		Model:            rc.Model,
		Endpoint:         string(rc.Endpoint),
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		Cost:             u.Cost,
		KWhMin:           u.KWhMin,
		KWhMax:           u.KWhMax,
		KgCO2eqMin:       u.KgCO2eqMin,
		KgCO2eqMax:       u.KgCO2eqMax,
		TTFTMs:           rc.TTFTMs,
		LatencyMs:        rc.LatencyMs,
		StatusCode:       status,
		RequestID:        rc.ID,
	})
}

// parseIntQuery reads an integer query parameter with a default.
func parseIntQuery(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
