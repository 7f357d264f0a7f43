// Package server implements the HTTP transport layer for the Bastion gateway.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/nmorel/bastion/internal"
	"github.com/nmorel/bastion/internal/dispatch"
	"github.com/nmorel/bastion/internal/provider"
	"github.com/nmorel/bastion/internal/ratelimit"
	"github.com/nmorel/bastion/internal/registry"
	"github.com/nmorel/bastion/internal/storage"
	"github.com/nmorel/bastion/internal/telemetry"
	"github.com/nmorel/bastion/internal/usage"
)

// Authenticator resolves credentials and manages bearer tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*gateway.UserInfo, error)
	MintToken(ctx context.Context, userID int64, name string, expiresAt time.Time) (string, *gateway.Token, error)
	RevokeToken(ctx context.Context, tokenID int64) error
}

// UsageRecorder records API usage asynchronously.
type UsageRecorder interface {
	Record(gateway.UsageRecord)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           Authenticator
	Registry       *registry.Registry
	Dispatcher     *dispatch.Dispatcher
	Pool           *provider.Pool
	Store          storage.Store
	Limiter        *ratelimit.Limiter
	Usage          UsageRecorder      // nil = no usage recording
	Telemetry      *telemetry.Metrics // nil = no Prometheus collectors
	MetricsHandler http.Handler       // nil = no /metrics route
	MaxFileSize    int64              // bytes per uploaded file; 0 = default
	ReadyCheck     func(context.Context) error
	Logger         *slog.Logger
}

const defaultMaxFileSize = 20 << 20

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.MaxFileSize <= 0 {
		deps.MaxFileSize = defaultMaxFileSize
	}
	s := &server{deps: deps, tok: usage.NewTokenizer()}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		// Self info stays reachable for expired users.
		r.Get("/v1/me", s.handleSelfInfo)

		r.Group(func(r chi.Router) {
			r.Use(s.rejectExpired)

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermUseModels))
				r.Post("/v1/chat/completions", s.inference(gateway.EndpointChatCompletions))
				r.Post("/v1/completions", s.inference(gateway.EndpointCompletions))
				r.Post("/v1/embeddings", s.inference(gateway.EndpointEmbeddings))
				r.Post("/v1/rerank", s.inference(gateway.EndpointRerank))
				r.Post("/v1/ocr", s.inference(gateway.EndpointOCR))
				r.Post("/v1/parse", s.inference(gateway.EndpointParse))
				r.Post("/v1/audio/transcriptions", s.inference(gateway.EndpointAudioTranscriptions))
				r.Get("/v1/models", s.handleListModels)
			})

			r.Get("/v1/me/usage", s.handleSelfUsage)

			r.Route("/v1/admin", s.mountAdmin)
		})
	})

	return r
}

type server struct {
	deps Deps
	tok  *usage.Tokenizer
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

type apiError struct {
	Detail string `json:"detail"`
}

func errorResponse(msg string) apiError { return apiError{Detail: msg} }

func (s *server) error(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), errorResponse(err.Error()))
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	var upErr *gateway.UpstreamError
	if errors.As(err, &upErr) {
		return upErr.Status
	}
	switch {
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrUnauthorized),
		errors.Is(err, gateway.ErrForbidden),
		errors.Is(err, gateway.ErrInsufficientPerms),
		errors.Is(err, gateway.ErrTokenExpired),
		errors.Is(err, gateway.ErrUserExpired),
		errors.Is(err, gateway.ErrRouterInconsistent):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrNotFound), errors.Is(err, gateway.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, gateway.ErrUnsupportedFile):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gateway.ErrUpstreamUnreachable):
		return http.StatusFailedDependency
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrUpstreamOverloaded):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrDispatchTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
