// Package gateway defines domain types and interfaces for the Bastion LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"math"
	"sync"
)

// --- Endpoints ---

// Endpoint is a logical API surface a provider may serve.
type Endpoint string

const (
	EndpointChatCompletions     Endpoint = "chat_completions"
	EndpointCompletions         Endpoint = "completions"
	EndpointEmbeddings          Endpoint = "embeddings"
	EndpointRerank              Endpoint = "rerank"
	EndpointOCR                 Endpoint = "ocr"
	EndpointParse               Endpoint = "parse"
	EndpointAudioTranscriptions Endpoint = "audio_transcriptions"
	EndpointModels              Endpoint = "models"
)

// EndpointTable maps logical endpoints to upstream paths.
// A missing entry means the provider does not serve that endpoint.
type EndpointTable map[Endpoint]string

// --- Router / Provider catalogue ---

// RouterType classifies the task a router serves.
type RouterType string

const (
	RouterTextGeneration     RouterType = "text-generation"
	RouterImageTextToText    RouterType = "image-text-to-text"
	RouterTextEmbeddings     RouterType = "text-embeddings-inference"
	RouterSpeechRecognition  RouterType = "automatic-speech-recognition"
	RouterTextClassification RouterType = "text-classification"
	RouterImageToText        RouterType = "image-to-text"
)

// Load balancing strategies.
const (
	StrategyShuffle   = "shuffle"
	StrategyLeastBusy = "least_busy"
)

// MasterUserID is the synthetic owner/user id that bypasses all limits.
const MasterUserID = 0

// Router is a logical model name exposed to callers. It fans out to one
// or more providers. Names and aliases are globally unique across active
// routers; an alias never collides with another router's name.
type Router struct {
	ID               int64       `json:"id"`
	Name             string      `json:"name"`
	Aliases          []string    `json:"aliases,omitempty"`
	Type             RouterType  `json:"type"`
	Strategy         string      `json:"routing_strategy"`
	CostPrompt       float64     `json:"cost_prompt_tokens"`     // per million prompt tokens
	CostCompletion   float64     `json:"cost_completion_tokens"` // per million completion tokens
	VectorSize       int         `json:"vector_size,omitempty"`
	MaxContextLength int         `json:"max_context_length,omitempty"`
	OwnerID          int64       `json:"owner_id"` // 0 = master
	Providers        []*Provider `json:"providers,omitempty"`
}

// Provider is a concrete upstream HTTP endpoint serving a router.
type Provider struct {
	ID               int64         `json:"id"`
	RouterID         int64         `json:"router_id"`
	OwnerID          int64         `json:"owner_id"`
	Type             string        `json:"type"` // "vllm", "openai", "mistral", "albert", "tei"
	BaseURL          string        `json:"base_url"`
	Key              string        `json:"-"` // bearer key, never exposed
	TimeoutS         int           `json:"timeout"`
	ModelName        string        `json:"model_name"`
	CountryCode      string        `json:"hosting_country,omitempty"` // ISO 3166-1 alpha-3
	TotalParams      *float64      `json:"total_params,omitempty"`    // billions
	ActiveParams     *float64      `json:"active_params,omitempty"`   // billions
	QoSMetric        string        `json:"qos_metric,omitempty"`      // "ttft", "latency", "inflight", "performance"
	QoSLimit         *float64      `json:"qos_limit,omitempty"`
	Endpoints        EndpointTable `json:"endpoints,omitempty"`
	VectorSize       int           `json:"vector_size,omitempty"`
	MaxContextLength int           `json:"max_context_length,omitempty"`
}

// ServesEndpoint reports whether the provider has an upstream path for ep.
func (p *Provider) ServesEndpoint(ep Endpoint) bool {
	_, ok := p.Endpoints[ep]
	return ok
}

// --- Usage ---

// Usage is the cumulative per-request accounting record. Counters are
// monotonic within a request lifetime.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
	KWhMin           float64 `json:"kwh_min"`
	KWhMax           float64 `json:"kwh_max"`
	KgCO2eqMin       float64 `json:"kgco2eq_min"`
	KgCO2eqMax       float64 `json:"kgco2eq_max"`
	Requests         int     `json:"requests"`
}

// Add accumulates a delta into u.
func (u *Usage) Add(d Usage) {
	u.PromptTokens += d.PromptTokens
	u.CompletionTokens += d.CompletionTokens
	u.TotalTokens += d.TotalTokens
	u.Cost = Round6(u.Cost + d.Cost)
	u.KWhMin += d.KWhMin
	u.KWhMax += d.KWhMax
	u.KgCO2eqMin += d.KgCO2eqMin
	u.KgCO2eqMax += d.KgCO2eqMax
	u.Requests += d.Requests
}

// Round6 rounds a monetary value to 6 decimals.
func Round6(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}

// --- Identity ---

// Permission is a bitmask representing authorization capabilities.
type Permission uint32

const (
	PermUseModels     Permission = 1 << iota // call inference endpoints
	PermManageRouters                        // router/provider CRUD
	PermManageUsers                          // user CRUD
	PermManageRoles                          // role CRUD
	PermManageTokens                         // mint/revoke any token
	PermViewUsage                            // read usage records
)

// Has reports whether p includes q.
func (p Permission) Has(q Permission) bool { return p&q == q }

// PermAll is every permission; granted to the master identity.
const PermAll = PermUseModels | PermManageRouters | PermManageUsers |
	PermManageRoles | PermManageTokens | PermViewUsage

// LimitSet holds the four window limits for a (user, router) pair.
// nil means unlimited; 0 means "not granted" and denies the request.
type LimitSet struct {
	RPM *int64 `json:"rpm"`
	RPD *int64 `json:"rpd"`
	TPM *int64 `json:"tpm"`
	TPD *int64 `json:"tpd"`
}

// UserInfo is the resolved caller: user row merged with role permissions
// and per-router limits.
type UserInfo struct {
	ID        int64              `json:"id"`
	Name      string             `json:"name"`
	Priority  int                `json:"priority"` // queued-mode dispatch priority
	TokenID   int64              `json:"-"`        // credential that authenticated this request
	TokenName string             `json:"-"`
	Perms     Permission         `json:"-"`
	Expired   bool               `json:"-"`
	Limits    map[int64]LimitSet `json:"-"` // keyed by router id
}

// Can reports whether the user has the given permission.
func (u *UserInfo) Can(p Permission) bool { return u.Perms.Has(p) }

// IsMaster reports whether this is the synthetic master identity.
// The bypass requires id == 0, not any permission set.
func (u *UserInfo) IsMaster() bool { return u.ID == MasterUserID }

// LimitsFor returns the limit set for a router. Missing entries are
// unlimited for the master user and "not granted" otherwise.
func (u *UserInfo) LimitsFor(routerID int64) LimitSet {
	if ls, ok := u.Limits[routerID]; ok {
		return ls
	}
	if u.IsMaster() {
		return LimitSet{}
	}
	zero := int64(0)
	return LimitSet{RPM: &zero, RPD: &zero, TPM: &zero, TPD: &zero}
}

// MasterUser returns the synthetic identity used for the master key.
func MasterUser() *UserInfo {
	return &UserInfo{ID: MasterUserID, Name: "master", Perms: PermAll}
}

// --- Request context (threaded implicitly through the handler chain) ---

// RequestContext is the per-request bag visible to every component down
// to the provider client. Writes are visible to the response serializer
// of the same request and to no other request.
type RequestContext struct {
	mu sync.Mutex

	ID         string
	Method     string
	Endpoint   Endpoint
	UserID     int64
	KeyID      int64
	KeyName    string
	RouterID   int64
	Router     string
	ProviderID int64
	Model      string
	TTFTMs     float64
	LatencyMs  float64

	usage Usage
}

// AddUsage accumulates a usage delta. Serialized so concurrent accounting
// within one request never interleaves.
func (rc *RequestContext) AddUsage(d Usage) {
	rc.mu.Lock()
	rc.usage.Add(d)
	rc.mu.Unlock()
}

// Usage returns a snapshot of the accumulated usage.
func (rc *RequestContext) Usage() Usage {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.usage
}

// SetID sets the request id if unset and returns the effective id.
func (rc *RequestContext) SetID(id string) string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.ID == "" {
		rc.ID = id
	}
	return rc.ID
}

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The User field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RC   *RequestContext
	User *UserInfo
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// NewRequestContext returns ctx carrying a fresh RequestContext.
func NewRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RC: rc})
}

// RequestContextFrom extracts the RequestContext from ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	if m := metaFromContext(ctx); m != nil {
		return m.RC
	}
	return nil
}

// ContextWithUser stores the user in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new
// metadata if none exists (e.g., in tests).
func ContextWithUser(ctx context.Context, u *UserInfo) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.User = u
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{User: u})
}

// UserFromContext extracts the authenticated user from ctx, or nil.
func UserFromContext(ctx context.Context) *UserInfo {
	if m := metaFromContext(ctx); m != nil {
		return m.User
	}
	return nil
}
