package gateway

import "time"

// Role bundles permissions with per-router limits. Users inherit both.
type Role struct {
	ID       int64              `json:"id"`
	Name     string             `json:"name"`
	Perms    Permission         `json:"permissions"`
	Priority int                `json:"priority"`
	Limits   map[int64]LimitSet `json:"limits,omitempty"` // keyed by router id
}

// User is a persisted account. Its effective permissions and limits come
// from the role.
type User struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	RoleID    int64      `json:"role_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Token is a persisted bearer credential. The caller presents a signed
// envelope carrying (user_id, token_id); the row is the revocation and
// expiry source of truth.
type Token struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// UsageRecord is a single persisted API usage event.
type UsageRecord struct {
	ID               string    `json:"id"`
	UserID           int64     `json:"user_id"`
	TokenID          int64     `json:"token_id"`
	RouterID         int64     `json:"router_id"`
	ProviderID       int64     `json:"provider_id"`
	Router           string    `json:"router"`
	Model            string    `json:"model"`
	Endpoint         string    `json:"endpoint"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Cost             float64   `json:"cost"`
	KWhMin           float64   `json:"kwh_min"`
	KWhMax           float64   `json:"kwh_max"`
	KgCO2eqMin       float64   `json:"kgco2eq_min"`
	KgCO2eqMax       float64   `json:"kgco2eq_max"`
	TTFTMs           float64   `json:"ttft_ms"`
	LatencyMs        float64   `json:"latency_ms"`
	StatusCode       int       `json:"status_code"`
	RequestID        string    `json:"request_id"`
	CreatedAt        time.Time `json:"created_at"`
}
