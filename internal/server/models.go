package server

import (
	"net/http"

	gateway "github.com/nmorel/bastion/internal"
)

// modelEntry is the /v1/models wire shape for one router.
type modelEntry struct {
	ID               string   `json:"id"`
	Object           string   `json:"object"`
	Aliases          []string `json:"aliases,omitempty"`
	Type             string   `json:"type"`
	CostPrompt       float64  `json:"cost_prompt_tokens"`
	CostCompletion   float64  `json:"cost_completion_tokens"`
	VectorSize       int      `json:"vector_size,omitempty"`
	MaxContextLength int      `json:"max_context_length,omitempty"`
}

func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	routers := s.deps.Registry.List()
	data := make([]modelEntry, 0, len(routers))
	for _, rt := range routers {
		data = append(data, modelEntry{
			ID:               rt.Name,
			Object:           "model",
			Aliases:          rt.Aliases,
			Type:             string(rt.Type),
			CostPrompt:       rt.CostPrompt,
			CostCompletion:   rt.CostCompletion,
			VectorSize:       rt.VectorSize,
			MaxContextLength: rt.MaxContextLength,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports whether backing stores are reachable.
func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSelfInfo serves the caller's own identity. Reachable for expired
// users so they can see why their requests fail.
func (s *server) handleSelfInfo(w http.ResponseWriter, r *http.Request) {
	user := gateway.UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       user.ID,
		"name":     user.Name,
		"priority": user.Priority,
		"expired":  user.Expired,
	})
}

func (s *server) handleSelfUsage(w http.ResponseWriter, r *http.Request) {
	user := gateway.UserFromContext(r.Context())
	offset := parseIntQuery(r, "offset", 0)
	limit := parseIntQuery(r, "limit", 100)
	records, err := s.deps.Store.ListUsage(r.Context(), user.ID, offset, limit)
	if err != nil {
		s.error(w, err)
		return
	}
	if records == nil {
		records = []*gateway.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": records})
}
