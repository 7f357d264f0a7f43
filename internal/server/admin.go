package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/nmorel/bastion/internal"
)

// mountAdmin wires the catalogue and identity CRUD surface. Each group is
// gated on its own permission bit.
func (s *server) mountAdmin(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(s.requirePerm(gateway.PermManageRouters))
		r.Get("/routers", s.handleListRouters)
		r.Post("/routers", s.handleCreateRouter)
		r.Get("/routers/{id}", s.handleGetRouter)
		r.Put("/routers/{id}", s.handleUpdateRouter)
		r.Delete("/routers/{id}", s.handleDeleteRouter)
		r.Post("/routers/{id}/providers", s.handleCreateProvider)
		r.Put("/routers/{id}/providers/{pid}", s.handleUpdateProvider)
		r.Delete("/routers/{id}/providers/{pid}", s.handleDeleteProvider)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requirePerm(gateway.PermManageRoles))
		r.Get("/roles", s.handleListRoles)
		r.Post("/roles", s.handleCreateRole)
		r.Put("/roles/{id}", s.handleUpdateRole)
		r.Delete("/roles/{id}", s.handleDeleteRole)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requirePerm(gateway.PermManageUsers))
		r.Get("/users", s.handleListUsers)
		r.Post("/users", s.handleCreateUser)
		r.Get("/users/{id}", s.handleGetUser)
		r.Put("/users/{id}", s.handleUpdateUser)
		r.Delete("/users/{id}", s.handleDeleteUser)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requirePerm(gateway.PermManageTokens))
		r.Get("/tokens", s.handleListTokens)
		r.Post("/tokens", s.handleMintToken)
		r.Delete("/tokens/{id}", s.handleRevokeToken)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requirePerm(gateway.PermViewUsage))
		r.Get("/usage", s.handleListUsage)
	})
}

func urlID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s: %w", name, gateway.ErrBadRequest)
	}
	return id, nil
}

func decodeInto(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", gateway.ErrBadRequest)
	}
	return nil
}

// --- Routers ---

func (s *server) handleListRouters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.List())
}

func (s *server) handleCreateRouter(w http.ResponseWriter, r *http.Request) {
	var rt gateway.Router
	if err := decodeInto(r, &rt); err != nil {
		s.error(w, err)
		return
	}
	rt.ID = 0
	rt.OwnerID = gateway.UserFromContext(r.Context()).ID
	if err := s.deps.Registry.CreateRouter(r.Context(), &rt); err != nil {
		s.error(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &rt)
}

func (s *server) handleGetRouter(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		s.error(w, err)
		return
	}
	rt, err := s.deps.Store.GetRouter(r.Context(), id)
	if err != nil {
		s.error(w, err)
		return
	}
	rt.Providers, err = s.deps.Store.ListProviders(r.Context(), id)
	if err != nil {
		s.error(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (s *server) handleUpdateRouter(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		s.error(w, err)
		return
	}
	var rt gateway.Router
	if err := decodeInto(r, &rt); err != nil {
		s.error(w, err)
		return
	}
	rt.ID = id
	if err := s.deps.Registry.UpdateRouter(r.Context(), &rt); err != nil {
		s.error(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &rt)
}

func (s *server) handleDeleteRouter(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		s.error(w, err)
		return
	}
	if err := s.deps.Registry.DeleteRouter(r.Context(), id); err != nil {
		s.error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Providers ---

// providerInput carries the bearer key, which gateway.Provider never
// serializes back out.
type providerInput struct {
	gateway.Provider
	Key string `json:"key"`
}

func (s *server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	routerID, err := urlID(r, "id")
	if err != nil {
		s.error(w, err)
		return
	}
	var in providerInput
	if err := decodeInto(r, &in); err != nil {
		s.error(w, err)
		return
	}
	p := in.Provider
	p.ID = 0
	p.RouterID = routerID
	p.Key = in.Key
	p.OwnerID = gateway.UserFromContext(r.Context()).ID
	if err := s.deps.Registry.AddProvider(r.Context(), &p); err != nil {
		s.error(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &p)
}

func (s *server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	routerID, err := urlID(r, "id")
	if err != nil {
		s.error(w, err)
		return
	}
	providerID, err := urlID(r, "pid")
	if err != nil {
		s.error(w, err)
		return
	}
	var in providerInput
	if err := decodeInto(r, &in); err != nil {
		s.error(w, err)
		return
	}
	p := in.Provider
	p.ID = providerID
	p.RouterID = routerID
	p.Key = in.Key
	if err := s.deps.Registry.UpdateProvider(r.Context(), &p); err != nil {
		s.error(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &p)
}

func (s *server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	routerID, err := urlID(r, "id")
	if err != nil {
		s.error(w, err)
		return
	}
	providerID, err := urlID(r, "pid")
	if err != nil {
		s.error(w, err)
		return
	}
	if err := s.deps.Registry.RemoveProvider(r.Context(), routerID, providerID); err != nil {
		s.error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Roles ---

func (s *server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.deps.Store.ListRoles(r.Context())
	if err != nil {
		s.error(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (s *server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var role gateway.Role
	if err := decodeInto(r, &role); err != nil {
		s.error(w, err)
		return
	}
	role.ID = 0
	if err := s.deps.Store.CreateRole(r.Context(), &role); err != nil {
		s.error(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &role)
}

func (s *server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		s.error(w, err)
		return
	}
	var role gateway.Role
	if err := decodeInto(r, &role); err != nil {
		s.error(w, err)
		return
	}
	role.ID = id
	if err := s.deps.Store.UpdateRole(r.Context(), &role); err != nil {
		s.error(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &role)
}

func (s *server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		s.error(w, err)
		return
	}
	if err := s.deps.Store.DeleteRole(r.Context(), id); err != nil {
		s.error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Users ---

func (s *server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	offset := parseIntQuery(r, "offset", 0)
	limit := parseIntQuery(r, "limit", 100)
	users, err := s.deps.Store.ListUsers(r.Context(), offset, limit)
	if err != nil {
		s.error(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var u gateway.User
	if err := decodeInto(r, &u); err != nil {
		s.error(w, err)
		return
	}
	u.ID = 0
	if err := s.deps.Store.CreateUser(r.Context(), &u); err != nil {
		s.error(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &u)
}

func (s *server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		s.error(w, err)
		return
	}
	u, err := s.deps.Store.GetUser(r.Context(), id)
	if err != nil {
		s.error(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		s.error(w, err)
		return
	}
	var u gateway.User
	if err := decodeInto(r, &u); err != nil {
		s.error(w, err)
		return
	}
	u.ID = id
	if err := s.deps.Store.UpdateUser(r.Context(), &u); err != nil {
		s.error(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &u)
}

func (s *server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		s.error(w, err)
		return
	}
	if err := s.deps.Store.DeleteUser(r.Context(), id); err != nil {
		s.error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Tokens ---

type mintTokenRequest struct {
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expires_at"`
}

type mintTokenResponse struct {
	Token     string    `json:"token"` // shown once, at mint time
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	var req mintTokenRequest
	if err := decodeInto(r, &req); err != nil {
		s.error(w, err)
		return
	}
	if _, err := s.deps.Store.GetUser(r.Context(), req.UserID); err != nil {
		s.error(w, err)
		return
	}
	signed, tok, err := s.deps.Auth.MintToken(r.Context(), req.UserID, req.Name, req.ExpiresAt)
	if err != nil {
		s.error(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mintTokenResponse{
		Token:     signed,
		ID:        tok.ID,
		UserID:    tok.UserID,
		Name:      tok.Name,
		ExpiresAt: tok.ExpiresAt,
	})
}

func (s *server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	userID := int64(parseIntQuery(r, "user_id", 0))
	tokens, err := s.deps.Store.ListTokens(r.Context(), userID)
	if err != nil {
		s.error(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		s.error(w, err)
		return
	}
	if err := s.deps.Auth.RevokeToken(r.Context(), id); err != nil {
		s.error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Usage ---

func (s *server) handleListUsage(w http.ResponseWriter, r *http.Request) {
	userID := int64(parseIntQuery(r, "user_id", 0))
	offset := parseIntQuery(r, "offset", 0)
	limit := parseIntQuery(r, "limit", 100)
	records, err := s.deps.Store.ListUsage(r.Context(), userID, offset, limit)
	if err != nil {
		s.error(w, err)
		return
	}
	if records == nil {
		records = []*gateway.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": records})
}
