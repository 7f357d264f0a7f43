// Package registry maintains the in-memory model catalogue: routers,
// their aliases, and their providers. It is read-mostly; admin CRUD goes
// through a single writer lock and persists before updating the index.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	gateway "github.com/nmorel/bastion/internal"
	"github.com/nmorel/bastion/internal/storage"
	"github.com/nmorel/bastion/internal/usage"
)

// Prober inspects a live provider at admission time, returning its
// observed vector size and max context length. Used to keep providers
// behind one router mutually consistent.
type Prober interface {
	ProbeProvider(ctx context.Context, p *gateway.Provider) (vectorSize, maxContextLength int, err error)
}

// providerCompat lists which router types a provider type may serve.
var providerCompat = map[string][]gateway.RouterType{
	"vllm": {gateway.RouterTextGeneration, gateway.RouterImageTextToText,
		gateway.RouterTextEmbeddings, gateway.RouterSpeechRecognition, gateway.RouterImageToText},
	"openai": {gateway.RouterTextGeneration, gateway.RouterImageTextToText,
		gateway.RouterTextEmbeddings, gateway.RouterSpeechRecognition, gateway.RouterImageToText},
	"mistral": {gateway.RouterTextGeneration, gateway.RouterImageTextToText,
		gateway.RouterSpeechRecognition, gateway.RouterImageToText},
	"albert": {gateway.RouterTextGeneration, gateway.RouterImageTextToText,
		gateway.RouterTextEmbeddings},
	"tei": {gateway.RouterTextEmbeddings, gateway.RouterTextClassification},
}

// Registry indexes routers by canonical name and by alias.
type Registry struct {
	store  storage.Store
	prober Prober
	logger *slog.Logger

	mu      sync.RWMutex
	byName  map[string]*gateway.Router
	byAlias map[string]*gateway.Router // alias -> owning router
	byID    map[int64]*gateway.Router
}

func New(store storage.Store, prober Prober, logger *slog.Logger) *Registry {
	return &Registry{
		store:   store,
		prober:  prober,
		logger:  logger,
		byName:  make(map[string]*gateway.Router),
		byAlias: make(map[string]*gateway.Router),
		byID:    make(map[int64]*gateway.Router),
	}
}

// Load populates the index from storage. Called once at startup and safe
// to call again to resync.
func (r *Registry) Load(ctx context.Context) error {
	routers, err := r.store.ListRouters(ctx)
	if err != nil {
		return fmt.Errorf("list routers: %w", err)
	}
	for _, rt := range routers {
		rt.Providers, err = r.store.ListProviders(ctx, rt.ID)
		if err != nil {
			return fmt.Errorf("list providers for %q: %w", rt.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.byName)
	clear(r.byAlias)
	clear(r.byID)
	for _, rt := range routers {
		r.indexLocked(rt)
	}
	r.logger.Info("model registry loaded", slog.Int("routers", len(routers)))
	return nil
}

// Resolve looks up a router by canonical name first, then by alias.
func (r *Registry) Resolve(name string) (*gateway.Router, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt, ok := r.byName[name]; ok {
		return rt, nil
	}
	if rt, ok := r.byAlias[name]; ok {
		return rt, nil
	}
	return nil, fmt.Errorf("%q: %w", name, gateway.ErrModelNotFound)
}

// OriginalName canonicalizes a model name or alias.
func (r *Registry) OriginalName(name string) (string, error) {
	rt, err := r.Resolve(name)
	if err != nil {
		return "", err
	}
	return rt.Name, nil
}

// RouterIDForModel returns the router id for a model name or alias.
func (r *Registry) RouterIDForModel(name string) (int64, bool) {
	rt, err := r.Resolve(name)
	if err != nil {
		return 0, false
	}
	return rt.ID, true
}

// List returns all routers sorted by name.
func (r *Registry) List() []*gateway.Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*gateway.Router, 0, len(r.byName))
	for _, rt := range r.byName {
		out = append(out, rt)
	}
	slices.SortFunc(out, func(a, b *gateway.Router) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

// EligibleProviders returns the router's providers that serve ep.
func EligibleProviders(rt *gateway.Router, ep gateway.Endpoint) []*gateway.Provider {
	var out []*gateway.Provider
	for _, p := range rt.Providers {
		if p.ServesEndpoint(ep) {
			out = append(out, p)
		}
	}
	return out
}

// --- Router CRUD ---

// CreateRouter validates uniqueness, persists, and indexes a new router.
// Providers attached to r are not persisted here; add them individually.
func (r *Registry) CreateRouter(ctx context.Context, rt *gateway.Router) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkNamesLocked(rt, 0); err != nil {
		return err
	}
	rt.Providers = nil
	if err := r.store.CreateRouter(ctx, rt); err != nil {
		return err
	}
	r.indexLocked(rt)
	return nil
}

// UpdateRouter replaces an existing router's definition, keeping its
// provider list.
func (r *Registry) UpdateRouter(ctx context.Context, rt *gateway.Router) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.byID[rt.ID]
	if !ok {
		return fmt.Errorf("router %d: %w", rt.ID, gateway.ErrNotFound)
	}
	if err := r.checkNamesLocked(rt, rt.ID); err != nil {
		return err
	}
	rt.Providers = old.Providers
	if err := r.store.UpdateRouter(ctx, rt); err != nil {
		return err
	}
	r.unindexLocked(old)
	r.indexLocked(rt)
	return nil
}

// DeleteRouter removes a router, its aliases, and its providers.
func (r *Registry) DeleteRouter(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("router %d: %w", id, gateway.ErrNotFound)
	}
	if err := r.store.DeleteRouter(ctx, id); err != nil {
		return err
	}
	r.unindexLocked(old)
	return nil
}

// --- Provider CRUD ---

// AddProvider admits a provider into a router after compatibility and
// consistency checks, then persists and indexes it. The probe runs
// before the write lock is taken; consistency is re-checked under it.
func (r *Registry) AddProvider(ctx context.Context, p *gateway.Provider) error {
	if err := r.preAdmit(ctx, p); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.byID[p.RouterID]
	if !ok {
		return fmt.Errorf("router %d: %w", p.RouterID, gateway.ErrNotFound)
	}
	if err := r.admitLocked(rt, p); err != nil {
		return err
	}
	if err := r.store.CreateProvider(ctx, p); err != nil {
		return err
	}
	next := *rt
	next.Providers = append(slices.Clone(rt.Providers), p)
	r.replaceLocked(rt, &next)
	return nil
}

// UpdateProvider re-runs admission checks and replaces the provider.
func (r *Registry) UpdateProvider(ctx context.Context, p *gateway.Provider) error {
	if err := r.preAdmit(ctx, p); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.byID[p.RouterID]
	if !ok {
		return fmt.Errorf("router %d: %w", p.RouterID, gateway.ErrNotFound)
	}
	idx := slices.IndexFunc(rt.Providers, func(q *gateway.Provider) bool { return q.ID == p.ID })
	if idx < 0 {
		return fmt.Errorf("provider %d: %w", p.ID, gateway.ErrNotFound)
	}
	if err := r.admitLocked(rt, p); err != nil {
		return err
	}
	if err := r.store.UpdateProvider(ctx, p); err != nil {
		return err
	}
	next := *rt
	next.Providers = slices.Clone(rt.Providers)
	next.Providers[idx] = p
	r.replaceLocked(rt, &next)
	return nil
}

// RemoveProvider deletes a provider from its router.
func (r *Registry) RemoveProvider(ctx context.Context, routerID, providerID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.byID[routerID]
	if !ok {
		return fmt.Errorf("router %d: %w", routerID, gateway.ErrNotFound)
	}
	idx := slices.IndexFunc(rt.Providers, func(q *gateway.Provider) bool { return q.ID == providerID })
	if idx < 0 {
		return fmt.Errorf("provider %d: %w", providerID, gateway.ErrNotFound)
	}
	if err := r.store.DeleteProvider(ctx, providerID); err != nil {
		return err
	}
	next := *rt
	next.Providers = slices.Delete(slices.Clone(rt.Providers), idx, idx+1)
	r.replaceLocked(rt, &next)
	return nil
}

// --- internals (callers hold r.mu) ---

// checkNamesLocked enforces name and alias uniqueness across the whole
// catalogue. skipID exempts the router being updated from matching itself.
func (r *Registry) checkNamesLocked(rt *gateway.Router, skipID int64) error {
	taken := func(name string) bool {
		if other, ok := r.byName[name]; ok && other.ID != skipID {
			return true
		}
		if other, ok := r.byAlias[name]; ok && other.ID != skipID {
			return true
		}
		return false
	}
	if taken(rt.Name) {
		return fmt.Errorf("name %q already in use: %w", rt.Name, gateway.ErrConflict)
	}
	seen := map[string]bool{rt.Name: true}
	for _, alias := range rt.Aliases {
		if seen[alias] || taken(alias) {
			return fmt.Errorf("alias %q already in use: %w", alias, gateway.ErrConflict)
		}
		seen[alias] = true
	}
	return nil
}

// preAdmit runs the cheap compatibility checks and the admission probe
// without holding r.mu. Probing hits the provider over HTTP and can take
// seconds; readers must not stall behind it. On success p carries the
// observed vector size and context length.
func (r *Registry) preAdmit(ctx context.Context, p *gateway.Provider) error {
	r.mu.RLock()
	rt, ok := r.byID[p.RouterID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("router %d: %w", p.RouterID, gateway.ErrNotFound)
	}
	if err := checkCompat(rt.Type, p); err != nil {
		return err
	}
	if r.prober != nil {
		vs, mcl, err := r.prober.ProbeProvider(ctx, p)
		if err != nil {
			return fmt.Errorf("probe provider: %w", err)
		}
		p.VectorSize = vs
		p.MaxContextLength = mcl
	}
	return nil
}

// checkCompat validates provider/router type compatibility and the
// hosting zone. Does not touch the index.
func checkCompat(rtType gateway.RouterType, p *gateway.Provider) error {
	allowed, ok := providerCompat[p.Type]
	if !ok {
		return fmt.Errorf("unknown provider type %q: %w", p.Type, gateway.ErrBadRequest)
	}
	if !slices.Contains(allowed, rtType) {
		return fmt.Errorf("provider type %q cannot serve router type %q: %w",
			p.Type, rtType, gateway.ErrRouterInconsistent)
	}
	return usage.ValidateZone(p.CountryCode)
}

// admitLocked re-validates compatibility against the router as it stands
// under the lock and enforces vector size and context length consistency.
// The first provider of a router sets the router's observed values.
func (r *Registry) admitLocked(rt *gateway.Router, p *gateway.Provider) error {
	if err := checkCompat(rt.Type, p); err != nil {
		return err
	}
	if p.VectorSize != 0 {
		if rt.VectorSize == 0 {
			rt.VectorSize = p.VectorSize
		} else if rt.VectorSize != p.VectorSize {
			return fmt.Errorf("vector size %d != router's %d: %w",
				p.VectorSize, rt.VectorSize, gateway.ErrRouterInconsistent)
		}
	}
	if p.MaxContextLength != 0 {
		if rt.MaxContextLength == 0 {
			rt.MaxContextLength = p.MaxContextLength
		} else if rt.MaxContextLength != p.MaxContextLength {
			return fmt.Errorf("max context length %d != router's %d: %w",
				p.MaxContextLength, rt.MaxContextLength, gateway.ErrRouterInconsistent)
		}
	}
	return nil
}

func (r *Registry) indexLocked(rt *gateway.Router) {
	r.byName[rt.Name] = rt
	r.byID[rt.ID] = rt
	for _, alias := range rt.Aliases {
		r.byAlias[alias] = rt
	}
}

func (r *Registry) unindexLocked(rt *gateway.Router) {
	delete(r.byName, rt.Name)
	delete(r.byID, rt.ID)
	for _, alias := range rt.Aliases {
		delete(r.byAlias, alias)
	}
}

// replaceLocked swaps a router value so in-flight readers keep seeing the
// snapshot they resolved.
func (r *Registry) replaceLocked(old, next *gateway.Router) {
	r.unindexLocked(old)
	r.indexLocked(next)
}
