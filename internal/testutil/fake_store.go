// Package testutil provides in-memory fakes for tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	gateway "github.com/khazad/mellon/internal"
)

// FakeStore is an in-memory storage.Store. Route fetches resolve node
// providers from the live provider map, so health mutations are visible on
// the next selection like they would be through SQL.
type FakeStore struct {
	mu        sync.Mutex
	providers map[string]*gateway.Provider
	routes    map[string]*gateway.Route

	// FailPing makes Ping return an error, for readiness tests.
	FailPing bool
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		providers: make(map[string]*gateway.Provider),
		routes:    make(map[string]*gateway.Route),
	}
}

func copyProvider(p *gateway.Provider) *gateway.Provider {
	cp := *p
	cp.Models = append([]string(nil), p.Models...)
	return &cp
}

func copyRoute(r *gateway.Route) *gateway.Route {
	cp := *r
	cp.Nodes = append([]gateway.RouteNode(nil), r.Nodes...)
	return &cp
}

func (s *FakeStore) CreateProvider(_ context.Context, p *gateway.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.providers {
		if existing.Name == p.Name {
			return fmt.Errorf("%w: provider %s", gateway.ErrConflict, p.Name)
		}
	}
	if p.Status == "" {
		p.Status = gateway.StatusUnknown
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	s.providers[p.ID] = copyProvider(p)
	return nil
}

func (s *FakeStore) GetProvider(_ context.Context, id string) (*gateway.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return copyProvider(p), nil
}

func (s *FakeStore) GetProviderByName(_ context.Context, name string) (*gateway.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.providers {
		if p.Name == name {
			return copyProvider(p), nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListProviders(_ context.Context) ([]*gateway.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*gateway.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, copyProvider(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) UpdateProvider(_ context.Context, p *gateway.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[p.ID]; !ok {
		return gateway.ErrNotFound
	}
	for id, existing := range s.providers {
		if id != p.ID && existing.Name == p.Name {
			return fmt.Errorf("%w: provider %s", gateway.ErrConflict, p.Name)
		}
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	s.providers[p.ID] = copyProvider(p)
	return nil
}

func (s *FakeStore) UpdateProviderHealth(_ context.Context, id string, h gateway.ProviderHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return gateway.ErrNotFound
	}
	p.Status = h.Status
	p.LatencyMs = h.LatencyMs
	tested := h.LastTestedAt
	p.LastTestedAt = &tested
	p.ConsecutiveFailures = h.ConsecutiveFailures
	p.IsHealthy = h.IsHealthy
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *FakeStore) DeleteProvider(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.providers, id)
	return nil
}

func (s *FakeStore) CountProviders(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.providers), nil
}

func (s *FakeStore) CreateRoute(_ context.Context, r *gateway.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.routes {
		if existing.Name == r.Name {
			return fmt.Errorf("%w: route %s", gateway.ErrConflict, r.Name)
		}
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	for i := range r.Nodes {
		r.Nodes[i].RouteID = r.ID
		if r.Nodes[i].Strategy == "" {
			r.Nodes[i].Strategy = gateway.StrategyRoundRobin
		}
	}
	s.routes[r.ID] = copyRoute(r)
	return nil
}

// resolve attaches live providers to a route copy.
func (s *FakeStore) resolve(r *gateway.Route) *gateway.Route {
	cp := copyRoute(r)
	for i := range cp.Nodes {
		if p, ok := s.providers[cp.Nodes[i].ProviderID]; ok {
			cp.Nodes[i].Provider = copyProvider(p)
		} else {
			cp.Nodes[i].Provider = nil
		}
	}
	return cp
}

func (s *FakeStore) GetRoute(_ context.Context, id string) (*gateway.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return s.resolve(r), nil
}

func (s *FakeStore) GetRouteByName(_ context.Context, name string) (*gateway.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.routes {
		if r.Name == name {
			return s.resolve(r), nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListRoutes(_ context.Context) ([]*gateway.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*gateway.Route, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, s.resolve(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *FakeStore) UpdateRoute(_ context.Context, r *gateway.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.routes[r.ID]
	if !ok {
		return gateway.ErrNotFound
	}
	for id, other := range s.routes {
		if id != r.ID && other.Name == r.Name {
			return fmt.Errorf("%w: route %s", gateway.ErrConflict, r.Name)
		}
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	cp := copyRoute(r)
	cp.Nodes = append([]gateway.RouteNode(nil), existing.Nodes...)
	s.routes[r.ID] = cp
	return nil
}

func (s *FakeStore) ReplaceRouteNodes(_ context.Context, routeID string, nodes []gateway.RouteNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[routeID]
	if !ok {
		return gateway.ErrNotFound
	}
	r.Nodes = append([]gateway.RouteNode(nil), nodes...)
	for i := range r.Nodes {
		r.Nodes[i].RouteID = routeID
		if r.Nodes[i].Strategy == "" {
			r.Nodes[i].Strategy = gateway.StrategyRoundRobin
		}
	}
	return nil
}

func (s *FakeStore) DeleteRoute(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.routes, id)
	return nil
}

// RestoreConfig upserts providers and routes by id under one lock hold,
// checking name collisions up front so a failure leaves the maps untouched.
func (s *FakeStore) RestoreConfig(_ context.Context, providers []*gateway.Provider, routes []*gateway.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inSnapshot := make(map[string]string, len(providers))
	for _, p := range providers {
		inSnapshot[p.ID] = p.Name
	}
	for _, p := range providers {
		for id, existing := range s.providers {
			if _, replaced := inSnapshot[id]; !replaced && existing.Name == p.Name {
				return fmt.Errorf("%w: provider %s", gateway.ErrConflict, p.Name)
			}
		}
	}
	routeIDs := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		routeIDs[r.ID] = struct{}{}
	}
	for _, r := range routes {
		for id, existing := range s.routes {
			if _, replaced := routeIDs[id]; !replaced && existing.Name == r.Name {
				return fmt.Errorf("%w: route %s", gateway.ErrConflict, r.Name)
			}
		}
	}

	now := time.Now().UTC()
	for _, p := range providers {
		cp := copyProvider(p)
		if cp.Status == "" {
			cp.Status = gateway.StatusUnknown
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		if cp.UpdatedAt.IsZero() {
			cp.UpdatedAt = now
		}
		s.providers[cp.ID] = cp
	}
	for _, r := range routes {
		cp := copyRoute(r)
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		if cp.UpdatedAt.IsZero() {
			cp.UpdatedAt = now
		}
		for i := range cp.Nodes {
			cp.Nodes[i].RouteID = cp.ID
			if cp.Nodes[i].Strategy == "" {
				cp.Nodes[i].Strategy = gateway.StrategyRoundRobin
			}
		}
		s.routes[cp.ID] = cp
	}
	return nil
}

func (s *FakeStore) Ping(context.Context) error {
	if s.FailPing {
		return fmt.Errorf("ping: store unavailable")
	}
	return nil
}

func (s *FakeStore) Close() error { return nil }
