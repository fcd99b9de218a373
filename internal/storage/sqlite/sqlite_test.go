package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	gateway "github.com/khazad/mellon/internal"
	"github.com/khazad/mellon/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newProvider(name string, models ...string) *gateway.Provider {
	return &gateway.Provider{
		ID:        uuid.NewString(),
		Name:      name,
		BaseURL:   "https://api.example.com/v1",
		APIKeyEnc: "v1:ciphertext",
		Models:    models,
		IsActive:  true,
		IsHealthy: true,
	}
}

func TestProviderCRUD(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	p := newProvider("openai-main", "gpt-4o", "gpt-4o-mini")
	if err := s.CreateProvider(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Status != gateway.StatusUnknown {
		t.Errorf("status = %q, want %q", p.Status, gateway.StatusUnknown)
	}

	got, err := s.GetProvider(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "openai-main" || len(got.Models) != 2 || got.Models[0] != "gpt-4o" {
		t.Errorf("got %+v", got)
	}
	if !got.IsActive || !got.IsHealthy {
		t.Errorf("flags lost: active=%v healthy=%v", got.IsActive, got.IsHealthy)
	}
	if got.LatencyMs != nil || got.LastTestedAt != nil {
		t.Errorf("expected nil probe fields, got %+v", got)
	}

	byName, err := s.GetProviderByName(ctx, "openai-main")
	if err != nil || byName.ID != p.ID {
		t.Fatalf("get by name: %v / %+v", err, byName)
	}

	got.BaseURL = "https://other.example.com"
	got.Models = []string{"gpt-4o"}
	if err := s.UpdateProvider(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = s.GetProvider(ctx, p.ID)
	if err != nil || got.BaseURL != "https://other.example.com" || len(got.Models) != 1 {
		t.Fatalf("after update: %v / %+v", err, got)
	}

	n, err := s.CountProviders(ctx)
	if err != nil || n != 1 {
		t.Fatalf("count = %d, %v", n, err)
	}

	if err := s.DeleteProvider(ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetProvider(ctx, p.ID); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("get after delete: %v, want ErrNotFound", err)
	}
}

func TestProviderNameConflict(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateProvider(ctx, newProvider("dup")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.CreateProvider(ctx, newProvider("dup"))
	if !errors.Is(err, gateway.ErrConflict) {
		t.Errorf("duplicate create: %v, want ErrConflict", err)
	}
}

func TestUpdateProviderHealth(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	p := newProvider("probe-me", "m")
	if err := s.CreateProvider(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	latency := 42.5
	tested := time.Now().UTC().Truncate(time.Millisecond)
	err := s.UpdateProviderHealth(ctx, p.ID, gateway.ProviderHealth{
		Status:              gateway.StatusDegraded,
		LatencyMs:           &latency,
		LastTestedAt:        tested,
		ConsecutiveFailures: 2,
		IsHealthy:           true,
	})
	if err != nil {
		t.Fatalf("update health: %v", err)
	}

	got, err := s.GetProvider(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != gateway.StatusDegraded || got.ConsecutiveFailures != 2 {
		t.Errorf("got status=%q failures=%d", got.Status, got.ConsecutiveFailures)
	}
	if got.LatencyMs == nil || *got.LatencyMs != latency {
		t.Errorf("latency = %v", got.LatencyMs)
	}
	if got.LastTestedAt == nil || !got.LastTestedAt.Equal(tested) {
		t.Errorf("last tested = %v, want %v", got.LastTestedAt, tested)
	}
	// other columns untouched
	if got.BaseURL != p.BaseURL || !got.IsActive {
		t.Errorf("non-health fields changed: %+v", got)
	}

	if err := s.UpdateProviderHealth(ctx, "missing", gateway.ProviderHealth{Status: gateway.StatusOnline, LastTestedAt: tested}); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("health of missing provider: %v, want ErrNotFound", err)
	}
}

func TestRouteCreateGet(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	p1 := newProvider("alpha", "gpt-4o")
	p2 := newProvider("beta", "claude-3-5-sonnet")
	for _, p := range []*gateway.Provider{p1, p2} {
		if err := s.CreateProvider(ctx, p); err != nil {
			t.Fatalf("create provider: %v", err)
		}
	}

	r := &gateway.Route{
		ID:       uuid.NewString(),
		Name:     "my-route",
		Mode:     gateway.ModeAuto,
		IsActive: true,
		Config:   map[string]any{"provider_mode": "selected", "selected_models": []any{"gpt-4o"}},
		Nodes: []gateway.RouteNode{
			{ID: uuid.NewString(), ProviderID: p1.ID, Models: []string{"gpt-4o"}},
			{ID: uuid.NewString(), ProviderID: p2.ID, Strategy: gateway.StrategyFailover, Priority: 1},
		},
	}
	if err := s.CreateRoute(ctx, r); err != nil {
		t.Fatalf("create route: %v", err)
	}

	got, err := s.GetRoute(ctx, r.ID)
	if err != nil {
		t.Fatalf("get route: %v", err)
	}
	if got.Name != "my-route" || got.Mode != gateway.ModeAuto || !got.IsActive {
		t.Errorf("route = %+v", got)
	}
	if got.ProviderMode() != "selected" {
		t.Errorf("provider mode = %q", got.ProviderMode())
	}
	if len(got.Nodes) != 2 {
		t.Fatalf("nodes = %d, want 2", len(got.Nodes))
	}
	// insertion order preserved
	if got.Nodes[0].ProviderID != p1.ID || got.Nodes[1].ProviderID != p2.ID {
		t.Errorf("node order: %s, %s", got.Nodes[0].ProviderID, got.Nodes[1].ProviderID)
	}
	// providers eagerly resolved
	if got.Nodes[0].Provider == nil || got.Nodes[0].Provider.Name != "alpha" {
		t.Errorf("node 0 provider = %+v", got.Nodes[0].Provider)
	}
	if got.Nodes[1].Provider == nil || got.Nodes[1].Provider.Name != "beta" {
		t.Errorf("node 1 provider = %+v", got.Nodes[1].Provider)
	}
	if got.Nodes[0].Strategy != gateway.StrategyRoundRobin {
		t.Errorf("default strategy = %q", got.Nodes[0].Strategy)
	}

	byName, err := s.GetRouteByName(ctx, "my-route")
	if err != nil || byName.ID != r.ID {
		t.Fatalf("get by name: %v / %+v", err, byName)
	}

	if _, err := s.GetRoute(ctx, "nope"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("missing route: %v, want ErrNotFound", err)
	}
}

func TestRouteWithoutNodes(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	r := &gateway.Route{ID: uuid.NewString(), Name: "empty", Mode: gateway.ModeSpecific, IsActive: true}
	if err := s.CreateRoute(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.GetRoute(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Nodes) != 0 {
		t.Errorf("nodes = %d, want 0", len(got.Nodes))
	}
}

func TestReplaceRouteNodes(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	p1 := newProvider("first", "m1")
	p2 := newProvider("second", "m2")
	for _, p := range []*gateway.Provider{p1, p2} {
		if err := s.CreateProvider(ctx, p); err != nil {
			t.Fatalf("create provider: %v", err)
		}
	}
	r := &gateway.Route{
		ID: uuid.NewString(), Name: "swap", Mode: gateway.ModeSpecific, IsActive: true,
		Nodes: []gateway.RouteNode{{ID: uuid.NewString(), ProviderID: p1.ID}},
	}
	if err := s.CreateRoute(ctx, r); err != nil {
		t.Fatalf("create route: %v", err)
	}

	err := s.ReplaceRouteNodes(ctx, r.ID, []gateway.RouteNode{
		{ID: uuid.NewString(), ProviderID: p2.ID, Models: []string{"m2"}},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}

	got, err := s.GetRoute(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Nodes) != 1 || got.Nodes[0].ProviderID != p2.ID {
		t.Errorf("nodes after replace = %+v", got.Nodes)
	}
}

func TestDeleteRouteCascades(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	p := newProvider("prov", "m")
	if err := s.CreateProvider(ctx, p); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	r := &gateway.Route{
		ID: uuid.NewString(), Name: "gone", Mode: gateway.ModeAuto, IsActive: true,
		Nodes: []gateway.RouteNode{{ID: uuid.NewString(), ProviderID: p.ID}},
	}
	if err := s.CreateRoute(ctx, r); err != nil {
		t.Fatalf("create route: %v", err)
	}
	if err := s.DeleteRoute(ctx, r.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetRoute(ctx, r.ID); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("get after delete: %v, want ErrNotFound", err)
	}
	// provider survives route deletion
	if _, err := s.GetProvider(ctx, p.ID); err != nil {
		t.Errorf("provider gone too: %v", err)
	}

	if err := s.DeleteRoute(ctx, r.ID); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("double delete: %v, want ErrNotFound", err)
	}
}

func TestListRoutes(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha"} {
		r := &gateway.Route{ID: uuid.NewString(), Name: name, Mode: gateway.ModeAuto, IsActive: true}
		if err := s.CreateRoute(ctx, r); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	routes, err := s.ListRoutes(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(routes) != 2 || routes[0].Name != "alpha" || routes[1].Name != "zeta" {
		t.Errorf("routes = %+v", routes)
	}
}

func TestRestoreConfigUpsertsProvidersAndRoutes(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	existing := newProvider("keep", "m1")
	if err := s.CreateProvider(ctx, existing); err != nil {
		t.Fatalf("create: %v", err)
	}

	updated := newProvider("keep", "m2")
	updated.ID = existing.ID
	fresh := newProvider("fresh", "m3")
	route := &gateway.Route{
		ID: uuid.NewString(), Name: "prod", Mode: gateway.ModeMulti, IsActive: true,
		Nodes: []gateway.RouteNode{{
			ID: uuid.NewString(), ProviderID: fresh.ID, Strategy: gateway.StrategyFailover,
		}},
	}
	if err := s.RestoreConfig(ctx, []*gateway.Provider{updated, fresh}, []*gateway.Route{route}); err != nil {
		t.Fatalf("restore: %v", err)
	}

	got, err := s.GetProvider(ctx, existing.ID)
	if err != nil || len(got.Models) != 1 || got.Models[0] != "m2" {
		t.Fatalf("existing row not updated: %v / %+v", err, got)
	}
	r, err := s.GetRoute(ctx, route.ID)
	if err != nil || len(r.Nodes) != 1 || r.Nodes[0].ProviderID != fresh.ID {
		t.Fatalf("route not applied: %v / %+v", err, r)
	}

	// a second pass replaces the node set
	route.Nodes = []gateway.RouteNode{{
		ID: uuid.NewString(), ProviderID: existing.ID, Strategy: gateway.StrategyRoundRobin,
	}}
	if err := s.RestoreConfig(ctx, nil, []*gateway.Route{route}); err != nil {
		t.Fatalf("second restore: %v", err)
	}
	r, err = s.GetRoute(ctx, route.ID)
	if err != nil || len(r.Nodes) != 1 || r.Nodes[0].ProviderID != existing.ID {
		t.Fatalf("nodes not replaced: %v / %+v", err, r)
	}
}

func TestRestoreConfigRollsBackOnConflict(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateProvider(ctx, newProvider("taken")); err != nil {
		t.Fatalf("create: %v", err)
	}

	good := newProvider("new-one")
	// name collides with a row outside the snapshot, so the insert fails
	bad := newProvider("taken")
	err := s.RestoreConfig(ctx, []*gateway.Provider{good, bad}, nil)
	if !errors.Is(err, gateway.ErrConflict) {
		t.Fatalf("restore: %v, want ErrConflict", err)
	}

	// the row inserted before the failure must not survive
	if _, err := s.GetProviderByName(ctx, "new-one"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("partial restore visible: %v", err)
	}
	if n, _ := s.CountProviders(ctx); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}
