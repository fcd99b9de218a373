package backup_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	gateway "github.com/khazad/mellon/internal"
	"github.com/khazad/mellon/internal/backup"
	"github.com/khazad/mellon/internal/storage/sqlite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *sqlite.Store) (*gateway.Provider, *gateway.Route) {
	t.Helper()
	ctx := context.Background()
	p := &gateway.Provider{
		ID:        uuid.NewString(),
		Name:      "X",
		BaseURL:   "https://api.example.com/v1",
		APIKeyEnc: "v1:secret",
		Models:    []string{"gpt-4o"},
		IsActive:  true,
		IsHealthy: true,
	}
	if err := s.CreateProvider(ctx, p); err != nil {
		t.Fatalf("seed provider: %v", err)
	}
	r := &gateway.Route{
		ID:       uuid.NewString(),
		Name:     "Y",
		Mode:     gateway.ModeSpecific,
		IsActive: true,
		Nodes: []gateway.RouteNode{
			{ID: uuid.NewString(), ProviderID: p.ID, Models: []string{"gpt-4o"}},
		},
	}
	if err := s.CreateRoute(ctx, r); err != nil {
		t.Fatalf("seed route: %v", err)
	}
	return p, r
}

func TestWriteSnapshotFormat(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	seed(t, s)
	path := filepath.Join(t.TempDir(), "backup.json")
	m := backup.New(s, path, discardLogger())

	if err := m.Write(context.Background()); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap backup.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.GeneratedAt.IsZero() {
		t.Error("generated_at missing")
	}
	if len(snap.Providers) != 1 || snap.Providers[0].Name != "X" {
		t.Fatalf("providers = %+v", snap.Providers)
	}
	if snap.Providers[0].APIKeyEncrypted != "v1:secret" {
		t.Errorf("encrypted key not carried: %q", snap.Providers[0].APIKeyEncrypted)
	}
	if len(snap.Routes) != 1 || snap.Routes[0].Name != "Y" {
		t.Fatalf("routes = %+v", snap.Routes)
	}
	// nodes reference providers by name
	if len(snap.Routes[0].Nodes) != 1 || snap.Routes[0].Nodes[0].APIName != "X" {
		t.Errorf("nodes = %+v", snap.Routes[0].Nodes)
	}

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("leftover files: %v", entries)
	}
}

func TestRestoreIntoEmptyStore(t *testing.T) {
	t.Parallel()
	src := newStore(t)
	seed(t, src)
	path := filepath.Join(t.TempDir(), "backup.json")
	if err := backup.New(src, path, discardLogger()).Write(context.Background()); err != nil {
		t.Fatalf("write: %v", err)
	}

	dst := newStore(t)
	m := backup.New(dst, path, discardLogger())
	res, err := m.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if res.Providers != 1 || res.Routes != 1 {
		t.Errorf("result = %+v", res)
	}

	ctx := context.Background()
	p, err := dst.GetProviderByName(ctx, "X")
	if err != nil {
		t.Fatalf("provider X: %v", err)
	}
	r, err := dst.GetRouteByName(ctx, "Y")
	if err != nil {
		t.Fatalf("route Y: %v", err)
	}
	if len(r.Nodes) != 1 || r.Nodes[0].ProviderID != p.ID {
		t.Errorf("node api_id = %q, want %q", r.Nodes[0].ProviderID, p.ID)
	}
}

func TestRestoreIdempotent(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	seed(t, s)
	path := filepath.Join(t.TempDir(), "backup.json")
	m := backup.New(s, path, discardLogger())
	if err := m.Write(context.Background()); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx := context.Background()
	first, err := m.Restore(ctx)
	if err != nil {
		t.Fatalf("restore 1: %v", err)
	}
	second, err := m.Restore(ctx)
	if err != nil {
		t.Fatalf("restore 2: %v", err)
	}
	if first != second {
		t.Errorf("results differ: %+v vs %+v", first, second)
	}

	providers, err := s.ListProviders(ctx)
	if err != nil || len(providers) != 1 {
		t.Fatalf("providers = %d, %v", len(providers), err)
	}
	routes, err := s.ListRoutes(ctx)
	if err != nil || len(routes) != 1 || len(routes[0].Nodes) != 1 {
		t.Fatalf("routes = %+v, %v", routes, err)
	}
}

func TestRestorePreservesExistingID(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	p, _ := seed(t, s)
	path := filepath.Join(t.TempDir(), "backup.json")
	m := backup.New(s, path, discardLogger())
	if err := m.Write(context.Background()); err != nil {
		t.Fatalf("write: %v", err)
	}

	// drift the row, then restore on top of it
	ctx := context.Background()
	p.BaseURL = "https://drifted.example.com"
	if err := s.UpdateProvider(ctx, p); err != nil {
		t.Fatalf("drift: %v", err)
	}
	if _, err := m.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}

	got, err := s.GetProviderByName(ctx, "X")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("id changed: %q vs %q", got.ID, p.ID)
	}
	if got.BaseURL != "https://api.example.com/v1" {
		t.Errorf("base_url = %q, want snapshot value", got.BaseURL)
	}
}

func TestRestoreSkipsUnknownProviderName(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	path := filepath.Join(t.TempDir(), "backup.json")

	snap := backup.Snapshot{
		GeneratedAt: time.Now().UTC(),
		Providers: []backup.ProviderRecord{
			{Name: "known", BaseURL: "https://a.example.com", Models: []string{"m"}, IsActive: true, IsHealthy: true, Status: "unknown"},
		},
		Routes: []backup.RouteRecord{
			{
				Name: "mixed", Mode: gateway.ModeMulti, IsActive: true,
				Nodes: []backup.NodeRecord{
					{APIName: "known", Strategy: gateway.StrategyRoundRobin},
					{APIName: "ghost", Strategy: gateway.StrategyRoundRobin},
				},
			},
		},
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	m := backup.New(s, path, discardLogger())
	ctx := context.Background()
	if _, err := m.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}

	r, err := s.GetRouteByName(ctx, "mixed")
	if err != nil {
		t.Fatalf("get route: %v", err)
	}
	if len(r.Nodes) != 1 || r.Nodes[0].Provider == nil || r.Nodes[0].Provider.Name != "known" {
		t.Errorf("nodes = %+v", r.Nodes)
	}
}

func TestRestoreAppliesAllOrNothing(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	path := filepath.Join(t.TempDir(), "backup.json")

	// the duplicate name makes the second upsert fail mid-apply
	snap := backup.Snapshot{
		GeneratedAt: time.Now().UTC(),
		Providers: []backup.ProviderRecord{
			{Name: "dup", BaseURL: "https://a.example.com", Models: []string{"m"}, IsActive: true, Status: "unknown"},
			{Name: "dup", BaseURL: "https://b.example.com", Models: []string{"m"}, IsActive: true, Status: "unknown"},
		},
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	m := backup.New(s, path, discardLogger())
	ctx := context.Background()
	if _, err := m.Restore(ctx); err == nil {
		t.Fatal("restore with duplicate names succeeded")
	}

	// nothing from the failed snapshot may be visible
	if n, err := s.CountProviders(ctx); err != nil || n != 0 {
		t.Errorf("count = %d, %v, want empty store", n, err)
	}
}

func TestRestoreMissingFile(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	m := backup.New(s, filepath.Join(t.TempDir(), "absent.json"), discardLogger())
	_, err := m.Restore(context.Background())
	if !errors.Is(err, gateway.ErrBackupMissing) {
		t.Errorf("err = %v, want ErrBackupMissing", err)
	}
}
