// Package backup persists provider and route configuration as a JSON
// snapshot and restores it with provider names as the natural key.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/khazad/mellon/internal"
	"github.com/khazad/mellon/internal/storage"
)

// Snapshot is the on-disk backup format.
type Snapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Providers   []ProviderRecord `json:"providers"`
	Routes      []RouteRecord    `json:"routes"`
}

// ProviderRecord carries the full provider row, including the encrypted key.
type ProviderRecord struct {
	Name                string     `json:"name"`
	BaseURL             string     `json:"base_url"`
	APIKeyEncrypted     string     `json:"api_key_encrypted"`
	Models              []string   `json:"models"`
	IsActive            bool       `json:"is_active"`
	Status              string     `json:"status"`
	LatencyMs           *float64   `json:"latency_ms"`
	LastTestedAt        *time.Time `json:"last_tested_at"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	IsHealthy           bool       `json:"is_healthy"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// RouteRecord embeds nodes that reference providers by name, not id, so a
// snapshot survives id re-assignment across restores.
type RouteRecord struct {
	Name      string         `json:"name"`
	Mode      string         `json:"mode"`
	Config    map[string]any `json:"config"`
	IsActive  bool           `json:"is_active"`
	Nodes     []NodeRecord   `json:"nodes"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type NodeRecord struct {
	APIName  string         `json:"api_name"`
	Models   []string       `json:"models"`
	Strategy string         `json:"strategy"`
	Priority int            `json:"priority"`
	Metadata map[string]any `json:"metadata"`
}

// Result reports how many entities a restore touched.
type Result struct {
	Providers int `json:"providers"`
	Routes    int `json:"routes"`
}

// Manager writes and restores snapshots against a store.
type Manager struct {
	store storage.Store
	path  string
	log   *slog.Logger

	// OnResult, when set, is invoked with "ok" or "error" after every Write.
	// Feeds the backup-write metric without coupling backup to telemetry.
	OnResult func(result string)

	mu sync.Mutex // serialises snapshot writes
}

func New(store storage.Store, path string, log *slog.Logger) *Manager {
	return &Manager{store: store, path: path, log: log}
}

// Write emits a snapshot of the current store state to the configured path.
// The file is written to a temporary name and renamed so readers never see a
// partial snapshot.
func (m *Manager) Write(ctx context.Context) error {
	err := m.write(ctx)
	if m.OnResult != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.OnResult(result)
	}
	return err
}

func (m *Manager) write(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := m.capture(ctx)
	if err != nil {
		return fmt.Errorf("capture snapshot: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".backup-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// WriteLogged runs Write and logs failures instead of returning them. Admin
// mutations call it so a broken backup path never fails the request.
func (m *Manager) WriteLogged(ctx context.Context) {
	if err := m.Write(ctx); err != nil {
		m.log.LogAttrs(ctx, slog.LevelWarn, "backup write failed",
			slog.String("path", m.path),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) capture(ctx context.Context) (*Snapshot, error) {
	providers, err := m.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	routes, err := m.store.ListRoutes(ctx)
	if err != nil {
		return nil, err
	}

	nameByID := make(map[string]string, len(providers))
	snap := &Snapshot{
		GeneratedAt: time.Now().UTC(),
		Providers:   make([]ProviderRecord, 0, len(providers)),
		Routes:      make([]RouteRecord, 0, len(routes)),
	}
	for _, p := range providers {
		nameByID[p.ID] = p.Name
		snap.Providers = append(snap.Providers, ProviderRecord{
			Name:                p.Name,
			BaseURL:             p.BaseURL,
			APIKeyEncrypted:     p.APIKeyEnc,
			Models:              p.Models,
			IsActive:            p.IsActive,
			Status:              p.Status,
			LatencyMs:           p.LatencyMs,
			LastTestedAt:        p.LastTestedAt,
			ConsecutiveFailures: p.ConsecutiveFailures,
			IsHealthy:           p.IsHealthy,
			CreatedAt:           p.CreatedAt,
			UpdatedAt:           p.UpdatedAt,
		})
	}
	for _, r := range routes {
		rec := RouteRecord{
			Name:      r.Name,
			Mode:      r.Mode,
			Config:    r.Config,
			IsActive:  r.IsActive,
			Nodes:     make([]NodeRecord, 0, len(r.Nodes)),
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		}
		for _, n := range r.Nodes {
			name := nameByID[n.ProviderID]
			if name == "" && n.Provider != nil {
				name = n.Provider.Name
			}
			if name == "" {
				continue // dangling node, nothing restorable
			}
			rec.Nodes = append(rec.Nodes, NodeRecord{
				APIName:  name,
				Models:   n.Models,
				Strategy: n.Strategy,
				Priority: n.Priority,
				Metadata: n.Metadata,
			})
		}
		snap.Routes = append(snap.Routes, rec)
	}
	return snap, nil
}

// Restore replays the snapshot at the configured path into the store,
// upserting providers and routes by name. Nodes referencing unknown provider
// names are skipped. The whole snapshot is applied as one unit of work; a
// mid-restore failure leaves the store unchanged. A fresh backup is written
// afterwards so the file reflects the post-restore state. Restore is
// idempotent.
func (m *Manager) Restore(ctx context.Context) (Result, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{}, fmt.Errorf("%w: %s", gateway.ErrBackupMissing, m.path)
		}
		return Result{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Result{}, fmt.Errorf("decode snapshot: %w", err)
	}

	idByName := make(map[string]string, len(snap.Providers))
	providers := make([]*gateway.Provider, 0, len(snap.Providers))
	for i := range snap.Providers {
		rec := &snap.Providers[i]
		p, err := m.providerRow(ctx, rec)
		if err != nil {
			return Result{}, fmt.Errorf("restore provider %q: %w", rec.Name, err)
		}
		idByName[rec.Name] = p.ID
		providers = append(providers, p)
	}

	routes := make([]*gateway.Route, 0, len(snap.Routes))
	for i := range snap.Routes {
		rec := &snap.Routes[i]
		r, err := m.routeRow(ctx, rec, idByName)
		if err != nil {
			return Result{}, fmt.Errorf("restore route %q: %w", rec.Name, err)
		}
		routes = append(routes, r)
	}

	if err := m.store.RestoreConfig(ctx, providers, routes); err != nil {
		return Result{}, fmt.Errorf("apply snapshot: %w", err)
	}
	res := Result{Providers: len(providers), Routes: len(routes)}

	if err := m.Write(ctx); err != nil {
		return res, fmt.Errorf("rewrite snapshot: %w", err)
	}
	m.log.LogAttrs(ctx, slog.LevelInfo, "backup restored",
		slog.Int("providers", res.Providers),
		slog.Int("routes", res.Routes),
	)
	return res, nil
}

// providerRow builds the row a snapshot record upserts. Snapshot timestamps
// win when present; an existing row with the same name keeps its id.
func (m *Manager) providerRow(ctx context.Context, rec *ProviderRecord) (*gateway.Provider, error) {
	p := &gateway.Provider{
		Name:                rec.Name,
		BaseURL:             rec.BaseURL,
		APIKeyEnc:           rec.APIKeyEncrypted,
		Models:              rec.Models,
		IsActive:            rec.IsActive,
		Status:              rec.Status,
		LatencyMs:           rec.LatencyMs,
		LastTestedAt:        rec.LastTestedAt,
		ConsecutiveFailures: rec.ConsecutiveFailures,
		IsHealthy:           rec.IsHealthy,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
	}

	existing, err := m.store.GetProviderByName(ctx, rec.Name)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		p.ID = uuid.NewString()
	case err != nil:
		return nil, err
	default:
		p.ID = existing.ID
		if p.CreatedAt.IsZero() {
			p.CreatedAt = existing.CreatedAt
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = existing.UpdatedAt
		}
	}
	return p, nil
}

func (m *Manager) routeRow(ctx context.Context, rec *RouteRecord, idByName map[string]string) (*gateway.Route, error) {
	nodes := make([]gateway.RouteNode, 0, len(rec.Nodes))
	for _, n := range rec.Nodes {
		providerID, ok := idByName[n.APIName]
		if !ok {
			m.log.LogAttrs(ctx, slog.LevelWarn, "skipping node with unknown provider",
				slog.String("route", rec.Name),
				slog.String("api_name", n.APIName),
			)
			continue
		}
		nodes = append(nodes, gateway.RouteNode{
			ID:         uuid.NewString(),
			ProviderID: providerID,
			Models:     n.Models,
			Strategy:   n.Strategy,
			Priority:   n.Priority,
			Metadata:   n.Metadata,
		})
	}

	r := &gateway.Route{
		Name:      rec.Name,
		Mode:      rec.Mode,
		Config:    rec.Config,
		IsActive:  rec.IsActive,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		Nodes:     nodes,
	}

	existing, err := m.store.GetRouteByName(ctx, rec.Name)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		r.ID = uuid.NewString()
	case err != nil:
		return nil, err
	default:
		r.ID = existing.ID
		if r.CreatedAt.IsZero() {
			r.CreatedAt = existing.CreatedAt
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = existing.UpdatedAt
		}
	}
	return r, nil
}
