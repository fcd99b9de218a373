package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/khazad/mellon/internal"
)

// RestoreConfig upserts the given providers and routes in one transaction.
// Rows are matched by id; route nodes are replaced wholesale. Any failure,
// including a name collision with a row outside the snapshot, rolls the
// whole restore back.
func (s *Store) RestoreConfig(ctx context.Context, providers []*gateway.Provider, routes []*gateway.Route) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, p := range providers {
		if err := upsertProvider(ctx, tx, p, now); err != nil {
			return err
		}
	}
	for _, r := range routes {
		if err := upsertRoute(ctx, tx, r, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertProvider(ctx context.Context, tx *sql.Tx, p *gateway.Provider, now time.Time) error {
	models, err := marshalJSON(p.Models)
	if err != nil {
		return err
	}
	if p.Status == "" {
		p.Status = gateway.StatusUnknown
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO providers (`+providerColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, base_url=excluded.base_url, api_key_enc=excluded.api_key_enc,
		   models=excluded.models, is_active=excluded.is_active, status=excluded.status,
		   latency_ms=excluded.latency_ms, last_tested_at=excluded.last_tested_at,
		   consecutive_failures=excluded.consecutive_failures, is_healthy=excluded.is_healthy,
		   created_at=excluded.created_at, updated_at=excluded.updated_at`,
		p.ID, p.Name, p.BaseURL, p.APIKeyEnc, models, boolToInt(p.IsActive), p.Status,
		nullFloat(p.LatencyMs), timeToStr(p.LastTestedAt), p.ConsecutiveFailures,
		boolToInt(p.IsHealthy), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	return conflictErr(err)
}

func upsertRoute(ctx context.Context, tx *sql.Tx, r *gateway.Route, now time.Time) error {
	config, err := marshalJSON(r.Config)
	if err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO routes (id, name, mode, is_active, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, mode=excluded.mode, is_active=excluded.is_active,
		   config=excluded.config, created_at=excluded.created_at, updated_at=excluded.updated_at`,
		r.ID, r.Name, r.Mode, boolToInt(r.IsActive), config,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return conflictErr(err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM route_nodes WHERE route_id=?`, r.ID); err != nil {
		return err
	}
	for i := range r.Nodes {
		if err := insertNode(ctx, tx, r.ID, &r.Nodes[i], now); err != nil {
			return err
		}
	}
	return nil
}
