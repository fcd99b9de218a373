package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/khazad/mellon/internal"
)

const providerColumns = `id, name, base_url, api_key_enc, models, is_active, status,
	 latency_ms, last_tested_at, consecutive_failures, is_healthy, created_at, updated_at`

// CreateProvider inserts a new provider. A duplicate name fails with
// gateway.ErrConflict.
func (s *Store) CreateProvider(ctx context.Context, p *gateway.Provider) error {
	models, err := marshalJSON(p.Models)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	if p.Status == "" {
		p.Status = gateway.StatusUnknown
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO providers (`+providerColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.BaseURL, p.APIKeyEnc, models, boolToInt(p.IsActive), p.Status,
		nullFloat(p.LatencyMs), timeToStr(p.LastTestedAt), p.ConsecutiveFailures,
		boolToInt(p.IsHealthy), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	return conflictErr(err)
}

// GetProvider retrieves a provider by ID.
func (s *Store) GetProvider(ctx context.Context, id string) (*gateway.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id=?`, id,
	)
	return scanProvider(row)
}

// GetProviderByName retrieves a provider by its unique name.
func (s *Store) GetProviderByName(ctx context.Context, name string) (*gateway.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE name=?`, name,
	)
	return scanProvider(row)
}

// ListProviders returns all providers ordered by id.
func (s *Store) ListProviders(ctx context.Context) ([]*gateway.Provider, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+providerColumns+` FROM providers ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*gateway.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// UpdateProvider updates all mutable provider fields. The caller maintains
// UpdatedAt; restore relies on snapshot timestamps being written verbatim.
func (s *Store) UpdateProvider(ctx context.Context, p *gateway.Provider) error {
	models, err := marshalJSON(p.Models)
	if err != nil {
		return err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET name=?, base_url=?, api_key_enc=?, models=?, is_active=?,
		 status=?, latency_ms=?, last_tested_at=?, consecutive_failures=?, is_healthy=?,
		 updated_at=? WHERE id=?`,
		p.Name, p.BaseURL, p.APIKeyEnc, models, boolToInt(p.IsActive),
		p.Status, nullFloat(p.LatencyMs), timeToStr(p.LastTestedAt), p.ConsecutiveFailures,
		boolToInt(p.IsHealthy), formatTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return conflictErr(err)
	}
	return checkRowsAffected(result, "provider")
}

// UpdateProviderHealth writes the probe-outcome fields as a unit. The
// single-writer connection serialises it against concurrent row updates.
func (s *Store) UpdateProviderHealth(ctx context.Context, id string, h gateway.ProviderHealth) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET status=?, latency_ms=?, last_tested_at=?,
		 consecutive_failures=?, is_healthy=?, updated_at=? WHERE id=?`,
		h.Status, nullFloat(h.LatencyMs), formatTime(h.LastTestedAt),
		h.ConsecutiveFailures, boolToInt(h.IsHealthy),
		formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// DeleteProvider removes a provider.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM providers WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// CountProviders returns the number of stored providers.
func (s *Store) CountProviders(ctx context.Context) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM providers`).Scan(&n)
	return n, err
}

func scanProvider(sc scanner) (*gateway.Provider, error) {
	var p gateway.Provider
	var modelsJSON sql.NullString
	var isActive, isHealthy int
	var latency sql.NullFloat64
	var lastTested, createdAt, updatedAt sql.NullString

	err := sc.Scan(
		&p.ID, &p.Name, &p.BaseURL, &p.APIKeyEnc, &modelsJSON, &isActive, &p.Status,
		&latency, &lastTested, &p.ConsecutiveFailures, &isHealthy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	p.IsActive = isActive != 0
	p.IsHealthy = isHealthy != 0
	if latency.Valid {
		p.LatencyMs = &latency.Float64
	}
	p.LastTestedAt = parseTime(lastTested)
	if t := parseTime(createdAt); t != nil {
		p.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		p.UpdatedAt = *t
	}
	models, err := unmarshalStringSlice(modelsJSON)
	if err != nil {
		return nil, err
	}
	p.Models = models
	return &p, nil
}
