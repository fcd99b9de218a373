package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/khazad/mellon/internal"
)

// CreateRoute inserts the route and its nodes in one transaction. A
// duplicate route name fails with gateway.ErrConflict and leaves the store
// unchanged.
func (s *Store) CreateRoute(ctx context.Context, r *gateway.Route) error {
	config, err := marshalJSON(r.Config)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO routes (id, name, mode, is_active, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Mode, boolToInt(r.IsActive), config,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return conflictErr(err)
	}

	for i := range r.Nodes {
		if err := insertNode(ctx, tx, r.ID, &r.Nodes[i], now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertNode(ctx context.Context, tx *sql.Tx, routeID string, n *gateway.RouteNode, now time.Time) error {
	models, err := marshalJSON(n.Models)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(n.Metadata)
	if err != nil {
		return err
	}
	n.RouteID = routeID
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = now
	}
	if n.Strategy == "" {
		n.Strategy = gateway.StrategyRoundRobin
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO route_nodes (id, route_id, api_id, models, strategy, priority, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, routeID, n.ProviderID, models, n.Strategy, n.Priority, metadata,
		formatTime(n.CreatedAt), formatTime(n.UpdatedAt),
	)
	return err
}

// routeQuery joins routes to their nodes and each node's provider so the
// selection hot path pays a single round-trip.
const routeQuery = `
	SELECT r.id, r.name, r.mode, r.is_active, r.config, r.created_at, r.updated_at,
	       n.id, n.api_id, n.models, n.strategy, n.priority, n.metadata, n.created_at, n.updated_at,
	       p.id, p.name, p.base_url, p.api_key_enc, p.models, p.is_active, p.status,
	       p.latency_ms, p.last_tested_at, p.consecutive_failures, p.is_healthy, p.created_at, p.updated_at
	FROM routes r
	LEFT JOIN route_nodes n ON n.route_id = r.id
	LEFT JOIN providers p ON p.id = n.api_id`

// GetRoute retrieves a route with nodes and providers eagerly resolved.
func (s *Store) GetRoute(ctx context.Context, id string) (*gateway.Route, error) {
	return s.queryRoute(ctx, routeQuery+` WHERE r.id=? ORDER BY n.rowid`, id)
}

// GetRouteByName retrieves a route by its unique name.
func (s *Store) GetRouteByName(ctx context.Context, name string) (*gateway.Route, error) {
	return s.queryRoute(ctx, routeQuery+` WHERE r.name=? ORDER BY n.rowid`, name)
}

func (s *Store) queryRoute(ctx context.Context, query string, arg any) (*gateway.Route, error) {
	rows, err := s.read.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var route *gateway.Route
	for rows.Next() {
		r, node, err := scanRouteRow(rows)
		if err != nil {
			return nil, err
		}
		if route == nil {
			route = r
		}
		if node != nil {
			route.Nodes = append(route.Nodes, *node)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if route == nil {
		return nil, gateway.ErrNotFound
	}
	return route, nil
}

// ListRoutes returns all routes with their nodes, ordered by route name.
func (s *Store) ListRoutes(ctx context.Context) ([]*gateway.Route, error) {
	rows, err := s.read.QueryContext(ctx, routeQuery+` ORDER BY r.name, n.rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routes []*gateway.Route
	byID := make(map[string]*gateway.Route)
	for rows.Next() {
		r, node, err := scanRouteRow(rows)
		if err != nil {
			return nil, err
		}
		route, ok := byID[r.ID]
		if !ok {
			route = r
			byID[r.ID] = route
			routes = append(routes, route)
		}
		if node != nil {
			route.Nodes = append(route.Nodes, *node)
		}
	}
	return routes, rows.Err()
}

// UpdateRoute updates the route row. Nodes are replaced via ReplaceRouteNodes.
// The caller maintains UpdatedAt.
func (s *Store) UpdateRoute(ctx context.Context, r *gateway.Route) error {
	config, err := marshalJSON(r.Config)
	if err != nil {
		return err
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE routes SET name=?, mode=?, is_active=?, config=?, updated_at=? WHERE id=?`,
		r.Name, r.Mode, boolToInt(r.IsActive), config, formatTime(r.UpdatedAt), r.ID,
	)
	if err != nil {
		return conflictErr(err)
	}
	return checkRowsAffected(result, "route")
}

// ReplaceRouteNodes deletes the route's nodes and inserts the given set in
// one transaction.
func (s *Store) ReplaceRouteNodes(ctx context.Context, routeID string, nodes []gateway.RouteNode) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM route_nodes WHERE route_id=?`, routeID); err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range nodes {
		if err := insertNode(ctx, tx, routeID, &nodes[i], now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteRoute removes a route; the foreign key cascades to its nodes.
func (s *Store) DeleteRoute(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM routes WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "route")
}

// scanRouteRow scans one joined row. The node and provider parts are NULL
// for routes without nodes; the returned node is nil in that case.
func scanRouteRow(sc scanner) (*gateway.Route, *gateway.RouteNode, error) {
	var r gateway.Route
	var rActive int
	var rConfig, rCreated, rUpdated sql.NullString

	var nID, nProviderID, nModels, nStrategy, nMetadata, nCreated, nUpdated sql.NullString
	var nPriority sql.NullInt64

	var pID, pName, pBaseURL, pKeyEnc, pModels, pStatus, pLastTested, pCreated, pUpdated sql.NullString
	var pActive, pHealthy, pFailures sql.NullInt64
	var pLatency sql.NullFloat64

	err := sc.Scan(
		&r.ID, &r.Name, &r.Mode, &rActive, &rConfig, &rCreated, &rUpdated,
		&nID, &nProviderID, &nModels, &nStrategy, &nPriority, &nMetadata, &nCreated, &nUpdated,
		&pID, &pName, &pBaseURL, &pKeyEnc, &pModels, &pActive, &pStatus,
		&pLatency, &pLastTested, &pFailures, &pHealthy, &pCreated, &pUpdated,
	)
	if err != nil {
		return nil, nil, notFoundErr(err)
	}

	r.IsActive = rActive != 0
	cfg, err := unmarshalMap(rConfig)
	if err != nil {
		return nil, nil, err
	}
	r.Config = cfg
	if t := parseTime(rCreated); t != nil {
		r.CreatedAt = *t
	}
	if t := parseTime(rUpdated); t != nil {
		r.UpdatedAt = *t
	}

	if !nID.Valid {
		return &r, nil, nil
	}

	node := gateway.RouteNode{
		ID:         nID.String,
		RouteID:    r.ID,
		ProviderID: nProviderID.String,
		Strategy:   nStrategy.String,
		Priority:   int(nPriority.Int64),
	}
	models, err := unmarshalStringSlice(nModels)
	if err != nil {
		return nil, nil, err
	}
	node.Models = models
	meta, err := unmarshalMap(nMetadata)
	if err != nil {
		return nil, nil, err
	}
	node.Metadata = meta
	if t := parseTime(nCreated); t != nil {
		node.CreatedAt = *t
	}
	if t := parseTime(nUpdated); t != nil {
		node.UpdatedAt = *t
	}

	if pID.Valid {
		p := &gateway.Provider{
			ID:                  pID.String,
			Name:                pName.String,
			BaseURL:             pBaseURL.String,
			APIKeyEnc:           pKeyEnc.String,
			IsActive:            pActive.Int64 != 0,
			Status:              pStatus.String,
			ConsecutiveFailures: int(pFailures.Int64),
			IsHealthy:           pHealthy.Int64 != 0,
		}
		if pLatency.Valid {
			p.LatencyMs = &pLatency.Float64
		}
		p.LastTestedAt = parseTime(pLastTested)
		if t := parseTime(pCreated); t != nil {
			p.CreatedAt = *t
		}
		if t := parseTime(pUpdated); t != nil {
			p.UpdatedAt = *t
		}
		pm, err := unmarshalStringSlice(pModels)
		if err != nil {
			return nil, nil, err
		}
		p.Models = pm
		node.Provider = p
	}

	return &r, &node, nil
}
