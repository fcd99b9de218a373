// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/khazad/mellon/internal"
)

// ProviderStore manages provider persistence.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *gateway.Provider) error
	GetProvider(ctx context.Context, id string) (*gateway.Provider, error)
	GetProviderByName(ctx context.Context, name string) (*gateway.Provider, error)
	// ListProviders returns all providers ordered by id.
	ListProviders(ctx context.Context) ([]*gateway.Provider, error)
	UpdateProvider(ctx context.Context, p *gateway.Provider) error
	// UpdateProviderHealth writes only the probe-outcome fields.
	UpdateProviderHealth(ctx context.Context, id string, h gateway.ProviderHealth) error
	DeleteProvider(ctx context.Context, id string) error
	CountProviders(ctx context.Context) (int, error)
}

// RouteStore manages route and node persistence.
type RouteStore interface {
	// CreateRoute inserts the route and any attached nodes atomically.
	CreateRoute(ctx context.Context, r *gateway.Route) error
	// GetRoute returns the route with its nodes and each node's provider
	// resolved in a single round-trip.
	GetRoute(ctx context.Context, id string) (*gateway.Route, error)
	GetRouteByName(ctx context.Context, name string) (*gateway.Route, error)
	ListRoutes(ctx context.Context) ([]*gateway.Route, error)
	// UpdateRoute updates the route row only; nodes are replaced separately.
	UpdateRoute(ctx context.Context, r *gateway.Route) error
	// ReplaceRouteNodes deletes the route's nodes and inserts the given set.
	ReplaceRouteNodes(ctx context.Context, routeID string, nodes []gateway.RouteNode) error
	// DeleteRoute removes the route; its nodes cascade.
	DeleteRoute(ctx context.Context, id string) error
}

// SnapshotStore applies configuration snapshots.
type SnapshotStore interface {
	// RestoreConfig upserts the given providers and routes by id as one
	// unit of work. Route nodes are replaced. A failure leaves the store
	// unchanged.
	RestoreConfig(ctx context.Context, providers []*gateway.Provider, routes []*gateway.Route) error
}

// Store combines all storage interfaces.
type Store interface {
	ProviderStore
	RouteStore
	SnapshotStore
	Ping(ctx context.Context) error
	Close() error
}
