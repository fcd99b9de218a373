// Package routing selects a (provider, model) pair for a route under the
// auto, specific, and multi modes.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	gateway "github.com/khazad/mellon/internal"
	"github.com/khazad/mellon/internal/storage"
)

// Selection is the outcome of one routing decision.
type Selection struct {
	ProviderID   string `json:"provider_id"`
	ProviderName string `json:"provider_name"`
	Model        string `json:"model"`
}

// Engine holds the volatile scheduling cursors. Cursors are process-local;
// they reset on restart and are removed when their route is deleted.
type Engine struct {
	store storage.Store
	log   *slog.Logger

	mu      sync.Mutex
	cursors map[string]int
}

func New(store storage.Store, log *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		log:     log,
		cursors: make(map[string]int),
	}
}

// providersKey is the scheduling key for provider-level rotation under
// auto mode with providerMode "all". Node-level rotation uses the bare
// route id.
func providersKey(routeID string) string {
	return routeID + "/providers"
}

// next returns the cursor position for key and advances it modulo k.
func (e *Engine) next(key string, k int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.cursors[key]
	chosen := c % k
	e.cursors[key] = (c + 1) % k
	return chosen
}

// State returns a copy of the scheduling cursors belonging to the route.
func (e *Engine) State(routeID string) map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int)
	for _, key := range []string{routeID, providersKey(routeID)} {
		if c, ok := e.cursors[key]; ok {
			out[key] = c
		}
	}
	return out
}

// ClearState removes the route's cursors. Called on route deletion.
func (e *Engine) ClearState(routeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cursors, routeID)
	delete(e.cursors, providersKey(routeID))
}

// Select fetches the route and picks a provider and model. modelHint is
// optional; pass "" when the client did not constrain the model.
func (e *Engine) Select(ctx context.Context, routeID, modelHint string) (Selection, error) {
	route, err := e.store.GetRoute(ctx, routeID)
	if err != nil {
		return Selection{}, err
	}
	return e.SelectFromRoute(ctx, route, modelHint, nil)
}

// SelectFromRoute picks from an already-loaded route. The pipeline uses it
// to avoid a second fetch on the hot path, and passes the providers it has
// already attempted in exclude so failover advances past them.
func (e *Engine) SelectFromRoute(ctx context.Context, route *gateway.Route, modelHint string, exclude map[string]struct{}) (Selection, error) {
	if !route.IsActive {
		return Selection{}, fmt.Errorf("%w: %s", gateway.ErrRouteInactive, route.Name)
	}

	var sel Selection
	var err error
	switch route.Mode {
	case gateway.ModeAuto:
		sel, err = e.selectAuto(ctx, route, modelHint, exclude)
	case gateway.ModeSpecific:
		sel, err = e.selectSpecific(route, modelHint)
	case gateway.ModeMulti:
		sel, err = e.selectMulti(route, modelHint, exclude)
	default:
		err = fmt.Errorf("%w: unknown mode %q", gateway.ErrRouteService, route.Mode)
	}
	if err != nil {
		return Selection{}, err
	}

	e.log.LogAttrs(ctx, slog.LevelDebug, "route selected",
		slog.String("route", route.Name),
		slog.String("mode", route.Mode),
		slog.String("provider", sel.ProviderName),
		slog.String("model", sel.Model),
	)
	return sel, nil
}

// selectAuto distributes across the active healthy fleet. A model hint that
// the chosen provider cannot serve is substituted, not rejected; auto's
// contract is "pick for me".
func (e *Engine) selectAuto(ctx context.Context, route *gateway.Route, modelHint string, exclude map[string]struct{}) (Selection, error) {
	pool, err := e.providerPool(ctx, route)
	if err != nil {
		return Selection{}, err
	}
	if len(exclude) > 0 {
		kept := pool[:0]
		for _, p := range pool {
			if _, skip := exclude[p.ID]; !skip {
				kept = append(kept, p)
			}
		}
		pool = kept
	}
	if len(pool) == 0 {
		return Selection{}, fmt.Errorf("%w: route %s has no usable providers", gateway.ErrNoActiveProvider, route.Name)
	}

	provider := pool[e.next(providersKey(route.ID), len(pool))]

	selected := route.SelectedModels()
	candidates := selected
	if len(candidates) == 0 {
		candidates = provider.Models
	}
	if len(candidates) == 0 {
		return Selection{}, fmt.Errorf("%w: provider %s", gateway.ErrNoModelsAvailable, provider.Name)
	}

	model := candidates[0]
	if modelHint != "" && slices.Contains(candidates, modelHint) {
		model = modelHint
	}
	return Selection{ProviderID: provider.ID, ProviderName: provider.Name, Model: model}, nil
}

// providerPool resolves auto mode's provider set: every active healthy
// provider in id order, or a single pinned provider for providerMode
// "provider_<id>".
func (e *Engine) providerPool(ctx context.Context, route *gateway.Route) ([]*gateway.Provider, error) {
	mode := route.ProviderMode()
	if pinned, ok := strings.CutPrefix(mode, "provider_"); ok {
		p, err := e.store.GetProvider(ctx, pinned)
		if err != nil {
			return nil, err
		}
		if !p.IsActive || !p.IsHealthy {
			return nil, nil
		}
		return []*gateway.Provider{p}, nil
	}

	all, err := e.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	pool := all[:0:0]
	for _, p := range all {
		if p.IsActive && p.IsHealthy {
			pool = append(pool, p)
		}
	}
	return pool, nil
}

// selectSpecific routes all traffic to the route's first node.
func (e *Engine) selectSpecific(route *gateway.Route, modelHint string) (Selection, error) {
	if len(route.Nodes) == 0 {
		return Selection{}, fmt.Errorf("%w: route %s has no configured nodes", gateway.ErrRouteService, route.Name)
	}
	node := route.Nodes[0]
	provider := node.Provider
	if provider == nil {
		return Selection{}, fmt.Errorf("%w: route %s node references missing provider", gateway.ErrRouteService, route.Name)
	}
	if !provider.IsActive || !provider.IsHealthy {
		return Selection{}, fmt.Errorf("%w: provider %s is not available", gateway.ErrRouteService, provider.Name)
	}

	candidates := node.CandidateModels()
	if selected := route.SelectedModels(); len(selected) > 0 {
		candidates = intersect(candidates, selected)
	}
	if len(candidates) == 0 {
		return Selection{}, fmt.Errorf("%w: route %s", gateway.ErrNoModelsAvailable, route.Name)
	}

	model := candidates[0]
	if modelHint != "" {
		if !slices.Contains(candidates, modelHint) {
			return Selection{}, fmt.Errorf("%w: %s not served by route %s", gateway.ErrModelNotFound, modelHint, route.Name)
		}
		model = modelHint
	}
	return Selection{ProviderID: provider.ID, ProviderName: provider.Name, Model: model}, nil
}

// selectMulti walks the prioritised node list. Nodes whose provider cannot
// serve the hint are skipped, as are providers listed in exclude; the first
// acceptable node wins.
func (e *Engine) selectMulti(route *gateway.Route, modelHint string, exclude map[string]struct{}) (Selection, error) {
	nodes := make([]gateway.RouteNode, 0, len(route.Nodes))
	for _, n := range route.Nodes {
		if n.Provider == nil || !n.Provider.IsActive || !n.Provider.IsHealthy {
			continue
		}
		if _, skip := exclude[n.ProviderID]; skip {
			continue
		}
		nodes = append(nodes, n)
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Priority != nodes[j].Priority {
			return nodes[i].Priority < nodes[j].Priority
		}
		return nodes[i].ID < nodes[j].ID
	})

	for _, node := range nodes {
		candidates := node.CandidateModels()
		if len(candidates) == 0 {
			continue
		}
		if modelHint != "" && !slices.Contains(candidates, modelHint) &&
			!slices.Contains(node.Provider.Models, modelHint) {
			continue
		}

		if node.Strategy == gateway.StrategyRoundRobin {
			e.next(route.ID, 1)
		}

		// a surviving hint is a member of the node or provider models
		model := candidates[0]
		if modelHint != "" {
			model = modelHint
		}
		return Selection{ProviderID: node.ProviderID, ProviderName: node.Provider.Name, Model: model}, nil
	}

	if modelHint != "" {
		return Selection{}, fmt.Errorf("%w: %s not served by route %s", gateway.ErrModelNotFound, modelHint, route.Name)
	}
	return Selection{}, fmt.Errorf("%w: route %s", gateway.ErrNoActiveProvider, route.Name)
}

func intersect(a, b []string) []string {
	var out []string
	for _, v := range a {
		if slices.Contains(b, v) {
			out = append(out, v)
		}
	}
	return out
}
