package routing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	gateway "github.com/khazad/mellon/internal"
)

// ValidateRoute checks a route before create or update. Nodes may only
// reference existing providers, explicit node models must be a subset of the
// provider's models, and selectedModels under auto/specific must be served
// by at least one candidate provider.
func (e *Engine) ValidateRoute(ctx context.Context, r *gateway.Route) error {
	switch r.Mode {
	case gateway.ModeAuto, gateway.ModeSpecific, gateway.ModeMulti:
	default:
		return fmt.Errorf("%w: unknown mode %q", gateway.ErrRouteValidation, r.Mode)
	}

	providers := make(map[string]*gateway.Provider, len(r.Nodes))
	for i := range r.Nodes {
		n := &r.Nodes[i]
		p, ok := providers[n.ProviderID]
		if !ok {
			var err error
			p, err = e.store.GetProvider(ctx, n.ProviderID)
			if errors.Is(err, gateway.ErrNotFound) {
				return fmt.Errorf("%w: node references unknown provider %s", gateway.ErrRouteValidation, n.ProviderID)
			}
			if err != nil {
				return err
			}
			providers[n.ProviderID] = p
		}
		for _, m := range n.Models {
			if !slices.Contains(p.Models, m) {
				return fmt.Errorf("%w: model %q is not served by provider %s", gateway.ErrRouteValidation, m, p.Name)
			}
		}
		switch n.Strategy {
		case "", gateway.StrategyRoundRobin, gateway.StrategyFailover:
		default:
			return fmt.Errorf("%w: unknown strategy %q", gateway.ErrRouteValidation, n.Strategy)
		}
		if n.Priority < 0 {
			return fmt.Errorf("%w: negative priority", gateway.ErrRouteValidation)
		}
	}

	selected := r.SelectedModels()
	if len(selected) == 0 || r.Mode == gateway.ModeMulti {
		return nil
	}

	union, err := e.candidateModels(ctx, r, providers)
	if err != nil {
		return err
	}
	for _, m := range selected {
		if !slices.Contains(union, m) {
			return fmt.Errorf("%w: selected model %q is not served by any candidate provider", gateway.ErrRouteValidation, m)
		}
	}
	return nil
}

// candidateModels is the union of models across the route's candidate
// providers: the whole fleet (or the pinned provider) for auto, the first
// node's provider for specific.
func (e *Engine) candidateModels(ctx context.Context, r *gateway.Route, known map[string]*gateway.Provider) ([]string, error) {
	var pool []*gateway.Provider
	switch r.Mode {
	case gateway.ModeAuto:
		if pinned, ok := strings.CutPrefix(r.ProviderMode(), "provider_"); ok {
			p, err := e.store.GetProvider(ctx, pinned)
			if errors.Is(err, gateway.ErrNotFound) {
				return nil, fmt.Errorf("%w: pinned provider %s does not exist", gateway.ErrRouteValidation, pinned)
			}
			if err != nil {
				return nil, err
			}
			pool = []*gateway.Provider{p}
			break
		}
		all, err := e.store.ListProviders(ctx)
		if err != nil {
			return nil, err
		}
		pool = all
	case gateway.ModeSpecific:
		if len(r.Nodes) > 0 {
			if p := known[r.Nodes[0].ProviderID]; p != nil {
				pool = []*gateway.Provider{p}
			}
		}
	}

	var union []string
	for _, p := range pool {
		for _, m := range p.Models {
			if !slices.Contains(union, m) {
				union = append(union, m)
			}
		}
	}
	return union, nil
}
