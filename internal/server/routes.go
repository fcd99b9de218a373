package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/khazad/mellon/internal"
)

// routePayload is the admin write shape for routes.
type routePayload struct {
	Name     *string        `json:"name"`
	Mode     *string        `json:"mode"`
	IsActive *bool          `json:"is_active"`
	Config   map[string]any `json:"config"`
	Nodes    []nodePayload  `json:"nodes"`

	// nodesSet distinguishes "nodes": [] (replace with none) from the key
	// being absent (keep existing).
	nodesSet bool
}

type nodePayload struct {
	ProviderID string         `json:"api_id"`
	Models     []string       `json:"models"`
	Strategy   string         `json:"strategy"`
	Priority   int            `json:"priority"`
	Metadata   map[string]any `json:"metadata"`
}

func (p *routePayload) UnmarshalJSON(data []byte) error {
	type alias routePayload
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	*p = routePayload(a)
	_, p.nodesSet = keys["nodes"]
	return nil
}

func (p *routePayload) buildNodes(routeID string) []gateway.RouteNode {
	now := time.Now().UTC()
	nodes := make([]gateway.RouteNode, len(p.Nodes))
	for i, n := range p.Nodes {
		strategy := n.Strategy
		if strategy == "" {
			strategy = gateway.StrategyRoundRobin
		}
		nodes[i] = gateway.RouteNode{
			ID:         uuid.NewString(),
			RouteID:    routeID,
			ProviderID: n.ProviderID,
			Models:     n.Models,
			Strategy:   strategy,
			Priority:   n.Priority,
			Metadata:   n.Metadata,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	return nodes
}

func (s *server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.deps.Store.ListRoutes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if routes == nil {
		routes = []*gateway.Route{}
	}
	writeJSON(w, http.StatusOK, routes)
}

func (s *server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	route, err := s.deps.Store.GetRoute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *server) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	var in routePayload
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Name == nil || *in.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	if in.Mode == nil || *in.Mode == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("mode is required"))
		return
	}

	now := time.Now().UTC()
	route := &gateway.Route{
		ID:        uuid.NewString(),
		Name:      *in.Name,
		Mode:      *in.Mode,
		IsActive:  true,
		Config:    in.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.IsActive != nil {
		route.IsActive = *in.IsActive
	}
	route.Nodes = in.buildNodes(route.ID)

	if err := s.deps.Engine.ValidateRoute(r.Context(), route); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.CreateRoute(r.Context(), route); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Backup.WriteLogged(r.Context())
	writeJSON(w, http.StatusCreated, route)
}

func (s *server) handleUpdateRoute(w http.ResponseWriter, r *http.Request) {
	var in routePayload
	if !decodeJSON(w, r, &in) {
		return
	}

	route, err := s.deps.Store.GetRoute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	if in.Name != nil {
		route.Name = *in.Name
	}
	if in.Mode != nil {
		route.Mode = *in.Mode
	}
	if in.IsActive != nil {
		route.IsActive = *in.IsActive
	}
	if in.Config != nil {
		route.Config = in.Config
	}
	if in.nodesSet {
		route.Nodes = in.buildNodes(route.ID)
	}
	route.UpdatedAt = time.Now().UTC()

	if err := s.deps.Engine.ValidateRoute(r.Context(), route); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.UpdateRoute(r.Context(), route); err != nil {
		writeError(w, err)
		return
	}
	if in.nodesSet {
		if err := s.deps.Store.ReplaceRouteNodes(r.Context(), route.ID, route.Nodes); err != nil {
			writeError(w, err)
			return
		}
	}
	s.deps.Backup.WriteLogged(r.Context())

	route, err = s.deps.Store.GetRoute(r.Context(), route.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *server) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteRoute(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Engine.ClearState(id)
	s.deps.Backup.WriteLogged(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// handleSelectRoute asks the routing engine to pick now. The optional body
// carries a model hint; selection advances scheduling state exactly like a
// completion would.
func (s *server) handleSelectRoute(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	sel, err := s.deps.Engine.Select(r.Context(), chi.URLParam(r, "id"), in.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

// handleRouteState exposes the route's scheduling cursors for debugging.
func (s *server) handleRouteState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetRoute(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"route_id": id,
		"state":    s.deps.Engine.State(id),
	})
}
