package server

import (
	"net/http"
	"time"
)

// handleListModels enumerates every model of every active and healthy
// provider in an OpenAI-compatible model list. Duplicate model ids across
// providers collapse to the first occurrence.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	providers, err := s.deps.Store.ListProviders(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list providers"))
		return
	}

	now := time.Now().Unix()
	seen := make(map[string]bool)
	data := make([]modelEntry, 0, 16)
	for _, p := range providers {
		if !p.IsActive || !p.IsHealthy {
			continue
		}
		for _, m := range p.Models {
			if seen[m] {
				continue
			}
			seen[m] = true
			data = append(data, modelEntry{
				ID:      m,
				Object:  "model",
				Created: now,
				OwnedBy: p.Name,
			})
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: data})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
