package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/khazad/mellon/internal"
	"github.com/khazad/mellon/internal/health"
)

// providerPayload is the admin write shape for providers. The API key
// arrives in plaintext and is encrypted before it touches the store.
type providerPayload struct {
	Name     *string  `json:"name"`
	BaseURL  *string  `json:"base_url"`
	APIKey   *string  `json:"api_key"`
	Models   []string `json:"models"`
	IsActive *bool    `json:"is_active"`
}

// providerView is the read shape: the encrypted key never leaves the
// process, a masked rendering of the plaintext does.
type providerView struct {
	*gateway.Provider
	APIKeyMasked string `json:"api_key_masked"`
}

func (s *server) providerView(p *gateway.Provider) providerView {
	masked := ""
	if key, err := s.deps.Cipher.Decrypt(p.APIKeyEnc); err == nil {
		masked = gateway.MaskAPIKey(key)
	}
	return providerView{Provider: p, APIKeyMasked: masked}
}

func (s *server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.deps.Store.ListProviders(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]providerView, len(providers))
	for i, p := range providers {
		views[i] = s.providerView(p)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Store.GetProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.providerView(p))
}

func (s *server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var in providerPayload
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Name == nil || *in.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	if in.BaseURL == nil || *in.BaseURL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("base_url is required"))
		return
	}
	if in.APIKey == nil || *in.APIKey == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("api_key is required"))
		return
	}
	if len(in.Models) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse("models must not be empty"))
		return
	}

	enc, err := s.deps.Cipher.Encrypt(*in.APIKey)
	if err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	p := &gateway.Provider{
		ID:        uuid.NewString(),
		Name:      *in.Name,
		BaseURL:   gateway.NormalizeBaseURL(*in.BaseURL),
		APIKeyEnc: enc,
		Models:    in.Models,
		IsActive:  true,
		Status:    gateway.StatusUnknown,
		// New providers count as healthy until the first probe says otherwise.
		IsHealthy: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.IsActive != nil {
		p.IsActive = *in.IsActive
	}

	if err := s.deps.Store.CreateProvider(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Backup.WriteLogged(r.Context())
	writeJSON(w, http.StatusCreated, s.providerView(p))
}

func (s *server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	var in providerPayload
	if !decodeJSON(w, r, &in) {
		return
	}

	p, err := s.deps.Store.GetProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	if in.Name != nil {
		p.Name = *in.Name
	}
	if in.BaseURL != nil {
		p.BaseURL = gateway.NormalizeBaseURL(*in.BaseURL)
	}
	if in.APIKey != nil && *in.APIKey != "" {
		enc, err := s.deps.Cipher.Encrypt(*in.APIKey)
		if err != nil {
			writeError(w, err)
			return
		}
		p.APIKeyEnc = enc
	}
	if in.Models != nil {
		if len(in.Models) == 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse("models must not be empty"))
			return
		}
		p.Models = in.Models
	}
	if in.IsActive != nil {
		p.IsActive = *in.IsActive
	}
	p.UpdatedAt = time.Now().UTC()

	if err := s.deps.Store.UpdateProvider(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Backup.WriteLogged(r.Context())
	writeJSON(w, http.StatusOK, s.providerView(p))
}

func (s *server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteProvider(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Backup.WriteLogged(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// probeResult is the response of the synchronous connectivity tests.
type probeResult struct {
	Status         string   `json:"status"`
	LatencyMs      *float64 `json:"latency_ms"`
	ModelsEndpoint string   `json:"models_endpoint"`
	Detail         string   `json:"detail,omitempty"`
}

// handleTestProvider probes a saved provider and persists the outcome, so a
// manual test and a background sweep move the same counters.
func (s *server) handleTestProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Store.GetProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := s.deps.Checker.CheckOne(r.Context(), p)
	writeJSON(w, http.StatusOK, probeResult{
		Status:         out.Status,
		LatencyMs:      out.LatencyMs,
		ModelsEndpoint: health.ModelsEndpoint(p.BaseURL),
		Detail:         out.Detail,
	})
}

// handleTestDirect probes an unsaved provider configuration. Nothing is
// persisted.
func (s *server) handleTestDirect(w http.ResponseWriter, r *http.Request) {
	var in struct {
		BaseURL string `json:"base_url"`
		APIKey  string `json:"api_key"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.BaseURL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("base_url is required"))
		return
	}
	out := s.deps.Prober.Probe(r.Context(), in.BaseURL, in.APIKey)
	writeJSON(w, http.StatusOK, probeResult{
		Status:         out.Status,
		LatencyMs:      out.LatencyMs,
		ModelsEndpoint: health.ModelsEndpoint(in.BaseURL),
		Detail:         out.Detail,
	})
}

// handleHealthOverride lets an operator force is_healthy. The failure
// counter resets so the next probe starts a fresh streak.
func (s *server) handleHealthOverride(w http.ResponseWriter, r *http.Request) {
	var in struct {
		IsHealthy *bool `json:"is_healthy"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.IsHealthy == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("is_healthy is required"))
		return
	}

	p, err := s.deps.Store.GetProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	status := gateway.StatusOnline
	if !*in.IsHealthy {
		status = gateway.StatusDegraded
	}
	h := gateway.ProviderHealth{
		Status:              status,
		LatencyMs:           p.LatencyMs,
		LastTestedAt:        time.Now().UTC(),
		ConsecutiveFailures: 0,
		IsHealthy:           *in.IsHealthy,
	}
	if err := s.deps.Store.UpdateProviderHealth(r.Context(), p.ID, h); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Backup.WriteLogged(r.Context())

	p, err = s.deps.Store.GetProvider(r.Context(), p.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.providerView(p))
}
