// Package health probes upstream providers and maintains their health
// state: status, latency, and the consecutive-failure counter that feeds
// the is_healthy flag the routing engine consults.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	gateway "github.com/khazad/mellon/internal"
)

// Outcome is the result of one connectivity probe.
type Outcome struct {
	Status    string   `json:"status"`
	LatencyMs *float64 `json:"latency_ms"`
	Detail    string   `json:"detail,omitempty"`
}

// Prober issues the GET <base>/models connectivity check shared by the
// background checker and the synchronous test endpoints.
type Prober struct {
	http    *http.Client
	timeout time.Duration
}

// NewProber creates a Prober. timeout bounds each probe.
func NewProber(client *http.Client, timeout time.Duration) *Prober {
	return &Prober{http: client, timeout: timeout}
}

// ModelsEndpoint returns the URL a probe of baseURL targets.
func ModelsEndpoint(baseURL string) string {
	return gateway.JoinURL(baseURL, "models")
}

// Probe checks connectivity to the provider's models endpoint with a
// bearer credential. It never returns an error; every failure mode maps to
// an Outcome status.
func (p *Prober) Probe(ctx context.Context, baseURL, apiKey string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ModelsEndpoint(baseURL), nil)
	if err != nil {
		return Outcome{Status: gateway.StatusError, Detail: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	start := time.Now()
	resp, err := p.http.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	resp.Body.Close()

	latency := float64(time.Since(start).Milliseconds())
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Outcome{Status: gateway.StatusOnline, LatencyMs: &latency}
	}
	return Outcome{
		Status:    gateway.StatusDegraded,
		LatencyMs: &latency,
		Detail:    fmt.Sprintf("models endpoint returned status %d", resp.StatusCode),
	}
}

// classifyTransport separates probe timeouts from connection failures.
func classifyTransport(err error) Outcome {
	var urlErr *url.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &urlErr) && urlErr.Timeout()) {
		return Outcome{Status: gateway.StatusTimeout, Detail: "request timed out"}
	}
	if errors.As(err, &urlErr) {
		return Outcome{Status: gateway.StatusUnreachable, Detail: urlErr.Err.Error()}
	}
	return Outcome{Status: gateway.StatusError, Detail: err.Error()}
}

// Apply folds a probe outcome into the provider's health fields. A 2xx
// probe zeroes the failure counter; anything else increments it, and
// is_healthy drops once the counter reaches threshold.
func Apply(p *gateway.Provider, out Outcome, threshold int) gateway.ProviderHealth {
	h := gateway.ProviderHealth{
		Status:       out.Status,
		LatencyMs:    out.LatencyMs,
		LastTestedAt: time.Now().UTC(),
	}
	if out.Status == gateway.StatusOnline {
		h.ConsecutiveFailures = 0
		h.IsHealthy = true
		return h
	}
	h.ConsecutiveFailures = p.ConsecutiveFailures + 1
	h.IsHealthy = h.ConsecutiveFailures < threshold
	return h
}
