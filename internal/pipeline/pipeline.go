// Package pipeline orchestrates a chat completion: route lookup, provider
// selection, credential decryption, adapter dispatch, and the retry
// envelope.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/khazad/mellon/internal"
	"github.com/khazad/mellon/internal/adapter"
	"github.com/khazad/mellon/internal/crypto"
	"github.com/khazad/mellon/internal/routing"
	"github.com/khazad/mellon/internal/storage"
	"github.com/khazad/mellon/internal/telemetry"
)

// Pipeline executes chat completions against the routed upstream.
type Pipeline struct {
	store   storage.Store
	engine  *routing.Engine
	cipher  *crypto.Cipher
	http    *http.Client
	log     *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer

	timeout    time.Duration
	maxRetries int
}

// New creates a Pipeline. client carries the shared pooled transport;
// timeout bounds each non-streaming upstream attempt; maxRetries bounds the
// number of attempts per request.
func New(store storage.Store, engine *routing.Engine, cipher *crypto.Cipher,
	client *http.Client, log *slog.Logger, metrics *telemetry.Metrics,
	timeout time.Duration, maxRetries int) *Pipeline {
	return &Pipeline{
		store:      store,
		engine:     engine,
		cipher:     cipher,
		http:       client,
		log:        log,
		metrics:    metrics,
		tracer:     telemetry.Tracer("pipeline"),
		timeout:    timeout,
		maxRetries: maxRetries,
	}
}

// resolveRoute locates the route and decides the model hint. When the
// caller did not name a route explicitly, the request's model field is the
// route name and no hint constrains model choice. With an explicit route
// name, the model field becomes the hint.
func (p *Pipeline) resolveRoute(ctx context.Context, req *gateway.ChatRequest, routeName string) (*gateway.Route, string, error) {
	hint := ""
	name := routeName
	if name == "" {
		name = req.Model
	} else {
		hint = req.Model
	}

	route, err := p.store.GetRouteByName(ctx, name)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, "", fmt.Errorf("%w: route %q", gateway.ErrNotFound, name)
		}
		return nil, "", err
	}
	return route, hint, nil
}

// Complete runs a non-streaming completion with the retry envelope: each
// attempt selects a provider not yet tried, a 4xx upstream status aborts
// immediately, and 5xx/transport failures advance to the next candidate.
func (p *Pipeline) Complete(ctx context.Context, req *gateway.ChatRequest, routeName string) (*gateway.ChatResponse, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.complete")
	defer span.End()

	route, hint, err := p.resolveRoute(ctx, req, routeName)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("route", route.Name), attribute.String("mode", route.Mode))

	tried := make(map[string]struct{}, p.maxRetries)
	var lastErr error

	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		sel, provider, apiKey, err := p.pickProvider(ctx, route, hint, tried)
		if err != nil {
			if errors.Is(err, gateway.ErrRouteService) {
				lastErr = err
				continue
			}
			if err == errAlreadyTried || err == errProviderGone {
				continue
			}
			if lastErr != nil && isSelectionExhausted(err) {
				break
			}
			return nil, err
		}

		resp, err := p.callOnce(ctx, req, sel, provider, apiKey)
		if err == nil {
			return resp, nil
		}
		if isClientError(err) {
			return nil, err
		}
		p.metrics.UpstreamRetries.Inc()
		p.log.LogAttrs(ctx, slog.LevelWarn, "upstream attempt failed",
			slog.String("route", route.Name),
			slog.String("provider", provider.Name),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		lastErr = err
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: route %s exhausted %d attempts", gateway.ErrUpstream, route.Name, p.maxRetries)
}

// Stream runs a streaming completion. The retry envelope applies only until
// an upstream connection is established; once the adapter returns a chunk
// channel the request is committed to that provider and mid-stream failures
// surface as a terminal error chunk.
func (p *Pipeline) Stream(ctx context.Context, req *gateway.ChatRequest, routeName string) (<-chan gateway.StreamChunk, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.stream")
	defer span.End()

	route, hint, err := p.resolveRoute(ctx, req, routeName)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("route", route.Name), attribute.String("mode", route.Mode))

	tried := make(map[string]struct{}, p.maxRetries)
	var lastErr error

	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		sel, provider, apiKey, err := p.pickProvider(ctx, route, hint, tried)
		if err != nil {
			if errors.Is(err, gateway.ErrRouteService) {
				lastErr = err
				continue
			}
			if err == errAlreadyTried || err == errProviderGone {
				continue
			}
			if lastErr != nil && isSelectionExhausted(err) {
				break
			}
			return nil, err
		}

		ad := p.adapterFor(provider, apiKey)
		ch, err := ad.Stream(ctx, req, sel.Model)
		if err == nil {
			p.log.LogAttrs(ctx, slog.LevelInfo, "stream started",
				slog.String("route", route.Name),
				slog.String("provider", provider.Name),
				slog.String("model", sel.Model),
			)
			return ch, nil
		}
		if isClientError(err) {
			return nil, err
		}
		p.metrics.UpstreamRetries.Inc()
		p.recordUpstreamError(provider.Name, err)
		lastErr = err
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: route %s exhausted %d attempts", gateway.ErrUpstream, route.Name, p.maxRetries)
}

var (
	errAlreadyTried = errors.New("provider already tried")
	errProviderGone = errors.New("provider row disappeared")
)

// pickProvider advances the routing engine once and resolves the selected
// provider row and its decrypted key. The tried set guarantees each
// provider is attempted at most once per request.
func (p *Pipeline) pickProvider(ctx context.Context, route *gateway.Route, hint string, tried map[string]struct{}) (routing.Selection, *gateway.Provider, string, error) {
	sel, err := p.engine.SelectFromRoute(ctx, route, hint, tried)
	if err != nil {
		return routing.Selection{}, nil, "", err
	}
	p.metrics.SelectionsTotal.WithLabelValues(route.Mode).Inc()
	if _, dup := tried[sel.ProviderID]; dup {
		return routing.Selection{}, nil, "", errAlreadyTried
	}
	tried[sel.ProviderID] = struct{}{}

	provider, err := p.store.GetProvider(ctx, sel.ProviderID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return routing.Selection{}, nil, "", errProviderGone
		}
		return routing.Selection{}, nil, "", err
	}

	apiKey, err := p.cipher.Decrypt(provider.APIKeyEnc)
	if err != nil {
		return routing.Selection{}, nil, "", err
	}
	return sel, provider, apiKey, nil
}

func (p *Pipeline) callOnce(ctx context.Context, req *gateway.ChatRequest, sel routing.Selection, provider *gateway.Provider, apiKey string) (*gateway.ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ad := p.adapterFor(provider, apiKey)
	start := time.Now()
	resp, err := ad.Call(callCtx, req, sel.Model)
	p.metrics.UpstreamDuration.WithLabelValues(provider.Name, sel.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		p.recordUpstreamError(provider.Name, err)
		return nil, err
	}
	return resp, nil
}

func (p *Pipeline) recordUpstreamError(providerName string, err error) {
	status := "transport"
	var apiErr *adapter.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
		status = strconv.Itoa(apiErr.StatusCode)
	}
	p.metrics.UpstreamErrors.WithLabelValues(providerName, status).Inc()
}

// isClientError reports whether err is an upstream 4xx, which aborts the
// retry envelope.
func isClientError(err error) bool {
	var apiErr *adapter.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

// isSelectionExhausted reports whether a selection error is one that will
// repeat identically on the next attempt once an upstream failure has been
// recorded, making further selection pointless.
func isSelectionExhausted(err error) bool {
	return errors.Is(err, gateway.ErrNoActiveProvider) ||
		errors.Is(err, gateway.ErrNoModelsAvailable) ||
		errors.Is(err, gateway.ErrModelNotFound)
}
