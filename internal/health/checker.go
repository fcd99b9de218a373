package health

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	gateway "github.com/khazad/mellon/internal"
	"github.com/khazad/mellon/internal/backup"
	"github.com/khazad/mellon/internal/crypto"
	"github.com/khazad/mellon/internal/storage"
	"github.com/khazad/mellon/internal/telemetry"
)

// sweepConcurrency bounds simultaneous probes within one sweep.
const sweepConcurrency = 8

// Checker periodically probes every active provider and commits the
// resulting health transitions. It is a worker.Worker; one instance runs
// per process.
type Checker struct {
	store    storage.Store
	cipher   *crypto.Cipher
	prober   *Prober
	backup   *backup.Manager
	log      *slog.Logger
	metrics  *telemetry.Metrics
	interval time.Duration
	// threshold is the consecutive-failure count at which a provider is
	// marked unhealthy.
	threshold int
}

// NewChecker creates a Checker sweeping every interval.
func NewChecker(store storage.Store, cipher *crypto.Cipher, prober *Prober,
	bk *backup.Manager, log *slog.Logger, metrics *telemetry.Metrics,
	interval time.Duration, threshold int) *Checker {
	return &Checker{
		store:     store,
		cipher:    cipher,
		prober:    prober,
		backup:    bk,
		log:       log,
		metrics:   metrics,
		interval:  interval,
		threshold: threshold,
	}
}

// Name returns the worker identifier.
func (c *Checker) Name() string { return "health_checker" }

// Run performs an initial sweep, then sweeps on the interval until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context) error {
	c.Sweep(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Sweep probes every active provider concurrently, commits the outcomes,
// and writes a backup snapshot afterwards. Probe failures never propagate;
// they become provider state transitions.
func (c *Checker) Sweep(ctx context.Context) {
	providers, err := c.store.ListProviders(ctx)
	if err != nil {
		c.log.LogAttrs(ctx, slog.LevelError, "health sweep: list providers failed",
			slog.String("error", err.Error()),
		)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	checked := 0
	for _, p := range providers {
		if !p.IsActive {
			continue
		}
		checked++
		g.Go(func() error {
			c.CheckOne(gctx, p)
			return nil
		})
	}
	g.Wait()

	if checked > 0 {
		c.backup.WriteLogged(ctx)
	}
	c.log.LogAttrs(ctx, slog.LevelDebug, "health sweep completed",
		slog.Int("probed", checked),
	)
}

// CheckOne probes one provider and persists the health transition. The
// synchronous provider-test endpoint shares this path so manual tests and
// background sweeps stay consistent.
func (c *Checker) CheckOne(ctx context.Context, p *gateway.Provider) Outcome {
	out := c.probeProvider(ctx, p)
	c.metrics.HealthProbes.WithLabelValues(out.Status).Inc()

	h := Apply(p, out, c.threshold)
	if err := c.store.UpdateProviderHealth(ctx, p.ID, h); err != nil {
		c.log.LogAttrs(ctx, slog.LevelError, "health update failed",
			slog.String("provider", p.Name),
			slog.String("error", err.Error()),
		)
		return out
	}

	if p.IsHealthy != h.IsHealthy {
		c.log.LogAttrs(ctx, slog.LevelWarn, "provider health changed",
			slog.String("provider", p.Name),
			slog.String("status", h.Status),
			slog.Bool("healthy", h.IsHealthy),
			slog.Int("consecutive_failures", h.ConsecutiveFailures),
		)
	}
	return out
}

func (c *Checker) probeProvider(ctx context.Context, p *gateway.Provider) Outcome {
	apiKey, err := c.cipher.Decrypt(p.APIKeyEnc)
	if err != nil {
		return Outcome{Status: gateway.StatusError, Detail: "credential decryption failed"}
	}
	return c.prober.Probe(ctx, p.BaseURL, apiKey)
}
