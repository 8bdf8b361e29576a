package agent

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Monitor runs the background supervision loops: a process check that
// recovers crashes and a health probe. Returns when the context is
// cancelled.
//
// The Nebula daemon itself is never stopped here; shutdown only stops the
// watching.
func Monitor(ctx context.Context, cfg *Config, sup *Supervisor, metrics *Metrics, logger *Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(cfg.ProcessCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if sup.IsRunning() {
					continue
				}
				logger.Warning("Nebula process is down, attempting recovery")
				metrics.RecordCrash()
				if err := sup.EnsureRunning(ctx); err != nil && ctx.Err() == nil {
					logger.Error("Recovery failed: %v", err)
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				// Process liveness is the health floor. Interface and
				// handshake probes are the known extension point.
				if !sup.IsRunning() {
					metrics.RecordDisconnect()
					logger.Warning("Health probe failed: process not running")
				}
			}
		}
	})

	return g.Wait()
}
