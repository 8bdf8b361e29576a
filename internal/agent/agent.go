package agent

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
)

// Agent ties the reconcile loop, the fetcher, the supervisor, and the
// upgrader together.
type Agent struct {
	cfg        *Config
	logger     *Logger
	metrics    *Metrics
	fetcher    *Fetcher
	supervisor *Supervisor
	upgrader   *Upgrader

	lock *flock.Flock
}

func New(cfg *Config, logger *Logger) (*Agent, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	// One agent per state dir. A second instance would race on the pid
	// file and the config writes.
	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire state lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another agent is already running for %s", cfg.StateDir)
	}

	metrics := LoadMetrics(cfg.MetricsPath())
	return &Agent{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		fetcher:    NewFetcher(cfg, metrics, logger),
		supervisor: NewSupervisor(cfg, metrics, logger),
		upgrader:   NewUpgrader(cfg, logger),
		lock:       lock,
	}, nil
}

// Close releases the state dir lock. The Nebula daemon keeps running.
func (a *Agent) Close() {
	if a.lock != nil {
		_ = a.lock.Unlock()
	}
}

// Reconcile runs one full cycle: keypair, optional upgrade, fetch, diff,
// write, restart-on-change.
func (a *Agent) Reconcile(ctx context.Context) error {
	a.logger.Process("Starting reconcile cycle")

	if err := EnsureKeypair(ctx, a.cfg, a.logger); err != nil {
		return err
	}

	upgraded := false
	if a.cfg.AutoUpgrade {
		if _, targetNebula, err := a.fetcher.ServerVersions(ctx); err != nil {
			a.logger.Warning("Version probe failed: %v", err)
		} else if done, err := a.upgrader.MaybeUpgrade(ctx, targetNebula); err != nil {
			a.logger.Warning("Upgrade failed: %v", err)
		} else {
			upgraded = done
		}
	}

	publicKey, err := PublicKey(a.cfg)
	if err != nil {
		return err
	}
	nebulaVersion := LocalNebulaVersion(ctx, a.cfg.NebulaBinary)

	bundle, fromCache, err := a.fetcher.Fetch(ctx, publicKey, nebulaVersion)
	if err != nil {
		return err
	}

	newHash := BundleHash(bundle.Config, bundle.ClientCertPEM, bundle.CAChainPEMs)
	changed := newHash != CurrentHash(a.cfg)
	if changed {
		if err := WriteBundle(a.cfg, bundle); err != nil {
			return err
		}
		a.logger.Success("Config updated (cert valid until %s)",
			bundle.CertNotAfter.Format(time.RFC3339))
	} else {
		a.logger.Info("Config unchanged")
	}
	if fromCache {
		a.logger.Info("Cycle completed from cached config")
	}

	if a.cfg.StartNebula && (changed || upgraded || !a.supervisor.IsRunning()) {
		if err := a.supervisor.Apply(ctx, changed || upgraded); err != nil {
			return err
		}
	}
	return nil
}

// RunOnce executes a single reconcile cycle. Any failure is fatal in this
// mode; the exit code tells the caller.
func (a *Agent) RunOnce(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.Reconcile(ctx)
}

// RunLoop reconciles on the poll interval until signalled. Individual cycle
// failures log and wait for the next tick; only a cancelled context ends
// the loop.
func (a *Agent) RunLoop(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.logger.Start("Agent loop started (poll interval %s)", a.cfg.PollInterval)
	if err := a.Reconcile(ctx); err != nil && ctx.Err() == nil {
		a.logger.Error("Reconcile failed: %v", err)
	}

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Stop("Agent shutting down; nebula daemon left running")
			return nil
		case <-ticker.C:
			if err := a.Reconcile(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("Reconcile failed: %v", err)
			}
		}
	}
}

// RunMonitor is RunLoop plus the background supervisor.
func (a *Agent) RunMonitor(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.RunLoop(ctx) })
	g.Go(func() error {
		return Monitor(ctx, a.cfg, a.supervisor, a.metrics, a.logger)
	})
	return g.Wait()
}
