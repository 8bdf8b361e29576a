package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/renameio/v2"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	// StateFailed is a sink: entered after the consecutive-failure ceiling,
	// left only by the cooldown or operator intervention.
	StateFailed State = "failed"
)

const (
	termGracePeriod   = 2 * time.Second
	maxRestartBackoff = 30 * time.Second
	failedCooldown    = 300 * time.Second
)

// Supervisor manages the local Nebula daemon. The daemon deliberately
// outlives the agent: agent restarts and upgrades must not drop the overlay.
type Supervisor struct {
	cfg     *Config
	logger  *Logger
	metrics *Metrics

	mu    sync.Mutex
	state State

	// restartMu serializes the validate/stop/start sequence. Reconcile and
	// monitor both trigger restarts; interleaving them during the stop
	// grace window would spawn two daemons and orphan the first.
	restartMu sync.Mutex
}

func NewSupervisor(cfg *Config, metrics *Metrics, logger *Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		state:   StateStopped,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// pid reads the authoritative PID file. Zero when absent or malformed.
func (s *Supervisor) pid() int {
	raw, err := os.ReadFile(s.cfg.PIDPath())
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

func (s *Supervisor) writePID(pid int) error {
	return renameio.WriteFile(s.cfg.PIDPath(), []byte(strconv.Itoa(pid)), 0o644)
}

// processAlive is the POSIX liveness probe: signal 0 delivery.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// IsRunning reports whether the Nebula daemon is alive. When the PID file is
// missing or stale it scans /proc for a nebula process using our config and
// adopts it, so a daemon that survived an agent restart is not double
// started.
func (s *Supervisor) IsRunning() bool {
	if pid := s.pid(); processAlive(pid) {
		return true
	}
	if pid := s.findNebulaProcess(); pid > 0 {
		s.logger.Info("Adopted running nebula process (pid %d)", pid)
		if err := s.writePID(pid); err != nil {
			s.logger.Warning("Failed to rewrite pid file: %v", err)
		}
		return true
	}
	return false
}

// findNebulaProcess scans /proc cmdlines for "nebula" with our config path.
func (s *Supervisor) findNebulaProcess() int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "cmdline"))
		if err != nil {
			continue
		}
		cmdline := strings.ReplaceAll(string(raw), "\x00", " ")
		if strings.Contains(cmdline, "nebula") && strings.Contains(cmdline, s.cfg.ConfigPath()) {
			return pid
		}
	}
	return 0
}

// validateConfig runs nebula -test before touching the running daemon. A
// bad config aborts the restart and leaves the current process alone.
func (s *Supervisor) validateConfig(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, s.cfg.NebulaBinary, "-test", "-config", s.cfg.ConfigPath())
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("config validation failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// stop terminates the current daemon: SIGTERM, grace period, then SIGKILL.
func (s *Supervisor) stop() {
	pid := s.pid()
	if !processAlive(pid) {
		return
	}
	s.setState(StateStopping)
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)

	deadline := time.Now().Add(termGracePeriod)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			s.setState(StateStopped)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = proc.Signal(syscall.SIGKILL)
	s.setState(StateStopped)
}

// start spawns a detached Nebula daemon and waits for it to come up.
func (s *Supervisor) start(ctx context.Context) error {
	s.setState(StateStarting)

	cmd := exec.Command(s.cfg.NebulaBinary, "-config", s.cfg.ConfigPath())
	// New session: the daemon must survive agent exit.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("spawn nebula: %w", err)
	}
	pid := cmd.Process.Pid
	// The daemon is tracked through the pid file, not the process handle.
	// Reaping in the background keeps the liveness probe honest: an exited
	// child left unreaped would still accept signal 0 as a zombie.
	go func() { _ = cmd.Wait() }()

	if err := s.writePID(pid); err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("write pid file: %w", err)
	}

	deadline := time.Now().Add(s.cfg.RestartInitTimeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if processAlive(pid) && s.pid() == pid {
			s.setState(StateRunning)
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	s.setState(StateStopped)
	return fmt.Errorf("nebula did not reach running within %s", s.cfg.RestartInitTimeout)
}

// Restart replaces the running daemon with one using the current config.
// The config is validated first; an invalid config aborts without touching
// the daemon. Concurrent callers are serialized so at most one daemon is
// ever alive.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	if err := s.validateConfig(ctx); err != nil {
		return err
	}
	s.stop()
	if err := s.start(ctx); err != nil {
		s.metrics.RecordRestart(false)
		return err
	}
	s.metrics.RecordRestart(true)
	if s.cfg.PostRestartWait > 0 {
		if err := sleepCtx(ctx, s.cfg.PostRestartWait); err != nil {
			return err
		}
	}
	s.logger.Success("Nebula restarted (pid %d)", s.pid())
	return nil
}

// EnsureRunning starts the daemon when down, retrying with backoff. After
// MaxRestartAttempts consecutive failures the supervisor enters the Failed
// sink, alerts, and cools down before re-arming.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	if s.IsRunning() {
		s.setState(StateRunning)
		return nil
	}

	for attempt := 1; attempt <= s.cfg.MaxRestartAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.Restart(ctx)
		if err == nil {
			return nil
		}
		s.logger.Error("Restart attempt %d/%d failed: %v",
			attempt, s.cfg.MaxRestartAttempts, err)

		if attempt < s.cfg.MaxRestartAttempts {
			if err := sleepCtx(ctx, restartBackoff(attempt)); err != nil {
				return err
			}
		}
	}

	s.setState(StateFailed)
	s.logger.Alert("nebula restart attempts exhausted (%d); supervisor entering failed state for %s",
		s.cfg.MaxRestartAttempts, failedCooldown)
	if err := sleepCtx(ctx, failedCooldown); err != nil {
		return err
	}
	// Re-arm after the cooldown; the next monitor tick tries again.
	s.metrics.ResetConsecutiveFailures()
	s.setState(StateStopped)
	return fmt.Errorf("restart attempts exhausted")
}

// Apply is the reconcile loop's entry point: a changed config or upgraded
// binary forces a restart, otherwise a stopped daemon is started.
func (s *Supervisor) Apply(ctx context.Context, force bool) error {
	if force {
		if err := s.Restart(ctx); err != nil {
			s.logger.Error("Forced restart failed: %v", err)
			return s.EnsureRunning(ctx)
		}
		return nil
	}
	return s.EnsureRunning(ctx)
}

// restartBackoff is min(2^(attempt-1), 30) seconds.
func restartBackoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if d > maxRestartBackoff {
		return maxRestartBackoff
	}
	return d
}
