package agent

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNebula installs a stand-in daemon binary: -test validation succeeds
// immediately, a normal start stays alive long enough to observe.
func fakeNebula(t *testing.T, cfg *Config) {
	t.Helper()
	script := "#!/bin/sh\nif [ \"$1\" = \"-test\" ]; then\n  exit 0\nfi\nsleep 30\n"
	path := filepath.Join(cfg.StateDir, "nebula")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	cfg.NebulaBinary = path
}

// daemonPIDs scans /proc for live daemons started against the given config.
func daemonPIDs(configPath string) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	var pids []int
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
		if strings.Contains(cmdline, "nebula") && strings.Contains(cmdline, configPath) {
			pids = append(pids, pid)
		}
	}
	return pids
}

func TestConcurrentRestartsSpawnOneDaemon(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}

	cfg := testConfig(t)
	fakeNebula(t, cfg)
	s := NewSupervisor(cfg, LoadMetrics(cfg.MetricsPath()), NewLogger(false))

	t.Cleanup(func() {
		for _, pid := range daemonPIDs(cfg.ConfigPath()) {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	})

	// Reconcile and monitor can both decide to restart at the same moment.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Restart(context.Background())
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	pids := daemonPIDs(cfg.ConfigPath())
	require.Len(t, pids, 1, "concurrent restarts must leave exactly one daemon")
	assert.Equal(t, pids[0], s.pid(), "the pid file must track the surviving daemon")
	assert.Equal(t, StateRunning, s.State())
}

func TestRestartReplacesRunningDaemon(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}

	cfg := testConfig(t)
	fakeNebula(t, cfg)
	s := NewSupervisor(cfg, LoadMetrics(cfg.MetricsPath()), NewLogger(false))

	t.Cleanup(func() {
		for _, pid := range daemonPIDs(cfg.ConfigPath()) {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	})

	require.NoError(t, s.Restart(context.Background()))
	first := s.pid()
	require.True(t, processAlive(first))

	require.NoError(t, s.Restart(context.Background()))
	second := s.pid()
	require.True(t, processAlive(second))

	assert.NotEqual(t, first, second)
	assert.False(t, processAlive(first), "the previous daemon must be stopped")
	assert.Len(t, daemonPIDs(cfg.ConfigPath()), 1)
}
