package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeeeon/managed-nebula/internal/types"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		StateDir:           t.TempDir(),
		MaxRestartAttempts: 3,
		MaxFetchRetries:    3,
		RestartInitTimeout: time.Second,
	}
}

func TestBundleHashIdempotence(t *testing.T) {
	a := BundleHash("config", "cert", []string{"ca1", "ca2"})
	b := BundleHash("config", "cert", []string{"ca1", "ca2"})
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, BundleHash("config2", "cert", []string{"ca1", "ca2"}))
	assert.NotEqual(t, a, BundleHash("config", "cert2", []string{"ca1", "ca2"}))
	assert.NotEqual(t, a, BundleHash("config", "cert", []string{"ca1"}))
}

func TestCurrentHashMatchesWrittenBundle(t *testing.T) {
	cfg := testConfig(t)
	bundle := &types.ConfigBundle{
		Config:        "pki:\n  ca: x\n",
		ClientCertPEM: "CERT",
		CAChainPEMs:   []string{"CA1", "CA2"},
	}

	assert.Empty(t, CurrentHash(cfg), "missing files force a write")

	require.NoError(t, WriteBundle(cfg, bundle))
	onDisk := CurrentHash(cfg)
	require.NotEmpty(t, onDisk)

	// The reconcile no-op condition: hash of the fetched bundle equals the
	// hash of what is on disk.
	fetched := BundleHash(bundle.Config, bundle.ClientCertPEM, bundle.CAChainPEMs)
	assert.Equal(t, fetched, onDisk)

	// Writing the identical bundle again changes nothing.
	require.NoError(t, WriteBundle(cfg, bundle))
	assert.Equal(t, onDisk, CurrentHash(cfg))
}

func TestFetchBackoffFormula(t *testing.T) {
	assert.Equal(t, 2*time.Second, fetchBackoff(1))
	assert.Equal(t, 4*time.Second, fetchBackoff(2))
	assert.Equal(t, 32*time.Second, fetchBackoff(5))
	assert.Equal(t, 60*time.Second, fetchBackoff(6))
	assert.Equal(t, 60*time.Second, fetchBackoff(10))
}

func TestRestartBackoffFormula(t *testing.T) {
	assert.Equal(t, time.Second, restartBackoff(1))
	assert.Equal(t, 2*time.Second, restartBackoff(2))
	assert.Equal(t, 16*time.Second, restartBackoff(5))
	assert.Equal(t, 30*time.Second, restartBackoff(6))
	assert.Equal(t, 30*time.Second, restartBackoff(10))
}

func TestContainedPathRejectsTraversal(t *testing.T) {
	dest := t.TempDir()

	_, err := containedPath(dest, "../../etc/passwd")
	assert.Error(t, err)

	_, err = containedPath(dest, "nebula/../../escape")
	assert.Error(t, err)

	got, err := containedPath(dest, "nebula")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "nebula"), got)

	got, err = containedPath(dest, "./sub/nebula-cert")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "sub", "nebula-cert"), got)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "agent.conf")
	content := `# agent settings
SERVER_URL=https://file.example.com
CLIENT_TOKEN="file-token"
POLL_INTERVAL_HOURS=4
MAX_FETCH_RETRIES=7
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))

	t.Setenv("SERVER_URL", "https://env.example.com/")
	t.Setenv("CLIENT_TOKEN", "")
	t.Setenv("NEBULA_STATE_DIR", dir)

	cfg, err := LoadConfig(file)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.ServerURL, "env wins and trailing slash is trimmed")
	assert.Equal(t, "file-token", cfg.ClientToken, "empty env falls through to file")
	assert.Equal(t, 4*time.Hour, cfg.PollInterval)
	assert.Equal(t, 7, cfg.MaxFetchRetries)
	assert.Equal(t, dir, cfg.StateDir)

	// Defaults for everything unset.
	assert.Equal(t, defaultMaxRestartAttempts, cfg.MaxRestartAttempts)
	assert.Equal(t, defaultProcessCheckInterval, cfg.ProcessCheckInterval)
	assert.True(t, cfg.StartNebula)
	assert.False(t, cfg.AllowSelfSignedCert)
}

func TestLoadConfigRequiresToken(t *testing.T) {
	t.Setenv("SERVER_URL", "https://example.com")
	t.Setenv("CLIENT_TOKEN", "")

	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CLIENT_TOKEN")
}

func TestMetricsPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")

	m := LoadMetrics(path)
	m.RecordCrash()
	m.RecordFetchFailure()
	m.RecordRestart(false)
	m.RecordRestart(false)
	assert.Equal(t, 2, m.ConsecutiveFailures())

	m.RecordRestart(true)
	assert.Equal(t, 0, m.ConsecutiveFailures(), "success resets the failure streak")

	reloaded := LoadMetrics(path)
	snap := reloaded.Snapshot()
	assert.Equal(t, 1, snap["crash_count"])
	assert.Equal(t, 1, snap["config_fetch_failures"])
	assert.Equal(t, 3, snap["restart_count"])
	assert.Equal(t, 0, snap["consecutive_failures"])
}

func TestMetricsSurvivesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	m := LoadMetrics(path)
	assert.Equal(t, 0, m.ConsecutiveFailures())
}

func TestSupervisorPIDFile(t *testing.T) {
	cfg := testConfig(t)
	s := NewSupervisor(cfg, LoadMetrics(cfg.MetricsPath()), NewLogger(false))

	assert.Equal(t, 0, s.pid(), "missing pid file reads as zero")

	require.NoError(t, s.writePID(os.Getpid()))
	assert.Equal(t, os.Getpid(), s.pid())

	require.NoError(t, os.WriteFile(cfg.PIDPath(), []byte("garbage"), 0o644))
	assert.Equal(t, 0, s.pid(), "malformed pid file reads as zero")
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(0))
	assert.False(t, processAlive(-1))
	// PID well above any real process on a test machine.
	assert.False(t, processAlive(1<<22+1234))
}

func TestSupervisorStateTransitions(t *testing.T) {
	cfg := testConfig(t)
	s := NewSupervisor(cfg, LoadMetrics(cfg.MetricsPath()), NewLogger(false))

	assert.Equal(t, StateStopped, s.State())
	s.setState(StateStarting)
	assert.Equal(t, StateStarting, s.State())
	s.setState(StateRunning)
	assert.Equal(t, StateRunning, s.State())
	s.setState(StateFailed)
	assert.Equal(t, StateFailed, s.State())
}

func TestParseConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "agent.conf")
	content := "# comment\n\nKEY=value\nQUOTED=\"hello world\"\nNOEQUALS\nSPACED = padded \n"
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))

	vals, err := parseConfigFile(file)
	require.NoError(t, err)
	assert.Equal(t, "value", vals["KEY"])
	assert.Equal(t, "hello world", vals["QUOTED"])
	assert.Equal(t, "padded", vals["SPACED"])
	_, ok := vals["NOEQUALS"]
	assert.False(t, ok)
}
