// Package agent implements the node-side reconcile loop: fetch the config
// bundle from the control plane, diff it against disk, rewrite atomically,
// and supervise the local Nebula daemon.
package agent

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config is the agent's runtime configuration. Values come from an optional
// key=value config file overlaid by environment variables; env always wins.
type Config struct {
	ServerURL   string
	ClientToken string

	PollInterval time.Duration

	AllowSelfSignedCert bool
	StartNebula         bool
	AutoUpgrade         bool

	MaxRestartAttempts   int
	MaxFetchRetries      int
	ProcessCheckInterval time.Duration
	HealthCheckInterval  time.Duration
	RestartInitTimeout   time.Duration
	PostRestartWait      time.Duration

	StateDir         string
	NebulaBinary     string
	NebulaCertBinary string
}

// Defaults. Intervals are deliberately conservative; the agent is a
// background process on every fleet node.
const (
	defaultPollIntervalHours    = 1
	defaultMaxRestartAttempts   = 5
	defaultMaxFetchRetries      = 3
	defaultProcessCheckInterval = 30 * time.Second
	defaultHealthCheckInterval  = 60 * time.Second
	defaultRestartInitTimeout   = 30 * time.Second
	defaultPostRestartWait      = 5 * time.Second
	defaultStateDir             = "/var/lib/mnebula"
)

// LoadConfig builds the agent configuration. configPath may be empty, in
// which case only the environment is consulted. A missing CLIENT_TOKEN is
// the one fatal misconfiguration.
func LoadConfig(configPath string) (*Config, error) {
	fileVals := map[string]string{}
	if configPath != "" {
		vals, err := parseConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		fileVals = vals
	}

	get := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		if v, ok := fileVals[key]; ok && v != "" {
			return v
		}
		return fallback
	}

	cfg := &Config{
		ServerURL:            strings.TrimRight(get("SERVER_URL", ""), "/"),
		ClientToken:          get("CLIENT_TOKEN", ""),
		AllowSelfSignedCert:  boolVal(get("ALLOW_SELF_SIGNED_CERT", "false")),
		StartNebula:          boolVal(get("START_NEBULA", "true")),
		AutoUpgrade:          boolVal(get("AUTO_UPGRADE", "false")),
		MaxRestartAttempts:   intVal(get("MAX_RESTART_ATTEMPTS", ""), defaultMaxRestartAttempts),
		MaxFetchRetries:      intVal(get("MAX_FETCH_RETRIES", ""), defaultMaxFetchRetries),
		ProcessCheckInterval: secondsVal(get("PROCESS_CHECK_INTERVAL", ""), defaultProcessCheckInterval),
		HealthCheckInterval:  secondsVal(get("HEALTH_CHECK_INTERVAL", ""), defaultHealthCheckInterval),
		RestartInitTimeout:   secondsVal(get("RESTART_INIT_TIMEOUT", ""), defaultRestartInitTimeout),
		PostRestartWait:      secondsVal(get("POST_RESTART_WAIT", ""), defaultPostRestartWait),
		StateDir:             get("NEBULA_STATE_DIR", defaultStateDir),
		NebulaBinary:         get("NEBULA_BINARY", "nebula"),
		NebulaCertBinary:     get("NEBULA_CERT_BINARY", "nebula-cert"),
	}

	hours := intVal(get("POLL_INTERVAL_HOURS", ""), defaultPollIntervalHours)
	if hours < 1 {
		hours = defaultPollIntervalHours
	}
	cfg.PollInterval = time.Duration(hours) * time.Hour

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("SERVER_URL is required")
	}
	if cfg.ClientToken == "" {
		return nil, fmt.Errorf("CLIENT_TOKEN is required")
	}
	return cfg, nil
}

// parseConfigFile reads KEY=VALUE lines. Blank lines and # comments are
// skipped; values may be double-quoted.
func parseConfigFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	vals := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		vals[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return vals, scanner.Err()
}

func boolVal(s string) bool {
	v, err := strconv.ParseBool(strings.ToLower(s))
	return err == nil && v
}

func intVal(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func secondsVal(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Second
}

// OSType reports the control plane os_type value for this platform.
func (c *Config) OSType() string {
	switch runtime.GOOS {
	case "windows":
		return "windows"
	case "darwin":
		return "macos"
	}
	return "docker"
}

// State file paths.

func (c *Config) KeyPath() string     { return filepath.Join(c.StateDir, "host.key") }
func (c *Config) PubPath() string     { return filepath.Join(c.StateDir, "host.pub") }
func (c *Config) ConfigPath() string  { return filepath.Join(c.StateDir, "config.yml") }
func (c *Config) CertPath() string    { return filepath.Join(c.StateDir, "host.crt") }
func (c *Config) CAPath() string      { return filepath.Join(c.StateDir, "ca.crt") }
func (c *Config) PIDPath() string     { return filepath.Join(c.StateDir, "nebula.pid") }
func (c *Config) MetricsPath() string { return filepath.Join(c.StateDir, "metrics.json") }
func (c *Config) CachePath() string   { return filepath.Join(c.StateDir, "cached_config.json") }
func (c *Config) LockPath() string    { return filepath.Join(c.StateDir, "agent.lock") }
