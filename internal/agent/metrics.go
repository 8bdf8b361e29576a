package agent

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// Metrics are the supervisor counters, persisted so operators can inspect a
// node's history after the fact. All access goes through the mutex; the
// reconcile loop and the supervisor share one instance.
type Metrics struct {
	mu   sync.Mutex
	path string

	data metricsData
}

type metricsData struct {
	CrashCount            int       `json:"crash_count"`
	DisconnectCount       int       `json:"disconnect_count"`
	RestartCount          int       `json:"restart_count"`
	ConfigFetchFailures   int       `json:"config_fetch_failures"`
	ConsecutiveFailures   int       `json:"consecutive_failures"`
	LastCrashTime         time.Time `json:"last_crash_time"`
	LastSuccessfulRestart time.Time `json:"last_successful_restart"`
}

// LoadMetrics reads persisted counters, starting fresh when the file is
// missing or unreadable.
func LoadMetrics(path string) *Metrics {
	m := &Metrics{path: path}
	raw, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	// A corrupt metrics file resets the counters rather than failing.
	_ = json.Unmarshal(raw, &m.data)
	return m
}

func (m *Metrics) RecordCrash() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.CrashCount++
	m.data.LastCrashTime = time.Now().UTC()
	m.persist()
}

func (m *Metrics) RecordDisconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.DisconnectCount++
	m.persist()
}

func (m *Metrics) RecordFetchFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.ConfigFetchFailures++
	m.persist()
}

// RecordRestart tracks a restart attempt outcome. Success resets the
// consecutive-failure counter that gates the Failed sink.
func (m *Metrics) RecordRestart(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.RestartCount++
	if success {
		m.data.ConsecutiveFailures = 0
		m.data.LastSuccessfulRestart = time.Now().UTC()
	} else {
		m.data.ConsecutiveFailures++
	}
	m.persist()
}

func (m *Metrics) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ConsecutiveFailures
}

func (m *Metrics) ResetConsecutiveFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.ConsecutiveFailures = 0
	m.persist()
}

// Snapshot returns a copy for logging and tests.
func (m *Metrics) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"crash_count":             m.data.CrashCount,
		"disconnect_count":        m.data.DisconnectCount,
		"restart_count":           m.data.RestartCount,
		"config_fetch_failures":   m.data.ConfigFetchFailures,
		"consecutive_failures":    m.data.ConsecutiveFailures,
		"last_crash_time":         m.data.LastCrashTime,
		"last_successful_restart": m.data.LastSuccessfulRestart,
	}
}

// persist is called with the mutex held. Write failures are swallowed: the
// counters live on in memory and metrics must never take the agent down.
func (m *Metrics) persist() {
	raw, err := json.MarshalIndent(&m.data, "", "  ")
	if err != nil {
		return
	}
	_ = renameio.WriteFile(m.path, raw, 0o644)
}
