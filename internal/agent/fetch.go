package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/skeeeon/managed-nebula/internal/types"
)

// Version is the agent release reported to the control plane.
const Version = "1.4.0"

const (
	fetchTimeout        = 30 * time.Second
	versionProbeTimeout = 5 * time.Second
	maxFetchBackoff     = 60 * time.Second
)

// Fetcher retrieves config bundles from the control plane.
type Fetcher struct {
	cfg    *Config
	logger *Logger
	client *http.Client

	metrics *Metrics
}

func NewFetcher(cfg *Config, metrics *Metrics, logger *Logger) *Fetcher {
	transport := &http.Transport{}
	if cfg.AllowSelfSignedCert {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Fetcher{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		client: &http.Client{
			Timeout:   fetchTimeout,
			Transport: transport,
		},
	}
}

type configRequest struct {
	Token         string `json:"token"`
	PublicKey     string `json:"public_key"`
	ClientVersion string `json:"client_version"`
	NebulaVersion string `json:"nebula_version"`
	OSType        string `json:"os_type"`
}

// Fetch posts to /v1/client/config with retries, falling back to the cached
// bundle from the last successful fetch when the server is unreachable. The
// bool result reports whether the bundle came from cache.
func (f *Fetcher) Fetch(ctx context.Context, publicKey, nebulaVersion string) (*types.ConfigBundle, bool, error) {
	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxFetchRetries; attempt++ {
		bundle, err := f.fetchOnce(ctx, publicKey, nebulaVersion)
		if err == nil {
			f.cacheBundle(bundle)
			return bundle, false, nil
		}
		lastErr = err
		f.metrics.RecordFetchFailure()
		f.logger.Warning("Config fetch attempt %d/%d failed: %v",
			attempt, f.cfg.MaxFetchRetries, err)

		if attempt < f.cfg.MaxFetchRetries {
			if err := sleepCtx(ctx, fetchBackoff(attempt)); err != nil {
				return nil, false, err
			}
		}
	}

	if cached, err := f.cachedBundle(); err == nil {
		f.logger.Warning("Using cached config after %d failed fetches", f.cfg.MaxFetchRetries)
		return cached, true, nil
	}
	return nil, false, fmt.Errorf("config fetch failed and no cache available: %w", lastErr)
}

// fetchBackoff is min(2^attempt, 60) seconds.
func fetchBackoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxFetchBackoff {
		return maxFetchBackoff
	}
	return d
}

func (f *Fetcher) fetchOnce(ctx context.Context, publicKey, nebulaVersion string) (*types.ConfigBundle, error) {
	body, err := json.Marshal(configRequest{
		Token:         f.cfg.ClientToken,
		PublicKey:     publicKey,
		ClientVersion: Version,
		NebulaVersion: nebulaVersion,
		OSType:        f.cfg.OSType(),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		f.cfg.ServerURL+"/v1/client/config", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var bundle types.ConfigBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("decode config bundle: %w", err)
	}
	return &bundle, nil
}

// ServerVersions queries /v1/version: the control plane release and the
// Nebula version the fleet should run.
func (f *Fetcher) ServerVersions(ctx context.Context) (server, nebula string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		f.cfg.ServerURL+"/v1/version", nil)
	if err != nil {
		return "", "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("version endpoint returned %d", resp.StatusCode)
	}

	var out struct {
		ManagedNebulaVersion string `json:"managed_nebula_version"`
		NebulaVersion        string `json:"nebula_version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", err
	}
	return out.ManagedNebulaVersion, out.NebulaVersion, nil
}

func (f *Fetcher) cacheBundle(bundle *types.ConfigBundle) {
	raw, err := json.Marshal(bundle)
	if err != nil {
		return
	}
	if err := renameio.WriteFile(f.cfg.CachePath(), raw, 0o600); err != nil {
		f.logger.Warning("Failed to cache config bundle: %v", err)
	}
}

func (f *Fetcher) cachedBundle() (*types.ConfigBundle, error) {
	raw, err := os.ReadFile(f.cfg.CachePath())
	if err != nil {
		return nil, err
	}
	var bundle types.ConfigBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// LocalNebulaVersion probes the installed nebula binary. Empty when the
// binary is missing or the output is unparseable; the control plane treats
// unknown as v1-only.
func LocalNebulaVersion(ctx context.Context, binary string) string {
	ctx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, binary, "-version").CombinedOutput()
	if err != nil {
		return ""
	}
	// Output shape: "Version: 1.9.7" possibly followed by build lines.
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "Version:"); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
