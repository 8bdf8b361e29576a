// Package versioncache keeps the latest upstream release versions cached in
// system_settings so the dashboard and agents can surface available
// upgrades without hitting GitHub on every request.
package versioncache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/core"

	"github.com/skeeeon/managed-nebula/internal/apperr"
	"github.com/skeeeon/managed-nebula/internal/settings"
	"github.com/skeeeon/managed-nebula/internal/types"
)

const (
	nebulaReleaseURL = "https://api.github.com/repos/slackhq/nebula/releases/latest"

	// Stale cache entries are served rather than failing; refresh is best
	// effort and upstream outages must not break anything.
	refreshInterval = 6 * time.Hour
	requestTimeout  = 15 * time.Second
)

// Fetcher refreshes the cached upstream version information.
type Fetcher struct {
	app    core.App
	client *http.Client
}

func NewFetcher(app core.App) *Fetcher {
	return &Fetcher{
		app:    app,
		client: &http.Client{Timeout: requestTimeout},
	}
}

type release struct {
	TagName string `json:"tag_name"`
	Body    string `json:"body"`
}

// Refresh probes GitHub for the latest Nebula release and caches the result.
// Skips the probe while the cache is fresh.
func (f *Fetcher) Refresh(ctx context.Context) error {
	if f.fresh() {
		return nil
	}

	rel, err := f.latest(ctx, nebulaReleaseURL)
	if err != nil {
		return err
	}
	version := strings.TrimPrefix(rel.TagName, "v")
	if version == "" {
		return apperr.New(apperr.Transient, "upstream release has no tag name")
	}

	if err := settings.SetSystem(f.app, types.SettingLatestNebulaVersion, version, ""); err != nil {
		return err
	}
	if err := settings.SetSystem(f.app, types.SettingNebulaAdvisories, rel.Body, ""); err != nil {
		return err
	}
	return settings.SetSystem(f.app, types.SettingVersionCacheChecked,
		time.Now().UTC().Format(time.RFC3339), "")
}

// Latest returns the cached latest Nebula version, empty when never fetched.
func (f *Fetcher) Latest() string {
	return settings.GetSystem(f.app, types.SettingLatestNebulaVersion, "")
}

func (f *Fetcher) fresh() bool {
	checked := settings.GetSystem(f.app, types.SettingVersionCacheChecked, "")
	if checked == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, checked)
	if err != nil {
		return false
	}
	return time.Since(t) < refreshInterval
}

func (f *Fetcher) latest(ctx context.Context, url string) (*release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Transient, "fetch latest release")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.Transient,
			"release endpoint returned %d", resp.StatusCode)
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}
	return &rel, nil
}
