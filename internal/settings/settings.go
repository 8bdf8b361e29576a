// Package settings reads and writes the global settings singleton and the
// system_settings key-value store.
package settings

import (
	"fmt"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"github.com/skeeeon/managed-nebula/internal/types"
)

// Defaults applied when the singleton is first created.
const (
	DefaultLighthousePort = 4242
	DefaultCIDRPool       = "10.100.0.0/16"
	DefaultNebulaVersion  = "1.9.7"
)

// Load returns the global settings, creating the singleton with defaults on
// first boot.
func Load(app core.App) (*types.Settings, error) {
	rec, err := record(app)
	if err != nil {
		return nil, err
	}
	return &types.Settings{
		LighthousePort:        rec.GetInt("lighthouse_port"),
		LighthouseHosts:       rec.GetStringSlice("lighthouse_hosts"),
		PunchyEnabled:         rec.GetBool("punchy_enabled"),
		DefaultCIDRPool:       rec.GetString("default_cidr_pool"),
		CertVersion:           types.CertVersion(rec.GetString("cert_version")),
		NebulaVersion:         rec.GetString("nebula_version"),
		ClientDockerImage:     rec.GetString("client_docker_image"),
		ServerURL:             rec.GetString("server_url"),
		DockerComposeTemplate: rec.GetString("docker_compose_template"),
	}, nil
}

// Record returns the raw singleton record for update handlers.
func Record(app core.App) (*core.Record, error) {
	return record(app)
}

func record(app core.App) (*core.Record, error) {
	records, err := app.FindAllRecords(types.CollectionSettings)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if len(records) > 0 {
		return records[0], nil
	}

	col, err := app.FindCollectionByNameOrId(types.CollectionSettings)
	if err != nil {
		return nil, err
	}
	rec := core.NewRecord(col)
	rec.Set("lighthouse_port", DefaultLighthousePort)
	rec.Set("punchy_enabled", true)
	rec.Set("default_cidr_pool", DefaultCIDRPool)
	rec.Set("cert_version", string(types.CertVersionV1))
	rec.Set("nebula_version", DefaultNebulaVersion)
	rec.Set("client_docker_image", "ghcr.io/skeeeon/mnebula-agent:latest")
	rec.Set("docker_compose_template", DefaultComposeTemplate)
	if err := app.Save(rec); err != nil {
		return nil, fmt.Errorf("create settings singleton: %w", err)
	}
	return rec, nil
}

// GetSystem reads one system_settings value, returning fallback when the key
// is absent.
func GetSystem(app core.App, key, fallback string) string {
	rec, err := app.FindFirstRecordByFilter(types.CollectionSystemSet,
		"key = {:key}", dbx.Params{"key": key})
	if err != nil {
		return fallback
	}
	if v := rec.GetString("value"); v != "" {
		return v
	}
	return fallback
}

// SetSystem upserts one system_settings value. updatedBy may be empty for
// job-driven writes.
func SetSystem(app core.App, key, value, updatedBy string) error {
	rec, err := app.FindFirstRecordByFilter(types.CollectionSystemSet,
		"key = {:key}", dbx.Params{"key": key})
	if err != nil {
		col, err := app.FindCollectionByNameOrId(types.CollectionSystemSet)
		if err != nil {
			return err
		}
		rec = core.NewRecord(col)
		rec.Set("key", key)
	}
	rec.Set("value", value)
	rec.Set("updated_by", updatedBy)
	return app.Save(rec)
}

// DefaultComposeTemplate is the docker-compose document handed to docker
// clients, with {{SERVER_URL}}, {{CLIENT_TOKEN}}, and {{IMAGE}} placeholders
// substituted per client.
const DefaultComposeTemplate = `services:
  mnebula-agent:
    image: {{IMAGE}}
    restart: unless-stopped
    network_mode: host
    cap_add:
      - NET_ADMIN
    devices:
      - /dev/net/tun
    environment:
      SERVER_URL: "{{SERVER_URL}}"
      CLIENT_TOKEN: "{{CLIENT_TOKEN}}"
    volumes:
      - mnebula-state:/var/lib/mnebula
volumes:
  mnebula-state:
`
