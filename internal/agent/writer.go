package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/skeeeon/managed-nebula/internal/types"
)

// BundleHash fingerprints the material the agent writes to disk. The same
// hash over the on-disk files deciding whether anything changed makes the
// reconcile cycle idempotent.
func BundleHash(configYAML, certPEM string, caPEMs []string) string {
	h := sha256.New()
	h.Write([]byte(configYAML))
	h.Write([]byte(certPEM))
	h.Write([]byte(strings.Join(caPEMs, "")))
	return hex.EncodeToString(h.Sum(nil))
}

// CurrentHash computes the hash of the currently written files. Empty when
// any file is missing, which forces a write.
func CurrentHash(cfg *Config) string {
	config, err1 := os.ReadFile(cfg.ConfigPath())
	cert, err2 := os.ReadFile(cfg.CertPath())
	ca, err3 := os.ReadFile(cfg.CAPath())
	if err1 != nil || err2 != nil || err3 != nil {
		return ""
	}
	return BundleHash(string(config), string(cert), []string{string(ca)})
}

// WriteBundle persists the config material atomically. Each file is written
// to a temp file and renamed, so a crash mid-write never leaves a partial
// cert or config behind.
func WriteBundle(cfg *Config, bundle *types.ConfigBundle) error {
	caJoined := strings.Join(bundle.CAChainPEMs, "")

	if err := renameio.WriteFile(cfg.ConfigPath(), []byte(bundle.Config), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := renameio.WriteFile(cfg.CertPath(), []byte(bundle.ClientCertPEM), 0o644); err != nil {
		return fmt.Errorf("write host cert: %w", err)
	}
	if err := renameio.WriteFile(cfg.CAPath(), []byte(caJoined), 0o644); err != nil {
		return fmt.Errorf("write ca chain: %w", err)
	}
	return nil
}
