package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

const keygenTimeout = 30 * time.Second

// EnsureKeypair generates the host keypair with nebula-cert keygen when
// either half is missing. The private key never leaves this machine; the
// control plane only ever sees host.pub.
func EnsureKeypair(ctx context.Context, cfg *Config, logger *Logger) error {
	if fileExists(cfg.KeyPath()) && fileExists(cfg.PubPath()) {
		return nil
	}

	logger.Process("Generating host keypair...")
	ctx, cancel := context.WithTimeout(ctx, keygenTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, cfg.NebulaCertBinary, "keygen",
		"-out-key", cfg.KeyPath(),
		"-out-pub", cfg.PubPath(),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("nebula-cert keygen: %w: %s", err, out)
	}

	if err := os.Chmod(cfg.KeyPath(), 0o600); err != nil {
		return fmt.Errorf("restrict key permissions: %w", err)
	}
	logger.Success("Host keypair generated")
	return nil
}

// PublicKey reads the host public key PEM for the config request.
func PublicKey(cfg *Config) (string, error) {
	raw, err := os.ReadFile(cfg.PubPath())
	if err != nil {
		return "", fmt.Errorf("read host public key: %w", err)
	}
	return string(raw), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
