// Package nebulacert wraps the external nebula-cert helper binary and the
// in-process certificate parsing used around it.
//
// SIGNING RESPONSIBILITY:
// We do not reimplement certificate signing. Key generation and signing are
// delegated to the nebula-cert subprocess; parsing and fingerprinting of the
// resulting PEMs is done in-process with the nebula/cert package (the same
// code nebula-cert itself uses).
package nebulacert

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skeeeon/managed-nebula/internal/apperr"
	"github.com/skeeeon/managed-nebula/internal/types"
)

// Subprocess timeouts. Keygen, ca, and sign are fast local operations; the
// ceiling exists to bound a wedged helper, not to budget real work.
const (
	DefaultTimeout = 30 * time.Second
)

// SignRequest carries everything nebula-cert sign needs.
type SignRequest struct {
	CACertPEM    string
	CAKeyPEM     string
	Name         string
	IPs          []string // "addr/prefix"; first entry is the primary
	Groups       []string
	Duration     time.Duration
	PublicKeyPEM string
	Version      types.CertVersion // v1 or v2; hybrid is composed by the caller
}

// Runner abstracts the nebula-cert operations the control plane and agent
// consume. CLIRunner shells out to the real binary; MemoryRunner signs
// in-process and backs tests.
type Runner interface {
	// CA creates a self-signed signing CA and returns its cert and key PEMs.
	CA(ctx context.Context, name string, duration time.Duration, version types.CertVersion) (certPEM, keyPEM string, err error)
	// Sign issues a host certificate and returns its PEM.
	Sign(ctx context.Context, req SignRequest) (string, error)
	// Keygen writes a fresh X25519 keypair to the two paths.
	Keygen(ctx context.Context, keyPath, pubPath string) error
}

// CLIRunner invokes the nebula-cert binary. Every invocation runs inside its
// own scratch directory which is removed on all exit paths.
type CLIRunner struct {
	// Binary is the nebula-cert executable. Empty means "nebula-cert" on PATH.
	Binary string
	// Timeout bounds each invocation. Zero means DefaultTimeout.
	Timeout time.Duration
}

func (r *CLIRunner) binary() string {
	if r.Binary != "" {
		return r.Binary
	}
	return "nebula-cert"
}

func (r *CLIRunner) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultTimeout
}

// run executes nebula-cert with args in dir, classifying failures.
func (r *CLIRunner) run(ctx context.Context, dir string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, r.binary(), args...)
	cmd.Dir = dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		// Malformed caller-supplied PEM input is a caller fault, not an
		// operational failure.
		if strings.Contains(detail, "did not contain a valid PEM") {
			return apperr.New(apperr.Validation, "nebula-cert %s: %s", args[0], detail)
		}
		return apperr.New(apperr.Subprocess, "nebula-cert %s: %s", args[0], detail)
	}
	return nil
}

// scratchDir creates a private working directory for one invocation.
func scratchDir() (string, func(), error) {
	dir := filepath.Join(os.TempDir(), "mnebula-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

// CA shells out to "nebula-cert ca" and returns the generated PEMs.
func (r *CLIRunner) CA(ctx context.Context, name string, duration time.Duration, version types.CertVersion) (string, string, error) {
	dir, cleanup, err := scratchDir()
	if err != nil {
		return "", "", err
	}
	defer cleanup()

	args := []string{"ca", "-name", name, "-duration", durationArg(duration)}
	if version == types.CertVersionV2 {
		args = append(args, "-version", "2")
	}
	if err := r.run(ctx, dir, args...); err != nil {
		return "", "", err
	}

	certPEM, err := os.ReadFile(filepath.Join(dir, "ca.crt"))
	if err != nil {
		return "", "", fmt.Errorf("read ca.crt: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, "ca.key"))
	if err != nil {
		return "", "", fmt.Errorf("read ca.key: %w", err)
	}
	return string(certPEM), string(keyPEM), nil
}

// Sign shells out to "nebula-cert sign" with the CA material and public key
// staged in a scratch directory.
func (r *CLIRunner) Sign(ctx context.Context, req SignRequest) (string, error) {
	if len(req.IPs) == 0 {
		return "", apperr.New(apperr.Validation, "sign request has no IP")
	}

	dir, cleanup, err := scratchDir()
	if err != nil {
		return "", err
	}
	defer cleanup()

	caCrt := filepath.Join(dir, "ca.crt")
	caKey := filepath.Join(dir, "ca.key")
	inPub := filepath.Join(dir, "host.pub")
	outCrt := filepath.Join(dir, "host.crt")

	if err := os.WriteFile(caCrt, []byte(req.CACertPEM), 0o600); err != nil {
		return "", fmt.Errorf("stage ca cert: %w", err)
	}
	if err := os.WriteFile(caKey, []byte(req.CAKeyPEM), 0o600); err != nil {
		return "", fmt.Errorf("stage ca key: %w", err)
	}
	if err := os.WriteFile(inPub, []byte(req.PublicKeyPEM), 0o600); err != nil {
		return "", fmt.Errorf("stage public key: %w", err)
	}

	args := []string{
		"sign",
		"-name", req.Name,
		"-duration", durationArg(req.Duration),
		"-ca-crt", caCrt,
		"-ca-key", caKey,
		"-in-pub", inPub,
		"-out-crt", outCrt,
	}
	for _, ip := range req.IPs {
		args = append(args, "-ip", ip)
	}
	if len(req.Groups) > 0 {
		args = append(args, "-groups", strings.Join(req.Groups, ","))
	}
	if req.Version == types.CertVersionV2 {
		args = append(args, "-version", "2")
	}

	if err := r.run(ctx, dir, args...); err != nil {
		return "", err
	}

	pem, err := os.ReadFile(outCrt)
	if err != nil {
		return "", fmt.Errorf("read signed cert: %w", err)
	}
	return string(pem), nil
}

// Keygen shells out to "nebula-cert keygen" and restricts the private key to
// the owning user.
func (r *CLIRunner) Keygen(ctx context.Context, keyPath, pubPath string) error {
	if err := r.run(ctx, filepath.Dir(keyPath),
		"keygen", "-out-key", keyPath, "-out-pub", pubPath); err != nil {
		return err
	}
	return os.Chmod(keyPath, 0o600)
}

// durationArg renders a duration the way nebula-cert expects (whole hours).
func durationArg(d time.Duration) string {
	hours := int64(d.Hours())
	if hours < 1 {
		hours = 1
	}
	return fmt.Sprintf("%dh", hours)
}
