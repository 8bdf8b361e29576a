package nebulacert

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/slackhq/nebula/cert"
	"golang.org/x/crypto/curve25519"

	"github.com/skeeeon/managed-nebula/internal/apperr"
	"github.com/skeeeon/managed-nebula/internal/types"
)

// MemoryRunner signs in-process with the nebula/cert package instead of
// shelling out. It produces the same artifacts as the CLI and is used in
// tests and in environments where the nebula-cert binary is not installed.
//
// CURVE25519 ONLY:
// Ed25519 for signing, X25519 for host keys. This is Nebula's default and
// the only curve the CLI path is ever driven with.
type MemoryRunner struct{}

// CA self-signs a new signing CA.
func (MemoryRunner) CA(_ context.Context, name string, duration time.Duration, version types.CertVersion) (string, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ca keypair: %w", err)
	}

	now := time.Now()
	tbs := &cert.TBSCertificate{
		Version:   certVersionOf(version),
		Name:      name,
		IsCA:      true,
		NotBefore: now.Add(-1 * time.Minute),
		NotAfter:  now.Add(duration),
		PublicKey: pub,
		Curve:     cert.Curve_CURVE25519,
	}

	caCert, err := tbs.Sign(nil, cert.Curve_CURVE25519, priv)
	if err != nil {
		return "", "", apperr.Wrap(err, apperr.Subprocess, "self-sign ca")
	}

	certPEM, err := caCert.MarshalPEM()
	if err != nil {
		return "", "", fmt.Errorf("marshal ca cert: %w", err)
	}
	keyPEM := cert.MarshalSigningPrivateKeyToPEM(cert.Curve_CURVE25519, priv)

	return string(certPEM), string(keyPEM), nil
}

// Sign issues a host certificate from a caller-supplied public key.
func (MemoryRunner) Sign(_ context.Context, req SignRequest) (string, error) {
	caKey, _, _, err := cert.UnmarshalSigningPrivateKeyFromPEM([]byte(req.CAKeyPEM))
	if err != nil {
		return "", apperr.Wrap(err, apperr.Validation, "parse ca key")
	}
	caCert, _, err := cert.UnmarshalCertificateFromPEM([]byte(req.CACertPEM))
	if err != nil {
		return "", apperr.Wrap(err, apperr.Validation, "parse ca cert")
	}
	if caCert.Expired(time.Now()) {
		return "", apperr.New(apperr.Prerequisite, "ca certificate is expired")
	}

	pubKey, _, _, err := cert.UnmarshalPublicKeyFromPEM([]byte(req.PublicKeyPEM))
	if err != nil {
		return "", apperr.Wrap(err, apperr.Validation, "parse host public key")
	}

	var networks []netip.Prefix
	for _, ip := range req.IPs {
		p, err := netip.ParsePrefix(ip)
		if err != nil {
			return "", apperr.Wrap(err, apperr.Validation, "invalid host ip %q", ip)
		}
		networks = append(networks, p)
	}

	now := time.Now()
	notAfter := now.Add(req.Duration)
	// A host cert must not outlive its signing CA.
	if notAfter.After(caCert.NotAfter()) {
		notAfter = caCert.NotAfter().Add(-1 * time.Second)
	}

	tbs := &cert.TBSCertificate{
		Version:   certVersionOf(req.Version),
		Name:      req.Name,
		Networks:  networks,
		Groups:    req.Groups,
		IsCA:      false,
		NotBefore: now.Add(-1 * time.Minute),
		NotAfter:  notAfter,
		PublicKey: pubKey,
		Curve:     cert.Curve_CURVE25519,
	}

	hostCert, err := tbs.Sign(caCert, cert.Curve_CURVE25519, caKey)
	if err != nil {
		return "", apperr.Wrap(err, apperr.Subprocess, "sign host cert")
	}

	pem, err := hostCert.MarshalPEM()
	if err != nil {
		return "", fmt.Errorf("marshal host cert: %w", err)
	}
	return string(pem), nil
}

// Keygen writes a fresh X25519 keypair.
func (MemoryRunner) Keygen(_ context.Context, keyPath, pubPath string) error {
	priv := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return fmt.Errorf("generate host key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("derive host public key: %w", err)
	}

	keyPEM := cert.MarshalPrivateKeyToPEM(cert.Curve_CURVE25519, priv)
	pubPEM := cert.MarshalPublicKeyToPEM(cert.Curve_CURVE25519, pub)

	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

func certVersionOf(v types.CertVersion) cert.Version {
	if v == types.CertVersionV2 {
		return cert.Version2
	}
	return cert.Version1
}
