package nebulacert

import (
	"strings"
	"time"

	"github.com/slackhq/nebula/cert"

	"github.com/skeeeon/managed-nebula/internal/apperr"
	"github.com/skeeeon/managed-nebula/internal/types"
)

// CertInfo is the parsed summary of one Nebula certificate, equivalent to
// what "nebula-cert print -json" reports.
type CertInfo struct {
	Name        string
	NotBefore   time.Time
	NotAfter    time.Time
	Fingerprint string // empty when fingerprinting fails
	Groups      []string
	Networks    []string
	IsCA        bool
	Version     types.CertVersion
}

// ParseCert parses the first certificate in a PEM blob.
func ParseCert(pem string) (*CertInfo, error) {
	c, _, err := cert.UnmarshalCertificateFromPEM([]byte(pem))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Validation, "parse certificate")
	}
	return infoFrom(c), nil
}

// ParseBundle parses every certificate in a concatenated PEM blob. Hybrid
// host certs and multi-CA bundles both land here.
func ParseBundle(pem string) ([]*CertInfo, error) {
	rest := []byte(pem)
	var infos []*CertInfo
	for len(strings.TrimSpace(string(rest))) > 0 {
		c, remaining, err := cert.UnmarshalCertificateFromPEM(rest)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.Validation, "parse certificate bundle")
		}
		infos = append(infos, infoFrom(c))
		rest = remaining
	}
	if len(infos) == 0 {
		return nil, apperr.New(apperr.Validation, "certificate bundle is empty")
	}
	return infos, nil
}

// ValidatePublicKey checks a caller-supplied host public key PEM.
func ValidatePublicKey(pem string) error {
	if strings.TrimSpace(pem) == "" {
		return apperr.New(apperr.Validation, "public key is required")
	}
	if _, _, _, err := cert.UnmarshalPublicKeyFromPEM([]byte(pem)); err != nil {
		return apperr.Wrap(err, apperr.Validation, "invalid public key")
	}
	return nil
}

func infoFrom(c cert.Certificate) *CertInfo {
	info := &CertInfo{
		Name:      c.Name(),
		NotBefore: c.NotBefore(),
		NotAfter:  c.NotAfter(),
		Groups:    c.Groups(),
		IsCA:      c.IsCA(),
		Version:   types.CertVersionV1,
	}
	if c.Version() == cert.Version2 {
		info.Version = types.CertVersionV2
	}
	for _, n := range c.Networks() {
		info.Networks = append(info.Networks, n.String())
	}
	// Fingerprint extraction is best effort; a cert we cannot fingerprint is
	// still usable, it just cannot appear on revocation blocklists.
	if fp, err := c.Fingerprint(); err == nil {
		info.Fingerprint = fp
	}
	return info
}
