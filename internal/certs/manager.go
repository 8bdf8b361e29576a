// Package certs implements the certificate lifecycle: CA creation, rotation
// and overlap, host certificate issuance and reuse, imports, and revocation.
package certs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	pbtypes "github.com/pocketbase/pocketbase/tools/types"

	"github.com/skeeeon/managed-nebula/internal/apperr"
	"github.com/skeeeon/managed-nebula/internal/nebulacert"
	"github.com/skeeeon/managed-nebula/internal/settings"
	"github.com/skeeeon/managed-nebula/internal/types"
)

// Manager owns the two-level certificate hierarchy.
type Manager struct {
	app    core.App
	runner nebulacert.Runner

	// Lifecycle windows, in days. Zero values fall back to the defaults.
	CAValidityDays     int
	ClientCertDays     int
	CAOverlapDays      int
	CARotateAtDays     int
}

// NewManager creates a certificate manager using the given signer.
func NewManager(app core.App, runner nebulacert.Runner) *Manager {
	return &Manager{
		app:            app,
		runner:         runner,
		CAValidityDays: types.DefaultCAValidityDays,
		ClientCertDays: types.DefaultClientCertDays,
		CAOverlapDays:  types.DefaultCAOverlapDays,
		CARotateAtDays: types.DefaultCARotateAtDays,
	}
}

// CreateCA creates a new signing CA of the requested certificate version.
// Any previously active signing CA of the same version is demoted to the
// overlap window: still distributed, no longer signing.
func (m *Manager) CreateCA(ctx context.Context, name string, version types.CertVersion) (*core.Record, error) {
	if version != types.CertVersionV1 && version != types.CertVersionV2 {
		return nil, apperr.New(apperr.Validation, "ca cert_version must be v1 or v2, got %q", version)
	}

	cfg, err := settings.Load(m.app)
	if err != nil {
		return nil, err
	}
	if version == types.CertVersionV2 && !SupportsV2(cfg.NebulaVersion) {
		return nil, apperr.New(apperr.Validation,
			"cannot create a v2 CA while the configured Nebula version is %q (requires >= %s)",
			cfg.NebulaVersion, types.MinNebulaV2Version)
	}

	duration := time.Duration(m.CAValidityDays) * 24 * time.Hour
	certPEM, keyPEM, err := m.runner.CA(ctx, name, duration, version)
	if err != nil {
		return nil, err
	}
	info, err := nebulacert.ParseCert(certPEM)
	if err != nil {
		return nil, fmt.Errorf("parse generated ca: %w", err)
	}

	var created *core.Record
	err = m.app.RunInTransaction(func(tx core.App) error {
		if err := demotePriorSigners(tx, version); err != nil {
			return err
		}

		col, err := tx.FindCollectionByNameOrId(types.CollectionCAs)
		if err != nil {
			return err
		}
		rec := core.NewRecord(col)
		rec.Set("name", name)
		rec.Set("pem_cert", certPEM)
		rec.Set("pem_key", keyPEM)
		rec.Set("not_before", info.NotBefore)
		rec.Set("not_after", info.NotAfter)
		rec.Set("is_active", true)
		rec.Set("is_previous", false)
		rec.Set("can_sign", true)
		rec.Set("include_in_config", true)
		rec.Set("cert_version", string(version))
		rec.Set("nebula_version", cfg.NebulaVersion)
		if err := tx.Save(rec); err != nil {
			return fmt.Errorf("save ca: %w", err)
		}
		created = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Promote makes a stored CA the active signer for its version, demoting the
// current signer into the overlap window. Used when an operator pins a
// specific imported CA.
func (m *Manager) Promote(rec *core.Record) error {
	version := types.CertVersion(rec.GetString("cert_version"))
	return m.app.RunInTransaction(func(tx core.App) error {
		if err := demotePriorSigners(tx, version); err != nil {
			return err
		}
		rec.Set("is_active", true)
		rec.Set("is_previous", false)
		rec.Set("can_sign", true)
		rec.Set("include_in_config", true)
		rec.Set("demoted", "")
		if err := tx.Save(rec); err != nil {
			return fmt.Errorf("promote ca %s: %w", rec.Id, err)
		}
		return nil
	})
}

// demotePriorSigners flips every currently signing CA of the version into
// the overlap window. The demotion timestamp starts the overlap clock.
func demotePriorSigners(tx core.App, version types.CertVersion) error {
	priors, err := tx.FindAllRecords(types.CollectionCAs, dbx.HashExp{
		"is_active":    true,
		"can_sign":     true,
		"cert_version": string(version),
	})
	if err != nil {
		return err
	}
	for _, prior := range priors {
		prior.Set("is_previous", true)
		prior.Set("can_sign", false)
		prior.Set("include_in_config", true)
		prior.Set("demoted", pbtypes.NowDateTime())
		if err := tx.Save(prior); err != nil {
			return fmt.Errorf("demote ca %s: %w", prior.Id, err)
		}
	}
	return nil
}

// ImportCA stores an externally generated CA. With a key it becomes the
// signing CA for its version; without one it is distribute-only.
func (m *Manager) ImportCA(name, certPEM, keyPEM string) (*core.Record, error) {
	info, err := nebulacert.ParseCert(certPEM)
	if err != nil {
		return nil, err
	}
	if !info.IsCA {
		return nil, apperr.New(apperr.Validation, "certificate %q is not a CA", name)
	}

	canSign := strings.TrimSpace(keyPEM) != ""

	var created *core.Record
	err = m.app.RunInTransaction(func(tx core.App) error {
		if canSign {
			if err := demotePriorSigners(tx, info.Version); err != nil {
				return err
			}
		}
		col, err := tx.FindCollectionByNameOrId(types.CollectionCAs)
		if err != nil {
			return err
		}
		rec := core.NewRecord(col)
		rec.Set("name", name)
		rec.Set("pem_cert", certPEM)
		rec.Set("pem_key", keyPEM)
		rec.Set("not_before", info.NotBefore)
		rec.Set("not_after", info.NotAfter)
		rec.Set("cert_version", string(info.Version))
		rec.Set("can_sign", canSign)
		rec.Set("include_in_config", true)
		// Public-only imports keep retired CAs in the distributed bundle for
		// peer verification continuity; they never become the active signer.
		rec.Set("is_active", canSign)
		rec.Set("is_previous", !canSign)
		if err := tx.Save(rec); err != nil {
			return fmt.Errorf("save imported ca: %w", err)
		}
		created = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// EnsureFutureCA creates a successor for any signing CA approaching expiry.
// Runs daily from the scheduler; creating the successor starts the normal
// demotion/overlap flow.
func (m *Manager) EnsureFutureCA(ctx context.Context) error {
	horizon := time.Duration(m.CARotateAtDays) * 24 * time.Hour
	now := time.Now()

	for _, version := range []types.CertVersion{types.CertVersionV1, types.CertVersionV2} {
		signer, err := m.ActiveSigningCA(version)
		if err != nil {
			continue // no signer of this version, nothing to rotate
		}
		if signer.GetDateTime("not_after").Time().Sub(now) > horizon {
			continue
		}
		name := "Rotated CA " + now.Format("2006-01-02")
		if _, err := m.CreateCA(ctx, name, version); err != nil {
			return fmt.Errorf("rotate %s ca: %w", version, err)
		}
	}
	return nil
}

// CleanupOldCAs deactivates previous CAs whose overlap window has elapsed.
// Deactivated CAs are kept for historical reference but no longer
// distributed.
func (m *Manager) CleanupOldCAs() error {
	overlap := time.Duration(m.CAOverlapDays) * 24 * time.Hour
	records, err := m.app.FindAllRecords(types.CollectionCAs, dbx.HashExp{
		"is_previous": true,
		"is_active":   true,
	})
	if err != nil {
		return err
	}
	for _, rec := range records {
		demoted := rec.GetDateTime("demoted").Time()
		if demoted.IsZero() {
			demoted = rec.GetDateTime("created").Time()
		}
		if time.Since(demoted) < overlap {
			continue
		}
		rec.Set("is_active", false)
		rec.Set("include_in_config", false)
		if err := m.app.Save(rec); err != nil {
			return fmt.Errorf("deactivate ca %s: %w", rec.Id, err)
		}
	}
	return nil
}

// ActiveSigningCA returns the active signing CA of the version with the
// latest expiry.
func (m *Manager) ActiveSigningCA(version types.CertVersion) (*core.Record, error) {
	records, err := m.app.FindRecordsByFilter(types.CollectionCAs,
		"is_active = true && can_sign = true && cert_version = {:version}",
		"-not_after", 1, 0, dbx.Params{"version": string(version)})
	if err != nil || len(records) == 0 {
		return nil, apperr.New(apperr.Prerequisite, "no active %s signing CA", version)
	}
	return records[0], nil
}

// DistributedCAs returns the CA bundle to embed in client configs: every CA
// marked include_in_config that has not expired.
func (m *Manager) DistributedCAs(now time.Time) ([]*core.Record, error) {
	records, err := m.app.FindRecordsByFilter(types.CollectionCAs,
		"include_in_config = true && not_after > {:now}",
		"created", 0, 0, dbx.Params{"now": now.UTC().Format(pbtypes.DefaultDateLayout)})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// IssueParams carries one issueOrRotate request.
type IssueParams struct {
	Client       *core.Record
	PublicKeyPEM string
	PrimaryIP    string // bare address
	PrefixBits   int
	Version      types.CertVersion // negotiated v1/v2/hybrid
	AllIPs       []string          // "addr/prefix" list for v2; may be nil
	GroupNames   []string
}

// IssueResult is the cert material handed back to the config builder.
type IssueResult struct {
	Record    *core.Record
	PEM       string
	NotBefore time.Time
	NotAfter  time.Time
	Reused    bool
}

// GroupsSum is the change-detection hash over a client's group names.
func GroupsSum(names []string) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])
}

// IssueOrRotate returns the client's current certificate, reusing the newest
// non-revoked one when nothing it was issued for has changed, and signing a
// fresh one otherwise. Predecessors are never deleted; revocation is the
// only retirement path.
func (m *Manager) IssueOrRotate(ctx context.Context, p IssueParams) (*IssueResult, error) {
	ipWithCIDR := fmt.Sprintf("%s/%d", p.PrimaryIP, p.PrefixBits)
	groupsSum := GroupsSum(p.GroupNames)

	signers, err := m.signingCAsFor(p.Version)
	if err != nil {
		return nil, err
	}
	signerIDs := make([]string, len(signers))
	for i, s := range signers {
		signerIDs[i] = s.Id
	}

	if current := m.currentCert(p.Client.Id); current != nil {
		if m.reusable(current, ipWithCIDR, groupsSum, p.Version) {
			return &IssueResult{
				Record:    current,
				PEM:       current.GetString("pem"),
				NotBefore: current.GetDateTime("not_before").Time(),
				NotAfter:  current.GetDateTime("not_after").Time(),
				Reused:    true,
			}, nil
		}
	}

	pem, err := m.sign(ctx, p, ipWithCIDR)
	if err != nil {
		return nil, err
	}

	info, err := nebulacert.ParseCert(pem)
	if err != nil {
		return nil, fmt.Errorf("parse issued cert: %w", err)
	}

	col, err := m.app.FindCollectionByNameOrId(types.CollectionHostCerts)
	if err != nil {
		return nil, err
	}
	rec := core.NewRecord(col)
	rec.Set("client", p.Client.Id)
	rec.Set("pem", pem)
	rec.Set("not_before", info.NotBefore)
	rec.Set("not_after", info.NotAfter)
	rec.Set("fingerprint", info.Fingerprint)
	rec.Set("issued_for_ip_cidr", ipWithCIDR)
	rec.Set("issued_for_groups_sum", groupsSum)
	rec.Set("issued_by", signerIDs)
	rec.Set("cert_version", string(p.Version))
	rec.Set("revoked", false)
	if err := m.app.Save(rec); err != nil {
		return nil, fmt.Errorf("save host cert: %w", err)
	}

	return &IssueResult{
		Record:    rec,
		PEM:       pem,
		NotBefore: info.NotBefore,
		NotAfter:  info.NotAfter,
	}, nil
}

// sign produces the PEM body for the negotiated version. Hybrid issues a v1
// and a v2 single-IP certificate and concatenates them, v1 first.
func (m *Manager) sign(ctx context.Context, p IssueParams, ipWithCIDR string) (string, error) {
	duration := time.Duration(m.ClientCertDays) * 24 * time.Hour

	signOne := func(version types.CertVersion, ips []string) (string, error) {
		signer, err := m.ActiveSigningCA(version)
		if err != nil {
			return "", err
		}
		return m.runner.Sign(ctx, nebulacert.SignRequest{
			CACertPEM:    signer.GetString("pem_cert"),
			CAKeyPEM:     signer.GetString("pem_key"),
			Name:         p.Client.GetString("name"),
			IPs:          ips,
			Groups:       p.GroupNames,
			Duration:     duration,
			PublicKeyPEM: p.PublicKeyPEM,
			Version:      version,
		})
	}

	switch p.Version {
	case types.CertVersionHybrid:
		v1, err := signOne(types.CertVersionV1, []string{ipWithCIDR})
		if err != nil {
			return "", err
		}
		v2, err := signOne(types.CertVersionV2, []string{ipWithCIDR})
		if err != nil {
			return "", err
		}
		return v1 + v2, nil
	case types.CertVersionV2:
		ips := p.AllIPs
		if len(ips) == 0 {
			ips = []string{ipWithCIDR}
		}
		return signOne(types.CertVersionV2, ips)
	default:
		return signOne(types.CertVersionV1, []string{ipWithCIDR})
	}
}

// signingCAsFor resolves every CA whose identity participates in the reuse
// fingerprint. Hybrid certs carry a v1 and a v2 half, so both signers are
// recorded and either side rotating forces a fresh issue.
func (m *Manager) signingCAsFor(version types.CertVersion) ([]*core.Record, error) {
	switch version {
	case types.CertVersionHybrid:
		v1, err := m.ActiveSigningCA(types.CertVersionV1)
		if err != nil {
			return nil, err
		}
		v2, err := m.ActiveSigningCA(types.CertVersionV2)
		if err != nil {
			return nil, err
		}
		return []*core.Record{v1, v2}, nil
	case types.CertVersionV2:
		signer, err := m.ActiveSigningCA(types.CertVersionV2)
		if err != nil {
			return nil, err
		}
		return []*core.Record{signer}, nil
	default:
		signer, err := m.ActiveSigningCA(types.CertVersionV1)
		if err != nil {
			return nil, err
		}
		return []*core.Record{signer}, nil
	}
}

// CurrentCert returns the newest non-revoked certificate for the client.
func (m *Manager) CurrentCert(clientID string) (*core.Record, error) {
	rec := m.currentCert(clientID)
	if rec == nil {
		return nil, apperr.New(apperr.Prerequisite, "client has no active certificate")
	}
	return rec, nil
}

// currentCert returns the newest non-revoked certificate for the client, or
// nil when none exists.
func (m *Manager) currentCert(clientID string) *core.Record {
	records, err := m.app.FindRecordsByFilter(types.CollectionHostCerts,
		"client = {:client} && revoked = false", "-created", 1, 0,
		dbx.Params{"client": clientID})
	if err != nil || len(records) == 0 {
		return nil
	}
	return records[0]
}

// reusable resolves the recorded signers and checks the issuance
// fingerprint.
func (m *Manager) reusable(rec *core.Record, ipWithCIDR, groupsSum string, version types.CertVersion) bool {
	issuerIDs := rec.GetStringSlice("issued_by")
	issuers := make([]*core.Record, 0, len(issuerIDs))
	for _, id := range issuerIDs {
		issuer, err := m.app.FindRecordById(types.CollectionCAs, id)
		if err != nil {
			return false
		}
		issuers = append(issuers, issuer)
	}
	return reuseEligible(rec, ipWithCIDR, groupsSum, version, issuers)
}

// reuseEligible checks the issuance fingerprint: IP, groups, version, a
// remaining-validity floor, and that every recorded signer is still the
// active signer for its half.
func reuseEligible(rec *core.Record, ipWithCIDR, groupsSum string, version types.CertVersion, issuers []*core.Record) bool {
	if time.Until(rec.GetDateTime("not_after").Time()) < types.CertReuseFloorDays*24*time.Hour {
		return false
	}
	if rec.GetString("issued_for_ip_cidr") != ipWithCIDR {
		return false
	}
	if rec.GetString("issued_for_groups_sum") != groupsSum {
		return false
	}
	if rec.GetString("cert_version") != string(version) {
		return false
	}
	if len(issuers) == 0 {
		return false
	}
	for _, issuer := range issuers {
		if !issuer.GetBool("is_active") || !issuer.GetBool("can_sign") {
			return false
		}
	}
	return true
}

// Revoke marks a certificate revoked. Terminal: revoked certs inside their
// validity window are distributed to every node as blocklist entries.
func (m *Manager) Revoke(certID string) error {
	rec, err := m.app.FindRecordById(types.CollectionHostCerts, certID)
	if err != nil {
		return apperr.New(apperr.NotFound, "host cert %s not found", certID)
	}
	if rec.GetBool("revoked") {
		return nil
	}
	rec.Set("revoked", true)
	rec.Set("revoked_at", pbtypes.NowDateTime())
	return m.app.Save(rec)
}

// RevokedFingerprints returns the blocklist: fingerprints of revoked certs
// that are still inside their validity window.
func (m *Manager) RevokedFingerprints(now time.Time) ([]string, error) {
	records, err := m.app.FindRecordsByFilter(types.CollectionHostCerts,
		"revoked = true && not_after > {:now} && fingerprint != ''",
		"fingerprint", 0, 0, dbx.Params{"now": now.UTC().Format(pbtypes.DefaultDateLayout)})
	if err != nil {
		return nil, err
	}
	fps := make([]string, 0, len(records))
	for _, r := range records {
		fps = append(fps, r.GetString("fingerprint"))
	}
	return fps, nil
}
