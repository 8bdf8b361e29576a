package certs

import (
	"testing"
	"time"

	"github.com/pocketbase/pocketbase/core"
	pbtypes "github.com/pocketbase/pocketbase/tools/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeeeon/managed-nebula/internal/types"
)

func caRecord(t *testing.T, active, canSign bool) *core.Record {
	t.Helper()
	col := core.NewBaseCollection(types.CollectionCAs)
	col.Fields.Add(&core.BoolField{Name: "is_active"})
	col.Fields.Add(&core.BoolField{Name: "can_sign"})
	rec := core.NewRecord(col)
	rec.Set("is_active", active)
	rec.Set("can_sign", canSign)
	return rec
}

func hostCertRecord(t *testing.T, ipWithCIDR, groupsSum string, version types.CertVersion, notAfter time.Time) *core.Record {
	t.Helper()
	col := core.NewBaseCollection(types.CollectionHostCerts)
	col.Fields.Add(&core.TextField{Name: "issued_for_ip_cidr"})
	col.Fields.Add(&core.TextField{Name: "issued_for_groups_sum"})
	col.Fields.Add(&core.TextField{Name: "cert_version"})
	col.Fields.Add(&core.DateField{Name: "not_after"})
	rec := core.NewRecord(col)
	rec.Set("issued_for_ip_cidr", ipWithCIDR)
	rec.Set("issued_for_groups_sum", groupsSum)
	rec.Set("cert_version", string(version))
	exp, err := pbtypes.ParseDateTime(notAfter)
	require.NoError(t, err)
	rec.Set("not_after", exp)
	return rec
}

func TestReuseEligibleHybridRequiresBothSigners(t *testing.T) {
	sum := GroupsSum([]string{"web"})
	far := time.Now().Add(200 * 24 * time.Hour)
	rec := hostCertRecord(t, "10.100.0.5/16", sum, types.CertVersionHybrid, far)

	v1 := caRecord(t, true, true)
	v2 := caRecord(t, true, true)
	assert.True(t, reuseEligible(rec, "10.100.0.5/16", sum, types.CertVersionHybrid,
		[]*core.Record{v1, v2}))

	// Only the v1 side rotated: its old signer is demoted into the overlap
	// window (still distributed, no longer signing). The hybrid cert's v1
	// half is now stale and must be reissued.
	demotedV1 := caRecord(t, true, false)
	assert.False(t, reuseEligible(rec, "10.100.0.5/16", sum, types.CertVersionHybrid,
		[]*core.Record{demotedV1, v2}))

	// Same for the v2 side.
	demotedV2 := caRecord(t, true, false)
	assert.False(t, reuseEligible(rec, "10.100.0.5/16", sum, types.CertVersionHybrid,
		[]*core.Record{v1, demotedV2}))

	// A deactivated signer is never reusable either.
	gone := caRecord(t, false, true)
	assert.False(t, reuseEligible(rec, "10.100.0.5/16", sum, types.CertVersionHybrid,
		[]*core.Record{gone, v2}))
}

func TestReuseEligibleFingerprintChecks(t *testing.T) {
	sum := GroupsSum([]string{"web"})
	far := time.Now().Add(200 * 24 * time.Hour)
	signer := caRecord(t, true, true)
	signers := []*core.Record{signer}

	rec := hostCertRecord(t, "10.100.0.5/16", sum, types.CertVersionV1, far)
	assert.True(t, reuseEligible(rec, "10.100.0.5/16", sum, types.CertVersionV1, signers))

	assert.False(t, reuseEligible(rec, "10.100.0.6/16", sum, types.CertVersionV1, signers),
		"ip change forces reissue")
	assert.False(t, reuseEligible(rec, "10.100.0.5/16", GroupsSum([]string{"db"}), types.CertVersionV1, signers),
		"group change forces reissue")
	assert.False(t, reuseEligible(rec, "10.100.0.5/16", sum, types.CertVersionV2, signers),
		"negotiated version change forces reissue")
	assert.False(t, reuseEligible(rec, "10.100.0.5/16", sum, types.CertVersionV1, nil),
		"a cert with no recorded signer is never reused")

	soon := hostCertRecord(t, "10.100.0.5/16", sum, types.CertVersionV1,
		time.Now().Add(2*24*time.Hour))
	assert.False(t, reuseEligible(soon, "10.100.0.5/16", sum, types.CertVersionV1, signers),
		"certs inside the remaining-validity floor are reissued")
}
