package ipam

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeeeon/managed-nebula/internal/apperr"
)

func addr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	require.NoError(t, err)
	return a
}

func TestNextAvailableSkipsNetworkAddress(t *testing.T) {
	got, err := NextAvailable("10.100.0.0/24", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.100.0.1", got.String())
}

func TestNextAvailableSkipsUsed(t *testing.T) {
	used := map[netip.Addr]bool{
		addr(t, "10.100.0.1"): true,
		addr(t, "10.100.0.2"): true,
	}
	got, err := NextAvailable("10.100.0.0/24", used, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.100.0.3", got.String())
}

func TestNextAvailableExhaustion(t *testing.T) {
	// /30 leaves exactly two usable hosts after network and broadcast.
	used := map[netip.Addr]bool{
		addr(t, "10.0.0.1"): true,
		addr(t, "10.0.0.2"): true,
	}
	_, err := NextAvailable("10.0.0.0/30", used, nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Conflict))
	assert.Contains(t, err.Error(), "exhausted")
}

func TestNextAvailableNeverReturnsBroadcast(t *testing.T) {
	used := map[netip.Addr]bool{addr(t, "10.0.0.1"): true}
	got, err := NextAvailable("10.0.0.0/30", used, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", got.String())

	used[got] = true
	_, err = NextAvailable("10.0.0.0/30", used, nil)
	assert.Error(t, err, "broadcast 10.0.0.3 must not be allocated")
}

func TestNextAvailableClip(t *testing.T) {
	clip := &Range{Start: addr(t, "10.100.0.50"), End: addr(t, "10.100.0.52")}

	got, err := NextAvailable("10.100.0.0/24", nil, clip)
	require.NoError(t, err)
	assert.Equal(t, "10.100.0.50", got.String())

	used := map[netip.Addr]bool{
		addr(t, "10.100.0.50"): true,
		addr(t, "10.100.0.51"): true,
		addr(t, "10.100.0.52"): true,
	}
	_, err = NextAvailable("10.100.0.0/24", used, clip)
	assert.Error(t, err, "a full clip range is exhaustion even when the pool has room")
}

func TestNextAvailableSlash31HasNoHosts(t *testing.T) {
	_, err := NextAvailable("10.0.0.0/31", nil, nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Conflict))
}

func TestNextAvailableIPv6(t *testing.T) {
	got, err := NextAvailable("fd00::/64", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "fd00::1", got.String())
}

func TestNextAvailableInvalidCIDR(t *testing.T) {
	_, err := NextAvailable("not-a-cidr", nil, nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Validation))
}

func TestValidatePoolCIDR(t *testing.T) {
	_, err := ValidatePoolCIDR("10.100.0.0/16")
	assert.NoError(t, err)

	_, err = ValidatePoolCIDR("10.100.0.5/16")
	require.Error(t, err, "host bits set")
	assert.True(t, apperr.IsKind(err, apperr.Validation))

	_, err = ValidatePoolCIDR("10.100.0.0")
	assert.Error(t, err, "missing prefix length")
}

func TestValidateGroupRange(t *testing.T) {
	r, err := ValidateGroupRange("10.100.0.0/16", "10.100.1.1", "10.100.1.100")
	require.NoError(t, err)
	assert.Equal(t, "10.100.1.1", r.Start.String())
	assert.Equal(t, "10.100.1.100", r.End.String())

	_, err = ValidateGroupRange("10.100.0.0/16", "10.100.1.100", "10.100.1.1")
	assert.Error(t, err, "start after end")

	_, err = ValidateGroupRange("10.100.0.0/16", "10.100.1.1", "10.200.0.1")
	assert.Error(t, err, "end outside pool")

	_, err = ValidateGroupRange("10.100.0.0/16", "bogus", "10.100.1.1")
	assert.Error(t, err)
}

func TestContains(t *testing.T) {
	assert.True(t, Contains("10.100.0.0/16", addr(t, "10.100.42.7")))
	assert.False(t, Contains("10.100.0.0/16", addr(t, "10.101.0.1")))
	assert.False(t, Contains("bogus", addr(t, "10.100.0.1")))
}
