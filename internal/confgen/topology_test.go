package confgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembleTopologyIPv6Pool(t *testing.T) {
	entries := []lighthouseEntry{
		{ID: "lh1", Overlay: "fd00::1", PublicIP: "203.0.113.1"},
		{ID: "lh2", Overlay: "fd00::2", PublicIP: "203.0.113.2"},
	}

	hostMap, hosts := assembleTopology(entries, "client1", false, 4242, nil)

	require.Len(t, hostMap, 2, "ipv6 overlay addresses must map like ipv4 ones")
	assert.Equal(t, []string{"203.0.113.1:4242"}, hostMap["fd00::1"])
	assert.Equal(t, []string{"203.0.113.2:4242"}, hostMap["fd00::2"])
	assert.ElementsMatch(t, []string{"fd00::1", "fd00::2"}, hosts)
}

func TestAssembleTopologyExcludesRequester(t *testing.T) {
	entries := []lighthouseEntry{
		{ID: "lh1", Overlay: "10.100.0.1", PublicIP: "203.0.113.1"},
		{ID: "lh2", Overlay: "10.100.0.2", PublicIP: "203.0.113.2"},
	}

	hostMap, hosts := assembleTopology(entries, "lh1", true, 4242, nil)

	require.Len(t, hostMap, 1, "a lighthouse never maps itself")
	assert.Equal(t, []string{"203.0.113.2:4242"}, hostMap["10.100.0.2"])
	assert.Empty(t, hosts, "a lighthouse queries no one")
}

func TestAssembleTopologyExtraHosts(t *testing.T) {
	entries := []lighthouseEntry{
		{ID: "lh1", Overlay: "10.100.0.1", PublicIP: "203.0.113.1"},
	}

	_, hosts := assembleTopology(entries, "client1", false, 4242, []string{"10.100.0.9"})
	assert.Equal(t, []string{"10.100.0.1", "10.100.0.9"}, hosts)

	hostMap, hosts := assembleTopology(nil, "client1", false, 4242, nil)
	assert.Empty(t, hostMap)
	assert.Empty(t, hosts)
}
