package confgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const testPEM = "-----BEGIN NEBULA CERTIFICATE-----\nabc123\n-----END NEBULA CERTIFICATE-----\n"

func testDocument() *Document {
	return &Document{
		PKI: PKI{
			CA:                LiteralString(testPEM),
			Cert:              LiteralString(testPEM),
			Key:               "/var/lib/nebula/host.key",
			Blocklist:         []string{},
			DisconnectInvalid: true,
		},
		StaticHostMap: StaticHostMap{
			"10.100.0.1": {"203.0.113.1:4242"},
			"10.100.0.2": {"203.0.113.2:4242"},
		},
		Listen:     Listen{Host: "0.0.0.0", Port: 0},
		Lighthouse: Lighthouse{Hosts: []string{"10.100.0.1"}, Interval: 60},
		Tun:        Tun{TxQueue: 500, MTU: 1300},
		Firewall: Firewall{
			Inbound:  allowAll(),
			Outbound: allowAll(),
		},
		Relay: Relay{UseRelays: true, Relays: []string{"10.100.0.1"}},
	}
}

func TestMarshalEmitsLiteralPEMBlocks(t *testing.T) {
	out, err := testDocument().Marshal()
	require.NoError(t, err)

	// The PEM body must be a block scalar, never quoted or folded.
	assert.Contains(t, out, "ca: |")
	assert.Contains(t, out, "cert: |")
	assert.Contains(t, out, "-----BEGIN NEBULA CERTIFICATE-----")
	assert.NotContains(t, out, `ca: "-----`)
}

func TestMarshalRoundTripsPEMExactly(t *testing.T) {
	out, err := testDocument().Marshal()
	require.NoError(t, err)

	var parsed struct {
		PKI struct {
			CA   string `yaml:"ca"`
			Cert string `yaml:"cert"`
		} `yaml:"pki"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &parsed))
	assert.Equal(t, testPEM, parsed.PKI.CA)
	assert.Equal(t, testPEM, parsed.PKI.Cert)
}

func TestStaticHostMapIsDeterministic(t *testing.T) {
	doc := testDocument()
	first, err := doc.Marshal()
	require.NoError(t, err)

	for range 10 {
		again, err := doc.Marshal()
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	// Sorted keys: .1 before .2.
	i1 := strings.Index(first, `"10.100.0.1"`)
	i2 := strings.Index(first, `"10.100.0.2"`)
	require.GreaterOrEqual(t, i1, 0)
	require.Greater(t, i2, i1)
}

func TestEmptyStaticHostMapMarshalsAsFlowEmpty(t *testing.T) {
	doc := testDocument()
	doc.StaticHostMap = StaticHostMap{}
	out, err := doc.Marshal()
	require.NoError(t, err)
	assert.Contains(t, out, "static_host_map: {}")
}

func TestPunchyOmittedWhenDisabled(t *testing.T) {
	doc := testDocument()
	out, err := doc.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, out, "punchy:")

	doc.Punchy = &Punchy{Punch: true, Respond: true, Delay: "1s", RespondDelay: "5s"}
	out, err = doc.Marshal()
	require.NoError(t, err)
	assert.Contains(t, out, "punchy:")
	assert.Contains(t, out, "delay: 1s")
}

func TestRuleSelectorOmission(t *testing.T) {
	doc := testDocument()
	doc.Firewall.Inbound = []Rule{
		{Port: "443", Proto: "tcp", Groups: []string{"web", "admin"}},
		{Port: "any", Proto: "icmp", Host: "any"},
	}
	out, err := doc.Marshal()
	require.NoError(t, err)

	assert.Contains(t, out, "groups:")
	assert.Contains(t, out, "- web")
	// Single-selector rules must not leak empty selector keys.
	assert.NotContains(t, out, `cidr: ""`)
	assert.NotContains(t, out, "ca_name:")
}

func TestAllowAllShape(t *testing.T) {
	rules := allowAll()
	require.Len(t, rules, 1)
	assert.Equal(t, "any", rules[0].Port)
	assert.Equal(t, "any", rules[0].Proto)
	assert.Equal(t, "any", rules[0].Host)
}
