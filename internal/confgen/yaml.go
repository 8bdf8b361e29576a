// Package confgen assembles per-client Nebula configuration documents.
package confgen

import (
	"sort"

	"gopkg.in/yaml.v3"
)

// LiteralString marshals as a YAML block scalar (the "|" form). Inline PEM
// bodies must use it: Nebula's PEM parsing is whitespace sensitive and the
// block form preserves the value byte for byte.
type LiteralString string

// MarshalYAML renders the string in literal style.
func (s LiteralString) MarshalYAML() (any, error) {
	return &yaml.Node{
		Kind:  yaml.ScalarNode,
		Style: yaml.LiteralStyle,
		Tag:   "!!str",
		Value: string(s),
	}, nil
}

// StaticHostMap maps overlay IPs to public "ip:port" endpoints. It marshals
// with keys sorted so identical inputs yield byte-identical documents.
type StaticHostMap map[string][]string

// MarshalYAML renders the map with deterministic key order and flow-style
// endpoint lists.
func (m StaticHostMap) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	if len(m) == 0 {
		node.Style = yaml.FlowStyle
		return node, nil
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k, Style: yaml.DoubleQuotedStyle}
		valNode := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
		for _, addr := range m[k] {
			valNode.Content = append(valNode.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: addr, Style: yaml.DoubleQuotedStyle})
		}
		node.Content = append(node.Content, keyNode, valNode)
	}
	return node, nil
}

// Document is the emitted Nebula configuration.
type Document struct {
	PKI           PKI           `yaml:"pki"`
	StaticHostMap StaticHostMap `yaml:"static_host_map"`
	Listen        Listen        `yaml:"listen"`
	Lighthouse    Lighthouse    `yaml:"lighthouse"`
	Tun           Tun           `yaml:"tun"`
	Firewall      Firewall      `yaml:"firewall"`
	Punchy        *Punchy       `yaml:"punchy,omitempty"`
	Relay         Relay         `yaml:"relay"`
}

// PKI holds the inline trust material. CA and Cert are inline PEM bodies;
// Key is a filesystem path chosen per client OS.
type PKI struct {
	CA                LiteralString `yaml:"ca"`
	Cert              LiteralString `yaml:"cert"`
	Key               string        `yaml:"key"`
	Blocklist         []string      `yaml:"blocklist"`
	DisconnectInvalid bool          `yaml:"disconnect_invalid"`
}

// Listen is the underlay socket.
type Listen struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Lighthouse controls peer discovery.
type Lighthouse struct {
	AmLighthouse bool     `yaml:"am_lighthouse"`
	Hosts        []string `yaml:"hosts"`
	Interval     int      `yaml:"interval"`
}

// Tun is the overlay device. No device name is emitted; the Windows agent
// injects dev: Nebula locally.
type Tun struct {
	Disabled           bool `yaml:"disabled"`
	DropLocalBroadcast bool `yaml:"drop_local_broadcast"`
	DropMulticast      bool `yaml:"drop_multicast"`
	TxQueue            int  `yaml:"tx_queue"`
	MTU                int  `yaml:"mtu"`
}

// Rule is one compiled firewall rule. Exactly the selectors the source rule
// carries are emitted; multiple groups are AND-ed by Nebula.
type Rule struct {
	Port      string   `yaml:"port"`
	Proto     string   `yaml:"proto"`
	Host      string   `yaml:"host,omitempty"`
	CIDR      string   `yaml:"cidr,omitempty"`
	LocalCIDR string   `yaml:"local_cidr,omitempty"`
	CAName    string   `yaml:"ca_name,omitempty"`
	CASha     string   `yaml:"ca_sha,omitempty"`
	Group     string   `yaml:"group,omitempty"`
	Groups    []string `yaml:"groups,omitempty"`
}

// Firewall partitions rules by direction.
type Firewall struct {
	Inbound  []Rule `yaml:"inbound"`
	Outbound []Rule `yaml:"outbound"`
}

// Punchy is NAT hole punching, emitted only when enabled globally.
type Punchy struct {
	Punch        bool   `yaml:"punch"`
	PunchBack    bool   `yaml:"punch_back"`
	Respond      bool   `yaml:"respond"`
	Delay        string `yaml:"delay"`
	RespondDelay string `yaml:"respond_delay"`
}

// Relay configures relaying. Lighthouses relay; everyone else may use them.
type Relay struct {
	AmRelay   bool     `yaml:"am_relay"`
	UseRelays bool     `yaml:"use_relays"`
	Relays    []string `yaml:"relays"`
}

// allowAll is the default firewall when a client has no attached rules.
func allowAll() []Rule {
	return []Rule{{Port: "any", Proto: "any", Host: "any"}}
}

// Marshal renders the document.
func (d *Document) Marshal() (string, error) {
	out, err := yaml.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
