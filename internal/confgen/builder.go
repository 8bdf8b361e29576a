package confgen

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	pbtypes "github.com/pocketbase/pocketbase/tools/types"

	"github.com/skeeeon/managed-nebula/internal/apperr"
	"github.com/skeeeon/managed-nebula/internal/certs"
	"github.com/skeeeon/managed-nebula/internal/ipam"
	"github.com/skeeeon/managed-nebula/internal/settings"
	"github.com/skeeeon/managed-nebula/internal/types"
)

// Builder assembles the complete config bundle a node downloads. It is the
// hot path behind POST /v1/client/config.
type Builder struct {
	app   core.App
	certs *certs.Manager
	ipam  *ipam.Manager
}

// NewBuilder wires the builder to its collaborators.
func NewBuilder(app core.App, certManager *certs.Manager, ipamManager *ipam.Manager) *Builder {
	return &Builder{app: app, certs: certManager, ipam: ipamManager}
}

// Report is what the agent tells us about itself on each fetch.
type Report struct {
	PublicKeyPEM  string
	ClientVersion string
	NebulaVersion string
	OSType        types.OSType
}

// Negotiate picks the certificate version for one request.
//
// RULES:
// - Clients below Nebula 1.10.0 (or with unknown versions) cannot parse v2,
//   so v2/hybrid globals downgrade to v1 for them.
// - Topologies beyond a single IPv4 address can only be expressed in v2; a
//   legacy client with such a topology is refused outright.
// - A v2-requiring topology forces v2 regardless of the global setting.
func Negotiate(global types.CertVersion, reportedNebula string, topology types.IPVersion) (types.CertVersion, error) {
	supportsV2 := certs.SupportsV2(reportedNebula)
	requiresV2 := topology.RequiresV2()

	if requiresV2 && !supportsV2 {
		return "", apperr.New(apperr.Incompatible,
			"client topology %s requires v2 certificates but the reported Nebula version %q cannot parse them (requires >= %s)",
			topology, reportedNebula, types.MinNebulaV2Version)
	}
	if requiresV2 {
		return types.CertVersionV2, nil
	}

	effective := global
	if !effective.Valid() {
		effective = types.CertVersionV1
	}
	if !supportsV2 && effective != types.CertVersionV1 {
		effective = types.CertVersionV1
	}
	return effective, nil
}

// Build runs the full per-request assembly for one authenticated client.
func (b *Builder) Build(ctx context.Context, client *core.Record, report Report) (*types.ConfigBundle, error) {
	if client.GetBool("is_blocked") {
		return nil, apperr.New(apperr.Permission, "client %s is blocked", client.GetString("name"))
	}

	cfg, err := settings.Load(b.app)
	if err != nil {
		return nil, err
	}

	// Primary address and its pool drive the certificate identity.
	primary, err := b.ipam.Primary(client.Id, primaryFamily(types.IPVersion(client.GetString("ip_version"))))
	if err != nil {
		return nil, err
	}
	pool, err := b.app.FindRecordById(types.CollectionIPPools, primary.GetString("pool"))
	if err != nil {
		return nil, apperr.New(apperr.Prerequisite, "primary assignment has no pool")
	}
	prefix, err := netip.ParsePrefix(pool.GetString("cidr"))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Validation, "pool cidr")
	}

	topology := types.IPVersion(client.GetString("ip_version"))
	version, err := Negotiate(cfg.CertVersion, report.NebulaVersion, topology)
	if err != nil {
		return nil, err
	}

	caPEMs, err := b.caChain(version)
	if err != nil {
		return nil, err
	}

	groupNames, err := b.groupNames(client)
	if err != nil {
		return nil, err
	}

	allIPs, err := b.allAddresses(client.Id)
	if err != nil {
		return nil, err
	}

	issued, err := b.certs.IssueOrRotate(ctx, certs.IssueParams{
		Client:       client,
		PublicKeyPEM: report.PublicKeyPEM,
		PrimaryIP:    primary.GetString("ip_address"),
		PrefixBits:   prefix.Bits(),
		Version:      version,
		AllIPs:       allIPs,
		GroupNames:   groupNames,
	})
	if err != nil {
		return nil, err
	}

	hostMap, lighthouseIPs, err := b.lighthouseTopology(client, pool.Id, cfg)
	if err != nil {
		return nil, err
	}

	blocklist, err := b.certs.RevokedFingerprints(time.Now())
	if err != nil {
		return nil, err
	}

	firewall, err := b.firewall(client)
	if err != nil {
		return nil, err
	}

	osType := report.OSType
	if !osType.Valid() {
		osType = types.OSType(client.GetString("os_type"))
	}
	keyPath, _, _ := osType.Paths()

	isLighthouse := client.GetBool("is_lighthouse")
	doc := &Document{
		PKI: PKI{
			CA:                LiteralString(joinPEMs(caPEMs)),
			Cert:              LiteralString(issued.PEM),
			Key:               keyPath,
			Blocklist:         blocklist,
			DisconnectInvalid: true,
		},
		StaticHostMap: hostMap,
		Listen:        Listen{Host: "0.0.0.0", Port: cfg.LighthousePort},
		Lighthouse: Lighthouse{
			AmLighthouse: isLighthouse,
			Hosts:        lighthouseIPs,
			Interval:     60,
		},
		Tun:      Tun{TxQueue: 500, MTU: 1300},
		Firewall: firewall,
		Relay: Relay{
			AmRelay:   isLighthouse,
			UseRelays: !isLighthouse,
			Relays:    relayList(isLighthouse, lighthouseIPs),
		},
	}
	if cfg.PunchyEnabled {
		doc.Punchy = &Punchy{
			Punch: true, PunchBack: true, Respond: true,
			Delay: "1s", RespondDelay: "5s",
		}
	}

	configYAML, err := doc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	b.recordDownload(client, report)

	return &types.ConfigBundle{
		Config:        configYAML,
		ClientCertPEM: issued.PEM,
		CAChainPEMs:   caPEMs,
		CertNotBefore: issued.NotBefore,
		CertNotAfter:  issued.NotAfter,
		Lighthouse:    isLighthouse,
		KeyPath:       keyPath,
	}, nil
}

// Preview assembles the config document around the client's current
// certificate without issuing anything or stamping the download. Used by
// the operator-facing config preview.
func (b *Builder) Preview(client *core.Record) (configYAML, certPEM string, caPEMs []string, err error) {
	cfg, err := settings.Load(b.app)
	if err != nil {
		return "", "", nil, err
	}

	topology := types.IPVersion(client.GetString("ip_version"))
	version, err := Negotiate(cfg.CertVersion, client.GetString("nebula_version"), topology)
	if err != nil {
		return "", "", nil, err
	}

	current, err := b.certs.CurrentCert(client.Id)
	if err != nil {
		return "", "", nil, err
	}

	primary, err := b.ipam.Primary(client.Id, primaryFamily(topology))
	if err != nil {
		return "", "", nil, err
	}

	caPEMs, err = b.caChain(version)
	if err != nil {
		return "", "", nil, err
	}

	hostMap, lighthouseIPs, err := b.lighthouseTopology(client, primary.GetString("pool"), cfg)
	if err != nil {
		return "", "", nil, err
	}
	blocklist, err := b.certs.RevokedFingerprints(time.Now())
	if err != nil {
		return "", "", nil, err
	}
	firewall, err := b.firewall(client)
	if err != nil {
		return "", "", nil, err
	}

	osType := types.OSType(client.GetString("os_type"))
	keyPath, _, _ := osType.Paths()
	isLighthouse := client.GetBool("is_lighthouse")

	doc := &Document{
		PKI: PKI{
			CA:                LiteralString(joinPEMs(caPEMs)),
			Cert:              LiteralString(current.GetString("pem")),
			Key:               keyPath,
			Blocklist:         blocklist,
			DisconnectInvalid: true,
		},
		StaticHostMap: hostMap,
		Listen:        Listen{Host: "0.0.0.0", Port: cfg.LighthousePort},
		Lighthouse:    Lighthouse{AmLighthouse: isLighthouse, Hosts: lighthouseIPs, Interval: 60},
		Tun:           Tun{TxQueue: 500, MTU: 1300},
		Firewall:      firewall,
		Relay: Relay{
			AmRelay:   isLighthouse,
			UseRelays: !isLighthouse,
			Relays:    relayList(isLighthouse, lighthouseIPs),
		},
	}
	if cfg.PunchyEnabled {
		doc.Punchy = &Punchy{Punch: true, PunchBack: true, Respond: true, Delay: "1s", RespondDelay: "5s"}
	}

	configYAML, err = doc.Marshal()
	if err != nil {
		return "", "", nil, err
	}
	return configYAML, current.GetString("pem"), caPEMs, nil
}

// caChain resolves the distributed CA bundle and strips v2 CAs for clients
// negotiated down to v1, which cannot parse them.
func (b *Builder) caChain(version types.CertVersion) ([]string, error) {
	cas, err := b.certs.DistributedCAs(time.Now())
	if err != nil {
		return nil, err
	}
	var pems []string
	for _, ca := range cas {
		if version == types.CertVersionV1 && ca.GetString("cert_version") == string(types.CertVersionV2) {
			continue
		}
		pems = append(pems, ca.GetString("pem_cert"))
	}
	if len(pems) == 0 {
		return nil, apperr.New(apperr.Prerequisite, "no CA in the bundle is compatible with a %s client", version)
	}
	return pems, nil
}

// groupNames resolves the client's Nebula group memberships.
func (b *Builder) groupNames(client *core.Record) ([]string, error) {
	names := []string{}
	for _, id := range client.GetStringSlice("groups") {
		g, err := b.app.FindRecordById(types.CollectionGroups, id)
		if err != nil {
			return nil, apperr.New(apperr.Validation, "client references unknown group %s", id)
		}
		names = append(names, g.GetString("name"))
	}
	return names, nil
}

// allAddresses returns every assignment as addr/prefix, primaries first,
// for v2 multi-IP certificates.
func (b *Builder) allAddresses(clientID string) ([]string, error) {
	assignments, err := b.ipam.Addresses(clientID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, a := range assignments {
		pool, err := b.app.FindRecordById(types.CollectionIPPools, a.GetString("pool"))
		if err != nil {
			continue
		}
		prefix, err := netip.ParsePrefix(pool.GetString("cidr"))
		if err != nil {
			continue
		}
		out = append(out, fmt.Sprintf("%s/%d", a.GetString("ip_address"), prefix.Bits()))
	}
	return out, nil
}

// lighthouseEntry is one reachable lighthouse in the requester's pool.
type lighthouseEntry struct {
	ID       string
	Overlay  string
	PublicIP string
}

// lighthouseTopology builds the static host map and lighthouse hosts list
// from lighthouses sharing the requester's pool. The lookup goes by pool,
// not address family, so ipv6-only pools resolve the same way.
func (b *Builder) lighthouseTopology(client *core.Record, poolID string, cfg *types.Settings) (StaticHostMap, []string, error) {
	lighthouses, err := b.app.FindAllRecords(types.CollectionClients, dbx.HashExp{
		"is_lighthouse": true,
		"is_blocked":    false,
	})
	if err != nil {
		return nil, nil, err
	}

	entries := []lighthouseEntry{}
	for _, lh := range lighthouses {
		publicIP := lh.GetString("public_ip")
		if publicIP == "" {
			continue
		}
		primary, err := b.ipam.PrimaryInPool(lh.Id, poolID)
		if err != nil {
			continue
		}
		entries = append(entries, lighthouseEntry{
			ID:       lh.Id,
			Overlay:  primary.GetString("ip_address"),
			PublicIP: publicIP,
		})
	}

	hostMap, hosts := assembleTopology(entries, client.Id,
		client.GetBool("is_lighthouse"), cfg.LighthousePort, cfg.LighthouseHosts)
	return hostMap, hosts, nil
}

// assembleTopology maps every lighthouse except the requester itself. A
// lighthouse still maps its peers but does not query anyone.
func assembleTopology(entries []lighthouseEntry, requesterID string, requesterIsLighthouse bool,
	port int, extraHosts []string) (StaticHostMap, []string) {
	hostMap := StaticHostMap{}
	hosts := []string{}
	for _, e := range entries {
		if e.ID == requesterID {
			continue
		}
		hostMap[e.Overlay] = []string{net.JoinHostPort(e.PublicIP, fmt.Sprintf("%d", port))}
		hosts = append(hosts, e.Overlay)
	}
	if requesterIsLighthouse {
		return hostMap, []string{}
	}
	hosts = append(hosts, extraHosts...)
	return hostMap, hosts
}

// firewall compiles the client's attached rulesets. No rules at all means
// allow-all in both directions.
func (b *Builder) firewall(client *core.Record) (Firewall, error) {
	var inbound, outbound []Rule
	for _, rsID := range client.GetStringSlice("rulesets") {
		rs, err := b.app.FindRecordById(types.CollectionRulesets, rsID)
		if err != nil {
			return Firewall{}, apperr.New(apperr.Validation, "client references unknown ruleset %s", rsID)
		}
		for _, ruleID := range rs.GetStringSlice("rules") {
			rec, err := b.app.FindRecordById(types.CollectionRules, ruleID)
			if err != nil {
				return Firewall{}, apperr.New(apperr.Validation, "ruleset references unknown rule %s", ruleID)
			}
			rule, err := b.compileRule(rec)
			if err != nil {
				return Firewall{}, err
			}
			if rec.GetString("direction") == "outbound" {
				outbound = append(outbound, rule)
			} else {
				inbound = append(inbound, rule)
			}
		}
	}
	if len(inbound) == 0 && len(outbound) == 0 {
		return Firewall{Inbound: allowAll(), Outbound: allowAll()}, nil
	}
	if len(inbound) == 0 {
		inbound = []Rule{}
	}
	if len(outbound) == 0 {
		outbound = []Rule{}
	}
	return Firewall{Inbound: inbound, Outbound: outbound}, nil
}

// compileRule translates one rule record, resolving group references to
// names. One group emits the scalar form, several emit the AND-ed list.
func (b *Builder) compileRule(rec *core.Record) (Rule, error) {
	rule := Rule{
		Port:      orAny(rec.GetString("port")),
		Proto:     orAny(rec.GetString("proto")),
		Host:      rec.GetString("host"),
		CIDR:      rec.GetString("cidr"),
		LocalCIDR: rec.GetString("local_cidr"),
		CAName:    rec.GetString("ca_name"),
		CASha:     rec.GetString("ca_sha"),
	}

	groupIDs := rec.GetStringSlice("groups")
	names := make([]string, 0, len(groupIDs))
	for _, id := range groupIDs {
		g, err := b.app.FindRecordById(types.CollectionGroups, id)
		if err != nil {
			return Rule{}, apperr.New(apperr.Validation, "rule references unknown group %s", id)
		}
		names = append(names, g.GetString("name"))
	}
	switch len(names) {
	case 0:
		if rule.Host == "" && rule.CIDR == "" && rule.LocalCIDR == "" &&
			rule.CAName == "" && rule.CASha == "" {
			rule.Host = "any"
		}
	case 1:
		rule.Group = names[0]
	default:
		rule.Groups = names
	}
	return rule, nil
}

// recordDownload stamps the client with what it just reported. Best effort:
// a failed stamp must not fail the fetch.
func (b *Builder) recordDownload(client *core.Record, report Report) {
	client.Set("last_config_download", pbtypes.NowDateTime())
	client.Set("last_version_report", pbtypes.NowDateTime())
	if report.ClientVersion != "" {
		client.Set("client_version", report.ClientVersion)
	}
	if report.NebulaVersion != "" {
		client.Set("nebula_version", report.NebulaVersion)
	}
	if report.OSType.Valid() {
		client.Set("os_type", string(report.OSType))
	}
	if err := b.app.Save(client); err != nil {
		b.app.Logger().Warn("failed to record config download", "client", client.Id, "error", err)
	}
}

func primaryFamily(topology types.IPVersion) string {
	if !topology.WantsIPv4() {
		return "ipv6"
	}
	return "ipv4"
}

func relayList(isLighthouse bool, lighthouseIPs []string) []string {
	if isLighthouse {
		return []string{}
	}
	return lighthouseIPs
}

func orAny(v string) string {
	if v == "" {
		return "any"
	}
	return v
}

// joinPEMs concatenates PEM bodies, normalizing the trailing newline.
func joinPEMs(pems []string) string {
	out := ""
	for _, p := range pems {
		if len(p) > 0 && p[len(p)-1] != '\n' {
			p += "\n"
		}
		out += p
	}
	return out
}
