// Package types defines the shared types used throughout managed-nebula.
package types

import (
	"time"
)

// CertVersion identifies the Nebula certificate format generation.
//
// VERSION SEMANTICS:
// - v1: legacy single-IP certificates, accepted by every Nebula release
// - v2: multi-IP certificates, requires Nebula >= 1.10.0 on the client
// - hybrid: a v1 and a v2 certificate concatenated into one PEM body,
//   used while a fleet is mid-upgrade
type CertVersion string

const (
	CertVersionV1     CertVersion = "v1"
	CertVersionV2     CertVersion = "v2"
	CertVersionHybrid CertVersion = "hybrid"
)

// Valid reports whether v is one of the known certificate versions.
func (v CertVersion) Valid() bool {
	switch v {
	case CertVersionV1, CertVersionV2, CertVersionHybrid:
		return true
	}
	return false
}

// IPVersion describes the overlay address topology requested for a client.
type IPVersion string

const (
	IPVersionV4Only    IPVersion = "ipv4_only"
	IPVersionV6Only    IPVersion = "ipv6_only"
	IPVersionDualStack IPVersion = "dual_stack"
	IPVersionMultiV4   IPVersion = "multi_ipv4"
	IPVersionMultiV6   IPVersion = "multi_ipv6"
	IPVersionMultiBoth IPVersion = "multi_both"
)

// Valid reports whether v is a known topology.
func (v IPVersion) Valid() bool {
	switch v {
	case IPVersionV4Only, IPVersionV6Only, IPVersionDualStack,
		IPVersionMultiV4, IPVersionMultiV6, IPVersionMultiBoth:
		return true
	}
	return false
}

// RequiresV2 reports whether the topology can only be expressed in a v2
// certificate. Anything beyond a single IPv4 address needs v2.
func (v IPVersion) RequiresV2() bool {
	switch v {
	case IPVersionV6Only, IPVersionDualStack,
		IPVersionMultiV4, IPVersionMultiV6, IPVersionMultiBoth:
		return true
	}
	return false
}

// WantsIPv4 reports whether the topology includes at least one IPv4 address.
func (v IPVersion) WantsIPv4() bool {
	return v != IPVersionV6Only && v != IPVersionMultiV6
}

// WantsIPv6 reports whether the topology includes at least one IPv6 address.
func (v IPVersion) WantsIPv6() bool {
	switch v {
	case IPVersionV6Only, IPVersionDualStack, IPVersionMultiV6, IPVersionMultiBoth:
		return true
	}
	return false
}

// OSType identifies the client operating environment. It selects the
// filesystem paths baked into the emitted Nebula config.
type OSType string

const (
	OSTypeDocker  OSType = "docker"
	OSTypeWindows OSType = "windows"
	OSTypeMacOS   OSType = "macos"
)

// Valid reports whether t is a known OS type.
func (t OSType) Valid() bool {
	switch t {
	case OSTypeDocker, OSTypeWindows, OSTypeMacOS:
		return true
	}
	return false
}

// Paths returns the key, CA, and cert paths the emitted config should
// reference for this OS type. Unknown values fall back to the docker/linux
// layout.
func (t OSType) Paths() (key, ca, cert string) {
	if t == OSTypeWindows {
		return "C:/ProgramData/Nebula/host.key",
			"C:/ProgramData/Nebula/ca.crt",
			"C:/ProgramData/Nebula/host.crt"
	}
	return "/var/lib/nebula/host.key", "/etc/nebula/ca.crt", "/etc/nebula/host.crt"
}

// Collection names. The nebula_ prefix keeps the domain collections grouped
// in the PocketBase dashboard.
const (
	CollectionCAs          = "nebula_cas"
	CollectionClients      = "nebula_clients"
	CollectionTokens       = "nebula_tokens"
	CollectionHostCerts    = "nebula_host_certs"
	CollectionIPPools      = "nebula_ip_pools"
	CollectionIPGroups     = "nebula_ip_groups"
	CollectionAssignments  = "nebula_ip_assignments"
	CollectionGroups       = "nebula_groups"
	CollectionRules        = "nebula_firewall_rules"
	CollectionRulesets     = "nebula_firewall_rulesets"
	CollectionSettings     = "nebula_settings"
	CollectionSystemSet    = "system_settings"
	CollectionEnrollCodes  = "nebula_enrollment_codes"
	CollectionAuditLog     = "nebula_audit_log"
	CollectionUserGroups   = "user_groups"
	CollectionMemberships  = "user_group_memberships"
	CollectionClientPerms  = "client_permissions"
	CollectionUsers        = "users"
)

// System settings keys (the system_settings KV collection).
const (
	SettingTokenPrefix         = "token_prefix"
	SettingWebhookSecret       = "github_webhook_secret"
	SettingLatestClientVersion = "latest_client_version"
	SettingLatestNebulaVersion = "latest_nebula_version"
	SettingClientAdvisories    = "cached_client_advisories"
	SettingNebulaAdvisories    = "cached_nebula_advisories"
	SettingVersionCacheChecked = "version_cache_last_checked"
)

// Certificate lifecycle defaults, in days.
const (
	DefaultCAValidityDays     = 3650
	DefaultClientCertDays     = 365
	DefaultCAOverlapDays      = 180
	DefaultCARotateAtDays     = 182
	CertReuseFloorDays        = 7
)

// DefaultTokenPrefix prefixes every generated client token.
const DefaultTokenPrefix = "mnebula_"

// TokenSuffixLength is the number of random characters after the prefix.
const TokenSuffixLength = 32

// TokenPreviewLength is how much of a token value audit surfaces may show.
const TokenPreviewLength = 12

// MinNebulaV2Version is the first Nebula release that understands v2
// certificates.
const MinNebulaV2Version = "1.10.0"

// Settings is the in-memory form of the nebula_settings singleton.
type Settings struct {
	LighthousePort        int
	LighthouseHosts       []string
	PunchyEnabled         bool
	DefaultCIDRPool       string
	CertVersion           CertVersion
	NebulaVersion         string
	ClientDockerImage     string
	ServerURL             string
	DockerComposeTemplate string
}

// CA is the in-memory form of a nebula_cas record.
type CA struct {
	ID              string
	Name            string
	PEMCert         string
	PEMKey          string // empty for public-only imports
	NotBefore       time.Time
	NotAfter        time.Time
	IsActive        bool
	IsPrevious      bool
	CanSign         bool
	IncludeInConfig bool
	CertVersion     CertVersion
	NebulaVersion   string
	Created         time.Time
}

// Client is the in-memory form of a nebula_clients record.
type Client struct {
	ID                  string
	Name                string
	IsLighthouse        bool
	PublicIP            string
	IsBlocked           bool
	OwnerUserID         string
	IPVersion           IPVersion
	OSType              OSType
	ClientVersion       string
	NebulaVersion       string
	ConfigLastChangedAt time.Time
	LastConfigDownload  time.Time
	GroupIDs            []string
	RulesetIDs          []string
}

// HostCert is the in-memory form of a nebula_host_certs record.
type HostCert struct {
	ID                 string
	ClientID           string
	PEM                string
	NotBefore          time.Time
	NotAfter           time.Time
	Fingerprint        string // may be empty; extraction is best effort
	IssuedForIPCIDR    string
	IssuedForGroupsSum string
	IssuedByCAID       string
	CertVersion        CertVersion
	Revoked            bool
	Created            time.Time
}

// IPPool is the in-memory form of a nebula_ip_pools record.
type IPPool struct {
	ID          string
	CIDR        string
	Description string
}

// IPGroup is a named allocatable sub-range of a pool.
type IPGroup struct {
	ID      string
	PoolID  string
	Name    string
	StartIP string
	EndIP   string
}

// Assignment is the in-memory form of a nebula_ip_assignments record.
type Assignment struct {
	ID        string
	ClientID  string
	IPAddress string
	IPFamily  string // "ipv4" or "ipv6"
	IsPrimary bool
	PoolID    string
	IPGroupID string
}

// FirewallRule is one compiled-source firewall rule row.
type FirewallRule struct {
	ID        string
	Direction string // "inbound" or "outbound"
	Port      string
	Proto     string
	Host      string
	CIDR      string
	LocalCIDR string
	CAName    string
	CASha     string
	GroupIDs  []string // AND-ed Nebula group references
}

// ConfigBundle is the payload returned to an agent from /v1/client/config.
type ConfigBundle struct {
	Config        string    `json:"config"`
	ClientCertPEM string    `json:"client_cert_pem"`
	CAChainPEMs   []string  `json:"ca_chain_pems"`
	CertNotBefore time.Time `json:"cert_not_before"`
	CertNotAfter  time.Time `json:"cert_not_after"`
	Lighthouse    bool      `json:"lighthouse"`
	KeyPath       string    `json:"key_path"`
}
