// Package collections creates the PocketBase collections backing the
// control plane.
//
// COLLECTION ARCHITECTURE:
// Certificate authorities, clients, tokens, host certs, IP pools/groups/
// assignments, Nebula groups, firewall rules/rulesets, user groups and
// memberships, per-client permissions, the settings singleton, the system
// key-value store, enrollment codes, and the audit log.
//
// INITIALIZATION ORDER:
// Collections are created in dependency order so relation fields can
// reference their targets. Creation is idempotent: existing collections are
// left untouched.
package collections

import (
	"fmt"

	"github.com/pocketbase/pocketbase/core"
	pbtypes "github.com/pocketbase/pocketbase/tools/types"

	"github.com/skeeeon/managed-nebula/internal/types"
)

// manyRelation is the MaxSelect used for multi-valued relations.
const manyRelation = 999

// Manager creates and wires the schema.
type Manager struct {
	app core.App
}

// NewManager returns a schema manager.
func NewManager(app core.App) *Manager {
	return &Manager{app: app}
}

// InitializeCollections creates every collection the control plane needs.
func (m *Manager) InitializeCollections() error {
	steps := []func() error{
		m.createCAs,
		m.createIPPools,
		m.createIPGroups,
		m.createGroups,
		m.createFirewallRules,
		m.createFirewallRulesets,
		m.createClients,
		m.createTokens,
		m.createHostCerts,
		m.createAssignments,
		m.createSettings,
		m.createSystemSettings,
		m.createUserGroups,
		m.createMemberships,
		m.createClientPermissions,
		m.createEnrollmentCodes,
		m.createAuditLog,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// exists reports whether the collection is already present.
func (m *Manager) exists(name string) bool {
	_, err := m.app.FindCollectionByNameOrId(name)
	return err == nil
}

// relationTo resolves the target collection id for a relation field.
func (m *Manager) relationTo(name string) (string, error) {
	col, err := m.app.FindCollectionByNameOrId(name)
	if err != nil {
		return "", fmt.Errorf("relation target %s: %w", name, err)
	}
	return col.Id, nil
}

func timestamps(c *core.Collection) {
	c.Fields.Add(&core.AutodateField{Name: "created", OnCreate: true})
	c.Fields.Add(&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true})
}

// adminOnly removes all API rules; access goes through the custom routes.
func adminOnly(c *core.Collection) {
	c.ListRule = nil
	c.ViewRule = nil
	c.CreateRule = nil
	c.UpdateRule = nil
	c.DeleteRule = nil
}

// createCAs stores the certificate hierarchy roots. The private key is a
// hidden field, never exposed through the record API.
func (m *Manager) createCAs() error {
	if m.exists(types.CollectionCAs) {
		return nil
	}
	c := core.NewBaseCollection(types.CollectionCAs)
	adminOnly(c)
	c.Fields.Add(&core.TextField{Name: "name", Required: true, Max: 200})
	c.Fields.Add(&core.TextField{Name: "pem_cert", Required: true, Max: 20000})
	c.Fields.Add(&core.TextField{Name: "pem_key", Hidden: true, Max: 20000})
	c.Fields.Add(&core.DateField{Name: "not_before"})
	c.Fields.Add(&core.DateField{Name: "not_after"})
	c.Fields.Add(&core.BoolField{Name: "is_active"})
	c.Fields.Add(&core.BoolField{Name: "is_previous"})
	c.Fields.Add(&core.BoolField{Name: "can_sign"})
	c.Fields.Add(&core.BoolField{Name: "include_in_config"})
	c.Fields.Add(&core.SelectField{Name: "cert_version", MaxSelect: 1,
		Values: []string{string(types.CertVersionV1), string(types.CertVersionV2)}})
	c.Fields.Add(&core.TextField{Name: "nebula_version", Max: 50})
	c.Fields.Add(&core.DateField{Name: "demoted"})
	timestamps(c)
	return m.app.Save(c)
}

func (m *Manager) createIPPools() error {
	if m.exists(types.CollectionIPPools) {
		return nil
	}
	c := core.NewBaseCollection(types.CollectionIPPools)
	adminOnly(c)
	c.Fields.Add(&core.TextField{Name: "cidr", Required: true, Max: 50})
	c.Fields.Add(&core.TextField{Name: "description", Max: 500})
	timestamps(c)
	c.Indexes = pbtypes.JSONArray[string]{
		"CREATE UNIQUE INDEX idx_pool_cidr ON " + types.CollectionIPPools + " (cidr)",
	}
	return m.app.Save(c)
}

func (m *Manager) createIPGroups() error {
	if m.exists(types.CollectionIPGroups) {
		return nil
	}
	poolID, err := m.relationTo(types.CollectionIPPools)
	if err != nil {
		return err
	}
	c := core.NewBaseCollection(types.CollectionIPGroups)
	adminOnly(c)
	c.Fields.Add(&core.RelationField{Name: "pool", CollectionId: poolID, Required: true, MaxSelect: 1, CascadeDelete: true})
	c.Fields.Add(&core.TextField{Name: "name", Required: true, Max: 100})
	c.Fields.Add(&core.TextField{Name: "start_ip", Required: true, Max: 50})
	c.Fields.Add(&core.TextField{Name: "end_ip", Required: true, Max: 50})
	timestamps(c)
	return m.app.Save(c)
}

// createGroups holds the Nebula firewall identity groups baked into host
// certificates.
func (m *Manager) createGroups() error {
	if m.exists(types.CollectionGroups) {
		return nil
	}
	c := core.NewBaseCollection(types.CollectionGroups)
	adminOnly(c)
	c.Fields.Add(&core.TextField{Name: "name", Required: true, Max: 100})
	c.Fields.Add(&core.TextField{Name: "description", Max: 500})
	timestamps(c)
	c.Indexes = pbtypes.JSONArray[string]{
		"CREATE UNIQUE INDEX idx_group_name ON " + types.CollectionGroups + " (name)",
	}
	return m.app.Save(c)
}

func (m *Manager) createFirewallRules() error {
	if m.exists(types.CollectionRules) {
		return nil
	}
	groupsID, err := m.relationTo(types.CollectionGroups)
	if err != nil {
		return err
	}
	c := core.NewBaseCollection(types.CollectionRules)
	adminOnly(c)
	c.Fields.Add(&core.TextField{Name: "name", Max: 100})
	c.Fields.Add(&core.SelectField{Name: "direction", Required: true, MaxSelect: 1,
		Values: []string{"inbound", "outbound"}})
	c.Fields.Add(&core.TextField{Name: "port", Max: 20})
	c.Fields.Add(&core.TextField{Name: "proto", Max: 10})
	c.Fields.Add(&core.TextField{Name: "host", Max: 200})
	c.Fields.Add(&core.TextField{Name: "cidr", Max: 50})
	c.Fields.Add(&core.TextField{Name: "local_cidr", Max: 50})
	c.Fields.Add(&core.TextField{Name: "ca_name", Max: 200})
	c.Fields.Add(&core.TextField{Name: "ca_sha", Max: 100})
	c.Fields.Add(&core.RelationField{Name: "groups", CollectionId: groupsID, MaxSelect: manyRelation})
	timestamps(c)
	return m.app.Save(c)
}

func (m *Manager) createFirewallRulesets() error {
	if m.exists(types.CollectionRulesets) {
		return nil
	}
	rulesID, err := m.relationTo(types.CollectionRules)
	if err != nil {
		return err
	}
	c := core.NewBaseCollection(types.CollectionRulesets)
	adminOnly(c)
	c.Fields.Add(&core.TextField{Name: "name", Required: true, Max: 100})
	c.Fields.Add(&core.TextField{Name: "description", Max: 500})
	c.Fields.Add(&core.RelationField{Name: "rules", CollectionId: rulesID, MaxSelect: manyRelation})
	timestamps(c)
	return m.app.Save(c)
}

func (m *Manager) createClients() error {
	if m.exists(types.CollectionClients) {
		return nil
	}
	groupsID, err := m.relationTo(types.CollectionGroups)
	if err != nil {
		return err
	}
	rulesetsID, err := m.relationTo(types.CollectionRulesets)
	if err != nil {
		return err
	}
	usersID, err := m.relationTo(types.CollectionUsers)
	if err != nil {
		return err
	}
	c := core.NewBaseCollection(types.CollectionClients)
	adminOnly(c)
	c.Fields.Add(&core.TextField{Name: "name", Required: true, Max: 100})
	c.Fields.Add(&core.BoolField{Name: "is_lighthouse"})
	c.Fields.Add(&core.TextField{Name: "public_ip", Max: 100})
	c.Fields.Add(&core.BoolField{Name: "is_blocked"})
	c.Fields.Add(&core.RelationField{Name: "owner", CollectionId: usersID, MaxSelect: 1})
	c.Fields.Add(&core.SelectField{Name: "ip_version", MaxSelect: 1, Values: []string{
		string(types.IPVersionV4Only), string(types.IPVersionV6Only),
		string(types.IPVersionDualStack), string(types.IPVersionMultiV4),
		string(types.IPVersionMultiV6), string(types.IPVersionMultiBoth)}})
	c.Fields.Add(&core.SelectField{Name: "os_type", MaxSelect: 1, Values: []string{
		string(types.OSTypeDocker), string(types.OSTypeWindows), string(types.OSTypeMacOS)}})
	c.Fields.Add(&core.TextField{Name: "client_version", Max: 50})
	c.Fields.Add(&core.TextField{Name: "nebula_version", Max: 50})
	c.Fields.Add(&core.DateField{Name: "config_last_changed"})
	c.Fields.Add(&core.DateField{Name: "last_config_download"})
	c.Fields.Add(&core.DateField{Name: "last_version_report"})
	c.Fields.Add(&core.RelationField{Name: "groups", CollectionId: groupsID, MaxSelect: manyRelation})
	c.Fields.Add(&core.RelationField{Name: "rulesets", CollectionId: rulesetsID, MaxSelect: manyRelation})
	timestamps(c)
	c.Indexes = pbtypes.JSONArray[string]{
		"CREATE UNIQUE INDEX idx_client_name ON " + types.CollectionClients + " (name)",
	}
	return m.app.Save(c)
}

// createTokens stores bearer tokens. Values are hidden from the record API;
// the reissue route is the only surface that ever returns one in full.
func (m *Manager) createTokens() error {
	if m.exists(types.CollectionTokens) {
		return nil
	}
	clientsID, err := m.relationTo(types.CollectionClients)
	if err != nil {
		return err
	}
	usersID, err := m.relationTo(types.CollectionUsers)
	if err != nil {
		return err
	}
	c := core.NewBaseCollection(types.CollectionTokens)
	adminOnly(c)
	c.Fields.Add(&core.RelationField{Name: "client", CollectionId: clientsID, Required: true, MaxSelect: 1, CascadeDelete: true})
	c.Fields.Add(&core.TextField{Name: "value", Required: true, Hidden: true, Max: 100})
	c.Fields.Add(&core.BoolField{Name: "is_active"})
	c.Fields.Add(&core.RelationField{Name: "owner", CollectionId: usersID, MaxSelect: 1})
	timestamps(c)
	c.Indexes = pbtypes.JSONArray[string]{
		"CREATE UNIQUE INDEX idx_token_value ON " + types.CollectionTokens + " (value)",
	}
	return m.app.Save(c)
}

func (m *Manager) createHostCerts() error {
	if m.exists(types.CollectionHostCerts) {
		return nil
	}
	clientsID, err := m.relationTo(types.CollectionClients)
	if err != nil {
		return err
	}
	casID, err := m.relationTo(types.CollectionCAs)
	if err != nil {
		return err
	}
	c := core.NewBaseCollection(types.CollectionHostCerts)
	adminOnly(c)
	c.Fields.Add(&core.RelationField{Name: "client", CollectionId: clientsID, Required: true, MaxSelect: 1, CascadeDelete: true})
	c.Fields.Add(&core.TextField{Name: "pem", Required: true, Max: 20000})
	c.Fields.Add(&core.DateField{Name: "not_before"})
	c.Fields.Add(&core.DateField{Name: "not_after"})
	c.Fields.Add(&core.TextField{Name: "fingerprint", Max: 100})
	c.Fields.Add(&core.TextField{Name: "issued_for_ip_cidr", Max: 100})
	c.Fields.Add(&core.TextField{Name: "issued_for_groups_sum", Max: 100})
	// Hybrid certs record both the v1 and v2 signer.
	c.Fields.Add(&core.RelationField{Name: "issued_by", CollectionId: casID, MaxSelect: 2})
	c.Fields.Add(&core.SelectField{Name: "cert_version", MaxSelect: 1, Values: []string{
		string(types.CertVersionV1), string(types.CertVersionV2), string(types.CertVersionHybrid)}})
	c.Fields.Add(&core.BoolField{Name: "revoked"})
	c.Fields.Add(&core.DateField{Name: "revoked_at"})
	timestamps(c)
	return m.app.Save(c)
}

// createAssignments holds allocated overlay addresses. The pool relation
// does not cascade: a pool with live assignments cannot be deleted.
func (m *Manager) createAssignments() error {
	if m.exists(types.CollectionAssignments) {
		return nil
	}
	clientsID, err := m.relationTo(types.CollectionClients)
	if err != nil {
		return err
	}
	poolsID, err := m.relationTo(types.CollectionIPPools)
	if err != nil {
		return err
	}
	ipGroupsID, err := m.relationTo(types.CollectionIPGroups)
	if err != nil {
		return err
	}
	c := core.NewBaseCollection(types.CollectionAssignments)
	adminOnly(c)
	c.Fields.Add(&core.RelationField{Name: "client", CollectionId: clientsID, Required: true, MaxSelect: 1, CascadeDelete: true})
	c.Fields.Add(&core.TextField{Name: "ip_address", Required: true, Max: 50})
	c.Fields.Add(&core.SelectField{Name: "ip_family", MaxSelect: 1, Values: []string{"ipv4", "ipv6"}})
	c.Fields.Add(&core.BoolField{Name: "is_primary"})
	c.Fields.Add(&core.RelationField{Name: "pool", CollectionId: poolsID, MaxSelect: 1})
	c.Fields.Add(&core.RelationField{Name: "ip_group", CollectionId: ipGroupsID, MaxSelect: 1})
	timestamps(c)
	c.Indexes = pbtypes.JSONArray[string]{
		"CREATE UNIQUE INDEX idx_assignment_ip ON " + types.CollectionAssignments + " (ip_address)",
	}
	return m.app.Save(c)
}

// createSettings is the global settings singleton; a single row enforced by
// application logic and auto-created on first boot.
func (m *Manager) createSettings() error {
	if m.exists(types.CollectionSettings) {
		return nil
	}
	c := core.NewBaseCollection(types.CollectionSettings)
	adminOnly(c)
	c.Fields.Add(&core.NumberField{Name: "lighthouse_port", OnlyInt: true})
	c.Fields.Add(&core.JSONField{Name: "lighthouse_hosts", MaxSize: 10000})
	c.Fields.Add(&core.BoolField{Name: "punchy_enabled"})
	c.Fields.Add(&core.TextField{Name: "default_cidr_pool", Max: 50})
	c.Fields.Add(&core.SelectField{Name: "cert_version", MaxSelect: 1, Values: []string{
		string(types.CertVersionV1), string(types.CertVersionV2), string(types.CertVersionHybrid)}})
	c.Fields.Add(&core.TextField{Name: "nebula_version", Max: 50})
	c.Fields.Add(&core.TextField{Name: "client_docker_image", Max: 300})
	c.Fields.Add(&core.TextField{Name: "server_url", Max: 300})
	c.Fields.Add(&core.TextField{Name: "docker_compose_template", Max: 20000})
	timestamps(c)
	return m.app.Save(c)
}

func (m *Manager) createSystemSettings() error {
	if m.exists(types.CollectionSystemSet) {
		return nil
	}
	c := core.NewBaseCollection(types.CollectionSystemSet)
	adminOnly(c)
	c.Fields.Add(&core.TextField{Name: "key", Required: true, Max: 100})
	c.Fields.Add(&core.TextField{Name: "value", Max: 100000})
	c.Fields.Add(&core.TextField{Name: "updated_by", Max: 100})
	timestamps(c)
	c.Indexes = pbtypes.JSONArray[string]{
		"CREATE UNIQUE INDEX idx_system_key ON " + types.CollectionSystemSet + " (key)",
	}
	return m.app.Save(c)
}

// createUserGroups is the authorization unit. A group with is_admin grants
// every permission to its members.
func (m *Manager) createUserGroups() error {
	if m.exists(types.CollectionUserGroups) {
		return nil
	}
	c := core.NewBaseCollection(types.CollectionUserGroups)
	adminOnly(c)
	c.Fields.Add(&core.TextField{Name: "name", Required: true, Max: 100})
	c.Fields.Add(&core.BoolField{Name: "is_admin"})
	timestamps(c)
	c.Indexes = pbtypes.JSONArray[string]{
		"CREATE UNIQUE INDEX idx_user_group_name ON " + types.CollectionUserGroups + " (name)",
	}
	return m.app.Save(c)
}

func (m *Manager) createMemberships() error {
	if m.exists(types.CollectionMemberships) {
		return nil
	}
	usersID, err := m.relationTo(types.CollectionUsers)
	if err != nil {
		return err
	}
	groupsID, err := m.relationTo(types.CollectionUserGroups)
	if err != nil {
		return err
	}
	c := core.NewBaseCollection(types.CollectionMemberships)
	adminOnly(c)
	c.Fields.Add(&core.RelationField{Name: "user", CollectionId: usersID, Required: true, MaxSelect: 1, CascadeDelete: true})
	c.Fields.Add(&core.RelationField{Name: "user_group", CollectionId: groupsID, Required: true, MaxSelect: 1, CascadeDelete: true})
	timestamps(c)
	c.Indexes = pbtypes.JSONArray[string]{
		"CREATE UNIQUE INDEX idx_membership ON " + types.CollectionMemberships + " (user, user_group)",
	}
	return m.app.Save(c)
}

func (m *Manager) createClientPermissions() error {
	if m.exists(types.CollectionClientPerms) {
		return nil
	}
	usersID, err := m.relationTo(types.CollectionUsers)
	if err != nil {
		return err
	}
	clientsID, err := m.relationTo(types.CollectionClients)
	if err != nil {
		return err
	}
	c := core.NewBaseCollection(types.CollectionClientPerms)
	adminOnly(c)
	c.Fields.Add(&core.RelationField{Name: "user", CollectionId: usersID, Required: true, MaxSelect: 1, CascadeDelete: true})
	c.Fields.Add(&core.RelationField{Name: "client", CollectionId: clientsID, Required: true, MaxSelect: 1, CascadeDelete: true})
	c.Fields.Add(&core.BoolField{Name: "can_view"})
	c.Fields.Add(&core.BoolField{Name: "can_update"})
	c.Fields.Add(&core.BoolField{Name: "can_download_config"})
	c.Fields.Add(&core.BoolField{Name: "can_view_token"})
	c.Fields.Add(&core.BoolField{Name: "can_download_docker_config"})
	timestamps(c)
	c.Indexes = pbtypes.JSONArray[string]{
		"CREATE UNIQUE INDEX idx_client_perm ON " + types.CollectionClientPerms + " (user, client)",
	}
	return m.app.Save(c)
}

// createEnrollmentCodes backs the single-use interactive enrollment flow.
func (m *Manager) createEnrollmentCodes() error {
	if m.exists(types.CollectionEnrollCodes) {
		return nil
	}
	clientsID, err := m.relationTo(types.CollectionClients)
	if err != nil {
		return err
	}
	c := core.NewBaseCollection(types.CollectionEnrollCodes)
	adminOnly(c)
	c.Fields.Add(&core.TextField{Name: "code", Required: true, Max: 100})
	c.Fields.Add(&core.RelationField{Name: "client", CollectionId: clientsID, Required: true, MaxSelect: 1, CascadeDelete: true})
	c.Fields.Add(&core.DateField{Name: "expires_at"})
	c.Fields.Add(&core.BoolField{Name: "is_used"})
	timestamps(c)
	c.Indexes = pbtypes.JSONArray[string]{
		"CREATE UNIQUE INDEX idx_enroll_code ON " + types.CollectionEnrollCodes + " (code)",
	}
	return m.app.Save(c)
}

// createAuditLog records partner-driven token actions. The client reference
// is a plain id so audit history never blocks client deletion.
func (m *Manager) createAuditLog() error {
	if m.exists(types.CollectionAuditLog) {
		return nil
	}
	c := core.NewBaseCollection(types.CollectionAuditLog)
	adminOnly(c)
	c.Fields.Add(&core.TextField{Name: "action", Required: true, Max: 100})
	c.Fields.Add(&core.TextField{Name: "token_preview", Max: 20})
	c.Fields.Add(&core.TextField{Name: "github_url", Max: 1000})
	c.Fields.Add(&core.BoolField{Name: "is_active"})
	c.Fields.Add(&core.TextField{Name: "client", Max: 50})
	timestamps(c)
	return m.app.Save(c)
}
