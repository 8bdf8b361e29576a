// Package hooks enforces record-level invariants on every write path,
// including superuser dashboard edits that bypass the route handlers.
package hooks

import (
	"slices"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	pbtypes "github.com/pocketbase/pocketbase/tools/types"

	"github.com/skeeeon/managed-nebula/internal/apperr"
	"github.com/skeeeon/managed-nebula/internal/ipam"
	"github.com/skeeeon/managed-nebula/internal/types"
)

type Manager struct {
	app core.App
}

func NewManager(app core.App) *Manager {
	return &Manager{app: app}
}

// Register binds all record hooks. Model-level hooks fire for API requests,
// dashboard edits, and programmatic saves alike.
func (m *Manager) Register() {
	m.app.OnRecordCreate(types.CollectionClients).BindFunc(m.onClientWrite)
	m.app.OnRecordUpdate(types.CollectionClients).BindFunc(m.onClientUpdate)

	m.app.OnRecordCreate(types.CollectionIPPools).BindFunc(m.onPoolWrite)
	m.app.OnRecordUpdate(types.CollectionIPPools).BindFunc(m.onPoolUpdate)

	m.app.OnRecordCreate(types.CollectionIPGroups).BindFunc(m.onIPGroupWrite)
	m.app.OnRecordUpdate(types.CollectionIPGroups).BindFunc(m.onIPGroupWrite)

	m.app.OnRecordDelete(types.CollectionUserGroups).BindFunc(m.onUserGroupDelete)
	m.app.OnRecordDelete(types.CollectionMemberships).BindFunc(m.onMembershipDelete)
}

// onClientWrite validates lighthouse and topology fields on create.
func (m *Manager) onClientWrite(e *core.RecordEvent) error {
	if err := validateClient(e.Record); err != nil {
		return err
	}
	return e.Next()
}

// onClientUpdate additionally bumps config_last_changed when any field that
// shapes the emitted Nebula config changes. Agents compare hashes, but the
// timestamp lets operators see which nodes are stale at a glance.
func (m *Manager) onClientUpdate(e *core.RecordEvent) error {
	if err := validateClient(e.Record); err != nil {
		return err
	}
	if configFieldsChanged(e.Record) {
		e.Record.Set("config_last_changed", pbtypes.NowDateTime())
	}
	return e.Next()
}

func validateClient(rec *core.Record) error {
	if rec.GetBool("is_lighthouse") && rec.GetString("public_ip") == "" {
		return apperr.New(apperr.Validation, "lighthouse clients require public_ip")
	}
	if v := rec.GetString("ip_version"); v != "" && !types.IPVersion(v).Valid() {
		return apperr.New(apperr.Validation, "unknown ip_version %q", v)
	}
	if t := rec.GetString("os_type"); t != "" && !types.OSType(t).Valid() {
		return apperr.New(apperr.Validation, "unknown os_type %q", t)
	}
	return nil
}

// configFieldsChanged compares the saved record against its original for the
// fields that influence the generated config.
func configFieldsChanged(rec *core.Record) bool {
	orig := rec.Original()
	if orig == nil {
		return false
	}
	for _, f := range []string{"is_lighthouse", "public_ip", "is_blocked", "ip_version", "os_type"} {
		if rec.GetString(f) != orig.GetString(f) {
			return true
		}
	}
	if !slices.Equal(rec.GetStringSlice("groups"), orig.GetStringSlice("groups")) {
		return true
	}
	if !slices.Equal(rec.GetStringSlice("rulesets"), orig.GetStringSlice("rulesets")) {
		return true
	}
	return false
}

func (m *Manager) onPoolWrite(e *core.RecordEvent) error {
	if _, err := ipam.ValidatePoolCIDR(e.Record.GetString("cidr")); err != nil {
		return err
	}
	return e.Next()
}

// onPoolUpdate keeps the CIDR immutable once addresses have been handed out.
func (m *Manager) onPoolUpdate(e *core.RecordEvent) error {
	if _, err := ipam.ValidatePoolCIDR(e.Record.GetString("cidr")); err != nil {
		return err
	}
	orig := e.Record.Original()
	if orig != nil && orig.GetString("cidr") != e.Record.GetString("cidr") {
		assigned, err := m.app.FindAllRecords(types.CollectionAssignments,
			dbx.HashExp{"pool": e.Record.Id})
		if err == nil && len(assigned) > 0 {
			return apperr.New(apperr.Conflict,
				"pool has assigned addresses; cidr cannot change")
		}
	}
	return e.Next()
}

func (m *Manager) onIPGroupWrite(e *core.RecordEvent) error {
	pool, err := m.app.FindRecordById(types.CollectionIPPools, e.Record.GetString("pool"))
	if err != nil {
		return apperr.New(apperr.Validation, "ip group references an unknown pool")
	}
	if _, err := ipam.ValidateGroupRange(pool.GetString("cidr"),
		e.Record.GetString("start_ip"), e.Record.GetString("end_ip")); err != nil {
		return err
	}
	return e.Next()
}

// onUserGroupDelete blocks deleting the last admin group.
func (m *Manager) onUserGroupDelete(e *core.RecordEvent) error {
	if e.Record.GetBool("is_admin") {
		admins, err := m.app.FindAllRecords(types.CollectionUserGroups,
			dbx.HashExp{"is_admin": true})
		if err == nil && len(admins) <= 1 {
			return apperr.New(apperr.Conflict, "cannot delete the last admin group")
		}
	}
	return e.Next()
}

// onMembershipDelete blocks emptying the last admin group.
func (m *Manager) onMembershipDelete(e *core.RecordEvent) error {
	group, err := m.app.FindRecordById(types.CollectionUserGroups,
		e.Record.GetString("user_group"))
	if err != nil || !group.GetBool("is_admin") {
		return e.Next()
	}
	admins, err := m.app.FindAllRecords(types.CollectionUserGroups,
		dbx.HashExp{"is_admin": true})
	if err == nil && len(admins) > 1 {
		return e.Next()
	}
	members, err := m.app.FindAllRecords(types.CollectionMemberships,
		dbx.HashExp{"user_group": group.Id})
	if err == nil && len(members) <= 1 {
		return apperr.New(apperr.Conflict,
			"cannot remove the last member of the last admin group")
	}
	return e.Next()
}
