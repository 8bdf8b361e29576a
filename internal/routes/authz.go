// Package routes exposes the control plane HTTP surface on the PocketBase
// router and maps the internal failure taxonomy to wire errors.
package routes

import (
	"errors"
	"net/http"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"github.com/skeeeon/managed-nebula/internal/apperr"
	"github.com/skeeeon/managed-nebula/internal/types"
)

// isAdmin reports whether the user belongs to any user group with is_admin.
// Superusers short-circuit.
func (a *API) isAdmin(e *core.RequestEvent) bool {
	if e.HasSuperuserAuth() {
		return true
	}
	if e.Auth == nil {
		return false
	}
	memberships, err := a.app.FindAllRecords(types.CollectionMemberships,
		dbx.HashExp{"user": e.Auth.Id})
	if err != nil {
		return false
	}
	for _, mem := range memberships {
		group, err := a.app.FindRecordById(types.CollectionUserGroups, mem.GetString("user_group"))
		if err == nil && group.GetBool("is_admin") {
			return true
		}
	}
	return false
}

// clientPermission looks up the caller's per-client permission row, if any.
func (a *API) clientPermission(userID, clientID string) *core.Record {
	rec, err := a.app.FindFirstRecordByFilter(types.CollectionClientPerms,
		"user = {:user} && client = {:client}",
		dbx.Params{"user": userID, "client": clientID})
	if err != nil {
		return nil
	}
	return rec
}

// canAccessClient implements admin-or-owner-or-permitted gating. perm names
// the ClientPermission flag that also grants access ("can_view",
// "can_update", ...); empty means owner/admin only.
func (a *API) canAccessClient(e *core.RequestEvent, client *core.Record, perm string) bool {
	if a.isAdmin(e) {
		return true
	}
	if e.Auth == nil {
		return false
	}
	if client.GetString("owner") == e.Auth.Id {
		return true
	}
	if perm == "" {
		return false
	}
	if p := a.clientPermission(e.Auth.Id, client.Id); p != nil {
		return p.GetBool(perm)
	}
	return false
}

// requireAdmin ends the request unless the caller is an admin.
func (a *API) requireAdmin(e *core.RequestEvent) bool {
	if a.isAdmin(e) {
		return true
	}
	writeError(e, apperr.New(apperr.Permission, "administrator access required"))
	return false
}

// writeError maps the failure taxonomy to the {detail} wire shape.
func writeError(e *core.RequestEvent, err error) error {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.Validation, apperr.Incompatible:
		status = http.StatusBadRequest
	case apperr.Auth:
		status = http.StatusUnauthorized
	case apperr.Permission:
		status = http.StatusForbidden
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Conflict:
		status = http.StatusConflict
	case apperr.Prerequisite, apperr.Transient:
		status = http.StatusServiceUnavailable
	}

	detail := "internal error"
	var ae *apperr.Error
	if errors.As(err, &ae) {
		detail = ae.Error()
	} else if status != http.StatusInternalServerError {
		detail = err.Error()
	}
	if status == http.StatusInternalServerError {
		e.App.Logger().Error("request failed", "path", e.Request.URL.Path, "error", err)
	}
	return e.JSON(status, map[string]string{"detail": detail})
}
