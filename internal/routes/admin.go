package routes

import (
	"net/http"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"github.com/skeeeon/managed-nebula/internal/apperr"
	"github.com/skeeeon/managed-nebula/internal/types"
)

func (a *API) listUserGroups(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	records, err := a.app.FindRecordsByFilter(types.CollectionUserGroups, "id != ''", "name", 0, 0)
	if err != nil {
		return writeError(e, err)
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		members, _ := a.app.FindAllRecords(types.CollectionMemberships,
			dbx.HashExp{"user_group": rec.Id})
		out = append(out, map[string]any{
			"id":           rec.Id,
			"name":         rec.GetString("name"),
			"is_admin":     rec.GetBool("is_admin"),
			"member_count": len(members),
		})
	}
	return e.JSON(http.StatusOK, out)
}

type userGroupRequest struct {
	Name    string `json:"name"`
	IsAdmin bool   `json:"is_admin"`
}

func (a *API) createUserGroup(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	var req userGroupRequest
	if err := e.BindBody(&req); err != nil || req.Name == "" {
		return writeError(e, apperr.New(apperr.Validation, "name is required"))
	}
	col, err := a.app.FindCollectionByNameOrId(types.CollectionUserGroups)
	if err != nil {
		return writeError(e, err)
	}
	rec := core.NewRecord(col)
	rec.Set("name", req.Name)
	rec.Set("is_admin", req.IsAdmin)
	if err := a.app.Save(rec); err != nil {
		return writeError(e, apperr.Wrap(err, apperr.Conflict, "save user group"))
	}
	return e.JSON(http.StatusOK, map[string]any{
		"id": rec.Id, "name": req.Name, "is_admin": req.IsAdmin,
	})
}

// deleteUserGroup refuses to remove the last admin group so the deployment
// cannot lock itself out.
func (a *API) deleteUserGroup(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	rec, err := a.app.FindRecordById(types.CollectionUserGroups, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "user group not found"))
	}
	if rec.GetBool("is_admin") && a.adminGroupCount() <= 1 {
		return writeError(e, apperr.New(apperr.Conflict,
			"cannot delete the last admin group"))
	}
	if err := a.app.Delete(rec); err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

func (a *API) adminGroupCount() int {
	records, err := a.app.FindAllRecords(types.CollectionUserGroups,
		dbx.HashExp{"is_admin": true})
	if err != nil {
		return 0
	}
	return len(records)
}

type memberRequest struct {
	UserID string `json:"user_id"`
}

func (a *API) addMember(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	group, err := a.app.FindRecordById(types.CollectionUserGroups, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "user group not found"))
	}
	var req memberRequest
	if err := e.BindBody(&req); err != nil || req.UserID == "" {
		return writeError(e, apperr.New(apperr.Validation, "user_id is required"))
	}
	if _, err := a.app.FindRecordById(types.CollectionUsers, req.UserID); err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "user not found"))
	}
	col, err := a.app.FindCollectionByNameOrId(types.CollectionMemberships)
	if err != nil {
		return writeError(e, err)
	}
	rec := core.NewRecord(col)
	rec.Set("user", req.UserID)
	rec.Set("user_group", group.Id)
	if err := a.app.Save(rec); err != nil {
		return writeError(e, apperr.Wrap(err, apperr.Conflict, "user is already a member"))
	}
	return e.JSON(http.StatusOK, map[string]any{
		"id": rec.Id, "user": req.UserID, "user_group": group.Id,
	})
}

// removeMember drops a membership, refusing to strip the final member of the
// final admin group.
func (a *API) removeMember(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	group, err := a.app.FindRecordById(types.CollectionUserGroups, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "user group not found"))
	}
	rec, err := a.app.FindFirstRecordByFilter(types.CollectionMemberships,
		"user = {:user} && user_group = {:group}",
		dbx.Params{"user": e.Request.PathValue("userId"), "group": group.Id})
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "membership not found"))
	}
	if group.GetBool("is_admin") {
		members, _ := a.app.FindAllRecords(types.CollectionMemberships,
			dbx.HashExp{"user_group": group.Id})
		if len(members) <= 1 && a.adminGroupCount() <= 1 {
			return writeError(e, apperr.New(apperr.Conflict,
				"cannot remove the last member of the last admin group"))
		}
	}
	if err := a.app.Delete(rec); err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]string{"status": "removed"})
}

// listGroupPermissions aggregates the per-client permissions held by the
// group's members.
func (a *API) listGroupPermissions(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	group, err := a.app.FindRecordById(types.CollectionUserGroups, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "user group not found"))
	}
	members, err := a.app.FindAllRecords(types.CollectionMemberships,
		dbx.HashExp{"user_group": group.Id})
	if err != nil {
		return writeError(e, err)
	}
	out := []map[string]any{}
	for _, mem := range members {
		perms, err := a.app.FindAllRecords(types.CollectionClientPerms,
			dbx.HashExp{"user": mem.GetString("user")})
		if err != nil {
			continue
		}
		for _, p := range perms {
			out = append(out, permJSON(p))
		}
	}
	return e.JSON(http.StatusOK, out)
}

func permJSON(rec *core.Record) map[string]any {
	return map[string]any{
		"id":                         rec.Id,
		"user":                       rec.GetString("user"),
		"client":                     rec.GetString("client"),
		"can_view":                   rec.GetBool("can_view"),
		"can_update":                 rec.GetBool("can_update"),
		"can_view_token":             rec.GetBool("can_view_token"),
		"can_download_config":        rec.GetBool("can_download_config"),
		"can_download_docker_config": rec.GetBool("can_download_docker_config"),
	}
}

func (a *API) listClientPermissions(e *core.RequestEvent) error {
	client, err := a.app.FindRecordById(types.CollectionClients, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "client not found"))
	}
	if !a.canAccessClient(e, client, "") {
		return writeError(e, apperr.New(apperr.Permission, "not allowed to view this client's permissions"))
	}
	perms, err := a.app.FindAllRecords(types.CollectionClientPerms,
		dbx.HashExp{"client": client.Id})
	if err != nil {
		return writeError(e, err)
	}
	out := make([]map[string]any, 0, len(perms))
	for _, p := range perms {
		out = append(out, permJSON(p))
	}
	return e.JSON(http.StatusOK, out)
}

type grantPermissionRequest struct {
	UserID                  string `json:"user_id"`
	CanView                 bool   `json:"can_view"`
	CanUpdate               bool   `json:"can_update"`
	CanViewToken            bool   `json:"can_view_token"`
	CanDownloadConfig       bool   `json:"can_download_config"`
	CanDownloadDockerConfig bool   `json:"can_download_docker_config"`
}

// grantClientPermission upserts the permission row for (user, client).
func (a *API) grantClientPermission(e *core.RequestEvent) error {
	client, err := a.app.FindRecordById(types.CollectionClients, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "client not found"))
	}
	if !a.canAccessClient(e, client, "") {
		return writeError(e, apperr.New(apperr.Permission, "not allowed to grant access to this client"))
	}
	var req grantPermissionRequest
	if err := e.BindBody(&req); err != nil || req.UserID == "" {
		return writeError(e, apperr.New(apperr.Validation, "user_id is required"))
	}
	if _, err := a.app.FindRecordById(types.CollectionUsers, req.UserID); err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "user not found"))
	}

	rec, err := a.app.FindFirstRecordByFilter(types.CollectionClientPerms,
		"user = {:user} && client = {:client}",
		dbx.Params{"user": req.UserID, "client": client.Id})
	if err != nil {
		col, err := a.app.FindCollectionByNameOrId(types.CollectionClientPerms)
		if err != nil {
			return writeError(e, err)
		}
		rec = core.NewRecord(col)
		rec.Set("user", req.UserID)
		rec.Set("client", client.Id)
	}
	rec.Set("can_view", req.CanView)
	rec.Set("can_update", req.CanUpdate)
	rec.Set("can_view_token", req.CanViewToken)
	rec.Set("can_download_config", req.CanDownloadConfig)
	rec.Set("can_download_docker_config", req.CanDownloadDockerConfig)
	if err := a.app.Save(rec); err != nil {
		return writeError(e, apperr.Wrap(err, apperr.Conflict, "save permission"))
	}
	return e.JSON(http.StatusOK, permJSON(rec))
}
