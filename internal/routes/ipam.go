package routes

import (
	"net/http"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"github.com/skeeeon/managed-nebula/internal/apperr"
	"github.com/skeeeon/managed-nebula/internal/ipam"
	"github.com/skeeeon/managed-nebula/internal/types"
)

func poolJSON(rec *core.Record) map[string]any {
	return map[string]any{
		"id":          rec.Id,
		"cidr":        rec.GetString("cidr"),
		"description": rec.GetString("description"),
		"created":     rec.GetDateTime("created"),
	}
}

func (a *API) listPools(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	records, err := a.app.FindRecordsByFilter(types.CollectionIPPools, "id != ''", "cidr", 0, 0)
	if err != nil {
		return writeError(e, err)
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, poolJSON(rec))
	}
	return e.JSON(http.StatusOK, out)
}

type poolRequest struct {
	CIDR        string `json:"cidr"`
	Description string `json:"description"`
}

func (a *API) createPool(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	var req poolRequest
	if err := e.BindBody(&req); err != nil || req.CIDR == "" {
		return writeError(e, apperr.New(apperr.Validation, "cidr is required"))
	}
	if _, err := ipam.ValidatePoolCIDR(req.CIDR); err != nil {
		return writeError(e, err)
	}
	col, err := a.app.FindCollectionByNameOrId(types.CollectionIPPools)
	if err != nil {
		return writeError(e, err)
	}
	rec := core.NewRecord(col)
	rec.Set("cidr", req.CIDR)
	rec.Set("description", req.Description)
	if err := a.app.Save(rec); err != nil {
		return writeError(e, apperr.Wrap(err, apperr.Conflict, "save pool"))
	}
	return e.JSON(http.StatusOK, poolJSON(rec))
}

// updatePool allows description edits freely; the CIDR is immutable once any
// address has been assigned from the pool.
func (a *API) updatePool(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	rec, err := a.app.FindRecordById(types.CollectionIPPools, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "pool not found"))
	}
	var req poolRequest
	if err := e.BindBody(&req); err != nil {
		return writeError(e, apperr.Wrap(err, apperr.Validation, "invalid request body"))
	}
	if req.CIDR != "" && req.CIDR != rec.GetString("cidr") {
		if n := a.assignmentCount(rec.Id); n > 0 {
			return writeError(e, apperr.New(apperr.Conflict,
				"pool has %d assigned addresses; cidr cannot change", n))
		}
		if _, err := ipam.ValidatePoolCIDR(req.CIDR); err != nil {
			return writeError(e, err)
		}
		rec.Set("cidr", req.CIDR)
	}
	rec.Set("description", req.Description)
	if err := a.app.Save(rec); err != nil {
		return writeError(e, apperr.Wrap(err, apperr.Conflict, "save pool"))
	}
	return e.JSON(http.StatusOK, poolJSON(rec))
}

func (a *API) deletePool(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	rec, err := a.app.FindRecordById(types.CollectionIPPools, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "pool not found"))
	}
	if n := a.assignmentCount(rec.Id); n > 0 {
		return writeError(e, apperr.New(apperr.Conflict,
			"pool has %d assigned addresses and cannot be deleted", n))
	}
	if err := a.app.Delete(rec); err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

func (a *API) assignmentCount(poolID string) int {
	records, err := a.app.FindAllRecords(types.CollectionAssignments,
		dbx.HashExp{"pool": poolID})
	if err != nil {
		return 0
	}
	return len(records)
}

func ipGroupJSON(rec *core.Record) map[string]any {
	return map[string]any{
		"id":       rec.Id,
		"name":     rec.GetString("name"),
		"pool":     rec.GetString("pool"),
		"start_ip": rec.GetString("start_ip"),
		"end_ip":   rec.GetString("end_ip"),
	}
}

func (a *API) listIPGroups(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	records, err := a.app.FindRecordsByFilter(types.CollectionIPGroups, "id != ''", "name", 0, 0)
	if err != nil {
		return writeError(e, err)
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, ipGroupJSON(rec))
	}
	return e.JSON(http.StatusOK, out)
}

type ipGroupRequest struct {
	Name    string `json:"name"`
	PoolID  string `json:"pool_id"`
	StartIP string `json:"start_ip"`
	EndIP   string `json:"end_ip"`
}

func (a *API) createIPGroup(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	var req ipGroupRequest
	if err := e.BindBody(&req); err != nil || req.Name == "" || req.PoolID == "" {
		return writeError(e, apperr.New(apperr.Validation, "name and pool_id are required"))
	}
	pool, err := a.app.FindRecordById(types.CollectionIPPools, req.PoolID)
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "pool not found"))
	}
	if _, err := ipam.ValidateGroupRange(pool.GetString("cidr"), req.StartIP, req.EndIP); err != nil {
		return writeError(e, err)
	}
	col, err := a.app.FindCollectionByNameOrId(types.CollectionIPGroups)
	if err != nil {
		return writeError(e, err)
	}
	rec := core.NewRecord(col)
	rec.Set("name", req.Name)
	rec.Set("pool", pool.Id)
	rec.Set("start_ip", req.StartIP)
	rec.Set("end_ip", req.EndIP)
	if err := a.app.Save(rec); err != nil {
		return writeError(e, apperr.Wrap(err, apperr.Conflict, "save ip group"))
	}
	return e.JSON(http.StatusOK, ipGroupJSON(rec))
}

func (a *API) deleteIPGroup(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	rec, err := a.app.FindRecordById(types.CollectionIPGroups, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "ip group not found"))
	}
	assigned, err := a.app.FindAllRecords(types.CollectionAssignments,
		dbx.HashExp{"ip_group": rec.Id})
	if err == nil && len(assigned) > 0 {
		return writeError(e, apperr.New(apperr.Conflict,
			"ip group has %d assigned addresses and cannot be deleted", len(assigned)))
	}
	if err := a.app.Delete(rec); err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}
