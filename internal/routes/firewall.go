package routes

import (
	"net/http"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"github.com/skeeeon/managed-nebula/internal/apperr"
	"github.com/skeeeon/managed-nebula/internal/types"
)

func (a *API) listGroups(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	records, err := a.app.FindRecordsByFilter(types.CollectionGroups, "id != ''", "name", 0, 0)
	if err != nil {
		return writeError(e, err)
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"id":          rec.Id,
			"name":        rec.GetString("name"),
			"description": rec.GetString("description"),
		})
	}
	return e.JSON(http.StatusOK, out)
}

type groupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (a *API) createGroup(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	var req groupRequest
	if err := e.BindBody(&req); err != nil || req.Name == "" {
		return writeError(e, apperr.New(apperr.Validation, "name is required"))
	}
	col, err := a.app.FindCollectionByNameOrId(types.CollectionGroups)
	if err != nil {
		return writeError(e, err)
	}
	rec := core.NewRecord(col)
	rec.Set("name", req.Name)
	rec.Set("description", req.Description)
	if err := a.app.Save(rec); err != nil {
		return writeError(e, apperr.Wrap(err, apperr.Conflict, "save group"))
	}
	return e.JSON(http.StatusOK, map[string]any{"id": rec.Id, "name": req.Name})
}

// deleteGroup refuses while clients or rules still reference the group. A
// dangling reference would silently change firewall semantics.
func (a *API) deleteGroup(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	rec, err := a.app.FindRecordById(types.CollectionGroups, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "group not found"))
	}
	clients, _ := a.app.FindRecordsByFilter(types.CollectionClients,
		"groups ~ {:id}", "", 1, 0, dbx.Params{"id": rec.Id})
	if len(clients) > 0 {
		return writeError(e, apperr.New(apperr.Conflict,
			"group is assigned to clients and cannot be deleted"))
	}
	rules, _ := a.app.FindRecordsByFilter(types.CollectionRules,
		"groups ~ {:id}", "", 1, 0, dbx.Params{"id": rec.Id})
	if len(rules) > 0 {
		return writeError(e, apperr.New(apperr.Conflict,
			"group is referenced by firewall rules and cannot be deleted"))
	}
	if err := a.app.Delete(rec); err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

func ruleJSON(rec *core.Record) map[string]any {
	return map[string]any{
		"id":         rec.Id,
		"name":       rec.GetString("name"),
		"direction":  rec.GetString("direction"),
		"port":       rec.GetString("port"),
		"proto":      rec.GetString("proto"),
		"host":       rec.GetString("host"),
		"cidr":       rec.GetString("cidr"),
		"local_cidr": rec.GetString("local_cidr"),
		"ca_name":    rec.GetString("ca_name"),
		"ca_sha":     rec.GetString("ca_sha"),
		"groups":     rec.GetStringSlice("groups"),
	}
}

func (a *API) listRules(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	records, err := a.app.FindRecordsByFilter(types.CollectionRules, "id != ''", "name", 0, 0)
	if err != nil {
		return writeError(e, err)
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, ruleJSON(rec))
	}
	return e.JSON(http.StatusOK, out)
}

type ruleRequest struct {
	Name      string   `json:"name"`
	Direction string   `json:"direction"`
	Port      string   `json:"port"`
	Proto     string   `json:"proto"`
	Host      string   `json:"host"`
	CIDR      string   `json:"cidr"`
	LocalCIDR string   `json:"local_cidr"`
	CAName    string   `json:"ca_name"`
	CASha     string   `json:"ca_sha"`
	Groups    []string `json:"groups"`
}

func (a *API) createRule(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	var req ruleRequest
	if err := e.BindBody(&req); err != nil {
		return writeError(e, apperr.Wrap(err, apperr.Validation, "invalid request body"))
	}
	if req.Direction != "inbound" && req.Direction != "outbound" {
		return writeError(e, apperr.New(apperr.Validation,
			"direction must be inbound or outbound"))
	}
	col, err := a.app.FindCollectionByNameOrId(types.CollectionRules)
	if err != nil {
		return writeError(e, err)
	}
	rec := core.NewRecord(col)
	rec.Set("name", req.Name)
	rec.Set("direction", req.Direction)
	rec.Set("port", req.Port)
	rec.Set("proto", req.Proto)
	rec.Set("host", req.Host)
	rec.Set("cidr", req.CIDR)
	rec.Set("local_cidr", req.LocalCIDR)
	rec.Set("ca_name", req.CAName)
	rec.Set("ca_sha", req.CASha)
	rec.Set("groups", req.Groups)
	if err := a.app.Save(rec); err != nil {
		return writeError(e, apperr.Wrap(err, apperr.Conflict, "save rule"))
	}
	return e.JSON(http.StatusOK, ruleJSON(rec))
}

func (a *API) deleteRule(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	rec, err := a.app.FindRecordById(types.CollectionRules, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "rule not found"))
	}
	rulesets, _ := a.app.FindRecordsByFilter(types.CollectionRulesets,
		"rules ~ {:id}", "", 1, 0, dbx.Params{"id": rec.Id})
	if len(rulesets) > 0 {
		return writeError(e, apperr.New(apperr.Conflict,
			"rule is referenced by rulesets and cannot be deleted"))
	}
	if err := a.app.Delete(rec); err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

func rulesetJSON(rec *core.Record) map[string]any {
	return map[string]any{
		"id":          rec.Id,
		"name":        rec.GetString("name"),
		"description": rec.GetString("description"),
		"rules":       rec.GetStringSlice("rules"),
	}
}

func (a *API) listRulesets(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	records, err := a.app.FindRecordsByFilter(types.CollectionRulesets, "id != ''", "name", 0, 0)
	if err != nil {
		return writeError(e, err)
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, rulesetJSON(rec))
	}
	return e.JSON(http.StatusOK, out)
}

type rulesetRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rules       []string `json:"rules"`
}

func (a *API) createRuleset(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	var req rulesetRequest
	if err := e.BindBody(&req); err != nil || req.Name == "" {
		return writeError(e, apperr.New(apperr.Validation, "name is required"))
	}
	col, err := a.app.FindCollectionByNameOrId(types.CollectionRulesets)
	if err != nil {
		return writeError(e, err)
	}
	rec := core.NewRecord(col)
	rec.Set("name", req.Name)
	rec.Set("description", req.Description)
	rec.Set("rules", req.Rules)
	if err := a.app.Save(rec); err != nil {
		return writeError(e, apperr.Wrap(err, apperr.Conflict, "save ruleset"))
	}
	return e.JSON(http.StatusOK, rulesetJSON(rec))
}

func (a *API) updateRuleset(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	rec, err := a.app.FindRecordById(types.CollectionRulesets, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "ruleset not found"))
	}
	var req rulesetRequest
	if err := e.BindBody(&req); err != nil {
		return writeError(e, apperr.Wrap(err, apperr.Validation, "invalid request body"))
	}
	if req.Name != "" {
		rec.Set("name", req.Name)
	}
	rec.Set("description", req.Description)
	if req.Rules != nil {
		rec.Set("rules", req.Rules)
	}
	if err := a.app.Save(rec); err != nil {
		return writeError(e, apperr.Wrap(err, apperr.Conflict, "save ruleset"))
	}
	return e.JSON(http.StatusOK, rulesetJSON(rec))
}

func (a *API) deleteRuleset(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	rec, err := a.app.FindRecordById(types.CollectionRulesets, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "ruleset not found"))
	}
	clients, _ := a.app.FindRecordsByFilter(types.CollectionClients,
		"rulesets ~ {:id}", "", 1, 0, dbx.Params{"id": rec.Id})
	if len(clients) > 0 {
		return writeError(e, apperr.New(apperr.Conflict,
			"ruleset is assigned to clients and cannot be deleted"))
	}
	if err := a.app.Delete(rec); err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}
