package routes

import (
	"net/http"
	"time"

	"github.com/pocketbase/pocketbase/core"

	"github.com/skeeeon/managed-nebula/internal/apperr"
	"github.com/skeeeon/managed-nebula/internal/types"
)

func caJSON(rec *core.Record) map[string]any {
	return map[string]any{
		"id":                rec.Id,
		"name":              rec.GetString("name"),
		"not_before":        rec.GetDateTime("not_before"),
		"not_after":         rec.GetDateTime("not_after"),
		"is_active":         rec.GetBool("is_active"),
		"is_previous":       rec.GetBool("is_previous"),
		"can_sign":          rec.GetBool("can_sign"),
		"include_in_config": rec.GetBool("include_in_config"),
		"cert_version":      rec.GetString("cert_version"),
		"has_private_key":   rec.GetString("pem_key") != "",
		"created":           rec.GetDateTime("created"),
	}
}

func (a *API) listCAs(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	records, err := a.app.FindRecordsByFilter(types.CollectionCAs, "id != ''", "-not_after", 0, 0)
	if err != nil {
		return writeError(e, err)
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, caJSON(rec))
	}
	return e.JSON(http.StatusOK, out)
}

type createCARequest struct {
	Name        string `json:"name"`
	CertVersion string `json:"cert_version"`
}

func (a *API) createCA(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	var req createCARequest
	if err := e.BindBody(&req); err != nil || req.Name == "" {
		return writeError(e, apperr.New(apperr.Validation, "name is required"))
	}
	version := types.CertVersion(req.CertVersion)
	if req.CertVersion == "" {
		version = types.CertVersionV1
	}
	if version != types.CertVersionV1 && version != types.CertVersionV2 {
		return writeError(e, apperr.New(apperr.Validation,
			"cert_version must be v1 or v2; hybrid is a client setting, not a CA property"))
	}
	rec, err := a.certs.CreateCA(e.Request.Context(), req.Name, version)
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, caJSON(rec))
}

type importCARequest struct {
	Name    string `json:"name"`
	CertPEM string `json:"cert_pem"`
	KeyPEM  string `json:"key_pem"`
}

func (a *API) importCA(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	var req importCARequest
	if err := e.BindBody(&req); err != nil || req.CertPEM == "" {
		return writeError(e, apperr.New(apperr.Validation, "cert_pem is required"))
	}
	rec, err := a.certs.ImportCA(req.Name, req.CertPEM, req.KeyPEM)
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, caJSON(rec))
}

// setSigningCA promotes a stored CA to the active signer for its version,
// demoting the current one into the overlap window.
func (a *API) setSigningCA(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	rec, err := a.app.FindRecordById(types.CollectionCAs, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "ca not found"))
	}
	if rec.GetString("pem_key") == "" {
		return writeError(e, apperr.New(apperr.Validation,
			"ca was imported without a private key and cannot sign"))
	}
	if rec.GetDateTime("not_after").Time().Before(time.Now()) {
		return writeError(e, apperr.New(apperr.Validation, "ca has expired"))
	}
	err = a.certs.Promote(rec)
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, caJSON(rec))
}

// deleteCA refuses while the CA is active; retire it first.
func (a *API) deleteCA(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	rec, err := a.app.FindRecordById(types.CollectionCAs, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "ca not found"))
	}
	if rec.GetBool("is_active") {
		return writeError(e, apperr.New(apperr.Conflict,
			"ca is still active; demote it before deleting"))
	}
	if err := a.app.Delete(rec); err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}
