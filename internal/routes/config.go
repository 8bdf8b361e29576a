package routes

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"github.com/skeeeon/managed-nebula/internal/apperr"
	"github.com/skeeeon/managed-nebula/internal/confgen"
	"github.com/skeeeon/managed-nebula/internal/nebulacert"
	"github.com/skeeeon/managed-nebula/internal/settings"
	"github.com/skeeeon/managed-nebula/internal/types"
)

func (a *API) healthz(e *core.RequestEvent) error {
	return e.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// version reports the control plane release and the Nebula version agents
// are expected to run. Agents upgrade their local binary on drift.
func (a *API) version(e *core.RequestEvent) error {
	cfg, err := settings.Load(a.app)
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]string{
		"managed_nebula_version": Version,
		"nebula_version":         cfg.NebulaVersion,
	})
}

type configRequest struct {
	Token         string `json:"token"`
	PublicKey     string `json:"public_key"`
	ClientVersion string `json:"client_version"`
	NebulaVersion string `json:"nebula_version"`
	OSType        string `json:"os_type"`
}

// clientConfig is the hot path: authenticate the token, assemble the full
// config bundle, and stamp the download.
func (a *API) clientConfig(e *core.RequestEvent) error {
	var req configRequest
	if err := e.BindBody(&req); err != nil {
		return writeError(e, apperr.Wrap(err, apperr.Validation, "invalid request body"))
	}

	client, err := a.tokens.Authenticate(req.Token)
	if err != nil {
		return writeError(e, err)
	}

	if err := nebulacert.ValidatePublicKey(req.PublicKey); err != nil {
		return writeError(e, err)
	}

	bundle, err := a.builder.Build(e.Request.Context(), client, confgen.Report{
		PublicKeyPEM:  req.PublicKey,
		ClientVersion: req.ClientVersion,
		NebulaVersion: req.NebulaVersion,
		OSType:        types.OSType(req.OSType),
	})
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, bundle)
}

type enrollRequest struct {
	Code string `json:"code"`
}

// enroll exchanges a single-use enrollment code for the client's token.
func (a *API) enroll(e *core.RequestEvent) error {
	var req enrollRequest
	if err := e.BindBody(&req); err != nil || req.Code == "" {
		return writeError(e, apperr.New(apperr.Validation, "enrollment code is required"))
	}

	code, err := a.app.FindFirstRecordByFilter(types.CollectionEnrollCodes,
		"code = {:code}", dbx.Params{"code": req.Code})
	if err != nil {
		return writeError(e, apperr.New(apperr.Auth, "unknown enrollment code"))
	}
	if code.GetBool("is_used") {
		return writeError(e, apperr.New(apperr.Auth, "enrollment code already used"))
	}
	if code.GetDateTime("expires_at").Time().Before(time.Now()) {
		return writeError(e, apperr.New(apperr.Auth, "enrollment code expired"))
	}

	clientID := code.GetString("client")
	tok, err := a.app.FindFirstRecordByFilter(types.CollectionTokens,
		"client = {:client} && is_active = true", dbx.Params{"client": clientID})
	var value string
	if err != nil {
		_, value, err = a.tokens.Issue(clientID, "")
		if err != nil {
			return writeError(e, err)
		}
	} else {
		value = tok.GetString("value")
	}

	code.Set("is_used", true)
	if err := a.app.Save(code); err != nil {
		return writeError(e, err)
	}

	cfg, _ := settings.Load(a.app)
	serverURL := ""
	if cfg != nil {
		serverURL = cfg.ServerURL
	}
	return e.JSON(http.StatusOK, map[string]string{
		"token":      value,
		"server_url": serverURL,
	})
}

// createEnrollmentCode mints a 15-minute single-use code for a client.
func (a *API) createEnrollmentCode(e *core.RequestEvent) error {
	client, err := a.app.FindRecordById(types.CollectionClients, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "client not found"))
	}
	if !a.canAccessClient(e, client, "can_view_token") {
		return writeError(e, apperr.New(apperr.Permission, "not allowed to enroll this client"))
	}

	col, err := a.app.FindCollectionByNameOrId(types.CollectionEnrollCodes)
	if err != nil {
		return writeError(e, err)
	}
	rec := core.NewRecord(col)
	rec.Set("code", uuid.NewString())
	rec.Set("client", client.Id)
	rec.Set("expires_at", time.Now().Add(15*time.Minute).UTC())
	rec.Set("is_used", false)
	if err := a.app.Save(rec); err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"code":       rec.GetString("code"),
		"client_id":  client.Id,
		"expires_at": rec.GetDateTime("expires_at"),
	})
}
