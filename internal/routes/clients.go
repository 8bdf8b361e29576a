package routes

import (
	"net/http"
	"strings"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"github.com/skeeeon/managed-nebula/internal/apperr"
	"github.com/skeeeon/managed-nebula/internal/ipam"
	"github.com/skeeeon/managed-nebula/internal/settings"
	"github.com/skeeeon/managed-nebula/internal/tokens"
	"github.com/skeeeon/managed-nebula/internal/types"
)

// clientJSON is the wire form of a client. The token field carries only the
// preview; the full value is revealed at creation and reissue, never on
// reads.
func (a *API) clientJSON(client *core.Record, includeToken bool) map[string]any {
	out := map[string]any{
		"id":                   client.Id,
		"name":                 client.GetString("name"),
		"is_lighthouse":        client.GetBool("is_lighthouse"),
		"public_ip":            client.GetString("public_ip"),
		"is_blocked":           client.GetBool("is_blocked"),
		"owner":                client.GetString("owner"),
		"ip_version":           client.GetString("ip_version"),
		"os_type":              client.GetString("os_type"),
		"client_version":       client.GetString("client_version"),
		"nebula_version":       client.GetString("nebula_version"),
		"config_last_changed":  client.GetDateTime("config_last_changed"),
		"last_config_download": client.GetDateTime("last_config_download"),
		"groups":               client.GetStringSlice("groups"),
		"rulesets":             client.GetStringSlice("rulesets"),
		"created":              client.GetDateTime("created"),
	}
	if primary, err := a.ipam.Primary(client.Id, "ipv4"); err == nil {
		out["ip_address"] = primary.GetString("ip_address")
	} else if primary, err := a.ipam.Primary(client.Id, "ipv6"); err == nil {
		out["ip_address"] = primary.GetString("ip_address")
	}
	if includeToken {
		if tok, err := a.app.FindFirstRecordByFilter(types.CollectionTokens,
			"client = {:client} && is_active = true", dbx.Params{"client": client.Id}); err == nil {
			out["token"] = tokens.Preview(tok.GetString("value"))
		}
	}
	return out
}

func (a *API) listClients(e *core.RequestEvent) error {
	records, err := a.app.FindRecordsByFilter(types.CollectionClients, "id != ''", "name", 0, 0)
	if err != nil {
		return writeError(e, err)
	}
	out := []map[string]any{}
	for _, c := range records {
		if a.canAccessClient(e, c, "can_view") {
			out = append(out, a.clientJSON(c, false))
		}
	}
	return e.JSON(http.StatusOK, out)
}

type createClientRequest struct {
	Name         string   `json:"name"`
	IsLighthouse bool     `json:"is_lighthouse"`
	PublicIP     string   `json:"public_ip"`
	IPVersion    string   `json:"ip_version"`
	OSType       string   `json:"os_type"`
	PoolID       string   `json:"pool_id"`
	IPGroupID    string   `json:"ip_group_id"`
	Groups       []string `json:"groups"`
	Rulesets     []string `json:"rulesets"`
	Owner        string   `json:"owner"`
}

// createClient provisions a node: record, overlay addresses, and a token in
// one transaction. The full token value is returned only here.
func (a *API) createClient(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	var req createClientRequest
	if err := e.BindBody(&req); err != nil {
		return writeError(e, apperr.Wrap(err, apperr.Validation, "invalid request body"))
	}
	if strings.TrimSpace(req.Name) == "" {
		return writeError(e, apperr.New(apperr.Validation, "name is required"))
	}
	topology := types.IPVersion(req.IPVersion)
	if req.IPVersion == "" {
		topology = types.IPVersionV4Only
	}
	if !topology.Valid() {
		return writeError(e, apperr.New(apperr.Validation, "unknown ip_version %q", req.IPVersion))
	}
	if req.IsLighthouse && strings.TrimSpace(req.PublicIP) == "" {
		return writeError(e, apperr.New(apperr.Validation, "lighthouse clients require public_ip"))
	}
	osType := types.OSType(req.OSType)
	if req.OSType == "" {
		osType = types.OSTypeDocker
	}
	if !osType.Valid() {
		return writeError(e, apperr.New(apperr.Validation, "unknown os_type %q", req.OSType))
	}

	owner := req.Owner
	if owner == "" && e.Auth != nil && e.Auth.Collection().Name == types.CollectionUsers {
		owner = e.Auth.Id
	}

	var client *core.Record
	var tokenValue string
	err := a.app.RunInTransaction(func(tx core.App) error {
		col, err := tx.FindCollectionByNameOrId(types.CollectionClients)
		if err != nil {
			return err
		}
		client = core.NewRecord(col)
		client.Set("name", req.Name)
		client.Set("is_lighthouse", req.IsLighthouse)
		client.Set("public_ip", req.PublicIP)
		client.Set("ip_version", string(topology))
		client.Set("os_type", string(osType))
		if owner != "" {
			client.Set("owner", owner)
		}
		client.Set("groups", req.Groups)
		client.Set("rulesets", req.Rulesets)
		if err := tx.Save(client); err != nil {
			return apperr.Wrap(err, apperr.Conflict, "save client")
		}

		if _, err := ipam.NewManager(tx).Allocate(client.Id, topology, req.PoolID, req.IPGroupID); err != nil {
			return err
		}
		_, tokenValue, err = tokens.NewManager(tx).Issue(client.Id, owner)
		return err
	})
	if err != nil {
		return writeError(e, err)
	}

	out := a.clientJSON(client, false)
	out["token"] = tokenValue
	return e.JSON(http.StatusOK, out)
}

func (a *API) getClient(e *core.RequestEvent) error {
	client, err := a.app.FindRecordById(types.CollectionClients, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "client not found"))
	}
	if !a.canAccessClient(e, client, "can_view") {
		return writeError(e, apperr.New(apperr.Permission, "not allowed to view this client"))
	}
	includeToken := a.canAccessClient(e, client, "can_view_token")
	return e.JSON(http.StatusOK, a.clientJSON(client, includeToken))
}

type updateClientRequest struct {
	Name         *string   `json:"name"`
	IsLighthouse *bool     `json:"is_lighthouse"`
	PublicIP     *string   `json:"public_ip"`
	IsBlocked    *bool     `json:"is_blocked"`
	OSType       *string   `json:"os_type"`
	Groups       *[]string `json:"groups"`
	Rulesets     *[]string `json:"rulesets"`
	Owner        *string   `json:"owner"`
}

func (a *API) updateClient(e *core.RequestEvent) error {
	client, err := a.app.FindRecordById(types.CollectionClients, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "client not found"))
	}
	if !a.canAccessClient(e, client, "can_update") {
		return writeError(e, apperr.New(apperr.Permission, "not allowed to update this client"))
	}
	var req updateClientRequest
	if err := e.BindBody(&req); err != nil {
		return writeError(e, apperr.Wrap(err, apperr.Validation, "invalid request body"))
	}

	if req.Name != nil {
		client.Set("name", *req.Name)
	}
	if req.IsLighthouse != nil {
		client.Set("is_lighthouse", *req.IsLighthouse)
	}
	if req.PublicIP != nil {
		client.Set("public_ip", *req.PublicIP)
	}
	if req.IsBlocked != nil {
		if !a.isAdmin(e) {
			return writeError(e, apperr.New(apperr.Permission, "only administrators may block clients"))
		}
		client.Set("is_blocked", *req.IsBlocked)
	}
	if req.OSType != nil {
		if !types.OSType(*req.OSType).Valid() {
			return writeError(e, apperr.New(apperr.Validation, "unknown os_type %q", *req.OSType))
		}
		client.Set("os_type", *req.OSType)
	}
	if req.Groups != nil {
		client.Set("groups", *req.Groups)
	}
	if req.Rulesets != nil {
		client.Set("rulesets", *req.Rulesets)
	}
	if req.Owner != nil {
		if !a.isAdmin(e) {
			return writeError(e, apperr.New(apperr.Permission, "only administrators may reassign owners"))
		}
		client.Set("owner", *req.Owner)
	}
	if client.GetBool("is_lighthouse") && client.GetString("public_ip") == "" {
		return writeError(e, apperr.New(apperr.Validation, "lighthouse clients require public_ip"))
	}

	if err := a.app.Save(client); err != nil {
		return writeError(e, apperr.Wrap(err, apperr.Conflict, "save client"))
	}
	return e.JSON(http.StatusOK, a.clientJSON(client, false))
}

// deleteClient removes the node; tokens, certs, assignments, permissions,
// and enrollment codes cascade.
func (a *API) deleteClient(e *core.RequestEvent) error {
	if !a.requireAdmin(e) {
		return nil
	}
	client, err := a.app.FindRecordById(types.CollectionClients, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "client not found"))
	}
	if err := a.app.Delete(client); err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

func (a *API) reissueToken(e *core.RequestEvent) error {
	client, err := a.app.FindRecordById(types.CollectionClients, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "client not found"))
	}
	if !a.canAccessClient(e, client, "can_view_token") {
		return writeError(e, apperr.New(apperr.Permission, "not allowed to reissue this client's token"))
	}
	owner := ""
	if e.Auth != nil && e.Auth.Collection().Name == types.CollectionUsers {
		owner = e.Auth.Id
	}
	tok, value, oldID, err := a.tokens.Reissue(client.Id, owner)
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"id":           tok.Id,
		"token":        value,
		"client_id":    client.Id,
		"created_at":   tok.GetDateTime("created"),
		"old_token_id": oldID,
	})
}

// previewConfig returns the config a client would receive, built around its
// current certificate.
func (a *API) previewConfig(e *core.RequestEvent) error {
	client, err := a.app.FindRecordById(types.CollectionClients, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "client not found"))
	}
	if !a.canAccessClient(e, client, "can_download_config") {
		return writeError(e, apperr.New(apperr.Permission, "not allowed to view this client's config"))
	}
	configYAML, certPEM, caPEMs, err := a.builder.Preview(client)
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"config_yaml":     configYAML,
		"client_cert_pem": certPEM,
		"ca_chain_pems":   caPEMs,
	})
}

// dockerCompose renders the compose template with per-client placeholders.
func (a *API) dockerCompose(e *core.RequestEvent) error {
	client, err := a.app.FindRecordById(types.CollectionClients, e.Request.PathValue("id"))
	if err != nil {
		return writeError(e, apperr.New(apperr.NotFound, "client not found"))
	}
	if !a.canAccessClient(e, client, "can_download_docker_config") {
		return writeError(e, apperr.New(apperr.Permission, "not allowed to download this client's compose file"))
	}

	cfg, err := settings.Load(a.app)
	if err != nil {
		return writeError(e, err)
	}
	tok, err := a.app.FindFirstRecordByFilter(types.CollectionTokens,
		"client = {:client} && is_active = true", dbx.Params{"client": client.Id})
	if err != nil {
		return writeError(e, apperr.New(apperr.Prerequisite, "client has no active token"))
	}

	tpl := cfg.DockerComposeTemplate
	if strings.TrimSpace(tpl) == "" {
		tpl = settings.DefaultComposeTemplate
	}
	rendered := strings.NewReplacer(
		"{{SERVER_URL}}", cfg.ServerURL,
		"{{CLIENT_TOKEN}}", tok.GetString("value"),
		"{{IMAGE}}", cfg.ClientDockerImage,
	).Replace(tpl)

	return e.Blob(http.StatusOK, "application/yaml", []byte(rendered))
}
