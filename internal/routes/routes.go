package routes

import (
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"github.com/skeeeon/managed-nebula/internal/certs"
	"github.com/skeeeon/managed-nebula/internal/confgen"
	"github.com/skeeeon/managed-nebula/internal/ipam"
	"github.com/skeeeon/managed-nebula/internal/tokens"
)

// Version is the control plane release identifier reported by /v1/version.
const Version = "1.4.0"

// API carries the handler dependencies.
type API struct {
	app     core.App
	certs   *certs.Manager
	ipam    *ipam.Manager
	builder *confgen.Builder
	tokens  *tokens.Manager
}

// NewAPI wires the route handlers to their collaborators.
func NewAPI(app core.App, certManager *certs.Manager, ipamManager *ipam.Manager,
	builder *confgen.Builder, tokenManager *tokens.Manager) *API {
	return &API{
		app:     app,
		certs:   certManager,
		ipam:    ipamManager,
		builder: builder,
		tokens:  tokenManager,
	}
}

// Bind registers every route on the serve event router.
//
// SURFACE LAYOUT:
// - Public: healthz, version, the secret-scanning pattern document, the
//   HMAC-gated partner webhooks, token-authenticated client config, and
//   enrollment exchange.
// - Session-authenticated under /v1: everything else, with admin/owner
//   gating inside the handlers.
func (a *API) Bind(se *core.ServeEvent) {
	r := se.Router

	// Public surface.
	r.GET("/v1/healthz", a.healthz)
	r.GET("/v1/version", a.version)
	r.POST("/v1/client/config", a.clientConfig)
	r.POST("/v1/enroll", a.enroll)
	r.GET("/.well-known/secret-scanning.json", a.scanPatterns)
	r.POST("/v1/github/secret-scanning/verify", a.scanVerify)
	r.POST("/v1/github/secret-scanning/revoke", a.scanRevoke)

	// Session surface.
	g := r.Group("/v1")
	g.Bind(apis.RequireAuth())

	g.GET("/clients", a.listClients)
	g.POST("/clients", a.createClient)
	g.GET("/clients/{id}", a.getClient)
	g.PUT("/clients/{id}", a.updateClient)
	g.DELETE("/clients/{id}", a.deleteClient)
	g.POST("/clients/{id}/token/reissue", a.reissueToken)
	g.GET("/clients/{id}/config", a.previewConfig)
	g.GET("/clients/{id}/docker-compose", a.dockerCompose)
	g.POST("/clients/{id}/enrollment-code", a.createEnrollmentCode)

	g.GET("/ca", a.listCAs)
	g.POST("/ca/create", a.createCA)
	g.POST("/ca/import", a.importCA)
	g.POST("/ca/{id}/set-signing", a.setSigningCA)
	g.DELETE("/ca/{id}", a.deleteCA)

	g.GET("/ip-pools", a.listPools)
	g.POST("/ip-pools", a.createPool)
	g.PUT("/ip-pools/{id}", a.updatePool)
	g.DELETE("/ip-pools/{id}", a.deletePool)
	g.GET("/ip-groups", a.listIPGroups)
	g.POST("/ip-groups", a.createIPGroup)
	g.DELETE("/ip-groups/{id}", a.deleteIPGroup)

	g.GET("/groups", a.listGroups)
	g.POST("/groups", a.createGroup)
	g.DELETE("/groups/{id}", a.deleteGroup)
	g.GET("/firewall-rules", a.listRules)
	g.POST("/firewall-rules", a.createRule)
	g.DELETE("/firewall-rules/{id}", a.deleteRule)
	g.GET("/firewall-rulesets", a.listRulesets)
	g.POST("/firewall-rulesets", a.createRuleset)
	g.PUT("/firewall-rulesets/{id}", a.updateRuleset)
	g.DELETE("/firewall-rulesets/{id}", a.deleteRuleset)

	g.GET("/user-groups", a.listUserGroups)
	g.POST("/user-groups", a.createUserGroup)
	g.DELETE("/user-groups/{id}", a.deleteUserGroup)
	g.POST("/user-groups/{id}/members", a.addMember)
	g.DELETE("/user-groups/{id}/members/{userId}", a.removeMember)
	g.GET("/user-groups/{id}/permissions", a.listGroupPermissions)
	g.GET("/clients/{id}/permissions", a.listClientPermissions)
	g.POST("/clients/{id}/permissions", a.grantClientPermission)
}
