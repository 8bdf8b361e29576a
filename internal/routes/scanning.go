package routes

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pocketbase/pocketbase/core"

	"github.com/skeeeon/managed-nebula/internal/apperr"
	"github.com/skeeeon/managed-nebula/internal/settings"
	"github.com/skeeeon/managed-nebula/internal/tokens"
)

// signatureHeader carries the partner's hex-encoded HMAC over the raw body.
const signatureHeader = "X-Hub-Signature-256"

// scanPatterns advertises the token shape at a well-known URL so scanning
// partners can discover it.
func (a *API) scanPatterns(e *core.RequestEvent) error {
	return e.JSON(http.StatusOK, map[string]any{
		"patterns": a.tokens.Patterns(),
	})
}

// scanBody authenticates and decodes a partner webhook. The HMAC covers the
// raw bytes, so the body must be read before any JSON decoding.
func (a *API) scanBody(e *core.RequestEvent) ([]tokens.ScanFinding, error) {
	body, err := io.ReadAll(e.Request.Body)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Validation, "read request body")
	}
	if err := a.tokens.VerifySignature(body, e.Request.Header.Get(signatureHeader)); err != nil {
		return nil, err
	}
	var findings []tokens.ScanFinding
	if err := json.Unmarshal(body, &findings); err != nil {
		return nil, apperr.Wrap(err, apperr.Validation, "decode findings")
	}
	return findings, nil
}

// scanVerify reports which findings correspond to known tokens. Unknown
// tokens get no row.
func (a *API) scanVerify(e *core.RequestEvent) error {
	findings, err := a.scanBody(e)
	if err != nil {
		return writeError(e, err)
	}
	cfg, _ := settings.Load(a.app)
	matches := a.tokens.Verify(findings, func(clientID string) string {
		if cfg == nil || cfg.ServerURL == "" {
			return ""
		}
		return cfg.ServerURL + "/clients/" + clientID
	})
	return e.JSON(http.StatusOK, matches)
}

// scanRevoke deactivates every leaked token in the payload.
func (a *API) scanRevoke(e *core.RequestEvent) error {
	findings, err := a.scanBody(e)
	if err != nil {
		return writeError(e, err)
	}
	revoked, err := a.tokens.RevokeLeaked(findings)
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]int{"revoked_count": revoked})
}
