package tokens

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/pocketbase/pocketbase/core"

	"github.com/skeeeon/managed-nebula/internal/apperr"
	"github.com/skeeeon/managed-nebula/internal/settings"
	"github.com/skeeeon/managed-nebula/internal/types"
)

// SecretScanningTokenType is the pattern identifier advertised to the
// secret-scanning partner.
const SecretScanningTokenType = "managed_nebula_client_token"

// ScanPattern is one advertised secret pattern.
type ScanPattern struct {
	Type    string `json:"type"`
	Pattern string `json:"pattern"`
}

// ScanFinding is one token the partner found in a public repository.
type ScanFinding struct {
	Token string `json:"token"`
	URL   string `json:"url"`
	Type  string `json:"type"`
}

// ScanMatch is the verification response row for a known token. Unknown
// tokens produce no row at all.
type ScanMatch struct {
	Token    string `json:"token"`
	Type     string `json:"type"`
	Label    string `json:"label"`
	URL      string `json:"url"`
	IsActive bool   `json:"is_active"`
}

// Patterns returns the advertised pattern set for the current prefix.
func (m *Manager) Patterns() []ScanPattern {
	return []ScanPattern{{
		Type:    SecretScanningTokenType,
		Pattern: m.Prefix() + fmt.Sprintf("[a-z0-9]{%d}", types.TokenSuffixLength),
	}}
}

// VerifySignature checks the partner's HMAC-SHA-256 over the raw request
// body. An unset webhook secret rejects everything.
func (m *Manager) VerifySignature(body []byte, signature string) error {
	return CheckSignature(settings.GetSystem(m.app, types.SettingWebhookSecret, ""), body, signature)
}

// CheckSignature performs the constant-time HMAC comparison. An empty
// secret rejects everything.
func CheckSignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return apperr.New(apperr.Auth, "secret scanning webhook secret is not configured")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return apperr.New(apperr.Auth, "invalid webhook signature")
	}
	return nil
}

// Verify resolves findings to known tokens. Unknown tokens are silently
// dropped so the endpoint leaks nothing about what exists.
func (m *Manager) Verify(findings []ScanFinding, clientURL func(clientID string) string) []ScanMatch {
	matches := []ScanMatch{}
	for _, f := range findings {
		tok, err := m.Lookup(f.Token)
		if err != nil {
			continue
		}
		label := ""
		url := f.URL
		if client, err := m.app.FindRecordById(types.CollectionClients, tok.GetString("client")); err == nil {
			label = client.GetString("name")
			if clientURL != nil {
				url = clientURL(client.Id)
			}
		}
		matches = append(matches, ScanMatch{
			Token:    f.Token,
			Type:     SecretScanningTokenType,
			Label:    label,
			URL:      url,
			IsActive: tok.GetBool("is_active"),
		})
	}
	return matches
}

// RevokeLeaked deactivates every matching active token and writes one audit
// row per finding. Returns how many tokens were actually deactivated; a
// repeat call for the same tokens reports zero.
func (m *Manager) RevokeLeaked(findings []ScanFinding) (int, error) {
	revoked := 0
	err := m.app.RunInTransaction(func(tx core.App) error {
		inner := NewManager(tx)
		for _, f := range findings {
			tok, err := inner.Lookup(f.Token)
			if err != nil {
				continue
			}
			wasActive := tok.GetBool("is_active")
			if wasActive {
				tok.Set("is_active", false)
				if err := tx.Save(tok); err != nil {
					return fmt.Errorf("deactivate leaked token: %w", err)
				}
				revoked++
			}
			if err := writeAudit(tx, "secret_scanning_revoke", tok, f.URL, wasActive); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return revoked, nil
}

func writeAudit(app core.App, action string, tok *core.Record, githubURL string, wasActive bool) error {
	col, err := app.FindCollectionByNameOrId(types.CollectionAuditLog)
	if err != nil {
		return err
	}
	rec := core.NewRecord(col)
	rec.Set("action", action)
	rec.Set("token_preview", Preview(tok.GetString("value")))
	rec.Set("github_url", githubURL)
	rec.Set("is_active", wasActive)
	rec.Set("client", tok.GetString("client"))
	return app.Save(rec)
}
