// Package tokens implements client token issuance, validation, and the
// GitHub secret-scanning partner hooks that neutralize leaked tokens.
package tokens

import (
	"crypto/rand"
	"fmt"
	"regexp"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"github.com/skeeeon/managed-nebula/internal/apperr"
	"github.com/skeeeon/managed-nebula/internal/settings"
	"github.com/skeeeon/managed-nebula/internal/types"
)

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var (
	prefixPattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)
	// legacyPattern matches pre-prefix tokens still in circulation.
	legacyPattern = regexp.MustCompile(`^[A-Za-z0-9]{32,}$`)
)

// Manager issues and validates client tokens.
type Manager struct {
	app core.App
}

// NewManager creates a token manager.
func NewManager(app core.App) *Manager {
	return &Manager{app: app}
}

// Prefix returns the configured token prefix.
func (m *Manager) Prefix() string {
	return settings.GetSystem(m.app, types.SettingTokenPrefix, types.DefaultTokenPrefix)
}

// SetPrefix validates and stores a new token prefix. Existing tokens keep
// their old prefix and stay valid through the legacy pattern.
func (m *Manager) SetPrefix(prefix, updatedBy string) error {
	if !prefixPattern.MatchString(prefix) {
		return apperr.New(apperr.Validation,
			"token prefix must be 3-20 alphanumeric or underscore characters")
	}
	return settings.SetSystem(m.app, types.SettingTokenPrefix, prefix, updatedBy)
}

// Generate produces a fresh token value: prefix plus 32 lowercase
// alphanumerics from a cryptographic RNG.
func (m *Manager) Generate() (string, error) {
	suffix, err := randomSuffix(types.TokenSuffixLength)
	if err != nil {
		return "", err
	}
	return m.Prefix() + suffix, nil
}

// randomSuffix draws n uniform characters from the suffix alphabet. Bytes at
// or above the largest multiple of the alphabet size are discarded, so no
// character is more likely than another.
func randomSuffix(n int) (string, error) {
	limit := len(suffixAlphabet) * (256 / len(suffixAlphabet))
	out := make([]byte, 0, n)
	buf := make([]byte, 2*n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("token entropy: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, suffixAlphabet[int(b)%len(suffixAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// ValidFormat reports whether value looks like a token we could have
// issued: the current prefixed form, or the legacy bare form.
func (m *Manager) ValidFormat(value string) bool {
	return FormatValid(m.Prefix(), value)
}

// FormatValid checks value against the prefixed token shape or the legacy
// bare form.
func FormatValid(prefix, value string) bool {
	if value == "" {
		return false
	}
	if len(value) == len(prefix)+types.TokenSuffixLength && value[:len(prefix)] == prefix {
		for _, c := range value[len(prefix):] {
			if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
				return false
			}
		}
		return true
	}
	return legacyPattern.MatchString(value)
}

// Preview is the only form of a token value that logs and audit rows may
// carry.
func Preview(value string) string {
	if len(value) <= types.TokenPreviewLength {
		return value
	}
	return value[:types.TokenPreviewLength]
}

// Issue creates a new active token for a client.
func (m *Manager) Issue(clientID, ownerUserID string) (*core.Record, string, error) {
	value, err := m.Generate()
	if err != nil {
		return nil, "", err
	}
	col, err := m.app.FindCollectionByNameOrId(types.CollectionTokens)
	if err != nil {
		return nil, "", err
	}
	rec := core.NewRecord(col)
	rec.Set("client", clientID)
	rec.Set("value", value)
	rec.Set("is_active", true)
	if ownerUserID != "" {
		rec.Set("owner", ownerUserID)
	}
	if err := m.app.Save(rec); err != nil {
		return nil, "", fmt.Errorf("save token: %w", err)
	}
	return rec, value, nil
}

// Reissue deactivates the client's active tokens (kept for audit) and
// issues a replacement. The full value is only ever revealed here.
func (m *Manager) Reissue(clientID, ownerUserID string) (newToken *core.Record, value string, oldTokenID string, err error) {
	err = m.app.RunInTransaction(func(tx core.App) error {
		active, err := tx.FindAllRecords(types.CollectionTokens, dbx.HashExp{
			"client":    clientID,
			"is_active": true,
		})
		if err != nil {
			return err
		}
		for _, t := range active {
			t.Set("is_active", false)
			if err := tx.Save(t); err != nil {
				return fmt.Errorf("deactivate token %s: %w", t.Id, err)
			}
			oldTokenID = t.Id
		}
		inner := NewManager(tx)
		newToken, value, err = inner.Issue(clientID, ownerUserID)
		return err
	})
	if err != nil {
		return nil, "", "", err
	}
	return newToken, value, oldTokenID, nil
}

// Authenticate resolves an active token value to its client. The error is
// identical for unknown and inactive tokens.
func (m *Manager) Authenticate(value string) (*core.Record, error) {
	if !m.ValidFormat(value) {
		return nil, apperr.New(apperr.Auth, "invalid token")
	}
	tok, err := m.app.FindFirstRecordByFilter(types.CollectionTokens,
		"value = {:value} && is_active = true", dbx.Params{"value": value})
	if err != nil {
		return nil, apperr.New(apperr.Auth, "invalid token")
	}
	client, err := m.app.FindRecordById(types.CollectionClients, tok.GetString("client"))
	if err != nil {
		return nil, apperr.New(apperr.Auth, "invalid token")
	}
	return client, nil
}

// Lookup finds a token row by value regardless of active state. Used by the
// secret-scanning surface, which must not leak which tokens exist. Callers
// translate a miss into an empty response, never an error payload.
func (m *Manager) Lookup(value string) (*core.Record, error) {
	return m.app.FindFirstRecordByFilter(types.CollectionTokens,
		"value = {:value}", dbx.Params{"value": value})
}
