package tokens

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeeeon/managed-nebula/internal/apperr"
	"github.com/skeeeon/managed-nebula/internal/types"
)

func TestFormatValid(t *testing.T) {
	prefix := types.DefaultTokenPrefix
	suffix := strings.Repeat("a1", 16) // 32 lowercase alphanumerics

	assert.True(t, FormatValid(prefix, prefix+suffix))

	// Wrong length.
	assert.False(t, FormatValid(prefix, prefix+suffix[:31]))
	assert.False(t, FormatValid(prefix, prefix+suffix+"x"))

	// Uppercase or symbols in the suffix.
	assert.False(t, FormatValid(prefix, prefix+strings.ToUpper(suffix)))
	assert.False(t, FormatValid(prefix, prefix+strings.Repeat("a", 31)+"!"))

	// Empty.
	assert.False(t, FormatValid(prefix, ""))
}

func TestFormatValidLegacyTokens(t *testing.T) {
	// Pre-prefix tokens: 32+ bare alphanumerics, mixed case allowed.
	assert.True(t, FormatValid(types.DefaultTokenPrefix, strings.Repeat("Ab3", 12)))
	assert.False(t, FormatValid(types.DefaultTokenPrefix, strings.Repeat("a", 31)))
	assert.False(t, FormatValid(types.DefaultTokenPrefix, strings.Repeat("a", 30)+"-!"))
}

func TestPreview(t *testing.T) {
	value := types.DefaultTokenPrefix + strings.Repeat("z", types.TokenSuffixLength)
	p := Preview(value)
	assert.Len(t, p, types.TokenPreviewLength)
	assert.True(t, strings.HasPrefix(value, p))

	assert.Equal(t, "short", Preview("short"))
}

func TestPatternsShape(t *testing.T) {
	// The advertised regex must match exactly what FormatValid accepts for
	// prefixed tokens.
	pattern := types.DefaultTokenPrefix + "[a-z0-9]{32}"
	value := types.DefaultTokenPrefix + strings.Repeat("a1", 16)
	assert.Regexp(t, "^"+pattern+"$", value)
}

func TestRandomSuffix(t *testing.T) {
	suffix, err := randomSuffix(types.TokenSuffixLength)
	require.NoError(t, err)
	assert.Len(t, suffix, types.TokenSuffixLength)
	assert.True(t, FormatValid(types.DefaultTokenPrefix, types.DefaultTokenPrefix+suffix))

	// Every alphabet character must be reachable. 2000 draws of 32 chars
	// make a missing character astronomically unlikely, so a gap here means
	// the sampling went wrong.
	seen := make(map[byte]bool)
	for range 2000 {
		s, err := randomSuffix(types.TokenSuffixLength)
		require.NoError(t, err)
		for i := 0; i < len(s); i++ {
			if strings.IndexByte(suffixAlphabet, s[i]) < 0 {
				t.Fatalf("character %q outside the suffix alphabet", s[i])
			}
			seen[s[i]] = true
		}
	}
	assert.Len(t, seen, len(suffixAlphabet))
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCheckSignature(t *testing.T) {
	body := []byte(`[{"token":"mnebula_aaaa","url":"https://example.com","type":"managed_nebula_client_token"}]`)

	assert.NoError(t, CheckSignature("topsecret", body, sign("topsecret", body)))

	err := CheckSignature("topsecret", body, sign("wrong", body))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Auth))

	// Tampered body.
	err = CheckSignature("topsecret", append(body, 'x'), sign("topsecret", body))
	assert.True(t, apperr.IsKind(err, apperr.Auth))

	// Unset secret rejects everything.
	err = CheckSignature("", body, sign("", body))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Auth))
}
