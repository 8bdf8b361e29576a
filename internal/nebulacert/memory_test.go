package nebulacert

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeeeon/managed-nebula/internal/apperr"
	"github.com/skeeeon/managed-nebula/internal/types"
)

func TestMemoryRunnerCA(t *testing.T) {
	runner := MemoryRunner{}
	certPEM, keyPEM, err := runner.CA(context.Background(), "Test CA", 24*time.Hour, types.CertVersionV1)
	require.NoError(t, err)
	require.NotEmpty(t, keyPEM)

	info, err := ParseCert(certPEM)
	require.NoError(t, err)
	assert.Equal(t, "Test CA", info.Name)
	assert.True(t, info.IsCA)
	assert.Equal(t, types.CertVersionV1, info.Version)
	assert.NotEmpty(t, info.Fingerprint)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), info.NotAfter, time.Minute)
}

func TestMemoryRunnerSignHostCert(t *testing.T) {
	runner := MemoryRunner{}
	ctx := context.Background()

	caCert, caKey, err := runner.CA(ctx, "Fleet CA", 240*time.Hour, types.CertVersionV1)
	require.NoError(t, err)

	dir := t.TempDir()
	keyPath := filepath.Join(dir, "host.key")
	pubPath := filepath.Join(dir, "host.pub")
	require.NoError(t, runner.Keygen(ctx, keyPath, pubPath))

	pub, err := os.ReadFile(pubPath)
	require.NoError(t, err)
	require.NoError(t, ValidatePublicKey(string(pub)))

	hostPEM, err := runner.Sign(ctx, SignRequest{
		CACertPEM:    caCert,
		CAKeyPEM:     caKey,
		Name:         "node-1",
		IPs:          []string{"10.100.0.1/16"},
		Groups:       []string{"web", "db"},
		Duration:     24 * time.Hour,
		PublicKeyPEM: string(pub),
		Version:      types.CertVersionV1,
	})
	require.NoError(t, err)

	info, err := ParseCert(hostPEM)
	require.NoError(t, err)
	assert.Equal(t, "node-1", info.Name)
	assert.False(t, info.IsCA)
	assert.ElementsMatch(t, []string{"web", "db"}, info.Groups)
	assert.Equal(t, []string{"10.100.0.1/16"}, info.Networks)
}

func TestMemoryRunnerClipsToCAExpiry(t *testing.T) {
	runner := MemoryRunner{}
	ctx := context.Background()

	caCert, caKey, err := runner.CA(ctx, "Short CA", 2*time.Hour, types.CertVersionV1)
	require.NoError(t, err)
	caInfo, err := ParseCert(caCert)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, runner.Keygen(ctx, filepath.Join(dir, "k"), filepath.Join(dir, "p")))
	pub, err := os.ReadFile(filepath.Join(dir, "p"))
	require.NoError(t, err)

	hostPEM, err := runner.Sign(ctx, SignRequest{
		CACertPEM:    caCert,
		CAKeyPEM:     caKey,
		Name:         "node-long",
		IPs:          []string{"10.100.0.2/16"},
		Duration:     8760 * time.Hour,
		PublicKeyPEM: string(pub),
		Version:      types.CertVersionV1,
	})
	require.NoError(t, err)

	info, err := ParseCert(hostPEM)
	require.NoError(t, err)
	assert.True(t, info.NotAfter.Before(caInfo.NotAfter),
		"host cert must expire before its signing CA")
}

func TestMemoryRunnerKeygenPermissions(t *testing.T) {
	runner := MemoryRunner{}
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "host.key")
	pubPath := filepath.Join(dir, "host.pub")
	require.NoError(t, runner.Keygen(context.Background(), keyPath, pubPath))

	st, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())
}

func TestParseBundle(t *testing.T) {
	runner := MemoryRunner{}
	ctx := context.Background()

	ca1, _, err := runner.CA(ctx, "CA One", 24*time.Hour, types.CertVersionV1)
	require.NoError(t, err)
	ca2, _, err := runner.CA(ctx, "CA Two", 24*time.Hour, types.CertVersionV1)
	require.NoError(t, err)

	infos, err := ParseBundle(ca1 + ca2)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "CA One", infos[0].Name)
	assert.Equal(t, "CA Two", infos[1].Name)

	_, err = ParseBundle("  \n")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Validation))
}

func TestValidatePublicKey(t *testing.T) {
	assert.Error(t, ValidatePublicKey(""))
	assert.Error(t, ValidatePublicKey("not a pem"))
	err := ValidatePublicKey("")
	assert.True(t, apperr.IsKind(err, apperr.Validation))
}
