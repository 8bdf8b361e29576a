package confgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeeeon/managed-nebula/internal/apperr"
	"github.com/skeeeon/managed-nebula/internal/types"
)

func TestNegotiateMatrix(t *testing.T) {
	cases := []struct {
		name     string
		global   types.CertVersion
		reported string
		topology types.IPVersion
		want     types.CertVersion
		wantErr  bool
	}{
		{"legacy client, v1 global", types.CertVersionV1, "1.9.7", types.IPVersionV4Only, types.CertVersionV1, false},
		{"legacy client, v2 global downgrades", types.CertVersionV2, "1.9.7", types.IPVersionV4Only, types.CertVersionV1, false},
		{"legacy client, hybrid global downgrades", types.CertVersionHybrid, "1.9.7", types.IPVersionV4Only, types.CertVersionV1, false},
		{"unknown version treated as legacy", types.CertVersionV2, "", types.IPVersionV4Only, types.CertVersionV1, false},
		{"modern client keeps v2 global", types.CertVersionV2, "1.10.0", types.IPVersionV4Only, types.CertVersionV2, false},
		{"modern client keeps hybrid global", types.CertVersionHybrid, "1.10.0", types.IPVersionV4Only, types.CertVersionHybrid, false},
		{"modern client keeps v1 global", types.CertVersionV1, "1.10.0", types.IPVersionV4Only, types.CertVersionV1, false},
		{"dual stack forces v2", types.CertVersionV1, "1.10.0", types.IPVersionDualStack, types.CertVersionV2, false},
		{"multi ipv4 forces v2", types.CertVersionHybrid, "1.11.0", types.IPVersionMultiV4, types.CertVersionV2, false},
		{"ipv6 only forces v2", types.CertVersionV1, "1.10.1", types.IPVersionV6Only, types.CertVersionV2, false},
		{"legacy client with multi ipv4 is refused", types.CertVersionV2, "", types.IPVersionMultiV4, "", true},
		{"legacy client with dual stack is refused", types.CertVersionV1, "1.9.7", types.IPVersionDualStack, "", true},
		{"empty global falls back to v1", "", "1.9.7", types.IPVersionV4Only, types.CertVersionV1, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Negotiate(tc.global, tc.reported, tc.topology)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, apperr.IsKind(err, apperr.Incompatible))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
