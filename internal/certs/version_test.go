package certs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNebulaVersion(t *testing.T) {
	v, ok := ParseNebulaVersion("1.9.7")
	require.True(t, ok)
	assert.Equal(t, "1.9.7", v.String())

	v, ok = ParseNebulaVersion("v1.10.0")
	require.True(t, ok)
	assert.Equal(t, "1.10.0", v.String())

	_, ok = ParseNebulaVersion("")
	assert.False(t, ok)

	_, ok = ParseNebulaVersion("garbage")
	assert.False(t, ok)

	_, ok = ParseNebulaVersion("  ")
	assert.False(t, ok)
}

func TestSupportsV2(t *testing.T) {
	cases := []struct {
		reported string
		want     bool
	}{
		{"1.10.0", true},
		{"1.10.1", true},
		{"1.11.0", true},
		{"2.0.0", true},
		{"v1.10.0", true},
		{"1.9.7", false},
		{"1.9.99", false},
		{"0.9.0", false},
		{"", false},
		{"not-a-version", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SupportsV2(tc.reported), "reported=%q", tc.reported)
	}
}

func TestGroupsSumIsOrderInsensitive(t *testing.T) {
	a := GroupsSum([]string{"web", "db", "admin"})
	b := GroupsSum([]string{"admin", "web", "db"})
	assert.Equal(t, a, b)

	c := GroupsSum([]string{"web", "db"})
	assert.NotEqual(t, a, c)

	assert.Equal(t, GroupsSum(nil), GroupsSum([]string{}))
}
