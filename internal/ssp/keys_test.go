// internal/ssp/keys_test.go
package ssp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeysInvariants(t *testing.T) {
	for i := 0; i < 8; i++ {
		keys, err := NewKeys()
		require.NoError(t, err)
		assert.Less(t, keys.Modulus, keys.Generator, "modulus must stay below generator")
		assert.NotZero(t, keys.Random)
	}
}

func TestKeyExchangeAgreement(t *testing.T) {
	host, err := NewKeys()
	require.NoError(t, err)

	// The peer adopts the host's public parameters with its own secret.
	peer := Keys{Generator: host.Generator, Modulus: host.Modulus, Random: 0xDEADBEEFCAFE1234}

	hostKey := host.SessionKey(peer.Intermediate())
	peerKey := peer.SessionKey(host.Intermediate())
	assert.Equal(t, hostKey, peerKey, "both sides must derive the same session key")
}

func TestModExp(t *testing.T) {
	tests := []struct {
		base, exp, mod, want uint64
	}{
		{2, 10, 1000, 24},
		{3, 0, 7, 1},
		{5, 3, 13, 8},
		{7, 2, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ModExp(tt.base, tt.exp, tt.mod))
	}
}
