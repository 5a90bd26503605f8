// internal/device/negotiator_test.go
package device

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"validator-service/internal/ssp"
)

// fakePeer implements the device side of the key exchange.
type fakePeer struct {
	keys   ssp.Keys
	cipher *ssp.Cipher

	failModulus bool
}

func (p *fakePeer) exchange(payload []byte) (*ssp.Response, error) {
	ok := func(data ...byte) (*ssp.Response, error) {
		return &ssp.Response{Code: ssp.RespOK, Data: data}, nil
	}

	switch ssp.CommandCode(payload[0]) {
	case ssp.CmdSetGenerator:
		p.keys.Generator = binary.LittleEndian.Uint64(payload[1:])
		return ok()
	case ssp.CmdSetModulus:
		if p.failModulus {
			return &ssp.Response{Code: ssp.RespParameterOutRange}, nil
		}
		p.keys.Modulus = binary.LittleEndian.Uint64(payload[1:])
		return ok()
	case ssp.CmdRequestKeyExchange:
		p.keys.Random = 0x1357_9BDF_0246_8ACE
		hostInter := binary.LittleEndian.Uint64(payload[1:])
		cipher, err := ssp.NewCipher(ssp.FixedKey, p.keys.SessionKey(hostInter))
		if err != nil {
			return nil, err
		}
		p.cipher = cipher
		var inter [8]byte
		binary.LittleEndian.PutUint64(inter[:], p.keys.Intermediate())
		return ok(inter[:]...)
	}
	return &ssp.Response{Code: ssp.RespCommandNotKnown}, nil
}

func TestNegotiateEstablishesSharedCipher(t *testing.T) {
	peer := &fakePeer{}
	n := NewNegotiator(zap.NewNop())

	require.NoError(t, n.Negotiate(peer.exchange))
	assert.Equal(t, NegotiationEstablished, n.Status())
	assert.True(t, n.Established())

	// Both ends must have derived the same key: a wrapped command opens on
	// the peer side, and a sealed reply unwraps on ours.
	wrapped, err := n.Wrap([]byte{0x07})
	require.NoError(t, err)

	count, inner, err := peer.cipher.Open(wrapped)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x07}, inner)

	reply, err := peer.cipher.Seal(count, []byte{0xF0})
	require.NoError(t, err)
	plain, err := n.Unwrap(reply)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xF0}, plain)
}

func TestNegotiateFailureIsTerminal(t *testing.T) {
	peer := &fakePeer{failModulus: true}
	n := NewNegotiator(zap.NewNop())

	err := n.Negotiate(peer.exchange)
	require.Error(t, err)

	var encErr *EncryptionError
	assert.ErrorAs(t, err, &encErr)
	assert.Equal(t, NegotiationFailed, n.Status())
	assert.False(t, n.Established())
}

func TestWrapWithoutSession(t *testing.T) {
	n := NewNegotiator(zap.NewNop())
	_, err := n.Wrap([]byte{0x07})

	var encErr *EncryptionError
	assert.ErrorAs(t, err, &encErr)
}

func TestResetDropsSession(t *testing.T) {
	peer := &fakePeer{}
	n := NewNegotiator(zap.NewNop())
	require.NoError(t, n.Negotiate(peer.exchange))

	n.Reset()
	assert.Equal(t, NegotiationNone, n.Status())
	_, err := n.Wrap([]byte{0x07})
	assert.Error(t, err)
}
