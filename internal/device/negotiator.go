// internal/device/negotiator.go
package device

import (
	"encoding/binary"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"validator-service/internal/ssp"
)

// NegotiationStatus tracks the encrypted-session key exchange.
type NegotiationStatus string

// Negotiation statuses. Failed is terminal for the session: a failed exchange
// is never retried automatically, because silently downgrading to plaintext
// would defeat the point of requiring encryption.
const (
	NegotiationNone        NegotiationStatus = "none"
	NegotiationPending     NegotiationStatus = "pending"
	NegotiationEstablished NegotiationStatus = "established"
	NegotiationFailed      NegotiationStatus = "failed"
)

// ExchangeFunc sends one command payload to the device and returns its parsed
// response. The session loop provides its transact path here so the
// negotiator stays free of transport concerns.
type ExchangeFunc func(payload []byte) (*ssp.Response, error)

// Negotiator performs the three-step Diffie-Hellman key exchange and owns the
// resulting payload cipher.
type Negotiator struct {
	mu     sync.RWMutex
	status NegotiationStatus
	cipher *ssp.Cipher
	logger *zap.Logger
}

// NewNegotiator creates a negotiator with no session established.
func NewNegotiator(logger *zap.Logger) *Negotiator {
	return &Negotiator{
		status: NegotiationNone,
		logger: logger,
	}
}

// Status returns the current negotiation status.
func (n *Negotiator) Status() NegotiationStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// Established reports whether an encrypted session is active.
func (n *Negotiator) Established() bool {
	return n.Status() == NegotiationEstablished
}

// Negotiate runs SET_GENERATOR, SET_MODULUS and REQUEST_KEY_EXCHANGE in
// order, derives the shared session key, and arms the cipher with its packet
// counter at zero. Any failure marks the negotiation Failed.
func (n *Negotiator) Negotiate(exchange ExchangeFunc) error {
	n.setStatus(NegotiationPending)

	keys, err := ssp.NewKeys()
	if err != nil {
		return n.fail("key generation", err)
	}

	steps := []struct {
		name    string
		payload []byte
	}{
		{"set generator", ssp.KeyPayload(ssp.CmdSetGenerator, keys.Generator)},
		{"set modulus", ssp.KeyPayload(ssp.CmdSetModulus, keys.Modulus)},
	}
	for _, step := range steps {
		resp, err := exchange(step.payload)
		if err != nil {
			return n.fail(step.name, err)
		}
		if !resp.Code.OK() {
			return n.fail(step.name, fmt.Errorf("device answered %s", resp.Code))
		}
	}

	resp, err := exchange(ssp.KeyPayload(ssp.CmdRequestKeyExchange, keys.Intermediate()))
	if err != nil {
		return n.fail("key exchange", err)
	}
	if !resp.Code.OK() {
		return n.fail("key exchange", fmt.Errorf("device answered %s", resp.Code))
	}
	if len(resp.Data) < 8 {
		return n.fail("key exchange", fmt.Errorf("short intermediate key: %d bytes", len(resp.Data)))
	}
	peer := binary.LittleEndian.Uint64(resp.Data[:8])

	sessionKey := keys.SessionKey(peer)
	cipher, err := ssp.NewCipher(ssp.FixedKey, sessionKey)
	if err != nil {
		return n.fail("cipher setup", err)
	}

	n.mu.Lock()
	n.cipher = cipher
	n.status = NegotiationEstablished
	n.mu.Unlock()

	n.logger.Info("Encrypted session established")
	return nil
}

// Wrap encrypts a command payload under the session cipher.
func (n *Negotiator) Wrap(payload []byte) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != NegotiationEstablished {
		return nil, &EncryptionError{Stage: "wrap", Err: fmt.Errorf("no session established")}
	}
	return n.cipher.Wrap(payload)
}

// Unwrap decrypts a response payload and checks its packet counter.
func (n *Negotiator) Unwrap(data []byte) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != NegotiationEstablished {
		return nil, &EncryptionError{Stage: "unwrap", Err: fmt.Errorf("no session established")}
	}
	payload, err := n.cipher.Unwrap(data)
	if err != nil {
		return nil, &EncryptionError{Stage: "unwrap", Err: err}
	}
	return payload, nil
}

// Reset discards any established session, returning to the plaintext state.
// Used when the device restarts and its key state is gone.
func (n *Negotiator) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cipher = nil
	n.status = NegotiationNone
}

func (n *Negotiator) setStatus(status NegotiationStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = status
}

func (n *Negotiator) fail(stage string, err error) error {
	n.setStatus(NegotiationFailed)
	n.logger.Error("Key exchange failed",
		zap.String("stage", stage),
		zap.Error(err),
	)
	return &EncryptionError{Stage: stage, Err: err}
}
