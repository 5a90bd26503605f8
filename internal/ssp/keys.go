// internal/ssp/keys.go
package ssp

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// keyBits is the width of the Diffie-Hellman key material the protocol uses.
const keyBits = 64

// Keys holds the host-side key material for one encrypted-session exchange:
// the public generator and modulus sent to the device and the private random
// key that never leaves the host.
type Keys struct {
	Generator uint64
	Modulus   uint64
	Random    uint64
}

// NewKeys generates fresh key material from system entropy. The modulus must
// be smaller than the generator, mirroring the device firmware's check.
func NewKeys() (Keys, error) {
	gen, err := randomPrime()
	if err != nil {
		return Keys{}, fmt.Errorf("generate generator key: %w", err)
	}

	mod, err := randomPrime()
	if err != nil {
		return Keys{}, fmt.Errorf("generate modulus key: %w", err)
	}
	for mod >= gen {
		mod, err = randomPrime()
		if err != nil {
			return Keys{}, fmt.Errorf("generate modulus key: %w", err)
		}
	}

	rnd, err := randomUint64()
	if err != nil {
		return Keys{}, fmt.Errorf("generate random key: %w", err)
	}

	return Keys{Generator: gen, Modulus: mod, Random: rnd}, nil
}

// Intermediate computes the host's public intermediate key:
// Generator^Random mod Modulus.
func (k Keys) Intermediate() uint64 {
	return ModExp(k.Generator, k.Random, k.Modulus)
}

// SessionKey derives the shared session key from the peer's intermediate key:
// peer^Random mod Modulus. Both sides compute the same value without the key
// ever crossing the wire.
func (k Keys) SessionKey(peerIntermediate uint64) uint64 {
	return ModExp(peerIntermediate, k.Random, k.Modulus)
}

// ModExp computes base^exp mod m over 64-bit operands.
func ModExp(base, exp, m uint64) uint64 {
	if m == 0 {
		return 0
	}
	result := new(big.Int).Exp(
		new(big.Int).SetUint64(base),
		new(big.Int).SetUint64(exp),
		new(big.Int).SetUint64(m),
	)
	return result.Uint64()
}

func randomPrime() (uint64, error) {
	p, err := rand.Prime(rand.Reader, keyBits)
	if err != nil {
		return 0, err
	}
	return p.Uint64(), nil
}

func randomUint64() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return v, nil
}
