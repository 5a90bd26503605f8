// internal/ssp/crypt.go
package ssp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// FixedKey is the well-known first half of the AES session key. Devices ship
// with this value until SET_FIXED_KEY changes it.
const FixedKey uint64 = 0x0123456701234567

// Cipher wraps and unwraps eSSP payloads once a session key has been
// negotiated. The 128-bit AES key is the fixed key followed by the negotiated
// key, both little-endian.
//
// Wrapped payload layout (inside the frame data, after the STEX marker):
// the AES encryption of LEN(1) | COUNT(4 LE) | DATA | PACKING | CRCL | CRCH,
// padded to the block size with random packing bytes. COUNT increments on
// every host command; the device echoes the same count in its response, which
// defeats replayed responses.
type Cipher struct {
	block cipher.Block
	count uint32
}

// NewCipher builds a Cipher from the fixed and negotiated key halves.
func NewCipher(fixed, negotiated uint64) (*Cipher, error) {
	var key [16]byte
	binary.LittleEndian.PutUint64(key[:8], fixed)
	binary.LittleEndian.PutUint64(key[8:], negotiated)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	return &Cipher{block: block}, nil
}

// Count returns the current packet counter.
func (c *Cipher) Count() uint32 {
	return c.count
}

// Wrap encrypts a command payload for transmission, advancing the packet
// counter. The result starts with STEX and replaces the frame data.
func (c *Cipher) Wrap(payload []byte) ([]byte, error) {
	c.count++
	return c.Seal(c.count, payload)
}

// Unwrap decrypts a response payload (STEX included) and verifies that its
// packet counter matches the command that was just sent.
func (c *Cipher) Unwrap(data []byte) ([]byte, error) {
	count, payload, err := c.Open(data)
	if err != nil {
		return nil, err
	}
	if count != c.count {
		return nil, &FrameError{Reason: fmt.Sprintf("stale encrypted response: count %d, expected %d", count, c.count)}
	}
	return payload, nil
}

// Seal encrypts a payload under an explicit packet count. The mock device
// uses it directly to answer with the count the host sent.
func (c *Cipher) Seal(count uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxDataLen {
		return nil, &FrameError{Reason: "payload too large to encrypt"}
	}

	// LEN | COUNT | DATA | PACKING | CRC
	plain := make([]byte, 0, len(payload)+7+aes.BlockSize)
	plain = append(plain, byte(len(payload)))
	var cnt [4]byte
	binary.LittleEndian.PutUint32(cnt[:], count)
	plain = append(plain, cnt[:]...)
	plain = append(plain, payload...)

	padLen := aes.BlockSize - (len(plain)+2)%aes.BlockSize
	if padLen == aes.BlockSize {
		padLen = 0
	}
	packing := make([]byte, padLen)
	if _, err := rand.Read(packing); err != nil {
		return nil, fmt.Errorf("generate packing bytes: %w", err)
	}
	plain = append(plain, packing...)

	crc := Checksum(plain)
	plain = append(plain, byte(crc&0xFF), byte(crc>>8))

	out := make([]byte, 1+len(plain))
	out[0] = STEX
	for i := 0; i < len(plain); i += aes.BlockSize {
		c.block.Encrypt(out[1+i:1+i+aes.BlockSize], plain[i:i+aes.BlockSize])
	}
	return out, nil
}

// Open decrypts a wrapped payload and returns its packet count and data.
func (c *Cipher) Open(data []byte) (uint32, []byte, error) {
	if len(data) < 1+aes.BlockSize || data[0] != STEX {
		return 0, nil, &FrameError{Reason: "payload is not an encrypted block"}
	}
	body := data[1:]
	if len(body)%aes.BlockSize != 0 {
		return 0, nil, &FrameError{Reason: "encrypted block is not block-aligned"}
	}

	plain := make([]byte, len(body))
	for i := 0; i < len(body); i += aes.BlockSize {
		c.block.Decrypt(plain[i:i+aes.BlockSize], body[i:i+aes.BlockSize])
	}

	want := Checksum(plain[:len(plain)-2])
	got := uint16(plain[len(plain)-2]) | uint16(plain[len(plain)-1])<<8
	if want != got {
		return 0, nil, &FrameError{Reason: "encrypted block checksum mismatch"}
	}

	dataLen := int(plain[0])
	if 5+dataLen > len(plain)-2 {
		return 0, nil, &FrameError{Reason: "encrypted block length out of range"}
	}
	count := binary.LittleEndian.Uint32(plain[1:5])

	payload := make([]byte, dataLen)
	copy(payload, plain[5:5+dataLen])
	return count, payload, nil
}

// SetCount overrides the packet counter. The device side of a freshly
// negotiated session starts from the same zero value as the host.
func (c *Cipher) SetCount(count uint32) {
	c.count = count
}
