// internal/ssp/crc.go
package ssp

// CRC-16 parameters mandated by the SSP framing layer.
const (
	crcPoly uint16 = 0x8005
	crcSeed uint16 = 0xFFFF
)

// Checksum computes the SSP CRC-16 over the given bytes (SEQ/ID through the
// last data byte; STX is excluded).
func Checksum(data []byte) uint16 {
	crc := crcSeed
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crcPoly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
