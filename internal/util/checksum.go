package util

import (
	"encoding/binary"
	"hash/crc32"
)

// Checksums guard persisted flag documents against torn or corrupted writes.
// A sealed document is [payload][crc32c (4 bytes, little endian)].

// ChecksumSize is the length of the trailer appended by Seal
const ChecksumSize = 4

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum computes a CRC32-C checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// Seal returns a copy of payload with its checksum appended
func Seal(payload []byte) []byte {
	out := make([]byte, len(payload), len(payload)+ChecksumSize)
	copy(out, payload)
	return binary.LittleEndian.AppendUint32(out, ComputeChecksum(payload))
}

// Unseal validates the trailer of a sealed document and returns the payload.
// ok is false when the document is too short or the checksum does not match.
func Unseal(sealed []byte) (payload []byte, ok bool) {
	if len(sealed) < ChecksumSize {
		return nil, false
	}
	n := len(sealed) - ChecksumSize
	payload = sealed[:n]
	return payload, binary.LittleEndian.Uint32(sealed[n:]) == ComputeChecksum(payload)
}
