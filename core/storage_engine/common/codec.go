package common

import "encoding/binary"

// --- Fixed-width integer codec ---
//
// All on-disk integers (log sizes and checksums, the transaction counter) are
// big-endian so that files stay byte-compatible across platforms.

const (
	Uint16Size = 2
	Uint32Size = 4
	Uint64Size = 8
)

var order = binary.BigEndian

func PutUint16(b []byte, v uint16) { order.PutUint16(b, v) }
func Uint16(b []byte) uint16       { return order.Uint16(b) }
func PutUint32(b []byte, v uint32) { order.PutUint32(b, v) }
func Uint32(b []byte) uint32       { return order.Uint32(b) }
func PutUint64(b []byte, v uint64) { order.PutUint64(b, v) }
func Uint64(b []byte) uint64       { return order.Uint64(b) }

// PutInt32 stores a signed 32-bit value in two's complement form.
func PutInt32(b []byte, v int32) { order.PutUint32(b, uint32(v)) }

// Int32 reads a signed 32-bit value written by PutInt32.
func Int32(b []byte) int32 { return int32(order.Uint32(b)) }

// Int32ToBytes returns a freshly allocated 4-byte encoding of v.
func Int32ToBytes(v int32) []byte {
	buf := make([]byte, Uint32Size)
	PutInt32(buf, v)
	return buf
}

// Uint64ToBytes returns a freshly allocated 8-byte encoding of v.
func Uint64ToBytes(v uint64) []byte {
	buf := make([]byte, Uint64Size)
	PutUint64(buf, v)
	return buf
}
