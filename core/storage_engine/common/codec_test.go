package common

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodec_BigEndianLayout(t *testing.T) {
	require.Equal(t, []byte{0x00, 0x00, 0x01, 0x02}, Int32ToBytes(0x0102))
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 7}, Uint64ToBytes(7))

	buf := make([]byte, Uint16Size)
	PutUint16(buf, 0xBEEF)
	require.Equal(t, []byte{0xBE, 0xEF}, buf)
	require.Equal(t, uint16(0xBEEF), Uint16(buf))
}

func TestCodec_SignedValues(t *testing.T) {
	for _, v := range []int32{0, 1, -1, math.MaxInt32, math.MinInt32, -13331} {
		require.Equal(t, v, Int32(Int32ToBytes(v)))
	}
	require.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, Int32ToBytes(-1))
}

func TestCodec_Uint32AtOffset(t *testing.T) {
	buf := make([]byte, 12)
	PutUint32(buf[4:], 42)
	PutUint64(buf[4:], math.MaxUint64)
	require.Equal(t, uint64(math.MaxUint64), Uint64(buf[4:]))
	require.Equal(t, uint32(0), Uint32(buf[:4]))
}
