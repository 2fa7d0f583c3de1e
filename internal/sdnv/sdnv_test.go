package sdnv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 127, 128, 129, 16383, 16384, 1<<32 - 1, 1 << 40, 1<<64 - 1}
	for _, v := range cases {
		enc := Encode(nil, v)
		assert.Equal(t, Len(v), len(enc))
		got, n, err := Decode(enc)
		require.NoError(t, err)
		assert.Equal(t, len(enc), n)
		assert.Equal(t, v, got)
	}
}

func TestContinuationBits(t *testing.T) {
	enc := Encode(nil, 128)
	require.Len(t, enc, 2)
	assert.Equal(t, byte(0x81), enc[0])
	assert.Equal(t, byte(0x00), enc[1])
}

func TestDecodeTruncated(t *testing.T) {
	_, _, err := Decode([]byte{0x81})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeEmpty(t *testing.T) {
	_, _, err := Decode(nil)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestEncodeThenAppendMultiple(t *testing.T) {
	buf := Encode(nil, 1)
	buf = Encode(buf, 2)
	v1, n1, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1)
	v2, n2, err := Decode(buf[n1:])
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v2)
	assert.Equal(t, len(buf), n1+n2)
}
