package mask

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func testObject(t *testing.T) MaskObject {
	t.Helper()
	cfg := testConfig()
	_, masked, err := Mask(cfg, new(big.Rat).SetInt64(1), FromFloat32sBounded([]float32{-0.5, 0, 0.5}))
	require.NoError(t, err)
	return masked
}

func TestMaskObjectCodecRoundTrip(t *testing.T) {
	obj := testObject(t)
	buf := obj.EncodeBinary()
	require.Len(t, buf, obj.EncodedLength())

	back, n, err := DecodeMaskObject(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.True(t, obj.Equal(back))
}

func TestMaskObjectDecodeRejectsTruncation(t *testing.T) {
	buf := testObject(t).EncodeBinary()
	for _, cut := range []int{1, 5, 9, len(buf) - 1} {
		_, _, err := DecodeMaskObject(buf[:cut])
		require.Error(t, err, "cut at %d", cut)
	}
}

func TestMaskObjectDecodeRejectsElementAboveOrder(t *testing.T) {
	cfg := testConfig()
	width := cfg.ElementLength()
	buf := make([]byte, 0)
	code := cfg.Bytes()
	// Vector with one element equal to order.
	buf = append(buf, code[:]...)
	buf = append(buf, 0, 0, 0, 1)
	buf = append(buf, cfg.Order().FillBytes(make([]byte, width))...)
	// Valid unit.
	buf = append(buf, code[:]...)
	buf = append(buf, 0, 0, 0, 1)
	buf = append(buf, make([]byte, width)...)

	_, _, err := DecodeMaskObject(buf)
	require.ErrorIs(t, err, ErrObjectElement)
}

func TestMaskObjectDigestDistinguishes(t *testing.T) {
	a := testObject(t)
	b := testObject(t)
	require.NotEqual(t, a.Digest(), b.Digest())
	require.Equal(t, a.Digest(), a.Digest())
}
