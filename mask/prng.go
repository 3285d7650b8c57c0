package mask

import (
	"math/big"

	"golang.org/x/crypto/chacha20"
)

// prng draws uniform group elements from a ChaCha20 keystream. The stream
// is fully determined by the seed, so coordinator and participants derive
// bit-identical masks from the same seed, config and length.
type prng struct {
	cipher *chacha20.Cipher
	buf    []byte
}

func newPRNG(seed MaskSeed) *prng {
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(seed[:], nonce[:])
	if err != nil {
		// The key and nonce sizes are fixed at compile time.
		panic(err)
	}
	return &prng{cipher: c}
}

// randBelow draws a uniform integer in [0, order). Each draw reads the
// fixed element width from the keystream big-endian, zeroes the excess top
// bits above bitlen(order-1) and rejects values at or above the order, so
// each draw is accepted with probability above one half.
func (p *prng) randBelow(order *big.Int, width int) *big.Int {
	if cap(p.buf) < width {
		p.buf = make([]byte, width)
	}
	buf := p.buf[:width]
	bits := new(big.Int).Sub(order, big.NewInt(1)).BitLen()
	mask := byte(0xff) >> uint(8*width-bits)

	v := new(big.Int)
	for {
		for i := range buf {
			buf[i] = 0
		}
		p.cipher.XORKeyStream(buf, buf)
		buf[0] &= mask
		v.SetBytes(buf)
		if v.Cmp(order) < 0 {
			return new(big.Int).Set(v)
		}
	}
}
