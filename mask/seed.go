package mask

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/xaynetwork/xaynet/crypto"
)

// MaskSeedLength is the byte length of a mask seed.
const MaskSeedLength = 32

// EncryptedMaskSeedLength is the byte length of a seed sealed to a sum
// participant's ephemeral key.
const EncryptedMaskSeedLength = MaskSeedLength + crypto.SealedOverhead

// ErrInvalidSeed is returned when an encrypted seed cannot be decrypted or
// has the wrong size.
var ErrInvalidSeed = errors.New("mask: invalid mask seed")

// MaskSeed is the 32-byte secret an update participant draws per round. It
// deterministically derives the mask concealing the participant's model and
// is distributed to the sum participants as sealed copies.
type MaskSeed [MaskSeedLength]byte

// EncryptedMaskSeed is a seed sealed to an ephemeral sum participant key.
type EncryptedMaskSeed [EncryptedMaskSeedLength]byte

// MarshalText implements encoding.TextMarshaler so sealed seeds serialize
// as hex in JSON dictionaries.
func (e EncryptedMaskSeed) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(e[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *EncryptedMaskSeed) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil || len(raw) != EncryptedMaskSeedLength {
		return ErrInvalidSeed
	}
	copy(e[:], raw)
	return nil
}

// NewMaskSeed draws a fresh random seed.
func NewMaskSeed() (MaskSeed, error) {
	var s MaskSeed
	if _, err := rand.Read(s[:]); err != nil {
		return MaskSeed{}, fmt.Errorf("drawing mask seed: %w", err)
	}
	return s, nil
}

// Encrypt seals the seed to the given ephemeral public key.
func (s MaskSeed) Encrypt(pk crypto.PublicEncryptKey) (EncryptedMaskSeed, error) {
	ct, err := crypto.Seal(pk, s[:])
	if err != nil {
		return EncryptedMaskSeed{}, err
	}
	var out EncryptedMaskSeed
	copy(out[:], ct)
	return out, nil
}

// Decrypt opens the sealed seed with the ephemeral key pair.
func (e EncryptedMaskSeed) Decrypt(pair crypto.EncryptKeyPair) (MaskSeed, error) {
	pt, err := crypto.SealOpen(pair, e[:])
	if err != nil {
		return MaskSeed{}, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	if len(pt) != MaskSeedLength {
		return MaskSeed{}, ErrInvalidSeed
	}
	var s MaskSeed
	copy(s[:], pt)
	return s, nil
}

// DeriveMask expands the seed into the mask for a model of the given
// length: the vector elements are drawn first, then the unit element, all
// from one keystream.
func (s MaskSeed) DeriveMask(length int, cfg MaskConfig) MaskObject {
	rng := newPRNG(s)
	order := cfg.Order()
	width := cfg.ElementLength()
	elems := make([]*big.Int, length)
	for i := range elems {
		elems[i] = rng.randBelow(order, width)
	}
	unit := rng.randBelow(order, width)
	return NewMaskObject(cfg, elems, unit)
}
