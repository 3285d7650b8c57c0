package message

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/xaynetwork/xaynet/crypto"
	"github.com/xaynetwork/xaynet/mask"
	"github.com/xaynetwork/xaynet/pet"
)

// seedDictEntryLength is one serialized LocalSeedDict entry: the sum
// participant key followed by the sealed seed.
const seedDictEntryLength = crypto.PublicSigningKeyLength + mask.EncryptedMaskSeedLength

// lengthFieldSize is the size of the 4-byte length prefix of
// length-delimited fields. The prefix counts itself.
const lengthFieldSize = 4

// Sum is the payload of a sum message: the task signature proving
// eligibility and the ephemeral key seeds will be sealed to.
type Sum struct {
	SumSignature crypto.Signature
	EphemeralPK  crypto.PublicEncryptKey
}

func (s *Sum) EncodedLength() int {
	return crypto.SignatureLength + crypto.PublicEncryptKeyLength
}

func (s *Sum) appendTo(buf []byte) []byte {
	buf = append(buf, s.SumSignature[:]...)
	return append(buf, s.EphemeralPK[:]...)
}

func decodeSum(data []byte) (*Sum, error) {
	want := crypto.SignatureLength + crypto.PublicEncryptKeyLength
	if len(data) < want {
		return nil, fmt.Errorf("sum payload: %w", ErrTruncated)
	}
	if len(data) > want {
		return nil, fmt.Errorf("sum payload: %w", ErrTrailingBytes)
	}
	var s Sum
	copy(s.SumSignature[:], data)
	copy(s.EphemeralPK[:], data[crypto.SignatureLength:])
	return &s, nil
}

// Update is the payload of an update message: both task signatures, the
// masked model with its masked scalar, and the sealed seed copies for every
// sum participant.
type Update struct {
	SumSignature    crypto.Signature
	UpdateSignature crypto.Signature
	MaskedModel     mask.MaskObject
	LocalSeedDict   pet.LocalSeedDict
}

func (u *Update) EncodedLength() int {
	return 2*crypto.SignatureLength + u.MaskedModel.EncodedLength() +
		lengthFieldSize + len(u.LocalSeedDict)*seedDictEntryLength
}

func (u *Update) appendTo(buf []byte) []byte {
	buf = append(buf, u.SumSignature[:]...)
	buf = append(buf, u.UpdateSignature[:]...)
	buf = append(buf, u.MaskedModel.EncodeBinary()...)
	return appendLocalSeedDict(buf, u.LocalSeedDict)
}

func decodeUpdate(data []byte) (*Update, error) {
	if len(data) < 2*crypto.SignatureLength {
		return nil, fmt.Errorf("update payload: %w", ErrTruncated)
	}
	var u Update
	copy(u.SumSignature[:], data)
	copy(u.UpdateSignature[:], data[crypto.SignatureLength:])

	rest := data[2*crypto.SignatureLength:]
	obj, objLen, err := mask.DecodeMaskObject(rest)
	if err != nil {
		return nil, fmt.Errorf("update payload: %w", err)
	}
	u.MaskedModel = obj

	dict, dictLen, err := decodeLocalSeedDict(rest[objLen:])
	if err != nil {
		return nil, fmt.Errorf("update payload: %w", err)
	}
	u.LocalSeedDict = dict
	if objLen+dictLen != len(rest) {
		return nil, fmt.Errorf("update payload: %w", ErrTrailingBytes)
	}
	return &u, nil
}

// Sum2 is the payload of a sum2 message: the sum task signature and the
// aggregated mask derived from the collected seeds.
type Sum2 struct {
	SumSignature crypto.Signature
	Mask         mask.MaskObject
}

func (s *Sum2) EncodedLength() int {
	return crypto.SignatureLength + s.Mask.EncodedLength()
}

func (s *Sum2) appendTo(buf []byte) []byte {
	buf = append(buf, s.SumSignature[:]...)
	return append(buf, s.Mask.EncodeBinary()...)
}

func decodeSum2(data []byte) (*Sum2, error) {
	if len(data) < crypto.SignatureLength {
		return nil, fmt.Errorf("sum2 payload: %w", ErrTruncated)
	}
	var s Sum2
	copy(s.SumSignature[:], data)
	obj, n, err := mask.DecodeMaskObject(data[crypto.SignatureLength:])
	if err != nil {
		return nil, fmt.Errorf("sum2 payload: %w", err)
	}
	if crypto.SignatureLength+n != len(data) {
		return nil, fmt.Errorf("sum2 payload: %w", ErrTrailingBytes)
	}
	s.Mask = obj
	return &s, nil
}

// appendLocalSeedDict writes the dict as a 4-byte total length (counting
// itself) followed by fixed-size entries in sorted key order, so encoding
// is deterministic.
func appendLocalSeedDict(buf []byte, dict pet.LocalSeedDict) []byte {
	total := lengthFieldSize + len(dict)*seedDictEntryLength
	buf = binary.BigEndian.AppendUint32(buf, uint32(total))

	keys := make([]crypto.PublicSigningKey, 0, len(dict))
	for pk := range dict {
		keys = append(keys, pk)
	}
	sort.Slice(keys, func(i, j int) bool {
		return string(keys[i][:]) < string(keys[j][:])
	})
	for _, pk := range keys {
		seed := dict[pk]
		buf = append(buf, pk[:]...)
		buf = append(buf, seed[:]...)
	}
	return buf
}

// decodeLocalSeedDict parses a length-prefixed seed dict, rejecting a
// length below the prefix size, a length past the end of the buffer and a
// length that does not hold whole entries.
func decodeLocalSeedDict(data []byte) (pet.LocalSeedDict, int, error) {
	if len(data) < lengthFieldSize {
		return nil, 0, fmt.Errorf("seed dict: %w", ErrTruncated)
	}
	total := int(binary.BigEndian.Uint32(data))
	if total < lengthFieldSize {
		return nil, 0, fmt.Errorf("seed dict: %w: %d < %d", ErrBadLength, total, lengthFieldSize)
	}
	if total > len(data) {
		return nil, 0, fmt.Errorf("seed dict: %w: %d > %d remaining", ErrBadLength, total, len(data))
	}
	body := total - lengthFieldSize
	if body%seedDictEntryLength != 0 {
		return nil, 0, fmt.Errorf("seed dict: %w: %d is not a whole number of entries", ErrBadLength, body)
	}

	dict := make(pet.LocalSeedDict, body/seedDictEntryLength)
	off := lengthFieldSize
	for off < total {
		var pk crypto.PublicSigningKey
		var seed mask.EncryptedMaskSeed
		copy(pk[:], data[off:])
		copy(seed[:], data[off+crypto.PublicSigningKeyLength:])
		if _, ok := dict[pk]; ok {
			return nil, 0, fmt.Errorf("seed dict: %w: duplicate key %s", ErrBadLength, pk)
		}
		dict[pk] = seed
		off += seedDictEntryLength
	}
	return dict, total, nil
}
