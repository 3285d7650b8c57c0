package mask

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/zeebo/blake3"
)

// Decoding errors for serialized mask objects.
var (
	ErrObjectTruncated = errors.New("mask: truncated mask object")
	ErrObjectElement   = errors.New("mask: mask object element not below the group order")
)

// MaskVect is a vector of group elements concealing a model.
type MaskVect struct {
	Config MaskConfig
	Data   []*big.Int
}

// MaskUnit is a single group element concealing the aggregation scalar.
type MaskUnit struct {
	Config MaskConfig
	Data   *big.Int
}

// MaskObject carries a masked model together with its masked scalar. Both
// parts share one MaskConfig and every element is strictly below the group
// order.
type MaskObject struct {
	Vect MaskVect
	Unit MaskUnit
}

// NewMaskObject builds a MaskObject with a shared config.
func NewMaskObject(cfg MaskConfig, vect []*big.Int, unit *big.Int) MaskObject {
	return MaskObject{
		Vect: MaskVect{Config: cfg, Data: vect},
		Unit: MaskUnit{Config: cfg, Data: unit},
	}
}

// Validate checks the MaskObject invariants: matching configs and every
// element non-negative and strictly below the group order.
func (o MaskObject) Validate() error {
	if o.Vect.Config != o.Unit.Config {
		return ErrInvalidConfig
	}
	order := o.Vect.Config.Order()
	for _, e := range o.Vect.Data {
		if e == nil || e.Sign() < 0 || e.Cmp(order) >= 0 {
			return ErrObjectElement
		}
	}
	if o.Unit.Data == nil || o.Unit.Data.Sign() < 0 || o.Unit.Data.Cmp(order) >= 0 {
		return ErrObjectElement
	}
	return nil
}

// Equal reports deep equality of configs and elements.
func (o MaskObject) Equal(other MaskObject) bool {
	if o.Vect.Config != other.Vect.Config || o.Unit.Config != other.Unit.Config {
		return false
	}
	if len(o.Vect.Data) != len(other.Vect.Data) {
		return false
	}
	for i := range o.Vect.Data {
		if o.Vect.Data[i].Cmp(other.Vect.Data[i]) != 0 {
			return false
		}
	}
	return o.Unit.Data.Cmp(other.Unit.Data) == 0
}

// vectLength is the serialized size of a vector of n elements.
func vectLength(cfg MaskConfig, n int) int {
	return ConfigLength + 4 + n*cfg.ElementLength()
}

// EncodedLength returns the wire size of the object.
func (o MaskObject) EncodedLength() int {
	return vectLength(o.Vect.Config, len(o.Vect.Data)) + vectLength(o.Unit.Config, 1)
}

// EncodeBinary serializes the object: the vector part followed by the unit
// part, each as config code ‖ element count ‖ fixed-width big-endian
// elements.
func (o MaskObject) EncodeBinary() []byte {
	buf := make([]byte, 0, o.EncodedLength())
	buf = appendVect(buf, o.Vect.Config, o.Vect.Data)
	buf = appendVect(buf, o.Unit.Config, []*big.Int{o.Unit.Data})
	return buf
}

func appendVect(buf []byte, cfg MaskConfig, data []*big.Int) []byte {
	code := cfg.Bytes()
	buf = append(buf, code[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	width := cfg.ElementLength()
	for _, e := range data {
		buf = append(buf, e.FillBytes(make([]byte, width))...)
	}
	return buf
}

// DecodeMaskObject parses a serialized MaskObject from the front of buf and
// returns it together with the number of consumed bytes.
func DecodeMaskObject(buf []byte) (MaskObject, int, error) {
	vect, n, err := decodeVect(buf)
	if err != nil {
		return MaskObject{}, 0, fmt.Errorf("masked vector: %w", err)
	}
	unit, m, err := decodeVect(buf[n:])
	if err != nil {
		return MaskObject{}, 0, fmt.Errorf("masked unit: %w", err)
	}
	if len(unit.Data) != 1 {
		return MaskObject{}, 0, fmt.Errorf("masked unit: %w: %d elements", ErrObjectTruncated, len(unit.Data))
	}
	o := MaskObject{Vect: vect, Unit: MaskUnit{Config: unit.Config, Data: unit.Data[0]}}
	if err := o.Validate(); err != nil {
		return MaskObject{}, 0, err
	}
	return o, n + m, nil
}

func decodeVect(buf []byte) (MaskVect, int, error) {
	if len(buf) < ConfigLength+4 {
		return MaskVect{}, 0, ErrObjectTruncated
	}
	cfg, err := ConfigFromBytes(buf)
	if err != nil {
		return MaskVect{}, 0, err
	}
	count := binary.BigEndian.Uint32(buf[ConfigLength:])
	width := cfg.ElementLength()
	total := ConfigLength + 4 + int(count)*width
	if len(buf) < total {
		return MaskVect{}, 0, ErrObjectTruncated
	}
	order := cfg.Order()
	data := make([]*big.Int, count)
	off := ConfigLength + 4
	for i := range data {
		e := new(big.Int).SetBytes(buf[off : off+width])
		if e.Cmp(order) >= 0 {
			return MaskVect{}, 0, ErrObjectElement
		}
		data[i] = e
		off += width
	}
	return MaskVect{Config: cfg, Data: data}, total, nil
}

// Digest returns a blake3 digest of the serialized object, used to key mask
// tallies.
func (o MaskObject) Digest() [32]byte {
	return blake3.Sum256(o.EncodeBinary())
}
