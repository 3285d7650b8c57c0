// Package mask implements the masking side of the PET protocol: the finite
// group embedding of models, seeded mask generation, streaming homomorphic
// aggregation and unmasking.
package mask

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
)

// GroupType selects the family of the finite group order.
type GroupType uint8

// DataType selects the primitive precision of the model weights.
type DataType uint8

// BoundType bounds the absolute value of every model weight.
type BoundType uint8

// ModelType bounds the number of models that can be aggregated.
type ModelType uint8

const (
	// Integer groups have the minimal order with no gap.
	Integer GroupType = iota
	// Prime groups use the smallest prime above the minimal order.
	Prime
	// Power2 groups use the smallest power of two above the minimal order.
	Power2
)

const (
	F32 DataType = iota
	F64
	I32
	I64
)

const (
	// B0 bounds |weight| by 1.
	B0 BoundType = iota
	// B2 bounds |weight| by 10^2.
	B2
	// B4 bounds |weight| by 10^4.
	B4
	// B6 bounds |weight| by 10^6.
	B6
	// Bmax bounds |weight| by the data type's maximum value.
	Bmax
)

const (
	// M3 allows 10^3 aggregated models.
	M3 ModelType = iota
	// M6 allows 10^6 aggregated models.
	M6
	// M9 allows 10^9 aggregated models.
	M9
	// M12 allows 10^12 aggregated models.
	M12
)

// ConfigLength is the wire size of a serialized MaskConfig.
const ConfigLength = 4

// ErrInvalidConfig is returned when a serialized or configured mask config
// holds an unknown variant.
var ErrInvalidConfig = errors.New("mask: invalid mask config")

// MaskConfig is the tuple that fixes the finite group embedding: the group
// order family, the weight precision, the weight bound and the maximum
// number of aggregable models. Together they derive the group order, the
// additive shift S and the exponential scale E.
type MaskConfig struct {
	GroupType GroupType
	DataType  DataType
	BoundType BoundType
	ModelType ModelType
}

// Validate checks that every variant of the tuple is known.
func (c MaskConfig) Validate() error {
	if c.GroupType > Power2 || c.DataType > I64 || c.BoundType > Bmax || c.ModelType > M12 {
		return ErrInvalidConfig
	}
	return nil
}

// Bytes returns the 4-byte wire code of the config.
func (c MaskConfig) Bytes() [ConfigLength]byte {
	return [ConfigLength]byte{byte(c.GroupType), byte(c.DataType), byte(c.BoundType), byte(c.ModelType)}
}

// ConfigFromBytes parses and validates a 4-byte wire code.
func ConfigFromBytes(b []byte) (MaskConfig, error) {
	if len(b) < ConfigLength {
		return MaskConfig{}, fmt.Errorf("%w: truncated code", ErrInvalidConfig)
	}
	c := MaskConfig{
		GroupType: GroupType(b[0]),
		DataType:  DataType(b[1]),
		BoundType: BoundType(b[2]),
		ModelType: ModelType(b[3]),
	}
	if err := c.Validate(); err != nil {
		return MaskConfig{}, err
	}
	return c, nil
}

func (c MaskConfig) String() string {
	return fmt.Sprintf("MaskConfig(%d,%d,%d,%d)", c.GroupType, c.DataType, c.BoundType, c.ModelType)
}

// AddShift returns S, the additive shift that makes embedded weights
// non-negative. Weights are clamped to [-S, S] before embedding.
func (c MaskConfig) AddShift() *big.Int {
	switch c.BoundType {
	case B0:
		return big.NewInt(1)
	case B2:
		return big.NewInt(100)
	case B4:
		return big.NewInt(10_000)
	case B6:
		return big.NewInt(1_000_000)
	case Bmax:
		return dataTypeMax(c.DataType)
	default:
		panic("mask: unknown bound type")
	}
}

// ExpShift returns E, the power of ten that scales clamped weights to
// integers. It fixes the preserved decimal places per data type.
func (c MaskConfig) ExpShift() *big.Int {
	var exp int64
	switch c.DataType {
	case F32:
		exp = 10
		if c.BoundType == Bmax {
			exp = 45
		}
	case F64:
		exp = 20
		if c.BoundType == Bmax {
			exp = 324
		}
	case I32, I64:
		exp = 10
	default:
		panic("mask: unknown data type")
	}
	return pow10(exp)
}

// ModelCount returns the maximum number of aggregable models.
func (c MaskConfig) ModelCount() *big.Int {
	switch c.ModelType {
	case M3:
		return pow10(3)
	case M6:
		return pow10(6)
	case M9:
		return pow10(9)
	case M12:
		return pow10(12)
	default:
		panic("mask: unknown model type")
	}
}

var (
	orderMu    sync.RWMutex
	orderCache = map[[ConfigLength]byte]*big.Int{}
)

// Order returns the group order. The order is the minimal value satisfying
// order > 2·S·E·model_count, raised to the next prime or power of two for
// the Prime and Power2 group families. The result is cached per config and
// must not be mutated.
func (c MaskConfig) Order() *big.Int {
	code := c.Bytes()
	orderMu.RLock()
	if o, ok := orderCache[code]; ok {
		orderMu.RUnlock()
		return o
	}
	orderMu.RUnlock()

	o := c.deriveOrder()
	orderMu.Lock()
	orderCache[code] = o
	orderMu.Unlock()
	return o
}

func (c MaskConfig) deriveOrder() *big.Int {
	// Largest aggregable embedded weight is 2·S·E·model_count, reached when
	// every contribution sits at the +S bound.
	base := new(big.Int).Lsh(c.AddShift(), 1)
	base.Mul(base, c.ExpShift())
	base.Mul(base, c.ModelCount())
	base.Add(base, big.NewInt(1))

	switch c.GroupType {
	case Integer:
		return base
	case Prime:
		return nextPrime(base)
	case Power2:
		return nextPowerOfTwo(base)
	default:
		panic("mask: unknown group type")
	}
}

// ElementLength returns the fixed byte width of one serialized group
// element: the smallest b with 256^b >= order.
func (c MaskConfig) ElementLength() int {
	max := new(big.Int).Sub(c.Order(), big.NewInt(1))
	if max.Sign() == 0 {
		return 1
	}
	return (max.BitLen() + 7) / 8
}

func dataTypeMax(d DataType) *big.Int {
	switch d {
	case F32:
		// math.MaxFloat32 == (2^24 - 1) * 2^104, an exact integer.
		m := new(big.Int).Lsh(big.NewInt(1), 24)
		m.Sub(m, big.NewInt(1))
		return m.Lsh(m, 104)
	case F64:
		// math.MaxFloat64 == (2^53 - 1) * 2^971.
		m := new(big.Int).Lsh(big.NewInt(1), 53)
		m.Sub(m, big.NewInt(1))
		return m.Lsh(m, 971)
	case I32:
		return big.NewInt(math.MaxInt32)
	case I64:
		return big.NewInt(math.MaxInt64)
	default:
		panic("mask: unknown data type")
	}
}

func pow10(exp int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(exp), nil)
}

func nextPrime(n *big.Int) *big.Int {
	p := new(big.Int).Set(n)
	if p.Bit(0) == 0 {
		p.Add(p, big.NewInt(1))
	}
	two := big.NewInt(2)
	for !p.ProbablyPrime(32) {
		p.Add(p, two)
	}
	return p
}

func nextPowerOfTwo(n *big.Int) *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), uint(n.BitLen()-1))
	if p.Cmp(n) < 0 {
		p.Lsh(p, 1)
	}
	return p
}
