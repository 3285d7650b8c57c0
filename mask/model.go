package mask

import (
	"fmt"
	"math"
	"math/big"
)

// Model is an ordered collection of model weights as arbitrary-precision
// rationals. A model is not bound to a primitive data type; it is created
// from primitives and converted back into them.
type Model []*big.Rat

// ModelCastError reports a weight that cannot be represented in the
// requested primitive type.
type ModelCastError struct {
	Weight *big.Rat
	Target DataType
}

func (e ModelCastError) Error() string {
	return fmt.Sprintf("mask: cannot convert weight %s to %s", e.Weight.RatString(), dataTypeName(e.Target))
}

// PrimitiveCastError reports a primitive value that cannot become a weight,
// i.e. a non-finite float.
type PrimitiveCastError struct {
	Value float64
}

func (e PrimitiveCastError) Error() string {
	return fmt.Sprintf("mask: cannot convert primitive %v to a weight", e.Value)
}

func dataTypeName(d DataType) string {
	switch d {
	case F32:
		return "f32"
	case F64:
		return "f64"
	case I32:
		return "i32"
	case I64:
		return "i64"
	default:
		return "unknown"
	}
}

// FromFloat32s converts weights strictly, failing on any non-finite input.
func FromFloat32s(xs []float32) (Model, error) {
	m := make(Model, len(xs))
	for i, x := range xs {
		r := floatToRat(float64(x))
		if r == nil {
			return nil, PrimitiveCastError{Value: float64(x)}
		}
		m[i] = r
	}
	return m, nil
}

// FromFloat32sBounded converts weights, clamping ±Inf to ±MaxFloat32 and
// mapping NaN to zero.
func FromFloat32sBounded(xs []float32) Model {
	m := make(Model, len(xs))
	for i, x := range xs {
		m[i] = boundedFloatToRat(float64(x), math.MaxFloat32)
	}
	return m
}

// FromFloat64s converts weights strictly, failing on any non-finite input.
func FromFloat64s(xs []float64) (Model, error) {
	m := make(Model, len(xs))
	for i, x := range xs {
		r := floatToRat(x)
		if r == nil {
			return nil, PrimitiveCastError{Value: x}
		}
		m[i] = r
	}
	return m, nil
}

// FromFloat64sBounded converts weights, clamping ±Inf to ±MaxFloat64 and
// mapping NaN to zero.
func FromFloat64sBounded(xs []float64) Model {
	m := make(Model, len(xs))
	for i, x := range xs {
		m[i] = boundedFloatToRat(x, math.MaxFloat64)
	}
	return m
}

// FromInt32s converts integer weights. The conversion is always exact.
func FromInt32s(xs []int32) Model {
	m := make(Model, len(xs))
	for i, x := range xs {
		m[i] = new(big.Rat).SetInt64(int64(x))
	}
	return m
}

// FromInt64s converts integer weights. The conversion is always exact.
func FromInt64s(xs []int64) Model {
	m := make(Model, len(xs))
	for i, x := range xs {
		m[i] = new(big.Rat).SetInt64(x)
	}
	return m
}

// Float32s converts the model back into f32 weights. A weight outside the
// finite f32 range yields a ModelCastError.
func (m Model) Float32s() ([]float32, error) {
	out := make([]float32, len(m))
	for i, r := range m {
		f, _ := r.Float64()
		if math.IsInf(f, 0) || math.Abs(f) > math.MaxFloat32 {
			return nil, ModelCastError{Weight: r, Target: F32}
		}
		out[i] = float32(f)
	}
	return out, nil
}

// Float64s converts the model back into f64 weights.
func (m Model) Float64s() ([]float64, error) {
	out := make([]float64, len(m))
	for i, r := range m {
		f, _ := r.Float64()
		if math.IsInf(f, 0) {
			return nil, ModelCastError{Weight: r, Target: F64}
		}
		out[i] = f
	}
	return out, nil
}

// Int32s converts the model back into i32 weights. Rationals are truncated
// toward zero; a result outside the i32 range yields a ModelCastError.
func (m Model) Int32s() ([]int32, error) {
	out := make([]int32, len(m))
	for i, r := range m {
		t := truncate(r)
		if !t.IsInt64() || t.Int64() > math.MaxInt32 || t.Int64() < math.MinInt32 {
			return nil, ModelCastError{Weight: r, Target: I32}
		}
		out[i] = int32(t.Int64())
	}
	return out, nil
}

// Int64s converts the model back into i64 weights.
func (m Model) Int64s() ([]int64, error) {
	out := make([]int64, len(m))
	for i, r := range m {
		t := truncate(r)
		if !t.IsInt64() {
			return nil, ModelCastError{Weight: r, Target: I64}
		}
		out[i] = t.Int64()
	}
	return out, nil
}

// Equal reports element-wise equality.
func (m Model) Equal(other Model) bool {
	if len(m) != len(other) {
		return false
	}
	for i := range m {
		if m[i].Cmp(other[i]) != 0 {
			return false
		}
	}
	return true
}

func floatToRat(x float64) *big.Rat {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil
	}
	return new(big.Rat).SetFloat64(x)
}

func boundedFloatToRat(x, max float64) *big.Rat {
	switch {
	case math.IsNaN(x):
		return new(big.Rat)
	case math.IsInf(x, 1):
		return new(big.Rat).SetFloat64(max)
	case math.IsInf(x, -1):
		return new(big.Rat).SetFloat64(-max)
	default:
		return new(big.Rat).SetFloat64(x)
	}
}

func truncate(r *big.Rat) *big.Int {
	return new(big.Int).Quo(r.Num(), r.Denom())
}
