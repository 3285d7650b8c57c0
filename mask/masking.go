package mask

import (
	"errors"
	"math/big"
)

// Aggregation and unmasking errors.
var (
	ErrAggregationConfig  = errors.New("mask: aggregation config mismatch")
	ErrAggregationLength  = errors.New("mask: aggregation length mismatch")
	ErrAggregationElement = errors.New("mask: aggregation element not below the group order")
	ErrAggregationCount   = errors.New("mask: aggregation would exceed the model count bound")
	ErrUnmaskingConfig    = errors.New("mask: unmasking config mismatch")
	ErrUnmaskingLength    = errors.New("mask: unmasking length mismatch")
	ErrUnmaskingEmpty     = errors.New("mask: unmasking an empty aggregation")
)

// Mask conceals a model and its scalar under a fresh random seed. The
// clamped weights are shifted into the non-negative range, scaled to
// integers and blinded by seed-derived group elements:
//
//	masked_i = ((clamp(w_i) + S) · E + r_i) mod order
//
// Masking is bit-exact: the same seed, config and length always produce the
// same MaskObject.
func Mask(cfg MaskConfig, scalar *big.Rat, model Model) (MaskSeed, MaskObject, error) {
	seed, err := NewMaskSeed()
	if err != nil {
		return MaskSeed{}, MaskObject{}, err
	}
	return seed, MaskWithSeed(seed, cfg, scalar, model), nil
}

// MaskWithSeed conceals a model under a caller-provided seed.
func MaskWithSeed(seed MaskSeed, cfg MaskConfig, scalar *big.Rat, model Model) MaskObject {
	blind := seed.DeriveMask(len(model), cfg)
	order := cfg.Order()
	shift := cfg.AddShift()
	scale := cfg.ExpShift()

	data := make([]*big.Int, len(model))
	for i, w := range model {
		e := embed(w, shift, scale)
		e.Add(e, blind.Vect.Data[i])
		data[i] = e.Mod(e, order)
	}
	u := embed(scalar, shift, scale)
	u.Add(u, blind.Unit.Data)
	u.Mod(u, order)
	return NewMaskObject(cfg, data, u)
}

// embed clamps w to [-S, S] and returns the non-negative integer
// (w + S) · E, truncated toward zero.
func embed(w *big.Rat, shift, scale *big.Int) *big.Int {
	s := new(big.Rat).SetInt(shift)
	clamped := w
	if clamped.Cmp(s) > 0 {
		clamped = s
	} else if clamped.Cmp(new(big.Rat).Neg(s)) < 0 {
		clamped = new(big.Rat).Neg(s)
	}
	t := new(big.Rat).Add(clamped, s)
	t.Mul(t, new(big.Rat).SetInt(scale))
	return new(big.Int).Quo(t.Num(), t.Denom())
}

// Aggregation is a streaming element-wise modular sum of MaskObjects. It
// accumulates either masked models or seed-derived masks; the two
// aggregates cancel exactly at unmasking.
type Aggregation struct {
	config MaskConfig
	length int
	vect   []*big.Int
	unit   *big.Int
	count  int
}

// NewAggregation returns an empty aggregation for the expected model length.
func NewAggregation(cfg MaskConfig, length int) *Aggregation {
	vect := make([]*big.Int, length)
	for i := range vect {
		vect[i] = new(big.Int)
	}
	return &Aggregation{config: cfg, length: length, vect: vect, unit: new(big.Int)}
}

// Config returns the aggregation's mask config.
func (a *Aggregation) Config() MaskConfig { return a.config }

// Len returns the expected vector length.
func (a *Aggregation) Len() int { return a.length }

// Count returns the number of absorbed contributions.
func (a *Aggregation) Count() int { return a.count }

// ValidateAggregation checks that o can be absorbed: same config, same
// length, every element below the order, and the contribution count still
// below the model type bound.
func (a *Aggregation) ValidateAggregation(o MaskObject) error {
	if o.Vect.Config != a.config || o.Unit.Config != a.config {
		return ErrAggregationConfig
	}
	if len(o.Vect.Data) != a.length {
		return ErrAggregationLength
	}
	if err := o.Validate(); err != nil {
		return ErrAggregationElement
	}
	next := big.NewInt(int64(a.count) + 1)
	if next.Cmp(a.config.ModelCount()) > 0 {
		return ErrAggregationCount
	}
	return nil
}

// Aggregate absorbs a validated contribution. Callers must run
// ValidateAggregation first; Aggregate does not re-check.
func (a *Aggregation) Aggregate(o MaskObject) {
	order := a.config.Order()
	for i, e := range o.Vect.Data {
		a.vect[i].Add(a.vect[i], e)
		a.vect[i].Mod(a.vect[i], order)
	}
	a.unit.Add(a.unit, o.Unit.Data)
	a.unit.Mod(a.unit, order)
	a.count++
}

// MaskedObject returns a snapshot of the current aggregate.
func (a *Aggregation) MaskedObject() MaskObject {
	vect := make([]*big.Int, a.length)
	for i := range vect {
		vect[i] = new(big.Int).Set(a.vect[i])
	}
	return NewMaskObject(a.config, vect, new(big.Int).Set(a.unit))
}

// ValidateUnmasking checks that the aggregated mask fits this aggregate.
func (a *Aggregation) ValidateUnmasking(mask MaskObject) error {
	if mask.Vect.Config != a.config || mask.Unit.Config != a.config {
		return ErrUnmaskingConfig
	}
	if len(mask.Vect.Data) != a.length {
		return ErrUnmaskingLength
	}
	if a.count == 0 {
		return ErrUnmaskingEmpty
	}
	return nil
}

// Unmask removes the aggregated mask from the aggregated model and undoes
// the embedding. Per element:
//
//	w_i = ((M_i − K_i) mod order) / (E · N) − S
//
// where N is the number of absorbed contributions, so the result is the
// average of the clamped contributed models. The second return value is the
// unmasked scalar average.
func (a *Aggregation) Unmask(mask MaskObject) (Model, *big.Rat) {
	order := a.config.Order()
	shift := new(big.Rat).SetInt(a.config.AddShift())
	n := big.NewInt(int64(a.count))
	div := new(big.Int).Mul(a.config.ExpShift(), n)

	model := make(Model, a.length)
	for i := range a.vect {
		v := new(big.Int).Sub(a.vect[i], mask.Vect.Data[i])
		v.Mod(v, order)
		w := new(big.Rat).SetFrac(v, new(big.Int).Set(div))
		model[i] = w.Sub(w, shift)
	}
	u := new(big.Int).Sub(a.unit, mask.Unit.Data)
	u.Mod(u, order)
	scalar := new(big.Rat).SetFrac(u, new(big.Int).Set(div))
	scalar.Sub(scalar, shift)
	return model, scalar
}
