package mask

import (
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func testConfig() MaskConfig {
	return MaskConfig{GroupType: Prime, DataType: F32, BoundType: B0, ModelType: M3}
}

func TestMaskUnmaskSingleParticipant(t *testing.T) {
	cfg := testConfig()
	model, err := FromFloat32s([]float32{-1, 0, 1})
	require.NoError(t, err)
	scalar := new(big.Rat).SetInt64(1)

	seed, masked, err := Mask(cfg, scalar, model)
	require.NoError(t, err)
	require.NoError(t, masked.Validate())

	agg := NewAggregation(cfg, 3)
	require.NoError(t, agg.ValidateAggregation(masked))
	agg.Aggregate(masked)

	maskAgg := NewAggregation(cfg, 3)
	derived := seed.DeriveMask(3, cfg)
	require.NoError(t, maskAgg.ValidateAggregation(derived))
	maskAgg.Aggregate(derived)

	require.NoError(t, agg.ValidateUnmasking(maskAgg.MaskedObject()))
	got, gotScalar := agg.Unmask(maskAgg.MaskedObject())

	weights, err := got.Float32s()
	require.NoError(t, err)
	require.InDelta(t, -1, weights[0], 1e-3)
	require.InDelta(t, 0, weights[1], 1e-3)
	require.InDelta(t, 1, weights[2], 1e-3)

	s, _ := gotScalar.Float64()
	require.InDelta(t, 1, s, 1e-3)
}

func TestMaskUnmaskAverage(t *testing.T) {
	cfg := MaskConfig{GroupType: Integer, DataType: F32, BoundType: B0, ModelType: M3}
	scalar := new(big.Rat).SetInt64(1)

	modelAgg := NewAggregation(cfg, 2)
	maskAgg := NewAggregation(cfg, 2)
	for _, ws := range [][]float32{{0, 0.5}, {1, 0.5}} {
		model, err := FromFloat32s(ws)
		require.NoError(t, err)
		seed, masked, err := Mask(cfg, scalar, model)
		require.NoError(t, err)
		require.NoError(t, modelAgg.ValidateAggregation(masked))
		modelAgg.Aggregate(masked)
		derived := seed.DeriveMask(2, cfg)
		require.NoError(t, maskAgg.ValidateAggregation(derived))
		maskAgg.Aggregate(derived)
	}

	got, _ := modelAgg.Unmask(maskAgg.MaskedObject())
	weights, err := got.Float32s()
	require.NoError(t, err)
	require.InDelta(t, 0.5, weights[0], 1e-3)
	require.InDelta(t, 0.5, weights[1], 1e-3)
}

func TestMaskingIsDeterministic(t *testing.T) {
	cfg := testConfig()
	model := FromFloat32sBounded([]float32{0.25, -0.75})
	scalar := new(big.Rat).SetInt64(1)

	var seed MaskSeed
	for i := range seed {
		seed[i] = byte(i)
	}
	a := MaskWithSeed(seed, cfg, scalar, model)
	b := MaskWithSeed(seed, cfg, scalar, model)
	require.True(t, a.Equal(b))
	require.True(t, seed.DeriveMask(2, cfg).Equal(seed.DeriveMask(2, cfg)))
}

func TestMaskClampsOutOfBoundWeights(t *testing.T) {
	cfg := testConfig()
	over := FromFloat32sBounded([]float32{42})
	atBound := FromFloat32sBounded([]float32{1})
	scalar := new(big.Rat).SetInt64(1)

	var seed MaskSeed
	masked := MaskWithSeed(seed, cfg, scalar, over)
	require.True(t, masked.Equal(MaskWithSeed(seed, cfg, scalar, atBound)))
}

func TestAggregationRejectsConfigMismatch(t *testing.T) {
	prime := testConfig()
	integer := MaskConfig{GroupType: Integer, DataType: F32, BoundType: B0, ModelType: M3}
	scalar := new(big.Rat).SetInt64(1)
	model := FromFloat32sBounded([]float32{0.5, 0.5})

	_, first, err := Mask(prime, scalar, model)
	require.NoError(t, err)
	_, second, err := Mask(integer, scalar, model)
	require.NoError(t, err)

	agg := NewAggregation(prime, 2)
	require.NoError(t, agg.ValidateAggregation(first))
	agg.Aggregate(first)

	before := agg.MaskedObject()
	require.ErrorIs(t, agg.ValidateAggregation(second), ErrAggregationConfig)
	require.True(t, agg.MaskedObject().Equal(before))
	require.Equal(t, 1, agg.Count())
}

func TestAggregationRejectsLengthMismatch(t *testing.T) {
	cfg := testConfig()
	scalar := new(big.Rat).SetInt64(1)
	_, masked, err := Mask(cfg, scalar, FromFloat32sBounded([]float32{0.5}))
	require.NoError(t, err)

	agg := NewAggregation(cfg, 2)
	require.ErrorIs(t, agg.ValidateAggregation(masked), ErrAggregationLength)
}

func TestAggregationRejectsElementOutOfRange(t *testing.T) {
	cfg := testConfig()
	bad := NewMaskObject(cfg, []*big.Int{new(big.Int).Set(cfg.Order())}, big.NewInt(0))
	agg := NewAggregation(cfg, 1)
	require.ErrorIs(t, agg.ValidateAggregation(bad), ErrAggregationElement)
}

func TestAggregationRejectsTooManyContributions(t *testing.T) {
	cfg := testConfig()
	agg := NewAggregation(cfg, 1)
	agg.count = 1000
	obj := NewMaskObject(cfg, []*big.Int{big.NewInt(1)}, big.NewInt(1))
	require.ErrorIs(t, agg.ValidateAggregation(obj), ErrAggregationCount)
}

func TestUnmaskingValidation(t *testing.T) {
	cfg := testConfig()
	other := MaskConfig{GroupType: Integer, DataType: F32, BoundType: B0, ModelType: M3}

	agg := NewAggregation(cfg, 1)
	obj := NewMaskObject(cfg, []*big.Int{big.NewInt(1)}, big.NewInt(1))
	require.ErrorIs(t, agg.ValidateUnmasking(obj), ErrUnmaskingEmpty)

	agg.Aggregate(obj)
	require.NoError(t, agg.ValidateUnmasking(obj))
	require.ErrorIs(t, agg.ValidateUnmasking(NewMaskObject(other, []*big.Int{big.NewInt(1)}, big.NewInt(1))), ErrUnmaskingConfig)
	require.ErrorIs(t, agg.ValidateUnmasking(NewMaskObject(cfg, []*big.Int{big.NewInt(1), big.NewInt(2)}, big.NewInt(1))), ErrUnmaskingLength)
}

func TestModelFloatRoundTrip(t *testing.T) {
	xs := []float32{-1.5, 0, 0.25, 1000}
	m, err := FromFloat32s(xs)
	require.NoError(t, err)
	back, err := m.Float32s()
	require.NoError(t, err)
	require.Equal(t, xs, back)
}

func TestFromFloatsStrictRejectsNonFinite(t *testing.T) {
	_, err := FromFloat32s([]float32{float32(math.NaN())})
	var cast PrimitiveCastError
	require.ErrorAs(t, err, &cast)

	_, err = FromFloat64s([]float64{math.Inf(1)})
	require.ErrorAs(t, err, &cast)
}

func TestFromFloatsBounded(t *testing.T) {
	m := FromFloat32sBounded([]float32{float32(math.Inf(1)), float32(math.Inf(-1)), float32(math.NaN()), 0.5})
	back, err := m.Float32s()
	require.NoError(t, err)
	require.Equal(t, []float32{math.MaxFloat32, -math.MaxFloat32, 0, 0.5}, back)
}

func TestModelIntRoundTrip(t *testing.T) {
	xs := []int32{math.MinInt32, -1, 0, 1, math.MaxInt32}
	back, err := FromInt32s(xs).Int32s()
	require.NoError(t, err)
	require.Equal(t, xs, back)

	ys := []int64{math.MinInt64, 0, math.MaxInt64}
	back64, err := FromInt64s(ys).Int64s()
	require.NoError(t, err)
	require.Equal(t, ys, back64)
}

func TestModelIntRangeCheck(t *testing.T) {
	big64 := FromInt64s([]int64{math.MaxInt32 + 1})
	_, err := big64.Int32s()
	var cast ModelCastError
	require.ErrorAs(t, err, &cast)
	require.Equal(t, I32, cast.Target)
}
