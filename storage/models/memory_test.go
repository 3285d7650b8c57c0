package models

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xaynetwork/xaynet/mask"
	"github.com/xaynetwork/xaynet/pet"
	"github.com/xaynetwork/xaynet/storage"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	model := mask.FromFloat32sBounded([]float32{-0.5, 0, 0.5})
	var seed pet.RoundSeed
	seed[0] = 0xab

	id, err := s.SetGlobalModel(ctx, 4, seed, model)
	require.NoError(t, err)
	require.Equal(t, storage.GlobalModelID(4, seed), id)

	got, err := s.GlobalModel(ctx, id)
	require.NoError(t, err)
	require.True(t, model.Equal(got))

	_, err = s.SetGlobalModel(ctx, 4, seed, model)
	require.ErrorIs(t, err, storage.ErrModelExists)

	_, err = s.GlobalModel(ctx, "5_missing")
	require.ErrorIs(t, err, storage.ErrNoGlobalModel)
}

func TestModelEncodingIsExact(t *testing.T) {
	model := mask.FromFloat64sBounded([]float64{1.0 / 3.0, -2.5e-17, 7})
	raw, err := encodeModel(model)
	require.NoError(t, err)

	back, err := decodeModel(raw)
	require.NoError(t, err)
	require.True(t, model.Equal(back))
}
