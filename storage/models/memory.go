// Package models holds the global model blob stores: an in-memory engine
// for tests and development, and an S3 engine for production.
package models

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/xaynetwork/xaynet/mask"
	"github.com/xaynetwork/xaynet/pet"
	"github.com/xaynetwork/xaynet/storage"
)

// MemoryStore implements storage.Models in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	models map[string]mask.Model
}

// NewMemoryStore returns an empty in-memory model store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{models: make(map[string]mask.Model)}
}

func (s *MemoryStore) SetGlobalModel(_ context.Context, roundID uint64, seed pet.RoundSeed, m mask.Model) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := storage.GlobalModelID(roundID, seed)
	if _, ok := s.models[id]; ok {
		return "", fmt.Errorf("%w: %s", storage.ErrModelExists, id)
	}
	s.models[id] = append(mask.Model{}, m...)
	return id, nil
}

func (s *MemoryStore) GlobalModel(_ context.Context, id string) (mask.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return nil, storage.ErrNoGlobalModel
	}
	return append(mask.Model{}, m...), nil
}

func (s *MemoryStore) IsReady(_ context.Context) error { return nil }

// encodeModel serializes a model as a JSON array of exact rationals, the
// blob format of the S3 engine. MemoryStore keeps models as values and does
// not encode them.
func encodeModel(m mask.Model) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding model: %w", err)
	}
	return raw, nil
}

func decodeModel(raw []byte) (mask.Model, error) {
	var rats []*big.Rat
	if err := json.Unmarshal(raw, &rats); err != nil {
		return nil, fmt.Errorf("decoding model: %w", err)
	}
	return mask.Model(rats), nil
}

var _ storage.Models = (*MemoryStore)(nil)
