// Package memdb is the in-memory coordinator storage engine, used by tests
// and single-node development setups.
package memdb

import (
	"context"
	"sort"
	"sync"

	"github.com/xaynetwork/xaynet/crypto"
	"github.com/xaynetwork/xaynet/mask"
	"github.com/xaynetwork/xaynet/pet"
	"github.com/xaynetwork/xaynet/storage"
)

type maskEntry struct {
	mask  mask.MaskObject
	count uint64
}

// Store implements storage.Coordinator in memory.
type Store struct {
	mu sync.RWMutex

	state         *pet.CoordinatorState
	sumDict       pet.SumDict
	seedDict      pet.SeedDict
	submittedUpd  map[crypto.PublicSigningKey]struct{}
	submittedMask map[crypto.PublicSigningKey]struct{}
	masks         map[[32]byte]*maskEntry
	latestModelID string
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	s := &Store{}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.sumDict = make(pet.SumDict)
	s.seedDict = make(pet.SeedDict)
	s.submittedUpd = make(map[crypto.PublicSigningKey]struct{})
	s.submittedMask = make(map[crypto.PublicSigningKey]struct{})
	s.masks = make(map[[32]byte]*maskEntry)
}

func (s *Store) SetState(_ context.Context, state *pet.CoordinatorState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	s.state = &cp
	return nil
}

func (s *Store) State(_ context.Context) (*pet.CoordinatorState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return nil, storage.ErrNoCoordinatorState
	}
	cp := *s.state
	return &cp, nil
}

func (s *Store) AddSumParticipant(_ context.Context, pk crypto.PublicSigningKey, ephmPK crypto.PublicEncryptKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sumDict[pk]; ok {
		return storage.ErrSumParticipantExists
	}
	s.sumDict[pk] = ephmPK
	return nil
}

func (s *Store) SumDict(_ context.Context) (pet.SumDict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(pet.SumDict, len(s.sumDict))
	for pk, ephm := range s.sumDict {
		out[pk] = ephm
	}
	return out, nil
}

func (s *Store) AddLocalSeedDict(_ context.Context, updatePK crypto.PublicSigningKey, dict pet.LocalSeedDict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(dict) != len(s.sumDict) {
		return storage.ErrLengthMismatch
	}
	for sumPK := range dict {
		if _, ok := s.sumDict[sumPK]; !ok {
			return storage.ErrUnknownSumParticipant
		}
	}
	if _, ok := s.submittedUpd[updatePK]; ok {
		return storage.ErrUpdatePkAlreadySubmitted
	}
	for sumPK := range dict {
		if _, ok := s.seedDict[sumPK][updatePK]; ok {
			return storage.ErrUpdatePkAlreadyExists
		}
	}

	for sumPK, seed := range dict {
		sub, ok := s.seedDict[sumPK]
		if !ok {
			sub = make(map[crypto.PublicSigningKey]mask.EncryptedMaskSeed)
			s.seedDict[sumPK] = sub
		}
		sub[updatePK] = seed
	}
	s.submittedUpd[updatePK] = struct{}{}
	return nil
}

func (s *Store) SeedDict(_ context.Context) (pet.SeedDict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(pet.SeedDict, len(s.seedDict))
	for sumPK, sub := range s.seedDict {
		cp := make(map[crypto.PublicSigningKey]mask.EncryptedMaskSeed, len(sub))
		for updatePK, seed := range sub {
			cp[updatePK] = seed
		}
		out[sumPK] = cp
	}
	return out, nil
}

func (s *Store) IncrMaskScore(_ context.Context, pk crypto.PublicSigningKey, m mask.MaskObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sumDict[pk]; !ok {
		return storage.ErrUnknownSumPk
	}
	if _, ok := s.submittedMask[pk]; ok {
		return storage.ErrMaskAlreadySubmitted
	}
	s.submittedMask[pk] = struct{}{}
	digest := m.Digest()
	if e, ok := s.masks[digest]; ok {
		e.count++
	} else {
		s.masks[digest] = &maskEntry{mask: m, count: 1}
	}
	return nil
}

func (s *Store) BestMasks(_ context.Context) ([]storage.MaskScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scores := make([]storage.MaskScore, 0, len(s.masks))
	for _, e := range s.masks {
		scores = append(scores, storage.MaskScore{Mask: e.mask, Count: e.count})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].Count > scores[j].Count })
	if len(scores) > 2 {
		scores = scores[:2]
	}
	return scores, nil
}

func (s *Store) NumberOfUniqueMasks(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.masks)), nil
}

func (s *Store) DeleteCoordinatorData(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nil
	s.latestModelID = ""
	s.reset()
	return nil
}

func (s *Store) DeleteDicts(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

func (s *Store) SetLatestGlobalModelID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestModelID = id
	return nil
}

func (s *Store) LatestGlobalModelID(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latestModelID == "" {
		return "", storage.ErrNoGlobalModel
	}
	return s.latestModelID, nil
}

func (s *Store) IsReady(_ context.Context) error { return nil }

func (s *Store) Close() error { return nil }

var _ storage.Coordinator = (*Store)(nil)
