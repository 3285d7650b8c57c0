// Package boltdb is the single-node persistent coordinator storage engine
// on top of bbolt.
package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/xaynetwork/xaynet/crypto"
	"github.com/xaynetwork/xaynet/mask"
	"github.com/xaynetwork/xaynet/pet"
	"github.com/xaynetwork/xaynet/storage"
)

var (
	bucketMeta          = []byte("meta")
	bucketSumDict       = []byte("sum_dict")
	bucketSeedDict      = []byte("seed_dict")
	bucketUpdSubmitted  = []byte("update_submitted")
	bucketMaskSubmitted = []byte("mask_submitted")
	bucketMaskCounts    = []byte("mask_counts")
	bucketMaskObjects   = []byte("mask_objects")

	keyState         = []byte("coordinator_state")
	keyLatestModelID = []byte("latest_global_model_id")
)

var dictBuckets = [][]byte{
	bucketSumDict, bucketSeedDict, bucketUpdSubmitted, bucketMaskSubmitted, bucketMaskCounts, bucketMaskObjects,
}

// Store implements storage.Coordinator on a bbolt database file.
type Store struct {
	db *bolt.DB
}

// NewStore opens or creates the database file and its buckets.
func NewStore(path string, opts *bolt.Options) (*Store, error) {
	db, err := bolt.Open(path, 0o660, opts)
	if err != nil {
		return nil, fmt.Errorf("opening bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range append([][]byte{bucketMeta}, dictBuckets...) {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) SetState(_ context.Context, state *pet.CoordinatorState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding coordinator state: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyState, raw)
	})
}

func (s *Store) State(_ context.Context) (*pet.CoordinatorState, error) {
	var state *pet.CoordinatorState
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyState)
		if raw == nil {
			return storage.ErrNoCoordinatorState
		}
		state = new(pet.CoordinatorState)
		return json.Unmarshal(raw, state)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Store) AddSumParticipant(_ context.Context, pk crypto.PublicSigningKey, ephmPK crypto.PublicEncryptKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSumDict)
		if b.Get(pk[:]) != nil {
			return storage.ErrSumParticipantExists
		}
		return b.Put(pk[:], ephmPK[:])
	})
}

func (s *Store) SumDict(_ context.Context) (pet.SumDict, error) {
	dict := make(pet.SumDict)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSumDict).ForEach(func(k, v []byte) error {
			var pk crypto.PublicSigningKey
			var ephm crypto.PublicEncryptKey
			copy(pk[:], k)
			copy(ephm[:], v)
			dict[pk] = ephm
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return dict, nil
}

func (s *Store) AddLocalSeedDict(_ context.Context, updatePK crypto.PublicSigningKey, dict pet.LocalSeedDict) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sums := tx.Bucket(bucketSumDict)
		sumCount := 0
		if err := sums.ForEach(func(_, _ []byte) error { sumCount++; return nil }); err != nil {
			return err
		}
		if len(dict) != sumCount {
			return storage.ErrLengthMismatch
		}
		for sumPK := range dict {
			if sums.Get(sumPK[:]) == nil {
				return storage.ErrUnknownSumParticipant
			}
		}
		submitted := tx.Bucket(bucketUpdSubmitted)
		if submitted.Get(updatePK[:]) != nil {
			return storage.ErrUpdatePkAlreadySubmitted
		}
		seeds := tx.Bucket(bucketSeedDict)
		for sumPK := range dict {
			if sub := seeds.Bucket(sumPK[:]); sub != nil && sub.Get(updatePK[:]) != nil {
				return storage.ErrUpdatePkAlreadyExists
			}
		}

		for sumPK, seed := range dict {
			sub, err := seeds.CreateBucketIfNotExists(sumPK[:])
			if err != nil {
				return err
			}
			if err := sub.Put(updatePK[:], seed[:]); err != nil {
				return err
			}
		}
		return submitted.Put(updatePK[:], []byte{})
	})
}

func (s *Store) SeedDict(_ context.Context) (pet.SeedDict, error) {
	dict := make(pet.SeedDict)
	err := s.db.View(func(tx *bolt.Tx) error {
		seeds := tx.Bucket(bucketSeedDict)
		return seeds.ForEach(func(k, v []byte) error {
			if v != nil {
				// Only nested per-sum-participant buckets live here.
				return nil
			}
			var sumPK crypto.PublicSigningKey
			copy(sumPK[:], k)
			sub := make(map[crypto.PublicSigningKey]mask.EncryptedMaskSeed)
			err := seeds.Bucket(k).ForEach(func(uk, v []byte) error {
				var updatePK crypto.PublicSigningKey
				var seed mask.EncryptedMaskSeed
				copy(updatePK[:], uk)
				copy(seed[:], v)
				sub[updatePK] = seed
				return nil
			})
			if err != nil {
				return err
			}
			dict[sumPK] = sub
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return dict, nil
}

func (s *Store) IncrMaskScore(_ context.Context, pk crypto.PublicSigningKey, m mask.MaskObject) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSumDict).Get(pk[:]) == nil {
			return storage.ErrUnknownSumPk
		}
		submitted := tx.Bucket(bucketMaskSubmitted)
		if submitted.Get(pk[:]) != nil {
			return storage.ErrMaskAlreadySubmitted
		}
		if err := submitted.Put(pk[:], []byte{}); err != nil {
			return err
		}

		digest := m.Digest()
		counts := tx.Bucket(bucketMaskCounts)
		count := uint64(0)
		if raw := counts.Get(digest[:]); raw != nil {
			count = binary.BigEndian.Uint64(raw)
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], count+1)
		if err := counts.Put(digest[:], buf[:]); err != nil {
			return err
		}
		return tx.Bucket(bucketMaskObjects).Put(digest[:], m.EncodeBinary())
	})
}

func (s *Store) BestMasks(_ context.Context) ([]storage.MaskScore, error) {
	var scores []storage.MaskScore
	err := s.db.View(func(tx *bolt.Tx) error {
		objects := tx.Bucket(bucketMaskObjects)
		return tx.Bucket(bucketMaskCounts).ForEach(func(k, v []byte) error {
			raw := objects.Get(k)
			obj, _, err := mask.DecodeMaskObject(raw)
			if err != nil {
				return fmt.Errorf("decoding stored mask: %w", err)
			}
			scores = append(scores, storage.MaskScore{Mask: obj, Count: binary.BigEndian.Uint64(v)})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].Count > scores[j].Count })
	if len(scores) > 2 {
		scores = scores[:2]
	}
	return scores, nil
}

func (s *Store) NumberOfUniqueMasks(_ context.Context) (uint64, error) {
	var n uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMaskCounts).ForEach(func(_, _ []byte) error { n++; return nil })
	})
	return n, err
}

func (s *Store) DeleteCoordinatorData(ctx context.Context) error {
	if err := s.DeleteDicts(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if err := meta.Delete(keyState); err != nil {
			return err
		}
		return meta.Delete(keyLatestModelID)
	})
}

func (s *Store) DeleteDicts(_ context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range dictBuckets {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) SetLatestGlobalModelID(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyLatestModelID, []byte(id))
	})
}

func (s *Store) LatestGlobalModelID(_ context.Context) (string, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyLatestModelID)
		if raw == nil {
			return storage.ErrNoGlobalModel
		}
		id = string(raw)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) IsReady(_ context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketMeta) == nil {
			return fmt.Errorf("bolt store not initialized")
		}
		return nil
	})
}

func (s *Store) Close() error { return s.db.Close() }

var _ storage.Coordinator = (*Store)(nil)
