// Package redisdb is the production coordinator storage engine on Redis:
// a hash for the sum dictionary, one hash per sum participant for the seed
// dictionary, a sorted set for the mask tally and plain keys for the state
// and the latest model id.
package redisdb

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/xaynetwork/xaynet/crypto"
	"github.com/xaynetwork/xaynet/mask"
	"github.com/xaynetwork/xaynet/pet"
	"github.com/xaynetwork/xaynet/storage"
)

const (
	keyState         = "coordinator_state"
	keyLatestModelID = "latest_global_model_id"
	keySumDict       = "sum_dict"
	keyUpdSubmitted  = "update_submitted"
	keyMaskSubmitted = "mask_submitted"
	keyMaskDict      = "mask_dict"
	seedDictPrefix   = "seed_dict:"
)

func seedDictKey(sumPK crypto.PublicSigningKey) string {
	return seedDictPrefix + hex.EncodeToString(sumPK[:])
}

// Store implements storage.Coordinator on a Redis connection.
type Store struct {
	client *redis.Client
}

// NewStore connects to the Redis instance at url
// (redis://[user:pass@]host:port/db).
func NewStore(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &Store{client: redis.NewClient(opts)}, nil
}

func (s *Store) SetState(ctx context.Context, state *pet.CoordinatorState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding coordinator state: %w", err)
	}
	return s.client.Set(ctx, keyState, raw, 0).Err()
}

func (s *Store) State(ctx context.Context) (*pet.CoordinatorState, error) {
	raw, err := s.client.Get(ctx, keyState).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNoCoordinatorState
	}
	if err != nil {
		return nil, fmt.Errorf("reading coordinator state: %w", err)
	}
	state := new(pet.CoordinatorState)
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("decoding coordinator state: %w", err)
	}
	return state, nil
}

func (s *Store) AddSumParticipant(ctx context.Context, pk crypto.PublicSigningKey, ephmPK crypto.PublicEncryptKey) error {
	added, err := s.client.HSetNX(ctx, keySumDict, string(pk[:]), string(ephmPK[:])).Result()
	if err != nil {
		return fmt.Errorf("adding sum participant: %w", err)
	}
	if !added {
		return storage.ErrSumParticipantExists
	}
	return nil
}

func (s *Store) SumDict(ctx context.Context) (pet.SumDict, error) {
	raw, err := s.client.HGetAll(ctx, keySumDict).Result()
	if err != nil {
		return nil, fmt.Errorf("reading sum dict: %w", err)
	}
	dict := make(pet.SumDict, len(raw))
	for k, v := range raw {
		var pk crypto.PublicSigningKey
		var ephm crypto.PublicEncryptKey
		copy(pk[:], k)
		copy(ephm[:], v)
		dict[pk] = ephm
	}
	return dict, nil
}

func (s *Store) AddLocalSeedDict(ctx context.Context, updatePK crypto.PublicSigningKey, dict pet.LocalSeedDict) error {
	sumCount, err := s.client.HLen(ctx, keySumDict).Result()
	if err != nil {
		return fmt.Errorf("reading sum dict size: %w", err)
	}
	if int64(len(dict)) != sumCount {
		return storage.ErrLengthMismatch
	}
	for sumPK := range dict {
		known, err := s.client.HExists(ctx, keySumDict, string(sumPK[:])).Result()
		if err != nil {
			return fmt.Errorf("probing sum participant: %w", err)
		}
		if !known {
			return storage.ErrUnknownSumParticipant
		}
	}
	submitted, err := s.client.SIsMember(ctx, keyUpdSubmitted, string(updatePK[:])).Result()
	if err != nil {
		return fmt.Errorf("probing update participant: %w", err)
	}
	if submitted {
		return storage.ErrUpdatePkAlreadySubmitted
	}
	for sumPK := range dict {
		present, err := s.client.HExists(ctx, seedDictKey(sumPK), string(updatePK[:])).Result()
		if err != nil {
			return fmt.Errorf("probing seed dict: %w", err)
		}
		if present {
			return storage.ErrUpdatePkAlreadyExists
		}
	}
	added, err := s.client.SAdd(ctx, keyUpdSubmitted, string(updatePK[:])).Result()
	if err != nil {
		return fmt.Errorf("marking update participant: %w", err)
	}
	if added == 0 {
		return storage.ErrUpdatePkAlreadySubmitted
	}

	pipe := s.client.TxPipeline()
	for sumPK, seed := range dict {
		pipe.HSet(ctx, seedDictKey(sumPK), string(updatePK[:]), string(seed[:]))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing seed dict entries: %w", err)
	}
	return nil
}

func (s *Store) SeedDict(ctx context.Context) (pet.SeedDict, error) {
	sums, err := s.client.HKeys(ctx, keySumDict).Result()
	if err != nil {
		return nil, fmt.Errorf("reading sum dict keys: %w", err)
	}
	dict := make(pet.SeedDict, len(sums))
	for _, k := range sums {
		var sumPK crypto.PublicSigningKey
		copy(sumPK[:], k)
		raw, err := s.client.HGetAll(ctx, seedDictKey(sumPK)).Result()
		if err != nil {
			return nil, fmt.Errorf("reading seed dict for %s: %w", sumPK, err)
		}
		sub := make(map[crypto.PublicSigningKey]mask.EncryptedMaskSeed, len(raw))
		for uk, v := range raw {
			var updatePK crypto.PublicSigningKey
			var seed mask.EncryptedMaskSeed
			copy(updatePK[:], uk)
			copy(seed[:], v)
			sub[updatePK] = seed
		}
		dict[sumPK] = sub
	}
	return dict, nil
}

func (s *Store) IncrMaskScore(ctx context.Context, pk crypto.PublicSigningKey, m mask.MaskObject) error {
	known, err := s.client.HExists(ctx, keySumDict, string(pk[:])).Result()
	if err != nil {
		return fmt.Errorf("probing sum participant: %w", err)
	}
	if !known {
		return storage.ErrUnknownSumPk
	}
	added, err := s.client.SAdd(ctx, keyMaskSubmitted, string(pk[:])).Result()
	if err != nil {
		return fmt.Errorf("marking mask submission: %w", err)
	}
	if added == 0 {
		return storage.ErrMaskAlreadySubmitted
	}
	if err := s.client.ZIncrBy(ctx, keyMaskDict, 1, string(m.EncodeBinary())).Err(); err != nil {
		return fmt.Errorf("incrementing mask score: %w", err)
	}
	return nil
}

func (s *Store) BestMasks(ctx context.Context) ([]storage.MaskScore, error) {
	raw, err := s.client.ZRevRangeWithScores(ctx, keyMaskDict, 0, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading best masks: %w", err)
	}
	scores := make([]storage.MaskScore, 0, len(raw))
	for _, z := range raw {
		member, ok := z.Member.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected mask member type %T", z.Member)
		}
		obj, _, err := mask.DecodeMaskObject([]byte(member))
		if err != nil {
			return nil, fmt.Errorf("decoding stored mask: %w", err)
		}
		scores = append(scores, storage.MaskScore{Mask: obj, Count: uint64(z.Score)})
	}
	return scores, nil
}

func (s *Store) NumberOfUniqueMasks(ctx context.Context) (uint64, error) {
	n, err := s.client.ZCard(ctx, keyMaskDict).Result()
	if err != nil {
		return 0, fmt.Errorf("counting masks: %w", err)
	}
	return uint64(n), nil
}

func (s *Store) DeleteCoordinatorData(ctx context.Context) error {
	if err := s.DeleteDicts(ctx); err != nil {
		return err
	}
	if err := s.client.Del(ctx, keyState, keyLatestModelID).Err(); err != nil {
		return fmt.Errorf("deleting coordinator data: %w", err)
	}
	return nil
}

func (s *Store) DeleteDicts(ctx context.Context) error {
	sums, err := s.client.HKeys(ctx, keySumDict).Result()
	if err != nil {
		return fmt.Errorf("reading sum dict keys: %w", err)
	}
	keys := []string{keySumDict, keyUpdSubmitted, keyMaskSubmitted, keyMaskDict}
	for _, k := range sums {
		var sumPK crypto.PublicSigningKey
		copy(sumPK[:], k)
		keys = append(keys, seedDictKey(sumPK))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("deleting dicts: %w", err)
	}
	return nil
}

func (s *Store) SetLatestGlobalModelID(ctx context.Context, id string) error {
	return s.client.Set(ctx, keyLatestModelID, id, 0).Err()
}

func (s *Store) LatestGlobalModelID(ctx context.Context) (string, error) {
	id, err := s.client.Get(ctx, keyLatestModelID).Result()
	if err == redis.Nil {
		return "", storage.ErrNoGlobalModel
	}
	if err != nil {
		return "", fmt.Errorf("reading latest model id: %w", err)
	}
	return id, nil
}

func (s *Store) IsReady(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.client.Close() }

var _ storage.Coordinator = (*Store)(nil)
