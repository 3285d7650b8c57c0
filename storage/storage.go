// Package storage defines the abstract stores the coordinator drives: a
// key-value store for per-round protocol state and a blob store for global
// models. Engines live in the subpackages memdb, boltdb, redisdb and
// models.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/xaynetwork/xaynet/crypto"
	"github.com/xaynetwork/xaynet/mask"
	"github.com/xaynetwork/xaynet/pet"
)

// Protocol errors surfaced by coordinator storage operations. They are
// ordinary per-message rejections, not I/O failures.
var (
	// ErrSumParticipantExists rejects a duplicate sum participant key.
	ErrSumParticipantExists = errors.New("storage: sum participant already exists")
	// ErrLengthMismatch rejects a local seed dict whose size differs from
	// the frozen sum dict's.
	ErrLengthMismatch = errors.New("storage: local seed dict length mismatch")
	// ErrUnknownSumParticipant rejects a local seed dict naming a key
	// outside the frozen sum dict.
	ErrUnknownSumParticipant = errors.New("storage: unknown sum participant")
	// ErrUpdatePkAlreadySubmitted rejects a second local seed dict from the
	// same update participant.
	ErrUpdatePkAlreadySubmitted = errors.New("storage: update participant already submitted")
	// ErrUpdatePkAlreadyExists rejects an update participant that already
	// appears inside a sub-dict.
	ErrUpdatePkAlreadyExists = errors.New("storage: update participant already exists in seed dict")
	// ErrUnknownSumPk rejects a mask score for a key outside the sum dict.
	ErrUnknownSumPk = errors.New("storage: unknown sum participant for mask score")
	// ErrMaskAlreadySubmitted rejects a second mask from one sum participant.
	ErrMaskAlreadySubmitted = errors.New("storage: mask already submitted")
	// ErrNoGlobalModel is returned when no latest global model id is set.
	ErrNoGlobalModel = errors.New("storage: no global model")
	// ErrModelExists rejects writing a global model under an existing id.
	ErrModelExists = errors.New("storage: global model id already exists")
	// ErrNoCoordinatorState is returned when no state was persisted yet.
	ErrNoCoordinatorState = errors.New("storage: no coordinator state")
)

// MaskScore is one tallied mask with its submission count.
type MaskScore struct {
	Mask  mask.MaskObject
	Count uint64
}

// Coordinator is the abstract store for all per-round protocol state. The
// phase worker is its only writer and serializes access; engines do not
// need cross-operation transactionality beyond what each method documents.
type Coordinator interface {
	// SetState persists the coordinator state, overwriting any previous one.
	SetState(ctx context.Context, state *pet.CoordinatorState) error
	// State returns the persisted state or ErrNoCoordinatorState.
	State(ctx context.Context) (*pet.CoordinatorState, error)

	// AddSumParticipant records a sum participant's ephemeral key, or
	// returns ErrSumParticipantExists.
	AddSumParticipant(ctx context.Context, pk crypto.PublicSigningKey, ephmPK crypto.PublicEncryptKey) error
	// SumDict returns the current sum dictionary.
	SumDict(ctx context.Context) (pet.SumDict, error)

	// AddLocalSeedDict splices one update participant's seeds into the
	// global seed dict. The local dict's key set must exactly equal the sum
	// dict's and the participant must not have submitted before. The
	// operation is atomic: on error nothing is inserted.
	AddLocalSeedDict(ctx context.Context, updatePK crypto.PublicSigningKey, dict pet.LocalSeedDict) error
	// SeedDict returns the seed dictionary built so far.
	SeedDict(ctx context.Context) (pet.SeedDict, error)

	// IncrMaskScore counts a sum participant's mask, enforcing once-only
	// submission.
	IncrMaskScore(ctx context.Context, pk crypto.PublicSigningKey, m mask.MaskObject) error
	// BestMasks returns up to the two highest-count masks, descending.
	BestMasks(ctx context.Context) ([]MaskScore, error)
	// NumberOfUniqueMasks returns the tally size.
	NumberOfUniqueMasks(ctx context.Context) (uint64, error)

	// DeleteCoordinatorData removes the state and all dictionaries.
	DeleteCoordinatorData(ctx context.Context) error
	// DeleteDicts removes the dictionaries and the mask tally, keeping the
	// state and the latest model id.
	DeleteDicts(ctx context.Context) error

	// SetLatestGlobalModelID records the id of the newest global model.
	SetLatestGlobalModelID(ctx context.Context, id string) error
	// LatestGlobalModelID returns the recorded id or ErrNoGlobalModel.
	LatestGlobalModelID(ctx context.Context) (string, error)

	// IsReady reports whether the engine can serve requests.
	IsReady(ctx context.Context) error
	// Close releases the engine.
	Close() error
}

// Models is the abstract blob store for global models.
type Models interface {
	// SetGlobalModel stores a model under the id derived from round id and
	// seed, refusing to overwrite an existing id.
	SetGlobalModel(ctx context.Context, roundID uint64, seed pet.RoundSeed, m mask.Model) (string, error)
	// GlobalModel returns a stored model or ErrNoGlobalModel.
	GlobalModel(ctx context.Context, id string) (mask.Model, error)
	// IsReady reports whether the engine can serve requests.
	IsReady(ctx context.Context) error
}

// GlobalModelID derives the storage id of a round's global model.
func GlobalModelID(roundID uint64, seed pet.RoundSeed) string {
	return fmt.Sprintf("%d_%s", roundID, seed)
}
