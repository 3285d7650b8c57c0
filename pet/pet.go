// Package pet defines the shared vocabulary of the PET protocol: round
// parameters, the participant dictionaries exchanged between phases, the
// phase names and the persistent coordinator state.
package pet

import (
	"encoding/hex"
	"fmt"

	"github.com/xaynetwork/xaynet/crypto"
	"github.com/xaynetwork/xaynet/mask"
)

// RoundSeedLength is the byte length of the per-round random seed.
const RoundSeedLength = 32

// RoundSeed is the fresh randomness of a round. Participants sign it to
// derive their task eligibility.
type RoundSeed [RoundSeedLength]byte

func (s RoundSeed) String() string { return hex.EncodeToString(s[:]) }

// MarshalText implements encoding.TextMarshaler.
func (s RoundSeed) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(s[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *RoundSeed) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil || len(raw) != RoundSeedLength {
		return fmt.Errorf("decoding round seed %q", text)
	}
	copy(s[:], raw)
	return nil
}

// Task names signed by participants to prove eligibility.
const (
	TaskSum    = "sum"
	TaskUpdate = "update"
)

// SumTaskData returns the bytes a participant signs to compute its sum task
// signature: seed ‖ "sum".
func SumTaskData(seed RoundSeed) []byte {
	return append(append([]byte{}, seed[:]...), TaskSum...)
}

// UpdateTaskData returns the bytes signed for the update task signature.
func UpdateTaskData(seed RoundSeed) []byte {
	return append(append([]byte{}, seed[:]...), TaskUpdate...)
}

// RoundParameters are the public parameters of one round, published on the
// event bus at round start and immutable until the round ends.
type RoundParameters struct {
	// EncryptPK is the coordinator public key participants seal their
	// messages to for this round.
	EncryptPK crypto.PublicEncryptKey `json:"encrypt_pk"`
	// Seed is the fresh round randomness.
	Seed RoundSeed `json:"seed"`
	// SumProb is the probability of selection for the sum task.
	SumProb float64 `json:"sum_prob"`
	// UpdateProb is the probability of selection for the update task.
	UpdateProb float64 `json:"update_prob"`
	// MaskConfig fixes the group embedding of this round.
	MaskConfig mask.MaskConfig `json:"mask_config"`
	// ModelLength is the expected model vector length.
	ModelLength int `json:"model_length"`
}

// SumDict maps each sum participant to its ephemeral encryption key. It is
// populated during the Sum phase and frozen at its end.
type SumDict map[crypto.PublicSigningKey]crypto.PublicEncryptKey

// LocalSeedDict is one update participant's sealed seed copies, one per sum
// participant. Its key set must equal the frozen SumDict's.
type LocalSeedDict map[crypto.PublicSigningKey]mask.EncryptedMaskSeed

// SeedDict collects the sealed seeds of all update participants, grouped by
// sum participant.
type SeedDict map[crypto.PublicSigningKey]map[crypto.PublicSigningKey]mask.EncryptedMaskSeed

// PhaseName names a state of the round state machine.
type PhaseName uint8

const (
	PhaseIdle PhaseName = iota
	PhaseSum
	PhaseUpdate
	PhaseSum2
	PhaseUnmask
)

func (p PhaseName) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSum:
		return "sum"
	case PhaseUpdate:
		return "update"
	case PhaseSum2:
		return "sum2"
	case PhaseUnmask:
		return "unmask"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// PhaseTimes are the minimum and maximum duration of a phase in seconds.
// A phase never ends before Min and aborts the round at Max.
type PhaseTimes struct {
	Min uint64 `json:"min"`
	Max uint64 `json:"max"`
}

// PhaseCounts are the quorum thresholds of a phase.
type PhaseCounts struct {
	Min uint64 `json:"min"`
	Max uint64 `json:"max"`
}

// CoordinatorState is the state that survives across rounds. It is
// persisted through CoordinatorStorage so a coordinator can resume after a
// restart.
type CoordinatorState struct {
	RoundID     uint64                 `json:"round_id"`
	Keys        crypto.EncryptKeyPair  `json:"keys"`
	Round       RoundParameters        `json:"round_params"`
	SumCount    PhaseCounts            `json:"sum_count"`
	UpdateCount PhaseCounts            `json:"update_count"`
	Sum2Count   PhaseCounts            `json:"sum2_count"`
	SumTime     PhaseTimes             `json:"sum_time"`
	UpdateTime  PhaseTimes             `json:"update_time"`
	Sum2Time    PhaseTimes             `json:"sum2_time"`
}
