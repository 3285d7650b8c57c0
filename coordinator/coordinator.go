// Package coordinator drives the PET round state machine: one phase worker
// that owns the coordinator state, admits validated messages from the
// intake queue, mutates storage and broadcasts round events.
package coordinator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	clock "github.com/jonboulle/clockwork"

	"github.com/xaynetwork/xaynet/common/log"
	"github.com/xaynetwork/xaynet/events"
	"github.com/xaynetwork/xaynet/mask"
	"github.com/xaynetwork/xaynet/message"
	"github.com/xaynetwork/xaynet/metrics"
	"github.com/xaynetwork/xaynet/pet"
	"github.com/xaynetwork/xaynet/storage"
)

// Round-fatal errors. They abort the round, discard all per-round state and
// send the machine back to idle; they never stop the coordinator.
var (
	// ErrRoundTimeout fires when a phase reaches its maximum duration
	// without its quorum.
	ErrRoundTimeout = errors.New("coordinator: phase timed out")
	// ErrNoStrictMajorityMask fires when the mask tally has no unique
	// highest-count mask.
	ErrNoStrictMajorityMask = errors.New("coordinator: no strict majority mask")
	// ErrNoMask fires when the Sum2 phase produced no mask at all.
	ErrNoMask = errors.New("coordinator: no mask submitted")
)

// Settings are the static round parameters, validated by the config layer.
type Settings struct {
	SumProb     float64
	UpdateProb  float64
	SumCount    pet.PhaseCounts
	UpdateCount pet.PhaseCounts
	Sum2Count   pet.PhaseCounts
	SumTime     pet.PhaseTimes
	UpdateTime  pet.PhaseTimes
	Sum2Time    pet.PhaseTimes
	MaskConfig  mask.MaskConfig
	ModelLength int
}

// StateMachine is the phase worker. It is the only owner of the
// CoordinatorState and the only writer of storage and the event bus.
type StateMachine struct {
	log     log.Logger
	clock   clock.Clock
	store   storage.Coordinator
	models  storage.Models
	bus     *events.Bus
	metrics *metrics.Metrics
	intake  <-chan *message.Message

	state *pet.CoordinatorState
}

// New builds the state machine. If restored is non-nil the machine resumes
// from it, continuing its round numbering while taking thresholds and
// deadlines from the settings; otherwise it starts from round zero. Either
// way the first idle phase advances the round id and draws a fresh key pair
// and seed.
func New(
	settings Settings,
	store storage.Coordinator,
	models storage.Models,
	bus *events.Bus,
	intake <-chan *message.Message,
	m *metrics.Metrics,
	logger log.Logger,
	clk clock.Clock,
	restored *pet.CoordinatorState,
) *StateMachine {
	state := restored
	if state == nil {
		state = &pet.CoordinatorState{}
	}
	state.Round.SumProb = settings.SumProb
	state.Round.UpdateProb = settings.UpdateProb
	state.Round.MaskConfig = settings.MaskConfig
	state.Round.ModelLength = settings.ModelLength
	state.SumCount = settings.SumCount
	state.UpdateCount = settings.UpdateCount
	state.Sum2Count = settings.Sum2Count
	state.SumTime = settings.SumTime
	state.UpdateTime = settings.UpdateTime
	state.Sum2Time = settings.Sum2Time

	return &StateMachine{
		log:     logger.Named("coordinator"),
		clock:   clk,
		store:   store,
		models:  models,
		bus:     bus,
		metrics: m,
		intake:  intake,
		state:   state,
	}
}

// Run drives rounds until the context is cancelled. A failed round is
// logged and the next one starts over from idle.
func (s *StateMachine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := s.runRound(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			s.log.Warnw("round aborted", "round", s.state.RoundID, "err", err)
		}
	}
}

// runRound is one traversal idle → sum → update → sum2 → unmask.
func (s *StateMachine) runRound(ctx context.Context) error {
	if err := s.idle(ctx); err != nil {
		return s.fatal(err)
	}
	if err := s.sum(ctx); err != nil {
		return s.fatal(err)
	}
	modelAgg, err := s.update(ctx)
	if err != nil {
		return s.fatal(err)
	}
	if err := s.sum2(ctx); err != nil {
		return s.fatal(err)
	}
	if err := s.unmask(ctx, modelAgg); err != nil {
		return s.fatal(err)
	}
	return nil
}

// fatal counts a round-aborting error. Per-message rejections never reach
// here.
func (s *StateMachine) fatal(err error) error {
	if err == nil {
		return nil
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, ErrRoundTimeout) && !errors.Is(err, ErrNoStrictMajorityMask) && !errors.Is(err, ErrNoMask) {
		s.metrics.StorageFailures.Inc()
	}
	return err
}

func (s *StateMachine) enterPhase(name pet.PhaseName) {
	s.log.Infow("state transition", "round", s.state.RoundID, "phase", name)
	s.metrics.Phase.Set(float64(name))
	s.bus.BroadcastPhase(s.state.RoundID, name)
}

// RoundID returns the current round, for status endpoints.
func (s *StateMachine) RoundID() uint64 {
	return s.state.RoundID
}

func newRoundSeed() (pet.RoundSeed, error) {
	var seed pet.RoundSeed
	if _, err := rand.Read(seed[:]); err != nil {
		return pet.RoundSeed{}, fmt.Errorf("drawing round seed: %w", err)
	}
	return seed, nil
}

// protocolRejection reports storage results that reject a message without
// harming the phase.
func protocolRejection(err error) bool {
	return errors.Is(err, storage.ErrSumParticipantExists) ||
		errors.Is(err, storage.ErrLengthMismatch) ||
		errors.Is(err, storage.ErrUnknownSumParticipant) ||
		errors.Is(err, storage.ErrUpdatePkAlreadySubmitted) ||
		errors.Is(err, storage.ErrUpdatePkAlreadyExists) ||
		errors.Is(err, storage.ErrUnknownSumPk) ||
		errors.Is(err, storage.ErrMaskAlreadySubmitted)
}
