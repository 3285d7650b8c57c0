package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/xaynetwork/xaynet/crypto"
	"github.com/xaynetwork/xaynet/mask"
	"github.com/xaynetwork/xaynet/message"
	"github.com/xaynetwork/xaynet/pet"
)

// idle tears down the previous round and opens the next one: all per-round
// dictionaries are deleted, a fresh key pair and round seed are drawn and
// the new round parameters are published.
func (s *StateMachine) idle(ctx context.Context) error {
	s.state.RoundID++
	s.metrics.RoundID.Set(float64(s.state.RoundID))
	s.enterPhase(pet.PhaseIdle)

	if err := s.store.DeleteDicts(ctx); err != nil {
		return fmt.Errorf("deleting dictionaries: %w", err)
	}

	keys, err := crypto.GenerateEncryptKeyPair()
	if err != nil {
		return err
	}
	seed, err := newRoundSeed()
	if err != nil {
		return err
	}
	s.state.Keys = keys
	s.state.Round.EncryptPK = keys.Public
	s.state.Round.Seed = seed

	if err := s.store.SetState(ctx, s.state); err != nil {
		return fmt.Errorf("persisting coordinator state: %w", err)
	}

	s.bus.BroadcastKeys(s.state.RoundID, keys)
	s.bus.BroadcastParams(s.state.RoundID, s.state.Round)
	return nil
}

// sum collects ephemeral keys from sum participants and freezes the sum
// dictionary at the end of the phase.
func (s *StateMachine) sum(ctx context.Context) error {
	s.enterPhase(pet.PhaseSum)

	_, err := s.processPhase(ctx, s.state.SumTime, s.state.SumCount, func(ctx context.Context, msg *message.Message) (bool, error) {
		payload, ok := msg.Payload.(*message.Sum)
		if !ok {
			s.discard("stale_tag")
			return false, nil
		}
		err := s.store.AddSumParticipant(ctx, msg.Header.ParticipantPK, payload.EphemeralPK)
		if protocolRejection(err) {
			s.discard("rejected")
			s.log.Debugw("sum message rejected", "participant", msg.Header.ParticipantPK, "err", err)
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("adding sum participant: %w", err)
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	sumDict, err := s.store.SumDict(ctx)
	if err != nil {
		return fmt.Errorf("freezing sum dict: %w", err)
	}
	s.bus.BroadcastSumDict(s.state.RoundID, sumDict)
	return nil
}

// update collects masked models. Each accepted message contributes its
// masked model and scalar to the running aggregation and its seed copies to
// the global seed dictionary; the three writes happen together or not at
// all.
func (s *StateMachine) update(ctx context.Context) (*mask.Aggregation, error) {
	s.enterPhase(pet.PhaseUpdate)

	agg := mask.NewAggregation(s.state.Round.MaskConfig, s.state.Round.ModelLength)
	_, err := s.processPhase(ctx, s.state.UpdateTime, s.state.UpdateCount, func(ctx context.Context, msg *message.Message) (bool, error) {
		payload, ok := msg.Payload.(*message.Update)
		if !ok {
			s.discard("stale_tag")
			return false, nil
		}
		if err := agg.ValidateAggregation(payload.MaskedModel); err != nil {
			s.discard("aggregation")
			s.log.Debugw("update message rejected", "participant", msg.Header.ParticipantPK, "err", err)
			return false, nil
		}
		err := s.store.AddLocalSeedDict(ctx, msg.Header.ParticipantPK, payload.LocalSeedDict)
		if protocolRejection(err) {
			s.discard("rejected")
			s.log.Debugw("update message rejected", "participant", msg.Header.ParticipantPK, "err", err)
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("adding local seed dict: %w", err)
		}
		agg.Aggregate(payload.MaskedModel)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.bus.BroadcastMaskLength(s.state.RoundID, s.state.Round.ModelLength)
	seedDict, err := s.store.SeedDict(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading seed dict: %w", err)
	}
	s.bus.BroadcastSeedDict(s.state.RoundID, seedDict)
	return agg, nil
}

// sum2 tallies the aggregated masks submitted by the sum participants. A
// participant's second submission is rejected by storage, keeping the tally
// once-only.
func (s *StateMachine) sum2(ctx context.Context) error {
	s.enterPhase(pet.PhaseSum2)

	_, err := s.processPhase(ctx, s.state.Sum2Time, s.state.Sum2Count, func(ctx context.Context, msg *message.Message) (bool, error) {
		payload, ok := msg.Payload.(*message.Sum2)
		if !ok {
			s.discard("stale_tag")
			return false, nil
		}
		err := s.store.IncrMaskScore(ctx, msg.Header.ParticipantPK, payload.Mask)
		if protocolRejection(err) {
			s.discard("rejected")
			s.log.Debugw("sum2 message rejected", "participant", msg.Header.ParticipantPK, "err", err)
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("incrementing mask score: %w", err)
		}
		return true, nil
	})
	return err
}

// unmask selects the strict-majority mask, removes it from the model
// aggregate and publishes the new global model.
func (s *StateMachine) unmask(ctx context.Context, agg *mask.Aggregation) error {
	s.enterPhase(pet.PhaseUnmask)

	best, err := s.store.BestMasks(ctx)
	if err != nil {
		return fmt.Errorf("reading best masks: %w", err)
	}
	if len(best) == 0 {
		return ErrNoMask
	}
	if len(best) > 1 && best[0].Count == best[1].Count {
		return fmt.Errorf("%w: two masks with count %d", ErrNoStrictMajorityMask, best[0].Count)
	}

	if err := agg.ValidateUnmasking(best[0].Mask); err != nil {
		return fmt.Errorf("validating unmasking: %w", err)
	}
	model, scalar := agg.Unmask(best[0].Mask)

	id, err := s.models.SetGlobalModel(ctx, s.state.RoundID, s.state.Round.Seed, model)
	if err != nil {
		return fmt.Errorf("persisting global model: %w", err)
	}
	if err := s.store.SetLatestGlobalModelID(ctx, id); err != nil {
		return fmt.Errorf("recording global model id: %w", err)
	}

	s.bus.BroadcastScalar(s.state.RoundID, scalar)
	s.bus.BroadcastModelID(s.state.RoundID, id)
	s.log.Infow("round complete", "round", s.state.RoundID, "model", id, "contributions", agg.Count())
	return nil
}

// processPhase admits messages until the phase quorum is met: the phase
// runs at least times.Min seconds, ends once the quorum count is reached,
// and aborts the round at times.Max. Messages beyond counts.Max are
// discarded without being counted.
func (s *StateMachine) processPhase(
	ctx context.Context,
	times pet.PhaseTimes,
	counts pet.PhaseCounts,
	handle func(context.Context, *message.Message) (bool, error),
) (uint64, error) {
	minTimer := s.clock.After(time.Duration(times.Min) * time.Second)
	maxTimer := s.clock.After(time.Duration(times.Max) * time.Second)

	var count uint64
	minElapsed := times.Min == 0
	for {
		if minElapsed && count >= counts.Min {
			return count, nil
		}
		select {
		case <-ctx.Done():
			return count, ctx.Err()
		case <-maxTimer:
			return count, ErrRoundTimeout
		case <-minTimer:
			minElapsed = true
		case msg := <-s.intake:
			if count >= counts.Max {
				s.discard("over_quorum")
				continue
			}
			counted, err := handle(ctx, msg)
			if err != nil {
				return count, err
			}
			if counted {
				count++
			}
		}
	}
}

func (s *StateMachine) discard(reason string) {
	s.metrics.MessagesDiscarded.WithLabelValues(reason).Inc()
}
