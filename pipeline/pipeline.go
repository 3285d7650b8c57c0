// Package pipeline turns encrypted transport bytes into validated PET
// messages: sealed-box decryption, frame checks, phase filtering, pooled
// signature verification, multipart reassembly, payload parsing and
// phase-specific validation. Validated messages are handed to the state
// machine through a bounded intake queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xaynetwork/xaynet/common/log"
	"github.com/xaynetwork/xaynet/crypto"
	"github.com/xaynetwork/xaynet/events"
	"github.com/xaynetwork/xaynet/message"
	"github.com/xaynetwork/xaynet/metrics"
	"github.com/xaynetwork/xaynet/pet"
)

// Rejection errors. Every rejection is per-message; the phase continues.
var (
	ErrRoundNotStarted             = errors.New("pipeline: no round in progress")
	ErrDecrypt                     = errors.New("pipeline: cannot decrypt message")
	ErrInvalidCoordinatorPublicKey = errors.New("pipeline: message is not for the current round key")
	ErrUnexpectedMessage           = errors.New("pipeline: message not acceptable in the current phase")
	ErrInvalidTaskSignature        = errors.New("pipeline: invalid task signature")
	ErrNotEligible                 = errors.New("pipeline: participant not eligible for the task")
	ErrNotSumParticipant           = errors.New("pipeline: participant not in the sum dictionary")
)

// Config bounds the pipeline's resources.
type Config struct {
	// Workers is the size of the signature verification pool.
	Workers int
	// IntakeCapacity bounds the validated message queue. A full queue
	// exerts back-pressure on the transport.
	IntakeCapacity int
	// MultipartCap bounds the number of partial multipart messages.
	MultipartCap int
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{Workers: 4, IntakeCapacity: 100, MultipartCap: message.DefaultMultipartCap}
}

// Pipeline validates incoming messages against the state broadcast on the
// event bus.
type Pipeline struct {
	log     log.Logger
	bus     *events.Bus
	metrics *metrics.Metrics

	workers chan struct{}

	mpMu      sync.Mutex
	multipart *message.Multipart

	intake chan *message.Message
}

// New builds a pipeline reading round state from the bus.
func New(bus *events.Bus, m *metrics.Metrics, logger log.Logger, cfg Config) (*Pipeline, error) {
	if cfg.Workers < 1 || cfg.IntakeCapacity < 1 {
		return nil, fmt.Errorf("pipeline: workers and intake capacity must be positive")
	}
	mp, err := message.NewMultipart(cfg.MultipartCap)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		log:       logger.Named("pipeline"),
		bus:       bus,
		metrics:   m,
		workers:   make(chan struct{}, cfg.Workers),
		multipart: mp,
		intake:    make(chan *message.Message, cfg.IntakeCapacity),
	}, nil
}

// Intake is the queue of validated messages, consumed by the phase worker.
func (p *Pipeline) Intake() <-chan *message.Message {
	return p.intake
}

// Process runs one encrypted message through every stage. A nil return
// means the message was either enqueued for the state machine or is a chunk
// waiting for the rest of its message.
func (p *Pipeline) Process(ctx context.Context, data []byte) error {
	phase, err := p.currentPhase()
	if err != nil {
		p.count("none", "no_round")
		return err
	}

	msg, err := p.validate(ctx, phase, data)
	if err != nil {
		p.count(phase.String(), "rejected")
		p.log.Debugw("message rejected", "phase", phase, "err", err)
		return err
	}
	if msg == nil {
		p.count(phase.String(), "chunk")
		return nil
	}

	select {
	case p.intake <- msg:
		p.count(phase.String(), "accepted")
		return nil
	case <-ctx.Done():
		p.count(phase.String(), "enqueue_cancelled")
		return ctx.Err()
	}
}

func (p *Pipeline) currentPhase() (pet.PhaseName, error) {
	phase, ok := p.bus.Phase()
	if !ok {
		return pet.PhaseIdle, ErrRoundNotStarted
	}
	return phase.Value, nil
}

func (p *Pipeline) validate(ctx context.Context, phase pet.PhaseName, data []byte) (*message.Message, error) {
	keys, ok := p.bus.Keys()
	if !ok {
		return nil, ErrRoundNotStarted
	}
	params, ok := p.bus.Params()
	if !ok {
		return nil, ErrRoundNotStarted
	}

	plaintext, err := crypto.SealOpen(keys.Value, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	env, err := message.ParseEnvelope(plaintext)
	if err != nil {
		return nil, err
	}
	if env.Header.CoordinatorPK != keys.Value.Public {
		return nil, ErrInvalidCoordinatorPublicKey
	}
	if err := p.filterPhase(phase, env.Header.Tag); err != nil {
		return nil, err
	}
	if err := p.verifySignature(ctx, env); err != nil {
		return nil, err
	}

	var msg *message.Message
	if env.Multipart() {
		parsed, err := env.Parse()
		if err != nil {
			return nil, err
		}
		chunk := parsed.Payload.(*message.Chunk)
		p.mpMu.Lock()
		msg, err = p.multipart.Add(env.Header, chunk)
		p.mpMu.Unlock()
		if err != nil {
			return nil, err
		}
		if msg == nil {
			// Waiting for the remaining chunks.
			return nil, nil
		}
	} else {
		msg, err = env.Parse()
		if err != nil {
			return nil, err
		}
	}

	if err := p.validatePayload(msg, params.Value); err != nil {
		return nil, err
	}
	return msg, nil
}

// filterPhase admits each tag only in its phase. Chunks carry the tag of
// the message they belong to and are filtered the same way.
func (p *Pipeline) filterPhase(phase pet.PhaseName, tag message.Tag) error {
	var want pet.PhaseName
	switch tag {
	case message.TagSum:
		want = pet.PhaseSum
	case message.TagUpdate:
		want = pet.PhaseUpdate
	case message.TagSum2:
		want = pet.PhaseSum2
	default:
		return fmt.Errorf("%w: tag %s", ErrUnexpectedMessage, tag)
	}
	if phase != want {
		return fmt.Errorf("%w: %s message during %s phase", ErrUnexpectedMessage, tag, phase)
	}
	return nil
}

// verifySignature offloads the cryptographic check to the bounded worker
// pool; verification cost is linear in message size and dominates update
// traffic.
func (p *Pipeline) verifySignature(ctx context.Context, env *message.Envelope) error {
	select {
	case p.workers <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.metrics.SignatureWorkers.Inc()
	defer func() {
		p.metrics.SignatureWorkers.Dec()
		<-p.workers
	}()
	return env.VerifySignature()
}

func (p *Pipeline) validatePayload(msg *message.Message, params pet.RoundParameters) error {
	switch payload := msg.Payload.(type) {
	case *message.Sum:
		return p.validateSum(msg.Header.ParticipantPK, payload, params)
	case *message.Update:
		return p.validateUpdate(msg.Header.ParticipantPK, payload, params)
	case *message.Sum2:
		return p.validateSum2(msg.Header.ParticipantPK, payload, params)
	default:
		return fmt.Errorf("%w: %T", ErrUnexpectedMessage, payload)
	}
}

func (p *Pipeline) validateSum(pk crypto.PublicSigningKey, payload *message.Sum, params pet.RoundParameters) error {
	if !crypto.Verify(pk, pet.SumTaskData(params.Seed), payload.SumSignature) {
		return fmt.Errorf("%w: sum task", ErrInvalidTaskSignature)
	}
	if !payload.SumSignature.IsEligible(params.SumProb) {
		return fmt.Errorf("%w: sum task", ErrNotEligible)
	}
	return nil
}

func (p *Pipeline) validateUpdate(pk crypto.PublicSigningKey, payload *message.Update, params pet.RoundParameters) error {
	if !crypto.Verify(pk, pet.SumTaskData(params.Seed), payload.SumSignature) {
		return fmt.Errorf("%w: sum task", ErrInvalidTaskSignature)
	}
	if !crypto.Verify(pk, pet.UpdateTaskData(params.Seed), payload.UpdateSignature) {
		return fmt.Errorf("%w: update task", ErrInvalidTaskSignature)
	}
	// An update participant must have lost the sum draw and won the update
	// draw.
	if payload.SumSignature.IsEligible(params.SumProb) {
		return fmt.Errorf("%w: selected for the sum task", ErrNotEligible)
	}
	if !payload.UpdateSignature.IsEligible(params.UpdateProb) {
		return fmt.Errorf("%w: update task", ErrNotEligible)
	}
	return nil
}

func (p *Pipeline) validateSum2(pk crypto.PublicSigningKey, payload *message.Sum2, params pet.RoundParameters) error {
	if !crypto.Verify(pk, pet.SumTaskData(params.Seed), payload.SumSignature) {
		return fmt.Errorf("%w: sum task", ErrInvalidTaskSignature)
	}
	if !payload.SumSignature.IsEligible(params.SumProb) {
		return fmt.Errorf("%w: sum task", ErrNotEligible)
	}
	sumDict, ok := p.bus.SumDict()
	if !ok {
		return ErrNotSumParticipant
	}
	if _, ok := sumDict.Value[pk]; !ok {
		return ErrNotSumParticipant
	}
	return nil
}

func (p *Pipeline) count(phase, outcome string) {
	p.metrics.MessagesTotal.WithLabelValues(phase, outcome).Inc()
}
