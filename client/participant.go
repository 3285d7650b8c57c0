package client

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"time"

	"github.com/xaynetwork/xaynet/common/log"
	"github.com/xaynetwork/xaynet/crypto"
	"github.com/xaynetwork/xaynet/events"
	"github.com/xaynetwork/xaynet/mask"
	"github.com/xaynetwork/xaynet/message"
	"github.com/xaynetwork/xaynet/pet"
)

// ErrNotSelected is returned by RunRound when the participant lost both
// task draws for the round.
var ErrNotSelected = errors.New("client: not selected this round")

// DefaultChunkSize is the payload size above which messages are sent as
// multipart chunks.
const DefaultChunkSize = 16 << 10

// Trainer produces the local model update of a round.
type Trainer interface {
	Train(ctx context.Context, length int) ([]float32, error)
}

// TrainerFunc adapts a function to the Trainer interface.
type TrainerFunc func(ctx context.Context, length int) ([]float32, error)

func (f TrainerFunc) Train(ctx context.Context, length int) ([]float32, error) {
	return f(ctx, length)
}

// Participant runs PET rounds against a coordinator. Its role in a round
// follows from its task signatures over the round seed.
type Participant struct {
	signer    crypto.SigningKeyPair
	api       *Client
	trainer   Trainer
	log       log.Logger
	poll      time.Duration
	chunkSize int
}

// NewParticipant builds a participant with a fresh signing identity.
func NewParticipant(api *Client, trainer Trainer, logger log.Logger) (*Participant, error) {
	signer, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}
	return &Participant{
		signer:    signer,
		api:       api,
		trainer:   trainer,
		log:       logger.Named("participant").With("pk", signer.Public),
		poll:      time.Second,
		chunkSize: DefaultChunkSize,
	}, nil
}

// WithPollInterval overrides the coordinator polling interval.
func (p *Participant) WithPollInterval(d time.Duration) *Participant {
	p.poll = d
	return p
}

// WithChunkSize overrides the multipart threshold and chunk size.
func (p *Participant) WithChunkSize(size int) *Participant {
	p.chunkSize = size
	return p
}

// PublicKey returns the participant identity.
func (p *Participant) PublicKey() crypto.PublicSigningKey {
	return p.signer.Public
}

// RunRound plays one full round in whatever role the draw assigns.
func (p *Participant) RunRound(ctx context.Context) error {
	params, err := p.waitParams(ctx)
	if err != nil {
		return err
	}
	sumSig := crypto.Sign(p.signer.Secret, pet.SumTaskData(params.Value.Seed))
	updSig := crypto.Sign(p.signer.Secret, pet.UpdateTaskData(params.Value.Seed))

	switch {
	case sumSig.IsEligible(params.Value.SumProb):
		p.log.Debugw("selected for sum", "round", params.Round)
		return p.runSum(ctx, params, sumSig)
	case updSig.IsEligible(params.Value.UpdateProb):
		p.log.Debugw("selected for update", "round", params.Round)
		return p.runUpdate(ctx, params, sumSig, updSig)
	default:
		return ErrNotSelected
	}
}

// runSum registers an ephemeral key, waits for the seed dictionary and
// submits the aggregated mask.
func (p *Participant) runSum(ctx context.Context, params events.Event[pet.RoundParameters], sumSig crypto.Signature) error {
	ephm, err := crypto.GenerateEncryptKeyPair()
	if err != nil {
		return err
	}
	err = p.send(ctx, params.Value, message.TagSum, &message.Sum{
		SumSignature: sumSig,
		EphemeralPK:  ephm.Public,
	})
	if err != nil {
		return err
	}

	seedDict, err := p.waitSeedDict(ctx, params.Round)
	if err != nil {
		return err
	}
	seeds, ok := seedDict.Value[p.signer.Public]
	if !ok {
		return fmt.Errorf("client: not part of the frozen sum dictionary")
	}

	cfg := params.Value.MaskConfig
	agg := mask.NewAggregation(cfg, params.Value.ModelLength)
	for updatePK, sealed := range seeds {
		seed, err := sealed.Decrypt(ephm)
		if err != nil {
			p.log.Warnw("cannot decrypt seed, skipping", "from", updatePK, "err", err)
			continue
		}
		derived := seed.DeriveMask(params.Value.ModelLength, cfg)
		if err := agg.ValidateAggregation(derived); err != nil {
			p.log.Warnw("cannot aggregate derived mask, skipping", "from", updatePK, "err", err)
			continue
		}
		agg.Aggregate(derived)
	}

	return p.send(ctx, params.Value, message.TagSum2, &message.Sum2{
		SumSignature: sumSig,
		Mask:         agg.MaskedObject(),
	})
}

// runUpdate trains, masks the result and distributes the seed copies.
func (p *Participant) runUpdate(ctx context.Context, params events.Event[pet.RoundParameters], sumSig, updSig crypto.Signature) error {
	sumDict, err := p.waitSumDict(ctx, params.Round)
	if err != nil {
		return err
	}

	weights, err := p.trainer.Train(ctx, params.Value.ModelLength)
	if err != nil {
		return fmt.Errorf("training: %w", err)
	}
	model := mask.FromFloat32sBounded(weights)

	seed, masked, err := mask.Mask(params.Value.MaskConfig, new(big.Rat).SetInt64(1), model)
	if err != nil {
		return err
	}
	local := make(pet.LocalSeedDict, len(sumDict.Value))
	for sumPK, ephmPK := range sumDict.Value {
		sealed, err := seed.Encrypt(ephmPK)
		if err != nil {
			return err
		}
		local[sumPK] = sealed
	}

	return p.send(ctx, params.Value, message.TagUpdate, &message.Update{
		SumSignature:    sumSig,
		UpdateSignature: updSig,
		MaskedModel:     masked,
		LocalSeedDict:   local,
	})
}

// send encrypts and posts one message, splitting large payloads into
// multipart chunks.
func (p *Participant) send(ctx context.Context, params pet.RoundParameters, tag message.Tag, payload message.Payload) error {
	header := message.Header{
		ParticipantPK: p.signer.Public,
		CoordinatorPK: params.EncryptPK,
		Tag:           tag,
	}
	if payload.EncodedLength() <= p.chunkSize {
		msg := &message.Message{Header: header, Payload: payload}
		data, err := msg.EncryptTo(p.signer.Secret, params.EncryptPK)
		if err != nil {
			return err
		}
		return p.api.Send(ctx, data)
	}

	header.Flags = message.FlagMultipart
	raw := message.EncodePayload(payload)
	for _, chunk := range message.ChunkPayload(raw, p.chunkSize, uint16(rand.Uint32())) {
		carrier := &message.Message{Header: header, Payload: chunk}
		data, err := carrier.EncryptTo(p.signer.Secret, params.EncryptPK)
		if err != nil {
			return err
		}
		if err := p.api.Send(ctx, data); err != nil {
			return err
		}
	}
	return nil
}

func (p *Participant) waitParams(ctx context.Context) (events.Event[pet.RoundParameters], error) {
	for {
		params, err := p.api.RoundParams(ctx)
		if err == nil {
			return params, nil
		}
		if !errors.Is(err, ErrNotAvailable) {
			return events.Event[pet.RoundParameters]{}, err
		}
		if err := sleep(ctx, p.poll); err != nil {
			return events.Event[pet.RoundParameters]{}, err
		}
	}
}

func (p *Participant) waitSumDict(ctx context.Context, round uint64) (events.Event[pet.SumDict], error) {
	for {
		dict, err := p.api.SumDict(ctx)
		if err == nil && dict.Round == round {
			return dict, nil
		}
		if err != nil && !errors.Is(err, ErrNotAvailable) {
			return events.Event[pet.SumDict]{}, err
		}
		if err := sleep(ctx, p.poll); err != nil {
			return events.Event[pet.SumDict]{}, err
		}
	}
}

func (p *Participant) waitSeedDict(ctx context.Context, round uint64) (events.Event[pet.SeedDict], error) {
	for {
		dict, err := p.api.SeedDict(ctx)
		if err == nil && dict.Round == round {
			return dict, nil
		}
		if err != nil && !errors.Is(err, ErrNotAvailable) {
			return events.Event[pet.SeedDict]{}, err
		}
		if err := sleep(ctx, p.poll); err != nil {
			return events.Event[pet.SeedDict]{}, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
