package coordinator_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/xaynetwork/xaynet/common/log"
	"github.com/xaynetwork/xaynet/coordinator"
	"github.com/xaynetwork/xaynet/crypto"
	"github.com/xaynetwork/xaynet/events"
	"github.com/xaynetwork/xaynet/mask"
	"github.com/xaynetwork/xaynet/message"
	"github.com/xaynetwork/xaynet/metrics"
	"github.com/xaynetwork/xaynet/pet"
	"github.com/xaynetwork/xaynet/pipeline"
	"github.com/xaynetwork/xaynet/storage/memdb"
	"github.com/xaynetwork/xaynet/storage/models"
)

func testSettings() coordinator.Settings {
	return coordinator.Settings{
		SumProb:     0.5,
		UpdateProb:  0.9,
		SumCount:    pet.PhaseCounts{Min: 2, Max: 2},
		UpdateCount: pet.PhaseCounts{Min: 2, Max: 2},
		Sum2Count:   pet.PhaseCounts{Min: 2, Max: 2},
		SumTime:     pet.PhaseTimes{Min: 0, Max: 60},
		UpdateTime:  pet.PhaseTimes{Min: 0, Max: 60},
		Sum2Time:    pet.PhaseTimes{Min: 0, Max: 60},
		MaskConfig:  mask.MaskConfig{GroupType: mask.Prime, DataType: mask.F32, BoundType: mask.B0, ModelType: mask.M3},
		ModelLength: 3,
	}
}

type fixture struct {
	bus     *events.Bus
	store   *memdb.Store
	models  *models.MemoryStore
	pipe    *pipeline.Pipeline
	machine *coordinator.StateMachine
	cancel  context.CancelFunc
	done    chan error
}

func startCoordinator(t *testing.T, settings coordinator.Settings, clk clock.Clock) *fixture {
	t.Helper()
	logger := log.New(nil, log.ErrorLevel, false)
	m := metrics.New()
	bus := events.NewBus()
	store := memdb.NewStore()
	modelStore := models.NewMemoryStore()

	pipe, err := pipeline.New(bus, m, logger, pipeline.Config{Workers: 2, IntakeCapacity: 32, MultipartCap: 16})
	require.NoError(t, err)

	machine := coordinator.New(settings, store, modelStore, bus, pipe.Intake(), m, logger, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- machine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Log("coordinator did not stop")
		}
	})

	return &fixture{bus: bus, store: store, models: modelStore, pipe: pipe, machine: machine, cancel: cancel, done: done}
}

func waitPhase(t *testing.T, ch <-chan events.Event[pet.PhaseName], want pet.PhaseName) events.Event[pet.PhaseName] {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Value == want {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for phase %s", want)
		}
	}
}

// participant is a wire-compatible test client.
type participant struct {
	signer crypto.SigningKeyPair
	sumSig crypto.Signature
	updSig crypto.Signature
	ephm   crypto.EncryptKeyPair
}

func (p *participant) sumEligible(params pet.RoundParameters) bool {
	return p.sumSig.IsEligible(params.SumProb)
}

func (p *participant) updateEligible(params pet.RoundParameters) bool {
	return !p.sumEligible(params) && p.updSig.IsEligible(params.UpdateProb)
}

// drawParticipants generates fresh key pairs until the round has the wanted
// number of sum and update participants.
func drawParticipants(t *testing.T, params pet.RoundParameters, sums, updates int) (sum, update []*participant) {
	t.Helper()
	for i := 0; i < 100000 && (len(sum) < sums || len(update) < updates); i++ {
		signer, err := crypto.GenerateSigningKeyPair()
		require.NoError(t, err)
		ephm, err := crypto.GenerateEncryptKeyPair()
		require.NoError(t, err)
		p := &participant{
			signer: signer,
			sumSig: crypto.Sign(signer.Secret, pet.SumTaskData(params.Seed)),
			updSig: crypto.Sign(signer.Secret, pet.UpdateTaskData(params.Seed)),
			ephm:   ephm,
		}
		switch {
		case p.sumEligible(params) && len(sum) < sums:
			sum = append(sum, p)
		case p.updateEligible(params) && len(update) < updates:
			update = append(update, p)
		}
	}
	require.Len(t, sum, sums)
	require.Len(t, update, updates)
	return sum, update
}

func (p *participant) send(t *testing.T, f *fixture, params pet.RoundParameters, tag message.Tag, payload message.Payload) {
	t.Helper()
	msg := &message.Message{
		Header: message.Header{
			ParticipantPK: p.signer.Public,
			CoordinatorPK: params.EncryptPK,
			Tag:           tag,
		},
		Payload: payload,
	}
	data, err := msg.EncryptTo(p.signer.Secret, params.EncryptPK)
	require.NoError(t, err)
	require.NoError(t, f.pipe.Process(context.Background(), data))
}

func (p *participant) sendUpdate(t *testing.T, f *fixture, params pet.RoundParameters, sumDict pet.SumDict, weights []float32) {
	t.Helper()
	model, err := mask.FromFloat32s(weights)
	require.NoError(t, err)
	seed, masked, err := mask.Mask(params.MaskConfig, new(big.Rat).SetInt64(1), model)
	require.NoError(t, err)

	local := make(pet.LocalSeedDict, len(sumDict))
	for sumPK, ephmPK := range sumDict {
		sealed, err := seed.Encrypt(ephmPK)
		require.NoError(t, err)
		local[sumPK] = sealed
	}
	p.send(t, f, params, message.TagUpdate, &message.Update{
		SumSignature:    p.sumSig,
		UpdateSignature: p.updSig,
		MaskedModel:     masked,
		LocalSeedDict:   local,
	})
}

// aggregateMask reconstructs a sum participant's aggregated mask from the
// broadcast seed dictionary.
func (p *participant) aggregateMask(t *testing.T, params pet.RoundParameters, seedDict pet.SeedDict) mask.MaskObject {
	t.Helper()
	agg := mask.NewAggregation(params.MaskConfig, params.ModelLength)
	for _, sealed := range seedDict[p.signer.Public] {
		seed, err := sealed.Decrypt(p.ephm)
		require.NoError(t, err)
		derived := seed.DeriveMask(params.ModelLength, params.MaskConfig)
		require.NoError(t, agg.ValidateAggregation(derived))
		agg.Aggregate(derived)
	}
	return agg.MaskedObject()
}

func TestFullRound(t *testing.T) {
	f := startCoordinator(t, testSettings(), clock.NewRealClock())

	phaseCh, cancelPhase := f.bus.WatchPhase()
	defer cancelPhase()
	modelCh, cancelModel := f.bus.WatchModelID()
	defer cancelModel()

	waitPhase(t, phaseCh, pet.PhaseSum)
	params, ok := f.bus.Params()
	require.True(t, ok)

	sums, updates := drawParticipants(t, params.Value, 2, 2)
	for _, p := range sums {
		p.send(t, f, params.Value, message.TagSum, &message.Sum{SumSignature: p.sumSig, EphemeralPK: p.ephm.Public})
	}

	waitPhase(t, phaseCh, pet.PhaseUpdate)
	sumDict, ok := f.bus.SumDict()
	require.True(t, ok)
	require.Len(t, sumDict.Value, 2)

	updates[0].sendUpdate(t, f, params.Value, sumDict.Value, []float32{0, 0, 0.5})
	updates[1].sendUpdate(t, f, params.Value, sumDict.Value, []float32{1, 1, 0.5})

	waitPhase(t, phaseCh, pet.PhaseSum2)
	maskLen, ok := f.bus.MaskLength()
	require.True(t, ok)
	require.Equal(t, 3, maskLen.Value)
	seedDict, ok := f.bus.SeedDict()
	require.True(t, ok)

	for _, p := range sums {
		p.send(t, f, params.Value, message.TagSum2, &message.Sum2{
			SumSignature: p.sumSig,
			Mask:         p.aggregateMask(t, params.Value, seedDict.Value),
		})
	}

	var modelID string
	select {
	case e := <-modelCh:
		require.Equal(t, params.Round, e.Round)
		modelID = e.Value
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the global model")
	}

	latest, err := f.store.LatestGlobalModelID(context.Background())
	require.NoError(t, err)
	require.Equal(t, modelID, latest)

	model, err := f.models.GlobalModel(context.Background(), modelID)
	require.NoError(t, err)
	weights, err := model.Float32s()
	require.NoError(t, err)
	require.InDelta(t, 0.5, weights[0], 1e-3)
	require.InDelta(t, 0.5, weights[1], 1e-3)
	require.InDelta(t, 0.5, weights[2], 1e-3)

	scalar, ok := f.bus.Scalar()
	require.True(t, ok)
	s, _ := scalar.Value.Float64()
	require.InDelta(t, 1, s, 1e-3)
}

func TestSumPhaseTimeoutAbortsRound(t *testing.T) {
	fc := clock.NewFakeClock()
	settings := testSettings()
	settings.SumCount = pet.PhaseCounts{Min: 1, Max: 10}
	settings.SumTime = pet.PhaseTimes{Min: 1, Max: 1}
	f := startCoordinator(t, settings, fc)

	phaseCh, cancelPhase := f.bus.WatchPhase()
	defer cancelPhase()

	first := waitPhase(t, phaseCh, pet.PhaseSum)
	params1, ok := f.bus.Params()
	require.True(t, ok)

	// No sum messages arrive; firing the max deadline aborts the round.
	fc.BlockUntil(2)
	fc.Advance(time.Second)

	second := waitPhase(t, phaseCh, pet.PhaseSum)
	params2, ok := f.bus.Params()
	require.True(t, ok)

	require.Equal(t, first.Round+1, second.Round)
	require.NotEqual(t, params1.Value.Seed, params2.Value.Seed)
	require.NotEqual(t, params1.Value.EncryptPK, params2.Value.EncryptPK)

	_, hasModel := f.bus.ModelID()
	require.False(t, hasModel)
}

func TestUnmaskTieAbortsRound(t *testing.T) {
	f := startCoordinator(t, testSettings(), clock.NewRealClock())

	phaseCh, cancelPhase := f.bus.WatchPhase()
	defer cancelPhase()

	waitPhase(t, phaseCh, pet.PhaseSum)
	params, ok := f.bus.Params()
	require.True(t, ok)

	sums, updates := drawParticipants(t, params.Value, 2, 2)
	for _, p := range sums {
		p.send(t, f, params.Value, message.TagSum, &message.Sum{SumSignature: p.sumSig, EphemeralPK: p.ephm.Public})
	}

	waitPhase(t, phaseCh, pet.PhaseUpdate)
	sumDict, ok := f.bus.SumDict()
	require.True(t, ok)
	updates[0].sendUpdate(t, f, params.Value, sumDict.Value, []float32{0, 0, 0})
	updates[1].sendUpdate(t, f, params.Value, sumDict.Value, []float32{1, 1, 1})

	waitPhase(t, phaseCh, pet.PhaseSum2)

	// Both sum participants submit distinct bogus masks: two tallies of one
	// each, no strict majority.
	for _, p := range sums {
		seed, err := mask.NewMaskSeed()
		require.NoError(t, err)
		p.send(t, f, params.Value, message.TagSum2, &message.Sum2{
			SumSignature: p.sumSig,
			Mask:         seed.DeriveMask(params.Value.ModelLength, params.Value.MaskConfig),
		})
	}

	// The round fails at unmask and the next round begins.
	next := waitPhase(t, phaseCh, pet.PhaseSum)
	require.Equal(t, params.Round+1, next.Round)

	_, hasModel := f.bus.ModelID()
	require.False(t, hasModel)
}
