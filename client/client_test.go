package client

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/xaynetwork/xaynet/common/log"
	"github.com/xaynetwork/xaynet/coordinator"
	"github.com/xaynetwork/xaynet/crypto"
	"github.com/xaynetwork/xaynet/events"
	"github.com/xaynetwork/xaynet/mask"
	"github.com/xaynetwork/xaynet/metrics"
	"github.com/xaynetwork/xaynet/pet"
	"github.com/xaynetwork/xaynet/pipeline"
	"github.com/xaynetwork/xaynet/server"
	"github.com/xaynetwork/xaynet/storage/memdb"
	"github.com/xaynetwork/xaynet/storage/models"
)

// startStack runs a full coordinator behind an HTTP test server.
func startStack(t *testing.T) (*Client, *events.Bus) {
	t.Helper()
	logger := log.New(nil, log.ErrorLevel, false)
	m := metrics.New()
	bus := events.NewBus()
	store := memdb.NewStore()
	modelStore := models.NewMemoryStore()

	pipe, err := pipeline.New(bus, m, logger, pipeline.Config{Workers: 4, IntakeCapacity: 128, MultipartCap: 64})
	require.NoError(t, err)

	settings := coordinator.Settings{
		SumProb:     0.3,
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
	machine := coordinator.New(settings, store, modelStore, bus, pipe.Intake(), m, logger, clock.NewRealClock(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- machine.Run(ctx) }()

	ts := httptest.NewServer(server.New(pipe, bus, store, modelStore, m, logger).Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})

	return New(ts.URL, nil), bus
}

func TestParticipantsCompleteARound(t *testing.T) {
	api, _ := startStack(t)
	logger := log.New(nil, log.ErrorLevel, false)

	trainer := TrainerFunc(func(_ context.Context, length int) ([]float32, error) {
		weights := make([]float32, length)
		for i := range weights {
			weights[i] = 0.5
		}
		return weights, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		p, err := NewParticipant(api, trainer, logger)
		require.NoError(t, err)
		// A small chunk size forces the update path through multipart
		// reassembly.
		p.WithPollInterval(20 * time.Millisecond).WithChunkSize(256)
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Losing the draw or arriving after the quorum are normal
			// outcomes for individual participants.
			_ = p.RunRound(ctx)
		}()
	}

	var model mask.Model
	require.Eventually(t, func() bool {
		_, m, err := api.GlobalModel(ctx)
		if err != nil {
			return false
		}
		model = m
		return true
	}, 50*time.Second, 100*time.Millisecond, "no global model published")

	weights, err := model.Float32s()
	require.NoError(t, err)
	require.Len(t, weights, 3)
	for _, w := range weights {
		require.InDelta(t, 0.5, w, 1e-3)
	}

	cancel()
	wg.Wait()
}

func TestClientErrorsBeforeRound(t *testing.T) {
	api, _ := startStack(t)
	// The stack needs a moment to broadcast the first round; a brand-new
	// client may still see 404s for dictionaries of later phases.
	_, err := api.SeedDict(context.Background())
	require.ErrorIs(t, err, ErrNotAvailable)
}

func TestRunRoundNotSelected(t *testing.T) {
	api, bus := startStack(t)
	logger := log.New(nil, log.ErrorLevel, false)

	// Wait for the round to open.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for {
		if _, ok := bus.Params(); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Draw participants until one loses both tasks.
	params, _ := bus.Params()
	for i := 0; i < 10000; i++ {
		p, err := NewParticipant(api, nil, logger)
		require.NoError(t, err)
		p.WithPollInterval(10 * time.Millisecond)

		sumSig := crypto.Sign(p.signer.Secret, pet.SumTaskData(params.Value.Seed))
		updSig := crypto.Sign(p.signer.Secret, pet.UpdateTaskData(params.Value.Seed))
		if sumSig.IsEligible(params.Value.SumProb) || updSig.IsEligible(params.Value.UpdateProb) {
			continue
		}
		require.ErrorIs(t, p.RunRound(ctx), ErrNotSelected)
		return
	}
	t.Fatal("no unselected participant found")
}
