package events

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xaynetwork/xaynet/pet"
)

func TestLatestValueSemantics(t *testing.T) {
	bus := NewBus()

	_, ok := bus.Phase()
	require.False(t, ok)

	bus.BroadcastPhase(1, pet.PhaseSum)
	bus.BroadcastPhase(1, pet.PhaseUpdate)

	e, ok := bus.Phase()
	require.True(t, ok)
	require.Equal(t, uint64(1), e.Round)
	require.Equal(t, pet.PhaseUpdate, e.Value)
}

func TestSlowSubscriberSkipsIntermediateValues(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.WatchPhase()
	defer cancel()

	// The subscriber never drains while three values are published; only
	// the newest survives.
	bus.BroadcastPhase(3, pet.PhaseSum)
	bus.BroadcastPhase(3, pet.PhaseUpdate)
	bus.BroadcastPhase(3, pet.PhaseSum2)

	e := <-ch
	require.Equal(t, pet.PhaseSum2, e.Value)
	select {
	case e := <-ch:
		t.Fatalf("unexpected buffered event %v", e.Value)
	default:
	}
}

func TestSubscribeDeliversCurrentValue(t *testing.T) {
	bus := NewBus()
	bus.BroadcastModelID(7, "7_abc")

	ch, cancel := bus.WatchModelID()
	defer cancel()
	e := <-ch
	require.Equal(t, uint64(7), e.Round)
	require.Equal(t, "7_abc", e.Value)
}

func TestCancelRemovesSubscriber(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.WatchModelID()
	cancel()

	bus.BroadcastModelID(1, "1_x")
	select {
	case <-ch:
		t.Fatal("cancelled subscriber still receives")
	default:
	}
}
