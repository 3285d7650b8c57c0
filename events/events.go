// Package events is the coordinator's broadcast bus: a set of latched
// single-producer multi-consumer channels. Every value is tagged with the
// round that produced it. Consumers read the latest value and may subscribe
// to updates; there is no back-pressure, new values overwrite old ones and
// slow subscribers skip intermediate values.
package events

import (
	"math/big"
	"sync"

	"github.com/xaynetwork/xaynet/crypto"
	"github.com/xaynetwork/xaynet/pet"
)

// Event is a broadcast value tagged with its round id.
type Event[T any] struct {
	Round uint64
	Value T
}

// latched holds the most recent value of one channel and fans updates out
// to subscribers without ever blocking the producer.
type latched[T any] struct {
	mu     sync.Mutex
	latest Event[T]
	set    bool
	subs   map[int]chan Event[T]
	nextID int
}

func newLatched[T any]() *latched[T] {
	return &latched[T]{subs: make(map[int]chan Event[T])}
}

func (l *latched[T]) publish(e Event[T]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latest = e
	l.set = true
	for _, ch := range l.subs {
		// Keep only the newest value: drop the stale one if the
		// subscriber has not drained its channel yet.
		select {
		case ch <- e:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- e
		}
	}
}

// get returns the latest value, if any was published yet.
func (l *latched[T]) get() (Event[T], bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest, l.set
}

// subscribe returns a capacity-one channel carrying subsequent values and a
// cancel function. The current value, if any, is delivered immediately.
func (l *latched[T]) subscribe() (<-chan Event[T], func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	ch := make(chan Event[T], 1)
	if l.set {
		ch <- l.latest
	}
	l.subs[id] = ch
	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
	}
	return ch, cancel
}

// Bus carries the coordinator broadcast channels. The phase worker is the
// only producer; any number of goroutines may read.
type Bus struct {
	keys       *latched[crypto.EncryptKeyPair]
	params     *latched[pet.RoundParameters]
	phase      *latched[pet.PhaseName]
	maskLength *latched[int]
	sumDict    *latched[pet.SumDict]
	seedDict   *latched[pet.SeedDict]
	scalar     *latched[*big.Rat]
	modelID    *latched[string]
}

// NewBus returns an empty bus; every channel is unset until its first
// broadcast.
func NewBus() *Bus {
	return &Bus{
		keys:       newLatched[crypto.EncryptKeyPair](),
		params:     newLatched[pet.RoundParameters](),
		phase:      newLatched[pet.PhaseName](),
		maskLength: newLatched[int](),
		sumDict:    newLatched[pet.SumDict](),
		seedDict:   newLatched[pet.SeedDict](),
		scalar:     newLatched[*big.Rat](),
		modelID:    newLatched[string](),
	}
}

// Producer side.

func (b *Bus) BroadcastKeys(round uint64, keys crypto.EncryptKeyPair) {
	b.keys.publish(Event[crypto.EncryptKeyPair]{Round: round, Value: keys})
}

func (b *Bus) BroadcastParams(round uint64, p pet.RoundParameters) {
	b.params.publish(Event[pet.RoundParameters]{Round: round, Value: p})
}

func (b *Bus) BroadcastPhase(round uint64, p pet.PhaseName) {
	b.phase.publish(Event[pet.PhaseName]{Round: round, Value: p})
}

func (b *Bus) BroadcastMaskLength(round uint64, n int) {
	b.maskLength.publish(Event[int]{Round: round, Value: n})
}

func (b *Bus) BroadcastSumDict(round uint64, d pet.SumDict) {
	b.sumDict.publish(Event[pet.SumDict]{Round: round, Value: d})
}

func (b *Bus) BroadcastSeedDict(round uint64, d pet.SeedDict) {
	b.seedDict.publish(Event[pet.SeedDict]{Round: round, Value: d})
}

func (b *Bus) BroadcastScalar(round uint64, s *big.Rat) {
	b.scalar.publish(Event[*big.Rat]{Round: round, Value: s})
}

func (b *Bus) BroadcastModelID(round uint64, id string) {
	b.modelID.publish(Event[string]{Round: round, Value: id})
}

// Consumer side: the latest value of each channel.

func (b *Bus) Keys() (Event[crypto.EncryptKeyPair], bool) { return b.keys.get() }
func (b *Bus) Params() (Event[pet.RoundParameters], bool) { return b.params.get() }
func (b *Bus) Phase() (Event[pet.PhaseName], bool)        { return b.phase.get() }
func (b *Bus) MaskLength() (Event[int], bool)             { return b.maskLength.get() }
func (b *Bus) SumDict() (Event[pet.SumDict], bool)        { return b.sumDict.get() }
func (b *Bus) SeedDict() (Event[pet.SeedDict], bool)      { return b.seedDict.get() }
func (b *Bus) Scalar() (Event[*big.Rat], bool)            { return b.scalar.get() }
func (b *Bus) ModelID() (Event[string], bool)             { return b.modelID.get() }

// Subscriptions to subsequent values.

func (b *Bus) WatchPhase() (<-chan Event[pet.PhaseName], func()) { return b.phase.subscribe() }
func (b *Bus) WatchModelID() (<-chan Event[string], func())      { return b.modelID.subscribe() }
func (b *Bus) WatchParams() (<-chan Event[pet.RoundParameters], func()) {
	return b.params.subscribe()
}
