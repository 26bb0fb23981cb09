package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the bot. Payloads are small value structs.
const (
	TypePollTick          = "poll.tick"
	TypeStockAlert        = "stock.alert"
	TypeDestinationChange = "destination.change"
	TypeTrackingChange    = "tracking.change"
	TypeConfigReloaded    = "config.reloaded"
)

// Event is a lightweight in-memory signal.
//
// Publish never blocks; subscribers use buffered channels and a slow
// subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// PollTick describes one finished poll cycle.
type PollTick struct {
	OK          bool
	Items       int
	NewItems    int
	Failures    int
	Recovered   bool
	Duration    time.Duration
	ErrorReason string
}

// StockAlert is published after a broadcast pass.
type StockAlert struct {
	Items   []string
	Sent    int
	Failed  int
	Dropped []string
}

// DestinationChange is published on approve, reject, and deregistration.
type DestinationChange struct {
	Action string
	ChatID string
	By     int64
}

// TrackingChange is published when the tracked item set or poll interval changes.
type TrackingChange struct {
	Action string
	Item   string
	By     int64
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch; recover from that send.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
