package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// DefaultHistorySize is the number of recent events retained for replay.
	DefaultHistorySize = 500

	// DefaultChannelBuffer is the buffer size for subscriber channels.
	DefaultChannelBuffer = 64
)

// SubscriptionID identifies one subscription.
type SubscriptionID string

type subscription struct {
	id        SubscriptionID
	eventType EventType
	handler   func(Event)
	ch        chan Event
	done      chan struct{}
}

// Bus is a thread-safe pub/sub event bus with wildcard support and a bounded
// replay history. Publish never blocks: a subscriber that cannot keep up has
// events dropped rather than stalling the publisher.
type Bus struct {
	mu         sync.RWMutex
	subs       map[SubscriptionID]*subscription
	typedSubs  map[EventType]map[SubscriptionID]*subscription
	wildcards  map[SubscriptionID]*subscription
	subCounter uint64

	historyMu   sync.RWMutex
	history     []Event
	historySize int

	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a bus with the default history size.
func New() *Bus {
	return NewWithHistory(DefaultHistorySize)
}

// NewWithHistory creates a bus retaining up to historySize events for replay.
func NewWithHistory(historySize int) *Bus {
	return &Bus{
		subs:        make(map[SubscriptionID]*subscription),
		typedSubs:   make(map[EventType]map[SubscriptionID]*subscription),
		wildcards:   make(map[SubscriptionID]*subscription),
		history:     make([]Event, 0, historySize),
		historySize: historySize,
	}
}

// Subscribe registers a handler for a specific event type. Use EventType("")
// to receive all events. The handler runs on a dedicated goroutine, so it may
// block without affecting publishers or other subscribers.
func (b *Bus) Subscribe(eventType EventType, handler func(Event)) SubscriptionID {
	if b.closed.Load() {
		return ""
	}

	sub := &subscription{
		eventType: eventType,
		handler:   handler,
		ch:        make(chan Event, DefaultChannelBuffer),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	b.subCounter++
	sub.id = SubscriptionID(fmt.Sprintf("sub_%d", b.subCounter))
	b.subs[sub.id] = sub
	if eventType == "" {
		b.wildcards[sub.id] = sub
	} else {
		if b.typedSubs[eventType] == nil {
			b.typedSubs[eventType] = make(map[SubscriptionID]*subscription)
		}
		b.typedSubs[eventType][sub.id] = sub
	}
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub)

	return sub.id
}

func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case event := <-sub.ch:
			sub.handler(event)
		case <-sub.done:
			return
		}
	}
}

// Unsubscribe removes a subscription by id.
func (b *Bus) Unsubscribe(id SubscriptionID) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("subscription %s not found", id)
	}
	delete(b.subs, id)
	if sub.eventType == "" {
		delete(b.wildcards, id)
	} else if typed, ok := b.typedSubs[sub.eventType]; ok {
		delete(typed, id)
		if len(typed) == 0 {
			delete(b.typedSubs, sub.eventType)
		}
	}
	b.mu.Unlock()

	close(sub.done)
	return nil
}

// Publish delivers an event to all matching subscribers and appends it to
// the history buffer.
func (b *Bus) Publish(event Event) error {
	if b.closed.Load() {
		return fmt.Errorf("bus is closed")
	}

	b.addToHistory(event)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.wildcards {
		select {
		case sub.ch <- event:
		default: // subscriber backlogged, drop
		}
	}
	for _, sub := range b.typedSubs[event.Type] {
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

func (b *Bus) addToHistory(event Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	b.history = append(b.history, event)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
}

// History returns a copy of the last n retained events (all of them when
// n <= 0 or exceeds the buffer).
func (b *Bus) History(n int) []Event {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	result := make([]Event, n)
	copy(result, b.history[len(b.history)-n:])
	return result
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts down the bus and waits for in-flight handlers to return.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("bus already closed")
	}

	b.mu.Lock()
	for _, sub := range b.subs {
		close(sub.done)
	}
	b.subs = make(map[SubscriptionID]*subscription)
	b.typedSubs = make(map[EventType]map[SubscriptionID]*subscription)
	b.wildcards = make(map[SubscriptionID]*subscription)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
