// Package oevent provides the internal event bus of the ordering
// subsystem: a small fixed worker pool delivering published events to
// subscribed handlers.
//
// The bus is an explicitly constructed value with a defined shutdown,
// passed into every component that needs it. Handlers subscribed under
// the same [Tag] run on a single worker goroutine, so delivery within
// one tag is strictly FIFO with respect to publication order from any
// single publisher. Handlers must not block; blocking work belongs on
// a dedicated executor.
package oevent

import (
	"log/slog"
	"sync"
)

// Key identifies one event stream on the bus.
type Key uint8

const (
	_ Key = iota // Zero value reserved.

	// KeyBatchReady fires when a fully signed batch enters the
	// available set. Payload: *ordering.TransactionBatch.
	KeyBatchReady

	// KeyMSTStateUpdate fires when a pending multisignature batch
	// gains signatures without reaching quorum.
	// Payload: *ordering.TransactionBatch.
	KeyMSTStateUpdate

	// KeyMSTPrepared fires exactly once when a pending
	// multisignature batch reaches quorum and is promoted.
	// Payload: *ordering.TransactionBatch.
	KeyMSTPrepared

	// KeyMSTExpired fires for every pending batch evicted by the
	// expiry scan. Payload: *ordering.TransactionBatch.
	KeyMSTExpired

	// KeyEnoughTxs fires when the available transaction count
	// reaches the proposal transaction limit.
	// Payload: *ordering.TransactionBatch (the batch that crossed it).
	KeyEnoughTxs

	// KeyPackProposal fires after a proposal slot is populated on
	// demand. Payload: ordering.Round.
	KeyPackProposal

	// KeyProposalResponse carries the outcome of a remote proposal
	// request. Payload: ordering.ProposalEvent.
	KeyProposalResponse

	// KeyRoundSwitch fires after the gate finishes a round switch.
	// Payload: ordering.Round (the new round).
	KeyRoundSwitch

	// KeyMetrics carries periodic aggregate counters.
	// Payload varies by emitter.
	KeyMetrics
)

// Tag selects the worker goroutine a handler runs on.
type Tag uint8

const (
	TagOrdering Tag = iota
	TagNetwork
	TagMetrics

	numTags
)

// Handler receives one published event payload.
type Handler func(payload any)

type subscription struct {
	tag Tag
	fn  Handler
}

// Bus routes published events to subscribed handlers over a fixed
// pool of worker goroutines. The zero value is not usable; construct
// with [NewBus].
type Bus struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[Key][]subscription
	closed bool

	queues [numTags]chan func()
	wg     sync.WaitGroup
}

// NewBus starts a bus whose per-tag queues hold up to queueSize
// pending deliveries each.
func NewBus(log *slog.Logger, queueSize int) *Bus {
	b := &Bus{
		log:  log,
		subs: make(map[Key][]subscription),
	}
	for i := range b.queues {
		b.queues[i] = make(chan func(), queueSize)
		b.wg.Add(1)
		go b.run(b.queues[i])
	}
	return b
}

func (b *Bus) run(queue <-chan func()) {
	defer b.wg.Done()
	for job := range queue {
		job()
	}
}

// Subscribe registers h for events published under key.
// All handlers registered under the same tag share one worker.
func (b *Bus) Subscribe(tag Tag, key Key, h Handler) {
	if tag >= numTags {
		panic("oevent: invalid tag")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.subs[key] = append(b.subs[key], subscription{tag: tag, fn: h})
}

// Notify publishes payload to every handler subscribed under key.
// Deliveries to a full queue are dropped with a warning rather than
// blocking the publisher. After Close, Notify is a no-op.
func (b *Bus) Notify(key Key, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[key] {
		fn := sub.fn
		select {
		case b.queues[sub.tag] <- func() { fn(payload) }:
		default:
			b.log.Warn("Event queue full, dropping delivery", "key", key, "tag", sub.tag)
		}
	}
}

// Close stops accepting events and waits for queued deliveries to
// drain. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	for i := range b.queues {
		close(b.queues[i])
	}
	b.wg.Wait()
}
