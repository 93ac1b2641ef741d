package obatch

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/hyperledger/iroha-sub005/ordering"
	"github.com/hyperledger/iroha-sub005/ordering/oevent"
)

// maxOversizeSkips bounds how many further batches are attempted after
// one batch would overflow the requested transaction amount, so a
// single oversized batch cannot starve smaller ones behind it while
// still keeping the scan bounded.
const maxOversizeSkips = 8

// Config holds cache configuration.
type Config struct {
	// ExpiryWindow is how long a pending multisignature batch may
	// wait for quorum, measured from its oldest transaction's
	// creation time.
	ExpiryWindow time.Duration

	// ExpiryPeriod is how often the background scan runs.
	ExpiryPeriod time.Duration
}

// DefaultConfig returns default configuration values.
func DefaultConfig() Config {
	return Config{
		ExpiryWindow: 24 * time.Hour,
		ExpiryPeriod: 10 * time.Second,
	}
}

// Metrics is the payload of the periodic [oevent.KeyMetrics]
// notification emitted by the expiry scan.
type Metrics struct {
	AvailableTxs   int
	UsedTxs        int
	PendingBatches int
}

// Cache holds transaction batches between submission and proposal
// assembly.
//
// Fully signed batches live in one of two sets: "available" (eligible
// for the next proposal) and "used" (already drained into a proposal).
// A batch is a member of at most one of the two at any time.
//
// Batches still short of signature quorum live in a separate pending
// table, indexed by expiration timestamp; they are invisible to
// proposal assembly until promoted, and a batch in the pending table
// never simultaneously appears in either set.
//
// Cache methods are safe to call concurrently.
type Cache struct {
	log *slog.Logger
	clk clock.Clock
	bus *oevent.Bus
	cfg Config

	// mu guards available and used.
	mu        sync.RWMutex
	available *Set
	used      *Set

	// mstMu guards the pending multisignature sub-state, so the
	// periodic expiry scan does not block unrelated inserts.
	// Lock order: mu may be acquired while mstMu is held, never the
	// reverse.
	mstMu      sync.Mutex
	pending    map[string]*ordering.TransactionBatch
	expiryOf   map[string]int64
	byExpiry   map[int64]string
	expiryHeap int64Heap
}

// NewCache returns a cache publishing lifecycle events on bus.
func NewCache(log *slog.Logger, clk clock.Clock, bus *oevent.Bus, cfg Config) *Cache {
	return &Cache{
		log:       log,
		clk:       clk,
		bus:       bus,
		cfg:       cfg,
		available: NewSet(),
		used:      NewSet(),
		pending:   make(map[string]*ordering.TransactionBatch),
		expiryOf:  make(map[string]int64),
		byExpiry:  make(map[int64]string),
	}
}

// Insert accepts a batch and returns the available transaction count
// after the operation.
//
// A batch holding full signature quorum goes straight to the available
// set, displacing any stale copy in the used set and any pending entry
// for the same hash. A batch short of quorum is merged into the
// pending table; if the merge completes quorum the batch is promoted
// and a prepared event fires exactly once. Re-inserting a batch whose
// signatures are all present already changes nothing and fires no
// event, and so does a laggard under-quorum copy of a batch that
// already reached quorum: it never re-opens a pending entry.
func (c *Cache) Insert(b *ordering.TransactionBatch) int {
	if b.HasAllSignatures() {
		// Available insert happens before the pending drop, so a
		// concurrent under-quorum copy always observes one of the two.
		c.insertAvailable(b)
		c.dropPending(b.ReducedBatchHash())
		c.bus.Notify(oevent.KeyBatchReady, b)
		return c.AvailableTxsCount()
	}

	c.mstMu.Lock()
	key := b.ReducedBatchHash()
	stored, ok := c.pending[key]
	if !ok {
		if c.holdsSigned(b) {
			// Laggard copy of a promoted batch; every signature it
			// carries is already satisfied.
			c.mstMu.Unlock()
			return c.AvailableTxsCount()
		}
		c.addPendingLocked(key, b)
		c.mstMu.Unlock()
		c.bus.Notify(oevent.KeyMSTStateUpdate, b)
		return c.AvailableTxsCount()
	}

	added := stored.MergeSignatures(b)
	if !added {
		c.mstMu.Unlock()
		return c.AvailableTxsCount()
	}
	if stored.HasAllSignatures() {
		c.removePendingLocked(key)
		c.mstMu.Unlock()
		c.insertAvailable(stored)
		c.bus.Notify(oevent.KeyMSTPrepared, stored)
		return c.AvailableTxsCount()
	}
	c.mstMu.Unlock()
	c.bus.Notify(oevent.KeyMSTStateUpdate, stored)
	return c.AvailableTxsCount()
}

// holdsSigned reports whether a fully signed batch with b's reduced
// hash sits in either set.
func (c *Cache) holdsSigned(b *ordering.TransactionBatch) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available.Contains(b) || c.used.Contains(b)
}

func (c *Cache) insertAvailable(b *ordering.TransactionBatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.used.Remove(b)
	c.available.Insert(b)
}

// addPendingLocked registers b in the pending table. The expiration
// key derives from the oldest transaction's creation time; on
// collision the candidate is incremented until free so every entry
// keeps a distinct slot in the expiry index.
func (c *Cache) addPendingLocked(key string, b *ordering.TransactionBatch) {
	at := b.OldestCreatedAt()
	for {
		if _, taken := c.byExpiry[at]; !taken {
			break
		}
		at++
	}
	c.pending[key] = b
	c.expiryOf[key] = at
	c.byExpiry[at] = key
	heap.Push(&c.expiryHeap, at)
}

func (c *Cache) removePendingLocked(key string) {
	at, ok := c.expiryOf[key]
	if !ok {
		return
	}
	delete(c.pending, key)
	delete(c.expiryOf, key)
	delete(c.byExpiry, at)
	// The heap entry stays behind; the expiry scan skips timestamps
	// no longer present in byExpiry.
}

func (c *Cache) dropPending(key string) {
	c.mstMu.Lock()
	defer c.mstMu.Unlock()
	c.removePendingLocked(key)
}

// Remove purges every batch containing any of the given transaction
// hashes, from the pending table and from both sets. The used set is
// folded back into available first. Removing the same hash set twice
// is a no-op the second time.
func (c *Cache) Remove(hashes map[string]struct{}) {
	c.mstMu.Lock()
	for key, b := range c.pending {
		if b.ContainsAnyHash(hashes) {
			c.removePendingLocked(key)
		}
	}
	c.mstMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.available.Merge(c.used)
	c.available.RemoveIf(func(b *ordering.TransactionBatch) (bool, bool) {
		return b.ContainsAnyHash(hashes), false
	})
}

// GetTransactions drains available batches in iteration order into the
// returned slice, moving every drained batch to the used set.
//
// A batch satisfying isProcessed is dropped outright. A batch that
// would push the total past requestedAmount is skipped, and after a
// bounded number of such skips the scan stops. The returned
// transaction count never exceeds requestedAmount and no batch is
// partially included.
func (c *Cache) GetTransactions(
	requestedAmount int,
	isProcessed func(b *ordering.TransactionBatch) bool,
) []ordering.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []ordering.Transaction
	collected := 0
	oversizeSkips := 0

	var drained []*ordering.TransactionBatch
	c.available.RemoveIf(func(b *ordering.TransactionBatch) (bool, bool) {
		if isProcessed != nil && isProcessed(b) {
			return true, false
		}
		if collected+b.Size() > requestedAmount {
			oversizeSkips++
			return false, oversizeSkips > maxOversizeSkips
		}
		collected += b.Size()
		out = append(out, b.Transactions()...)
		drained = append(drained, b)
		return true, false
	})

	for _, b := range drained {
		c.used.Insert(b)
	}
	return out
}

// IsEmpty reports whether no fully signed batches are held.
func (c *Cache) IsEmpty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available.Len() == 0 && c.used.Len() == 0
}

// TxsCount returns the aggregate transaction count over both sets.
func (c *Cache) TxsCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available.TxCount() + c.used.TxCount()
}

// AvailableTxsCount returns the transaction count of the available set.
func (c *Cache) AvailableTxsCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available.TxCount()
}

// ForAvailableBatches calls f under the read lock for every batch in
// the available set, in iteration order, until f returns false.
func (c *Cache) ForAvailableBatches(f func(b *ordering.TransactionBatch) bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.available.Each(f)
}

// RunExpiry scans the pending table every configured period, evicting
// entries older than the expiry window, until ctx is canceled.
// This should be run as a goroutine.
func (c *Cache) RunExpiry(ctx context.Context) {
	ticker := c.clk.Ticker(c.cfg.ExpiryPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.expireStale(now)
		}
	}
}

func (c *Cache) expireStale(now time.Time) {
	deadline := now.Add(-c.cfg.ExpiryWindow).UnixMilli()

	var expired []*ordering.TransactionBatch
	c.mstMu.Lock()
	for c.expiryHeap.Len() > 0 {
		at := c.expiryHeap[0]
		if at > deadline {
			break
		}
		heap.Pop(&c.expiryHeap)
		key, ok := c.byExpiry[at]
		if !ok {
			// Entry was promoted or removed after being pushed.
			continue
		}
		expired = append(expired, c.pending[key])
		c.removePendingLocked(key)
	}
	pendingCount := len(c.pending)
	c.mstMu.Unlock()

	for _, b := range expired {
		c.log.Info("Expired pending batch", "batch_hash", loggableHash(b.ReducedBatchHash()))
		c.bus.Notify(oevent.KeyMSTExpired, b)
	}

	c.mu.RLock()
	m := Metrics{
		AvailableTxs:   c.available.TxCount(),
		UsedTxs:        c.used.TxCount(),
		PendingBatches: pendingCount,
	}
	c.mu.RUnlock()
	c.bus.Notify(oevent.KeyMetrics, m)
}

func loggableHash(h string) string {
	return fmt.Sprintf("%x", h)
}

// int64Heap is a min-heap of expiry timestamps.
type int64Heap []int64

func (h int64Heap) Len() int            { return len(h) }
func (h int64Heap) Less(i, j int) bool  { return h[i] < h[j] }
func (h int64Heap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *int64Heap) Push(x any) { *h = append(*h, x.(int64)) }
func (h *int64Heap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}
