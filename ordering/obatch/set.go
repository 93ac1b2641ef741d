// Package obatch caches transaction batches between submission and
// proposal assembly, including multisignature batches still waiting
// for signature quorum.
package obatch

import (
	"fmt"

	"github.com/hyperledger/iroha-sub005/ordering"
)

// Set is a de-duplicated collection of batches with a maintained
// aggregate transaction count. Batches are keyed by their reduced
// hash; iteration follows insertion order.
//
// Set is not safe for concurrent use; [Cache] provides the locking.
type Set struct {
	batches map[string]*ordering.TransactionBatch
	order   []string
	txCount int
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{
		batches: make(map[string]*ordering.TransactionBatch),
	}
}

// Insert adds b if no batch with the same reduced hash is present,
// and reports whether it was added. Duplicate insert is a no-op.
func (s *Set) Insert(b *ordering.TransactionBatch) bool {
	key := b.ReducedBatchHash()
	if _, ok := s.batches[key]; ok {
		return false
	}
	s.batches[key] = b
	s.order = append(s.order, key)
	s.txCount += b.Size()
	s.assertCount()
	return true
}

// Remove deletes the batch with b's reduced hash if present,
// and reports whether anything was removed.
func (s *Set) Remove(b *ordering.TransactionBatch) bool {
	return s.removeKey(b.ReducedBatchHash())
}

func (s *Set) removeKey(key string) bool {
	old, ok := s.batches[key]
	if !ok {
		return false
	}
	delete(s.batches, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.txCount -= old.Size()
	s.assertCount()
	return true
}

// Merge moves every batch of other not already present into s,
// transferring its transaction count. other is left empty.
func (s *Set) Merge(other *Set) {
	for _, key := range other.order {
		b := other.batches[key]
		if _, ok := s.batches[key]; !ok {
			s.batches[key] = b
			s.order = append(s.order, key)
			s.txCount += b.Size()
		}
	}
	other.batches = make(map[string]*ordering.TransactionBatch)
	other.order = nil
	other.txCount = 0
	s.assertCount()
}

// RemoveIf walks the set in iteration order, removing every batch for
// which pred returns remove=true, and stopping the walk early when
// pred returns stop=true.
func (s *Set) RemoveIf(pred func(b *ordering.TransactionBatch) (remove, stop bool)) {
	i := 0
	for i < len(s.order) {
		key := s.order[i]
		b := s.batches[key]
		remove, stop := pred(b)
		if remove {
			delete(s.batches, key)
			s.order = append(s.order[:i], s.order[i+1:]...)
			s.txCount -= b.Size()
		} else {
			i++
		}
		if stop {
			break
		}
	}
	s.assertCount()
}

// Each calls f for every batch in iteration order until f returns
// false.
func (s *Set) Each(f func(b *ordering.TransactionBatch) bool) {
	for _, key := range s.order {
		if !f(s.batches[key]) {
			return
		}
	}
}

// Contains reports whether a batch with b's reduced hash is present.
func (s *Set) Contains(b *ordering.TransactionBatch) bool {
	_, ok := s.batches[b.ReducedBatchHash()]
	return ok
}

// Len returns the number of batches held.
func (s *Set) Len() int {
	return len(s.batches)
}

// TxCount returns the aggregate transaction count over held batches.
func (s *Set) TxCount() int {
	return s.txCount
}

// assertCount verifies the accounting invariant: the maintained
// counter equals the summed size of the held batches. A mismatch is a
// programming error, not a recoverable condition.
func (s *Set) assertCount() {
	sum := 0
	for _, b := range s.batches {
		sum += b.Size()
	}
	if sum != s.txCount || len(s.order) != len(s.batches) {
		panic(fmt.Sprintf(
			"obatch: set accounting broken: counter %d, actual %d, order %d, batches %d",
			s.txCount, sum, len(s.order), len(s.batches),
		))
	}
}
