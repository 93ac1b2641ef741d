// Package opresence answers whether a transaction is already known to
// the ledger, fronting the persistence layer with a bounded cache so
// proposal assembly does not hit storage for every hash.
package opresence

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hyperledger/iroha-sub005/ordering"
)

// Status is the ledger's knowledge of one transaction hash.
type Status uint8

const (
	_ Status = iota // Zero value reserved.

	// StatusMissing means the ledger has never seen the hash.
	StatusMissing

	// StatusCommitted means the hash is part of a committed block,
	// either as an applied or an explicitly rejected transaction.
	StatusCommitted

	// StatusPending means the hash is currently in flight through
	// consensus.
	StatusPending
)

func (s Status) String() string {
	switch s {
	case StatusMissing:
		return "missing"
	case StatusCommitted:
		return "committed"
	case StatusPending:
		return "pending"
	default:
		return "invalid"
	}
}

// Checker is the persistence collaborator consulted on cache misses.
type Checker interface {
	Check(ctx context.Context, txHash string) (Status, error)
}

// Cache memoizes committed statuses from a [Checker].
//
// Only StatusCommitted results are cached: a committed transaction
// stays committed forever, while missing and pending statuses can
// change and must be re-queried.
type Cache struct {
	checker   Checker
	committed *lru.Cache[string, struct{}]
}

// New returns a cache retaining up to size committed hashes.
func New(checker Checker, size int) (*Cache, error) {
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create presence lru: %w", err)
	}
	return &Cache{checker: checker, committed: c}, nil
}

// Check returns the status of one transaction hash.
func (c *Cache) Check(ctx context.Context, txHash string) (Status, error) {
	if _, ok := c.committed.Get(txHash); ok {
		return StatusCommitted, nil
	}
	st, err := c.checker.Check(ctx, txHash)
	if err != nil {
		return 0, fmt.Errorf("check tx presence: %w", err)
	}
	if st == StatusCommitted {
		c.committed.Add(txHash, struct{}{})
	}
	return st, nil
}

// BatchAlreadyProcessed reports whether any member transaction of b is
// already committed, in which case the whole batch is a duplicate and
// must not be ordered again.
func (c *Cache) BatchAlreadyProcessed(ctx context.Context, b *ordering.TransactionBatch) (bool, error) {
	for _, tx := range b.Transactions() {
		st, err := c.Check(ctx, tx.Hash)
		if err != nil {
			return false, err
		}
		if st == StatusCommitted {
			return true, nil
		}
	}
	return false, nil
}
