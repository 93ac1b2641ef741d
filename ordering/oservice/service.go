// Package oservice implements the on-demand ordering service: it
// accumulates transaction batches and deterministically assembles
// bounded proposals per round when peers ask for them.
package oservice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/hyperledger/iroha-sub005/ordering"
	"github.com/hyperledger/iroha-sub005/ordering/obatch"
	"github.com/hyperledger/iroha-sub005/ordering/oevent"
	"github.com/hyperledger/iroha-sub005/ordering/opresence"
)

// proposalRoundReach is how far past the current round a request may
// still trigger proposal creation. Requests further ahead yield no
// proposal and leave no state behind.
const proposalRoundReach = 2

// Config holds service configuration.
type Config struct {
	// TransactionLimit caps the transactions drawn into one proposal.
	TransactionLimit int

	// NumberOfProposals is how many proposal slots are retained;
	// the oldest created slot is evicted on overflow.
	NumberOfProposals int

	// MaxProposalPack caps the slots packed ahead after a round
	// concludes.
	MaxProposalPack int
}

// DefaultConfig returns default configuration values.
func DefaultConfig() Config {
	return Config{
		TransactionLimit:  10_000,
		NumberOfProposals: 3,
		MaxProposalPack:   2,
	}
}

// slot is the packed per-round outcome. A nil proposal records that
// the round was assembled and yielded nothing, which is a normal
// result.
type slot struct {
	proposal *ordering.Proposal
}

// Service owns the bounded proposal map and the batch cache feeding
// it. Methods are safe to call concurrently.
type Service struct {
	log *slog.Logger
	clk clock.Clock
	bus *oevent.Bus
	cfg Config

	cache    *obatch.Cache
	presence *opresence.Cache

	mu      sync.Mutex
	current ordering.Round
	slots   map[ordering.Round]slot
	// order tracks slot creation order; eviction is FIFO by
	// creation, not by round value, since reject rounds can regress
	// the value ordering.
	order []ordering.Round
}

// New returns a service starting at the genesis round.
func New(
	log *slog.Logger,
	clk clock.Clock,
	bus *oevent.Bus,
	cache *obatch.Cache,
	presence *opresence.Cache,
	cfg Config,
) *Service {
	return &Service{
		log:      log,
		clk:      clk,
		bus:      bus,
		cfg:      cfg,
		cache:    cache,
		presence: presence,
		current:  ordering.GenesisRound,
		slots:    make(map[ordering.Round]slot),
	}
}

// OnBatches accepts incoming batches, dropping any whose transactions
// the ledger already processed, and forwards the rest to the cache.
func (s *Service) OnBatches(ctx context.Context, batches []*ordering.TransactionBatch) {
	for _, b := range batches {
		processed, err := s.presence.BatchAlreadyProcessed(ctx, b)
		if err != nil {
			// Storage trouble: skip rather than risk re-ordering
			// a committed transaction.
			s.log.Warn("Presence check failed, skipping batch", "err", err)
			continue
		}
		if processed {
			s.log.Warn("Dropping already processed batch",
				"batch_hash", hex(b.ReducedBatchHash()))
			continue
		}
		available := s.cache.Insert(b)
		if available >= s.cfg.TransactionLimit {
			s.bus.Notify(oevent.KeyEnoughTxs, b)
		}
	}
	s.log.Info("Accepted batches", "count", len(batches))
}

// OnRequestProposal returns the proposal packed for round, creating it
// on demand if the round is within reach of the current one. A nil
// result means no proposal exists for the round; that is a normal
// outcome, not an error.
func (s *Service) OnRequestProposal(ctx context.Context, round ordering.Round) *ordering.Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sl, ok := s.slots[round]; ok {
		return sl.proposal
	}
	if !s.withinReachLocked(round) {
		s.log.Debug("Proposal request out of reach", "round", round, "current", s.current)
		return nil
	}
	p := s.packProposalLocked(ctx, round)
	s.bus.Notify(oevent.KeyPackProposal, round)
	return p
}

// withinReachLocked reports whether round is no further than
// proposalRoundReach ahead of the current round.
func (s *Service) withinReachLocked(round ordering.Round) bool {
	if round.Before(s.current) {
		return false
	}
	var delta uint64
	if round.BlockRound == s.current.BlockRound {
		delta = uint64(round.RejectRound - s.current.RejectRound)
	} else {
		delta = round.BlockRound - s.current.BlockRound
	}
	return delta <= proposalRoundReach
}

// packProposalLocked assembles and records the slot for round.
func (s *Service) packProposalLocked(ctx context.Context, round ordering.Round) *ordering.Proposal {
	txs := s.cache.GetTransactions(s.cfg.TransactionLimit, func(b *ordering.TransactionBatch) bool {
		processed, err := s.presence.BatchAlreadyProcessed(ctx, b)
		if err != nil {
			s.log.Warn("Presence check failed while packing", "err", err)
			return false
		}
		return processed
	})

	var p *ordering.Proposal
	if len(txs) > 0 {
		p = ordering.NewProposal(round.BlockRound, s.clk.Now().UnixMilli(), txs)
		s.log.Info("Packed proposal",
			"round", round, "txs", len(txs),
			"proposal_hash", hex(p.Hash()))
	} else {
		s.log.Debug("No transactions for proposal", "round", round)
	}

	s.slots[round] = slot{proposal: p}
	s.order = append(s.order, round)
	s.evictLocked()
	return p
}

// evictLocked drops the oldest created slots beyond the retained
// window.
func (s *Service) evictLocked() {
	for len(s.order) > s.cfg.NumberOfProposals {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.slots, oldest)
		s.log.Debug("Evicted proposal slot", "round", oldest)
	}
}

// OnCollaborationOutcome advances the current round after consensus
// concludes, prunes stale slots, and packs slots for the immediately
// following rounds while the cache has work.
func (s *Service) OnCollaborationOutcome(ctx context.Context, round ordering.Round) {
	s.log.Info("Collaboration outcome", "round", round)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = round

	if s.cache.IsEmpty() {
		return
	}
	next := []ordering.Round{
		ordering.NextCommitRound(round),
		ordering.NextRejectRound(round),
	}
	packed := 0
	for _, r := range next {
		if packed >= s.cfg.MaxProposalPack {
			break
		}
		if _, ok := s.slots[r]; ok {
			continue
		}
		s.packProposalLocked(ctx, r)
		packed++
	}
}

// OnTxsCommitted purges every cached batch containing one of the given
// committed transaction hashes.
func (s *Service) OnTxsCommitted(hashes map[string]struct{}) {
	s.cache.Remove(hashes)
}

// OnDuplicates purges batches whose transactions turned out to be
// duplicates. Same cleanup as OnTxsCommitted, different caller
// context.
func (s *Service) OnDuplicates(hashes map[string]struct{}) {
	s.cache.Remove(hashes)
}

// HasProposal reports whether a slot for round is currently retained.
func (s *Service) HasProposal(round ordering.Round) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.slots[round]
	return ok
}

// ProposalHash returns the hash of the proposal packed for round,
// if a non-empty one is retained.
func (s *Service) ProposalHash(round ordering.Round) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[round]
	if !ok || sl.proposal == nil {
		return "", false
	}
	return sl.proposal.Hash(), true
}

// CurrentRound returns the round the service currently serves.
func (s *Service) CurrentRound() ordering.Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// ForCachedBatches calls f for every available batch until f returns
// false.
func (s *Service) ForCachedBatches(f func(b *ordering.TransactionBatch) bool) {
	s.cache.ForAvailableBatches(f)
}

// IsEmpty reports whether the batch cache holds no ready batches.
func (s *Service) IsEmpty() bool {
	return s.cache.IsEmpty()
}

// AvailableTxsCount returns the count of transactions ready for the
// next proposal.
func (s *Service) AvailableTxsCount() int {
	return s.cache.AvailableTxsCount()
}

func hex(h string) string {
	return fmt.Sprintf("%x", h)
}
