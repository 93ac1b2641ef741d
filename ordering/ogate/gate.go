// Package ogate drives the ordering subsystem across consensus round
// switches: it retains the rolling window of committed-block hashes,
// recomputes the per-round peer permutations, assigns ordering-service
// roles, and hands batch and proposal traffic to the right peers.
package ogate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hyperledger/iroha-sub005/ordering"
	"github.com/hyperledger/iroha-sub005/ordering/obloom"
	"github.com/hyperledger/iroha-sub005/ordering/oconn"
	"github.com/hyperledger/iroha-sub005/ordering/oevent"
	"github.com/hyperledger/iroha-sub005/ordering/operm"
	"github.com/hyperledger/iroha-sub005/ordering/oservice"
)

// SynchronizationOutcome describes how the previous round concluded.
type SynchronizationOutcome uint8

const (
	_ SynchronizationOutcome = iota // Zero value reserved.

	// OutcomeCommit means a block was committed.
	OutcomeCommit

	// OutcomeReject means consensus agreed to reject the round.
	OutcomeReject

	// OutcomeNothing means the round concluded without agreement.
	// Treated like a reject for round advancement.
	OutcomeNothing
)

// LedgerState is the committed chain state accompanying a
// synchronization event.
type LedgerState struct {
	// Peers is the ordered peer list of the ledger.
	Peers []ordering.Peer

	// Height of the top committed block.
	Height uint64

	// TopBlockHash is the hash of the most recently committed block.
	TopBlockHash string
}

// SynchronizationEvent is emitted by the consensus collaborator when a
// round concludes.
type SynchronizationEvent struct {
	// Round is the round that concluded.
	Round   ordering.Round
	Outcome SynchronizationOutcome
	Ledger  LedgerState
}

// BlockCommit carries the parts of a committed block the gate needs:
// its hash for permutation seeding and its transaction hashes for
// cache cleanup.
type BlockCommit struct {
	Height uint64
	Hash   string

	CommittedTxHashes []string
	RejectedTxHashes  []string
}

// Gate wires the ordering service, the connection manager, and the
// permutation generator together. Methods are safe to call
// concurrently.
type Gate struct {
	log    *slog.Logger
	bus    *oevent.Bus
	svc    *oservice.Service
	mgr    *oconn.Manager
	keeper *oconn.ExecutorKeeper

	mu sync.Mutex
	// hashes holds the permutation seed per round offset:
	// the hash three commits back seeds the current round's
	// permutation, shifting forward one slot on every commit.
	hashes  [ordering.NumOffsets]string
	current ordering.Round
}

// New returns a gate starting at the genesis round with an empty hash
// window.
func New(
	log *slog.Logger,
	bus *oevent.Bus,
	svc *oservice.Service,
	mgr *oconn.Manager,
	keeper *oconn.ExecutorKeeper,
) *Gate {
	return &Gate{
		log:     log,
		bus:     bus,
		svc:     svc,
		mgr:     mgr,
		keeper:  keeper,
		current: ordering.GenesisRound,
	}
}

// ProcessCommittedBlock shifts the permutation seed window and purges
// the block's committed and rejected transactions from the batch
// cache.
func (g *Gate) ProcessCommittedBlock(b BlockCommit) {
	g.mu.Lock()
	g.hashes[ordering.OffsetCurrent] = g.hashes[ordering.OffsetNext]
	g.hashes[ordering.OffsetNext] = g.hashes[ordering.OffsetAfterNext]
	g.hashes[ordering.OffsetAfterNext] = b.Hash
	g.mu.Unlock()

	g.log.Debug("Committed block handled", "height", b.Height)

	hashes := make(map[string]struct{}, len(b.CommittedTxHashes)+len(b.RejectedTxHashes))
	for _, h := range b.CommittedTxHashes {
		hashes[h] = struct{}{}
	}
	for _, h := range b.RejectedTxHashes {
		hashes[h] = struct{}{}
	}
	if len(hashes) > 0 {
		g.svc.OnTxsCommitted(hashes)
	}
}

// ProcessSynchronization advances the round according to the outcome,
// regenerates the peer permutations from the retained block hashes,
// rebuilds the role connections, and returns the new round.
//
// An empty ledger peer list is rejected outright: role lookups index
// the permutation modulo its length, so there is no meaningful
// assignment to fall back to.
func (g *Gate) ProcessSynchronization(ctx context.Context, ev SynchronizationEvent) (ordering.Round, error) {
	peers := ev.Ledger.Peers
	if len(peers) == 0 {
		return ordering.Round{}, fmt.Errorf("synchronization for round %v carries no ledger peers", ev.Round)
	}

	g.keeper.Sync(peers)

	g.mu.Lock()
	seeds := g.hashes
	g.mu.Unlock()

	var perms [ordering.NumOffsets][]int
	for off := ordering.RoundOffset(0); off < ordering.NumOffsets; off++ {
		perm, err := operm.Generate([]byte(seeds[off]), len(peers))
		if err != nil {
			return ordering.Round{}, fmt.Errorf("generate permutation for offset %d: %w", off, err)
		}
		perms[off] = perm
	}

	var next ordering.Round
	switch ev.Outcome {
	case OutcomeCommit:
		next = ordering.NextCommitRound(ev.Round)
	case OutcomeReject, OutcomeNothing:
		next = ordering.NextRejectRound(ev.Round)
	default:
		return ordering.Round{}, fmt.Errorf("unknown synchronization outcome %d", ev.Outcome)
	}

	osPeer := func(off ordering.RoundOffset, rejectRound uint32) ordering.Peer {
		perm := perms[off]
		return peers[perm[int(rejectRound)%len(perm)]]
	}

	// Each consumer role serves the round its two-step outcome path
	// leads to: both rejects stay in the current block round two
	// reject rounds ahead, any path through a commit lands at reject
	// round 0 or 1 of a later block round.
	var current oconn.CurrentPeers
	current.Peers[ordering.RoleIssuer] = osPeer(ordering.OffsetCurrent, next.RejectRound)
	current.Peers[ordering.RoleRejectRejectConsumer] = osPeer(ordering.OffsetCurrent, next.RejectRound+2)
	current.Peers[ordering.RoleRejectCommitConsumer] = osPeer(ordering.OffsetNext, 0)
	current.Peers[ordering.RoleCommitRejectConsumer] = osPeer(ordering.OffsetNext, 1)
	current.Peers[ordering.RoleCommitCommitConsumer] = osPeer(ordering.OffsetAfterNext, 0)

	for role := ordering.Role(0); role < ordering.NumRoles; role++ {
		g.log.Debug("Role peer chosen", "round", next, "role", role, "peer", current.Peers[role].Key)
	}

	if err := g.mgr.InitializeConnections(ctx, current, peers); err != nil {
		return ordering.Round{}, fmt.Errorf("initialize connections: %w", err)
	}

	g.svc.OnCollaborationOutcome(ctx, next)

	g.mu.Lock()
	g.current = next
	g.mu.Unlock()

	g.bus.Notify(oevent.KeyRoundSwitch, next)
	g.log.Info("Round switched", "round", next)
	return next, nil
}

// RequestProposal asks the current issuer for the proposal of round,
// attaching the local proposal hash and a bloom filter of the
// transactions already held so the issuer can avoid re-sending them.
func (g *Gate) RequestProposal(ctx context.Context, round ordering.Round) error {
	req := ordering.ProposalRequest{Round: round}
	if hash, ok := g.svc.ProposalHash(round); ok {
		req.LocalProposalHash = hash
	}

	filter := obloom.New()
	n := 0
	g.svc.ForCachedBatches(func(b *ordering.TransactionBatch) bool {
		for _, tx := range b.Transactions() {
			filter.Add(tx.Hash)
			n++
		}
		return true
	})
	if n > 0 {
		req.BloomFilter = filter.Bytes()
	}

	return g.mgr.OnRequestProposal(ctx, req)
}

// CurrentRound returns the round the gate last switched to.
func (g *Gate) CurrentRound() ordering.Round {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}
