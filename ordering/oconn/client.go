package oconn

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/hyperledger/iroha-sub005/ordering"
	"github.com/hyperledger/iroha-sub005/ordering/oevent"
)

// Transport is the wire collaborator a [Client] sends through.
// Implementations own serialization and the actual network protocol.
type Transport interface {
	SendBatches(ctx context.Context, peer ordering.Peer, batches []*ordering.TransactionBatch) error

	// RequestProposal returns the remote proposal for the requested
	// round, or nil when the peer holds none.
	RequestProposal(ctx context.Context, peer ordering.Peer, req ordering.ProposalRequest) (*ordering.Proposal, error)
}

// ClientConfig holds per-peer client configuration.
type ClientConfig struct {
	// ProposalRequestTimeout bounds one proposal request round trip.
	// An exceeded deadline resolves as "no proposal", it does not
	// block the round.
	ProposalRequestTimeout time.Duration

	// SendBatchesTimeout bounds one batch push.
	SendBatchesTimeout time.Duration

	// MaxRequestBytes splits outgoing batch pushes into chunks of
	// roughly this payload size.
	MaxRequestBytes int
}

// DefaultClientConfig returns default configuration values.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ProposalRequestTimeout: 2 * time.Second,
		SendBatchesTimeout:     5 * time.Second,
		MaxRequestBytes:        2 * 1024 * 1024,
	}
}

// ClientStats is a snapshot of a client's send counters.
type ClientStats struct {
	BatchesSent uint64
	TxsSent     uint64
	SendErrors  uint64
}

// Client is the [ordering.OdOsNotification] for one remote peer.
//
// Batch pushes run on the peer's executor so they stay FIFO toward
// that peer. A proposal request cancels any previous in-flight request
// for an earlier round first; its outcome is published as an
// [ordering.ProposalEvent] under [oevent.KeyProposalResponse], with a
// nil proposal for every failure mode.
type Client struct {
	log       *slog.Logger
	clk       clock.Clock
	bus       *oevent.Bus
	transport Transport
	keeper    *ExecutorKeeper
	peer      ordering.Peer
	cfg       ClientConfig

	mu         sync.Mutex
	cancelPrev context.CancelFunc
	inflight   uuid.UUID

	batchesSent atomic.Uint64
	txsSent     atomic.Uint64
	sendErrors  atomic.Uint64
}

// NewClient returns a client for the given peer.
func NewClient(
	log *slog.Logger,
	clk clock.Clock,
	bus *oevent.Bus,
	transport Transport,
	keeper *ExecutorKeeper,
	peer ordering.Peer,
	cfg ClientConfig,
) *Client {
	return &Client{
		log:       log.With("peer", peer.Key),
		clk:       clk,
		bus:       bus,
		transport: transport,
		keeper:    keeper,
		peer:      peer,
		cfg:       cfg,
	}
}

// Peer returns the remote peer this client serves.
func (c *Client) Peer() ordering.Peer { return c.peer }

// OnBatches pushes batches to the peer, chunked near the configured
// request size. The actual sends run on the peer's executor; OnBatches
// itself never blocks on the network.
func (c *Client) OnBatches(ctx context.Context, batches []*ordering.TransactionBatch) error {
	var chunk []*ordering.TransactionBatch
	chunkBytes := 0
	for _, b := range batches {
		chunk = append(chunk, b)
		chunkBytes += batchBytes(b)
		if chunkBytes >= c.cfg.MaxRequestBytes {
			c.scheduleSend(ctx, chunk)
			chunk = nil
			chunkBytes = 0
		}
	}
	if len(chunk) > 0 {
		c.scheduleSend(ctx, chunk)
	}
	return nil
}

func (c *Client) scheduleSend(ctx context.Context, batches []*ordering.TransactionBatch) {
	c.keeper.ExecuteFor(c.peer.Key, func() {
		sctx, cancel := context.WithDeadline(ctx, c.clk.Now().Add(c.cfg.SendBatchesTimeout))
		defer cancel()

		txs := 0
		for _, b := range batches {
			txs += b.Size()
		}
		if err := c.transport.SendBatches(sctx, c.peer, batches); err != nil {
			// Transient failure: logged, not retried here. Retry
			// policy belongs to the executor keeper's owner.
			c.sendErrors.Add(1)
			c.log.Warn("Sending batches failed", "batches", len(batches), "err", err)
			return
		}
		c.batchesSent.Add(uint64(len(batches)))
		c.txsSent.Add(uint64(txs))
		c.log.Info("Sent batches", "batches", len(batches), "txs", txs)
	})
}

// OnRequestProposal asks the peer for the proposal of req.Round,
// cancelling any previous request still in flight. The response, or
// its absence, arrives on the bus.
func (c *Client) OnRequestProposal(ctx context.Context, req ordering.ProposalRequest) error {
	rctx, cancel := context.WithCancel(ctx)
	id := uuid.New()

	c.mu.Lock()
	if c.cancelPrev != nil {
		c.cancelPrev()
	}
	c.cancelPrev = cancel
	c.inflight = id
	c.mu.Unlock()

	go func() {
		dctx, dcancel := context.WithDeadline(rctx, c.clk.Now().Add(c.cfg.ProposalRequestTimeout))
		defer dcancel()

		c.log.Info("Requesting proposal", "round", req.Round)
		p, err := c.transport.RequestProposal(dctx, c.peer, req)

		c.mu.Lock()
		stale := c.inflight != id
		c.mu.Unlock()
		if stale {
			// A request for a later round superseded this one;
			// its outcome no longer matters.
			return
		}

		if err != nil {
			c.log.Warn("Proposal request failed", "round", req.Round, "err", err)
			p = nil
		}
		c.bus.Notify(oevent.KeyProposalResponse, ordering.ProposalEvent{
			Round:    req.Round,
			Proposal: p,
		})
	}()
	return nil
}

// Stats returns a snapshot of the send counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		BatchesSent: c.batchesSent.Load(),
		TxsSent:     c.txsSent.Load(),
		SendErrors:  c.sendErrors.Load(),
	}
}

func batchBytes(b *ordering.TransactionBatch) int {
	n := 0
	for _, tx := range b.Transactions() {
		n += len(tx.Payload) + len(tx.Hash)
	}
	return n
}
