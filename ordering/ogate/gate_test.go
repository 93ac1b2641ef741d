package ogate_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/hyperledger/iroha-sub005/ordering"
	"github.com/hyperledger/iroha-sub005/ordering/obatch"
	"github.com/hyperledger/iroha-sub005/ordering/obloom"
	"github.com/hyperledger/iroha-sub005/ordering/oconn"
	"github.com/hyperledger/iroha-sub005/ordering/oevent"
	"github.com/hyperledger/iroha-sub005/ordering/ogate"
	"github.com/hyperledger/iroha-sub005/ordering/operm"
	"github.com/hyperledger/iroha-sub005/ordering/opresence"
	"github.com/hyperledger/iroha-sub005/ordering/oservice"
)

type missingChecker struct{}

func (missingChecker) Check(ctx context.Context, txHash string) (opresence.Status, error) {
	return opresence.StatusMissing, nil
}

type recordingConn struct {
	peer ordering.Peer

	mu       sync.Mutex
	requests []ordering.ProposalRequest
}

func (c *recordingConn) OnBatches(ctx context.Context, batches []*ordering.TransactionBatch) error {
	return nil
}

func (c *recordingConn) OnRequestProposal(ctx context.Context, req ordering.ProposalRequest) error {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) lastRequest(t *testing.T) ordering.ProposalRequest {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.requests)
	return c.requests[len(c.requests)-1]
}

type gateFixture struct {
	gate    *ogate.Gate
	svc     *oservice.Service
	bus     *oevent.Bus
	conns   map[string]*recordingConn
	switchC chan ordering.Round
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()

	f := &gateFixture{
		bus:     oevent.NewBus(slogt.New(t), 64),
		conns:   make(map[string]*recordingConn),
		switchC: make(chan ordering.Round, 16),
	}
	t.Cleanup(f.bus.Close)
	f.bus.Subscribe(oevent.TagOrdering, oevent.KeyRoundSwitch, func(p any) {
		f.switchC <- p.(ordering.Round)
	})

	clk := clock.NewMock()
	presence, err := opresence.New(missingChecker{}, 1024)
	require.NoError(t, err)
	cache := obatch.NewCache(slogt.New(t), clk, f.bus, obatch.DefaultConfig())
	f.svc = oservice.New(slogt.New(t), clk, f.bus, cache, presence, oservice.DefaultConfig())

	keeper := oconn.NewExecutorKeeper()
	t.Cleanup(keeper.Close)

	var mu sync.Mutex
	factory := oconn.ConnectionFactoryFunc(func(ctx context.Context, peer ordering.Peer) (ordering.OdOsNotification, error) {
		conn := &recordingConn{peer: peer}
		mu.Lock()
		f.conns[peer.Key] = conn
		mu.Unlock()
		return conn, nil
	})
	mgr := oconn.NewManager(slogt.New(t), factory)

	f.gate = ogate.New(slogt.New(t), f.bus, f.svc, mgr, keeper)
	return f
}

func ledgerPeers(n int) []ordering.Peer {
	peers := make([]ordering.Peer, n)
	for i := range peers {
		peers[i] = ordering.Peer{
			Key:     fmt.Sprintf("peer-%d", i),
			Address: fmt.Sprintf("peer-%d:50051", i),
		}
	}
	return peers
}

func syncEvent(round ordering.Round, outcome ogate.SynchronizationOutcome, peers []ordering.Peer) ogate.SynchronizationEvent {
	return ogate.SynchronizationEvent{
		Round:   round,
		Outcome: outcome,
		Ledger:  ogate.LedgerState{Peers: peers, Height: round.BlockRound, TopBlockHash: "top"},
	}
}

func TestGate_RejectsEmptyPeerList(t *testing.T) {
	t.Parallel()

	f := newGateFixture(t)
	_, err := f.gate.ProcessSynchronization(context.Background(),
		syncEvent(ordering.GenesisRound, ogate.OutcomeCommit, nil))
	require.Error(t, err)

	// The failed switch leaves the round untouched.
	require.Equal(t, ordering.GenesisRound, f.gate.CurrentRound())
}

func TestGate_RoundAdvancePerOutcome(t *testing.T) {
	t.Parallel()

	peers := ledgerPeers(4)
	cases := []struct {
		name    string
		outcome ogate.SynchronizationOutcome
		from    ordering.Round
		want    ordering.Round
	}{
		{"commit", ogate.OutcomeCommit, ordering.Round{BlockRound: 5, RejectRound: 2}, ordering.Round{BlockRound: 6, RejectRound: 0}},
		{"reject", ogate.OutcomeReject, ordering.Round{BlockRound: 5, RejectRound: 2}, ordering.Round{BlockRound: 5, RejectRound: 3}},
		{"nothing", ogate.OutcomeNothing, ordering.Round{BlockRound: 5, RejectRound: 2}, ordering.Round{BlockRound: 5, RejectRound: 3}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newGateFixture(t)
			got, err := f.gate.ProcessSynchronization(context.Background(),
				syncEvent(tc.from, tc.outcome, peers))
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.want, f.gate.CurrentRound())
			require.Equal(t, tc.want, f.svc.CurrentRound())
			require.Equal(t, tc.want, <-f.switchC)
		})
	}
}

func TestGate_UnknownOutcome(t *testing.T) {
	t.Parallel()

	f := newGateFixture(t)
	_, err := f.gate.ProcessSynchronization(context.Background(),
		syncEvent(ordering.GenesisRound, ogate.SynchronizationOutcome(99), ledgerPeers(2)))
	require.Error(t, err)
}

func TestGate_IssuerFollowsPermutation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newGateFixture(t)
	peers := ledgerPeers(5)

	// Fill the seed window with three distinct block hashes.
	for i, h := range []string{"hash-a", "hash-b", "hash-c"} {
		f.gate.ProcessCommittedBlock(ogate.BlockCommit{Height: uint64(i + 1), Hash: h})
	}

	next, err := f.gate.ProcessSynchronization(ctx,
		syncEvent(ordering.Round{BlockRound: 3, RejectRound: 0}, ogate.OutcomeCommit, peers))
	require.NoError(t, err)

	// The issuer for the new round comes from the permutation seeded
	// by the oldest hash in the window, indexed by the reject round.
	perm, err := operm.Generate([]byte("hash-a"), len(peers))
	require.NoError(t, err)
	wantIssuer := peers[perm[int(next.RejectRound)%len(perm)]]

	require.NoError(t, f.gate.RequestProposal(ctx, next))
	issuerConn := f.conns[wantIssuer.Key]
	require.NotNil(t, issuerConn)
	require.Equal(t, next, issuerConn.lastRequest(t).Round)
}

func TestGate_DeterministicAcrossInstances(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	peers := ledgerPeers(7)

	issuerOf := func(t *testing.T) string {
		f := newGateFixture(t)
		for i, h := range []string{"h1", "h2", "h3"} {
			f.gate.ProcessCommittedBlock(ogate.BlockCommit{Height: uint64(i + 1), Hash: h})
		}
		next, err := f.gate.ProcessSynchronization(ctx,
			syncEvent(ordering.Round{BlockRound: 3, RejectRound: 1}, ogate.OutcomeReject, peers))
		require.NoError(t, err)
		require.NoError(t, f.gate.RequestProposal(ctx, next))
		for key, conn := range f.conns {
			conn.mu.Lock()
			n := len(conn.requests)
			conn.mu.Unlock()
			if n > 0 {
				return key
			}
		}
		t.Fatal("no issuer received the proposal request")
		return ""
	}

	require.Equal(t, issuerOf(t), issuerOf(t), "same hashes and peers must elect the same issuer")
}

func TestGate_CommittedBlockPurgesTxs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newGateFixture(t)

	f.svc.OnBatches(ctx, []*ordering.TransactionBatch{
		ordering.NewTransactionBatch([]ordering.Transaction{
			{Hash: "tx-committed", CreatedAt: 1},
		}, 1, ordering.Signature{PublicKey: "a"}),
		ordering.NewTransactionBatch([]ordering.Transaction{
			{Hash: "tx-rejected", CreatedAt: 2},
		}, 1, ordering.Signature{PublicKey: "b"}),
		ordering.NewTransactionBatch([]ordering.Transaction{
			{Hash: "tx-kept", CreatedAt: 3},
		}, 1, ordering.Signature{PublicKey: "c"}),
	})
	require.Equal(t, 3, f.svc.AvailableTxsCount())

	f.gate.ProcessCommittedBlock(ogate.BlockCommit{
		Height:            2,
		Hash:              "block-hash",
		CommittedTxHashes: []string{"tx-committed"},
		RejectedTxHashes:  []string{"tx-rejected"},
	})

	require.Equal(t, 1, f.svc.AvailableTxsCount())
}

func TestGate_RequestProposalCarriesLocalState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newGateFixture(t)
	peers := ledgerPeers(1)

	f.svc.OnBatches(ctx, []*ordering.TransactionBatch{
		ordering.NewTransactionBatch([]ordering.Transaction{
			{Hash: "tx-proposed", CreatedAt: 1},
		}, 1, ordering.Signature{PublicKey: "a"}),
	})

	next, err := f.gate.ProcessSynchronization(ctx,
		syncEvent(ordering.GenesisRound, ogate.OutcomeCommit, peers))
	require.NoError(t, err)

	// The switch packed a proposal one commit ahead; a batch arriving
	// afterwards stays cached for the round after that.
	packed := ordering.NextCommitRound(next)
	f.svc.OnBatches(ctx, []*ordering.TransactionBatch{
		ordering.NewTransactionBatch([]ordering.Transaction{
			{Hash: "tx-cached", CreatedAt: 2},
		}, 1, ordering.Signature{PublicKey: "b"}),
	})

	require.NoError(t, f.gate.RequestProposal(ctx, packed))
	req := f.conns[peers[0].Key].lastRequest(t)
	require.Equal(t, packed, req.Round)

	// The locally packed proposal's hash rides along.
	hash, ok := f.svc.ProposalHash(packed)
	require.True(t, ok)
	require.Equal(t, hash, req.LocalProposalHash)

	// And the bloom filter reflects the cached transactions.
	require.NotEmpty(t, req.BloomFilter)
	filter, err := obloom.FromBytes(req.BloomFilter)
	require.NoError(t, err)
	require.True(t, filter.Test("tx-cached"))
}
