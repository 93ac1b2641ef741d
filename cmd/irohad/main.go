// Command irohad runs a single ordering-service node: it accepts
// transaction batches, caches them, and serves proposals on demand.
//
// The consensus, persistence, and wire-transport collaborators are
// external; this daemon wires loopback stand-ins so the subsystem is
// runnable and inspectable on its own.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/hyperledger/iroha-sub005/ordering"
	"github.com/hyperledger/iroha-sub005/ordering/obatch"
	"github.com/hyperledger/iroha-sub005/ordering/oconn"
	"github.com/hyperledger/iroha-sub005/ordering/oevent"
	"github.com/hyperledger/iroha-sub005/ordering/ogate"
	"github.com/hyperledger/iroha-sub005/ordering/ohttp"
	"github.com/hyperledger/iroha-sub005/ordering/opresence"
	"github.com/hyperledger/iroha-sub005/ordering/oservice"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		txLimit        int
		proposalWindow int
		expiryWindow   time.Duration
		expiryPeriod   time.Duration
		httpAddr       string
		peerKey        string
		peerAddr       string
	)

	cmd := &cobra.Command{
		Use:   "irohad",
		Short: "On-demand transaction ordering node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			log := slog.New(slog.NewTextHandler(os.Stderr, nil))

			svcCfg := oservice.DefaultConfig()
			svcCfg.TransactionLimit = txLimit
			svcCfg.NumberOfProposals = proposalWindow

			cacheCfg := obatch.DefaultConfig()
			cacheCfg.ExpiryWindow = expiryWindow
			cacheCfg.ExpiryPeriod = expiryPeriod

			self := ordering.Peer{Key: peerKey, Address: peerAddr}
			return run(ctx, log, svcCfg, cacheCfg, httpAddr, self)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&txLimit, "transaction-limit", oservice.DefaultConfig().TransactionLimit,
		"Maximum transactions packed into one proposal")
	flags.IntVar(&proposalWindow, "proposal-window", oservice.DefaultConfig().NumberOfProposals,
		"Number of proposal rounds retained")
	flags.DurationVar(&expiryWindow, "mst-expiry-window", obatch.DefaultConfig().ExpiryWindow,
		"How long a multisignature batch may wait for quorum")
	flags.DurationVar(&expiryPeriod, "mst-expiry-period", obatch.DefaultConfig().ExpiryPeriod,
		"Period of the multisignature expiry scan")
	flags.StringVar(&httpAddr, "http-listen", "127.0.0.1:50520", "Status HTTP listen address")
	flags.StringVar(&peerKey, "peer-key", "self", "This node's peer key")
	flags.StringVar(&peerAddr, "peer-address", "127.0.0.1:50541", "This node's ordering address")

	return cmd
}

func run(
	ctx context.Context,
	log *slog.Logger,
	svcCfg oservice.Config,
	cacheCfg obatch.Config,
	httpAddr string,
	self ordering.Peer,
) error {
	clk := clock.New()

	bus := oevent.NewBus(log.With("sys", "events"), 1024)
	defer bus.Close()

	presence, err := opresence.New(missingChecker{}, 1<<16)
	if err != nil {
		return fmt.Errorf("build presence cache: %w", err)
	}

	cache := obatch.NewCache(log.With("sys", "batches"), clk, bus, cacheCfg)
	go cache.RunExpiry(ctx)

	svc := oservice.New(log.With("sys", "service"), clk, bus, cache, presence, svcCfg)

	keeper := oconn.NewExecutorKeeper()
	defer keeper.Close()

	clientCfg := oconn.DefaultClientConfig()
	transport := loopbackTransport{svc: svc}
	factory := oconn.ConnectionFactoryFunc(func(ctx context.Context, peer ordering.Peer) (ordering.OdOsNotification, error) {
		return oconn.NewClient(log.With("sys", "client"), clk, bus, transport, keeper, peer, clientCfg), nil
	})

	mgr := oconn.NewManager(log.With("sys", "connections"), factory)
	defer mgr.Shutdown()

	gate := ogate.New(log.With("sys", "gate"), bus, svc, mgr, keeper)

	// Bootstrap into the genesis round with this node holding every
	// role; the first real synchronization event replaces the
	// assignment.
	if _, err := gate.ProcessSynchronization(ctx, ogate.SynchronizationEvent{
		Round:   ordering.Round{BlockRound: 0, RejectRound: 0},
		Outcome: ogate.OutcomeCommit,
		Ledger:  ogate.LedgerState{Peers: []ordering.Peer{self}},
	}); err != nil {
		return fmt.Errorf("bootstrap round: %w", err)
	}

	ln, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", httpAddr, err)
	}
	srv := ohttp.NewServer(ctx, log.With("sys", "http"), ohttp.ServerConfig{
		Listener: ln,
		Service:  svc,
		Gate:     gate,
	})

	log.Info("Node started", "http", httpAddr, "peer", self.Key)
	srv.Wait()
	return nil
}

// missingChecker stands in for the persistence collaborator: with no
// ledger attached, every transaction is new.
type missingChecker struct{}

func (missingChecker) Check(ctx context.Context, txHash string) (opresence.Status, error) {
	return opresence.StatusMissing, nil
}

// loopbackTransport serves ordering traffic from the local service,
// standing in for the wire transport toward remote peers.
type loopbackTransport struct {
	svc *oservice.Service
}

func (t loopbackTransport) SendBatches(ctx context.Context, peer ordering.Peer, batches []*ordering.TransactionBatch) error {
	t.svc.OnBatches(ctx, batches)
	return nil
}

func (t loopbackTransport) RequestProposal(ctx context.Context, peer ordering.Peer, req ordering.ProposalRequest) (*ordering.Proposal, error) {
	return t.svc.OnRequestProposal(ctx, req.Round), nil
}
