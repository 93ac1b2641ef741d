// Package oconn maps the per-round peer permutation onto concrete
// connections, one per logical ordering-service role, and routes
// outbound batch and proposal-request traffic accordingly.
package oconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hyperledger/iroha-sub005/ordering"
)

// ConnectionFactory builds the transport connection toward one peer.
type ConnectionFactory interface {
	Create(ctx context.Context, peer ordering.Peer) (ordering.OdOsNotification, error)
}

// ConnectionFactoryFunc adapts a function to [ConnectionFactory].
type ConnectionFactoryFunc func(ctx context.Context, peer ordering.Peer) (ordering.OdOsNotification, error)

// Create implements [ConnectionFactory].
func (f ConnectionFactoryFunc) Create(ctx context.Context, peer ordering.Peer) (ordering.OdOsNotification, error) {
	return f(ctx, peer)
}

// CurrentPeers assigns one peer to every logical role for a round.
type CurrentPeers struct {
	Peers [ordering.NumRoles]ordering.Peer
}

// Manager owns the role-to-connection mapping for the current round.
//
// Methods are safe for concurrent use: the connection array sits
// behind a reader/writer lock, and a stop flag set by [Manager.Shutdown]
// turns any call issued afterwards into a no-op, so callbacks
// scheduled before shutdown began stay safe without extra
// synchronization from their owners.
type Manager struct {
	log     *slog.Logger
	factory ConnectionFactory

	mu        sync.RWMutex
	peers     CurrentPeers
	roleConns [ordering.NumRoles]ordering.OdOsNotification
	allConns  map[string]ordering.OdOsNotification
	ready     bool

	stopped atomic.Bool
}

// NewManager returns a manager with no connections; call
// [Manager.InitializeConnections] on every round switch.
func NewManager(log *slog.Logger, factory ConnectionFactory) *Manager {
	return &Manager{
		log:      log,
		factory:  factory,
		allConns: make(map[string]ordering.OdOsNotification),
	}
}

// InitializeConnections rebuilds the role connections for a new round
// assignment and refreshes the full-network connection set.
// Connections toward peers kept from the previous round are reused.
func (m *Manager) InitializeConnections(ctx context.Context, peers CurrentPeers, allPeers []ordering.Peer) error {
	if m.stopped.Load() {
		return nil
	}

	conns := make(map[string]ordering.OdOsNotification, len(allPeers))
	m.mu.RLock()
	prev := m.allConns
	m.mu.RUnlock()

	for _, p := range allPeers {
		if conn, ok := prev[p.Key]; ok {
			conns[p.Key] = conn
			continue
		}
		conn, err := m.factory.Create(ctx, p)
		if err != nil {
			return fmt.Errorf("create connection to %q: %w", p.Address, err)
		}
		conns[p.Key] = conn
	}

	var roleConns [ordering.NumRoles]ordering.OdOsNotification
	for role := ordering.Role(0); role < ordering.NumRoles; role++ {
		peer := peers.Peers[role]
		conn, ok := conns[peer.Key]
		if !ok {
			return fmt.Errorf("role %v assigned to peer %q outside the ledger peer list", role, peer.Key)
		}
		roleConns[role] = conn
		m.log.Debug("Assigned role", "role", role, "peer", peer.Key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers = peers
	m.roleConns = roleConns
	m.allConns = conns
	m.ready = true
	return nil
}

// OnBatches forwards batches to the issuer and to every consumer role,
// so a batch reaches both the rounds that might commit and the rounds
// that might reject. Peers holding several roles receive one copy.
func (m *Manager) OnBatches(ctx context.Context, batches []*ordering.TransactionBatch) error {
	if m.stopped.Load() {
		return nil
	}

	m.mu.RLock()
	if !m.ready {
		m.mu.RUnlock()
		return errors.New("oconn: connections not initialized")
	}
	targets := make(map[string]ordering.OdOsNotification, ordering.NumRoles)
	for role := ordering.Role(0); role < ordering.NumRoles; role++ {
		targets[m.peers.Peers[role].Key] = m.roleConns[role]
	}
	m.mu.RUnlock()

	var errs []error
	for key, conn := range targets {
		if err := conn.OnBatches(ctx, batches); err != nil {
			errs = append(errs, fmt.Errorf("send batches to %q: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// OnBatchesToWholeNetwork forwards batches to every peer of the
// current ledger peer list.
func (m *Manager) OnBatchesToWholeNetwork(ctx context.Context, batches []*ordering.TransactionBatch) error {
	if m.stopped.Load() {
		return nil
	}

	m.mu.RLock()
	conns := make([]ordering.OdOsNotification, 0, len(m.allConns))
	for _, conn := range m.allConns {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	var errs []error
	for _, conn := range conns {
		if err := conn.OnBatches(ctx, batches); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnRequestProposal forwards the request to the issuer connection
// only. The issuer's client cancels its previous in-flight request
// before sending.
func (m *Manager) OnRequestProposal(ctx context.Context, req ordering.ProposalRequest) error {
	if m.stopped.Load() {
		return nil
	}

	m.mu.RLock()
	if !m.ready {
		m.mu.RUnlock()
		return errors.New("oconn: connections not initialized")
	}
	issuer := m.roleConns[ordering.RoleIssuer]
	m.mu.RUnlock()

	return issuer.OnRequestProposal(ctx, req)
}

// Shutdown makes every subsequent call a no-op. It does not tear down
// the underlying transport connections; their factory owns them.
func (m *Manager) Shutdown() {
	m.stopped.Store(true)
}
