// Package ohttp exposes read-only introspection endpoints for the
// ordering subsystem.
package ohttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/hyperledger/iroha-sub005/ordering"
	"github.com/hyperledger/iroha-sub005/ordering/ogate"
	"github.com/hyperledger/iroha-sub005/ordering/oservice"
)

// Server serves the status endpoints until its context is canceled.
type Server struct {
	done chan struct{}
}

// ServerConfig holds the server's collaborators.
type ServerConfig struct {
	Listener net.Listener

	Service *oservice.Service
	Gate    *ogate.Gate
}

// NewServer starts serving immediately on the configured listener.
func NewServer(ctx context.Context, log *slog.Logger, cfg ServerConfig) *Server {
	srv := &http.Server{
		Handler: newMux(log, cfg),

		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	s := &Server{
		done: make(chan struct{}),
	}
	go s.serve(log, cfg.Listener, srv)
	go s.waitForShutdown(ctx, srv)

	return s
}

// Wait blocks until the server has shut down.
func (s *Server) Wait() {
	<-s.done
}

func (s *Server) waitForShutdown(ctx context.Context, srv *http.Server) {
	select {
	case <-s.done:
		// serve returned on its own, nothing left to do here.
		return
	case <-ctx.Done():
		_ = srv.Close()
	}
}

func (s *Server) serve(log *slog.Logger, ln net.Listener, srv *http.Server) {
	defer close(s.done)

	if err := srv.Serve(ln); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			log.Info("HTTP server shutting down")
		} else {
			log.Info("HTTP server shutting down due to error", "err", err)
		}
	}
}

func newMux(log *slog.Logger, cfg ServerConfig) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/status", handleStatus(log, cfg)).Methods("GET")
	r.HandleFunc("/proposals/{blockRound}/{rejectRound}", handleProposal(log, cfg)).Methods("GET")

	return r
}

func handleStatus(log *slog.Logger, cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		round := cfg.Gate.CurrentRound()
		resp := struct {
			BlockRound   uint64 `json:"block_round"`
			RejectRound  uint32 `json:"reject_round"`
			AvailableTxs int    `json:"available_txs"`
			CacheEmpty   bool   `json:"cache_empty"`
		}{
			BlockRound:   round.BlockRound,
			RejectRound:  round.RejectRound,
			AvailableTxs: cfg.Service.AvailableTxsCount(),
			CacheEmpty:   cfg.Service.IsEmpty(),
		}
		writeJSON(log, w, resp)
	}
}

func handleProposal(log *slog.Logger, cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		round, err := roundFromVars(mux.Vars(req))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := struct {
			Present      bool   `json:"present"`
			ProposalHash string `json:"proposal_hash,omitempty"`
		}{
			Present: cfg.Service.HasProposal(round),
		}
		if hash, ok := cfg.Service.ProposalHash(round); ok {
			resp.ProposalHash = fmt.Sprintf("%x", hash)
		}
		writeJSON(log, w, resp)
	}
}

func roundFromVars(vars map[string]string) (ordering.Round, error) {
	blockRound, err := strconv.ParseUint(vars["blockRound"], 10, 64)
	if err != nil {
		return ordering.Round{}, fmt.Errorf("invalid block round: %w", err)
	}
	rejectRound, err := strconv.ParseUint(vars["rejectRound"], 10, 32)
	if err != nil {
		return ordering.Round{}, fmt.Errorf("invalid reject round: %w", err)
	}
	return ordering.Round{BlockRound: blockRound, RejectRound: uint32(rejectRound)}, nil
}

func writeJSON(log *slog.Logger, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to write response", "err", err)
	}
}
