// Package gateway is the operator-facing channel into the daemon: a
// small JSON API over a unix domain socket, plus the client the CLI
// commands use to talk to it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/revertd/revertd/journal"
	"github.com/revertd/revertd/telemetry"
	"github.com/revertd/revertd/types"
)

// Engine is the slice of the revert engine the gateway exposes.
type Engine interface {
	Confirm(ctx context.Context, ref string) (*types.PendingChange, error)
	Pending() ([]types.PendingChange, error)
	Changes(states ...types.ChangeState) ([]types.PendingChange, error)
	RestoreSnapshot(ctx context.Context, id string) error
}

// SnapshotLister is the read side of the snapshot store.
type SnapshotLister interface {
	List() ([]*types.Snapshot, error)
}

// Server answers confirmation and status requests on the unix socket.
type Server struct {
	socket     string
	engine     Engine
	snaps      SnapshotLister
	journalDir string
	logger     *telemetry.Logger
	start      time.Time
}

// NewServer builds the gateway. journalDir feeds the recent-history
// part of the status response.
func NewServer(socket string, engine Engine, snaps SnapshotLister, journalDir string) *Server {
	return &Server{
		socket:     socket,
		engine:     engine,
		snaps:      snaps,
		journalDir: journalDir,
		logger:     telemetry.NewLogger("confirmation-gateway"),
		start:      time.Now(),
	}
}

// Run listens on the unix socket until ctx is cancelled. A stale
// socket file from a previous run is removed before listening.
func (s *Server) Run(ctx context.Context) error {
	_ = os.Remove(s.socket)

	ln, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.socket, err)
	}
	defer func() { _ = os.Remove(s.socket) }()

	// Confirmations are operator actions; keep the socket private.
	if err := os.Chmod(s.socket, 0o600); err != nil {
		s.logger.Warn().Err(err).Str("socket", s.socket).Msg("restrict socket mode failed")
	}

	srv := &http.Server{
		Handler:           s.mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("socket", s.socket).Msg("confirmation gateway listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve gateway: %w", err)
	}
	return nil
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/confirm", s.handleConfirm)
	mux.HandleFunc("GET /v1/pending", s.handlePending)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/snapshots", s.handleSnapshots)
	mux.HandleFunc("POST /v1/snapshots/{id}/restore", s.handleRestore)
	return mux
}

// ConfirmRequest names the change to confirm, by ID or watched path.
type ConfirmRequest struct {
	ID string `json:"id"`
}

// ConfirmResponse reports a successful confirmation.
type ConfirmResponse struct {
	Confirmed bool                `json:"confirmed"`
	Change    types.PendingChange `json:"change"`
}

// ErrorResponse carries an API failure. State is filled for
// not-pending errors so the caller sees what the change became.
type ErrorResponse struct {
	Error string            `json:"error"`
	State types.ChangeState `json:"state,omitempty"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "missing change id"})
		return
	}

	change, err := s.engine.Confirm(r.Context(), req.ID)
	if err != nil {
		var npe *types.NotPendingError
		if errors.As(err, &npe) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: npe.Error(), State: npe.State})
			return
		}
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, ConfirmResponse{Confirmed: true, Change: *change})
}

// PendingItem is one pending change with its remaining window.
type PendingItem struct {
	types.PendingChange
	Remaining string `json:"remaining"`
}

// PendingResponse lists changes awaiting confirmation.
type PendingResponse struct {
	Pending []PendingItem `json:"pending"`
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	changes, err := s.engine.Pending()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	now := time.Now()
	resp := PendingResponse{Pending: make([]PendingItem, 0, len(changes))}
	for _, c := range changes {
		resp.Pending = append(resp.Pending, PendingItem{
			PendingChange: c,
			Remaining:     c.Remaining(now).Round(time.Second).String(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatusResponse is the daemon-level status summary.
type StatusResponse struct {
	Uptime string                    `json:"uptime"`
	Counts map[types.ChangeState]int `json:"counts"`
	Recent []journal.Entry           `json:"recent,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	changes, err := s.engine.Changes()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	counts := make(map[types.ChangeState]int)
	for _, c := range changes {
		counts[c.State]++
	}

	recent, err := journal.Tail(s.journalDir, 20)
	if err != nil {
		s.logger.Warn().Err(err).Msg("journal tail failed")
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Uptime: time.Since(s.start).Round(time.Second).String(),
		Counts: counts,
		Recent: recent,
	})
}

// SnapshotsResponse lists stored snapshot metadata, newest first.
type SnapshotsResponse struct {
	Snapshots []*types.Snapshot `json:"snapshots"`
}

func (s *Server) handleSnapshots(w http.ResponseWriter, _ *http.Request) {
	snaps, err := s.snaps.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, SnapshotsResponse{Snapshots: snaps})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.RestoreSnapshot(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, os.ErrNotExist) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"restored": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
