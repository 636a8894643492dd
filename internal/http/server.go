package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tabletraft/internal/transport"
	"tabletraft/pkg/consensus"
	"tabletraft/pkg/metrics"
	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
	defaultWriteTimeout    = 10 * time.Second
)

type iConsensus interface {
	Update(ctx context.Context, req *consensus.ConsensusRequest) (*consensus.ConsensusResponse, error)
	RequestVote(req *consensus.VoteRequest) (*consensus.VoteResponse, error)
	RunLeaderElection(req *consensus.RunLeaderElectionRequest) error
	LeaderElectionLost(req *consensus.LeaderElectionLostRequest) error
	StepDown(req *consensus.StepDownRequest) (*consensus.StepDownResponse, error)
	ChangeConfig(req *consensus.ChangeConfigRequest, onComplete func(error)) error
	ConsensusState() consensus.ConsensusState
	LeaderStatus() consensus.LeaderStatus
}

type iTablet interface {
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Get(key string) (string, bool, error)
}

type iMetrics interface {
	Snapshot() metrics.Snapshot
}

// StatusView is the body of GET /api/status.
type StatusView struct {
	State        consensus.ConsensusState `json:"state"`
	LeaderStatus consensus.LeaderStatus   `json:"leader_status"`
}

// Server serves the consensus RPCs of one replica plus the client and admin API.
type Server struct {
	consensus    iConsensus
	tablet       iTablet
	metrics      iMetrics
	httpServer   *http.Server
	URL          string
	addr         string
	writeTimeout time.Duration
	log          *slog.Logger
}

// NewServer creates a new server instance
func NewServer(c iConsensus, tablet iTablet, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		consensus:    c,
		tablet:       tablet,
		URL:          "http://localhost:" + port,
		addr:         ":" + port,
		writeTimeout: defaultWriteTimeout,
		log:          slog.Default().With("component", "http"),
	}
}

func (s *Server) SetMetrics(m iMetrics) {
	s.metrics = m
}

func (s *Server) SetWriteTimeout(d time.Duration) {
	s.writeTimeout = d
}

// Start starts the server
func (s *Server) Start(readHeaderTimeout time.Duration) error {
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = time.Second
	}
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", "error", err)
		}
	}()

	s.log.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/api/status", s.handleStatus)

	r.Put("/api/string", s.handlePut)
	r.Get("/api/string", s.handleGet)
	r.Delete("/api", s.handleDelete)

	r.Post("/api/admin/change-config", s.handleChangeConfig)
	r.Post("/api/admin/step-down", s.handleStepDown)

	r.Post(transport.UpdatePath, s.handleUpdate)
	r.Post(transport.VotePath, s.handleVote)
	r.Post(transport.RemoteBootstrapPath, s.handleRemoteBootstrap)
	r.Post(transport.RunElectionPath, s.handleRunElection)
	r.Post(transport.ElectionLostPath, s.handleElectionLost)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		s.writeJSON(w, http.StatusBadRequest, failReply(err.Error()))
		return false
	}
	return true
}

// leaderAddress returns the address of the known leader, if it is not us.
func (s *Server) leaderAddress() (types.NodeID, string) {
	st := s.consensus.ConsensusState()
	if st.LeaderUUID == "" || st.LeaderUUID == st.PeerUUID {
		return st.LeaderUUID, ""
	}
	peer, ok := st.Config.Member(st.LeaderUUID)
	if !ok {
		return st.LeaderUUID, ""
	}
	return st.LeaderUUID, peer.Address
}

// writeError answers with the mapped error. A follower that knows the
// leader redirects the client there.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, reply := errorReply(err)
	if reply.Error.Code == rafterrors.CodeNotTheLeader {
		leader, addr := s.leaderAddress()
		if addr != "" {
			http.Redirect(w, r, transport.BaseURL(addr)+r.URL.RequestURI(), http.StatusTemporaryRedirect)
			return
		}
		reply.Error.Leader = leader
	}
	s.writeJSON(w, status, reply)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, okReply())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeJSON(w, http.StatusOK, metrics.Snapshot{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, StatusView{
		State:        s.consensus.ConsensusState(),
		LeaderStatus: s.consensus.LeaderStatus(),
	})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, failReply("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	value := r.FormValue("value")
	if key == "" || value == "" {
		s.writeJSON(w, http.StatusBadRequest, failReply("Missing key or value"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.writeTimeout)
	defer cancel()
	if err := s.tablet.Put(ctx, key, value); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okReply())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, failReply("Missing key"))
		return
	}

	value, found, err := s.tablet.Get(key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, failReply("Key not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, valueReply(value))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, failReply("Missing key"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.writeTimeout)
	defer cancel()
	if err := s.tablet.Delete(ctx, key); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okReply())
}

func (s *Server) handleChangeConfig(w http.ResponseWriter, r *http.Request) {
	var req consensus.ChangeConfigRequest
	if !s.decode(w, r, &req) {
		return
	}

	done := make(chan error, 1)
	if err := s.consensus.ChangeConfig(&req, func(err error) { done <- err }); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.writeTimeout)
	defer cancel()
	select {
	case err := <-done:
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, okReply())
	case <-ctx.Done():
		s.writeError(w, r, fmt.Errorf("%w: config change is still in progress", rafterrors.ErrTimedOut))
	}
}

func (s *Server) handleStepDown(w http.ResponseWriter, r *http.Request) {
	var req consensus.StepDownRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.consensus.StepDown(&req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if resp.Error != nil {
		s.writeJSON(w, http.StatusConflict, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req consensus.ConsensusRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.consensus.Update(r.Context(), &req)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, failReply(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req consensus.VoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.consensus.RequestVote(&req)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, failReply(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRemoteBootstrap(w http.ResponseWriter, r *http.Request) {
	var req consensus.StartRemoteBootstrapRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.log.Warn("remote bootstrap requested but not supported",
		"tablet", req.TabletID, "bootstrap_peer", req.BootstrapPeerUUID)
	s.writeJSON(w, http.StatusOK, consensus.StartRemoteBootstrapResponse{
		Error: &consensus.ServerError{Code: rafterrors.CodeUnknown, Message: "remote bootstrap is not supported"},
	})
}

func (s *Server) handleRunElection(w http.ResponseWriter, r *http.Request) {
	var req consensus.RunLeaderElectionRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp := consensus.RunLeaderElectionResponse{}
	if err := s.consensus.RunLeaderElection(&req); err != nil {
		code, ok := rafterrors.CodeOf(err)
		if !ok {
			code = rafterrors.CodeUnknown
		}
		resp.Error = &consensus.ServerError{Code: code, Message: err.Error()}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleElectionLost(w http.ResponseWriter, r *http.Request) {
	var req consensus.LeaderElectionLostRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp := consensus.LeaderElectionLostResponse{}
	if err := s.consensus.LeaderElectionLost(&req); err != nil {
		code, ok := rafterrors.CodeOf(err)
		if !ok {
			code = rafterrors.CodeUnknown
		}
		resp.Error = &consensus.ServerError{Code: code, Message: err.Error()}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
