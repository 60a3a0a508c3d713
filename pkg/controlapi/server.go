// Package controlapi serves the mutual-TLS control surface of a scheduler
// process: liveness, metrics, manual job runs and cron reload pokes. The
// server never touches scheduler state directly; every mutating request is
// handed over as a typed message on a buffered channel the scheduler
// drains on its own tick.
package controlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dockschedule/dockschedule/pkg/config"
	"github.com/dockschedule/dockschedule/pkg/log"
	"github.com/dockschedule/dockschedule/pkg/metrics"
	"github.com/dockschedule/dockschedule/pkg/store"
	"github.com/dockschedule/dockschedule/pkg/types"
)

const (
	// messageBuffer absorbs bursts between scheduler ticks
	messageBuffer = 64
	// waitPollInterval and waitTimeout bound synchronous run-job requests
	waitPollInterval = time.Second
	waitTimeout      = 60 * time.Second
)

// MessageKind discriminates control messages
type MessageKind string

const (
	// MsgRunJob asks the scheduler to publish the attached job skeleton
	MsgRunJob MessageKind = "run_job"
	// MsgJobUpdate asks the scheduler to reload cron specs from the store
	MsgJobUpdate MessageKind = "job_update"
)

// Message is one control request handed to the scheduler
type Message struct {
	Kind MessageKind
	Job  *types.JobRecord
}

// Store is the slice of the document store the server reads from
type Store interface {
	Count(ctx context.Context, coll string, filter any) int64
	GetJobResult(ctx context.Context, id string) (*store.JobResult, bool)
}

// Server is the control API for one scheduler process
type Server struct {
	cfg    *config.Config
	store  Store
	logger zerolog.Logger
	msgs   chan Message
	srv    *http.Server
}

// NewServer creates a control server bound to cfg.ControlAddr
func NewServer(cfg *config.Config, st Store) *Server {
	return &Server{
		cfg:    cfg,
		store:  st,
		logger: log.WithComponent("control-api"),
		msgs:   make(chan Message, messageBuffer),
	}
}

// Messages is the channel the scheduler drains. It is never closed.
func (s *Server) Messages() <-chan Message {
	return s.msgs
}

// Start begins serving in the background. Client certificates signed by the
// cluster CA are required on every request.
func (s *Server) Start() error {
	tlsCfg, err := s.cfg.ServerTLS()
	if err != nil {
		return fmt.Errorf("failed to load control API TLS material: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /is-running", s.handleIsRunning)
	mux.Handle("GET /metrics", metrics.Handler(s.store))
	mux.HandleFunc("POST /run-job", s.handleRunJob)
	mux.HandleFunc("POST /job-update", s.handleJobUpdate)

	s.srv = &http.Server{
		Addr:      s.cfg.ControlAddr,
		Handler:   mux,
		TLSConfig: tlsCfg,
	}

	go func() {
		s.logger.Info().Str("addr", s.cfg.ControlAddr).Msg("Control API listening")
		if err := s.srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Control API server failed")
		}
	}()
	return nil
}

// Stop drains in-flight requests and closes the listener
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleIsRunning(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// RunJobRequest is the POST /run-job body
type RunJobRequest struct {
	Name          string            `json:"name,omitempty"`
	Kind          types.JobKind     `json:"kind"`
	RunTarget     string            `json:"runTarget"`
	Args          []string          `json:"args,omitempty"`
	HostInventory map[string]string `json:"hostInventory,omitempty"`
	ExtraVars     map[string]string `json:"extraVars,omitempty"`
	Wait          bool              `json:"wait,omitempty"`
}

// RunJobResponse acknowledges a manual run. Result and Errors are only set
// when the caller asked to wait.
type RunJobResponse struct {
	ID     string   `json:"id"`
	Result *bool    `json:"result,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	var req RunJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Error().Err(err).Msg("Failed to parse run-job request")
		http.Error(w, "failed to parse request body", http.StatusInternalServerError)
		return
	}
	if !types.KnownKind(req.Kind) {
		http.Error(w, fmt.Sprintf("unknown job kind: %s", req.Kind), http.StatusBadRequest)
		return
	}
	if req.RunTarget == "" {
		http.Error(w, "runTarget is required", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		req.Name = fmt.Sprintf("manual-%s-%s", req.Kind, req.RunTarget)
	}

	job := &types.JobRecord{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Kind:          req.Kind,
		RunTarget:     req.RunTarget,
		Args:          req.Args,
		HostInventory: req.HostInventory,
		ExtraVars:     req.ExtraVars,
	}

	select {
	case s.msgs <- Message{Kind: MsgRunJob, Job: job}:
	default:
		http.Error(w, "scheduler busy", http.StatusServiceUnavailable)
		return
	}
	s.logger.Info().Str("job_id", job.ID).Str("name", job.Name).Msg("Queued manual job")

	resp := RunJobResponse{ID: job.ID}
	if req.Wait {
		res, err := s.awaitResult(r.Context(), job.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusGatewayTimeout)
			return
		}
		resp.Result = res.Result
		resp.Errors = res.Errors
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// awaitResult polls the store until the job record carries a result
func (s *Server) awaitResult(ctx context.Context, id string) (*store.JobResult, error) {
	deadline := time.Now().Add(waitTimeout)
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if res, ok := s.store.GetJobResult(ctx, id); ok && res.Result != nil {
				return res, nil
			}
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("timed out waiting for job %s", id)
			}
		}
	}
}

func (s *Server) handleJobUpdate(w http.ResponseWriter, _ *http.Request) {
	select {
	case s.msgs <- Message{Kind: MsgJobUpdate}:
	default:
		http.Error(w, "scheduler busy", http.StatusServiceUnavailable)
		return
	}
	s.logger.Debug().Msg("Queued cron reload")
	w.WriteHeader(http.StatusOK)
}
