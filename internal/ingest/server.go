package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vibeflow/vibesync/internal/types"
	"github.com/vibeflow/vibesync/internal/workflow"
)

// ControlOps are the operations the control API exposes. The command wiring
// fills these in with the orchestrator and reconciler entry points.
type ControlOps struct {
	StartSync      func(ctx context.Context, project string, force bool) (runID string, err error)
	StartReconcile func(ctx context.Context, mode string, dryRun bool) (runID string, err error)
	Provision      func(ctx context.Context, project string) error
	ScheduleStart  func(interval time.Duration) (runID string, err error)
	ScheduleStop   func() error
}

// Server hosts the Tracker webhook endpoint and the control API the CLI
// talks to.
type Server struct {
	runtime *workflow.Runtime
	secret  []byte // HMAC secret for webhook signatures, empty disables checks
	ops     ControlOps

	mux        *http.ServeMux
	httpServer *http.Server

	OnWarning func(string)
}

// ServerConfig holds configuration for the ingest server.
type ServerConfig struct {
	Runtime       *workflow.Runtime
	WebhookSecret []byte
	Ops           ControlOps
}

// NewServer creates the ingest HTTP server.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		runtime: cfg.Runtime,
		secret:  cfg.WebhookSecret,
		ops:     cfg.Ops,
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("/webhooks/tracker", s.handleTrackerWebhook)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/sync", s.handleSync)
	s.mux.HandleFunc("/api/reconcile", s.handleReconcile)
	s.mux.HandleFunc("/api/provision", s.handleProvision)
	s.mux.HandleFunc("/api/progress", s.handleProgress)
	s.mux.HandleFunc("/api/workflows", s.handleWorkflows)
	s.mux.HandleFunc("/api/cancel", s.handleCancel)
	s.mux.HandleFunc("/api/schedule/start", s.handleScheduleStart)
	s.mux.HandleFunc("/api/schedule/stop", s.handleScheduleStop)

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the HTTP handler for use with custom servers and tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

type apiResponse struct {
	Success bool        `json:"success"`
	RunID   string      `json:"run_id,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// handleTrackerWebhook handles POST /webhooks/tracker. The batch is accepted
// (202) as soon as the workflow is started; processing is asynchronous.
func (s *Server) handleTrackerWebhook(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer func() { _ = r.Body.Close() }()

	if len(s.secret) > 0 {
		if !s.validSignature(r.Header.Get("X-Hub-Signature-256"), body) {
			s.writeError(w, http.StatusUnauthorized, "invalid webhook signature")
			return
		}
	}

	var event types.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if len(event.Changes) == 0 {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(apiResponse{Success: true})
		return
	}

	run, err := s.runtime.Start(context.Background(), TrackerHookWorkflow, "", event)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: true, RunID: run.ID()})
}

// validSignature checks the GitHub-style sha256= HMAC header.
func (s *Server) validSignature(header string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hmac.Equal(want, mac.Sum(nil))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
		return
	}
	if s.ops.StartSync == nil {
		s.writeError(w, http.StatusNotImplemented, "sync not wired")
		return
	}
	var req struct {
		Project string `json:"project"`
		Force   bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	runID, err := s.ops.StartSync(r.Context(), req.Project, req.Force)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: true, RunID: runID})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
		return
	}
	if s.ops.StartReconcile == nil {
		s.writeError(w, http.StatusNotImplemented, "reconcile not wired")
		return
	}
	var req struct {
		Mode   string `json:"mode"`
		DryRun bool   `json:"dry_run"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	runID, err := s.ops.StartReconcile(r.Context(), req.Mode, req.DryRun)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: true, RunID: runID})
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
		return
	}
	if s.ops.Provision == nil {
		s.writeError(w, http.StatusNotImplemented, "provision not wired")
		return
	}
	var req struct {
		Project string `json:"project"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.Project == "" {
		s.writeError(w, http.StatusBadRequest, "missing project")
		return
	}
	if err := s.ops.Provision(r.Context(), req.Project); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: true})
}

// handleProgress handles GET /api/progress?id=<run-id>, proxying the run's
// progress query.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	runID := r.URL.Query().Get("id")
	if runID == "" {
		s.writeError(w, http.StatusBadRequest, "missing id")
		return
	}
	run := s.runtime.GetRun(runID)
	if run == nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return
	}
	progress, err := run.Query("progress")
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: true, RunID: runID, Data: progress})
}

// handleWorkflows handles GET /api/workflows[?failed=true][&limit=N].
func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	var runs []workflow.RunInfo
	if r.URL.Query().Get("failed") == "true" {
		runs = s.runtime.Failed(limit)
	} else {
		runs = s.runtime.Recent(limit)
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: true, Data: runs})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
		return
	}
	var req struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	run := s.runtime.GetRun(req.RunID)
	if run == nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", req.RunID))
		return
	}
	run.Cancel()
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: true, RunID: req.RunID})
}

func (s *Server) handleScheduleStart(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
		return
	}
	if s.ops.ScheduleStart == nil {
		s.writeError(w, http.StatusNotImplemented, "schedule not wired")
		return
	}
	var req struct {
		IntervalSeconds int `json:"interval_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	interval := time.Duration(req.IntervalSeconds) * time.Second
	runID, err := s.ops.ScheduleStart(interval)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: true, RunID: runID})
}

func (s *Server) handleScheduleStop(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
		return
	}
	if s.ops.ScheduleStop == nil {
		s.writeError(w, http.StatusNotImplemented, "schedule not wired")
		return
	}
	if err := s.ops.ScheduleStop(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: true})
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}
