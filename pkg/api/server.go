package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/choiros/director/pkg/contracts"
	"github.com/choiros/director/pkg/orchestrator"
	"github.com/choiros/director/pkg/projection"
	"github.com/choiros/director/pkg/sandbox"
)

// maxBodyBytes caps every request body.
const maxBodyBytes = 1 << 20

// Server routes the supervisor's endpoints onto a director, a projection
// store, and a sandbox provider.
type Server struct {
	director  *orchestrator.Director
	store     *projection.Store
	sandboxes sandbox.Provider
	logger    *slog.Logger
	limiter   *RateLimiter
}

// NewServer wires the control surface.
func NewServer(director *orchestrator.Director, store *projection.Store, sandboxes sandbox.Provider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}
	return &Server{
		director:  director,
		store:     store,
		sandboxes: sandboxes,
		logger:    logger,
		limiter:   NewRateLimiter(50, 100),
	}
}

// Handler builds the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /work_item", s.handleCreateWorkItem)
	mux.HandleFunc("POST /run", s.handleCreateRun)
	mux.HandleFunc("GET /run/{id}", s.handleGetRun)
	mux.HandleFunc("POST /run/{id}/note", s.handleNote)
	mux.HandleFunc("POST /run/{id}/verify", s.handleVerify)
	mux.HandleFunc("POST /run/{id}/commit_request", s.handleCommitRequest)
	mux.HandleFunc("GET /state/ahdb", s.handleAHDB)
	mux.HandleFunc("GET /receipts/{id}", s.handleReceipt)
	mux.HandleFunc("POST /undo", s.handleUndo)

	mux.HandleFunc("POST /sandbox/create", s.handleSandboxCreate)
	mux.HandleFunc("POST /sandbox/exec", s.handleSandboxExec)
	mux.HandleFunc("POST /sandbox/checkpoint", s.handleSandboxCheckpoint)
	mux.HandleFunc("POST /sandbox/restore", s.handleSandboxRestore)
	mux.HandleFunc("POST /sandbox/destroy", s.handleSandboxDestroy)
	mux.HandleFunc("POST /sandbox/proxy", s.handleSandboxProxy)

	return RequestID(Logged(s.logger, s.limiter.Middleware(mux)))
}

// decode reads a capped JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	halted, reason := s.director.Halted()
	status := http.StatusOK
	if halted {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ok": !halted, "halt_reason": reason})
}

func (s *Server) handleCreateWorkItem(w http.ResponseWriter, r *http.Request) {
	var item contracts.WorkItem
	if !decode(w, r, &item) {
		return
	}
	if item.ID == "" {
		WriteBadRequest(w, "work_item_id is required")
		return
	}
	if err := s.director.CreateWorkItem(r.Context(), item); err != nil {
		WriteFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"work_item_id": item.ID})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkItemID string `json:"work_item_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.WorkItemID == "" {
		WriteBadRequest(w, "work_item_id is required")
		return
	}
	runID, err := s.director.StartRun(r.Context(), req.WorkItemID)
	if err != nil {
		WriteFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleNote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type string         `json:"type"`
		Body map[string]any `json:"body"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.director.AppendNote(r.Context(), r.PathValue("id"), req.Type, req.Body); err != nil {
		WriteFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var att contracts.Attestation
	if !decode(w, r, &att) {
		return
	}
	if err := s.director.AttachAttestation(r.Context(), r.PathValue("id"), att); err != nil {
		WriteFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCommitRequest(w http.ResponseWriter, r *http.Request) {
	dec, err := s.director.CommitGateCheck(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

func (s *Server) handleAHDB(w http.ResponseWriter, r *http.Request) {
	state, err := s.store.AHDB(r.Context())
	if err != nil {
		WriteFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.store.GetReceipt(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int `json:"count"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	restored, err := s.director.Undo(r.Context(), req.Count)
	if err != nil {
		WriteFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restored": restored})
}

func (s *Server) handleSandboxCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mood string `json:"mood"`
	}
	if !decode(w, r, &req) {
		return
	}
	id, err := s.sandboxes.Create(r.Context(), sandbox.PolicyForMood(req.Mood))
	if err != nil {
		WriteFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sandbox_id": id})
}

func (s *Server) handleSandboxExec(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SandboxID   string   `json:"sandbox_id"`
		OperationID string   `json:"operation_id"`
		Argv        []string `json:"argv"`
		TimeoutSec  int      `json:"timeout_seconds"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.SandboxID == "" || len(req.Argv) == 0 {
		WriteBadRequest(w, "sandbox_id and argv are required")
		return
	}
	res, err := s.sandboxes.Exec(r.Context(), req.SandboxID, sandbox.Command{
		OperationID: req.OperationID,
		Argv:        req.Argv,
		Timeout:     time.Duration(req.TimeoutSec) * time.Second,
	})
	if err != nil {
		WriteFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSandboxCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SandboxID string `json:"sandbox_id"`
		Label     string `json:"label"`
	}
	if !decode(w, r, &req) {
		return
	}
	ck, err := s.sandboxes.Checkpoint(r.Context(), req.SandboxID, req.Label)
	if err != nil {
		WriteFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ck)
}

func (s *Server) handleSandboxRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SandboxID    string `json:"sandbox_id"`
		CheckpointID string `json:"checkpoint_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.sandboxes.Restore(r.Context(), req.SandboxID, req.CheckpointID); err != nil {
		WriteFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSandboxDestroy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SandboxID string `json:"sandbox_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.sandboxes.Destroy(r.Context(), req.SandboxID); err != nil {
		WriteFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSandboxProxy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SandboxID string `json:"sandbox_id"`
		Port      int    `json:"port"`
	}
	if !decode(w, r, &req) {
		return
	}
	url, err := s.sandboxes.OpenProxy(r.Context(), req.SandboxID, req.Port)
	if errors.Is(err, sandbox.ErrProxyUnsupported) || (err == nil && url == "") {
		WriteErrorR(w, r, http.StatusNotImplemented, "Not Implemented",
			"backend does not expose proxy tunnels")
		return
	}
	if err != nil {
		WriteFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tunnel_url": url,
		"port":       req.Port,
	})
}
