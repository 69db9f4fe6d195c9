package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"tenant-orchestrator/internal/config"
	"tenant-orchestrator/internal/models"
	"tenant-orchestrator/internal/orchestrator"
	"tenant-orchestrator/internal/queue"
	"tenant-orchestrator/internal/ratelimit"
	"tenant-orchestrator/internal/telemetry"
)

// Server translates HTTP requests into the four orchestrator operations.
// Authentication happens upstream; the verified caller identity arrives in
// the X-Customer-ID header.
type Server struct {
	cfg     config.Config
	orch    *orchestrator.Orchestrator
	queue   *queue.Queue
	limiter *ratelimit.TokenBucket
	log     *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, orch *orchestrator.Orchestrator, q *queue.Queue, limiter *ratelimit.TokenBucket, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{cfg: cfg, orch: orch, queue: q, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/tenants", s.limited(s.handleCreate))
	r.Get("/tenants", s.handleList)
	r.Get("/tenants/{id}", s.handleGet)
	r.Get("/tenants/{id}/backups", s.handleListBackups)
	r.Post("/tenants/{id}/suspend", s.limited(s.handleTransition(models.OpSuspend)))
	r.Post("/tenants/{id}/resume", s.limited(s.handleTransition(models.OpResume)))
	r.Post("/tenants/{id}/backup", s.limited(s.handleTransition(models.OpBackup)))
	r.Post("/tenants/{id}/restore", s.limited(s.handleRestore))
	r.Delete("/tenants/{id}", s.limited(s.handleTransition(models.OpDelete)))
	r.Post("/tenants/{id}/repair", s.limited(s.handleRepair))
	r.Get("/dlq", s.handleDLQ)
	return r
}

type createRequest struct {
	Name           string `json:"name"`
	Slug           string `json:"slug"`
	Plan           string `json:"plan"`
	StorageGB      int    `json:"storage_gb"`
	MaxConnections int    `json:"max_connections"`
}

type acceptedResponse struct {
	TenantID  string `json:"tenant_id"`
	JobID     string `json:"job_id,omitempty"`
	Operation string `json:"operation,omitempty"`
	Status    string `json:"status"`
}

// limited applies the per-customer token bucket to mutating routes.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			allowed, _, err := s.limiter.Allow(r.Context(), "rl:customer:"+callerID(r))
			if err != nil {
				http.Error(w, "rate limit error", http.StatusInternalServerError)
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				http.Error(w, "rate limited", http.StatusTooManyRequests)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	tenantID, err := s.orch.RequestCreate(r.Context(), orchestrator.CreateRequest{
		Name:           req.Name,
		Slug:           req.Slug,
		CustomerID:     callerID(r),
		PlanSlug:       req.Plan,
		StorageGB:      req.StorageGB,
		MaxConnections: req.MaxConnections,
		Actor:          callerID(r),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{TenantID: tenantID, Operation: models.OpCreate, Status: "accepted"})
}

func (s *Server) handleTransition(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		handle, err := s.orch.RequestTransition(r.Context(), id, op, callerID(r))
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, acceptedResponse{
			TenantID:  handle.TenantID,
			JobID:     handle.JobID,
			Operation: handle.Operation,
			Status:    "accepted",
		})
	}
}

type restoreRequest struct {
	BackupID string `json:"backup_id"`
}

// handleRestore accepts an optional body naming the backup; an empty body
// restores the newest completed one.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	handle, err := s.orch.RequestRestore(r.Context(), chi.URLParam(r, "id"), req.BackupID, callerID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{
		TenantID:  handle.TenantID,
		JobID:     handle.JobID,
		Operation: handle.Operation,
		Status:    "accepted",
	})
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.Repair(r.Context(), id, callerID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "repaired"})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tenants, err := s.orch.ListTenants(r.Context(), r.URL.Query().Get("status"), r.URL.Query().Get("customer_id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	backups, err := s.orch.ListBackups(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": backups})
}

// handleDLQ returns dead-lettered job IDs for operator inspection.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// writeError maps the orchestrator's error taxonomy onto status codes.
// Anything unmapped is an internal error and its detail stays server-side.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		validation *orchestrator.ValidationError
		notFound   *orchestrator.NotFoundError
		conflict   *orchestrator.ConflictError
		quota      *orchestrator.QuotaExceededError
		state      *orchestrator.InvalidStateError
		inflight   *orchestrator.AlreadyInFlightError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errBody(err))
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errBody(err))
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errBody(err))
	case errors.As(err, &quota):
		writeJSON(w, http.StatusUnprocessableEntity, errBody(err))
	case errors.As(err, &state):
		writeJSON(w, http.StatusConflict, errBody(err))
	case errors.As(err, &inflight):
		writeJSON(w, http.StatusConflict, errBody(err))
	default:
		s.log.Error("internal error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func errBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func callerID(r *http.Request) string {
	if v := r.Header.Get("X-Customer-ID"); v != "" {
		return v
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
