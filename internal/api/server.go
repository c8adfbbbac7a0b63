package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"fleet-rollout/internal/campaign"
	"fleet-rollout/internal/config"
	"fleet-rollout/internal/models"
	"fleet-rollout/internal/ratelimit"
	"fleet-rollout/internal/store"
	"fleet-rollout/internal/telemetry"
)

// Server wires HTTP handlers for the rollout control API.
type Server struct {
	cfg     config.Config
	coord   *campaign.Coordinator
	limiter *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, coord *campaign.Coordinator, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		coord:   coord,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/operations", s.handleStartCampaign)
	r.Get("/operations", s.handleListOperations)
	r.Get("/operations/{id}", s.handleGetOperation)
	r.Post("/operations/{id}/cancel", s.handleCancel)
	return r
}

type startCampaignRequest struct {
	GroupID           string            `json:"group_id"`
	FirmwareVersionID string            `json:"firmware_version_id"`
	DeviceIDs         []string          `json:"device_ids"`
	Strategy          string            `json:"strategy"`
	StartAt           *time.Time        `json:"start_at"`
	DevicesPerHour    int               `json:"devices_per_hour"`
	RollbackThreshold float64           `json:"rollback_threshold"`
	Metadata          map[string]string `json:"metadata"`
}

type startCampaignResponse struct {
	Operation  models.Operation `json:"operation"`
	Idempotent bool             `json:"idempotent"`
}

func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	var req startCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.FirmwareVersionID == "" {
		http.Error(w, "firmware_version_id is required", http.StatusBadRequest)
		return
	}
	if req.RollbackThreshold < 0 || req.RollbackThreshold > 1 {
		http.Error(w, "rollback_threshold must be within [0, 1]", http.StatusBadRequest)
		return
	}

	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), tenant)
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

	idemKey := r.Header.Get("Idempotency-Key")
	op, reused, err := s.coord.StartCampaign(r.Context(), campaign.StartParams{
		Tenant:            tenant,
		GroupID:           req.GroupID,
		FirmwareVersionID: req.FirmwareVersionID,
		DeviceIDs:         req.DeviceIDs,
		Strategy:          req.Strategy,
		StartAt:           req.StartAt,
		DevicesPerHour:    req.DevicesPerHour,
		RollbackThreshold: req.RollbackThreshold,
		IdempotencyKey:    idemKey,
		Metadata:          req.Metadata,
	})
	if err != nil {
		if errors.Is(err, campaign.ErrInvalidStrategy) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, startCampaignResponse{Operation: op, Idempotent: reused})
}

type operationSnapshot struct {
	Operation models.Operation         `json:"operation"`
	Jobs      []models.DeviceUpdateJob `json:"jobs"`
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	op, jobs, err := s.coord.GetOperation(r.Context(), tenantFromRequest(r), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "operation not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, operationSnapshot{Operation: op, Jobs: jobs})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	op, err := s.coord.Cancel(r.Context(), tenantFromRequest(r), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "operation not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := s.coord.ListOperations(r.Context(), tenantFromRequest(r),
		r.URL.Query().Get("group_id"), r.URL.Query().Get("status"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ops == nil {
		ops = []models.Operation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
