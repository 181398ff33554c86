package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"axontask/internal/adapter"
	"axontask/internal/apierr"
	"axontask/internal/identity"
	"axontask/internal/quota"
	"axontask/internal/receipt"
	"axontask/internal/store"
	"axontask/internal/streambuffer"

	"github.com/jackc/pgx/v5/pgxpool"
)

// apiServer holds the dependencies CreateTask/GetTaskStatus/CancelTask/
// GetReceipt need; StreamTask/ResumeStream are served directly by
// internal/delivery.Handler, registered alongside these routes in main.
type apiServer struct {
	store    *store.Store
	pool     *pgxpool.Pool
	buf      *streambuffer.Buffer
	gate     *quota.Gate
	registry *adapter.Registry
	signer   *receipt.Signer
	planFor  func(ctx context.Context, tenantID string) (quota.Plan, error)
	secret   string
	log      *slog.Logger
}

func (s *apiServer) authorize(r *http.Request) (identity.Identity, error) {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("bearer "):])
		return identity.VerifyBearerToken(token, s.secret)
	}
	if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
		return identity.VerifyAPIKey(apiKey, s.store)
	}
	return identity.Identity{}, apierr.New(apierr.Unauthorized, "missing credentials")
}

type createTaskRequest struct {
	Name           string          `json:"name"`
	AdapterName    string          `json:"adapter_name"`
	Args           json.RawMessage `json:"args"`
	TimeoutSeconds int             `json:"timeout_seconds"`
}

func (s *apiServer) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	ident, err := s.authorize(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, apierr.Newf(apierr.ValidationError, "malformed request body: %v", err))
		return
	}
	if req.Name == "" {
		writeAPIError(w, apierr.New(apierr.ValidationError, "name is required"))
		return
	}
	if req.TimeoutSeconds <= 0 {
		writeAPIError(w, apierr.New(apierr.ValidationError, "timeout_seconds must be positive"))
		return
	}

	a, err := s.registry.Lookup(req.AdapterName)
	if err != nil {
		writeAPIError(w, apierr.Newf(apierr.UnknownAdapter, "unknown adapter %q", req.AdapterName))
		return
	}
	if err := a.ValidateArgs(req.Args); err != nil {
		writeAPIError(w, apierr.Newf(apierr.ValidationError, "invalid args: %v", err))
		return
	}

	plan, err := s.planFor(r.Context(), ident.TenantID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := s.gate.AdmitTask(r.Context(), ident.TenantID, plan); err != nil {
		writeAPIError(w, err)
		return
	}

	createdBy := &ident.UserID
	task, err := s.store.CreateTask(r.Context(), ident.TenantID, store.TaskSpec{
		Name:           req.Name,
		AdapterName:    req.AdapterName,
		Args:           req.Args,
		TimeoutSeconds: req.TimeoutSeconds,
		CreatedBy:      createdBy,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}

	if err := s.store.IncrementUsage(r.Context(), ident.TenantID, time.Now(), 0, 0, 0, 1); err != nil {
		s.log.Warn("failed to record task-creation usage", slog.String("tenant_id", ident.TenantID), slog.Any("error", err))
	}

	writeJSON(w, http.StatusCreated, task)
}

func (s *apiServer) handleGetTask(w http.ResponseWriter, r *http.Request) {
	ident, err := s.authorize(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	task, err := s.store.GetTask(r.Context(), ident.TenantID, r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *apiServer) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	ident, err := s.authorize(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	taskID := r.PathValue("id")
	if err := s.store.RequestCancel(r.Context(), ident.TenantID, taskID); err != nil {
		writeAPIError(w, err)
		return
	}
	// Best-effort nudge: a worker blocked inside an adapter call is
	// watching this control channel and reacts immediately rather than
	// waiting for its next heartbeat-interval poll of cancel_requested.
	if err := s.buf.PublishControl(r.Context(), taskID, "cancel"); err != nil {
		s.log.Warn("failed to publish cancel control message", slog.String("task_id", taskID), slog.Any("error", err))
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

func (s *apiServer) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	ident, err := s.authorize(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	taskID := r.PathValue("id")
	task, err := s.store.GetTask(r.Context(), ident.TenantID, taskID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if !task.State.IsTerminal() {
		writeAPIError(w, apierr.Newf(apierr.NotTerminal, "task %s has not reached a terminal state", taskID))
		return
	}
	if s.signer == nil {
		writeAPIError(w, apierr.New(apierr.UpstreamUnavailable, "receipt signing is not configured on this deployment"))
		return
	}

	latest, err := s.store.LatestEvent(r.Context(), taskID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if latest == nil {
		writeAPIError(w, apierr.Newf(apierr.NotFound, "task %s has no recorded events", taskID))
		return
	}

	rcpt, err := s.signer.Sign(taskID, latest.HashCurr, 0, latest.Seq)
	if err != nil {
		writeAPIError(w, apierr.Newf(apierr.StoreUnavailable, "sign receipt: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Ping(r.Context()); err != nil {
		s.log.Warn("health check failed", slog.Any("error", err))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, err error) {
	e := mapError(err)
	writeJSON(w, httpStatusForCode(e.Code), e)
}

// mapError normalizes every error this server's dependencies can return
// into apierr's closed taxonomy, so the wire shape is uniform regardless
// of which layer produced it.
func mapError(err error) *apierr.E {
	if e, ok := err.(*apierr.E); ok {
		return e
	}
	if e, ok := err.(*quota.ErrLimitExceeded); ok {
		return apierr.New(apierr.QuotaExceeded, e.Error())
	}
	switch err {
	case store.ErrNotFound:
		return apierr.New(apierr.NotFound, err.Error())
	case store.ErrIllegalTransition:
		return apierr.New(apierr.IllegalTransition, err.Error())
	case adapter.ErrUnknownAdapter:
		return apierr.New(apierr.UnknownAdapter, err.Error())
	case identity.ErrInvalidToken, identity.ErrExpiredToken, identity.ErrInvalidAPIKey:
		return apierr.New(apierr.Unauthorized, err.Error())
	}
	return apierr.New(apierr.StoreUnavailable, err.Error())
}

func httpStatusForCode(code apierr.Code) int {
	switch code {
	case apierr.ValidationError, apierr.UnknownAdapter:
		return http.StatusBadRequest
	case apierr.NotFound:
		return http.StatusNotFound
	case apierr.Forbidden:
		return http.StatusForbidden
	case apierr.Unauthorized:
		return http.StatusUnauthorized
	case apierr.RateLimited, apierr.QuotaExceeded:
		return http.StatusTooManyRequests
	case apierr.NotTerminal, apierr.IllegalTransition:
		return http.StatusConflict
	case apierr.TimedOut:
		return http.StatusGatewayTimeout
	case apierr.StoreUnavailable, apierr.StreamUnavailable, apierr.UpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
