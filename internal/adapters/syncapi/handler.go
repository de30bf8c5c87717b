// Package syncapi exposes the applicator sync service over HTTP.
package syncapi

import (
	"applicatorsync/internal/core"
	"applicatorsync/pkg/domain"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
	HeaderDeviceID  = "X-Device-ID"

	maxBodyBytes = 8 << 20
)

// Service is the subset of *core.Service the HTTP layer drives.
type Service interface {
	CreateTreatment(ctx context.Context, treatment core.Treatment) (core.Treatment, core.Result, error)
	CreateApplicator(ctx context.Context, applicator core.Applicator, actor core.Actor) (core.Applicator, core.Result, error)
	UpdateApplicatorStatus(ctx context.Context, applicatorID string, expectedVersion int64, requested core.Status, actor core.Actor) (core.Applicator, core.Result, error)
	DownloadBundle(ctx context.Context, treatmentID, deviceID string, actor core.Actor) (core.Bundle, core.Result, error)
	SyncChanges(ctx context.Context, deviceID string, actor core.Actor, offlineSince *time.Time, changes []core.OfflineChange) (core.SyncReport, error)
	GetConflicts(ctx context.Context, actor core.Actor) []core.SyncConflict
	ResolveConflict(ctx context.Context, conflictID string, resolution domain.Resolution, actor core.Actor, adminOverride bool, overrideData json.RawMessage) (core.SyncConflict, core.Result, error)
	ListAuditEntries(ctx context.Context, afterSequence int64, limit int) []core.AuditEntry
	VerifyAuditTrail(ctx context.Context) (core.AuditReport, error)
}

// Handler routes sync API requests to the service.
type Handler struct {
	svc    Service
	router chi.Router
}

// NewHandler builds the router. Every /api/v1 route requires an actor
// identity in the X-Actor-ID header.
func NewHandler(svc Service) *Handler {
	h := &Handler{svc: svc}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api/v1", func(api chi.Router) {
		api.Use(requireActor)
		api.Post("/treatments", h.handleCreateTreatment)
		api.Post("/treatments/{id}/bundle", h.handleDownloadBundle)
		api.Post("/applicators", h.handleCreateApplicator)
		api.Post("/applicators/{id}/status", h.handleUpdateStatus)
		api.Post("/transitions/validate", h.handleValidateTransition)
		api.Post("/sync", h.handleSync)
		api.Get("/conflicts", h.handleListConflicts)
		api.Post("/conflicts/{id}/resolve", h.handleResolveConflict)
		api.Get("/audit", h.handleListAudit)
		api.Get("/audit/verify", h.handleVerifyAudit)
	})
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

type actorKey struct{}

func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderActorID))
		if id == "" {
			writeError(w, http.StatusUnauthorized, HeaderActorID+" header required")
			return
		}
		role := domain.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderActorRole))))
		switch role {
		case "":
			role = domain.RoleOperator
		case domain.RoleOperator, domain.RoleAdmin:
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown actor role %q", role))
			return
		}
		actor := core.Actor{ID: id, Role: role}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(r *http.Request) core.Actor {
	actor, _ := r.Context().Value(actorKey{}).(core.Actor)
	return actor
}

func (h *Handler) handleCreateTreatment(w http.ResponseWriter, r *http.Request) {
	var req core.Treatment
	if !decodeBody(w, r, &req) {
		return
	}
	treatment, res, err := h.svc.CreateTreatment(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"treatment": treatment, "result": res})
}

func (h *Handler) handleCreateApplicator(w http.ResponseWriter, r *http.Request) {
	var req core.Applicator
	if !decodeBody(w, r, &req) {
		return
	}
	applicator, res, err := h.svc.CreateApplicator(r.Context(), req, actorFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"applicator": applicator, "result": res})
}

type statusRequest struct {
	ExpectedVersion int64       `json:"expected_version"`
	Status          core.Status `json:"status"`
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	applicator, res, err := h.svc.UpdateApplicatorStatus(r.Context(), chi.URLParam(r, "id"), req.ExpectedVersion, req.Status, actorFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applicator": applicator, "result": res})
}

type bundleRequest struct {
	DeviceID string `json:"device_id"`
}

func (h *Handler) handleDownloadBundle(w http.ResponseWriter, r *http.Request) {
	req := bundleRequest{DeviceID: r.Header.Get(HeaderDeviceID)}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	bundle, _, err := h.svc.DownloadBundle(r.Context(), chi.URLParam(r, "id"), req.DeviceID, actorFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

type validateRequest struct {
	Category core.TreatmentCategory `json:"category"`
	From     core.Status            `json:"from"`
	To       core.Status            `json:"to"`
}

func (h *Handler) handleValidateTransition(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, core.ValidateStatusTransition(req.Category, req.From, req.To))
}

type syncRequest struct {
	DeviceID     string               `json:"device_id"`
	OfflineSince *time.Time           `json:"offline_since,omitempty"`
	Changes      []core.OfflineChange `json:"changes"`
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = r.Header.Get(HeaderDeviceID)
	}
	report, err := h.svc.SyncChanges(r.Context(), req.DeviceID, actorFrom(r), req.OfflineSince, req.Changes)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts := h.svc.GetConflicts(r.Context(), actorFrom(r))
	if conflicts == nil {
		conflicts = []core.SyncConflict{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

type resolveRequest struct {
	Resolution    domain.Resolution `json:"resolution"`
	AdminOverride bool              `json:"admin_override"`
	OverrideData  json.RawMessage   `json:"override_data,omitempty"`
}

func (h *Handler) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	conflict, res, err := h.svc.ResolveConflict(r.Context(), chi.URLParam(r, "id"), req.Resolution, actorFrom(r), req.AdminOverride, req.OverrideData)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflict": conflict, "result": res})
}

func (h *Handler) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if !actorFrom(r).IsAdmin() {
		writeError(w, http.StatusForbidden, "audit trail requires admin role")
		return
	}
	after, err := queryInt(r, "after")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries := h.svc.ListAuditEntries(r.Context(), after, int(limit))
	if entries == nil {
		entries = []core.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	if !actorFrom(r).IsAdmin() {
		writeError(w, http.StatusForbidden, "audit trail requires admin role")
		return
	}
	report, err := h.svc.VerifyAuditTrail(r.Context())
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"report": report, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func queryInt(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s parameter %q", name, raw)
	}
	return v, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
		return false
	}
	return true
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var ruleErr domain.RuleViolationError
	var transitionErr domain.ErrInvalidTransition
	switch {
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case domain.IsVersionConflict(err),
		errors.Is(err, domain.ErrAlreadyResolved),
		errors.Is(err, domain.ErrOpenConflictExists):
		return http.StatusConflict
	case errors.As(err, &transitionErr), errors.As(err, &ruleErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrIntegrity):
		return http.StatusInternalServerError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := map[string]any{"error": err.Error()}
	var ruleErr domain.RuleViolationError
	if errors.As(err, &ruleErr) {
		body["violations"] = ruleErr.Result.Violations
	}
	var transitionErr domain.ErrInvalidTransition
	if errors.As(err, &transitionErr) {
		body["code"] = transitionErr.Code
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
