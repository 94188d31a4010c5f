// Package api serves the HTTP control surface: recoverability checks,
// restore and discard, settings, status and restore history.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"printrestore/internal/checkpoint"
	"printrestore/internal/config"
	"printrestore/internal/recovery"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Service is the recovery surface the handlers drive
type Service interface {
	CheckRecoverable(ctx context.Context) (recovery.Recoverability, error)
	Restore(ctx context.Context, intent bool) recovery.RestoreResult
	Settings() config.Settings
	SaveSettings(ctx context.Context, s config.Settings) error
	Status() recovery.Status
	History(limit int) ([]*checkpoint.Attempt, error)
}

const defaultHistoryLimit = 50

// Handler serves the control routes
type Handler struct {
	svc    Service
	logger *zap.Logger
}

// NewHandler creates a Handler
func NewHandler(svc Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.With(zap.String("component", "api"))}
}

// NewRouter mounts every route. metrics may be nil.
func NewRouter(svc Service, metrics http.Handler, logger *zap.Logger) *chi.Mux {
	h := NewHandler(svc, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(logger))
	r.Use(LimitBody)

	r.Get("/healthz", h.Health)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(RequireJSON)
		r.Get("/recovery", h.CheckRecoverable)
		r.Post("/recovery/restore", h.Restore)
		r.Get("/settings", h.GetSettings)
		r.Post("/settings", h.SaveSettings)
		r.Get("/status", h.Status)
		r.Get("/history", h.History)
	})

	return r
}

// Health answers liveness probes
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CheckRecoverable handles GET /api/recovery
func (h *Handler) CheckRecoverable(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.CheckRecoverable(r.Context())
	if err != nil {
		h.logger.Warn("Recoverability check failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type restoreRequest struct {
	Restore *bool `json:"restore"`
}

// Restore handles POST /api/recovery/restore
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed JSON body in request")
		return
	}
	if req.Restore == nil {
		writeError(w, http.StatusBadRequest, "Missing restore flag")
		return
	}

	writeJSON(w, http.StatusOK, h.svc.Restore(r.Context(), *req.Restore))
}

// GetSettings handles GET /api/settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Settings())
}

// SaveSettings handles POST /api/settings. enabled, autoRestore and
// interval are required; babystepEnabled keeps its value when omitted.
func (h *Handler) SaveSettings(w http.ResponseWriter, r *http.Request) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed JSON body in request")
		return
	}
	for _, key := range []string{"enabled", "autoRestore", "interval"} {
		if _, ok := raw[key]; !ok {
			writeError(w, http.StatusBadRequest, "Missing setting "+key)
			return
		}
	}

	s := h.svc.Settings()
	for key, dst := range map[string]interface{}{
		"enabled":         &s.Enabled,
		"autoRestore":     &s.AutoRestore,
		"interval":        &s.IntervalSeconds,
		"babystepEnabled": &s.BabystepEnabled,
	} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid setting "+key)
			return
		}
	}

	if err := s.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.svc.SaveSettings(r.Context(), s); err != nil {
		h.logger.Error("Failed to save settings", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "Settings Saved"})
}

// Status handles GET /api/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

// History handles GET /api/history?limit=n
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	attempts, err := h.svc.History(limit)
	if err != nil {
		h.logger.Error("Failed to list restore attempts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if attempts == nil {
		attempts = []*checkpoint.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"attempts": attempts})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
