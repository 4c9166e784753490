// Package api serves the read-side REST endpoints the dashboard
// consumes: device inventory, raw events, insights, daily metrics and
// fleet risk summaries. All routes are scoped by org id.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/endpointmon/backend/internal/server/store"
)

const (
	defaultEventLimit   = 200
	defaultInsightLimit = 100
	defaultMetricDays   = 30
	maxListLimit        = 1000
)

// Handler bundles the read-side routes.
type Handler struct {
	store *store.Store
	log   *slog.Logger
}

func NewHandler(st *store.Store, log *slog.Logger) *Handler {
	return &Handler{store: st, log: log}
}

// Register mounts the read routes on the router.
func (h *Handler) Register(r *mux.Router) {
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/orgs/{org}/devices", h.listDevices).Methods(http.MethodGet)
	v1.HandleFunc("/orgs/{org}/devices/{device}/events", h.listEvents).Methods(http.MethodGet)
	v1.HandleFunc("/orgs/{org}/devices/{device}/insights", h.listInsights).Methods(http.MethodGet)
	v1.HandleFunc("/orgs/{org}/devices/{device}/metrics", h.listMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/orgs/{org}/devices/{device}/risk-trend", h.riskTrend).Methods(http.MethodGet)
	v1.HandleFunc("/orgs/{org}/fleet/top-risk", h.fleetTopRisk).Methods(http.MethodGet)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("response encoding failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

func queryInt(r *http.Request, name string, fallback, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}

func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request) {
	org := mux.Vars(r)["org"]
	devices, err := h.store.ListDevices(r.Context(), org)
	if err != nil {
		h.log.Error("list devices failed", "org", org, "error", err)
		h.writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	h.writeJSON(w, map[string]any{"devices": devices})
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	limit := queryInt(r, "limit", defaultEventLimit, maxListLimit)
	events, err := h.store.ListEvents(r.Context(), vars["org"], vars["device"], limit)
	if err != nil {
		h.log.Error("list events failed", "org", vars["org"], "device", vars["device"], "error", err)
		h.writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	h.writeJSON(w, map[string]any{"events": events})
}

func (h *Handler) listInsights(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	limit := queryInt(r, "limit", defaultInsightLimit, maxListLimit)
	insights, err := h.store.ListInsights(r.Context(), vars["org"], vars["device"], limit)
	if err != nil {
		h.log.Error("list insights failed", "org", vars["org"], "device", vars["device"], "error", err)
		h.writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	h.writeJSON(w, map[string]any{"insights": insights})
}

func (h *Handler) listMetrics(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	days := queryInt(r, "days", defaultMetricDays, 90)
	metrics, err := h.store.DailyMetrics(r.Context(), vars["org"], vars["device"], days)
	if err != nil {
		h.log.Error("daily metrics failed", "org", vars["org"], "device", vars["device"], "error", err)
		h.writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	h.writeJSON(w, map[string]any{"metrics": metrics})
}

func (h *Handler) riskTrend(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	days := queryInt(r, "days", defaultMetricDays, 90)
	trend, err := h.store.RiskTrend(r.Context(), vars["org"], vars["device"], days)
	if err != nil {
		h.log.Error("risk trend failed", "org", vars["org"], "device", vars["device"], "error", err)
		h.writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	h.writeJSON(w, map[string]any{"trend": trend})
}

func (h *Handler) fleetTopRisk(w http.ResponseWriter, r *http.Request) {
	org := mux.Vars(r)["org"]
	limit := queryInt(r, "limit", 10, 100)
	ranked, err := h.store.FleetTopDevices(r.Context(), org, limit)
	if err != nil {
		h.log.Error("fleet top risk failed", "org", org, "error", err)
		h.writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	h.writeJSON(w, map[string]any{"devices": ranked})
}
