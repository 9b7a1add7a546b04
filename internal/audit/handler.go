package audit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/trustgate/trustgate/internal/httpserver"
)

// Handler provides HTTP handlers for the audit log management API
// (spec §6: GET /api/audit-logs[?filters], /:id, /recent?limit,
// GET /api/audit-stats).
type Handler struct {
	store  *Store
	logger *slog.Logger
}

func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes returns a chi.Router with audit log routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Get("/recent", h.handleRecent)
	r.Get("/{id}", h.handleGet)
	return r
}

// StatsRoute returns the handler for GET /api/audit-stats, mounted
// separately since it is not nested under /api/audit-logs.
func (h *Handler) StatsRoute(w http.ResponseWriter, r *http.Request) {
	since, until := parseWindow(r)
	stats, err := h.store.GetStats(r.Context(), since, until)
	if err != nil {
		h.logger.Error("getting audit stats", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to compute audit stats")
		return
	}
	httpserver.Respond(w, http.StatusOK, stats)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	f := Filter{
		PluginID:  r.URL.Query().Get("plugin_id"),
		AgentName: r.URL.Query().Get("agent_name"),
		Status:    Status(r.URL.Query().Get("status")),
		Action:    r.URL.Query().Get("action"),
		Limit:     params.PageSize,
		Offset:    params.Offset,
	}

	entries, err := h.store.Query(r.Context(), f)
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	total, err := h.store.Count(r.Context(), f)
	if err != nil {
		h.logger.Error("counting audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to count audit log")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(entries, params, total))
}

func (h *Handler) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := h.store.Query(r.Context(), Filter{Limit: limit})
	if err != nil {
		h.logger.Error("listing recent audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list recent audit log")
		return
	}
	httpserver.Respond(w, http.StatusOK, entries)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "audit entry not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, entry)
}

func parseWindow(r *http.Request) (since, until time.Time) {
	if v := r.URL.Query().Get("since"); v != "" {
		since, _ = time.Parse(time.RFC3339, v)
	}
	if v := r.URL.Query().Get("until"); v != "" {
		until, _ = time.Parse(time.RFC3339, v)
	}
	return since, until
}
