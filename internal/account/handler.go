package account

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/trustgate/trustgate/internal/httpserver"
)

// Handler exposes the account half of the HTTP management surface (spec
// §6): list/create/delete accounts and promote one to primary. Credential
// payloads never appear in a response body — only Account, never
// LiveAccount, crosses this boundary.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Delete("/", h.handleDelete)
		r.Post("/primary", h.handleSetPrimary)
	})
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	pluginID := r.URL.Query().Get("plugin_id")
	accts, err := h.service.ListAccounts(r.Context(), pluginID)
	if err != nil {
		h.logger.Error("listing accounts", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list accounts")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"accounts": accts, "count": len(accts)})
}

type createAccountRequest struct {
	PluginID    string         `json:"pluginId"`
	Email       string         `json:"email"`
	DisplayName string         `json:"displayName"`
	Metadata    map[string]any `json:"metadata"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if req.PluginID == "" || req.Email == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "pluginId and email are required")
		return
	}

	a, err := h.service.CreateAccount(r.Context(), req.PluginID, req.Email, req.DisplayName, req.Metadata)
	if err != nil {
		h.logger.Error("creating account", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create account")
		return
	}
	httpserver.Respond(w, http.StatusCreated, a)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := h.service.GetAccount(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, a)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.DeleteAccount(r.Context(), id); err != nil {
		h.logger.Error("deleting account", "error", err, "account_id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to delete account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetPrimary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.SetPrimary(r.Context(), id); err != nil {
		h.logger.Error("setting primary account", "error", err, "account_id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to set primary account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
