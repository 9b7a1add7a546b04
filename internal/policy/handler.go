package policy

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/trustgate/trustgate/internal/httpserver"
)

// Handler exposes the HTTP surface of spec §6 for rules (list, create, get,
// update, delete), redaction patterns (list, create and delete; no single
// get or update) and approval requests (list, get, approve, deny), delegating every read the Engine itself needs back to Store
// so the HTTP layer and the decision path share one source of truth.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.handleListRules)
		r.Post("/", h.handleCreateRule)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetRule)
			r.Put("/", h.handleUpdateRule)
			r.Delete("/", h.handleDeleteRule)
		})
	})
	r.Route("/redaction-patterns", func(r chi.Router) {
		r.Get("/", h.handleListPatterns)
		r.Post("/", h.handleCreatePattern)
		r.Delete("/{id}", h.handleDeletePattern)
	})
	r.Route("/approval-requests", func(r chi.Router) {
		r.Get("/", h.handleListApprovals)
		r.Get("/{id}", h.handleGetApproval)
		r.Post("/{id}/approve", h.handleResolveApproval(ApprovalApproved))
		r.Post("/{id}/deny", h.handleResolveApproval(ApprovalDenied))
	})
	return r
}

// --- Rules ---

func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.ListRules(r.Context())
	if err != nil {
		h.logger.Error("listing rules", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list rules")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"rules": rules, "count": len(rules)})
}

func (h *Handler) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule Rule
	if !httpserver.DecodeAndValidate(w, r, &rule) {
		return
	}
	id, err := h.store.CreateRule(r.Context(), rule)
	if err != nil {
		h.logger.Error("creating rule", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create rule")
		return
	}
	rule.ID = id
	httpserver.Respond(w, http.StatusCreated, rule)
}

func (h *Handler) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.store.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "rule not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, rule)
}

func (h *Handler) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule Rule
	if !httpserver.DecodeAndValidate(w, r, &rule) {
		return
	}
	rule.ID = chi.URLParam(r, "id")
	if err := h.store.UpdateRule(r.Context(), rule); err != nil {
		h.logger.Error("updating rule", "error", err, "rule_id", rule.ID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to update rule")
		return
	}
	httpserver.Respond(w, http.StatusOK, rule)
}

func (h *Handler) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.logger.Error("deleting rule", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to delete rule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Redaction patterns ---

func (h *Handler) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := h.store.ListRedactionPatterns(r.Context())
	if err != nil {
		h.logger.Error("listing redaction patterns", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list redaction patterns")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"patterns": patterns, "count": len(patterns)})
}

func (h *Handler) handleCreatePattern(w http.ResponseWriter, r *http.Request) {
	var p RedactionPattern
	if !httpserver.DecodeAndValidate(w, r, &p) {
		return
	}
	id, err := h.store.CreateRedactionPattern(r.Context(), p)
	if err != nil {
		h.logger.Error("creating redaction pattern", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create redaction pattern")
		return
	}
	p.ID = id
	httpserver.Respond(w, http.StatusCreated, p)
}

func (h *Handler) handleDeletePattern(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteRedactionPattern(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.logger.Error("deleting redaction pattern", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to delete redaction pattern")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Approval requests ---

func (h *Handler) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	approvals, err := h.store.ListApprovalRequests(r.Context())
	if err != nil {
		h.logger.Error("listing approval requests", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list approval requests")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"approvalRequests": approvals, "count": len(approvals)})
}

func (h *Handler) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.GetApprovalRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "approval request not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, a)
}

// handleResolveApproval returns a handler that resolves an approval request
// to status, accepting an optional {"approvedArgs": {...}} body used on
// approve to let an operator edit the args being allowed through.
func (h *Handler) handleResolveApproval(status ApprovalStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ApprovedArgs map[string]any `json:"approvedArgs"`
		}
		_ = httpserver.Decode(r, &body) // optional body; malformed/empty is not fatal here

		id := chi.URLParam(r, "id")
		if err := h.store.ResolveApprovalRequest(r.Context(), id, status, body.ApprovedArgs); err != nil {
			h.logger.Error("resolving approval request", "error", err, "approval_id", id)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to resolve approval request")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
