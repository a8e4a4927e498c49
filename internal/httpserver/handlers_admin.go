package httpserver

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"bioadmin/accounts/internal/audit"
	"bioadmin/accounts/internal/auth"
)

type setStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active inactive"`
}

type assignRolesRequest struct {
	RoleIDs []int64 `json:"role_ids" validate:"required,dive,min=1"`
}

func (h *handlers) registerAdminRoutes(protected *mux.Router) {
	operators := protected.NewRoute().Subrouter()
	operators.Use(h.requireAnyRole(h.OperatorRoles))
	operators.HandleFunc("/auth/users/{id:[0-9]+}/status", h.handleSetStatus).Methods(http.MethodPut)

	admins := protected.NewRoute().Subrouter()
	admins.Use(h.requireRole(h.AdminRole))
	admins.HandleFunc("/auth/users/{id:[0-9]+}/roles", h.handleAssignRoles).Methods(http.MethodPut)
	admins.HandleFunc("/system/migrations", h.handleMigrations).Methods(http.MethodGet)
}

func (h *handlers) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid account id", nil)
		return
	}
	var req setStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor, ok := sessionIdentity(w, r)
	if !ok {
		return
	}
	target := fmt.Sprint(id)
	identity, err := h.Auth.SetStatus(r.Context(), id, req.Status)
	if err != nil {
		h.record(r, actor.Email, "account_status", target, audit.OutcomeFailed, auth.KindOf(err).String())
		h.writeAuthError(w, r, err)
		return
	}
	h.record(r, actor.Email, "account_status", target, audit.OutcomeSuccess, req.Status)
	writeJSON(w, http.StatusOK, userResponse{User: identity})
}

func (h *handlers) handleAssignRoles(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid account id", nil)
		return
	}
	var req assignRolesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor, ok := sessionIdentity(w, r)
	if !ok {
		return
	}
	target := fmt.Sprint(id)
	identity, err := h.Auth.AssignRoles(r.Context(), id, req.RoleIDs)
	if err != nil {
		h.record(r, actor.Email, "role_assignment", target, audit.OutcomeFailed, auth.KindOf(err).String())
		h.writeAuthError(w, r, err)
		return
	}
	h.record(r, actor.Email, "role_assignment", target, audit.OutcomeSuccess, fmt.Sprint(req.RoleIDs))
	writeJSON(w, http.StatusOK, userResponse{User: identity})
}

func (h *handlers) handleMigrations(w http.ResponseWriter, r *http.Request) {
	if h.Migrations == nil {
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "migrations require a database", nil)
		return
	}
	items, err := h.Migrations.Status(r.Context())
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
