package httpserver

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"bioadmin/accounts/internal/audit"
	"bioadmin/accounts/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required,max=255"`
	Password string `json:"password" validate:"required,max=1024"`
}

type ssoRequest struct {
	IDToken string `json:"id_token" validate:"required_without=Code"`
	Code    string `json:"code" validate:"required_without=IDToken"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

type forgotPasswordRequest struct {
	Email       string `json:"email" validate:"required,email,max=255"`
	RedirectURL string `json:"redirect_url" validate:"required,url"`
}

type resetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required"`
}

type updateProfileRequest struct {
	Name     string         `json:"name" validate:"required,max=255"`
	Metadata map[string]any `json:"metadata"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type userResponse struct {
	User auth.Identity `json:"user"`
}

type verifyResponse struct {
	Valid bool           `json:"valid"`
	User  *auth.Identity `json:"user,omitempty"`
}

func (h *handlers) registerPublicAuthRoutes(api *mux.Router) {
	api.HandleFunc("/auth/login", h.rateLimited("login", h.handleLogin)).Methods(http.MethodPost)
	api.HandleFunc("/auth/sso", h.rateLimited("sso", h.handleSSO)).Methods(http.MethodPost)
	api.HandleFunc("/auth/verify/{token}", h.handleVerify).Methods(http.MethodGet)
	api.HandleFunc("/auth/forgot-password", h.rateLimited("forgot_password", h.handleForgotPassword)).Methods(http.MethodPost)
	api.HandleFunc("/auth/reset-password", h.rateLimited("reset_password", h.handleResetPassword)).Methods(http.MethodPost)
}

func (h *handlers) registerSessionAuthRoutes(protected *mux.Router) {
	protected.HandleFunc("/auth/me", h.handleMe).Methods(http.MethodGet)
	protected.HandleFunc("/auth/change-password", h.handleChangePassword).Methods(http.MethodPut, http.MethodPost)
	protected.HandleFunc("/auth/update-profile", h.handleUpdateProfile).Methods(http.MethodPut)
	protected.HandleFunc("/auth/users", h.handleListUsers).Methods(http.MethodGet)
}

func (h *handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	email := strings.TrimSpace(req.Email)
	result, err := h.Auth.Authenticate(r.Context(), email, req.Password)
	if err != nil {
		h.record(r, email, "login", email, audit.OutcomeFailed, auth.KindOf(err).String())
		h.writeAuthError(w, r, err)
		return
	}
	h.record(r, result.User.Email, "login", result.User.Subject(), audit.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) handleSSO(w http.ResponseWriter, r *http.Request) {
	var req ssoRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := h.Auth.LoginWithSSO(r.Context(), auth.SSOCredential{IDToken: req.IDToken, Code: req.Code})
	if err != nil {
		h.record(r, "", "sso_login", "", audit.OutcomeFailed, auth.KindOf(err).String())
		h.writeAuthError(w, r, err)
		return
	}
	h.record(r, result.User.Email, "sso_login", result.User.Subject(), audit.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, result)
}

// handleVerify never fails: an unusable token is reported as valid=false.
func (h *handlers) handleVerify(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.Auth.VerifyToken(r.Context(), mux.Vars(r)["token"])
	if !ok {
		writeJSON(w, http.StatusOK, verifyResponse{Valid: false})
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Valid: true, User: &identity})
}

func (h *handlers) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	email := strings.TrimSpace(req.Email)
	if err := h.Auth.RequestReset(r.Context(), email, req.RedirectURL); err != nil {
		h.record(r, email, "password_reset_request", email, audit.OutcomeFailed, auth.KindOf(err).String())
		h.writeAuthError(w, r, err)
		return
	}
	h.record(r, email, "password_reset_request", email, audit.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, messageResponse{Message: "password reset email sent"})
}

func (h *handlers) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.Auth.RedeemReset(r.Context(), req.Token, req.NewPassword); err != nil {
		h.record(r, "", "password_reset", "", audit.OutcomeFailed, auth.KindOf(err).String())
		h.writeAuthError(w, r, err)
		return
	}
	h.record(r, "", "password_reset", "", audit.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, messageResponse{Message: "password has been reset"})
}

func (h *handlers) handleMe(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionIdentity(w, r)
	if !ok {
		return
	}
	identity, err := h.Auth.CurrentIdentity(r.Context(), session.ID)
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{User: identity})
}

func (h *handlers) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, ok := sessionIdentity(w, r)
	if !ok {
		return
	}
	if err := h.Auth.ChangePassword(r.Context(), session.ID, req.CurrentPassword, req.NewPassword); err != nil {
		h.record(r, session.Email, "password_change", session.Subject(), audit.OutcomeFailed, auth.KindOf(err).String())
		h.writeAuthError(w, r, err)
		return
	}
	h.record(r, session.Email, "password_change", session.Subject(), audit.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, messageResponse{Message: "password changed"})
}

func (h *handlers) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, ok := sessionIdentity(w, r)
	if !ok {
		return
	}
	identity, err := h.Auth.UpdateProfile(r.Context(), session.ID, req.Name, req.Metadata)
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{User: identity})
}

func (h *handlers) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Auth.ListAccounts(r.Context())
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}
	if users == nil {
		users = []auth.Identity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
