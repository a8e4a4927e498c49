package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"bioadmin/accounts/internal/auth"
)

const maxBodyBytes = 1 << 20

// ErrorBody is the normalized error response shared by every endpoint.
type ErrorBody struct {
	Status  int            `json:"status"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, ErrorBody{Status: status, Code: code, Message: message, Details: details})
}

// statusForKind maps every auth failure kind to its HTTP status and code.
func statusForKind(kind auth.Kind) (int, string) {
	switch kind {
	case auth.KindInvalidCredentials:
		return http.StatusUnauthorized, "INVALID_CREDENTIALS"
	case auth.KindAccountInactive:
		return http.StatusUnauthorized, "ACCOUNT_INACTIVE"
	case auth.KindNotFound:
		return http.StatusNotFound, "NOT_FOUND"
	case auth.KindEmailNotFound:
		return http.StatusNotFound, "EMAIL_NOT_FOUND"
	case auth.KindPasswordMismatch:
		return http.StatusBadRequest, "PASSWORD_MISMATCH"
	case auth.KindSamePassword:
		return http.StatusBadRequest, "SAME_PASSWORD"
	case auth.KindWeakPassword:
		return http.StatusBadRequest, "WEAK_PASSWORD"
	case auth.KindInvalidToken:
		return http.StatusBadRequest, "INVALID_TOKEN"
	case auth.KindTokenExpired:
		return http.StatusBadRequest, "TOKEN_EXPIRED"
	case auth.KindEmailSendFailed:
		return http.StatusInternalServerError, "EMAIL_SEND_FAILED"
	case auth.KindInvalidRedirect:
		return http.StatusBadRequest, "INVALID_REDIRECT"
	case auth.KindInvalidInput:
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case auth.KindInternal:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// writeAuthError renders err in the normalized shape. Internal failures are
// logged with the request id and their cause is never echoed to the client.
func (h *handlers) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	kind := auth.KindOf(err)
	status, code := statusForKind(kind)
	message := "internal server error"
	var ae *auth.Error
	if kind != auth.KindInternal && errors.As(err, &ae) {
		message = ae.Message
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"kind", kind.String(),
			"error", err,
		)
	}
	writeError(w, status, code, message, nil)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeJSON reads a bounded JSON body into dst and runs struct validation.
// It writes the error response itself and reports whether the caller may
// continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "request body is required", nil)
		case errors.As(err, &maxErr):
			writeError(w, http.StatusRequestEntityTooLarge, "VALIDATION_ERROR", "request body too large", nil)
		default:
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json body", nil)
		}
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return false
		}
		fields := make(map[string]any, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fieldMessage(fe)
		}
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "request validation failed", map[string]any{"fields": fields})
		return false
	}
	return true
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "url":
		return "must be a valid url"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
