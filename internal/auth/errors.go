package auth

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure kinds an auth operation can report.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidCredentials
	KindAccountInactive
	KindNotFound
	KindEmailNotFound
	KindPasswordMismatch
	KindSamePassword
	KindWeakPassword
	KindInvalidToken
	KindTokenExpired
	KindEmailSendFailed
	KindInvalidRedirect
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindAccountInactive:
		return "account_inactive"
	case KindNotFound:
		return "not_found"
	case KindEmailNotFound:
		return "email_not_found"
	case KindPasswordMismatch:
		return "password_mismatch"
	case KindSamePassword:
		return "same_password"
	case KindWeakPassword:
		return "weak_password"
	case KindInvalidToken:
		return "invalid_token"
	case KindTokenExpired:
		return "token_expired"
	case KindEmailSendFailed:
		return "email_send_failed"
	case KindInvalidRedirect:
		return "invalid_redirect"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "internal"
	}
}

// Error is a typed auth failure. Two errors match under errors.Is when their
// kinds are equal, so callers compare against the sentinels below.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials, Message: "invalid credentials"}
	ErrAccountInactive    = &Error{Kind: KindAccountInactive, Message: "account is inactive"}
	ErrNotFound           = &Error{Kind: KindNotFound, Message: "account not found"}
	ErrEmailNotFound      = &Error{Kind: KindEmailNotFound, Message: "email not found"}
	ErrPasswordMismatch   = &Error{Kind: KindPasswordMismatch, Message: "current password is incorrect"}
	ErrSamePassword       = &Error{Kind: KindSamePassword, Message: "new password must differ from the current password"}
	ErrWeakPassword       = &Error{Kind: KindWeakPassword, Message: "new password does not meet policy"}
	ErrInvalidToken       = &Error{Kind: KindInvalidToken, Message: "invalid or already used token"}
	ErrTokenExpired       = &Error{Kind: KindTokenExpired, Message: "token has expired"}
	ErrEmailSendFailed    = &Error{Kind: KindEmailSendFailed, Message: "failed to send email"}
	ErrInvalidRedirect    = &Error{Kind: KindInvalidRedirect, Message: "redirect url is not allowed"}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput, Message: "invalid input"}
)

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func invalidInput(msg string) *Error {
	return &Error{Kind: KindInvalidInput, Message: msg}
}

// KindOf reports the kind carried by err. Errors that are not *Error map to
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
