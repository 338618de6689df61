package serviceerr

import "net/http"

// Code is a machine readable error code. The RFC6749 codes are reused where
// they fit; the remaining ones are specific to this service.
type Code string

const (
	// RFC6749 codes
	CodeInvalidRequest         Code = "invalid_request"
	CodeUnauthorizedClient     Code = "unauthorized_client"
	CodeAccessDenied           Code = "access_denied"
	CodeServerError            Code = "server_error"
	CodeTemporarilyUnavailable Code = "temporarily_unavailable"
	CodeInvalidGrant           Code = "invalid_grant"

	// Custom codes
	CodeUnknown                Code = "unknown"
	CodeConflict               Code = "conflict"
	CodeNotFound               Code = "not_found"
	CodeCooldownActive         Code = "cooldown_active"
	CodeDisallowedHost         Code = "disallowed_host"
	CodeUpstream               Code = "upstream_failure"
	CodeInvalidOIDCProvider    Code = "invalid_oidc_provider"
	CodeEndSessionNotSupported Code = "end_session_not_supported"
)

type Error struct {
	Err         Code
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Err)
	}

	return string(e.Err) + ": " + e.Description
}

// HTTPStatus maps the error code onto the status returned by the public API.
func (e *Error) HTTPStatus() int {
	switch e.Err {
	case CodeInvalidRequest, CodeInvalidGrant:
		return http.StatusBadRequest
	case CodeUnauthorizedClient:
		return http.StatusUnauthorized
	case CodeAccessDenied, CodeDisallowedHost:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeCooldownActive:
		return http.StatusTooManyRequests
	case CodeUpstream:
		return http.StatusBadGateway
	case CodeTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	case CodeInvalidOIDCProvider, CodeEndSessionNotSupported:
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

var (
	ErrInvalidRequest         = &Error{Err: CodeInvalidRequest}
	ErrAccessDenied           = &Error{Err: CodeAccessDenied}
	ErrServerError            = &Error{Err: CodeServerError}
	ErrTemporarilyUnavailable = &Error{Err: CodeTemporarilyUnavailable}
	ErrInvalidGrant           = &Error{Err: CodeInvalidGrant}

	ErrUnknown                = &Error{Err: CodeUnknown, Description: "unknown error"}
	ErrConflict               = &Error{Err: CodeConflict, Description: "already exists"}
	ErrNotFound               = &Error{Err: CodeNotFound, Description: "not found"}
	ErrUnauthorized           = &Error{Err: CodeUnauthorizedClient, Description: "unauthorized"}
	ErrCooldownActive         = &Error{Err: CodeCooldownActive, Description: "please wait before requesting another sign-in link"}
	ErrDisallowedHost         = &Error{Err: CodeDisallowedHost, Description: "host is not allowed"}
	ErrUpstream               = &Error{Err: CodeUpstream, Description: "upstream request failed"}
	ErrInvalidOIDCProvider    = &Error{Err: CodeInvalidOIDCProvider, Description: "invalid OIDC provider"}
	ErrEndSessionNotSupported = &Error{Err: CodeEndSessionNotSupported, Description: "provider does not support ending sessions"}
)
