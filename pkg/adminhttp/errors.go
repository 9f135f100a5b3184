package adminhttp

import (
	"net/http"

	"github.com/edgenode/xp/pkg/xperr"
)

// ErrorCode classifies an admin HTTP error for the JSON envelope every
// handler on this surface returns. These are wider than xperr.Code:
// unauthorized and not_implemented exist only at this boundary, since
// they describe transport/authz concerns the domain layer never raises
// itself.
type ErrorCode string

const (
	CodeInvalidRequest ErrorCode = "invalid_request"
	CodeUnauthorized   ErrorCode = "unauthorized"
	CodeNotFound       ErrorCode = "not_found"
	CodeConflict       ErrorCode = "conflict"
	CodeInternal       ErrorCode = "internal"
	CodeNotImplemented ErrorCode = "not_implemented"
)

// HTTPStatus returns the status code an admin router should send for c.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// Error is the body of every non-2xx admin response:
// {"error":{"code":...,"message":...,"details":{...}}}.
type Error struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Envelope is the top-level shape RespondError writes.
type Envelope struct {
	Error *Error `json:"error"`
}

// NewError builds an *Error with no details.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// FromDomainError maps an error returned by pkg/store/pkg/raftcluster (a
// *xperr.Error, an xperr.Unavailable transient, or anything else) onto the
// admin envelope. xperr's CodeUnavailable has no dedicated admin code of
// its own since a 503 and a retry are a transport concern, not one of the
// six admin codes §6/§7 names; it falls through to internal, same as any
// unclassified error.
func FromDomainError(err error) *Error {
	if err == nil {
		return nil
	}
	switch xperr.CodeOf(err) {
	case xperr.CodeInvalidRequest:
		return NewError(CodeInvalidRequest, err.Error())
	case xperr.CodeNotFound:
		return NewError(CodeNotFound, err.Error())
	case xperr.CodeConflict:
		return NewError(CodeConflict, err.Error())
	default:
		return NewError(CodeInternal, err.Error())
	}
}
