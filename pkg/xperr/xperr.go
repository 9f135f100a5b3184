// Package xperr defines the domain error taxonomy shared by pkg/store,
// pkg/raftcluster, and the out-of-scope admin HTTP surface. Every error a
// command-log apply function returns is a *Error with one of the Code
// values below, so callers (including a future HTTP adapter) can map it to
// a transport status without string-matching messages.
package xperr

import "fmt"

// Code classifies a domain error for transport mapping. An HTTP adapter
// maps these to 400 (invalid_request), 404 (not_found), 409 (conflict),
// 503 (unavailable), and 500 (internal) respectively.
type Code string

const (
	CodeInvalidRequest Code = "invalid_request"
	CodeNotFound       Code = "not_found"
	CodeConflict       Code = "conflict"
	CodeUnavailable    Code = "unavailable"
	CodeInternal       Code = "internal"
)

// Error is a classified domain error. Message is human-readable and safe
// to return to an admin caller; it never embeds secrets.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

func newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the Code of err if it is (or wraps) an *Error, and
// CodeInternal otherwise.
func CodeOf(err error) Code {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Code
	}
	return CodeInternal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Constructors below mirror the reference implementation's DomainError
// variants one-for-one; message wording matches its Display impl so the
// two stay auditable side by side.

func InvalidPort(port uint16) error {
	return newf(CodeInvalidRequest, "invalid port: %d", port)
}

func InvalidCycleDayOfMonth(dayOfMonth uint8) error {
	return newf(CodeInvalidRequest, "invalid cycle_day_of_month: %d", dayOfMonth)
}

func InvalidTzOffsetMinutes(tzOffsetMinutes int16) error {
	return newf(CodeInvalidRequest, "invalid tz_offset_minutes: %d", tzOffsetMinutes)
}

func InvalidGroupName(groupName string) error {
	return newf(CodeInvalidRequest, "invalid group_name: %s", groupName)
}

func EmptyGrantGroup() error {
	return newf(CodeInvalidRequest, "grant group must have at least 1 member")
}

func DuplicateGrantGroupMember(userID, endpointID string) error {
	return newf(CodeInvalidRequest, "duplicate group member: user_id=%s endpoint_id=%s", userID, endpointID)
}

func MissingUser(userID string) error {
	return newf(CodeInvalidRequest, "user not found: %s", userID)
}

func MissingNode(nodeID string) error {
	return newf(CodeInvalidRequest, "node not found: %s", nodeID)
}

func MissingEndpoint(endpointID string) error {
	return newf(CodeInvalidRequest, "endpoint not found: %s", endpointID)
}

func MissingGrantGroup(groupName string) error {
	return newf(CodeNotFound, "grant group not found: %s", groupName)
}

func NodeInUse(nodeID, endpointID string) error {
	return newf(CodeConflict, "node is still referenced by endpoints: node_id=%s endpoint_id=%s", nodeID, endpointID)
}

func GroupNameConflict(groupName string) error {
	return newf(CodeConflict, "group_name already exists: %s", groupName)
}

func GrantPairConflict(userID, endpointID string) error {
	return newf(CodeConflict, "grant pair already exists: user_id=%s endpoint_id=%s", userID, endpointID)
}

func InvalidRealityServerName(serverName, reason string) error {
	return newf(CodeInvalidRequest, "invalid reality server_name: %s (%s)", serverName, reason)
}

func VlessRealityServerNamesEmpty(endpointID string) error {
	return newf(CodeInvalidRequest, "vless reality server_names is empty: endpoint_id=%s", endpointID)
}

func RealityDomainNameConflict(serverName string) error {
	return newf(CodeConflict, "reality domain already exists: %s", serverName)
}

func RealityDomainNotFound(domainID string) error {
	return newf(CodeNotFound, "reality domain not found: %s", domainID)
}

func RealityDomainsReorderInvalid(reason string) error {
	return newf(CodeInvalidRequest, "reality domains reorder invalid: %s", reason)
}

func RealityDomainsWouldBreakEndpoint(endpointID, nodeID string) error {
	return newf(CodeInvalidRequest, "reality domains change would break endpoint: endpoint_id=%s node_id=%s", endpointID, nodeID)
}

// Unavailable wraps a transient failure (Raft not ready, no leader, engine
// admin channel down) that a caller may retry.
func Unavailable(format string, args ...interface{}) error {
	return newf(CodeUnavailable, format, args...)
}

// Internal wraps an unexpected failure that is not a caller mistake.
func Internal(format string, args ...interface{}) error {
	return newf(CodeInternal, format, args...)
}
