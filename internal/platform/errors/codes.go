// Package errors provides the structured error type shared by the session
// server, its HTTP API and participant coordinators.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeAlreadyExists   Code = "ALREADY_EXISTS"

	// Clock drift
	CodeClockResyncFailed Code = "CLOCK_RESYNC_FAILED"

	// Conditional write races
	CodeSessionConflict           Code = "SESSION_CONFLICT"
	CodeSessionDeadlineNotReached Code = "SESSION_DEADLINE_NOT_REACHED"
	CodeSessionInvalidTransition  Code = "SESSION_INVALID_TRANSITION"
	CodeSessionInvariant          Code = "SESSION_INVARIANT_VIOLATION"
	CodeSessionTerminal           Code = "SESSION_TERMINAL"

	// Credentials
	CodeCredentialMissing  Code = "CREDENTIAL_MISSING"
	CodeCredentialExpired  Code = "CREDENTIAL_EXPIRED"
	CodeCredentialInvalid  Code = "CREDENTIAL_INVALID"
	CodeCredentialMismatch Code = "CREDENTIAL_MISMATCH"
	CodeCredentialIssue    Code = "CREDENTIAL_ISSUE_FAILED"

	// Presence
	CodePresenceLost Code = "PRESENCE_LOST"

	// Billing
	CodeFinalizationFailed     Code = "FINALIZATION_FAILED"
	CodeFinalizationInProgress Code = "FINALIZATION_IN_PROGRESS"

	// Recording
	CodeRecordingNotPermitted Code = "RECORDING_NOT_PERMITTED"

	// Fatal
	CodeRoomUnavailable Code = "ROOM_UNAVAILABLE"
	CodeTransportFailed Code = "TRANSPORT_FAILED"
)

// Class groups codes by how callers are expected to recover.
type Class string

const (
	// ClassDrift recovers by keeping the last clock offset.
	ClassDrift Class = "drift"
	// ClassConflict recovers by re-reading the row and re-evaluating.
	ClassConflict Class = "conflict"
	// ClassCredential recovers by regenerating and retrying the join.
	ClassCredential Class = "credential"
	// ClassPresence recovers through the provider fallback poll.
	ClassPresence Class = "presence"
	// ClassFinalization is surfaced and reconciled server-side.
	ClassFinalization Class = "finalization"
	// ClassFatal moves the session to failed with an actionable notice.
	ClassFatal Class = "fatal"
	// ClassInvalid is a caller mistake.
	ClassInvalid Class = "invalid"
	// ClassInternal is anything unclassified.
	ClassInternal Class = "internal"
)

// Class maps the code to its recovery class.
func (c Code) Class() Class {
	switch c {
	case CodeClockResyncFailed:
		return ClassDrift
	case CodeSessionConflict, CodeSessionDeadlineNotReached:
		return ClassConflict
	case CodeCredentialMissing, CodeCredentialExpired, CodeCredentialIssue:
		return ClassCredential
	case CodePresenceLost:
		return ClassPresence
	case CodeFinalizationFailed, CodeFinalizationInProgress:
		return ClassFinalization
	case CodeRoomUnavailable, CodeTransportFailed:
		return ClassFatal
	case CodeInvalidArgument, CodeNotFound, CodeAlreadyExists,
		CodeSessionInvalidTransition, CodeSessionInvariant, CodeSessionTerminal,
		CodeCredentialInvalid, CodeCredentialMismatch, CodeRecordingNotPermitted:
		return ClassInvalid
	default:
		return ClassInternal
	}
}

// Retryable reports whether the caller may repeat the failed operation
// locally. Finalization and fatal failures are never retried by a client.
func (c Code) Retryable() bool {
	switch c.Class() {
	case ClassDrift, ClassConflict, ClassCredential, ClassPresence:
		return true
	default:
		return false
	}
}

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument, CodeSessionInvariant:
		return http.StatusBadRequest
	case CodeCredentialMissing, CodeCredentialExpired, CodeCredentialInvalid:
		return http.StatusUnauthorized
	case CodeCredentialMismatch, CodeRecordingNotPermitted:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeSessionConflict, CodeFinalizationInProgress:
		return http.StatusConflict
	case CodeSessionInvalidTransition, CodeSessionTerminal, CodeSessionDeadlineNotReached:
		return http.StatusUnprocessableEntity
	case CodeCredentialIssue, CodeFinalizationFailed, CodeRoomUnavailable, CodeClockResyncFailed, CodeTransportFailed:
		return http.StatusBadGateway
	case CodePresenceLost:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
