package chat

import (
	"errors"

	"go-chatrelay/internal/fanout"
	"go-chatrelay/internal/queue"
)

var (
	ErrAuth               = errors.New("authentication failed")
	ErrNotAMember         = errors.New("not a member of the room")
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrRoomNotFound       = errors.New("room not found")
	ErrSessionClosed      = errors.New("session closed")
	ErrUnknownEvent       = errors.New("unknown event")
	ErrBadRequest         = errors.New("bad request")
	ErrMessageNotFound    = errors.New("message not found")
	// ErrMessageConflict means a message id is already taken by another
	// sender or room.
	ErrMessageConflict = errors.New("message id already in use")

	// Re-exported so callers classify everything against this package.
	ErrEnqueue            = queue.ErrEnqueue
	ErrAdapterUnavailable = fanout.ErrAdapterUnavailable
)

// Error codes sent to clients.
const (
	CodeUnauthorized  = "unauthorized"
	CodeNotAMember    = "not_a_member"
	CodeBadRequest    = "bad_request"
	CodeEnqueueFailed = "enqueue_failed"
	CodeUnavailable   = "unavailable"
	CodeNotStored     = "message_not_stored"
	CodeInternal      = "internal_error"
)

// toErrorEvent maps an error onto what the client is told.
func toErrorEvent(err error) ErrorEvent {
	switch {
	case errors.Is(err, ErrAuth):
		return ErrorEvent{Code: CodeUnauthorized, Message: "Not authenticated"}
	case errors.Is(err, ErrNotAMember):
		return ErrorEvent{Code: CodeNotAMember, Message: "Not a member of this chat"}
	case errors.Is(err, ErrMessageNotFound):
		return ErrorEvent{Code: CodeNotStored, Message: "Message not stored yet, try again", Retryable: true}
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrUnknownEvent), errors.Is(err, ErrMalformedEnvelope), errors.Is(err, ErrMessageConflict):
		return ErrorEvent{Code: CodeBadRequest, Message: err.Error()}
	case errors.Is(err, ErrEnqueue):
		return ErrorEvent{Code: CodeEnqueueFailed, Message: "Message not accepted, try again", Retryable: true}
	case errors.Is(err, ErrStorageUnavailable):
		return ErrorEvent{Code: CodeUnavailable, Message: "Temporarily unavailable", Retryable: true}
	default:
		return ErrorEvent{Code: CodeInternal, Message: "Internal error"}
	}
}
