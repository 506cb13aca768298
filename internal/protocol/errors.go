package protocol

import (
	"context"
	"errors"

	"ChatBridge/internal/session"
)

// Kind is the error taxonomy reported in the code field of error frames.
type Kind string

const (
	KindNotReady        Kind = "not_ready"
	KindBadRequest      Kind = "bad_request"
	KindNotFound        Kind = "not_found"
	KindCorruptPayload  Kind = "corrupt_payload"
	KindPayloadTooLarge Kind = "payload_too_large"
	KindTimeout         Kind = "timeout"
	KindUpstream        Kind = "upstream_failure"
	KindProtocol        Kind = "protocol_error"
)

var (
	ErrBadRequest = errors.New("bad request")
	ErrTimeout    = errors.New("operation timed out")
	ErrProtocol   = errors.New("protocol error")
)

// Classify maps an error onto the taxonomy. Unknown errors are upstream
// failures.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrBadRequest):
		return KindBadRequest
	case errors.Is(err, session.ErrNotReady):
		return KindNotReady
	case errors.Is(err, session.ErrNotFound):
		return KindNotFound
	case errors.Is(err, session.ErrCorruptPayload):
		return KindCorruptPayload
	case errors.Is(err, session.ErrPayloadTooLarge):
		return KindPayloadTooLarge
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindUpstream
}
