package session

import "errors"

// State is the session lifecycle position.
type State int

const (
	StateUninitialized State = iota
	StateAwaitingAuth
	StateAuthenticated
	StateReady
	StateDisconnected
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

var (
	ErrNotReady        = errors.New("session: not ready")
	ErrNotFound        = errors.New("session: chat not found")
	ErrCorruptPayload  = errors.New("session: media payload is too small, possibly corrupted")
	ErrPayloadTooLarge = errors.New("session: media payload exceeds maximum size")
	ErrUpstream        = errors.New("session: upstream failure")
)
