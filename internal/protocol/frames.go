package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MaxFrameSize bounds one inbound frame. A maximal media payload is 16 MiB,
// which grows by a third once base64 encoded.
const MaxFrameSize = 32 << 20

// Frame types
const (
	TypeCommand  = "command"
	TypeResponse = "response"
	TypeEvent    = "event"
	TypeError    = "error"
)

// Command is a correlated request from a subscriber.
type Command struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Outbound is the tagged union sent to subscribers: exactly one of a
// response, an event or an error, as selected by Type.
type Outbound struct {
	Type      string     `json:"type"`
	ID        string     `json:"id,omitempty"`
	Command   string     `json:"command,omitempty"`
	Event     string     `json:"event,omitempty"`
	Data      any        `json:"data,omitempty"`
	Error     string     `json:"error,omitempty"`
	Code      Kind       `json:"code,omitempty"`
	Timestamp *time.Time `json:"timestamp"`
}

func now() *time.Time {
	t := time.Now().UTC()
	return &t
}

// NewResponse answers the command with the given id.
func NewResponse(id, command string, data any) Outbound {
	if data == nil {
		data = map[string]any{}
	}
	return Outbound{Type: TypeResponse, ID: id, Command: command, Data: data, Timestamp: now()}
}

// NewEvent builds an uncorrelated event frame.
func NewEvent(name string, data any) Outbound {
	if data == nil {
		data = map[string]any{}
	}
	return Outbound{Type: TypeEvent, Event: name, Data: data, Timestamp: now()}
}

// NewError builds an error frame. id is empty for protocol-level errors
// that cannot be correlated.
func NewError(id string, kind Kind, message string) Outbound {
	return Outbound{Type: TypeError, ID: id, Error: message, Code: kind, Timestamp: now()}
}

// ErrorFrom classifies err and builds the matching error frame.
func ErrorFrom(id string, err error) Outbound {
	return NewError(id, Classify(err), err.Error())
}

// DecodeCommand parses one inbound frame. Anything that is not a well-formed
// command comes back as an ErrProtocol error.
func DecodeCommand(frame []byte) (Command, error) {
	var env struct {
		Type    string          `json:"type"`
		ID      string          `json:"id"`
		Command string          `json:"command"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return Command{}, fmt.Errorf("%w: invalid JSON: %v", ErrProtocol, err)
	}
	if env.Type != TypeCommand {
		if env.Type == "" {
			return Command{}, fmt.Errorf("%w: missing type", ErrProtocol)
		}
		return Command{}, fmt.Errorf("%w: unsupported frame type %q", ErrProtocol, env.Type)
	}
	if env.Command == "" {
		return Command{}, fmt.Errorf("%w: missing command", ErrProtocol)
	}
	if env.ID == "" {
		return Command{}, fmt.Errorf("%w: missing id", ErrProtocol)
	}
	return Command{ID: env.ID, Command: env.Command, Data: env.Data}, nil
}

// Encode serialises an outbound frame.
func Encode(out Outbound) ([]byte, error) {
	return json.Marshal(out)
}
