package upstream

import "encoding/json"

// JSON-RPC 2.0 protocol types spoken with the automation sidecar

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"` // Always "2.0"
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// envelope is any inbound line: a response (has id) or a notification (has method).
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *string         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Sidecar JSON-RPC methods
const (
	MethodInitialize    = "initialize"
	MethodDestroy       = "destroy"
	MethodGetContacts   = "getContacts"
	MethodGetChats      = "getChats"
	MethodFetchMessages = "fetchMessages"
	MethodSendMessage   = "sendMessage"

	// MethodEvent is the only notification the sidecar emits.
	MethodEvent = "event"
)

// Error codes returned by the sidecar beyond the JSON-RPC reserved range
const (
	CodeChatNotFound = -32004
)

// InitializeParams represents parameters for initialize request
type InitializeParams struct {
	ClientInfo ClientInfo `json:"clientInfo"`
}

// ClientInfo contains client identification
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult represents result from initialize request
type InitializeResult struct {
	ServerInfo ServerInfo `json:"serverInfo"`
}

// ServerInfo contains sidecar identification
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// FetchMessagesParams represents parameters for fetchMessages request
type FetchMessagesParams struct {
	ChatID string `json:"chatId"`
	Limit  int    `json:"limit"`
}

// SendMessageParams represents parameters for sendMessage request
type SendMessageParams struct {
	ChatID  string      `json:"chatId"`
	Content string      `json:"content,omitempty"`
	Media   *Media      `json:"media,omitempty"`
	Options SendOptions `json:"options"`
}

// eventParams is the params object of an "event" notification
type eventParams struct {
	Type    EventType       `json:"type"`
	QR      string          `json:"qr,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}
