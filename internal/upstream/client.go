package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const clientName = "chatbridge"

// exchanger performs one JSON-RPC round trip over some transport.
type exchanger interface {
	exchange(ctx context.Context, req JSONRPCRequest) (JSONRPCResponse, error)
}

// Client drives the automation sidecar. The transport is chosen at
// construction; the method set is the same for all of them.
type Client struct {
	name      string
	rpc       exchanger
	events    <-chan Event
	closer    func() error
	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

// Dial picks a transport from the endpoint form:
// "stdio:<command line>", "ws://", "wss://", "http://" or "https://".
func Dial(endpoint string, logger *slog.Logger) (*Client, error) {
	switch {
	case strings.HasPrefix(endpoint, "stdio:"):
		argv := strings.Fields(strings.TrimPrefix(endpoint, "stdio:"))
		return NewStdioClient(argv, logger)
	case strings.HasPrefix(endpoint, "ws://"), strings.HasPrefix(endpoint, "wss://"):
		return NewWebSocketClient(endpoint, logger)
	case strings.HasPrefix(endpoint, "http://"), strings.HasPrefix(endpoint, "https://"):
		return NewHTTPClient(endpoint, logger)
	default:
		return nil, fmt.Errorf("unsupported upstream endpoint %q", endpoint)
	}
}

// Name returns the transport identifier
func (c *Client) Name() string {
	return c.name
}

// Events returns the sidecar notification stream. It is closed when the
// transport goes away.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Initialize starts the sidecar's session (QR pairing or restored credentials).
func (c *Client) Initialize(ctx context.Context) error {
	params := InitializeParams{
		ClientInfo: ClientInfo{Name: clientName, Version: "1.0.0"},
	}

	var result InitializeResult
	if err := c.call(ctx, MethodInitialize, params, &result); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	c.logger.Info("upstream initialized", "transport", c.name, "server", result.ServerInfo.Name, "version", result.ServerInfo.Version)
	return nil
}

// Destroy asks the sidecar to tear its session down, then closes the transport.
// The transport is closed even when the request fails.
func (c *Client) Destroy(ctx context.Context) error {
	callErr := c.call(ctx, MethodDestroy, nil, nil)
	closeErr := c.Close()
	if callErr != nil {
		return fmt.Errorf("destroy failed: %w", callErr)
	}
	return closeErr
}

// GetContacts lists the account's contacts
func (c *Client) GetContacts(ctx context.Context) ([]Contact, error) {
	var contacts []Contact
	if err := c.call(ctx, MethodGetContacts, nil, &contacts); err != nil {
		return nil, fmt.Errorf("get contacts failed: %w", err)
	}
	return contacts, nil
}

// GetChats lists the account's conversations
func (c *Client) GetChats(ctx context.Context) ([]Chat, error) {
	var chats []Chat
	if err := c.call(ctx, MethodGetChats, nil, &chats); err != nil {
		return nil, fmt.Errorf("get chats failed: %w", err)
	}
	return chats, nil
}

// FetchMessages returns up to limit messages of one chat
func (c *Client) FetchMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	var messages []Message
	params := FetchMessagesParams{ChatID: chatID, Limit: limit}
	if err := c.call(ctx, MethodFetchMessages, params, &messages); err != nil {
		return nil, fmt.Errorf("fetch messages failed: %w", err)
	}
	return messages, nil
}

// SendMessage sends text or media to a chat and returns the sent record
func (c *Client) SendMessage(ctx context.Context, chatID string, content Content, opts SendOptions) (Message, error) {
	params := SendMessageParams{
		ChatID:  chatID,
		Content: content.Text,
		Media:   content.Media,
		Options: opts,
	}

	var sent Message
	if err := c.call(ctx, MethodSendMessage, params, &sent); err != nil {
		return Message{}, fmt.Errorf("send message failed: %w", err)
	}
	return sent, nil
}

// Close disconnects from the sidecar
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.closer()
		c.logger.Info("closed upstream client", "transport", c.name)
	})
	return c.closeErr
}

// call sends a JSON-RPC request and decodes its result
func (c *Client) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	request := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	}

	response, err := c.rpc.exchange(ctx, request)
	if err != nil {
		return err
	}

	if response.Error != nil {
		if response.Error.Code == CodeChatNotFound {
			return fmt.Errorf("%w: %s", ErrChatNotFound, response.Error.Message)
		}
		return response.Error
	}

	if result != nil && len(response.Result) > 0 {
		if err := json.Unmarshal(response.Result, result); err != nil {
			return fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return nil
}

// Error implements error
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}
