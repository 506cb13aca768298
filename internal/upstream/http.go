package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// httpTransport posts requests to <base>/rpc and reads notifications from
// the Server-Sent Events stream at <base>/events.
type httpTransport struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	mux        *mux
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewHTTPClient creates a client for a sidecar exposing HTTP endpoints
func NewHTTPClient(baseURL string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &httpTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0, // No timeout for SSE streams
		},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	// requests never travel through the mux; it only decodes the event stream
	t.mux = newMux("http", nil, logger)

	resp, err := t.openEvents()
	if err != nil {
		cancel()
		return nil, err
	}
	go t.readEvents(resp)

	logger.Info("created upstream HTTP client", "url", baseURL)
	return &Client{
		name:   "http",
		rpc:    t,
		events: t.mux.events,
		closer: t.close,
		logger: logger,
	}, nil
}

func (t *httpTransport) openEvents() (*http.Response, error) {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.baseURL+"/events", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create event stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("event stream HTTP error %d: %s", resp.StatusCode, string(body))
	}
	return resp, nil
}

// readEvents parses the SSE stream; each event's data is one JSON-RPC notification.
func (t *httpTransport) readEvents(resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				t.mux.handle(data.Bytes())
				data.Reset()
			}
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	err := scanner.Err()
	if errors.Is(err, context.Canceled) || t.ctx.Err() != nil {
		err = nil
	}
	t.mux.shutdown(err)
}

func (t *httpTransport) exchange(ctx context.Context, request JSONRPCRequest) (JSONRPCResponse, error) {
	if t.ctx.Err() != nil {
		return JSONRPCResponse{}, ErrClosed
	}

	requestJSON, err := json.Marshal(request)
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/rpc", bytes.NewReader(requestJSON))
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return JSONRPCResponse{}, ctx.Err()
		}
		return JSONRPCResponse{}, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		return JSONRPCResponse{}, fmt.Errorf("HTTP error %d: %s", httpResp.StatusCode, string(body))
	}

	var response JSONRPCResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return JSONRPCResponse{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return response, nil
}

func (t *httpTransport) close() error {
	t.mux.halt()
	t.cancel()
	return nil
}
