package upstream

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// maxLineSize bounds one JSON-RPC line from the sidecar.
const maxLineSize = 64 << 20

// stdioTransport runs the sidecar as a child process speaking
// newline-delimited JSON-RPC on stdin/stdout.
type stdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	logger *slog.Logger
	mux    *mux
	mu     sync.Mutex
}

// NewStdioClient spawns the sidecar process and returns a client over its pipes
func NewStdioClient(argv []string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty sidecar command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start sidecar process: %w", err)
	}

	t := &stdioTransport{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		logger: logger,
	}
	t.mux = newMux("stdio", t.writeLine, logger)

	go t.readLoop()
	go t.logStderr()

	logger.Info("started upstream stdio client", "command", argv[0])

	return &Client{
		name:   "stdio",
		rpc:    t.mux,
		events: t.mux.events,
		closer: t.close,
		logger: logger,
	}, nil
}

func (t *stdioTransport) writeLine(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.stdin.Write(append(data, '\n'))
	return err
}

func (t *stdioTransport) readLoop() {
	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		t.mux.handle(scanner.Bytes())
	}
	t.mux.shutdown(scanner.Err())
}

// logStderr logs stderr output from the sidecar process
func (t *stdioTransport) logStderr() {
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		t.logger.Warn("sidecar stderr", "message", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.logger.Debug("error reading sidecar stderr", "error", err)
	}
}

func (t *stdioTransport) close() error {
	t.mux.halt()
	t.stdin.Close()

	// Kill process; the closed stdout ends readLoop
	if t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil {
			t.logger.Warn("failed to kill sidecar process", "error", err)
		}
		t.cmd.Wait() // Clean up zombie process
	}
	return nil
}
