// Package stdiotransport implements the MCP transport over the standard
// streams of a child process. The transport owns exactly one child: Start
// spawns it and begins reading newline-delimited JSON-RPC messages from its
// stdout; Send writes one message per line to its stdin; Close terminates it.
package stdiotransport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpchat/mcp/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpchat/mcp/transport", "stdiotransport")

// Scanner limit for a single message line. Tool results can be large.
const maxMessageSize = 4 * 1024 * 1024

// Grace period between closing stdin and killing the child on Close.
const shutdownTimeout = 2 * time.Second

// StdioTransport implements transport.Transport over a child process.
type StdioTransport struct {
	command string
	args    []string

	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
	mu             sync.RWMutex

	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.Reader
	writeMu    sync.Mutex
	closeOnce  sync.Once
	notifyOnce sync.Once
	started    bool
}

// New creates a transport that will launch the given command on Start.
func New(command string, args ...string) *StdioTransport {
	return &StdioTransport{
		command: command,
		args:    args,
	}
}

// Start implements Transport.Start: it spawns the child process and starts
// the reader loop over its stdout.
func (t *StdioTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return errors.New("stdio transport already started")
	}

	cmd := exec.Command(t.command, t.args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to start %q", t.command)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.started = true

	logger.KV(xlog.DEBUG,
		"status", "started",
		"command", t.command,
		"pid", cmd.Process.Pid,
	)

	go t.readLoop(ctx, stdout)
	return nil
}

// Send implements Transport.Send: one message, one line.
func (t *StdioTransport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.mu.RLock()
	stdin := t.stdin
	t.mu.RUnlock()
	if stdin == nil {
		return errors.New("stdio transport not started")
	}

	data, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := stdin.Write(data); err != nil {
		return errors.Wrap(err, "failed to write to server stdin")
	}
	return nil
}

// Close implements Transport.Close. It is idempotent: the child is reaped at
// most once, and calling Close again is a no-op.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.RLock()
		stdin := t.stdin
		cmd := t.cmd
		t.mu.RUnlock()

		if stdin != nil {
			_ = stdin.Close()
		}
		if cmd != nil && cmd.Process != nil {
			waited := make(chan struct{})
			go func() {
				_, _ = cmd.Process.Wait()
				close(waited)
			}()
			select {
			case <-waited:
			case <-time.After(shutdownTimeout):
				_ = cmd.Process.Kill()
				<-waited
			}
			logger.KV(xlog.DEBUG, "status", "closed", "command", t.command)
		}
		t.notifyClose()
	})
	return nil
}

// notifyClose fires the close handler exactly once, whether the transport is
// closed locally or the child exits on its own.
func (t *StdioTransport) notifyClose() {
	t.notifyOnce.Do(func() {
		t.mu.RLock()
		handler := t.closeHandler
		t.mu.RUnlock()
		if handler != nil {
			handler()
		}
	})
}

// SetMessageHandler implements Transport.SetMessageHandler.
func (t *StdioTransport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler.
func (t *StdioTransport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetCloseHandler implements Transport.SetCloseHandler.
func (t *StdioTransport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

func (t *StdioTransport) readLoop(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		message, err := transport.UnmarshalMessage(line)
		if err != nil {
			t.handleError(err)
			continue
		}

		t.mu.RLock()
		handler := t.messageHandler
		t.mu.RUnlock()
		if handler != nil {
			handler(ctx, message)
		}
	}

	if err := scanner.Err(); err != nil {
		t.handleError(errors.Wrap(err, "failed to read from server stdout"))
	}

	// stdout reached EOF: the child exited or closed its side.
	t.notifyClose()
}

func (t *StdioTransport) handleError(err error) {
	logger.KV(xlog.WARNING, "err", err.Error())
	t.mu.RLock()
	handler := t.errorHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}
