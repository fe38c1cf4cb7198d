// Package mcp implements the client side of the MCP tool-hosting protocol:
// a Session owns one tool-hosting server child process and exposes the
// initialize / list tools / call tool operations over it.
package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpchat/mcp/internal/protocol"
	"github.com/effective-security/mcpchat/mcp/transport"
	"github.com/effective-security/mcpchat/mcp/transport/stdiotransport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpchat", "mcp")

// Session owns one tool-hosting server child process and the protocol
// connection to it. A Session must not be shared across concurrent
// conversations: the protocol is strictly request/response.
type Session struct {
	proto       *protocol.Protocol
	timeout     time.Duration
	clientInfo  Implementation
	initialized atomic.Bool
	closeOnce   sync.Once
	closeErr    error
	serverInfo  Implementation
}

type sessionOptions struct {
	external   bool
	timeout    time.Duration
	clientInfo Implementation
}

// SessionOption configures Connect.
type SessionOption func(*sessionOptions)

// WithExternalServer requests attaching to an already-running server instead
// of spawning one. This mode is declared but not implemented; Connect fails
// with ConnectError rather than silently spawning a child.
func WithExternalServer() SessionOption {
	return func(o *sessionOptions) {
		o.external = true
	}
}

// WithRequestTimeout bounds each protocol round-trip.
func WithRequestTimeout(d time.Duration) SessionOption {
	return func(o *sessionOptions) {
		o.timeout = d
	}
}

// WithClientInfo overrides the client identification sent in the handshake.
func WithClientInfo(name, version string) SessionOption {
	return func(o *sessionOptions) {
		o.clientInfo = Implementation{Name: name, Version: version}
	}
}

// interpreterFor resolves the runtime that launches the server script. An
// unrecognized extension is a configuration error, not a default.
func interpreterFor(serverPath string) (string, error) {
	switch filepath.Ext(serverPath) {
	case ".py":
		return "python", nil
	case ".js":
		return "node", nil
	default:
		return "", errors.Newf("server script must be a .py or .js file, got %q", serverPath)
	}
}

// Connect spawns the tool-hosting server for the given script and opens the
// protocol connection over its standard streams. No child process is spawned
// when the script extension is unrecognized or external mode was requested.
func Connect(ctx context.Context, serverPath string, opts ...SessionOption) (*Session, error) {
	o := &sessionOptions{
		timeout:    protocol.DefaultRequestTimeout,
		clientInfo: Implementation{Name: "mcpchat", Version: "1.0.0"},
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.external {
		return nil, &ConnectError{Reason: "external server connections are not supported"}
	}

	command, err := interpreterFor(serverPath)
	if err != nil {
		return nil, &ConnectError{Reason: err.Error(), cause: err}
	}

	s := &Session{
		proto:      protocol.NewProtocol(),
		timeout:    o.timeout,
		clientInfo: o.clientInfo,
	}

	tr := stdiotransport.New(command, serverPath)
	if err := s.proto.Connect(ctx, tr); err != nil {
		return nil, &ConnectError{Reason: err.Error(), cause: err}
	}

	logger.KV(xlog.DEBUG,
		"status", "connected",
		"command", command,
		"server", serverPath,
	)
	return s, nil
}

// NewSessionWithTransport opens a Session over a caller-supplied transport.
// Used by tests; Connect is the production path.
func NewSessionWithTransport(ctx context.Context, tr transport.Transport, opts ...SessionOption) (*Session, error) {
	o := &sessionOptions{
		timeout:    protocol.DefaultRequestTimeout,
		clientInfo: Implementation{Name: "mcpchat", Version: "1.0.0"},
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Session{
		proto:      protocol.NewProtocol(),
		timeout:    o.timeout,
		clientInfo: o.clientInfo,
	}
	if err := s.proto.Connect(ctx, tr); err != nil {
		return nil, &ConnectError{Reason: err.Error(), cause: err}
	}
	return s, nil
}

// Initialize performs the protocol handshake. It must complete before
// ListTools or CallTool; those fail fast with ErrNotInitialized otherwise.
func (s *Session) Initialize(ctx context.Context) error {
	req := InitializeRequest{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      s.clientInfo,
	}

	raw, err := s.request(ctx, "initialize", req)
	if err != nil {
		return &ProtocolError{Op: "initialize", cause: err}
	}

	var res InitializeResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return &ProtocolError{Op: "initialize", cause: errors.Wrap(err, "malformed initialize result")}
	}
	s.serverInfo = res.ServerInfo

	if err := s.proto.Notification("notifications/initialized", struct{}{}); err != nil {
		return &ProtocolError{Op: "initialize", cause: err}
	}

	s.initialized.Store(true)
	logger.KV(xlog.INFO,
		"status", "initialized",
		"server_name", res.ServerInfo.Name,
		"server_version", res.ServerInfo.Version,
		"protocol_version", res.ProtocolVersion,
	)
	return nil
}

// ServerInfo returns the server identification from the handshake.
func (s *Session) ServerInfo() Implementation {
	return s.serverInfo
}

// ListTools fetches the tools the server declares, following pagination.
// The server's order is preserved.
func (s *Session) ListTools(ctx context.Context) ([]Tool, error) {
	if !s.initialized.Load() {
		return nil, errors.WithStack(ErrNotInitialized)
	}

	var tools []Tool
	var cursor *string
	for {
		params := map[string]any{}
		if cursor != nil {
			params["cursor"] = *cursor
		}

		raw, err := s.request(ctx, "tools/list", params)
		if err != nil {
			return nil, &ProtocolError{Op: "tools/list", cause: err}
		}

		var res ToolsResponse
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, &ProtocolError{Op: "tools/list", cause: errors.Wrap(err, "malformed tools/list result")}
		}

		tools = append(tools, res.Tools...)
		if res.NextCursor == nil {
			break
		}
		cursor = res.NextCursor
	}

	logger.KV(xlog.DEBUG, "status", "listed_tools", "count", len(tools))
	return tools, nil
}

// CallTool sends one invocation and blocks until its response or a fatal
// transport error. An error reported by the tool itself and a broken
// transport surface as ToolInvocationError with different failure kinds;
// only the former is recoverable within a conversation.
func (s *Session) CallTool(ctx context.Context, name string, arguments any) (*ToolResponse, error) {
	if !s.initialized.Load() {
		return nil, errors.WithStack(ErrNotInitialized)
	}

	raw, err := s.request(ctx, "tools/call", CallToolRequest{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		return nil, &ToolInvocationError{Tool: name, Kind: FailureTransport, cause: err}
	}

	var res ToolResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &ToolInvocationError{
			Tool:  name,
			Kind:  FailureTransport,
			cause: errors.Wrap(err, "malformed tools/call result"),
		}
	}

	if res.IsError {
		return nil, &ToolInvocationError{Tool: name, Kind: FailureApplication, Message: res.Text()}
	}
	return &res, nil
}

// Close terminates the child process and releases the stream resources.
// Idempotent and safe after a prior failure.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.proto.Close()
	})
	return s.closeErr
}

func (s *Session) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return s.proto.Request(ctx, method, params, &protocol.RequestOptions{
		Timeout: s.timeout,
	})
}
