// Package testingutils provides an in-memory Transport for exercising the
// protocol and session layers without a child process.
package testingutils

import (
	"context"
	"sync"

	"github.com/effective-security/mcpchat/mcp/transport"
)

// MockTransport implements transport.Transport in memory. Tests inspect the
// messages it recorded and synthesize server replies either through
// RequestResponder or by calling DeliverMessage directly.
type MockTransport struct {
	mu             sync.RWMutex
	started        bool
	closed         bool
	messages       []*transport.BaseJsonRpcMessage
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
	sendErr        error

	// RequestResponder, when set, is invoked for every outgoing request and
	// its reply is delivered back asynchronously, mimicking a live server.
	RequestResponder func(request *transport.BaseJSONRPCRequest) *transport.BaseJsonRpcMessage
}

// NewMockTransport creates an idle mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// Start implements Transport.Start.
func (t *MockTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	return nil
}

// Send implements Transport.Send, recording the message.
func (t *MockTransport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.mu.Lock()
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return err
	}
	t.messages = append(t.messages, message)
	responder := t.RequestResponder
	t.mu.Unlock()

	if message.Type == transport.BaseMessageTypeJSONRPCRequestType && responder != nil {
		if reply := responder(message.JsonRpcRequest); reply != nil {
			go t.DeliverMessage(reply)
		}
	}
	return nil
}

// Close implements Transport.Close.
func (t *MockTransport) Close() error {
	t.mu.Lock()
	alreadyClosed := t.closed
	t.closed = true
	handler := t.closeHandler
	t.mu.Unlock()

	if !alreadyClosed && handler != nil {
		handler()
	}
	return nil
}

// SetMessageHandler implements Transport.SetMessageHandler.
func (t *MockTransport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler.
func (t *MockTransport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetCloseHandler implements Transport.SetCloseHandler.
func (t *MockTransport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// GetMessages returns a snapshot of the messages sent so far.
func (t *MockTransport) GetMessages() []*transport.BaseJsonRpcMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*transport.BaseJsonRpcMessage, len(t.messages))
	copy(out, t.messages)
	return out
}

// DeliverMessage feeds a message to the registered handler, as if it arrived
// from the server.
func (t *MockTransport) DeliverMessage(message *transport.BaseJsonRpcMessage) {
	t.mu.RLock()
	handler := t.messageHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(context.Background(), message)
	}
}

// TriggerError feeds a transport-level error to the registered handler.
func (t *MockTransport) TriggerError(err error) {
	t.mu.RLock()
	handler := t.errorHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

// SetSendError makes every subsequent Send fail with err.
func (t *MockTransport) SetSendError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// Started reports whether Start was called.
func (t *MockTransport) Started() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.started
}
