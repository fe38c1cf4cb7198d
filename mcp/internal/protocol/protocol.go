// Package protocol implements JSON-RPC request/response correlation on top of
// a pluggable transport: request ID allocation, response matching via
// channels, per-request timeouts, cancellation notifications, and dispatch of
// server-sent notifications. The protocol is strictly request/response from
// the client's side; it never answers server-initiated requests.
package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpchat/mcp/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpchat/mcp/internal", "protocol")

// DefaultRequestTimeout bounds every round-trip so a stuck server cannot hang
// the conversation forever.
const DefaultRequestTimeout = 60 * time.Second

// RequestOptions contains options that can be given per request.
type RequestOptions struct {
	// Context can be used to cancel an in-flight request.
	Context context.Context
	// Timeout overrides DefaultRequestTimeout for this request.
	Timeout time.Duration
}

// Protocol correlates JSON-RPC requests with their responses over a Transport.
type Protocol struct {
	transport transport.Transport

	mu               sync.RWMutex
	requestMessageID transport.RequestId
	// Maps message ID to the channel awaiting its response.
	responseHandlers map[transport.RequestId]chan *responseEnvelope
	// Maps method name to notification handler.
	notificationHandlers map[string]func(notification *transport.BaseJSONRPCNotification) error

	// Callback for when the connection is closed for any reason.
	OnClose func()
	// Callback for when a transport-level error occurs.
	OnError func(error)
}

type responseEnvelope struct {
	response json.RawMessage
	err      error
}

// NewProtocol creates a new Protocol instance.
func NewProtocol() *Protocol {
	return &Protocol{
		responseHandlers:     make(map[transport.RequestId]chan *responseEnvelope),
		notificationHandlers: make(map[string]func(*transport.BaseJSONRPCNotification) error),
	}
}

// Connect attaches to the given transport, registers the message handlers and
// starts it.
func (p *Protocol) Connect(ctx context.Context, tr transport.Transport) error {
	p.transport = tr

	tr.SetCloseHandler(func() {
		p.handleClose()
	})

	tr.SetErrorHandler(func(err error) {
		p.handleError(err)
	})

	tr.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {
		switch message.Type {
		case transport.BaseMessageTypeJSONRPCResponseType:
			p.handleResponse(message.JsonRpcResponse, nil)
		case transport.BaseMessageTypeJSONRPCErrorType:
			p.handleResponse(nil, message.JsonRpcError)
		case transport.BaseMessageTypeJSONRPCNotificationType:
			p.handleNotification(message.JsonRpcNotification)
		case transport.BaseMessageTypeJSONRPCRequestType:
			// Server-initiated requests are not part of this client's surface.
			logger.KV(xlog.DEBUG,
				"status", "ignored_server_request",
				"method", message.JsonRpcRequest.Method,
			)
		}
	})

	return tr.Start(ctx)
}

// Close closes the underlying transport.
func (p *Protocol) Close() error {
	if p.transport != nil {
		return p.transport.Close()
	}
	return nil
}

// Request sends a request and blocks until its response, a transport failure,
// cancellation, or timeout.
func (p *Protocol) Request(ctx context.Context, method string, params any, opts *RequestOptions) (json.RawMessage, error) {
	if p.transport == nil {
		return nil, errors.New("not connected")
	}

	if opts == nil {
		opts = &RequestOptions{}
	}
	if opts.Context == nil {
		opts.Context = ctx
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultRequestTimeout
	}

	p.mu.Lock()
	id := p.requestMessageID
	p.requestMessageID++
	ch := make(chan *responseEnvelope, 1)
	p.responseHandlers[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.responseHandlers, id)
		p.mu.Unlock()
	}()

	marshalledParams, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal params")
	}

	request := &transport.BaseJSONRPCRequest{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  marshalledParams,
		Id:      id,
	}

	logger.KV(xlog.DEBUG, "method", method, "id", id)

	if err := p.transport.Send(ctx, transport.NewBaseMessageRequest(request)); err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}

	select {
	case envelope := <-ch:
		if envelope.err != nil {
			return nil, envelope.err
		}
		return envelope.response, nil
	case <-opts.Context.Done():
		_ = p.sendCancelNotification(id, opts.Context.Err().Error())
		return nil, opts.Context.Err()
	case <-time.After(opts.Timeout):
		_ = p.sendCancelNotification(id, "request timeout")
		return nil, errors.Newf("request %q timed out after %v", method, opts.Timeout)
	}
}

// Notification emits a one-way message that does not expect a response.
func (p *Protocol) Notification(method string, params any) error {
	if p.transport == nil {
		return errors.New("not connected")
	}

	marshalled, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification params")
	}

	notification := &transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  marshalled,
	}

	return p.transport.Send(context.Background(), transport.NewBaseMessageNotification(notification))
}

// SetNotificationHandler registers a handler for a server-sent notification
// method.
func (p *Protocol) SetNotificationHandler(method string, handler func(notification *transport.BaseJSONRPCNotification) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notificationHandlers[method] = handler
}

func (p *Protocol) handleResponse(response *transport.BaseJSONRPCResponse, errResp *transport.BaseJSONRPCError) {
	var id transport.RequestId
	var result json.RawMessage
	var err error

	if errResp != nil {
		id = errResp.Id
		err = errors.Newf("RPC error %d: %s", errResp.Error.Code, errResp.Error.Message)
	} else {
		id = response.Id
		result = response.Result
	}

	p.mu.RLock()
	ch := p.responseHandlers[id]
	p.mu.RUnlock()

	if ch == nil {
		logger.KV(xlog.DEBUG, "status", "orphan_response", "id", id)
		return
	}
	ch <- &responseEnvelope{
		response: result,
		err:      err,
	}
}

func (p *Protocol) handleNotification(notification *transport.BaseJSONRPCNotification) {
	logger.KV(xlog.DEBUG, "method", notification.Method)

	p.mu.RLock()
	handler := p.notificationHandlers[notification.Method]
	p.mu.RUnlock()

	if handler == nil {
		return
	}
	if err := handler(notification); err != nil {
		p.handleError(errors.WithMessage(err, "notification handler error"))
	}
}

func (p *Protocol) handleClose() {
	p.mu.Lock()
	// Fail all pending requests: a closed connection will never answer them.
	for id, ch := range p.responseHandlers {
		ch <- &responseEnvelope{err: errors.New("connection closed")}
		delete(p.responseHandlers, id)
	}
	p.mu.Unlock()

	if p.OnClose != nil {
		p.OnClose()
	}
}

func (p *Protocol) handleError(err error) {
	if p.OnError != nil {
		p.OnError(err)
	}
}

func (p *Protocol) sendCancelNotification(requestID transport.RequestId, reason string) error {
	params := map[string]any{
		"requestId": requestID,
		"reason":    reason,
	}
	return p.Notification("notifications/cancelled", params)
}
