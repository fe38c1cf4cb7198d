// Package transport defines the JSON-RPC 2.0 message types and the Transport
// interface the MCP session rides on. A Transport owns one duplex byte channel
// to a tool-hosting server and delivers decoded messages to a single handler.
package transport

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// RequestId is a JSON-RPC request identifier, unique per in-flight request.
type RequestId int64

// JsonRpcBody is the payload of a JSON-RPC result.
type JsonRpcBody any

// BaseJSONRPCRequest is a JSON-RPC request that expects a response.
type BaseJSONRPCRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Id      RequestId       `json:"id"`
}

// BaseJSONRPCNotification is a one-way JSON-RPC message.
type BaseJSONRPCNotification struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// BaseJSONRPCResponse is a successful JSON-RPC response.
type BaseJSONRPCResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Id      RequestId       `json:"id"`
}

// BaseJSONRPCErrorInner carries the error code and message of an error response.
type BaseJSONRPCErrorInner struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// BaseJSONRPCError is a JSON-RPC error response.
type BaseJSONRPCError struct {
	Jsonrpc string                `json:"jsonrpc"`
	Error   BaseJSONRPCErrorInner `json:"error"`
	Id      RequestId             `json:"id"`
}

// BaseMessageType discriminates the variants of BaseJsonRpcMessage.
type BaseMessageType string

const (
	BaseMessageTypeJSONRPCRequestType      BaseMessageType = "request"
	BaseMessageTypeJSONRPCNotificationType BaseMessageType = "notification"
	BaseMessageTypeJSONRPCResponseType     BaseMessageType = "response"
	BaseMessageTypeJSONRPCErrorType        BaseMessageType = "error"
)

// BaseJsonRpcMessage is the closed union over the four JSON-RPC message kinds.
// Exactly one of the pointer fields is set, matching Type.
type BaseJsonRpcMessage struct {
	Type                BaseMessageType
	JsonRpcRequest      *BaseJSONRPCRequest
	JsonRpcNotification *BaseJSONRPCNotification
	JsonRpcResponse     *BaseJSONRPCResponse
	JsonRpcError        *BaseJSONRPCError
}

// NewBaseMessageRequest wraps a request into a BaseJsonRpcMessage.
func NewBaseMessageRequest(request *BaseJSONRPCRequest) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:           BaseMessageTypeJSONRPCRequestType,
		JsonRpcRequest: request,
	}
}

// NewBaseMessageNotification wraps a notification into a BaseJsonRpcMessage.
func NewBaseMessageNotification(notification *BaseJSONRPCNotification) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:                BaseMessageTypeJSONRPCNotificationType,
		JsonRpcNotification: notification,
	}
}

// NewBaseMessageResponse wraps a response into a BaseJsonRpcMessage.
func NewBaseMessageResponse(response *BaseJSONRPCResponse) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:            BaseMessageTypeJSONRPCResponseType,
		JsonRpcResponse: response,
	}
}

// NewBaseMessageError wraps an error response into a BaseJsonRpcMessage.
func NewBaseMessageError(errorResponse *BaseJSONRPCError) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:         BaseMessageTypeJSONRPCErrorType,
		JsonRpcError: errorResponse,
	}
}

// MessageID returns the request ID carried by the message, or -1 for
// notifications.
func (m *BaseJsonRpcMessage) MessageID() RequestId {
	switch m.Type {
	case BaseMessageTypeJSONRPCRequestType:
		return m.JsonRpcRequest.Id
	case BaseMessageTypeJSONRPCResponseType:
		return m.JsonRpcResponse.Id
	case BaseMessageTypeJSONRPCErrorType:
		return m.JsonRpcError.Id
	default:
		return RequestId(-1)
	}
}

// MarshalJSON marshals the active variant.
func (m *BaseJsonRpcMessage) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case BaseMessageTypeJSONRPCRequestType:
		return json.Marshal(m.JsonRpcRequest)
	case BaseMessageTypeJSONRPCNotificationType:
		return json.Marshal(m.JsonRpcNotification)
	case BaseMessageTypeJSONRPCResponseType:
		return json.Marshal(m.JsonRpcResponse)
	case BaseMessageTypeJSONRPCErrorType:
		return json.Marshal(m.JsonRpcError)
	default:
		return nil, errors.Errorf("unknown message type: %q", m.Type)
	}
}

// probe is used to classify an incoming message before decoding it fully.
// Per JSON-RPC 2.0: a method with an id is a request, a method without an id
// is a notification, an error member is an error response, and a result with
// an id is a response.
type probe struct {
	Method string           `json:"method"`
	Id     *RequestId       `json:"id"`
	Result *json.RawMessage `json:"result"`
	Error  *json.RawMessage `json:"error"`
}

// UnmarshalMessage decodes a raw JSON-RPC message into the matching variant.
func UnmarshalMessage(data []byte) (*BaseJsonRpcMessage, error) {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "malformed JSON-RPC message")
	}

	switch {
	case p.Method != "" && p.Id != nil:
		var request BaseJSONRPCRequest
		if err := json.Unmarshal(data, &request); err != nil {
			return nil, errors.Wrap(err, "malformed JSON-RPC request")
		}
		return NewBaseMessageRequest(&request), nil
	case p.Method != "":
		var notification BaseJSONRPCNotification
		if err := json.Unmarshal(data, &notification); err != nil {
			return nil, errors.Wrap(err, "malformed JSON-RPC notification")
		}
		return NewBaseMessageNotification(&notification), nil
	case p.Error != nil:
		var errorResponse BaseJSONRPCError
		if err := json.Unmarshal(data, &errorResponse); err != nil {
			return nil, errors.Wrap(err, "malformed JSON-RPC error")
		}
		return NewBaseMessageError(&errorResponse), nil
	case p.Result != nil && p.Id != nil:
		var response BaseJSONRPCResponse
		if err := json.Unmarshal(data, &response); err != nil {
			return nil, errors.Wrap(err, "malformed JSON-RPC response")
		}
		return NewBaseMessageResponse(&response), nil
	default:
		return nil, errors.New("unrecognized JSON-RPC message shape")
	}
}

// Transport is a duplex channel carrying JSON-RPC messages to a tool-hosting
// server. Implementations own the underlying byte streams; Close releases
// them and must be idempotent.
type Transport interface {
	// Start opens the channel and begins delivering incoming messages to the
	// registered message handler.
	Start(ctx context.Context) error
	// Send transmits one message.
	Send(ctx context.Context, message *BaseJsonRpcMessage) error
	// Close tears the channel down.
	Close() error

	SetMessageHandler(handler func(ctx context.Context, message *BaseJsonRpcMessage))
	SetErrorHandler(handler func(error))
	SetCloseHandler(handler func())
}
