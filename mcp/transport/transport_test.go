package transport_test

import (
	"encoding/json"
	"testing"

	"github.com/effective-security/mcpchat/mcp/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalMessage_Request(t *testing.T) {
	msg, err := transport.UnmarshalMessage([]byte(`{"jsonrpc":"2.0","method":"tools/list","params":{"cursor":"abc"},"id":7}`))
	require.NoError(t, err)
	assert.Equal(t, transport.BaseMessageTypeJSONRPCRequestType, msg.Type)
	require.NotNil(t, msg.JsonRpcRequest)
	assert.Equal(t, "tools/list", msg.JsonRpcRequest.Method)
	assert.Equal(t, transport.RequestId(7), msg.MessageID())
}

func TestUnmarshalMessage_Notification(t *testing.T) {
	msg, err := transport.UnmarshalMessage([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	assert.Equal(t, transport.BaseMessageTypeJSONRPCNotificationType, msg.Type)
	require.NotNil(t, msg.JsonRpcNotification)
	assert.Equal(t, "notifications/initialized", msg.JsonRpcNotification.Method)
	assert.Equal(t, transport.RequestId(-1), msg.MessageID())
}

func TestUnmarshalMessage_Response(t *testing.T) {
	msg, err := transport.UnmarshalMessage([]byte(`{"jsonrpc":"2.0","result":{"tools":[]},"id":3}`))
	require.NoError(t, err)
	assert.Equal(t, transport.BaseMessageTypeJSONRPCResponseType, msg.Type)
	require.NotNil(t, msg.JsonRpcResponse)
	assert.Equal(t, transport.RequestId(3), msg.MessageID())
	assert.JSONEq(t, `{"tools":[]}`, string(msg.JsonRpcResponse.Result))
}

func TestUnmarshalMessage_Error(t *testing.T) {
	msg, err := transport.UnmarshalMessage([]byte(`{"jsonrpc":"2.0","error":{"code":-32601,"message":"method not found"},"id":4}`))
	require.NoError(t, err)
	assert.Equal(t, transport.BaseMessageTypeJSONRPCErrorType, msg.Type)
	require.NotNil(t, msg.JsonRpcError)
	assert.Equal(t, -32601, msg.JsonRpcError.Error.Code)
	assert.Equal(t, "method not found", msg.JsonRpcError.Error.Message)
	assert.Equal(t, transport.RequestId(4), msg.MessageID())
}

func TestUnmarshalMessage_Invalid(t *testing.T) {
	_, err := transport.UnmarshalMessage([]byte(`{not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed JSON-RPC message")

	_, err = transport.UnmarshalMessage([]byte(`{"jsonrpc":"2.0"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized JSON-RPC message shape")
}

func TestMarshalJSON_Roundtrip(t *testing.T) {
	in := transport.NewBaseMessageRequest(&transport.BaseJSONRPCRequest{
		Jsonrpc: "2.0",
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"geocode"}`),
		Id:      11,
	})

	data, err := json.Marshal(in)
	require.NoError(t, err)

	out, err := transport.UnmarshalMessage(data)
	require.NoError(t, err)
	assert.Equal(t, transport.BaseMessageTypeJSONRPCRequestType, out.Type)
	assert.Equal(t, in.JsonRpcRequest.Method, out.JsonRpcRequest.Method)
	assert.Equal(t, in.JsonRpcRequest.Id, out.JsonRpcRequest.Id)
}

func TestMarshalJSON_UnknownType(t *testing.T) {
	_, err := json.Marshal(&transport.BaseJsonRpcMessage{Type: "bogus"})
	require.Error(t, err)
}
