package protocol_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/effective-security/mcpchat/mcp/internal/protocol"
	"github.com/effective-security/mcpchat/mcp/internal/testingutils"
	"github.com/effective-security/mcpchat/mcp/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, tr *testingutils.MockTransport) *protocol.Protocol {
	t.Helper()
	p := protocol.NewProtocol()
	require.NoError(t, p.Connect(context.Background(), tr))
	require.True(t, tr.Started())
	return p
}

func TestRequest_Correlation(t *testing.T) {
	tr := testingutils.NewMockTransport()
	tr.RequestResponder = func(req *transport.BaseJSONRPCRequest) *transport.BaseJsonRpcMessage {
		return transport.NewBaseMessageResponse(&transport.BaseJSONRPCResponse{
			Jsonrpc: "2.0",
			Result:  json.RawMessage(`{"ok":true}`),
			Id:      req.Id,
		})
	}
	p := connect(t, tr)

	res, err := p.Request(context.Background(), "initialize", map[string]any{"a": 1}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res))

	msgs := tr.GetMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "initialize", msgs[0].JsonRpcRequest.Method)
	assert.JSONEq(t, `{"a":1}`, string(msgs[0].JsonRpcRequest.Params))

	// IDs increment per request
	_, err = p.Request(context.Background(), "tools/list", struct{}{}, nil)
	require.NoError(t, err)
	msgs = tr.GetMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, msgs[0].JsonRpcRequest.Id+1, msgs[1].JsonRpcRequest.Id)
}

func TestRequest_ErrorResponse(t *testing.T) {
	tr := testingutils.NewMockTransport()
	tr.RequestResponder = func(req *transport.BaseJSONRPCRequest) *transport.BaseJsonRpcMessage {
		return transport.NewBaseMessageError(&transport.BaseJSONRPCError{
			Jsonrpc: "2.0",
			Error: transport.BaseJSONRPCErrorInner{
				Code:    -32601,
				Message: "method not found",
			},
			Id: req.Id,
		})
	}
	p := connect(t, tr)

	_, err := p.Request(context.Background(), "bogus", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RPC error -32601: method not found")
}

func TestRequest_Timeout(t *testing.T) {
	tr := testingutils.NewMockTransport()
	p := connect(t, tr)

	_, err := p.Request(context.Background(), "initialize", nil, &protocol.RequestOptions{
		Timeout: 20 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")

	// a cancellation notification follows the unanswered request
	msgs := tr.GetMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, transport.BaseMessageTypeJSONRPCNotificationType, msgs[1].Type)
	assert.Equal(t, "notifications/cancelled", msgs[1].JsonRpcNotification.Method)
}

func TestRequest_ContextCancelled(t *testing.T) {
	tr := testingutils.NewMockTransport()
	p := connect(t, tr)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := p.Request(ctx, "initialize", nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRequest_SendFailure(t *testing.T) {
	tr := testingutils.NewMockTransport()
	p := connect(t, tr)
	tr.SetSendError(assert.AnError)

	_, err := p.Request(context.Background(), "initialize", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to send request")
}

func TestRequest_NotConnected(t *testing.T) {
	p := protocol.NewProtocol()
	_, err := p.Request(context.Background(), "initialize", nil, nil)
	assert.EqualError(t, err, "not connected")
	assert.EqualError(t, p.Notification("x", nil), "not connected")
	assert.NoError(t, p.Close())
}

func TestNotificationHandler(t *testing.T) {
	tr := testingutils.NewMockTransport()
	p := connect(t, tr)

	received := make(chan *transport.BaseJSONRPCNotification, 1)
	p.SetNotificationHandler("notifications/progress", func(n *transport.BaseJSONRPCNotification) error {
		received <- n
		return nil
	})

	tr.DeliverMessage(transport.NewBaseMessageNotification(&transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  "notifications/progress",
		Params:  json.RawMessage(`{"progress":50}`),
	}))

	select {
	case n := <-received:
		assert.JSONEq(t, `{"progress":50}`, string(n.Params))
	case <-time.After(time.Second):
		t.Fatal("notification handler not invoked")
	}
}

func TestClose_FailsPendingRequests(t *testing.T) {
	tr := testingutils.NewMockTransport()
	p := connect(t, tr)

	done := make(chan error, 1)
	go func() {
		_, err := p.Request(context.Background(), "tools/call", nil, nil)
		done <- err
	}()

	// wait for the request to be registered before closing
	require.Eventually(t, func() bool {
		return len(tr.GetMessages()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close())

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection closed")
	case <-time.After(time.Second):
		t.Fatal("pending request not failed on close")
	}
}
