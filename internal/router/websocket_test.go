package router

import (
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/fred-drake/carapace/internal/pipeline"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func freeTCPAddress(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func dialTestWebSocket(t *testing.T, address string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s/", address)
	var conn *websocket.Conn
	var err error
	require.Eventually(t, func() bool {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	return conn
}

func TestWebSocketEndpoint_BindAlreadyBound(t *testing.T) {
	address := freeTCPAddress(t)
	e := NewWebSocketEndpoint(nil, time.Second)

	require.NoError(t, e.Bind(address))
	require.ErrorIs(t, e.Bind(address), ErrAlreadyBound)
	require.NoError(t, e.Close())
}

func TestWebSocketEndpoint_SendResponseNotBound(t *testing.T) {
	e := NewWebSocketEndpoint(nil, time.Second)
	err := e.SendResponse("some-identity", pipeline.ResponseEnvelope{Correlation: "corr-1"})
	require.ErrorIs(t, err, ErrNotBound)
}

func TestWebSocketEndpoint_RoundTrip(t *testing.T) {
	address := freeTCPAddress(t)
	e := NewWebSocketEndpoint(nil, time.Second)
	require.NoError(t, e.Bind(address))
	defer e.Close()

	var gotIdentity Identity
	received := make(chan pipeline.Wire, 1)
	identities := make(chan Identity, 1)
	e.OnRequest(func(identity Identity, wire pipeline.Wire) {
		identities <- identity
		received <- wire
	})

	conn := dialTestWebSocket(t, address)
	defer conn.Close()

	wire := pipeline.Wire{Topic: "tool.invoke.echo", Correlation: "corr-1", Arguments: map[string]any{"message": "hi"}}
	require.NoError(t, conn.WriteJSON(wire))

	select {
	case gotIdentity = <-identities:
		got := <-received
		require.Equal(t, "tool.invoke.echo", got.Topic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for request callback")
	}

	response := pipeline.ResponseEnvelope{ID: "env-1", Version: 1, Type: "response", Correlation: "corr-1", Payload: pipeline.ResponsePayload{Result: "ok"}}
	require.NoError(t, e.SendResponse(gotIdentity, response))

	var got pipeline.ResponseEnvelope
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "corr-1", got.Correlation)
	require.Equal(t, "ok", got.Payload.Result)
}

func TestWebSocketEndpoint_MalformedMessageDropped(t *testing.T) {
	address := freeTCPAddress(t)
	e := NewWebSocketEndpoint(nil, time.Second)
	require.NoError(t, e.Bind(address))
	defer e.Close()

	received := make(chan pipeline.Wire, 1)
	e.OnRequest(func(identity Identity, wire pipeline.Wire) {
		received <- wire
	})

	conn := dialTestWebSocket(t, address)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	wire := pipeline.Wire{Topic: "tool.invoke.echo", Correlation: "corr-1"}
	data, _ := json.Marshal(wire)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	select {
	case got := <-received:
		require.Equal(t, "corr-1", got.Correlation)
	case <-time.After(time.Second):
		t.Fatal("good message was never delivered after a malformed one")
	}
}

func TestWebSocketEndpoint_SendResponseNoPendingRequest(t *testing.T) {
	address := freeTCPAddress(t)
	e := NewWebSocketEndpoint(nil, time.Second)
	require.NoError(t, e.Bind(address))
	defer e.Close()

	err := e.SendResponse("nonexistent-identity", pipeline.ResponseEnvelope{Correlation: "corr-missing"})
	require.ErrorIs(t, err, ErrNoPendingRequest)
}

func TestWebSocketEndpoint_CloseIsIdempotent(t *testing.T) {
	address := freeTCPAddress(t)
	e := NewWebSocketEndpoint(nil, time.Second)
	require.NoError(t, e.Bind(address))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
}
