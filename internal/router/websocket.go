package router

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fred-drake/carapace/internal/pipeline"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketEndpoint is the alternate Endpoint adapter for deployments
// where the container reaches the host over loopback instead of a
// mounted Unix socket. Contract is identical to UnixSocketEndpoint;
// only the wire framing differs (one JSON object per WebSocket
// message, rather than one per line).
type WebSocketEndpoint struct {
	base

	upgrader websocket.Upgrader
	server   *http.Server

	connsMu sync.Mutex
	conns   map[Identity]*websocket.Conn

	wg sync.WaitGroup
}

// NewWebSocketEndpoint constructs an unbound endpoint. deadline is the
// per-request timeout; zero selects defaultDeadline.
func NewWebSocketEndpoint(logger *slog.Logger, deadline time.Duration) *WebSocketEndpoint {
	e := &WebSocketEndpoint{
		base:     newBase(logger, deadline),
		upgrader: websocket.Upgrader{ReadBufferSize: 64 * 1024, WriteBufferSize: 64 * 1024},
		conns:    make(map[Identity]*websocket.Conn),
	}
	e.transmit = e.writeFrame
	return e
}

// Bind starts an HTTP server at address whose only route upgrades to
// a WebSocket connection.
func (e *WebSocketEndpoint) Bind(address string) error {
	if !e.bound.CompareAndSwap(false, true) {
		return ErrAlreadyBound
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", e.handleUpgrade)
	e.server = &http.Server{Addr: address, Handler: mux}
	e.closed.Store(false)

	ln, err := net.Listen("tcp", address)
	if err != nil {
		e.bound.Store(false)
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = e.server.Serve(ln)
	}()
	return nil
}

func (e *WebSocketEndpoint) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn("router: websocket upgrade failed", "error", err)
		return
	}
	identity := Identity(uuid.NewString())
	e.connsMu.Lock()
	e.conns[identity] = conn
	e.connsMu.Unlock()

	e.wg.Add(1)
	go e.readLoop(identity, conn)
}

func (e *WebSocketEndpoint) readLoop(identity Identity, conn *websocket.Conn) {
	defer e.wg.Done()
	defer e.dropConn(identity, conn)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			e.logger.Debug("router: websocket connection closed", "identity", identity, "error", err)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		e.deliver(identity, data)
	}
}

func (e *WebSocketEndpoint) dropConn(identity Identity, conn *websocket.Conn) {
	e.connsMu.Lock()
	delete(e.conns, identity)
	e.connsMu.Unlock()
	_ = conn.Close()
	e.pending.removeIdentity(identity)
}

func (e *WebSocketEndpoint) writeFrame(identity Identity, payload []byte) error {
	e.connsMu.Lock()
	conn, ok := e.conns[identity]
	e.connsMu.Unlock()
	if !ok {
		return ErrIdentityMismatch
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (e *WebSocketEndpoint) SendResponse(identity Identity, response pipeline.ResponseEnvelope) error {
	return e.sendResponse(identity, response)
}

func (e *WebSocketEndpoint) Close() error {
	e.close()
	if e.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.server.Shutdown(ctx)
	}
	e.connsMu.Lock()
	for identity, conn := range e.conns {
		_ = conn.Close()
		delete(e.conns, identity)
	}
	e.connsMu.Unlock()
	e.wg.Wait()
	return nil
}
