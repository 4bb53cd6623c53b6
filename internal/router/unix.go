package router

import (
	"bufio"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fred-drake/carapace/internal/pipeline"
	"github.com/google/uuid"
)

// UnixSocketEndpoint is the primary, production Endpoint adapter.
// Containers dial a Unix-domain socket bind-mounted into their
// filesystem namespace. Frames are newline-delimited JSON, one
// request or response per line — the same shape as the pack's
// upstream/downstream relay sockets, but read one line at a time so a
// single malformed frame never brings the connection down.
type UnixSocketEndpoint struct {
	base

	listener *net.UnixListener
	wg       sync.WaitGroup

	connsMu sync.Mutex
	conns   map[Identity]net.Conn
}

// NewUnixSocketEndpoint constructs an unbound endpoint. deadline is
// the per-request timeout; zero selects defaultDeadline.
func NewUnixSocketEndpoint(logger *slog.Logger, deadline time.Duration) *UnixSocketEndpoint {
	e := &UnixSocketEndpoint{
		base:  newBase(logger, deadline),
		conns: make(map[Identity]net.Conn),
	}
	e.transmit = e.writeFrame
	return e
}

func (e *UnixSocketEndpoint) Bind(address string) error {
	if !e.bound.CompareAndSwap(false, true) {
		return ErrAlreadyBound
	}

	addr, err := net.ResolveUnixAddr("unix", address)
	if err != nil {
		e.bound.Store(false)
		return err
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		e.bound.Store(false)
		return err
	}
	e.listener = listener
	e.closed.Store(false)

	e.wg.Add(1)
	go e.acceptLoop()
	return nil
}

func (e *UnixSocketEndpoint) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if e.closed.Load() {
				return
			}
			e.logger.Warn("router: unix accept error", "error", err)
			return
		}
		identity := Identity(uuid.NewString())
		e.connsMu.Lock()
		e.conns[identity] = conn
		e.connsMu.Unlock()

		e.wg.Add(1)
		go e.readLoop(identity, conn)
	}
}

func (e *UnixSocketEndpoint) readLoop(identity Identity, conn net.Conn) {
	defer e.wg.Done()
	defer e.dropConn(identity, conn)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		e.deliver(identity, frame)
	}
	if err := scanner.Err(); err != nil {
		e.logger.Debug("router: unix connection read error", "identity", identity, "error", err)
	}
}

func (e *UnixSocketEndpoint) dropConn(identity Identity, conn net.Conn) {
	e.connsMu.Lock()
	delete(e.conns, identity)
	e.connsMu.Unlock()
	_ = conn.Close()
	e.pending.removeIdentity(identity)
}

func (e *UnixSocketEndpoint) writeFrame(identity Identity, payload []byte) error {
	e.connsMu.Lock()
	conn, ok := e.conns[identity]
	e.connsMu.Unlock()
	if !ok {
		return ErrIdentityMismatch
	}
	payload = append(payload, '\n')
	_, err := conn.Write(payload)
	return err
}

func (e *UnixSocketEndpoint) SendResponse(identity Identity, response pipeline.ResponseEnvelope) error {
	return e.sendResponse(identity, response)
}

func (e *UnixSocketEndpoint) Close() error {
	e.close()
	if e.listener != nil {
		_ = e.listener.Close()
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
