package router

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fred-drake/carapace/internal/pipeline"
)

// transmitFunc writes an already-marshaled frame to the connection
// identified by identity. Supplied by each concrete adapter.
type transmitFunc func(identity Identity, payload []byte) error

// base holds the bookkeeping common to every Endpoint implementation:
// bound/closed state, the registered callbacks, the shared pending
// table, and the deadline applied to new registrations.
type base struct {
	logger   *slog.Logger
	deadline time.Duration

	bound  atomic.Bool
	closed atomic.Bool

	mu        sync.RWMutex
	onRequest RequestFunc
	onTimeout TimeoutFunc

	pending   *pendingTable
	transmit  transmitFunc
}

func newBase(logger *slog.Logger, deadline time.Duration) base {
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	if logger == nil {
		logger = slog.Default()
	}
	return base{
		logger:   logger,
		deadline: deadline,
		pending:  newPendingTable(),
	}
}

func (b *base) OnRequest(fn RequestFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRequest = fn
}

func (b *base) OnTimeout(fn TimeoutFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTimeout = fn
}

// deliver decodes a raw frame, registers the pending entry, and
// invokes the request callback. A decode failure is dropped silently
// (warn-logged) since the correlation — and therefore the identity to
// reply to — cannot be trusted.
func (b *base) deliver(identity Identity, raw []byte) {
	var wire pipeline.Wire
	if err := json.Unmarshal(raw, &wire); err != nil {
		b.logger.Warn("router: dropping malformed frame", "error", err, "identity", identity)
		return
	}
	if wire.Correlation == "" {
		b.logger.Warn("router: dropping frame with empty correlation", "identity", identity)
		return
	}

	b.mu.RLock()
	onRequest := b.onRequest
	onTimeout := b.onTimeout
	b.mu.RUnlock()

	b.pending.register(identity, wire.Correlation, b.deadline, func(correlation string, identity Identity) {
		b.logger.Warn("router: request deadline fired", "correlation", correlation, "identity", identity)
		if onTimeout != nil {
			onTimeout(correlation, identity)
		}
	})

	if onRequest != nil {
		onRequest(identity, wire)
	}
}

// sendResponse implements the shared half of Endpoint.SendResponse:
// state checks, pending-table resolution, and marshaling. The actual
// byte transmission is delegated to b.transmit.
func (b *base) sendResponse(identity Identity, response pipeline.ResponseEnvelope) error {
	if !b.bound.Load() || b.closed.Load() {
		return ErrNotBound
	}
	if err := b.pending.resolve(identity, response.Correlation); err != nil {
		return err
	}

	payload, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("router: marshal response: %w", err)
	}

	return b.transmit(identity, payload)
}

func (b *base) close() {
	b.closed.Store(true)
	b.pending.closeAll()
}
