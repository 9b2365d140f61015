package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/meshsched/meshsched/pkg/models"
)

// Loopback delivers messages to handlers registered in the same process
type Loopback struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
}

// NewLoopback creates an empty loopback link
func NewLoopback() *Loopback {
	return &Loopback{handlers: make(map[string]Handler)}
}

// Register installs the handler for nodeID, replacing any previous one
func (l *Loopback) Register(nodeID string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[nodeID] = h
}

// Unregister removes nodeID's handler
func (l *Loopback) Unregister(nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, nodeID)
}

// Send implements routing.Link
func (l *Loopback) Send(ctx context.Context, nodeID string, msg *models.Message) error {
	l.mu.RLock()
	h, ok := l.handlers[nodeID]
	closed := l.closed
	l.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return h(ctx, msg)
}

// Close rejects further sends
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
