package realtime

import (
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/protocol"
)

const DefaultOutboxSize = 64

var (
	// ErrSlowConsumer indicates the subscriber's queue was full. The outbox is
	// closed at that point so the transport disconnects and the client resyncs.
	ErrSlowConsumer = errors.New("realtime: subscriber queue full")
	// ErrOutboxClosed indicates the subscriber is gone.
	ErrOutboxClosed = errors.New("realtime: outbox closed")
)

// Sink receives events for one connection. Deliver must not block.
type Sink interface {
	Deliver(event protocol.Event) error
}

// Outbox is a bounded FIFO Sink drained by a connection's writer.
type Outbox struct {
	mu     sync.RWMutex
	stream chan protocol.Event
	closed bool
}

// NewOutbox creates an Outbox holding up to size undelivered events.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outbox{stream: make(chan protocol.Event, size)}
}

// Deliver enqueues event or fails immediately.
func (o *Outbox) Deliver(event protocol.Event) error {
	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		return ErrOutboxClosed
	}
	select {
	case o.stream <- event:
		o.mu.RUnlock()
		return nil
	default:
	}
	o.mu.RUnlock()
	o.Close()
	return ErrSlowConsumer
}

// Events is drained by the writer; it is closed when the outbox closes.
func (o *Outbox) Events() <-chan protocol.Event {
	return o.stream
}

// Close stops further deliveries. Events already queued remain readable.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.stream)
}

// Closed reports whether the outbox accepts no more events.
func (o *Outbox) Closed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}
