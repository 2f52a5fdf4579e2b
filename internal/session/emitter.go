package session

import (
	"context"
	"sync"
	"time"
)

// Event names pushed on the per-session stream.
const (
	EventConnected     = "connected"
	EventCaptionResult = "caption_result"
	EventCaptionError  = "caption_error"
	EventMicState      = "mic_state"
	EventSessionClosed = "session_closed"
)

// subscriberSendTimeout bounds how long a publish waits on one slow
// subscriber before dropping the event for it.
const subscriberSendTimeout = 100 * time.Millisecond

// Event is one frame on a session's event stream.
type Event struct {
	Name string
	Data any
}

// Subscriber is one client's attachment to a session's event stream.
// The channel is buffered so bursts don't block the delivery worker; a
// subscriber that cannot keep up misses events rather than stalling the
// session or its peers.
type Subscriber struct {
	ID string
	Ch chan Event

	ctx    context.Context
	cancel context.CancelFunc
}

// Emitter fans session events out to any number of subscribers.
//
// Publishing holds the read lock while channels stay open; closing a
// channel happens only under the write lock, so a send can never race a
// close.
type Emitter struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool
}

// NewEmitter creates an emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe attaches a new subscriber. The returned subscriber's channel
// is closed when the emitter closes or Unsubscribe is called. Subscribing
// to a closed emitter yields an already-closed channel.
func (e *Emitter) Subscribe(ctx context.Context, id string, buffer int) *Subscriber {
	if buffer < 16 {
		buffer = 16
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscriber{
		ID:     id,
		Ch:     make(chan Event, buffer),
		ctx:    subCtx,
		cancel: cancel,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		cancel()
		close(sub.Ch)
		return sub
	}

	e.subscribers[id] = sub
	return sub
}

// Unsubscribe detaches a subscriber. Safe to call for unknown ids and
// after Close.
func (e *Emitter) Unsubscribe(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub, ok := e.subscribers[id]
	if !ok {
		return
	}
	delete(e.subscribers, id)
	sub.cancel()
	close(sub.Ch)
}

// Publish delivers ev to every live subscriber. A subscriber that does not
// accept within the send timeout misses this event; a cancelled subscriber
// is skipped. Publish after Close is a no-op.
func (e *Emitter) Publish(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return
	}

	for _, sub := range e.subscribers {
		select {
		case sub.Ch <- ev:
		case <-sub.ctx.Done():
		case <-time.After(subscriberSendTimeout):
		}
	}
}

// Close closes every subscriber channel and makes further publishes
// no-ops. Idempotent.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true

	for id, sub := range e.subscribers {
		delete(e.subscribers, id)
		sub.cancel()
		close(sub.Ch)
	}
}

// Len reports the current subscriber count.
func (e *Emitter) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers)
}
