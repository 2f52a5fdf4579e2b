// Package session holds the relay's in-memory session model: the session
// store with its TTL sweeper, the per-session event emitter, and the
// per-session delivery worker that serialises caption submissions into an
// ordered upstream POST stream.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/jsilvanus/live-captions-yt-sub000/internal/upstream"
)

// jobQueueSize bounds the per-session delivery queue. A full queue rejects
// new submissions instead of growing without bound.
const jobQueueSize = 256

// ErrQueueFull is returned when a session's delivery queue is saturated.
var ErrQueueFull = errors.New("delivery queue full")

// ErrSessionClosed is returned when enqueueing on a destroyed session.
var ErrSessionClosed = errors.New("session closed")

// Job is one accepted caption submission awaiting upstream delivery.
type Job struct {
	CorrelationID string
	Captions      []upstream.Caption
}

// Session is one client's authenticated bridge to the upstream. All fields
// behind mu are mutated by handlers and by the session's own worker.
type Session struct {
	ID        string
	APIKey    string
	StreamKey string
	Domain    string
	Token     string
	StartedAt time.Time

	Client  *upstream.Client
	Emitter *Emitter

	mu           sync.RWMutex
	lastActivity time.Time
	sequence     int64
	syncOffset   int64
	delivered    int64
	failed       int64
	micHolder    string

	jobs      chan Job
	closed    chan struct{}
	closeOnce sync.Once
}

// MakeSessionID derives the session id from the credentials and origin, so
// identical credentials from the same origin collapse to one session. The
// id is a truncated hash; no credential is recoverable from it.
func MakeSessionID(apiKey, streamKey, domain string) string {
	sum := sha256.Sum256([]byte(apiKey + "|" + streamKey + "|" + domain))
	return hex.EncodeToString(sum[:])[:16]
}

func newSession(id, apiKey, streamKey, domain, token string, client *upstream.Client) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		APIKey:       apiKey,
		StreamKey:    streamKey,
		Domain:       domain,
		Token:        token,
		StartedAt:    now,
		Client:       client,
		Emitter:      NewEmitter(),
		lastActivity: now,
		jobs:         make(chan Job, jobQueueSize),
		closed:       make(chan struct{}),
	}
}

// Touch refreshes the last-activity timestamp. Every authenticated request
// on the session calls this.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last authenticated touch.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Sequence returns the session's mirror of the upstream sequence.
func (s *Session) Sequence() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sequence
}

// SetSequence overrides the sequence on both the session and its upstream
// client.
func (s *Session) SetSequence(n int64) {
	s.mu.Lock()
	s.sequence = n
	s.mu.Unlock()
	s.Client.SetSequence(n)
}

// mirrorSequence records the sequence the upstream acknowledged.
// The sequence within a session never decreases.
func (s *Session) mirrorSequence(n int64) {
	s.mu.Lock()
	if n > s.sequence {
		s.sequence = n
	}
	s.mu.Unlock()
}

// SyncOffset returns the estimated clock offset in milliseconds.
func (s *Session) SyncOffset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncOffset
}

// SetSyncOffset stores a fresh clock offset estimate.
func (s *Session) SetSyncOffset(ms int64) {
	s.mu.Lock()
	s.syncOffset = ms
	s.mu.Unlock()
}

// Counters returns the delivered and failed caption counts.
func (s *Session) Counters() (delivered, failed int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delivered, s.failed
}

// MicHolder returns the advisory mic holder, empty when unclaimed.
func (s *Session) MicHolder() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.micHolder
}

// ClaimMic sets the advisory mic holder. Last writer wins.
func (s *Session) ClaimMic(clientID string) {
	s.mu.Lock()
	s.micHolder = clientID
	s.mu.Unlock()
}

// ReleaseMic clears the holder if clientID currently holds it. A release
// by a non-holder is a no-op; the return value reports whether anything
// changed.
func (s *Session) ReleaseMic(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.micHolder != clientID || clientID == "" {
		return false
	}
	s.micHolder = ""
	return true
}

// Enqueue appends a job to the delivery queue. The acknowledgement for the
// job must already have been sent; delivery outcome arrives on the event
// stream.
func (s *Session) Enqueue(job Job) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	select {
	case s.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// close marks the session destroyed and stops its worker after the job in
// flight finishes. Idempotent.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// connectedPayload is the opening frame of the event stream.
type connectedPayload struct {
	SessionID string `json:"sessionId"`
	MicHolder string `json:"micHolder,omitempty"`
}

// ConnectedEvent builds the opening event for a new subscriber.
func (s *Session) ConnectedEvent() Event {
	return Event{
		Name: EventConnected,
		Data: connectedPayload{
			SessionID: s.ID,
			MicHolder: s.MicHolder(),
		},
	}
}

// MicStateEvent builds the advisory-lock state event after a mutation.
func (s *Session) MicStateEvent() Event {
	return Event{
		Name: EventMicState,
		Data: map[string]any{
			"sessionId": s.ID,
			"micHolder": s.MicHolder(),
		},
	}
}
