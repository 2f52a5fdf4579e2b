package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jsilvanus/live-captions-yt-sub000/internal/auth"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/logger"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/store"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/upstream"
)

const (
	defaultTTL             = 2 * time.Hour
	defaultCleanupInterval = 5 * time.Minute
)

// Recorder is the slice of the persistent store the session layer needs.
type Recorder interface {
	CheckAndIncrementUsage(ctx context.Context, key string, n int64) error
	RecordSessionStat(ctx context.Context, stat store.SessionStat) error
	RecordCaptionError(ctx context.Context, ce store.CaptionError) error
	IncrementHourly(ctx context.Context, domain, counter string, n int64) error
	RecordPeakSessions(ctx context.Context, domain string, active int64) error
}

// Config configures a Manager.
type Config struct {
	// UpstreamURL is the caption ingestion endpoint handed to each
	// session's upstream client.
	UpstreamURL string
	// TTL is the idle lifetime of a session (default 2h).
	TTL time.Duration
	// CleanupInterval is the sweep cadence (default 5m).
	CleanupInterval time.Duration

	Recorder Recorder
	Logger   *logger.Logger
}

// Manager owns the session map. Handlers read and write it concurrently
// with the TTL sweeper; all access goes through the manager's lock.
type Manager struct {
	cfg Config
	log *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	byDomain map[string]map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates the manager and starts its TTL sweeper.
func NewManager(cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}

	m := &Manager{
		cfg:      cfg,
		log:      cfg.Logger.WithComponent("session-store"),
		sessions: make(map[string]*Session),
		byDomain: make(map[string]map[string]*Session),
		stop:     make(chan struct{}),
	}

	go m.cleanupLoop()

	return m
}

// CreateParams are the inputs of session creation.
type CreateParams struct {
	APIKey    string
	StreamKey string
	Domain    string
	Token     string
	Sequence  int64
}

// Create builds the session's upstream client, registers the session, and
// starts its delivery worker. The session id is derived from the
// credentials; when a session with that id already exists it is returned
// unchanged, so two racing registrations collapse to one session.
func (m *Manager) Create(p CreateParams) (*Session, error) {
	client := upstream.NewClient(upstream.Config{
		BaseURL:   m.cfg.UpstreamURL,
		StreamKey: p.StreamKey,
	})
	if err := client.Start(); err != nil {
		return nil, err
	}

	id := MakeSessionID(p.APIKey, p.StreamKey, p.Domain)
	sess := newSession(id, p.APIKey, p.StreamKey, p.Domain, p.Token, client)
	if p.Sequence > 0 {
		sess.SetSequence(p.Sequence)
	}
	domainKey := auth.NormalizeOrigin(p.Domain)

	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		client.End()
		existing.Touch()
		return existing, nil
	}
	m.sessions[id] = sess
	if m.byDomain[domainKey] == nil {
		m.byDomain[domainKey] = make(map[string]*Session)
	}
	m.byDomain[domainKey][id] = sess
	active := int64(len(m.sessions))
	m.mu.Unlock()

	go m.runWorker(sess)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.cfg.Recorder.IncrementHourly(ctx, p.Domain, store.HourlySessionsStarted, 1); err != nil {
		m.log.Error("failed to roll up session start", slog.String("error", err.Error()))
	}
	if err := m.cfg.Recorder.RecordPeakSessions(ctx, p.Domain, active); err != nil {
		m.log.Error("failed to record peak sessions", slog.String("error", err.Error()))
	}

	m.log.Info("session created",
		slog.String("session_id", id),
		slog.String("domain", p.Domain),
		slog.Int64("sequence", p.Sequence),
		slog.Int64("active_sessions", active))

	return sess, nil
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Has reports whether a session exists.
func (m *Manager) Has(id string) bool {
	_, ok := m.Get(id)
	return ok
}

// Touch refreshes a session's last-activity timestamp.
func (m *Manager) Touch(id string) bool {
	sess, ok := m.Get(id)
	if !ok {
		return false
	}
	sess.Touch()
	return true
}

// GetByDomain returns the sessions registered for an origin domain.
// Used by the dynamic CORS middleware. The lookup ignores scheme and
// trailing slash, so a browser Origin matches a bare registered domain.
func (m *Manager) GetByDomain(domain string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.byDomain[auth.NormalizeOrigin(domain)]
	out := make([]*Session, 0, len(set))
	for _, sess := range set {
		out = append(out, sess)
	}
	return out
}

// HasDomain reports whether any session exists for an origin domain.
func (m *Manager) HasDomain(domain string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byDomain[auth.NormalizeOrigin(domain)]) > 0
}

// All returns a snapshot of every session.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// Size returns the number of live sessions.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Remove takes a session out of the store and runs the destruction path
// with the given endedBy cause. It returns the removed session, or nil
// when the id is unknown.
func (m *Manager) Remove(id, endedBy string) *Session {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, id)
	domainKey := auth.NormalizeOrigin(sess.Domain)
	if set := m.byDomain[domainKey]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(m.byDomain, domainKey)
		}
	}
	m.mu.Unlock()

	m.destroy(sess, endedBy)
	return sess
}

// RemoveAll tears down every session, used at shutdown.
func (m *Manager) RemoveAll(endedBy string) {
	for _, sess := range m.All() {
		m.Remove(sess.ID, endedBy)
	}
}

// StopCleanup stops the TTL sweeper. Idempotent.
func (m *Manager) StopCleanup() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.cfg.TTL)

	var stale []string
	m.mu.RLock()
	for id, sess := range m.sessions {
		if sess.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.log.Info("sweeping idle session", slog.String("session_id", id))
		m.Remove(id, "ttl")
	}
}

// destroy completes the session lifecycle: the upstream client is closed
// best-effort, the summary row and hourly roll-up are written regardless,
// and session_closed is the last event subscribers see.
func (m *Manager) destroy(sess *Session, endedBy string) {
	sess.close()
	sess.Client.End()

	delivered, failed := sess.Counters()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.cfg.Recorder.RecordSessionStat(ctx, store.SessionStat{
		SessionID: sess.ID,
		APIKey:    sess.APIKey,
		Domain:    sess.Domain,
		StartedAt: sess.StartedAt,
		EndedAt:   time.Now().UTC(),
		EndedBy:   endedBy,
		Delivered: delivered,
		Failed:    failed,
	}); err != nil {
		m.log.Error("failed to record session stat",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
	}

	if err := m.cfg.Recorder.IncrementHourly(ctx, sess.Domain, store.HourlySessionsEnded, 1); err != nil {
		m.log.Error("failed to roll up session end", slog.String("error", err.Error()))
	}

	sess.Emitter.Publish(Event{
		Name: EventSessionClosed,
		Data: map[string]any{
			"sessionId": sess.ID,
			"endedBy":   endedBy,
		},
	})
	sess.Emitter.Close()

	m.log.Info("session destroyed",
		slog.String("session_id", sess.ID),
		slog.String("ended_by", endedBy),
		slog.Int64("delivered", delivered),
		slog.Int64("failed", failed))
}
