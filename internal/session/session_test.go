package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jsilvanus/live-captions-yt-sub000/internal/logger"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/relayerr"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/store"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/upstream"
	"log/slog"
)

// fakeRecorder satisfies Recorder in memory. denyAfter < 0 means never deny.
type fakeRecorder struct {
	mu            sync.Mutex
	usageCalls    []int64
	denyAfter     int
	sessionStats  []store.SessionStat
	captionErrors []store.CaptionError
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{denyAfter: -1}
}

func (f *fakeRecorder) CheckAndIncrementUsage(ctx context.Context, key string, n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyAfter >= 0 && len(f.usageCalls) >= f.denyAfter {
		return relayerr.ErrDailyLimit
	}
	f.usageCalls = append(f.usageCalls, n)
	return nil
}

func (f *fakeRecorder) RecordSessionStat(ctx context.Context, stat store.SessionStat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionStats = append(f.sessionStats, stat)
	return nil
}

func (f *fakeRecorder) RecordCaptionError(ctx context.Context, ce store.CaptionError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captionErrors = append(f.captionErrors, ce)
	return nil
}

func (f *fakeRecorder) IncrementHourly(ctx context.Context, domain, counter string, n int64) error {
	return nil
}

func (f *fakeRecorder) RecordPeakSessions(ctx context.Context, domain string, active int64) error {
	return nil
}

func (f *fakeRecorder) stats() []store.SessionStat {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.SessionStat(nil), f.sessionStats...)
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

func testManager(t *testing.T, upstreamURL string, rec Recorder) *Manager {
	t.Helper()
	m := NewManager(Config{
		UpstreamURL: upstreamURL,
		Recorder:    rec,
		Logger:      testLogger(),
	})
	t.Cleanup(func() {
		m.StopCleanup()
		m.RemoveAll("test")
	})
	return m
}

func okUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMakeSessionIDDeterministic(t *testing.T) {
	a := MakeSessionID("key", "stream", "https://a.example")
	b := MakeSessionID("key", "stream", "https://a.example")
	if a != b {
		t.Fatalf("same inputs gave %q and %q", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("id length = %d", len(a))
	}
	if MakeSessionID("key", "stream", "https://b.example") == a {
		t.Fatal("different domain collided")
	}
}

func TestCreateRegistersByDomain(t *testing.T) {
	srv := okUpstream(t)
	m := testManager(t, srv.URL, newFakeRecorder())

	sess, err := m.Create(CreateParams{
		APIKey: "ck_a", StreamKey: "sk", Domain: "https://a.example", Token: "tok",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if !m.Has(sess.ID) {
		t.Fatal("session not in store")
	}
	if !m.HasDomain("https://a.example") {
		t.Fatal("domain index missing")
	}
	if m.HasDomain("https://b.example") {
		t.Fatal("unknown domain indexed")
	}
}

func TestConcurrentCreateCollapsesToOneSession(t *testing.T) {
	srv := okUpstream(t)
	m := testManager(t, srv.URL, newFakeRecorder())

	const n = 16
	start := make(chan struct{})
	results := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			sess, err := m.Create(CreateParams{
				APIKey: "ck_a", StreamKey: "sk", Domain: "https://a.example",
				Token: "tok",
			})
			if err != nil {
				t.Errorf("Create %d: %v", i, err)
				return
			}
			results[i] = sess
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatal("racing creates produced distinct sessions")
		}
	}
	if m.Size() != 1 {
		t.Fatalf("store size = %d, want 1", m.Size())
	}
}

func TestDomainIndexNormalizesOrigin(t *testing.T) {
	srv := okUpstream(t)
	m := testManager(t, srv.URL, newFakeRecorder())

	sess, err := m.Create(CreateParams{
		APIKey: "ck_a", StreamKey: "sk", Domain: "a.example",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A browser Origin always carries a scheme; the index must still hit.
	if !m.HasDomain("https://a.example") {
		t.Fatal("scheme-qualified origin missed the index")
	}
	if got := m.GetByDomain("https://a.example/"); len(got) != 1 || got[0] != sess {
		t.Fatalf("GetByDomain = %v", got)
	}

	m.Remove(sess.ID, "client")
	if m.HasDomain("https://a.example") {
		t.Fatal("domain index not cleaned after remove")
	}
}

func TestCreateWithInitialSequence(t *testing.T) {
	srv := okUpstream(t)
	m := testManager(t, srv.URL, newFakeRecorder())

	sess, err := m.Create(CreateParams{
		APIKey: "ck_a", StreamKey: "sk", Domain: "https://a.example", Sequence: 42,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Sequence() != 42 {
		t.Fatalf("sequence = %d, want 42", sess.Sequence())
	}
	if sess.Client.Sequence() != 42 {
		t.Fatalf("client sequence = %d, want 42", sess.Client.Sequence())
	}
}

func TestRemoveRecordsSummaryAndClosesStream(t *testing.T) {
	srv := okUpstream(t)
	rec := newFakeRecorder()
	m := testManager(t, srv.URL, rec)

	sess, err := m.Create(CreateParams{
		APIKey: "ck_a", StreamKey: "sk", Domain: "https://a.example",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sub := sess.Emitter.Subscribe(context.Background(), "watcher", 16)

	removed := m.Remove(sess.ID, "client")
	if removed == nil {
		t.Fatal("Remove returned nil")
	}
	if m.Has(sess.ID) {
		t.Fatal("session still in store")
	}
	if m.HasDomain("https://a.example") {
		t.Fatal("domain index not cleaned")
	}
	if m.Remove(sess.ID, "client") != nil {
		t.Fatal("second Remove found something")
	}

	// session_closed is the last event, then the channel closes.
	var last Event
	for ev := range sub.Ch {
		last = ev
	}
	if last.Name != EventSessionClosed {
		t.Fatalf("last event = %q", last.Name)
	}

	stats := rec.stats()
	if len(stats) != 1 || stats[0].EndedBy != "client" {
		t.Fatalf("session stats = %+v", stats)
	}
}

func TestWorkerDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var seqs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seqs = append(seqs, r.URL.Query().Get("seq"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	m := testManager(t, srv.URL, newFakeRecorder())
	sess, err := m.Create(CreateParams{
		APIKey: "ck_a", StreamKey: "sk", Domain: "https://a.example",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sub := sess.Emitter.Subscribe(context.Background(), "watcher", 16)

	for i := 0; i < 3; i++ {
		if err := sess.Enqueue(Job{
			CorrelationID: "req",
			Captions:      []upstream.Caption{{Text: "hello"}},
		}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	deadline := time.After(5 * time.Second)
	var results []captionResultPayload
	for len(results) < 3 {
		select {
		case ev := <-sub.Ch:
			if ev.Name == EventCaptionResult {
				results = append(results, ev.Data.(captionResultPayload))
			}
		case <-deadline:
			t.Fatalf("timed out with %d results", len(results))
		}
	}

	for i, r := range results {
		if r.Sequence != int64(i+1) {
			t.Fatalf("result %d sequence = %d", i, r.Sequence)
		}
	}
	if sess.Sequence() != 3 {
		t.Fatalf("session sequence = %d, want 3", sess.Sequence())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"1", "2", "3"}
	for i, s := range seqs {
		if s != want[i] {
			t.Fatalf("upstream seq order = %v", seqs)
		}
	}
}

func TestUsageDenialEmitsCaptionError(t *testing.T) {
	var mu sync.Mutex
	var posts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		posts++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	rec := newFakeRecorder()
	rec.denyAfter = 0 // deny everything
	m := testManager(t, srv.URL, rec)

	sess, err := m.Create(CreateParams{
		APIKey: "ck_a", StreamKey: "sk", Domain: "https://a.example",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sub := sess.Emitter.Subscribe(context.Background(), "watcher", 16)
	if err := sess.Enqueue(Job{
		CorrelationID: "req-1",
		Captions:      []upstream.Caption{{Text: "nope"}},
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case ev := <-sub.Ch:
		if ev.Name != EventCaptionError {
			t.Fatalf("event = %q, want caption_error", ev.Name)
		}
		payload := ev.Data.(captionErrorPayload)
		if payload.RequestID != "req-1" {
			t.Fatalf("requestId = %q", payload.RequestID)
		}
		if payload.Error != relayerr.ErrDailyLimit.Error() {
			t.Fatalf("error = %q", payload.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}

	// A denied job never reaches the upstream and burns no sequence slot.
	mu.Lock()
	defer mu.Unlock()
	if posts != 0 {
		t.Fatalf("upstream saw %d posts", posts)
	}
	if sess.Sequence() != 0 {
		t.Fatalf("sequence = %d, want 0", sess.Sequence())
	}
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	srv := okUpstream(t)
	m := testManager(t, srv.URL, newFakeRecorder())

	sess, err := m.Create(CreateParams{
		APIKey: "ck_a", StreamKey: "sk", Domain: "https://a.example",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.Remove(sess.ID, "client")

	if err := sess.Enqueue(Job{Captions: []upstream.Caption{{Text: "x"}}}); err != ErrSessionClosed {
		t.Fatalf("Enqueue after close = %v", err)
	}
}

func TestSweepRemovesIdleSessions(t *testing.T) {
	srv := okUpstream(t)
	rec := newFakeRecorder()

	m := NewManager(Config{
		UpstreamURL:     srv.URL,
		TTL:             20 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
		Recorder:        rec,
		Logger:          testLogger(),
	})
	t.Cleanup(func() {
		m.StopCleanup()
		m.RemoveAll("test")
	})

	sess, err := m.Create(CreateParams{
		APIKey: "ck_a", StreamKey: "sk", Domain: "https://a.example",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.Has(sess.ID) {
		if time.Now().After(deadline) {
			t.Fatal("idle session never swept")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stats := rec.stats()
	if len(stats) != 1 || stats[0].EndedBy != "ttl" {
		t.Fatalf("session stats = %+v", stats)
	}
}

func TestMicLockSemantics(t *testing.T) {
	sess := newSession("id", "ck", "sk", "https://a.example", "tok",
		upstream.NewClient(upstream.Config{BaseURL: "http://127.0.0.1:1", StreamKey: "sk"}))

	sess.ClaimMic("alice")
	if sess.MicHolder() != "alice" {
		t.Fatalf("holder = %q", sess.MicHolder())
	}

	// Claim is last-writer-wins.
	sess.ClaimMic("bob")
	if sess.MicHolder() != "bob" {
		t.Fatalf("holder = %q", sess.MicHolder())
	}

	// Release by a non-holder changes nothing.
	if sess.ReleaseMic("alice") {
		t.Fatal("non-holder release reported a change")
	}
	if sess.MicHolder() != "bob" {
		t.Fatalf("holder = %q", sess.MicHolder())
	}

	if !sess.ReleaseMic("bob") {
		t.Fatal("holder release reported no change")
	}
	if sess.MicHolder() != "" {
		t.Fatalf("holder = %q", sess.MicHolder())
	}
}
