package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jsilvanus/live-captions-yt-sub000/internal/relayerr"
)

type recordedPost struct {
	seq  string
	cid  string
	body string
}

// captureServer records every POST and answers with the given status.
func captureServer(t *testing.T, status int) (*httptest.Server, func() []recordedPost) {
	t.Helper()

	var mu sync.Mutex
	var posts []recordedPost

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		posts = append(posts, recordedPost{
			seq:  r.URL.Query().Get("seq"),
			cid:  r.URL.Query().Get("cid"),
			body: string(body),
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []recordedPost {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedPost(nil), posts...)
	}
}

func startedClient(t *testing.T, baseURL string, opts ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{BaseURL: baseURL, StreamKey: "sk-test"}
	for _, opt := range opts {
		opt(&cfg)
	}
	c := NewClient(cfg)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return c
}

func TestStartRejectsBadURL(t *testing.T) {
	c := NewClient(Config{BaseURL: "not a url", StreamKey: "sk"})
	err := c.Start()
	var cfgErr *relayerr.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestSendConsumesOneSequenceSlot(t *testing.T) {
	srv, posts := captureServer(t, http.StatusOK)
	c := startedClient(t, srv.URL)

	for i := 1; i <= 3; i++ {
		res, err := c.Send(context.Background(), Caption{Text: "hello"})
		if err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		if res.Sequence != int64(i) {
			t.Fatalf("Send %d: sequence = %d", i, res.Sequence)
		}
	}

	got := posts()
	if len(got) != 3 {
		t.Fatalf("posts = %d", len(got))
	}
	for i, p := range got {
		want := []string{"1", "2", "3"}[i]
		if p.seq != want {
			t.Errorf("post %d: seq = %q, want %q", i, p.seq, want)
		}
		if p.cid != "sk-test" {
			t.Errorf("post %d: cid = %q", i, p.cid)
		}
	}
}

func TestBatchConsumesOneSequenceSlot(t *testing.T) {
	srv, posts := captureServer(t, http.StatusOK)
	c := startedClient(t, srv.URL)

	res, err := c.SendBatch(context.Background(), []Caption{
		{Text: "one"}, {Text: "two"}, {Text: "three"},
	})
	if err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if res.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", res.Sequence)
	}
	if res.Count != 3 {
		t.Fatalf("count = %d, want 3", res.Count)
	}
	if len(posts()) != 1 {
		t.Fatalf("batch produced %d posts", len(posts()))
	}
}

func TestHeartbeatDoesNotAdvanceSequence(t *testing.T) {
	srv, posts := captureServer(t, http.StatusOK)
	c := startedClient(t, srv.URL)

	if _, err := c.Send(context.Background(), Caption{Text: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := c.Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if c.Sequence() != 1 {
		t.Fatalf("sequence after heartbeat = %d, want 1", c.Sequence())
	}

	got := posts()
	if got[1].seq != "1" {
		t.Fatalf("heartbeat seq = %q, want 1", got[1].seq)
	}
	if got[1].body != "" {
		t.Fatalf("heartbeat body = %q, want empty", got[1].body)
	}
}

func TestBatchBodyAutoStampsAt100msSteps(t *testing.T) {
	srv, posts := captureServer(t, http.StatusOK)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := startedClient(t, srv.URL, func(cfg *Config) {
		cfg.Now = func() time.Time { return base }
	})

	if _, err := c.SendBatch(context.Background(), []Caption{
		{Text: "one"}, {Text: "two"},
	}); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}

	want := "2026-03-01T12:00:00.000\none\n2026-03-01T12:00:00.100\ntwo"
	if got := posts()[0].body; got != want {
		t.Fatalf("body = %q, want %q", got, want)
	}
}

func TestBodyCarriesRegionAnnotation(t *testing.T) {
	srv, posts := captureServer(t, http.StatusOK)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := startedClient(t, srv.URL, func(cfg *Config) {
		cfg.Region = "reg1"
		cfg.Cue = "cue1"
		cfg.Now = func() time.Time { return base }
	})

	if _, err := c.Send(context.Background(), Caption{Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	want := "2026-03-01T12:00:00.000 region:reg1#cue1\nhi"
	if got := posts()[0].body; got != want {
		t.Fatalf("body = %q, want %q", got, want)
	}
}

func TestPreformattedTimestampPassedVerbatim(t *testing.T) {
	srv, posts := captureServer(t, http.StatusOK)
	c := startedClient(t, srv.URL)

	ts := "2026-03-01T09:30:00.500"
	if _, err := c.Send(context.Background(), Caption{Text: "hi", Timestamp: ts}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := posts()[0].body; !strings.HasPrefix(got, ts+"\n") {
		t.Fatalf("body = %q, want prefix %q", got, ts)
	}
}

func TestRFC3339TimestampReformatted(t *testing.T) {
	got := NormalizeTimestamp("2026-03-01T09:30:00.500Z", time.Now)
	if got != "2026-03-01T09:30:00.500" {
		t.Fatalf("normalized = %q", got)
	}
}

func TestUpstreamErrorPreservesStatusAndSequence(t *testing.T) {
	srv, _ := captureServer(t, http.StatusServiceUnavailable)
	c := startedClient(t, srv.URL)

	res, err := c.Send(context.Background(), Caption{Text: "x"})
	var upErr *relayerr.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", upErr.StatusCode)
	}
	// The slot is still consumed; the caller may choose to reuse it via
	// SetSequence, but the client does not roll back.
	if res.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", res.Sequence)
	}
}

func TestSendOnStoppedClientFails(t *testing.T) {
	srv, _ := captureServer(t, http.StatusOK)
	c := startedClient(t, srv.URL)
	c.End()

	_, err := c.Send(context.Background(), Caption{Text: "x"})
	var cfgErr *relayerr.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError after End, got %v", err)
	}
}

func TestSyncComputesOffsetFromDateHeader(t *testing.T) {
	serverTime := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Date", serverTime.Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	// The fake clock sits 10s behind the server and does not tick, so
	// rtt is 0 and the offset is exactly the 10s skew.
	local := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := startedClient(t, srv.URL, func(cfg *Config) {
		cfg.Now = func() time.Time { return local }
	})

	res, err := c.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.SyncOffset != 10_000 {
		t.Fatalf("syncOffset = %d, want 10000", res.SyncOffset)
	}
	if res.RoundTripTime != 0 {
		t.Fatalf("rtt = %d, want 0", res.RoundTripTime)
	}
	if c.Sequence() != 0 {
		t.Fatalf("sync advanced sequence to %d", c.Sequence())
	}
}

func TestFormatTimestampShape(t *testing.T) {
	ts := FormatTimestamp(time.Date(2026, 1, 2, 3, 4, 5, 60_000_000, time.UTC))
	if ts != "2026-01-02T03:04:05.060" {
		t.Fatalf("timestamp = %q", ts)
	}
}
