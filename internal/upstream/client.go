// Package upstream implements the server-to-server client for the live
// caption ingestion endpoint. The endpoint accepts POST bodies of
// timestamped caption lines, ordered by a seq query parameter.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jsilvanus/live-captions-yt-sub000/internal/relayerr"
)

// timestampLayout is the exact shape the ingestion endpoint expects:
// millisecond precision, no timezone suffix.
const timestampLayout = "2006-01-02T15:04:05.000"

// batchStampStep spaces auto-stamped batch items so their ordering stays
// strict even when the caller provides no timestamps.
const batchStampStep = 100 * time.Millisecond

// Caption is one item of a send or batch request, already resolved by the
// HTTP layer to either an explicit timestamp or nothing.
type Caption struct {
	Text      string
	Timestamp string // optional; verbatim if already formatted (no trailing Z)
}

// Result reports the outcome of one upstream POST.
type Result struct {
	Sequence        int64
	Count           int
	ServerTimestamp string
	StatusCode      int
}

// SyncResult reports a clock synchronisation round trip.
type SyncResult struct {
	SyncOffset      int64 // estimated one-way offset in milliseconds
	RoundTripTime   int64 // milliseconds
	ServerTimestamp string
	StatusCode      int
}

// Config configures a Client for one stream.
type Config struct {
	// BaseURL is the ingestion endpoint without the cid/seq parameters.
	BaseURL string
	// StreamKey is sent as the cid query parameter.
	StreamKey string
	// Region and Cue annotate each caption line when set.
	Region string
	Cue    string
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
	// Now overrides the wall clock, mainly for tests.
	Now func() time.Time
}

// Client posts sequence-numbered caption bodies to the ingestion endpoint.
// All methods are safe for concurrent use, though the delivery engine
// serialises calls per session anyway.
type Client struct {
	mu sync.Mutex

	// rawBase and streamKey are kept unparsed until Start so that a bad
	// URL surfaces as a ConfigError instead of a panic at construction.
	rawBase   string
	streamKey string

	endpoint *url.URL
	region   string
	cue      string
	seq      int64
	started  bool
	http     *http.Client
	now      func() time.Time
}

// NewClient builds an unarmed client. Start must be called before sending.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		rawBase:   cfg.BaseURL,
		streamKey: cfg.StreamKey,
		region:    cfg.Region,
		cue:       cfg.Cue,
		http:      httpClient,
		now:       now,
	}
}

// Start validates the endpoint URL and arms the client.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, err := url.Parse(c.rawBase)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &relayerr.ConfigError{Field: "upstream_url", Msg: fmt.Sprintf("invalid ingestion URL %q", c.rawBase)}
	}

	q := u.Query()
	if c.streamKey != "" {
		q.Set("cid", c.streamKey)
	}
	u.RawQuery = q.Encode()

	c.endpoint = u
	c.started = true
	return nil
}

// End disarms the client. Best-effort: there is nothing to flush because
// every send is synchronous.
func (c *Client) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
}

// SetSequence overrides the sequence counter, used when a client resumes a
// stream the upstream already knows about.
func (c *Client) SetSequence(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = n
}

// Sequence returns the current sequence counter.
func (c *Client) Sequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Send posts a single caption, consuming one sequence slot.
func (c *Client) Send(ctx context.Context, caption Caption) (Result, error) {
	return c.post(ctx, []Caption{caption}, true)
}

// SendBatch posts several captions as one body, consuming one sequence slot.
// Items without timestamps are auto-stamped now + 100ms × i so ordering
// within the batch stays strict.
func (c *Client) SendBatch(ctx context.Context, captions []Caption) (Result, error) {
	if len(captions) == 0 {
		return Result{}, &relayerr.ValidationError{Field: "captions", Msg: "empty batch"}
	}
	return c.post(ctx, captions, true)
}

// Heartbeat posts an empty body at the current sequence. It does not
// advance the sequence; it exists for clock sync and liveness.
func (c *Client) Heartbeat(ctx context.Context) (Result, error) {
	return c.post(ctx, nil, false)
}

// Sync estimates the one-way clock offset to the upstream from a heartbeat
// round trip: offset = server − (t0 + rtt/2).
func (c *Client) Sync(ctx context.Context) (SyncResult, error) {
	t0 := c.now()
	res, err := c.Heartbeat(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	t1 := c.now()

	rtt := t1.Sub(t0).Milliseconds()
	out := SyncResult{
		RoundTripTime:   rtt,
		ServerTimestamp: res.ServerTimestamp,
		StatusCode:      res.StatusCode,
	}

	if res.ServerTimestamp != "" {
		if server, perr := http.ParseTime(res.ServerTimestamp); perr == nil {
			midpoint := t0.Add(time.Duration(rtt/2) * time.Millisecond)
			out.SyncOffset = server.Sub(midpoint).Milliseconds()
		}
	}

	return out, nil
}

func (c *Client) post(ctx context.Context, captions []Caption, advance bool) (Result, error) {
	c.mu.Lock()
	if !c.started || c.endpoint == nil {
		c.mu.Unlock()
		return Result{}, &relayerr.ConfigError{Field: "upstream", Msg: "client not started"}
	}

	seq := c.seq
	if advance {
		seq = c.seq + 1
		c.seq = seq
	}

	u := *c.endpoint
	q := u.Query()
	q.Set("seq", strconv.FormatInt(seq, 10))
	u.RawQuery = q.Encode()

	body := c.buildBody(captions)
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(body))
	if err != nil {
		return Result{}, &relayerr.NetworkError{Op: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, &relayerr.NetworkError{Op: "post captions", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	result := Result{
		Sequence:        seq,
		Count:           len(captions),
		ServerTimestamp: resp.Header.Get("Date"),
		StatusCode:      resp.StatusCode,
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result, &relayerr.UpstreamError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	return result, nil
}

// buildBody renders the wire body: per caption a timestamp line (optionally
// annotated with region:<region>#<cue>), a newline, then the text. Entries
// of a batch are joined by newlines.
func (c *Client) buildBody(captions []Caption) string {
	if len(captions) == 0 {
		return ""
	}

	base := c.now()
	lines := make([]string, 0, len(captions))

	for i, caption := range captions {
		ts := caption.Timestamp
		if ts == "" {
			ts = FormatTimestamp(base.Add(time.Duration(i) * batchStampStep))
		} else {
			ts = NormalizeTimestamp(ts, c.now)
		}

		header := ts
		if c.region != "" || c.cue != "" {
			header = fmt.Sprintf("%s region:%s#%s", ts, c.region, c.cue)
		}
		lines = append(lines, header+"\n"+caption.Text)
	}

	return strings.Join(lines, "\n")
}

// FormatTimestamp renders t in the required millisecond form with no
// timezone suffix.
func FormatTimestamp(t time.Time) string {
	return t.Format(timestampLayout)
}

// NormalizeTimestamp returns ts verbatim when it is already in the wire
// form (no trailing Z); otherwise it parses ts as RFC 3339 and reformats,
// falling back to the current time when unparsable.
//
// The verbatim branch mirrors the upstream's tolerance for pre-formatted
// strings even though the documented format never carries a Z. Flagged for
// operator confirmation before tightening.
func NormalizeTimestamp(ts string, now func() time.Time) string {
	if ts != "" && !strings.HasSuffix(ts, "Z") {
		return ts
	}
	if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return FormatTimestamp(parsed.UTC())
	}
	return FormatTimestamp(now())
}
