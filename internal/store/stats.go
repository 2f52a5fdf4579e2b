package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionStat is one append-only session summary row.
type SessionStat struct {
	SessionID string    `json:"sessionId"`
	APIKey    string    `json:"-"`
	Domain    string    `json:"domain"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	EndedBy   string    `json:"endedBy"`
	Delivered int64     `json:"delivered"`
	Failed    int64     `json:"failed"`
}

// CaptionError is one append-only delivery failure row.
type CaptionError struct {
	SessionID     string    `json:"sessionId"`
	APIKey        string    `json:"-"`
	Domain        string    `json:"domain"`
	CorrelationID string    `json:"requestId"`
	Error         string    `json:"error"`
	StatusCode    *int      `json:"statusCode,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AuthEvent is one append-only authentication outcome row.
type AuthEvent struct {
	APIKey    string    `json:"-"`
	Domain    string    `json:"domain"`
	EventType string    `json:"eventType"`
	CreatedAt time.Time `json:"createdAt"`
}

// HourlyStat is one roll-up bucket of domain_hourly_stats.
type HourlyStat struct {
	Date            string `json:"date"`
	Hour            int    `json:"hour,omitempty"`
	Domain          string `json:"domain"`
	SessionsStarted int64  `json:"sessionsStarted"`
	SessionsEnded   int64  `json:"sessionsEnded"`
	CaptionsSent    int64  `json:"captionsSent"`
	CaptionsFailed  int64  `json:"captionsFailed"`
	Batches         int64  `json:"batches"`
	PeakSessions    int64  `json:"peakSessions"`
}

// RecordSessionStat appends a session summary row.
func (s *Store) RecordSessionStat(ctx context.Context, stat SessionStat) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO session_stats (session_id, api_key, domain, started_at, ended_at, ended_by, delivered, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stat.SessionID, stat.APIKey, stat.Domain, stat.StartedAt, stat.EndedAt,
		stat.EndedBy, stat.Delivered, stat.Failed)
	if err != nil {
		return fmt.Errorf("failed to record session stat: %w", err)
	}
	return nil
}

// RecordCaptionError appends a delivery failure row.
func (s *Store) RecordCaptionError(ctx context.Context, ce CaptionError) error {
	var status any
	if ce.StatusCode != nil {
		status = *ce.StatusCode
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO caption_errors (session_id, api_key, domain, correlation_id, error, status_code)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ce.SessionID, ce.APIKey, ce.Domain, ce.CorrelationID, ce.Error, status)
	if err != nil {
		return fmt.Errorf("failed to record caption error: %w", err)
	}
	return nil
}

// RecordAuthEvent appends an authentication outcome row.
func (s *Store) RecordAuthEvent(ctx context.Context, apiKey, domain, eventType string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO auth_events (api_key, domain, event_type) VALUES (?, ?, ?)`,
		apiKey, domain, eventType)
	if err != nil {
		return fmt.Errorf("failed to record auth event: %w", err)
	}
	return nil
}

// Hourly roll-up counter names.
const (
	HourlySessionsStarted = "sessions_started"
	HourlySessionsEnded   = "sessions_ended"
	HourlyCaptionsSent    = "captions_sent"
	HourlyCaptionsFailed  = "captions_failed"
	HourlyBatches         = "batches"
)

var hourlyColumns = map[string]bool{
	HourlySessionsStarted: true,
	HourlySessionsEnded:   true,
	HourlyCaptionsSent:    true,
	HourlyCaptionsFailed:  true,
	HourlyBatches:         true,
}

// IncrementHourly bumps one counter of the current UTC hour bucket for a domain.
func (s *Store) IncrementHourly(ctx context.Context, domain, counter string, n int64) error {
	if !hourlyColumns[counter] {
		return fmt.Errorf("unknown hourly counter %q", counter)
	}

	now := time.Now().UTC()
	date := now.Format("2006-01-02")

	// Column name is validated against the fixed set above.
	query := fmt.Sprintf(`
		INSERT INTO domain_hourly_stats (date, hour, domain, %s) VALUES (?, ?, ?, ?)
		ON CONFLICT (date, hour, domain) DO UPDATE SET %s = %s + excluded.%s`,
		counter, counter, counter, counter)

	if _, err := s.DB.ExecContext(ctx, query, date, now.Hour(), domain, n); err != nil {
		return fmt.Errorf("failed to increment hourly %s: %w", counter, err)
	}
	return nil
}

// RecordPeakSessions raises the hour bucket's high-water mark to active
// when it exceeds the stored value.
func (s *Store) RecordPeakSessions(ctx context.Context, domain string, active int64) error {
	now := time.Now().UTC()
	date := now.Format("2006-01-02")

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO domain_hourly_stats (date, hour, domain, peak_sessions) VALUES (?, ?, ?, ?)
		ON CONFLICT (date, hour, domain) DO UPDATE SET
			peak_sessions = MAX(peak_sessions, excluded.peak_sessions)`,
		date, now.Hour(), domain, active)
	if err != nil {
		return fmt.Errorf("failed to record peak sessions: %w", err)
	}
	return nil
}

// DailyUsage is one (date, count) pair of caption_usage.
type DailyUsage struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// UsageForKey returns the most recent daily counters for a key.
func (s *Store) UsageForKey(ctx context.Context, key string, days int) ([]DailyUsage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT date, count FROM caption_usage
		WHERE api_key = ? ORDER BY date DESC LIMIT ?`, key, days)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage: %w", err)
	}
	defer rows.Close()

	var out []DailyUsage
	for rows.Next() {
		var u DailyUsage
		if err := rows.Scan(&u.Date, &u.Count); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// RecentSessions returns the latest session summaries for a key.
func (s *Store) RecentSessions(ctx context.Context, key string, limit int) ([]SessionStat, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT session_id, api_key, domain, started_at, ended_at, ended_by, delivered, failed
		FROM session_stats WHERE api_key = ? ORDER BY ended_at DESC LIMIT ?`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionStat
	for rows.Next() {
		var st SessionStat
		if err := rows.Scan(&st.SessionID, &st.APIKey, &st.Domain, &st.StartedAt,
			&st.EndedAt, &st.EndedBy, &st.Delivered, &st.Failed); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// RecentCaptionErrors returns the latest delivery failures for a key.
func (s *Store) RecentCaptionErrors(ctx context.Context, key string, limit int) ([]CaptionError, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT session_id, api_key, domain, correlation_id, error, status_code, created_at
		FROM caption_errors WHERE api_key = ? ORDER BY created_at DESC LIMIT ?`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read caption errors: %w", err)
	}
	defer rows.Close()

	var out []CaptionError
	for rows.Next() {
		var ce CaptionError
		var status sql.NullInt64
		if err := rows.Scan(&ce.SessionID, &ce.APIKey, &ce.Domain, &ce.CorrelationID,
			&ce.Error, &status, &ce.CreatedAt); err != nil {
			return nil, err
		}
		if status.Valid {
			v := int(status.Int64)
			ce.StatusCode = &v
		}
		out = append(out, ce)
	}
	return out, rows.Err()
}

// RecentAuthEvents returns the latest authentication outcomes for a key.
func (s *Store) RecentAuthEvents(ctx context.Context, key string, limit int) ([]AuthEvent, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT api_key, domain, event_type, created_at
		FROM auth_events WHERE api_key = ? ORDER BY created_at DESC LIMIT ?`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read auth events: %w", err)
	}
	defer rows.Close()

	var out []AuthEvent
	for rows.Next() {
		var ev AuthEvent
		if err := rows.Scan(&ev.APIKey, &ev.Domain, &ev.EventType, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AggregateUsage sums domain_hourly_stats over [from, to] at day or hour
// granularity. Dates are YYYY-MM-DD strings compared lexically.
func (s *Store) AggregateUsage(ctx context.Context, from, to, granularity string) ([]HourlyStat, error) {
	var query string
	switch granularity {
	case "hour":
		query = `
			SELECT date, hour, domain,
			       SUM(sessions_started), SUM(sessions_ended),
			       SUM(captions_sent), SUM(captions_failed), SUM(batches),
			       MAX(peak_sessions)
			FROM domain_hourly_stats
			WHERE date >= ? AND date <= ?
			GROUP BY date, hour, domain
			ORDER BY date, hour, domain`
	case "", "day":
		query = `
			SELECT date, 0, domain,
			       SUM(sessions_started), SUM(sessions_ended),
			       SUM(captions_sent), SUM(captions_failed), SUM(batches),
			       MAX(peak_sessions)
			FROM domain_hourly_stats
			WHERE date >= ? AND date <= ?
			GROUP BY date, domain
			ORDER BY date, domain`
	default:
		return nil, errors.New("granularity must be day or hour")
	}

	rows, err := s.DB.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	defer rows.Close()

	var out []HourlyStat
	for rows.Next() {
		var h HourlyStat
		if err := rows.Scan(&h.Date, &h.Hour, &h.Domain, &h.SessionsStarted,
			&h.SessionsEnded, &h.CaptionsSent, &h.CaptionsFailed, &h.Batches,
			&h.PeakSessions); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
