package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jsilvanus/live-captions-yt-sub000/internal/relayerr"
)

// APIKey is one durable key row.
type APIKey struct {
	Key           string     `json:"key"`
	Owner         string     `json:"owner"`
	Email         *string    `json:"email,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	Active        bool       `json:"active"`
	RevokedAt     *time.Time `json:"revokedAt,omitempty"`
	DailyLimit    *int64     `json:"dailyLimit,omitempty"`
	LifetimeLimit *int64     `json:"lifetimeLimit,omitempty"`
	LifetimeUsed  int64      `json:"lifetimeUsed"`
}

// KeyStatus is the result of validating a key.
type KeyStatus string

const (
	KeyUnknown KeyStatus = "unknown_key"
	KeyRevoked KeyStatus = "revoked"
	KeyExpired KeyStatus = "expired"
	KeyOK      KeyStatus = "ok"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("api key not found")

// ErrDuplicateEmail is returned when self-service creation would reuse an email.
var ErrDuplicateEmail = errors.New("email already has a key")

// CreateKeyParams are the caller-controlled fields of a new key.
type CreateKeyParams struct {
	Key           string // generated when empty
	Owner         string
	Email         *string
	ExpiresAt     *time.Time
	DailyLimit    *int64
	LifetimeLimit *int64
}

// GenerateKey mints a new opaque key string.
func GenerateKey() string {
	b := make([]byte, 24)
	rand.Read(b)
	return "ck_" + hex.EncodeToString(b)
}

// CreateKey inserts a new key row.
func (s *Store) CreateKey(ctx context.Context, p CreateKeyParams) (*APIKey, error) {
	if p.Key == "" {
		p.Key = GenerateKey()
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO api_keys (key, owner, email, expires_at, daily_limit, lifetime_limit)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.Key, p.Owner, p.Email, p.ExpiresAt, p.DailyLimit, p.LifetimeLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to create api key: %w", err)
	}

	return s.GetKey(ctx, p.Key)
}

// CreateFreeTierKey is the rate-gated self-service path: one month expiry,
// default limits, and at most one key per email.
func (s *Store) CreateFreeTierKey(ctx context.Context, owner, email string, dailyLimit, lifetimeLimit int64) (*APIKey, error) {
	existing, err := s.GetKeyByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, ErrDuplicateEmail
	}

	expires := time.Now().UTC().AddDate(0, 1, 0)
	return s.CreateKey(ctx, CreateKeyParams{
		Owner:         owner,
		Email:         &email,
		ExpiresAt:     &expires,
		DailyLimit:    &dailyLimit,
		LifetimeLimit: &lifetimeLimit,
	})
}

// GetKey fetches one key row.
func (s *Store) GetKey(ctx context.Context, key string) (*APIKey, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT key, owner, email, created_at, expires_at, active, revoked_at,
		       daily_limit, lifetime_limit, lifetime_used
		FROM api_keys WHERE key = ?`, key)
	return scanKey(row)
}

// GetKeyByEmail fetches the key row registered for an email, if any.
func (s *Store) GetKeyByEmail(ctx context.Context, email string) (*APIKey, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT key, owner, email, created_at, expires_at, active, revoked_at,
		       daily_limit, lifetime_limit, lifetime_used
		FROM api_keys WHERE email = ?`, email)
	return scanKey(row)
}

// ListKeys returns every key row, newest first.
func (s *Store) ListKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT key, owner, email, created_at, expires_at, active, revoked_at,
		       daily_limit, lifetime_limit, lifetime_used
		FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		k, err := scanKeyRows(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// UpdateKeyParams carries optional updates; nil fields are left unchanged.
type UpdateKeyParams struct {
	Owner         *string
	ExpiresAt     *time.Time
	DailyLimit    *int64
	LifetimeLimit *int64
	Active        *bool
}

// UpdateKey applies the non-nil fields of p. Setting Active to false
// revokes the key (stamps revoked_at); setting it to true reinstates.
func (s *Store) UpdateKey(ctx context.Context, key string, p UpdateKeyParams) (*APIKey, error) {
	if p.Owner != nil {
		if _, err := s.DB.ExecContext(ctx, `UPDATE api_keys SET owner = ? WHERE key = ?`, *p.Owner, key); err != nil {
			return nil, fmt.Errorf("failed to update owner: %w", err)
		}
	}
	if p.ExpiresAt != nil {
		if _, err := s.DB.ExecContext(ctx, `UPDATE api_keys SET expires_at = ? WHERE key = ?`, *p.ExpiresAt, key); err != nil {
			return nil, fmt.Errorf("failed to update expiry: %w", err)
		}
	}
	if p.DailyLimit != nil {
		if _, err := s.DB.ExecContext(ctx, `UPDATE api_keys SET daily_limit = ? WHERE key = ?`, *p.DailyLimit, key); err != nil {
			return nil, fmt.Errorf("failed to update daily limit: %w", err)
		}
	}
	if p.LifetimeLimit != nil {
		if _, err := s.DB.ExecContext(ctx, `UPDATE api_keys SET lifetime_limit = ? WHERE key = ?`, *p.LifetimeLimit, key); err != nil {
			return nil, fmt.Errorf("failed to update lifetime limit: %w", err)
		}
	}
	if p.Active != nil {
		if *p.Active {
			if _, err := s.DB.ExecContext(ctx, `UPDATE api_keys SET active = 1, revoked_at = NULL WHERE key = ?`, key); err != nil {
				return nil, fmt.Errorf("failed to reinstate key: %w", err)
			}
		} else if err := s.RevokeKey(ctx, key); err != nil {
			return nil, err
		}
	}

	return s.GetKey(ctx, key)
}

// RevokeKey marks a key inactive and stamps revoked_at.
func (s *Store) RevokeKey(ctx context.Context, key string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE api_keys SET active = 0, revoked_at = CURRENT_TIMESTAMP
		WHERE key = ? AND active = 1`, key)
	if err != nil {
		return fmt.Errorf("failed to revoke key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already revoked or unknown; distinguish for callers.
		if _, err := s.GetKey(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// DeleteKey hard-deletes a key and its dependent rows in one transaction.
func (s *Store) DeleteKey(ctx context.Context, key string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	if err := deleteDependents(ctx, tx, key); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM api_keys WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// Validate classifies a key as unknown, revoked, expired, or usable.
func (s *Store) Validate(ctx context.Context, key string) (KeyStatus, error) {
	k, err := s.GetKey(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return KeyUnknown, nil
		}
		return "", err
	}

	if !k.Active {
		return KeyRevoked, nil
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(time.Now().UTC()) {
		return KeyExpired, nil
	}
	return KeyOK, nil
}

// CheckAndIncrementUsage atomically verifies the daily and lifetime limits
// for n captions and, only when both allow, advances both counters. A
// denial leaves every counter untouched.
func (s *Store) CheckAndIncrementUsage(ctx context.Context, key string, n int64) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin usage check: %w", err)
	}
	defer tx.Rollback()

	var dailyLimit, lifetimeLimit sql.NullInt64
	var lifetimeUsed int64
	err = tx.QueryRowContext(ctx, `
		SELECT daily_limit, lifetime_limit, lifetime_used FROM api_keys WHERE key = ?`, key).
		Scan(&dailyLimit, &lifetimeLimit, &lifetimeUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read limits: %w", err)
	}

	date := time.Now().UTC().Format("2006-01-02")

	var todayUsed int64
	err = tx.QueryRowContext(ctx, `
		SELECT count FROM caption_usage WHERE api_key = ? AND date = ?`, key, date).
		Scan(&todayUsed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read daily usage: %w", err)
	}

	if dailyLimit.Valid && todayUsed+n > dailyLimit.Int64 {
		return relayerr.ErrDailyLimit
	}
	if lifetimeLimit.Valid && lifetimeUsed+n > lifetimeLimit.Int64 {
		return relayerr.ErrLifetimeLimit
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO caption_usage (api_key, date, count) VALUES (?, ?, ?)
		ON CONFLICT (api_key, date) DO UPDATE SET count = count + excluded.count`,
		key, date, n); err != nil {
		return fmt.Errorf("failed to increment daily usage: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE api_keys SET lifetime_used = lifetime_used + ? WHERE key = ?`, n, key); err != nil {
		return fmt.Errorf("failed to increment lifetime usage: %w", err)
	}

	return tx.Commit()
}

// Anonymize services an erasure request: blank the owner, revoke the key,
// and drop every dependent row. The key row and email stay until the
// original expiry so the same email cannot re-sign-up around its limits.
func (s *Store) Anonymize(ctx context.Context, key string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin anonymize: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE api_keys SET owner = '', active = 0,
		       revoked_at = COALESCE(revoked_at, CURRENT_TIMESTAMP)
		WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to anonymize key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := deleteDependents(ctx, tx, key); err != nil {
		return err
	}

	return tx.Commit()
}

// CleanRevoked hard-deletes keys revoked more than olderThanDays ago along
// with their dependent rows, in one transaction. With dryRun it only counts.
func (s *Store) CleanRevoked(ctx context.Context, olderThanDays int, dryRun bool) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)

	if dryRun {
		var count int64
		err := s.DB.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM api_keys WHERE revoked_at IS NOT NULL AND revoked_at < ?`, cutoff).
			Scan(&count)
		if err != nil {
			return 0, fmt.Errorf("failed to count revoked keys: %w", err)
		}
		return count, nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin revoked cleanup: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT key FROM api_keys WHERE revoked_at IS NOT NULL AND revoked_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to select revoked keys: %w", err)
	}

	var stale []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return 0, err
		}
		stale = append(stale, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, k := range stale {
		if err := deleteDependents(ctx, tx, k); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM api_keys WHERE key = ?`, k); err != nil {
			return 0, fmt.Errorf("failed to delete revoked key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int64(len(stale)), nil
}

func deleteDependents(ctx context.Context, tx *sql.Tx, key string) error {
	for _, table := range []string{"caption_usage", "session_stats", "caption_errors", "auth_events"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE api_key = ?`, key); err != nil {
			return fmt.Errorf("failed to delete %s rows: %w", table, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row *sql.Row) (*APIKey, error) {
	k, err := scanKeyRows(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return k, nil
}

func scanKeyRows(row rowScanner) (*APIKey, error) {
	var k APIKey
	var active int
	err := row.Scan(&k.Key, &k.Owner, &k.Email, &k.CreatedAt, &k.ExpiresAt,
		&active, &k.RevokedAt, &k.DailyLimit, &k.LifetimeLimit, &k.LifetimeUsed)
	if err != nil {
		return nil, err
	}
	k.Active = active != 0
	return &k, nil
}
