package sqlite

import (
	"context"
	"database/sql"
	"time"

	proxy "github.com/eugener/palantir/internal"
)

const keyColumns = `id, secret, description, enabled, auth_type,
	 context_completion_enabled, disabled_reason, created_at, expires_at, last_used_at`

// CreateKey inserts a new upstream key.
func (s *Store) CreateKey(ctx context.Context, key *proxy.UpstreamKey) error {
	authType := key.AuthType
	if authType == "" {
		authType = proxy.AuthTypeAPIKey
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO upstream_keys (id, secret, description, enabled, auth_type,
		 context_completion_enabled, disabled_reason, created_at, expires_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Secret, key.Description, boolToInt(key.Enabled), authType,
		boolToInt(key.ContextCompletion), key.DisabledReason,
		key.CreatedAt.UTC().Format(time.RFC3339), timeToStr(key.ExpiresAt), timeToStr(key.LastUsedAt),
	)
	return err
}

// GetKey retrieves an upstream key by its ID.
func (s *Store) GetKey(ctx context.Context, id string) (*proxy.UpstreamKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM upstream_keys WHERE id = ?`, id)
	return scanKey(row)
}

// ListKeys returns every upstream key, oldest first so pool ordering is
// stable across restarts.
func (s *Store) ListKeys(ctx context.Context) ([]*proxy.UpstreamKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM upstream_keys ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*proxy.UpstreamKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey updates an existing upstream key.
func (s *Store) UpdateKey(ctx context.Context, key *proxy.UpstreamKey) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE upstream_keys SET secret=?, description=?, enabled=?, auth_type=?,
		 context_completion_enabled=?, disabled_reason=?, expires_at=? WHERE id=?`,
		key.Secret, key.Description, boolToInt(key.Enabled), key.AuthType,
		boolToInt(key.ContextCompletion), key.DisabledReason,
		timeToStr(key.ExpiresAt), key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream key")
}

// DeleteKey removes an upstream key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM upstream_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream key")
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE upstream_keys SET last_used_at=? WHERE id=?`,
		at.UTC().Format(time.RFC3339), id,
	)
	return err
}

func scanKey(s scanner) (*proxy.UpstreamKey, error) {
	var k proxy.UpstreamKey
	var description, disabledReason sql.NullString
	var expiresAt, lastUsedAt, createdAt sql.NullString
	var enabled, contextCompletion int

	err := s.Scan(
		&k.ID, &k.Secret, &description, &enabled, &k.AuthType,
		&contextCompletion, &disabledReason, &createdAt, &expiresAt, &lastUsedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Description = description.String
	k.Enabled = enabled != 0
	k.ContextCompletion = contextCompletion != 0
	k.DisabledReason = disabledReason.String
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	k.ExpiresAt = parseTime(expiresAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	return &k, nil
}
