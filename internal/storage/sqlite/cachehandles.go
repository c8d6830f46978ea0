package sqlite

import (
	"context"
	"errors"
	"time"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

const handleColumns = `id, upstream_id, content_hash, owning_key_id, credential, created_at, expires_at`

// CreateCacheHandle inserts a cache handle row.
func (s *Store) CreateCacheHandle(ctx context.Context, h *storage.CacheHandleRecord) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO cache_handles (id, upstream_id, content_hash, owning_key_id, credential, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.UpstreamID, h.ContentHash, h.OwningKeyID, h.Credential,
		h.CreatedAt.UTC().Format(time.RFC3339), h.ExpiresAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetCacheHandle retrieves a handle by id.
func (s *Store) GetCacheHandle(ctx context.Context, id string) (*storage.CacheHandleRecord, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+handleColumns+` FROM cache_handles WHERE id = ?`, id)
	return scanHandle(row)
}

// FindCacheHandle retrieves the newest handle matching a credential and
// content hash, or nil when none exists.
func (s *Store) FindCacheHandle(ctx context.Context, credential, contentHash string) (*storage.CacheHandleRecord, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+handleColumns+` FROM cache_handles
		 WHERE credential = ? AND content_hash = ?
		 ORDER BY created_at DESC LIMIT 1`, credential, contentHash)
	h, err := scanHandle(row)
	if errors.Is(err, proxy.ErrNotFound) {
		return nil, nil
	}
	return h, err
}

// ListCacheHandles returns all handles for a credential.
func (s *Store) ListCacheHandles(ctx context.Context, credential string) ([]*storage.CacheHandleRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+handleColumns+` FROM cache_handles WHERE credential = ? ORDER BY created_at DESC`,
		credential)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var handles []*storage.CacheHandleRecord
	for rows.Next() {
		h, err := scanHandle(rows)
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

// DeleteCacheHandle removes a handle row.
func (s *Store) DeleteCacheHandle(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM cache_handles WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "cache handle")
}

// ExpireCacheHandle rewinds a handle's expiry, orphaning it for the sweeper.
func (s *Store) ExpireCacheHandle(ctx context.Context, id string, at time.Time) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE cache_handles SET expires_at=? WHERE id=?`,
		at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "cache handle")
}

// LiveCacheHandles returns handles not yet past cutoff, for owner
// eligibility checks during sweeps.
func (s *Store) LiveCacheHandles(ctx context.Context, cutoff time.Time) ([]*storage.CacheHandleRecord, error) {
	return s.handlesByExpiry(ctx,
		`SELECT `+handleColumns+` FROM cache_handles WHERE expires_at >= ?`, cutoff)
}

// ExpiredCacheHandles returns handles past cutoff so the sweeper can delete
// the upstream entries before removing the rows.
func (s *Store) ExpiredCacheHandles(ctx context.Context, cutoff time.Time) ([]*storage.CacheHandleRecord, error) {
	return s.handlesByExpiry(ctx,
		`SELECT `+handleColumns+` FROM cache_handles WHERE expires_at < ?`, cutoff)
}

func (s *Store) handlesByExpiry(ctx context.Context, query string, cutoff time.Time) ([]*storage.CacheHandleRecord, error) {
	rows, err := s.read.QueryContext(ctx, query, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var handles []*storage.CacheHandleRecord
	for rows.Next() {
		h, err := scanHandle(rows)
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

func scanHandle(s scanner) (*storage.CacheHandleRecord, error) {
	var h storage.CacheHandleRecord
	var createdAt, expiresAt string
	err := s.Scan(&h.ID, &h.UpstreamID, &h.ContentHash, &h.OwningKeyID, &h.Credential, &createdAt, &expiresAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	if t, perr := time.Parse(time.RFC3339, createdAt); perr == nil {
		h.CreatedAt = t
	}
	if t, perr := time.Parse(time.RFC3339, expiresAt); perr == nil {
		h.ExpiresAt = t
	}
	return &h, nil
}
