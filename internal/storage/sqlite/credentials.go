package sqlite

import (
	"context"
	"database/sql"
	"time"

	proxy "github.com/eugener/palantir/internal"
)

// CreateCredential inserts a new caller credential. Only the secret hash is
// stored.
func (s *Store) CreateCredential(ctx context.Context, c *proxy.Credential) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO credentials (id, secret_hash, description, is_admin, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.SecretHash, c.Description, boolToInt(c.IsAdmin),
		c.CreatedAt.UTC().Format(time.RFC3339), timeToStr(c.ExpiresAt),
	)
	return err
}

// GetCredentialByHash retrieves a credential by its SHA-256 secret hash.
func (s *Store) GetCredentialByHash(ctx context.Context, hash string) (*proxy.Credential, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, secret_hash, description, is_admin, created_at, expires_at
		 FROM credentials WHERE secret_hash = ?`, hash)
	return scanCredential(row)
}

// ListCredentials returns all caller credentials.
func (s *Store) ListCredentials(ctx context.Context) ([]*proxy.Credential, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, secret_hash, description, is_admin, created_at, expires_at
		 FROM credentials ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*proxy.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// DeleteCredential removes a caller credential.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM credentials WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "credential")
}

func scanCredential(s scanner) (*proxy.Credential, error) {
	var c proxy.Credential
	var description sql.NullString
	var createdAt, expiresAt sql.NullString
	var isAdmin int

	err := s.Scan(&c.ID, &c.SecretHash, &description, &isAdmin, &createdAt, &expiresAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	c.Description = description.String
	c.IsAdmin = isAdmin != 0
	if t := parseTime(createdAt); t != nil {
		c.CreatedAt = *t
	}
	c.ExpiresAt = parseTime(expiresAt)
	return &c, nil
}
