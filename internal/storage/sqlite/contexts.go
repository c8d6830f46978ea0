package sqlite

import (
	"context"
	"time"

	"github.com/eugener/palantir/internal/storage"
)

// GetContext retrieves the stored conversation for a credential.
func (s *Store) GetContext(ctx context.Context, credential string) (*storage.ContextRecord, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT credential, turns_json, last_used, created FROM contexts WHERE credential = ?`,
		credential)

	var rec storage.ContextRecord
	var turns string
	var lastUsed, created string
	if err := row.Scan(&rec.Credential, &turns, &lastUsed, &created); err != nil {
		return nil, notFoundErr(err)
	}
	rec.TurnsJSON = []byte(turns)
	if t, err := time.Parse(time.RFC3339, lastUsed); err == nil {
		rec.LastUsed = t
	}
	if t, err := time.Parse(time.RFC3339, created); err == nil {
		rec.Created = t
	}
	return &rec, nil
}

// PutContext upserts the conversation record, preserving the original created
// timestamp on overwrite.
func (s *Store) PutContext(ctx context.Context, rec *storage.ContextRecord) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO contexts (credential, turns_json, last_used, created)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(credential) DO UPDATE SET turns_json=excluded.turns_json, last_used=excluded.last_used`,
		rec.Credential, string(rec.TurnsJSON),
		rec.LastUsed.UTC().Format(time.RFC3339), rec.Created.UTC().Format(time.RFC3339),
	)
	return err
}

// DeleteContext removes the conversation for a credential. Missing rows are
// not an error: delete is idempotent here.
func (s *Store) DeleteContext(ctx context.Context, credential string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM contexts WHERE credential=?`, credential)
	return err
}

// DeleteExpiredContexts removes records last used before cutoff.
func (s *Store) DeleteExpiredContexts(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM contexts WHERE last_used < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
