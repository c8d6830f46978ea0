// Package contextstore persists conversation turns keyed by caller
// credential, with TTL expiry and token-aware truncation. Three backends
// share one contract: in-process memory, SQLite, and Redis.
package contextstore

import (
	"context"
	"errors"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/tokencount"
)

// ErrPairTooLarge is returned by Save when the newest user+model pair alone
// exceeds the token limit. The store keeps its previous state; the caller may
// still forward the raw request.
var ErrPairTooLarge = errors.New("newest turn pair exceeds token limit")

// Store is the conversation persistence contract. Credential is the caller's
// stable identity; all methods are safe for concurrent use. Load returns
// (nil, nil) when no record exists.
type Store interface {
	Load(ctx context.Context, credential string) ([]proxy.Turn, error)
	// Save merges appended turns with the stored record, truncates from the
	// oldest turn pair until the serialized estimate fits tokenLimit, and
	// persists the result. Returns ErrPairTooLarge without updating when
	// truncation cannot make the newest pair fit.
	Save(ctx context.Context, credential string, appended []proxy.Turn, tokenLimit int) error
	Delete(ctx context.Context, credential string) error
	// SweepExpired removes records idle past the TTL and returns how many.
	SweepExpired(ctx context.Context) (int, error)
}

// Truncate drops whole turn pairs from the oldest end until the serialized
// estimate of the remainder fits limit. Parts are preserved verbatim; only
// whole turns are removed. Returns ErrPairTooLarge when even the newest pair
// does not fit.
func Truncate(turns []proxy.Turn, limit int) ([]proxy.Turn, error) {
	for len(turns) > 0 {
		if tokencount.EstimateTurns(turns) <= limit {
			return turns, nil
		}
		if len(turns) <= 2 {
			return nil, ErrPairTooLarge
		}
		turns = turns[2:]
	}
	return turns, nil
}

// merge appends new turns to the stored ones and truncates to fit.
func merge(existing, appended []proxy.Turn, limit int) ([]proxy.Turn, error) {
	merged := make([]proxy.Turn, 0, len(existing)+len(appended))
	merged = append(merged, existing...)
	merged = append(merged, appended...)
	return Truncate(merged, limit)
}
