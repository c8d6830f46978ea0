// Package worker provides the background schedulers: daily quota reset,
// score refresh, usage reporting, and context/cache sweeps.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	// Periodic task failures are logged, not returned: one bad tick must not
	// take the scheduler down.
	Run(ctx context.Context) error
}
