package txn

import (
	"context"

	"github.com/iamNilotpal/ember/pkg/errors"
)

// Routine is the body of a retryable atomic operation: it receives a fresh
// atomic bound to a fresh snapshot on every attempt.
type Routine func(a *Atomic) error

// ExecuteWithRetry runs the routine inside an atomic, commits, and re-runs
// the whole routine whenever the commit conflicts. There is no retry cap at
// this layer; cancellation belongs to the caller's context.
func ExecuteWithRetry(ctx context.Context, store Store, routine Routine) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		a := New(store)
		if err := routine(a); err != nil {
			a.Abort()
			if errors.IsRetry(err) {
				continue
			}
			return err
		}

		err := a.Commit()
		if err == nil {
			return nil
		}
		if !errors.IsRetry(err) {
			return err
		}
	}
}
