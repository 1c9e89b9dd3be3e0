package update

import (
	"errors"
	"fmt"
)

// Error taxonomy for an apply attempt. The push path surfaces these directly
// to the operator; the pull path catches them, rolls back, and persists a
// structured failure status.
var (
	// ErrConnectivity: fetch/clone failed. Retried on the next scheduled
	// tick, never immediately.
	ErrConnectivity = errors.New("update source unreachable")

	// ErrArtifactWrite: copying a managed artifact to its live path failed.
	// Fatal; remaining artifacts in the attempt are not touched.
	ErrArtifactWrite = errors.New("artifact write failed")

	// ErrMigration: a one-time migration's side effect failed. Its marker is
	// not written, so the (idempotent) action is retried next attempt.
	ErrMigration = errors.New("migration failed")

	// ErrHealthCheck: the service did not report healthy within the bounded
	// poll. Triggers rollback on the pull path; surfaced as a warning on
	// the push path.
	ErrHealthCheck = errors.New("service unhealthy after restart")
)

// ApplyError carries the process exit code and diagnostic for a failed
// apply attempt.
type ApplyError struct {
	ExitCode   int
	Diagnostic string
	Err        error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply failed: %s", e.Diagnostic)
}

func (e *ApplyError) Unwrap() error { return e.Err }

func applyErr(err error, format string, args ...any) *ApplyError {
	return &ApplyError{
		ExitCode:   1,
		Diagnostic: fmt.Sprintf(format, args...),
		Err:        err,
	}
}
