package repositories

import "errors"

// ErrNotFound is returned by store methods when the requested record does
// not exist in the database. Callers should check for this error explicitly
// using errors.Is to distinguish missing records from other database errors.
//
//	job, err := store.GetJob(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example a second session-ID assignment on the same job.
var ErrConflict = errors.New("record already exists")

// ErrAborted is returned by SetStatus when the transition was refused
// because the job's prevailing status is aborted. Aborted is absorbing:
// the executor observes cancellation exactly through this error.
var ErrAborted = errors.New("job is aborted")

// ErrIllegalTransition is returned by SetStatus when the job's prevailing
// status is outside the caller's from-set (and not aborted).
var ErrIllegalTransition = errors.New("illegal status transition")
