package controller

import (
	"errors"
	"strings"
)

// NothingToDoError means every requested action already has a completed
// job, so the request produces no new work. Callers surface this to the
// user as success.
type NothingToDoError struct {
	RapID string
}

func (e *NothingToDoError) Error() string {
	return "nothing to do: all actions have already run"
}

// StaleCodelistsError means the request's codelists are out of date with
// respect to the backend database, and the request includes database work.
type StaleCodelistsError struct {
	RapID string
}

func (e *StaleCodelistsError) Error() string {
	return "codelists are out of date with the database and must be refreshed"
}

// IsNothingToDo reports whether err is a NothingToDoError.
func IsNothingToDo(err error) bool {
	var e *NothingToDoError
	return errors.As(err, &e)
}

// IsStaleCodelists reports whether err is a StaleCodelistsError.
func IsStaleCodelists(err error) bool {
	var e *StaleCodelistsError
	return errors.As(err, &e)
}

// ValidationError is a request problem whose message is safe to return to
// the client.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// IsValidationError reports whether err is safe to surface to the client.
func IsValidationError(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// The fatal predicates below decide whether an unexpected error kills the
// loop (controller) or fails the job permanently (agent task error). The
// real error taxonomy is still being enumerated; until then only the
// test markers trip them, and everything else is treated as retryable.
// TODO: enumerate fatal error classes once observed in production

// IsFatalControllerError reports whether the per-job handler error should
// mark the job INTERNAL_ERROR and crash the loop for a supervisor restart.
func IsFatalControllerError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "test_hard_failure")
}

// IsFatalJobError reports whether an agent-reported task error is
// permanent for the job (JOB_ERROR) rather than retryable via a new task.
func IsFatalJobError(errMsg string) bool {
	return strings.Contains(errMsg, "test_job_failure")
}
