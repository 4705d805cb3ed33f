package job

import (
	"context"
	"time"

	"github.com/haldane/conduit/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Service filters by target service name. Empty means all services.
	Service string
	// State filters by job state. Empty means all states.
	State State
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Service filters by target service name. Empty means all services.
	Service string
	// State filters by job state. Empty means all states.
	State State
}

// Store defines the persistence contract for jobs.
//
// Every state-changing method is a conditional write: it succeeds only if
// the job is currently in the expected state (and, where noted, on the
// expected claim attempt). A failed condition returns conduit.ErrInvalidState
// or conduit.ErrStaleClaim; it never partially applies.
type Store interface {
	// CreateJob persists a new job in registered state.
	CreateJob(ctx context.Context, j *Job) error

	// ClaimJob atomically selects the single oldest eligible registered
	// job targeting the service (FIFO by creation time, ID order as the
	// deterministic tie-break), transitions it to working, increments its
	// attempt counter, and stamps the claim token and deadline. Under
	// concurrent calls each registered job is handed to exactly one
	// caller. Returns (nil, nil) when no job is eligible.
	ClaimJob(ctx context.Context, service string, token id.ClaimID, now, deadline time.Time) (*Job, error)

	// GetJob retrieves a job snapshot by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// CompleteJob transitions working → complete and stores the output.
	// Conditional on the job being in working state with a matching claim
	// token.
	CompleteJob(ctx context.Context, jobID id.JobID, token id.ClaimID, output []byte, now time.Time) error

	// FailJob transitions working → failed and stores the reason.
	// Conditional on working state with a matching claim token.
	FailJob(ctx context.Context, jobID id.JobID, token id.ClaimID, reason string, now time.Time) error

	// ExpiredJobs returns working jobs whose claim deadline has elapsed.
	ExpiredJobs(ctx context.Context, now time.Time) ([]*Job, error)

	// RequeueJob transitions working → registered for a fresh claim,
	// incrementing the retry counter and clearing the claim. The job is
	// not claimable again before notBefore. Conditional on working state
	// with the given attempt number, so a racing complete wins cleanly.
	RequeueJob(ctx context.Context, jobID id.JobID, attempt int, notBefore, now time.Time) error

	// ForceFailJob transitions working → failed for a job whose retries
	// are exhausted. Conditional on working state with the given attempt.
	ForceFailJob(ctx context.Context, jobID id.JobID, attempt int, reason string, now time.Time) error

	// FailRegisteredJobs transitions every registered job targeting the
	// service to failed and returns how many were transitioned. Used when
	// a service is retired.
	FailRegisteredJobs(ctx context.Context, service, reason string, now time.Time) (int64, error)

	// ListJobs returns jobs matching the given options, ordered by
	// creation time.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)
}
