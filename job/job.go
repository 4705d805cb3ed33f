// Package job defines the job entity, its lifecycle states, and the
// persistence contract the lifecycle engine operates through.
package job

import (
	"encoding/json"
	"time"

	"github.com/haldane/conduit/id"
)

// State represents the lifecycle state of a job.
//
// Legal transitions:
//
//	registered --claim--> working
//	working    --complete--> complete
//	working    --fail--> failed
//	working    --claim expired--> registered (requeue) or failed (retries exhausted)
//	registered --service retired--> failed
//
// complete and failed are terminal.
type State string

const (
	// StateRegistered means the job is waiting to be claimed by its
	// target service.
	StateRegistered State = "registered"
	// StateWorking means a service has claimed the job and is executing it.
	StateWorking State = "working"
	// StateComplete means the service reported a result that passed the
	// output schema.
	StateComplete State = "complete"
	// StateFailed means the service reported failure, the job exhausted
	// its retries, or its service was retired before it was claimed.
	StateFailed State = "failed"
)

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Job represents one unit of work submitted against a service.
//
// Input is immutable once accepted; only state, claim bookkeeping, and the
// result fields change afterwards, and only through conditional store
// transitions.
type Job struct {
	ID          id.JobID        `json:"id"`
	ServiceName string          `json:"service_name"`
	// SchemaVersion is the service schema version captured at submission.
	// Re-registering the service never changes it.
	SchemaVersion int             `json:"schema_version"`
	Input         json.RawMessage `json:"input"`
	Output        json.RawMessage `json:"output,omitempty"`
	State         State           `json:"state"`

	// Attempt counts successful claims. The claim token is only valid for
	// the attempt it was issued with; a requeue invalidates it.
	Attempt    int        `json:"attempt"`
	ClaimToken id.ClaimID `json:"-"`

	RetryCount    int    `json:"retry_count"`
	MaxRetries    int    `json:"max_retries"`
	FailureReason string `json:"failure_reason,omitempty"`

	// NotBefore delays claim eligibility after a requeue.
	NotBefore      time.Time  `json:"not_before"`
	ClaimDeadline  *time.Time `json:"claim_deadline,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
