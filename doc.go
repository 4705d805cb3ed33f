// Package conduit provides an asynchronous job queue that brokers work
// between client programs and registered compute services. Clients submit
// jobs addressed to a named service; services poll for assigned work,
// execute it out of process, and report results back. Submission never
// blocks on completion.
//
// Conduit is designed as a library, not a service. Import it, configure a
// store, register services with their input/output JSON Schemas, and serve
// the HTTP binding from the api package.
//
// # Quick Start
//
//	b, err := conduit.New(
//	    conduit.WithStore(memory.New()),
//	    conduit.WithClaimTTL(2*time.Minute),
//	)
//
// # Architecture
//
// Conduit follows a composable store pattern: the job and service subsystems
// each define their own store interface, and a single backend implements
// both. Every state-changing store operation is a conditional write guarded
// by the job's current state and claim attempt, so transition races fail
// loudly instead of corrupting the state machine.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers. Job IDs therefore sort in creation order, which the claim
// path relies on for deterministic FIFO tie-breaks.
package conduit
