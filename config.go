package conduit

import "time"

// Config holds configuration for the Broker.
type Config struct {
	// ClaimTTL is how long a claimed (working) job may go without a
	// result before its claim expires and it becomes eligible for requeue.
	ClaimTTL time.Duration

	// MaxRetries is the number of requeue attempts a job is allowed
	// before the sweeper forces it to failed.
	MaxRetries int

	// LivenessWindow is how long after its last heartbeat a service is
	// still considered online.
	LivenessWindow time.Duration

	// SweepInterval is how often the background sweeper scans working
	// jobs for expired claims.
	SweepInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ClaimTTL:       2 * time.Minute,
		MaxRetries:     3,
		LivenessWindow: 30 * time.Second,
		SweepInterval:  10 * time.Second,
	}
}
