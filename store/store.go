// Package store defines the aggregate persistence interface. The job and
// service subsystems each define their own store interface; the composite
// Store composes them. Backends: Postgres (pgx), Bun, Redis, and Memory.
package store

import (
	"context"

	"github.com/haldane/conduit/job"
	"github.com/haldane/conduit/service"
)

// Store is the aggregate persistence interface. A single backend
// implements both subsystem stores plus lifecycle operations.
type Store interface {
	job.Store
	service.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
