package service

import (
	"context"
	"time"
)

// Store defines the persistence contract for services and their schema
// versions. Schema versions are append-only: SaveService adds a version,
// nothing ever rewrites one.
type Store interface {
	// SaveService upserts the service row and appends the given schema
	// version atomically. On first registration it creates the service;
	// on re-registration it supersedes the current version pointer while
	// leaving earlier versions untouched.
	SaveService(ctx context.Context, svc *Service, sv *SchemaVersion) error

	// GetService retrieves a service by name.
	GetService(ctx context.Context, name string) (*Service, error)

	// ListServices returns all services ordered by registration time.
	ListServices(ctx context.Context) ([]*Service, error)

	// HeartbeatService refreshes the service's last-seen timestamp.
	HeartbeatService(ctx context.Context, name string, at time.Time) error

	// RetireService soft-retires the service. The row is kept while jobs
	// reference it.
	RetireService(ctx context.Context, name string, at time.Time) error

	// GetSchemaVersion retrieves one immutable schema pair.
	GetSchemaVersion(ctx context.Context, name string, version int) (*SchemaVersion, error)
}
