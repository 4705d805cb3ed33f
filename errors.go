package conduit

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("conduit: no store configured")
	ErrStoreClosed     = errors.New("conduit: store closed")
	ErrMigrationFailed = errors.New("conduit: migration failed")

	// Not found errors.
	ErrServiceNotFound       = errors.New("conduit: service not found")
	ErrJobNotFound           = errors.New("conduit: job not found")
	ErrSchemaVersionNotFound = errors.New("conduit: schema version not found")

	// Conflict errors.
	ErrJobExists      = errors.New("conduit: job already exists")
	ErrServiceRetired = errors.New("conduit: service retired")

	// State errors. Both signal a race or a stale caller view; callers
	// should re-fetch the job and decide.
	ErrInvalidState = errors.New("conduit: invalid state transition")
	ErrStaleClaim   = errors.New("conduit: stale claim token")
)
