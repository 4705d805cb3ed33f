package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/haldane/conduit"
	"github.com/haldane/conduit/service"
)

const serviceColumns = `
	name, description, current_version, retired,
	registered_at, last_seen_at, updated_at`

// SaveService upserts the service row and appends the schema version in
// one transaction, so a re-registration is observed atomically.
func (s *Store) SaveService(ctx context.Context, svc *service.Service, sv *service.SchemaVersion) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conduit/postgres: begin save service: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx, `
		INSERT INTO conduit_services (
			name, description, current_version, retired,
			registered_at, last_seen_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			current_version = EXCLUDED.current_version,
			retired = EXCLUDED.retired,
			last_seen_at = EXCLUDED.last_seen_at,
			updated_at = EXCLUDED.updated_at`,
		svc.Name, svc.Description, svc.CurrentVersion, svc.Retired,
		svc.RegisteredAt, svc.LastSeenAt, svc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("conduit/postgres: upsert service: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO conduit_schema_versions (
			service_name, version, input, output, created_at
		) VALUES ($1, $2, $3, $4, $5)`,
		sv.ServiceName, sv.Version, []byte(sv.Input), []byte(sv.Output), sv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("conduit/postgres: insert schema version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conduit/postgres: commit save service: %w", err)
	}
	return nil
}

// GetService retrieves a service by name.
func (s *Store) GetService(ctx context.Context, name string) (*service.Service, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+serviceColumns+` FROM conduit_services WHERE name = $1`,
		name,
	)

	svc, err := scanService(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conduit.ErrServiceNotFound
		}
		return nil, fmt.Errorf("conduit/postgres: get service: %w", err)
	}
	return svc, nil
}

// ListServices returns all services ordered by registration time.
func (s *Store) ListServices(ctx context.Context) ([]*service.Service, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+serviceColumns+` FROM conduit_services ORDER BY registered_at ASC, name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("conduit/postgres: list services: %w", err)
	}
	defer rows.Close()

	var services []*service.Service
	for rows.Next() {
		svc, scanErr := scanService(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conduit/postgres: scan service row: %w", scanErr)
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conduit/postgres: iterate service rows: %w", err)
	}
	return services, nil
}

// HeartbeatService refreshes the service's last-seen timestamp.
func (s *Store) HeartbeatService(ctx context.Context, name string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conduit_services SET last_seen_at = $2, updated_at = $2 WHERE name = $1`,
		name, at,
	)
	if err != nil {
		return fmt.Errorf("conduit/postgres: heartbeat service: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conduit.ErrServiceNotFound
	}
	return nil
}

// RetireService soft-retires the service.
func (s *Store) RetireService(ctx context.Context, name string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conduit_services SET retired = TRUE, updated_at = $2 WHERE name = $1`,
		name, at,
	)
	if err != nil {
		return fmt.Errorf("conduit/postgres: retire service: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conduit.ErrServiceNotFound
	}
	return nil
}

// GetSchemaVersion retrieves one immutable schema pair.
func (s *Store) GetSchemaVersion(ctx context.Context, name string, version int) (*service.SchemaVersion, error) {
	var (
		sv     service.SchemaVersion
		input  []byte
		output []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT service_name, version, input, output, created_at
		FROM conduit_schema_versions
		WHERE service_name = $1 AND version = $2`,
		name, version,
	).Scan(&sv.ServiceName, &sv.Version, &input, &output, &sv.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, conduit.ErrSchemaVersionNotFound
		}
		return nil, fmt.Errorf("conduit/postgres: get schema version: %w", err)
	}
	sv.Input = input
	sv.Output = output
	return &sv, nil
}

// scanService scans a single service row.
func scanService(row pgx.Row) (*service.Service, error) {
	var svc service.Service
	err := row.Scan(
		&svc.Name, &svc.Description, &svc.CurrentVersion, &svc.Retired,
		&svc.RegisteredAt, &svc.LastSeenAt, &svc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &svc, nil
}
