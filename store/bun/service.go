package bunstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/haldane/conduit"
	"github.com/haldane/conduit/service"
)

// SaveService upserts the service row and appends the schema version in
// one transaction.
func (s *Store) SaveService(ctx context.Context, svc *service.Service, sv *service.SchemaVersion) error {
	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().Model(toServiceModel(svc)).
			On("CONFLICT (name) DO UPDATE").
			Set("description = EXCLUDED.description").
			Set("current_version = EXCLUDED.current_version").
			Set("retired = EXCLUDED.retired").
			Set("last_seen_at = EXCLUDED.last_seen_at").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("conduit/bun: upsert service: %w", err)
		}

		_, err = tx.NewInsert().Model(toSchemaVersionModel(sv)).Exec(ctx)
		if err != nil {
			return fmt.Errorf("conduit/bun: insert schema version: %w", err)
		}
		return nil
	})
}

// GetService retrieves a service by name.
func (s *Store) GetService(ctx context.Context, name string) (*service.Service, error) {
	m := new(serviceModel)
	err := s.db.NewSelect().Model(m).
		Where("name = ?", name).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, conduit.ErrServiceNotFound
		}
		return nil, fmt.Errorf("conduit/bun: get service: %w", err)
	}
	return fromServiceModel(m), nil
}

// ListServices returns all services ordered by registration time.
func (s *Store) ListServices(ctx context.Context) ([]*service.Service, error) {
	var models []serviceModel
	err := s.db.NewSelect().Model(&models).
		Order("registered_at ASC", "name ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("conduit/bun: list services: %w", err)
	}

	services := make([]*service.Service, 0, len(models))
	for i := range models {
		services = append(services, fromServiceModel(&models[i]))
	}
	return services, nil
}

// HeartbeatService refreshes the service's last-seen timestamp.
func (s *Store) HeartbeatService(ctx context.Context, name string, at time.Time) error {
	res, err := s.db.NewUpdate().
		TableExpr("conduit_services").
		Set("last_seen_at = ?", at).
		Set("updated_at = ?", at).
		Where("name = ?", name).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("conduit/bun: heartbeat service: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return conduit.ErrServiceNotFound
	}
	return nil
}

// RetireService soft-retires the service.
func (s *Store) RetireService(ctx context.Context, name string, at time.Time) error {
	res, err := s.db.NewUpdate().
		TableExpr("conduit_services").
		Set("retired = TRUE").
		Set("updated_at = ?", at).
		Where("name = ?", name).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("conduit/bun: retire service: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return conduit.ErrServiceNotFound
	}
	return nil
}

// GetSchemaVersion retrieves one immutable schema pair.
func (s *Store) GetSchemaVersion(ctx context.Context, name string, version int) (*service.SchemaVersion, error) {
	m := new(schemaVersionModel)
	err := s.db.NewSelect().Model(m).
		Where("service_name = ?", name).
		Where("version = ?", version).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, conduit.ErrSchemaVersionNotFound
		}
		return nil, fmt.Errorf("conduit/bun: get schema version: %w", err)
	}
	return fromSchemaVersionModel(m), nil
}
