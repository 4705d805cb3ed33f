package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/haldane/conduit"
	"github.com/haldane/conduit/service"
)

// SaveService upserts the service Hash and appends the schema version.
func (s *Store) SaveService(ctx context.Context, svc *service.Service, sv *service.SchemaVersion) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, serviceKey(svc.Name), serviceToMap(svc))
	pipe.SAdd(ctx, serviceNamesKey, svc.Name)
	pipe.HSet(ctx, schemaVersionKey(sv.ServiceName, sv.Version), map[string]interface{}{
		"service_name": sv.ServiceName,
		"version":      strconv.Itoa(sv.Version),
		"input":        string(sv.Input),
		"output":       string(sv.Output),
		"created_at":   sv.CreatedAt.Format(time.RFC3339Nano),
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conduit/redis: save service: %w", err)
	}
	return nil
}

// GetService retrieves a service by name.
func (s *Store) GetService(ctx context.Context, name string) (*service.Service, error) {
	vals, err := s.client.HGetAll(ctx, serviceKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("conduit/redis: get service: %w", err)
	}
	if len(vals) == 0 {
		return nil, conduit.ErrServiceNotFound
	}
	return mapToService(vals), nil
}

// ListServices returns all services ordered by registration time.
func (s *Store) ListServices(ctx context.Context) ([]*service.Service, error) {
	names, err := s.client.SMembers(ctx, serviceNamesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conduit/redis: list services smembers: %w", err)
	}

	services := make([]*service.Service, 0, len(names))
	for _, name := range names {
		vals, getErr := s.client.HGetAll(ctx, serviceKey(name)).Result()
		if getErr != nil || len(vals) == 0 {
			continue // skip missing
		}
		services = append(services, mapToService(vals))
	}

	sort.Slice(services, func(i, k int) bool {
		if !services[i].RegisteredAt.Equal(services[k].RegisteredAt) {
			return services[i].RegisteredAt.Before(services[k].RegisteredAt)
		}
		return services[i].Name < services[k].Name
	})
	return services, nil
}

// HeartbeatService refreshes the service's last-seen timestamp.
func (s *Store) HeartbeatService(ctx context.Context, name string, at time.Time) error {
	key := serviceKey(name)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conduit/redis: heartbeat exists: %w", err)
	}
	if exists == 0 {
		return conduit.ErrServiceNotFound
	}

	atStr := at.Format(time.RFC3339Nano)
	_, err = s.client.HSet(ctx, key, "last_seen_at", atStr, "updated_at", atStr).Result()
	if err != nil {
		return fmt.Errorf("conduit/redis: heartbeat service: %w", err)
	}
	return nil
}

// RetireService soft-retires the service.
func (s *Store) RetireService(ctx context.Context, name string, at time.Time) error {
	key := serviceKey(name)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conduit/redis: retire exists: %w", err)
	}
	if exists == 0 {
		return conduit.ErrServiceNotFound
	}

	_, err = s.client.HSet(ctx, key,
		"retired", "1",
		"updated_at", at.Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("conduit/redis: retire service: %w", err)
	}
	return nil
}

// GetSchemaVersion retrieves one immutable schema pair.
func (s *Store) GetSchemaVersion(ctx context.Context, name string, version int) (*service.SchemaVersion, error) {
	vals, err := s.client.HGetAll(ctx, schemaVersionKey(name, version)).Result()
	if err != nil {
		return nil, fmt.Errorf("conduit/redis: get schema version: %w", err)
	}
	if len(vals) == 0 {
		return nil, conduit.ErrSchemaVersionNotFound
	}

	v, _ := strconv.Atoi(vals["version"])                            //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, vals["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	return &service.SchemaVersion{
		ServiceName: vals["service_name"],
		Version:     v,
		Input:       []byte(vals["input"]),
		Output:      []byte(vals["output"]),
		CreatedAt:   createdAt,
	}, nil
}

// ── helpers ──

func serviceToMap(svc *service.Service) map[string]interface{} {
	retired := "0"
	if svc.Retired {
		retired = "1"
	}
	return map[string]interface{}{
		"name":            svc.Name,
		"description":     svc.Description,
		"current_version": strconv.Itoa(svc.CurrentVersion),
		"retired":         retired,
		"registered_at":   svc.RegisteredAt.Format(time.RFC3339Nano),
		"last_seen_at":    svc.LastSeenAt.Format(time.RFC3339Nano),
		"updated_at":      svc.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func mapToService(m map[string]string) *service.Service {
	version, _ := strconv.Atoi(m["current_version"])                    //nolint:errcheck // best-effort parse from trusted Redis data
	registeredAt, _ := time.Parse(time.RFC3339Nano, m["registered_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	lastSeenAt, _ := time.Parse(time.RFC3339Nano, m["last_seen_at"])    //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])       //nolint:errcheck // best-effort parse from trusted Redis data

	return &service.Service{
		Name:           m["name"],
		Description:    m["description"],
		CurrentVersion: version,
		Retired:        m["retired"] == "1",
		RegisteredAt:   registeredAt,
		LastSeenAt:     lastSeenAt,
		UpdatedAt:      updatedAt,
	}
}
