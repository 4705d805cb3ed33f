// Package service defines the service entity, its versioned schema pair,
// the persistence contract, and the Registry that governs registration,
// liveness, and schema resolution.
package service

import (
	"encoding/json"
	"time"
)

// Status is the computed liveness of a service.
type Status string

const (
	// StatusOnline means the service heartbeated within the liveness window.
	StatusOnline Status = "online"
	// StatusOffline means the service missed its liveness window or was
	// retired.
	StatusOffline Status = "offline"
)

// Service is a registered compute service, identified by unique name.
//
// A service's schemas are versioned: re-registration appends a new version
// for future jobs and never mutates earlier versions, so in-flight jobs
// keep the contract captured at their creation.
type Service struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// CurrentVersion is the schema version new submissions are validated
	// against.
	CurrentVersion int `json:"current_version"`

	// Retired services accept no new jobs but are kept while jobs
	// reference them.
	Retired bool `json:"retired"`

	RegisteredAt time.Time `json:"registered_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StatusAt computes the service status at the given instant: online iff the
// last heartbeat falls within the liveness window and the service is not
// retired.
func (s *Service) StatusAt(now time.Time, window time.Duration) Status {
	if s.Retired {
		return StatusOffline
	}
	if now.Sub(s.LastSeenAt) <= window {
		return StatusOnline
	}
	return StatusOffline
}

// SchemaVersion is one immutable (input schema, output schema) pair for a
// service, identified by (service name, version).
type SchemaVersion struct {
	ServiceName string          `json:"service_name"`
	Version     int             `json:"version"`
	Input       json.RawMessage `json:"input"`
	Output      json.RawMessage `json:"output"`
	CreatedAt   time.Time       `json:"created_at"`
}
