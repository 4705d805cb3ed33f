package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/haldane/conduit/id"
	"github.com/haldane/conduit/job"
	"github.com/haldane/conduit/service"
)

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	bun.BaseModel `bun:"table:conduit_jobs"`

	ID            string     `bun:"id,pk"`
	ServiceName   string     `bun:"service_name,notnull"`
	SchemaVersion int        `bun:"schema_version,notnull"`
	Input         []byte     `bun:"input,notnull,type:jsonb"`
	Output        []byte     `bun:"output,type:jsonb"`
	State         string     `bun:"state,notnull,default:'registered'"`
	Attempt       int        `bun:"attempt,notnull,default:0"`
	ClaimToken    string     `bun:"claim_token,notnull,default:''"`
	RetryCount    int        `bun:"retry_count,notnull,default:0"`
	MaxRetries    int        `bun:"max_retries,notnull,default:0"`
	FailureReason string     `bun:"failure_reason,notnull,default:''"`
	NotBefore     time.Time  `bun:"not_before,notnull"`
	ClaimDeadline *time.Time `bun:"claim_deadline"`
	ClaimedAt     *time.Time `bun:"claimed_at"`
	CompletedAt   *time.Time `bun:"completed_at"`
	CreatedAt     time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toJobModel(j *job.Job) *jobModel {
	return &jobModel{
		ID:            j.ID.String(),
		ServiceName:   j.ServiceName,
		SchemaVersion: j.SchemaVersion,
		Input:         j.Input,
		Output:        j.Output,
		State:         string(j.State),
		Attempt:       j.Attempt,
		ClaimToken:    j.ClaimToken.String(),
		RetryCount:    j.RetryCount,
		MaxRetries:    j.MaxRetries,
		FailureReason: j.FailureReason,
		NotBefore:     j.NotBefore,
		ClaimDeadline: j.ClaimDeadline,
		ClaimedAt:     j.ClaimedAt,
		CompletedAt:   j.CompletedAt,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("conduit/bun: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		ID:            parsedID,
		ServiceName:   m.ServiceName,
		SchemaVersion: m.SchemaVersion,
		Input:         m.Input,
		Output:        m.Output,
		State:         job.State(m.State),
		Attempt:       m.Attempt,
		RetryCount:    m.RetryCount,
		MaxRetries:    m.MaxRetries,
		FailureReason: m.FailureReason,
		NotBefore:     m.NotBefore,
		ClaimDeadline: m.ClaimDeadline,
		ClaimedAt:     m.ClaimedAt,
		CompletedAt:   m.CompletedAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}

	if m.ClaimToken != "" {
		parsedToken, tErr := id.ParseClaimID(m.ClaimToken)
		if tErr == nil {
			j.ClaimToken = parsedToken
		}
	}

	return j, nil
}

// ── Service model ─────────────────────────────────────────────────

type serviceModel struct {
	bun.BaseModel `bun:"table:conduit_services"`

	Name           string    `bun:"name,pk"`
	Description    string    `bun:"description,notnull,default:''"`
	CurrentVersion int       `bun:"current_version,notnull"`
	Retired        bool      `bun:"retired,notnull,default:false"`
	RegisteredAt   time.Time `bun:"registered_at,notnull"`
	LastSeenAt     time.Time `bun:"last_seen_at,notnull"`
	UpdatedAt      time.Time `bun:"updated_at,notnull"`
}

func toServiceModel(svc *service.Service) *serviceModel {
	return &serviceModel{
		Name:           svc.Name,
		Description:    svc.Description,
		CurrentVersion: svc.CurrentVersion,
		Retired:        svc.Retired,
		RegisteredAt:   svc.RegisteredAt,
		LastSeenAt:     svc.LastSeenAt,
		UpdatedAt:      svc.UpdatedAt,
	}
}

func fromServiceModel(m *serviceModel) *service.Service {
	return &service.Service{
		Name:           m.Name,
		Description:    m.Description,
		CurrentVersion: m.CurrentVersion,
		Retired:        m.Retired,
		RegisteredAt:   m.RegisteredAt,
		LastSeenAt:     m.LastSeenAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// ── Schema version model ──────────────────────────────────────────

type schemaVersionModel struct {
	bun.BaseModel `bun:"table:conduit_schema_versions"`

	ServiceName string    `bun:"service_name,pk"`
	Version     int       `bun:"version,pk"`
	Input       []byte    `bun:"input,notnull,type:jsonb"`
	Output      []byte    `bun:"output,notnull,type:jsonb"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
}

func toSchemaVersionModel(sv *service.SchemaVersion) *schemaVersionModel {
	return &schemaVersionModel{
		ServiceName: sv.ServiceName,
		Version:     sv.Version,
		Input:       sv.Input,
		Output:      sv.Output,
		CreatedAt:   sv.CreatedAt,
	}
}

func fromSchemaVersionModel(m *schemaVersionModel) *service.SchemaVersion {
	return &service.SchemaVersion{
		ServiceName: m.ServiceName,
		Version:     m.Version,
		Input:       m.Input,
		Output:      m.Output,
		CreatedAt:   m.CreatedAt,
	}
}
