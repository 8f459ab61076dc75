// ABOUTME: Store interface and data types for probeops-gateway persistence
// ABOUTME: Defines job results, scheduled probe definitions and API keys

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateJobID is returned when a result for the job id is already stored
var ErrDuplicateJobID = errors.New("job result already exists")

// ErrDuplicateName is returned when a scheduled probe name is already taken
var ErrDuplicateName = errors.New("scheduled probe name already exists")

// ErrDuplicateKeyPrefix is returned when an API key prefix collides
var ErrDuplicateKeyPrefix = errors.New("api key prefix already exists")

// JobResult is the single persisted outcome of one dispatched job
type JobResult struct {
	ID               int64
	JobID            string
	JobType          string
	Target           string
	Port             *int
	Output           string
	Success          bool
	CreatedAt        time.Time
	UserID           *int64
	APIKeyID         *int64
	ScheduledProbeID *int64
	AgentID          string
	DurationMS       int64
}

// JobResultFilter narrows ListJobResults. Nil fields do not filter.
type JobResultFilter struct {
	UserID           *int64
	ScheduledProbeID *int64
	Limit            int
}

// ScheduledProbe is a recurring diagnostic definition
type ScheduledProbe struct {
	ID               int64
	Name             string
	Description      string
	Tool             string
	Target           string
	IntervalMinutes  int
	IsActive         bool
	AlertOnFailure   bool
	AlertOnThreshold bool
	ThresholdValue   *int
	UserID           int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// APIKey identifies a machine caller of the /probe endpoint. Only the bcrypt
// hash of the secret part is stored.
type APIKey struct {
	ID         int64
	UserID     int64
	Name       string
	Prefix     string
	Hash       string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// JobResultStore persists job results. Records are written once per job id.
type JobResultStore interface {
	// CreateJobResult inserts a record and sets its ID.
	// Returns ErrDuplicateJobID if a record with the same JobID exists.
	CreateJobResult(ctx context.Context, r *JobResult) error
	GetJobResult(ctx context.Context, jobID string) (*JobResult, error)
	// ListJobResults returns matching records newest first.
	ListJobResults(ctx context.Context, filter JobResultFilter) ([]*JobResult, error)
}

// ScheduledProbeStore persists scheduled probe definitions.
type ScheduledProbeStore interface {
	CreateScheduledProbe(ctx context.Context, p *ScheduledProbe) error
	GetScheduledProbe(ctx context.Context, id int64) (*ScheduledProbe, error)
	ListScheduledProbes(ctx context.Context, userID int64) ([]*ScheduledProbe, error)
	ListActiveScheduledProbes(ctx context.Context) ([]*ScheduledProbe, error)
	UpdateScheduledProbe(ctx context.Context, p *ScheduledProbe) error
	DeleteScheduledProbe(ctx context.Context, id int64) error
}

// APIKeyStore persists API keys.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, k *APIKey) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error)
	ListAPIKeys(ctx context.Context, userID int64) ([]*APIKey, error)
	TouchAPIKey(ctx context.Context, id int64, at time.Time) error
	RevokeAPIKey(ctx context.Context, id int64, at time.Time) error
}

// Store is the full persistence surface used by the gateway
type Store interface {
	JobResultStore
	ScheduledProbeStore
	APIKeyStore
	Close() error
}
