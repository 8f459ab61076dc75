// ABOUTME: Job result persistence for SQLiteStore
// ABOUTME: Write-once records keyed by job id, listed newest first

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const jobResultColumns = `id, job_id, job_type, target, port, output, success, created_at,
	user_id, api_key_id, scheduled_probe_id, agent_id, duration_ms`

// CreateJobResult inserts a job result. A second insert for the same job id
// returns ErrDuplicateJobID and leaves the first record untouched.
func (s *SQLiteStore) CreateJobResult(ctx context.Context, r *JobResult) error {
	query := `
		INSERT INTO job_results (job_id, job_type, target, port, output, success, created_at,
			user_id, api_key_id, scheduled_probe_id, agent_id, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		r.JobID,
		r.JobType,
		r.Target,
		nullInt(r.Port),
		r.Output,
		r.Success,
		formatTime(r.CreatedAt),
		nullInt64(r.UserID),
		nullInt64(r.APIKeyID),
		nullInt64(r.ScheduledProbeID),
		r.AgentID,
		r.DurationMS,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateJobID, r.JobID)
		}
		return fmt.Errorf("inserting job result: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading job result id: %w", err)
	}
	r.ID = id

	s.logger.Debug("stored job result", "job_id", r.JobID, "job_type", r.JobType, "success", r.Success)
	return nil
}

// GetJobResult retrieves the record for a job id.
// Returns ErrNotFound if no result was stored.
func (s *SQLiteStore) GetJobResult(ctx context.Context, jobID string) (*JobResult, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobResultColumns+` FROM job_results WHERE job_id = ?`, jobID)
	r, err := scanJobResult(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying job result: %w", err)
	}
	return r, nil
}

// ListJobResults returns records matching filter, newest first.
func (s *SQLiteStore) ListJobResults(ctx context.Context, filter JobResultFilter) ([]*JobResult, error) {
	var where []string
	var args []any
	if filter.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *filter.UserID)
	}
	if filter.ScheduledProbeID != nil {
		where = append(where, "scheduled_probe_id = ?")
		args = append(args, *filter.ScheduledProbeID)
	}

	query := `SELECT ` + jobResultColumns + ` FROM job_results`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying job results: %w", err)
	}
	defer rows.Close()

	var results []*JobResult
	for rows.Next() {
		r, err := scanJobResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job results: %w", err)
	}
	return results, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobResult(row rowScanner) (*JobResult, error) {
	var r JobResult
	var port, userID, apiKeyID, probeID sql.NullInt64
	var createdAt string

	err := row.Scan(
		&r.ID,
		&r.JobID,
		&r.JobType,
		&r.Target,
		&port,
		&r.Output,
		&r.Success,
		&createdAt,
		&userID,
		&apiKeyID,
		&probeID,
		&r.AgentID,
		&r.DurationMS,
	)
	if err != nil {
		return nil, err
	}

	r.CreatedAt, err = parseTime("created_at", createdAt)
	if err != nil {
		return nil, err
	}
	r.Port = intPtr(port)
	r.UserID = int64Ptr(userID)
	r.APIKeyID = int64Ptr(apiKeyID)
	r.ScheduledProbeID = int64Ptr(probeID)
	return &r, nil
}
