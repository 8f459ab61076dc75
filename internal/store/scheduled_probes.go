// ABOUTME: Scheduled probe definition persistence for SQLiteStore
// ABOUTME: CRUD with unique names plus the active-set query used at start-up

package store

import (
	"context"
	"database/sql"
	"fmt"
)

const scheduledProbeColumns = `id, name, description, tool, target, interval_minutes, is_active,
	alert_on_failure, alert_on_threshold, threshold_value, user_id, created_at, updated_at`

// CreateScheduledProbe inserts a definition and sets its ID.
// Returns ErrDuplicateName if the name is taken.
func (s *SQLiteStore) CreateScheduledProbe(ctx context.Context, p *ScheduledProbe) error {
	query := `
		INSERT INTO scheduled_probes (name, description, tool, target, interval_minutes, is_active,
			alert_on_failure, alert_on_threshold, threshold_value, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		p.Name,
		p.Description,
		p.Tool,
		p.Target,
		p.IntervalMinutes,
		p.IsActive,
		p.AlertOnFailure,
		p.AlertOnThreshold,
		nullInt(p.ThresholdValue),
		p.UserID,
		formatTime(p.CreatedAt),
		formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
		}
		return fmt.Errorf("inserting scheduled probe: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading scheduled probe id: %w", err)
	}
	p.ID = id

	s.logger.Debug("created scheduled probe", "id", p.ID, "name", p.Name)
	return nil
}

// GetScheduledProbe retrieves a definition by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetScheduledProbe(ctx context.Context, id int64) (*ScheduledProbe, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduledProbeColumns+` FROM scheduled_probes WHERE id = ?`, id)
	p, err := scanScheduledProbe(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying scheduled probe: %w", err)
	}
	return p, nil
}

// ListScheduledProbes returns a user's definitions ordered by ID.
func (s *SQLiteStore) ListScheduledProbes(ctx context.Context, userID int64) ([]*ScheduledProbe, error) {
	return s.queryScheduledProbes(ctx,
		`SELECT `+scheduledProbeColumns+` FROM scheduled_probes WHERE user_id = ? ORDER BY id`, userID)
}

// ListActiveScheduledProbes returns every active definition across users.
func (s *SQLiteStore) ListActiveScheduledProbes(ctx context.Context) ([]*ScheduledProbe, error) {
	return s.queryScheduledProbes(ctx,
		`SELECT `+scheduledProbeColumns+` FROM scheduled_probes WHERE is_active = 1 ORDER BY id`)
}

// UpdateScheduledProbe overwrites the mutable fields of an existing definition.
// Returns ErrNotFound if the ID doesn't exist, ErrDuplicateName on a name clash.
func (s *SQLiteStore) UpdateScheduledProbe(ctx context.Context, p *ScheduledProbe) error {
	query := `
		UPDATE scheduled_probes
		SET name = ?, description = ?, tool = ?, target = ?, interval_minutes = ?, is_active = ?,
			alert_on_failure = ?, alert_on_threshold = ?, threshold_value = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		p.Name,
		p.Description,
		p.Tool,
		p.Target,
		p.IntervalMinutes,
		p.IsActive,
		p.AlertOnFailure,
		p.AlertOnThreshold,
		nullInt(p.ThresholdValue),
		formatTime(p.UpdatedAt),
		p.ID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
		}
		return fmt.Errorf("updating scheduled probe: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteScheduledProbe removes a definition. Its job results are kept.
func (s *SQLiteStore) DeleteScheduledProbe(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_probes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting scheduled probe: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted scheduled probe", "id", id)
	return nil
}

func (s *SQLiteStore) queryScheduledProbes(ctx context.Context, query string, args ...any) ([]*ScheduledProbe, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying scheduled probes: %w", err)
	}
	defer rows.Close()

	var probes []*ScheduledProbe
	for rows.Next() {
		p, err := scanScheduledProbe(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning scheduled probe: %w", err)
		}
		probes = append(probes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scheduled probes: %w", err)
	}
	return probes, nil
}

func scanScheduledProbe(row rowScanner) (*ScheduledProbe, error) {
	var p ScheduledProbe
	var threshold sql.NullInt64
	var createdAt, updatedAt string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Description,
		&p.Tool,
		&p.Target,
		&p.IntervalMinutes,
		&p.IsActive,
		&p.AlertOnFailure,
		&p.AlertOnThreshold,
		&threshold,
		&p.UserID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.ThresholdValue = intPtr(threshold)
	if p.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
