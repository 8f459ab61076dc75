// ABOUTME: Scheduled probe CRUD for a user's definitions.
// ABOUTME: Commits each change to the store, then registers or unregisters its trigger before returning.

package probes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/probeops/probeops-gateway/internal/protocol"
	"github.com/probeops/probeops-gateway/internal/store"
)

// ErrValidation wraps every input validation failure.
var ErrValidation = errors.New("invalid scheduled probe")

// ErrDuplicateName is returned when another definition already uses the name.
var ErrDuplicateName = errors.New("scheduled probe name already exists")

// ErrNotFound is returned for missing definitions and for definitions owned
// by another user.
var ErrNotFound = errors.New("scheduled probe not found")

// Store is the persistence the service needs.
type Store interface {
	CreateScheduledProbe(ctx context.Context, p *store.ScheduledProbe) error
	GetScheduledProbe(ctx context.Context, id int64) (*store.ScheduledProbe, error)
	ListScheduledProbes(ctx context.Context, userID int64) ([]*store.ScheduledProbe, error)
	UpdateScheduledProbe(ctx context.Context, p *store.ScheduledProbe) error
	DeleteScheduledProbe(ctx context.Context, id int64) error
	ListJobResults(ctx context.Context, filter store.JobResultFilter) ([]*store.JobResult, error)
}

// Triggers keeps the scheduler in step with stored definitions.
type Triggers interface {
	Register(def *store.ScheduledProbe) error
	Unregister(id int64)
}

// Input is the full set of fields for creating a definition.
type Input struct {
	Name             string
	Description      string
	Tool             string
	Target           string
	IntervalMinutes  int
	IsActive         *bool
	AlertOnFailure   bool
	AlertOnThreshold bool
	ThresholdValue   *int
}

// Patch changes only the fields that are set.
type Patch struct {
	Name             *string
	Description      *string
	Tool             *string
	Target           *string
	IntervalMinutes  *int
	IsActive         *bool
	AlertOnFailure   *bool
	AlertOnThreshold *bool
	ThresholdValue   *int
}

// Service manages scheduled probe definitions.
type Service struct {
	store    Store
	triggers Triggers
	now      func() time.Time
	logger   *slog.Logger
}

// NewService creates a Service.
func NewService(st Store, triggers Triggers, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		triggers: triggers,
		now:      time.Now,
		logger:   logger.With("component", "probes"),
	}
}

// Create stores a new definition for userID and starts its trigger when active.
func (s *Service) Create(ctx context.Context, userID int64, in Input) (*store.ScheduledProbe, error) {
	now := s.now().UTC()
	p := &store.ScheduledProbe{
		Name:             strings.TrimSpace(in.Name),
		Description:      in.Description,
		Tool:             strings.TrimSpace(in.Tool),
		Target:           strings.TrimSpace(in.Target),
		IntervalMinutes:  in.IntervalMinutes,
		IsActive:         in.IsActive == nil || *in.IsActive,
		AlertOnFailure:   in.AlertOnFailure,
		AlertOnThreshold: in.AlertOnThreshold,
		ThresholdValue:   in.ThresholdValue,
		UserID:           userID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := validate(p); err != nil {
		return nil, err
	}

	if err := s.store.CreateScheduledProbe(ctx, p); err != nil {
		return nil, mapStoreError(err)
	}
	if err := s.sync(p); err != nil {
		return nil, err
	}

	s.logger.Info("scheduled probe created", "probe_id", p.ID, "name", p.Name, "user_id", userID)
	return p, nil
}

// Get returns one of the user's definitions.
func (s *Service) Get(ctx context.Context, userID, id int64) (*store.ScheduledProbe, error) {
	p, err := s.store.GetScheduledProbe(ctx, id)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if p.UserID != userID {
		return nil, ErrNotFound
	}
	return p, nil
}

// List returns the user's definitions.
func (s *Service) List(ctx context.Context, userID int64) ([]*store.ScheduledProbe, error) {
	probes, err := s.store.ListScheduledProbes(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing scheduled probes: %w", err)
	}
	return probes, nil
}

// Update applies patch and re-registers the trigger with the new settings.
func (s *Service) Update(ctx context.Context, userID, id int64, patch Patch) (*store.ScheduledProbe, error) {
	p, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	applyPatch(p, patch)
	p.UpdatedAt = s.now().UTC()
	if err := validate(p); err != nil {
		return nil, err
	}

	if err := s.store.UpdateScheduledProbe(ctx, p); err != nil {
		return nil, mapStoreError(err)
	}
	if err := s.sync(p); err != nil {
		return nil, err
	}

	s.logger.Info("scheduled probe updated", "probe_id", p.ID, "active", p.IsActive, "interval_minutes", p.IntervalMinutes)
	return p, nil
}

// Toggle flips is_active.
func (s *Service) Toggle(ctx context.Context, userID, id int64) (*store.ScheduledProbe, error) {
	p, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	active := !p.IsActive
	return s.Update(ctx, userID, id, Patch{IsActive: &active})
}

// Delete removes the definition and its trigger. Past results are kept.
func (s *Service) Delete(ctx context.Context, userID, id int64) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	if err := s.store.DeleteScheduledProbe(ctx, id); err != nil {
		return mapStoreError(err)
	}
	s.triggers.Unregister(id)

	s.logger.Info("scheduled probe deleted", "probe_id", id, "user_id", userID)
	return nil
}

// Results returns the stored results of one of the user's definitions,
// newest first.
func (s *Service) Results(ctx context.Context, userID, id int64, limit int) ([]*store.JobResult, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	results, err := s.store.ListJobResults(ctx, store.JobResultFilter{ScheduledProbeID: &id, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}
	return results, nil
}

// sync makes the trigger match p. Register unregisters inactive definitions.
func (s *Service) sync(p *store.ScheduledProbe) error {
	if err := s.triggers.Register(p); err != nil {
		return fmt.Errorf("registering trigger for probe %d: %w", p.ID, err)
	}
	return nil
}

func validate(p *store.ScheduledProbe) error {
	switch {
	case p.Name == "":
		return fmt.Errorf("%w: name is required", ErrValidation)
	case p.Tool == "":
		return fmt.Errorf("%w: tool is required", ErrValidation)
	case p.Target == "":
		return fmt.Errorf("%w: target is required", ErrValidation)
	case p.Tool == protocol.JobTypePortCheck:
		// Definitions carry no port, so every firing would be refused.
		return fmt.Errorf("%w: %s cannot be scheduled", ErrValidation, protocol.JobTypePortCheck)
	case p.IntervalMinutes < 1:
		return fmt.Errorf("%w: interval_minutes must be at least 1", ErrValidation)
	case p.AlertOnThreshold && p.ThresholdValue == nil:
		return fmt.Errorf("%w: threshold_value is required when alert_on_threshold is set", ErrValidation)
	}
	return nil
}

func applyPatch(p *store.ScheduledProbe, patch Patch) {
	if patch.Name != nil {
		p.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.Tool != nil {
		p.Tool = strings.TrimSpace(*patch.Tool)
	}
	if patch.Target != nil {
		p.Target = strings.TrimSpace(*patch.Target)
	}
	if patch.IntervalMinutes != nil {
		p.IntervalMinutes = *patch.IntervalMinutes
	}
	if patch.IsActive != nil {
		p.IsActive = *patch.IsActive
	}
	if patch.AlertOnFailure != nil {
		p.AlertOnFailure = *patch.AlertOnFailure
	}
	if patch.AlertOnThreshold != nil {
		p.AlertOnThreshold = *patch.AlertOnThreshold
	}
	if patch.ThresholdValue != nil {
		p.ThresholdValue = patch.ThresholdValue
	}
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrDuplicateName):
		return ErrDuplicateName
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	default:
		return fmt.Errorf("scheduled probe store: %w", err)
	}
}
