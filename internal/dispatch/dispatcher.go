// ABOUTME: Sends diagnostic jobs to probe agents and waits for, or detaches from, their results.
// ABOUTME: Owns the pending-job table and the timeout supervision of every entry in it.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/probeops/probeops-gateway/internal/agent"
	"github.com/probeops/probeops-gateway/internal/dedupe"
	"github.com/probeops/probeops-gateway/internal/metrics"
	"github.com/probeops/probeops-gateway/internal/protocol"
	"github.com/probeops/probeops-gateway/internal/store"
)

// Default wait bounds.
const (
	DefaultInteractiveTimeout = 15 * time.Second
	DefaultScheduledTimeout   = 30 * time.Second
)

// Owner identifies who a job's result belongs to. Any field may be nil.
type Owner struct {
	UserID           *int64
	APIKeyID         *int64
	ScheduledProbeID *int64
}

// Request describes one job to run on an agent.
type Request struct {
	JobType string
	Target  string
	Port    *int
	Params  map[string]any
	Owner   Owner

	// Scheduled selects the scheduled default timeout instead of the
	// interactive one.
	Scheduled bool
	// Timeout overrides the default wait bound when positive.
	Timeout time.Duration
}

// Outcome is the result of a settled job.
type Outcome struct {
	JobID        string
	AgentID      string
	Output       string
	Success      bool
	DispatchedAt time.Time
	Duration     time.Duration
}

// Record converts the outcome into the row stored for the job.
func (o *Outcome) Record(req Request) *store.JobResult {
	return &store.JobResult{
		JobID:            o.JobID,
		JobType:          req.JobType,
		Target:           req.Target,
		Port:             req.Port,
		Output:           o.Output,
		Success:          o.Success,
		CreatedAt:        o.DispatchedAt.Add(o.Duration),
		UserID:           req.Owner.UserID,
		APIKeyID:         req.Owner.APIKeyID,
		ScheduledProbeID: req.Owner.ScheduledProbeID,
		AgentID:          o.AgentID,
		DurationMS:       o.Duration.Milliseconds(),
	}
}

// Agents is the part of the connection registry the dispatcher needs.
type Agents interface {
	Pick() (*agent.Connection, error)
	Get(agentID string) (*agent.Connection, bool)
}

// ResultWriter persists results of background jobs.
type ResultWriter interface {
	CreateJobResult(ctx context.Context, r *store.JobResult) error
}

// Config configures a Dispatcher.
type Config struct {
	Agents  Agents
	Results ResultWriter
	// Settled remembers settled job ids. When nil the dispatcher creates and
	// owns one.
	Settled *dedupe.Cache
	Metrics *metrics.Collector

	InteractiveTimeout time.Duration
	ScheduledTimeout   time.Duration

	NewJobID func() string
	Now      func() time.Time
	Logger   *slog.Logger
}

// Dispatcher sends jobs to agents and correlates their results.
type Dispatcher struct {
	agents      Agents
	results     ResultWriter
	pending     *pendingTable
	settled     *dedupe.Cache
	ownsSettled bool
	metrics     *metrics.Collector
	newID       func() string
	now         func() time.Time
	logger      *slog.Logger

	mu                 sync.RWMutex
	interactiveTimeout time.Duration
	scheduledTimeout   time.Duration
	closed             bool
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		agents:  cfg.Agents,
		results: cfg.Results,
		pending: newPendingTable(),
		settled: cfg.Settled,
		metrics: cfg.Metrics,
		newID:   cfg.NewJobID,
		now:     cfg.Now,
		logger:  cfg.Logger,
	}
	if d.settled == nil {
		d.settled = dedupe.New(10*time.Minute, 10000)
		d.ownsSettled = true
	}
	if d.newID == nil {
		d.newID = func() string { return uuid.New().String() }
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "dispatch")
	d.SetTimeouts(cfg.InteractiveTimeout, cfg.ScheduledTimeout)
	return d
}

// SetTimeouts replaces the default wait bounds. Non-positive values fall
// back to the defaults. Jobs already waiting keep their bound.
func (d *Dispatcher) SetTimeouts(interactive, scheduled time.Duration) {
	if interactive <= 0 {
		interactive = DefaultInteractiveTimeout
	}
	if scheduled <= 0 {
		scheduled = DefaultScheduledTimeout
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.interactiveTimeout = interactive
	d.scheduledTimeout = scheduled
}

// Timeouts returns the current default wait bounds.
func (d *Dispatcher) Timeouts() (interactive, scheduled time.Duration) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.interactiveTimeout, d.scheduledTimeout
}

// Pending returns the number of in-flight jobs.
func (d *Dispatcher) Pending() int {
	return d.pending.len()
}

// Dispatch sends req to an agent picked by the registry and waits for its
// result up to the request's timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Outcome, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	conn, err := d.pick()
	if err != nil {
		return nil, err
	}

	timeout := d.timeoutFor(req)
	job, err := d.send(conn, req, ModeWaiting, 0)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-job.done:
		return settled(s)
	case <-timer.C:
		return d.expire(job, dedupe.StateTimedOut, fmt.Errorf("%w: job %s after %s", ErrDispatchTimeout, job.id, timeout))
	case <-ctx.Done():
		return d.expire(job, dedupe.StateAbandoned, ctx.Err())
	}
}

// Submit sends req to an agent picked by the registry and returns without
// waiting. The correlator persists the result when it arrives; a reclaim
// timer drops the entry if it never does.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (jobID, agentID string, err error) {
	if err := validate(req); err != nil {
		return "", "", err
	}
	conn, err := d.pick()
	if err != nil {
		return "", "", err
	}
	return d.submit(conn, req)
}

// SubmitTo is Submit targeted at a named agent.
func (d *Dispatcher) SubmitTo(ctx context.Context, agentID string, req Request) (string, string, error) {
	if err := validate(req); err != nil {
		return "", "", err
	}
	conn, ok := d.agents.Get(agentID)
	if !ok {
		d.metrics.RecordDispatchFailure("agent_not_found")
		return "", "", fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return d.submit(conn, req)
}

func (d *Dispatcher) submit(conn *agent.Connection, req Request) (string, string, error) {
	reclaimAfter := req.Timeout
	if reclaimAfter <= 0 {
		_, reclaimAfter = d.Timeouts()
	}
	job, err := d.send(conn, req, ModeBackground, reclaimAfter)
	if err != nil {
		return "", "", err
	}
	return job.id, job.agentID, nil
}

// Close fails every waiting caller with ErrDispatcherClosed and drops
// background entries. Later calls fail with ErrDispatcherClosed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	jobs := d.pending.drain()
	for _, job := range jobs {
		d.settled.Mark(job.id, dedupe.StateAbandoned)
		if job.mode == ModeWaiting {
			job.done <- settlement{err: ErrDispatcherClosed}
		}
	}
	d.metrics.SetJobsPending(0)
	if len(jobs) > 0 {
		d.logger.Warn("dispatcher closed with jobs in flight", "jobs", len(jobs))
	}
	if d.ownsSettled {
		d.settled.Close()
	}
}

func validate(req Request) error {
	if req.JobType == "" {
		return fmt.Errorf("%w: job type is required", ErrInvalidJob)
	}
	if req.Target == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidJob)
	}
	if req.JobType == protocol.JobTypePortCheck && req.Port == nil {
		return fmt.Errorf("%w: port is required for %s", ErrInvalidJob, protocol.JobTypePortCheck)
	}
	if req.Port != nil && (*req.Port < 1 || *req.Port > 65535) {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidJob, *req.Port)
	}
	return nil
}

func (d *Dispatcher) pick() (*agent.Connection, error) {
	conn, err := d.agents.Pick()
	if errors.Is(err, agent.ErrNoAgentsAvailable) {
		d.metrics.RecordDispatchFailure("no_agent")
		return nil, ErrNoAgentAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("picking agent: %w", err)
	}
	return conn, nil
}

func (d *Dispatcher) timeoutFor(req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	interactive, scheduled := d.Timeouts()
	if req.Scheduled {
		return scheduled
	}
	return interactive
}

// send registers the pending entry and writes the envelope. On a write
// failure the entry is removed again.
func (d *Dispatcher) send(conn *agent.Connection, req Request, mode Mode, reclaimAfter time.Duration) (*pendingJob, error) {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return nil, ErrDispatcherClosed
	}

	job := &pendingJob{
		id:           d.newID(),
		req:          req,
		agentID:      conn.ID,
		mode:         mode,
		dispatchedAt: d.now(),
		done:         make(chan settlement, 1),
	}
	if err := d.pending.add(job, reclaimAfter, d.reclaim); err != nil {
		return nil, fmt.Errorf("%w: %s", err, job.id)
	}
	d.metrics.SetJobsPending(d.pending.len())

	env := protocol.NewJob(job.id, req.JobType, req.Target, req.Port, req.Params)
	if err := conn.Send(env); err != nil {
		if _, ok := d.pending.take(job.id); ok {
			d.settled.Mark(job.id, dedupe.StateAbandoned)
		}
		d.metrics.SetJobsPending(d.pending.len())
		d.metrics.RecordDispatchFailure("transport")
		d.logger.Warn("failed to send job to agent",
			"job_id", job.id,
			"agent_id", conn.ID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: agent %s: %v", ErrTransportFailure, conn.ID, err)
	}

	d.metrics.RecordDispatch(req.JobType, string(mode))
	d.logger.Info("job dispatched",
		"job_id", job.id,
		"job_type", req.JobType,
		"target", req.Target,
		"agent_id", conn.ID,
		"mode", mode,
	)
	return job, nil
}

// expire removes a waiting job that hit its bound. If the correlator won the
// race the settlement it produced is returned instead.
func (d *Dispatcher) expire(job *pendingJob, state dedupe.State, cause error) (*Outcome, error) {
	if _, ok := d.pending.take(job.id); !ok {
		return settled(<-job.done)
	}
	d.settled.Mark(job.id, state)
	d.metrics.SetJobsPending(d.pending.len())

	if state == dedupe.StateTimedOut {
		d.metrics.RecordTimeout(string(job.mode))
		d.logger.Warn("job timed out",
			"job_id", job.id,
			"job_type", job.req.JobType,
			"agent_id", job.agentID,
		)
	} else {
		d.logger.Debug("job abandoned by caller", "job_id", job.id, "error", cause)
	}
	return nil, cause
}

// reclaim drops a background job whose result never came.
func (d *Dispatcher) reclaim(jobID string) {
	job, ok := d.pending.take(jobID)
	if !ok {
		return
	}
	d.settled.Mark(jobID, dedupe.StateTimedOut)
	d.metrics.SetJobsPending(d.pending.len())
	d.metrics.RecordTimeout(string(job.mode))
	d.logger.Warn("background job expired without result",
		"job_id", jobID,
		"job_type", job.req.JobType,
		"agent_id", job.agentID,
	)
}

func settled(s settlement) (*Outcome, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := s.outcome
	return &out, nil
}
