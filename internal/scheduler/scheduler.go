// ABOUTME: Recurring triggers for scheduled probes, one per definition id.
// ABOUTME: Triggers only enqueue firings; a fixed worker pool dispatches them and stores results.

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/probeops/probeops-gateway/internal/dispatch"
	"github.com/probeops/probeops-gateway/internal/metrics"
	"github.com/probeops/probeops-gateway/internal/store"
)

// Defaults for the worker pool.
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 64
)

// ErrInvalidInterval means a definition's interval is below one unit.
var ErrInvalidInterval = errors.New("interval_minutes must be at least 1")

// ErrStopped means the scheduler no longer accepts triggers.
var ErrStopped = errors.New("scheduler stopped")

// Definitions is the read side of the scheduled probe store.
type Definitions interface {
	GetScheduledProbe(ctx context.Context, id int64) (*store.ScheduledProbe, error)
	ListActiveScheduledProbes(ctx context.Context) ([]*store.ScheduledProbe, error)
}

// Dispatcher runs one job and waits for its outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Outcome, error)
}

// ResultWriter stores the outcome of a firing.
type ResultWriter interface {
	CreateJobResult(ctx context.Context, r *store.JobResult) error
}

// Config configures a Scheduler.
type Config struct {
	Definitions Definitions
	Dispatcher  Dispatcher
	Results     ResultWriter
	Metrics     *metrics.Collector
	Workers     int
	QueueSize   int
	// IntervalUnit is the length of one interval_minutes unit. Tests shrink it.
	IntervalUnit time.Duration
	Logger       *slog.Logger
}

// TriggerInfo describes a registered trigger.
type TriggerInfo struct {
	ProbeID  int64
	Interval time.Duration
	NextFire time.Time
}

type trigger struct {
	probeID    int64
	generation uint64
	interval   time.Duration
	next       time.Time
	cancel     context.CancelFunc
}

type firing struct {
	probeID    int64
	generation uint64
}

// Scheduler owns the trigger table and the worker pool.
type Scheduler struct {
	defs       Definitions
	dispatcher Dispatcher
	results    ResultWriter
	metrics    *metrics.Collector
	unit       time.Duration
	workers    int
	logger     *slog.Logger

	queue chan firing

	mu         sync.Mutex
	triggers   map[int64]*trigger
	generation uint64

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	triggerWG sync.WaitGroup
	workerWG  sync.WaitGroup
}

// New creates a Scheduler. Triggers may be registered before Start; their
// firings wait in the queue until workers run.
func New(cfg Config) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	unit := cfg.IntervalUnit
	if unit <= 0 {
		unit = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		defs:       cfg.Definitions,
		dispatcher: cfg.Dispatcher,
		results:    cfg.Results,
		metrics:    cfg.Metrics,
		unit:       unit,
		workers:    workers,
		logger:     logger.With("component", "scheduler"),
		queue:      make(chan firing, queueSize),
		triggers:   make(map[int64]*trigger),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		for i := 0; i < s.workers; i++ {
			s.workerWG.Add(1)
			go s.work()
		}
		s.logger.Info("scheduler started", "workers", s.workers, "queue_size", cap(s.queue))
	})
}

// Stop cancels every trigger and waits for the workers to finish their
// current firing.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		for id, t := range s.triggers {
			t.cancel()
			delete(s.triggers, id)
		}
		s.mu.Unlock()

		s.triggerWG.Wait()
		s.workerWG.Wait()
		s.metrics.SetScheduleTriggers(0)
		s.logger.Info("scheduler stopped")
	})
}

// Register installs or replaces the trigger for def. An inactive definition
// is unregistered instead. The new trigger fires immediately and then every
// IntervalMinutes units.
func (s *Scheduler) Register(def *store.ScheduledProbe) error {
	if !def.IsActive {
		s.Unregister(def.ID)
		return nil
	}
	if def.IntervalMinutes < 1 {
		return fmt.Errorf("%w: probe %d has %d", ErrInvalidInterval, def.ID, def.IntervalMinutes)
	}
	if s.ctx.Err() != nil {
		return ErrStopped
	}

	interval := time.Duration(def.IntervalMinutes) * s.unit

	s.mu.Lock()
	if old, ok := s.triggers[def.ID]; ok {
		old.cancel()
	}
	s.generation++
	ctx, cancel := context.WithCancel(s.ctx)
	t := &trigger{
		probeID:    def.ID,
		generation: s.generation,
		interval:   interval,
		next:       time.Now(),
		cancel:     cancel,
	}
	s.triggers[def.ID] = t
	count := len(s.triggers)
	s.triggerWG.Add(1)
	s.mu.Unlock()

	go s.run(ctx, t)

	s.metrics.SetScheduleTriggers(count)
	s.logger.Info("scheduled probe registered",
		"probe_id", def.ID,
		"name", def.Name,
		"tool", def.Tool,
		"target", def.Target,
		"interval", interval,
	)
	return nil
}

// Unregister removes the trigger for id. Unknown ids are ignored.
func (s *Scheduler) Unregister(id int64) {
	s.mu.Lock()
	t, ok := s.triggers[id]
	if ok {
		t.cancel()
		delete(s.triggers, id)
	}
	count := len(s.triggers)
	s.mu.Unlock()

	if ok {
		s.metrics.SetScheduleTriggers(count)
		s.logger.Info("scheduled probe unregistered", "probe_id", id)
	}
}

// Triggers returns the registered triggers ordered by probe id.
func (s *Scheduler) Triggers() []TriggerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]TriggerInfo, 0, len(s.triggers))
	for _, t := range s.triggers {
		infos = append(infos, TriggerInfo{ProbeID: t.probeID, Interval: t.interval, NextFire: t.next})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ProbeID < infos[j].ProbeID })
	return infos
}

// LoadActive registers a trigger for every active definition in the store.
func (s *Scheduler) LoadActive(ctx context.Context) (int, error) {
	defs, err := s.defs.ListActiveScheduledProbes(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active scheduled probes: %w", err)
	}

	loaded := 0
	for _, def := range defs {
		if err := s.Register(def); err != nil {
			s.logger.Warn("skipping scheduled probe", "probe_id", def.ID, "error", err)
			continue
		}
		loaded++
	}
	s.logger.Info("loaded scheduled probes", "count", loaded)
	return loaded, nil
}

func (s *Scheduler) run(ctx context.Context, t *trigger) {
	defer s.triggerWG.Done()

	s.enqueue(ctx, t)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.enqueue(ctx, t)
		}
	}
}

// enqueue hands a firing to the workers without blocking. A full queue drops
// the tick; the next one comes at the regular interval.
func (s *Scheduler) enqueue(ctx context.Context, t *trigger) {
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	t.next = time.Now().Add(t.interval)
	s.mu.Unlock()

	select {
	case s.queue <- firing{probeID: t.probeID, generation: t.generation}:
	default:
		s.metrics.RecordScheduledFire("dropped")
		s.logger.Warn("scheduler queue full, dropping tick", "probe_id", t.probeID)
	}
}

func (s *Scheduler) work() {
	defer s.workerWG.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.queue:
			s.fire(f)
		}
	}
}

// current reports whether f came from the trigger that is registered now.
// Firings queued by a replaced or removed trigger are skipped.
func (s *Scheduler) current(f firing) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[f.probeID]
	return ok && t.generation == f.generation
}

func (s *Scheduler) fire(f firing) {
	if !s.current(f) {
		s.metrics.RecordScheduledFire("stale")
		return
	}

	ctx := s.ctx
	def, err := s.defs.GetScheduledProbe(ctx, f.probeID)
	if errors.Is(err, store.ErrNotFound) {
		s.metrics.RecordScheduledFire("skipped")
		s.logger.Info("scheduled probe no longer exists, skipping", "probe_id", f.probeID)
		return
	}
	if err != nil {
		s.metrics.RecordScheduledFire("failed")
		s.logger.Error("loading scheduled probe", "probe_id", f.probeID, "error", err)
		return
	}
	if !def.IsActive {
		s.metrics.RecordScheduledFire("skipped")
		s.logger.Info("scheduled probe inactive, skipping", "probe_id", f.probeID)
		return
	}

	userID := def.UserID
	probeID := def.ID
	req := dispatch.Request{
		JobType:   def.Tool,
		Target:    def.Target,
		Params:    map[string]any{"target": def.Target},
		Owner:     dispatch.Owner{UserID: &userID, ScheduledProbeID: &probeID},
		Scheduled: true,
	}

	out, err := s.dispatcher.Dispatch(ctx, req)
	if err != nil {
		s.metrics.RecordScheduledFire("failed")
		s.logger.Warn("scheduled probe failed",
			"probe_id", def.ID,
			"name", def.Name,
			"error", err,
		)
		return
	}

	if err := s.results.CreateJobResult(ctx, out.Record(req)); err != nil {
		s.metrics.RecordScheduledFire("failed")
		s.logger.Error("storing scheduled probe result", "probe_id", def.ID, "job_id", out.JobID, "error", err)
		return
	}

	s.metrics.RecordScheduledFire("ok")
	s.logger.Info("scheduled probe completed",
		"probe_id", def.ID,
		"job_id", out.JobID,
		"agent_id", out.AgentID,
		"success", out.Success,
	)
}
