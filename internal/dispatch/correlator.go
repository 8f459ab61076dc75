// ABOUTME: Matches agent results to pending jobs by job id.
// ABOUTME: Resolves waiting callers, persists background jobs and discards late or unknown results.

package dispatch

import (
	"context"
	"errors"

	"github.com/probeops/probeops-gateway/internal/dedupe"
	"github.com/probeops/probeops-gateway/internal/store"
)

// Result is a result frame received from an agent.
type Result struct {
	JobID   string
	AgentID string
	Output  string
	Success bool
}

// Disposition says what the correlator did with a result.
type Disposition string

const (
	// DispositionDelivered means a waiting caller received the outcome.
	DispositionDelivered Disposition = "delivered"
	// DispositionPersisted means a background job's record was written.
	DispositionPersisted Disposition = "persisted"
	// DispositionPersistFailed means a background record could not be written.
	DispositionPersistFailed Disposition = "persist_failed"
	// DispositionLate means the job already timed out or was abandoned.
	DispositionLate Disposition = "late"
	// DispositionDuplicate means the job was already resolved.
	DispositionDuplicate Disposition = "duplicate"
	// DispositionUnknown means the job id was never seen recently.
	DispositionUnknown Disposition = "unknown"
)

// HandleResult correlates res with its pending job. Results with no pending
// job are logged and dropped; they are never an error for the agent.
func (d *Dispatcher) HandleResult(ctx context.Context, res Result) Disposition {
	job, ok := d.pending.take(res.JobID)
	if !ok {
		return d.discard(res)
	}
	d.settled.Mark(job.id, dedupe.StateResolved)
	d.metrics.SetJobsPending(d.pending.len())

	now := d.now()
	out := Outcome{
		JobID:        job.id,
		AgentID:      job.agentID,
		Output:       res.Output,
		Success:      res.Success,
		DispatchedAt: job.dispatchedAt,
		Duration:     now.Sub(job.dispatchedAt),
	}
	d.metrics.RecordResolved(string(job.mode), out.Duration)

	if res.AgentID != "" && res.AgentID != job.agentID {
		d.logger.Debug("result arrived from a different agent than the job was sent to",
			"job_id", job.id,
			"sent_to", job.agentID,
			"received_from", res.AgentID,
		)
	}

	if job.mode == ModeWaiting {
		job.done <- settlement{outcome: out}
		return DispositionDelivered
	}
	return d.persist(ctx, job, out)
}

func (d *Dispatcher) persist(ctx context.Context, job *pendingJob, out Outcome) Disposition {
	if d.results == nil {
		d.logger.Warn("no result store configured, dropping background result", "job_id", job.id)
		return DispositionPersistFailed
	}

	if err := d.results.CreateJobResult(context.WithoutCancel(ctx), out.Record(job.req)); err != nil {
		if errors.Is(err, store.ErrDuplicateJobID) {
			d.logger.Error("duplicate job result rejected", "job_id", job.id)
		} else {
			d.logger.Error("failed to persist job result", "job_id", job.id, "error", err)
		}
		return DispositionPersistFailed
	}

	d.logger.Info("background job result stored",
		"job_id", job.id,
		"job_type", job.req.JobType,
		"agent_id", job.agentID,
		"success", out.Success,
	)
	return DispositionPersisted
}

func (d *Dispatcher) discard(res Result) Disposition {
	disposition := DispositionUnknown
	if state, ok := d.settled.Lookup(res.JobID); ok {
		if state == dedupe.StateResolved {
			disposition = DispositionDuplicate
		} else {
			disposition = DispositionLate
		}
	}

	d.metrics.RecordDiscarded(string(disposition))
	d.logger.Warn("received result for no pending job",
		"job_id", res.JobID,
		"agent_id", res.AgentID,
		"classification", disposition,
	)
	return disposition
}
