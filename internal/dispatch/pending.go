// ABOUTME: Mutex-guarded table of in-flight jobs keyed by job id.
// ABOUTME: take() is the single point where a result and a timeout race for an entry.

package dispatch

import (
	"sync"
	"time"
)

// Mode says whether a caller waits on the completion slot.
type Mode string

const (
	// ModeWaiting jobs have a caller blocked on the slot.
	ModeWaiting Mode = "waiting"
	// ModeBackground jobs are persisted by the correlator.
	ModeBackground Mode = "background"
)

// settlement is what a waiting caller receives exactly once.
type settlement struct {
	outcome Outcome
	err     error
}

type pendingJob struct {
	id           string
	req          Request
	agentID      string
	mode         Mode
	dispatchedAt time.Time

	// done is buffered so the settler never blocks.
	done    chan settlement
	reclaim *time.Timer
}

type pendingTable struct {
	mu   sync.Mutex
	jobs map[string]*pendingJob
}

func newPendingTable() *pendingTable {
	return &pendingTable{jobs: make(map[string]*pendingJob)}
}

// add inserts job. When reclaimAfter is positive a reclaim timer is armed
// under the table lock, so the timer can never observe the table before the
// entry exists.
func (t *pendingTable) add(job *pendingJob, reclaimAfter time.Duration, onReclaim func(id string)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.jobs[job.id]; exists {
		return ErrDuplicateJobID
	}
	t.jobs[job.id] = job
	if reclaimAfter > 0 {
		id := job.id
		job.reclaim = time.AfterFunc(reclaimAfter, func() { onReclaim(id) })
	}
	return nil
}

// take removes and returns the entry and stops its reclaim timer. Only one
// caller ever gets ok == true for a given id.
func (t *pendingTable) take(id string) (*pendingJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[id]
	if !ok {
		return nil, false
	}
	delete(t.jobs, id)
	if job.reclaim != nil {
		job.reclaim.Stop()
	}
	return job, true
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// drain empties the table and returns what was in it.
func (t *pendingTable) drain() []*pendingJob {
	t.mu.Lock()
	defer t.mu.Unlock()

	jobs := make([]*pendingJob, 0, len(t.jobs))
	for id, job := range t.jobs {
		if job.reclaim != nil {
			job.reclaim.Stop()
		}
		jobs = append(jobs, job)
		delete(t.jobs, id)
	}
	return jobs
}
