// ABOUTME: Tests for the dispatcher, pending table and result correlator.
// ABOUTME: Covers waiting and background modes, timeouts, late results and settlement races.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probeops/probeops-gateway/internal/agent"
	"github.com/probeops/probeops-gateway/internal/protocol"
	"github.com/probeops/probeops-gateway/internal/store"
)

// scriptedAgent is an agent transport that records job envelopes and can
// answer them through onJob.
type scriptedAgent struct {
	mu      sync.Mutex
	jobs    []*protocol.Message
	sendErr error
	onJob   func(msg *protocol.Message)
}

func (a *scriptedAgent) WriteJSON(v any) error {
	msg, ok := v.(*protocol.Message)
	if !ok {
		return fmt.Errorf("unexpected frame %T", v)
	}
	a.mu.Lock()
	if a.sendErr != nil {
		a.mu.Unlock()
		return a.sendErr
	}
	a.jobs = append(a.jobs, msg)
	onJob := a.onJob
	a.mu.Unlock()

	if onJob != nil {
		go onJob(msg)
	}
	return nil
}

func (a *scriptedAgent) Close() error { return nil }

func (a *scriptedAgent) sent() []*protocol.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*protocol.Message, len(a.jobs))
	copy(out, a.jobs)
	return out
}

type harness struct {
	d     *Dispatcher
	reg   *agent.Registry
	store *store.MockStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := agent.NewRegistry(agent.RegistryConfig{Selector: agent.First{}})
	st := store.NewMockStore()
	d := New(Config{
		Agents:             reg,
		Results:            st,
		InteractiveTimeout: time.Second,
		ScheduledTimeout:   2 * time.Second,
	})
	t.Cleanup(d.Close)
	return &harness{d: d, reg: reg, store: st}
}

func (h *harness) addAgent(t *testing.T, id string, a *scriptedAgent) {
	t.Helper()
	require.NoError(t, h.reg.Register(agent.NewConnection(agent.ConnectionParams{ID: id, Transport: a})))
}

// replyWith makes the agent answer every job with output.
func (h *harness) replyWith(a *scriptedAgent, agentID, output string, success bool) {
	a.onJob = func(msg *protocol.Message) {
		h.d.HandleResult(context.Background(), Result{JobID: msg.JobID, AgentID: agentID, Output: output, Success: success})
	}
}

func ptr[T any](v T) *T { return &v }

func TestDispatch_NoAgents(t *testing.T) {
	h := newHarness(t)

	out, err := h.d.Dispatch(context.Background(), Request{JobType: "ping", Target: "8.8.8.8"})
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrNoAgentAvailable)
	assert.Equal(t, 0, h.d.Pending())
}

func TestDispatch_PingSuccessStoresOneRecord(t *testing.T) {
	h := newHarness(t)
	a := &scriptedAgent{}
	h.replyWith(a, "edge-1", "4 packets", true)
	h.addAgent(t, "edge-1", a)

	req := Request{JobType: "ping", Target: "8.8.8.8", Params: map[string]any{"target": "8.8.8.8"}, Owner: Owner{UserID: ptr(int64(3))}}
	out, err := h.d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "4 packets", out.Output)
	assert.Equal(t, "edge-1", out.AgentID)
	assert.Equal(t, 0, h.d.Pending())

	ctx := context.Background()
	require.NoError(t, h.store.CreateJobResult(ctx, out.Record(req)))
	assert.ErrorIs(t, h.store.CreateJobResult(ctx, out.Record(req)), store.ErrDuplicateJobID)
	assert.Equal(t, 1, h.store.JobResultCount())

	rec, err := h.store.GetJobResult(ctx, out.JobID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), *rec.UserID)
	assert.Equal(t, "edge-1", rec.AgentID)

	sent := a.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.ActionJob, sent[0].Action)
	assert.Equal(t, out.JobID, sent[0].JobID)
	assert.Nil(t, sent[0].Port)
	assert.Equal(t, "8.8.8.8", sent[0].Params["target"])
}

func TestDispatch_FailedResultIsStillAnOutcome(t *testing.T) {
	h := newHarness(t)
	a := &scriptedAgent{}
	h.replyWith(a, "edge-1", "host unreachable", false)
	h.addAgent(t, "edge-1", a)

	out, err := h.d.Dispatch(context.Background(), Request{JobType: "ping", Target: "10.255.0.1"})
	require.NoError(t, err)
	assert.False(t, out.Success)
}

func TestDispatch_TimeoutThenLateResultDiscarded(t *testing.T) {
	h := newHarness(t)
	a := &scriptedAgent{}
	h.addAgent(t, "edge-1", a)

	start := time.Now()
	out, err := h.d.Dispatch(context.Background(), Request{JobType: "ping", Target: "8.8.8.8", Timeout: 50 * time.Millisecond})
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrDispatchTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, h.d.Pending())

	sent := a.sent()
	require.Len(t, sent, 1)
	disposition := h.d.HandleResult(context.Background(), Result{JobID: sent[0].JobID, Output: "4 packets", Success: true})
	assert.Equal(t, DispositionLate, disposition)
	assert.Equal(t, 0, h.store.JobResultCount())
}

func TestDispatch_TransportFailure(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "edge-1", &scriptedAgent{sendErr: errors.New("broken pipe")})

	_, err := h.d.Dispatch(context.Background(), Request{JobType: "ping", Target: "8.8.8.8"})
	assert.ErrorIs(t, err, ErrTransportFailure)
	assert.Equal(t, 0, h.d.Pending())
}

func TestDispatch_PortCheckRequiresPort(t *testing.T) {
	h := newHarness(t)
	a := &scriptedAgent{}
	h.addAgent(t, "edge-1", a)

	_, err := h.d.Dispatch(context.Background(), Request{JobType: protocol.JobTypePortCheck, Target: "example.com"})
	assert.ErrorIs(t, err, ErrInvalidJob)
	assert.Empty(t, a.sent())
}

func TestDispatch_PortCarriedInEnvelope(t *testing.T) {
	h := newHarness(t)
	a := &scriptedAgent{}
	h.replyWith(a, "edge-1", "open", true)
	h.addAgent(t, "edge-1", a)

	_, err := h.d.Dispatch(context.Background(), Request{JobType: protocol.JobTypePortCheck, Target: "example.com", Port: ptr(443)})
	require.NoError(t, err)

	sent := a.sent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Port)
	assert.Equal(t, 443, *sent[0].Port)
}

func TestDispatch_ContextCancelled(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "edge-1", &scriptedAgent{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := h.d.Dispatch(ctx, Request{JobType: "dns", Target: "example.com"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, h.d.Pending())
}

func TestDispatch_ScheduledUsesScheduledTimeout(t *testing.T) {
	h := newHarness(t)
	h.d.SetTimeouts(20*time.Millisecond, 80*time.Millisecond)

	assert.Equal(t, 20*time.Millisecond, h.d.timeoutFor(Request{}))
	assert.Equal(t, 80*time.Millisecond, h.d.timeoutFor(Request{Scheduled: true}))
	assert.Equal(t, 5*time.Millisecond, h.d.timeoutFor(Request{Scheduled: true, Timeout: 5 * time.Millisecond}))

	h.d.SetTimeouts(0, 0)
	interactive, scheduled := h.d.Timeouts()
	assert.Equal(t, DefaultInteractiveTimeout, interactive)
	assert.Equal(t, DefaultScheduledTimeout, scheduled)
}

func TestSubmit_CorrelatorPersists(t *testing.T) {
	h := newHarness(t)
	a := &scriptedAgent{}
	h.addAgent(t, "edge-1", a)

	req := Request{JobType: "whois", Target: "example.com", Owner: Owner{UserID: ptr(int64(9)), APIKeyID: ptr(int64(4))}}
	jobID, agentID, err := h.d.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "edge-1", agentID)
	assert.Equal(t, 1, h.d.Pending())

	disposition := h.d.HandleResult(context.Background(), Result{JobID: jobID, Output: "registrar: x", Success: true})
	assert.Equal(t, DispositionPersisted, disposition)
	assert.Equal(t, 0, h.d.Pending())

	rec, err := h.store.GetJobResult(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, "whois", rec.JobType)
	assert.Equal(t, int64(9), *rec.UserID)
	assert.Equal(t, int64(4), *rec.APIKeyID)

	assert.Equal(t, DispositionDuplicate, h.d.HandleResult(context.Background(), Result{JobID: jobID}))
	assert.Equal(t, 1, h.store.JobResultCount())
}

// ctxCheckingStore refuses writes on a cancelled context the way a SQL
// driver does.
type ctxCheckingStore struct {
	*store.MockStore
}

func (s ctxCheckingStore) CreateJobResult(ctx context.Context, r *store.JobResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MockStore.CreateJobResult(ctx, r)
}

func TestSubmit_CorrelatorPersistsAfterSocketContextEnds(t *testing.T) {
	reg := agent.NewRegistry(agent.RegistryConfig{Selector: agent.First{}})
	st := store.NewMockStore()
	d := New(Config{Agents: reg, Results: ctxCheckingStore{st}, InteractiveTimeout: time.Second, ScheduledTimeout: time.Second})
	t.Cleanup(d.Close)
	require.NoError(t, reg.Register(agent.NewConnection(agent.ConnectionParams{ID: "edge-1", Transport: &scriptedAgent{}})))

	jobID, _, err := d.Submit(context.Background(), Request{JobType: "dns", Target: "example.com"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, DispositionPersisted, d.HandleResult(ctx, Result{JobID: jobID, Output: "93.184.216.34", Success: true}))
	assert.Equal(t, 1, st.JobResultCount())
}

func TestSubmit_ReclaimedWhenNoResult(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "edge-1", &scriptedAgent{})

	jobID, _, err := h.d.Submit(context.Background(), Request{JobType: "ping", Target: "1.1.1.1", Timeout: 30 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.d.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, DispositionLate, h.d.HandleResult(context.Background(), Result{JobID: jobID, Success: true}))
	assert.Equal(t, 0, h.store.JobResultCount())
}

func TestSubmit_PersistFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "edge-1", &scriptedAgent{})

	jobID, _, err := h.d.Submit(context.Background(), Request{JobType: "ping", Target: "1.1.1.1"})
	require.NoError(t, err)

	h.store.FailNext(errors.New("disk full"))
	assert.Equal(t, DispositionPersistFailed, h.d.HandleResult(context.Background(), Result{JobID: jobID, Success: true}))
}

func TestSubmitTo(t *testing.T) {
	h := newHarness(t)
	a := &scriptedAgent{}
	b := &scriptedAgent{}
	h.addAgent(t, "edge-a", a)
	h.addAgent(t, "edge-b", b)

	_, agentID, err := h.d.SubmitTo(context.Background(), "edge-b", Request{JobType: "curl", Target: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, "edge-b", agentID)
	assert.Empty(t, a.sent())
	assert.Len(t, b.sent(), 1)

	_, _, err = h.d.SubmitTo(context.Background(), "edge-z", Request{JobType: "curl", Target: "https://example.com"})
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestHandleResult_Unknown(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, DispositionUnknown, h.d.HandleResult(context.Background(), Result{JobID: "never-issued"}))
	assert.Equal(t, 0, h.store.JobResultCount())
}

// Each job ends in exactly one of: a delivered outcome or a timeout error,
// and the correlator's disposition agrees with what the caller saw.
func TestDispatch_ResultAndTimeoutRace(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	dispositions := make(map[string]Disposition)
	a := &scriptedAgent{}
	a.onJob = func(msg *protocol.Message) {
		time.Sleep(5 * time.Millisecond)
		d := h.d.HandleResult(context.Background(), Result{JobID: msg.JobID, Output: "ok", Success: true})
		mu.Lock()
		dispositions[msg.JobID] = d
		mu.Unlock()
	}
	h.addAgent(t, "edge-1", a)

	type call struct {
		out *Outcome
		err error
	}
	var calls []call
	for i := 0; i < 40; i++ {
		out, err := h.d.Dispatch(context.Background(), Request{JobType: "ping", Target: "8.8.8.8", Timeout: 5 * time.Millisecond})
		calls = append(calls, call{out, err})
	}

	// let the last replies land
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dispositions) == 40
	}, 2*time.Second, 5*time.Millisecond)

	sent := a.sent()
	require.Len(t, sent, 40)
	for i, c := range calls {
		jobID := sent[i].JobID
		mu.Lock()
		d := dispositions[jobID]
		mu.Unlock()
		if c.err == nil {
			require.NotNil(t, c.out)
			assert.Equal(t, jobID, c.out.JobID)
			assert.Equal(t, DispositionDelivered, d)
		} else {
			assert.ErrorIs(t, c.err, ErrDispatchTimeout)
			assert.Equal(t, DispositionLate, d)
		}
	}
	assert.Equal(t, 0, h.d.Pending())
}

func TestClose_FailsWaiters(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "edge-1", &scriptedAgent{})

	errCh := make(chan error, 1)
	go func() {
		_, err := h.d.Dispatch(context.Background(), Request{JobType: "ping", Target: "8.8.8.8", Timeout: 5 * time.Second})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return h.d.Pending() == 1 }, time.Second, 2*time.Millisecond)
	h.d.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrDispatcherClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by Close")
	}

	_, err := h.d.Dispatch(context.Background(), Request{JobType: "ping", Target: "8.8.8.8"})
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestPendingTable_TakeOnce(t *testing.T) {
	tbl := newPendingTable()
	require.NoError(t, tbl.add(&pendingJob{id: "j1", done: make(chan settlement, 1)}, 0, nil))
	assert.ErrorIs(t, tbl.add(&pendingJob{id: "j1"}, 0, nil), ErrDuplicateJobID)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := tbl.take("j1"); ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	assert.Equal(t, 0, tbl.len())
}
