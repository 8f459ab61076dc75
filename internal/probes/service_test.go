// ABOUTME: Tests for the scheduled probe service.
// ABOUTME: Verifies validation, ownership, and that every mutation updates the trigger table.

package probes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probeops/probeops-gateway/internal/store"
)

type fakeTriggers struct {
	mu          sync.Mutex
	active      map[int64]int // probe id -> interval
	registerErr error
}

func newFakeTriggers() *fakeTriggers {
	return &fakeTriggers{active: make(map[int64]int)}
}

func (f *fakeTriggers) Register(def *store.ScheduledProbe) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return f.registerErr
	}
	if !def.IsActive {
		delete(f.active, def.ID)
		return nil
	}
	f.active[def.ID] = def.IntervalMinutes
	return nil
}

func (f *fakeTriggers) Unregister(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, id)
}

func (f *fakeTriggers) interval(id int64) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.active[id]
	return n, ok
}

func newService(t *testing.T) (*Service, *store.MockStore, *fakeTriggers) {
	t.Helper()
	st := store.NewMockStore()
	tr := newFakeTriggers()
	return NewService(st, tr, nil), st, tr
}

func validInput(name string) Input {
	return Input{Name: name, Tool: "ping", Target: "8.8.8.8", IntervalMinutes: 5}
}

func TestCreate_RegistersTrigger(t *testing.T) {
	svc, _, tr := newService(t)

	p, err := svc.Create(context.Background(), 1, validInput("edge-ping"))
	require.NoError(t, err)
	assert.True(t, p.IsActive)
	assert.Equal(t, int64(1), p.UserID)

	interval, ok := tr.interval(p.ID)
	require.True(t, ok)
	assert.Equal(t, 5, interval)
}

func TestCreate_InactiveHasNoTrigger(t *testing.T) {
	svc, _, tr := newService(t)
	off := false
	in := validInput("paused")
	in.IsActive = &off

	p, err := svc.Create(context.Background(), 1, in)
	require.NoError(t, err)
	_, ok := tr.interval(p.ID)
	assert.False(t, ok)
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := newService(t)
	cases := map[string]Input{
		"missing name":       {Tool: "ping", Target: "x", IntervalMinutes: 1},
		"missing tool":       {Name: "n", Target: "x", IntervalMinutes: 1},
		"missing target":     {Name: "n", Tool: "ping", IntervalMinutes: 1},
		"zero interval":      {Name: "n", Tool: "ping", Target: "x"},
		"threshold no value": {Name: "n", Tool: "ping", Target: "x", IntervalMinutes: 1, AlertOnThreshold: true},
		"port check":         {Name: "n", Tool: "port_check", Target: "x", IntervalMinutes: 1},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), 1, in)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCreate_DuplicateName(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Create(context.Background(), 1, validInput("same"))
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), 2, validInput("same"))
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestCreate_TriggerFailureSurfaces(t *testing.T) {
	svc, _, tr := newService(t)
	tr.registerErr = errors.New("scheduler stopped")

	_, err := svc.Create(context.Background(), 1, validInput("x"))
	assert.Error(t, err)
}

func TestUpdate_ReschedulesTrigger(t *testing.T) {
	svc, st, tr := newService(t)
	p, err := svc.Create(context.Background(), 1, validInput("resched"))
	require.NoError(t, err)

	ten := 10
	updated, err := svc.Update(context.Background(), 1, p.ID, Patch{IntervalMinutes: &ten})
	require.NoError(t, err)
	assert.Equal(t, 10, updated.IntervalMinutes)

	interval, ok := tr.interval(p.ID)
	require.True(t, ok)
	assert.Equal(t, 10, interval)

	stored, err := st.GetScheduledProbe(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, stored.IntervalMinutes)
	assert.Equal(t, "8.8.8.8", stored.Target, "unset patch fields are kept")
}

func TestUpdate_InvalidPatchLeavesStoreAlone(t *testing.T) {
	svc, st, _ := newService(t)
	p, err := svc.Create(context.Background(), 1, validInput("keep"))
	require.NoError(t, err)

	zero := 0
	_, err = svc.Update(context.Background(), 1, p.ID, Patch{IntervalMinutes: &zero})
	assert.ErrorIs(t, err, ErrValidation)

	portCheck := "port_check"
	_, err = svc.Update(context.Background(), 1, p.ID, Patch{Tool: &portCheck})
	assert.ErrorIs(t, err, ErrValidation)

	stored, err := st.GetScheduledProbe(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.IntervalMinutes)
	assert.Equal(t, "ping", stored.Tool)
}

func TestToggle(t *testing.T) {
	svc, _, tr := newService(t)
	p, err := svc.Create(context.Background(), 1, validInput("flip"))
	require.NoError(t, err)

	off, err := svc.Toggle(context.Background(), 1, p.ID)
	require.NoError(t, err)
	assert.False(t, off.IsActive)
	_, ok := tr.interval(p.ID)
	assert.False(t, ok)

	on, err := svc.Toggle(context.Background(), 1, p.ID)
	require.NoError(t, err)
	assert.True(t, on.IsActive)
	_, ok = tr.interval(p.ID)
	assert.True(t, ok)
}

func TestDelete_UnregistersAndKeepsResults(t *testing.T) {
	svc, st, tr := newService(t)
	ctx := context.Background()
	p, err := svc.Create(ctx, 1, validInput("gone"))
	require.NoError(t, err)
	require.NoError(t, st.CreateJobResult(ctx, &store.JobResult{JobID: "j1", CreatedAt: time.Now(), ScheduledProbeID: &p.ID}))

	require.NoError(t, svc.Delete(ctx, 1, p.ID))
	_, ok := tr.interval(p.ID)
	assert.False(t, ok)

	_, err = svc.Get(ctx, 1, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	results, err := st.ListJobResults(ctx, store.JobResultFilter{ScheduledProbeID: &p.ID})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestOwnership(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	p, err := svc.Create(ctx, 1, validInput("mine"))
	require.NoError(t, err)

	_, err = svc.Get(ctx, 2, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Toggle(ctx, 2, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, 2, p.ID), ErrNotFound)
	_, err = svc.Results(ctx, 2, p.ID, 10)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := svc.List(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestResults(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	p, err := svc.Create(ctx, 1, validInput("history"))
	require.NoError(t, err)

	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.CreateJobResult(ctx, &store.JobResult{JobID: id, CreatedAt: base.Add(time.Duration(i) * time.Second), ScheduledProbeID: &p.ID}))
	}

	results, err := svc.Results(ctx, 1, p.ID, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "c", results[0].JobID)
}
