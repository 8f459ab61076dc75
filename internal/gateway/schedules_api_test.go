// ABOUTME: Tests for the scheduled probe CRUD, toggle and results endpoints
// ABOUTME: Checks both the HTTP responses and the scheduler triggers they leave behind

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probeops/probeops-gateway/internal/auth"
	"github.com/probeops/probeops-gateway/internal/store"
)

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }
func boolPtr(b bool) *bool    { return &b }

func newScheduleRequest(name string) ScheduledProbeRequest {
	return ScheduledProbeRequest{
		Name:            strPtr(name),
		Tool:            strPtr("ping"),
		Target:          strPtr("8.8.8.8"),
		IntervalMinutes: intPtr(5),
	}
}

func TestSchedules_CRUD(t *testing.T) {
	gw, srv := newTestServer(t, testConfig(t))
	base := srv.URL + "/scheduled_probes"

	var created ScheduledProbeResponse
	resp := doJSON(t, http.MethodPost, base, newScheduleRequest("dns-check"), nil, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotZero(t, created.ID)
	assert.True(t, created.IsActive)
	assert.Equal(t, 5, created.IntervalMinutes)
	require.Len(t, gw.scheduler.Triggers(), 1)

	item := fmt.Sprintf("%s/%d", base, created.ID)

	var got ScheduledProbeResponse
	resp = doJSON(t, http.MethodGet, item, nil, nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "dns-check", got.Name)

	var list []ScheduledProbeResponse
	resp = doJSON(t, http.MethodGet, base, nil, nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list, 1)

	var updated ScheduledProbeResponse
	resp = doJSON(t, http.MethodPut, item, ScheduledProbeRequest{
		Target:          strPtr("1.1.1.1"),
		IntervalMinutes: intPtr(10),
	}, nil, &updated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1.1.1.1", updated.Target)
	assert.Equal(t, 10, updated.IntervalMinutes)
	assert.Equal(t, "dns-check", updated.Name)

	var toggled ScheduledProbeResponse
	resp = doJSON(t, http.MethodPost, item+"/toggle", nil, nil, &toggled)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, toggled.IsActive)
	assert.Empty(t, gw.scheduler.Triggers())

	resp = doJSON(t, http.MethodPost, item+"/toggle", nil, nil, &toggled)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, toggled.IsActive)
	assert.Len(t, gw.scheduler.Triggers(), 1)

	resp = doJSON(t, http.MethodDelete, item, nil, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, gw.scheduler.Triggers())

	resp = doJSON(t, http.MethodGet, item, nil, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSchedules_CreateErrors(t *testing.T) {
	gw, srv := newTestServer(t, testConfig(t))
	base := srv.URL + "/scheduled_probes"

	resp := doJSON(t, http.MethodPost, base, newScheduleRequest("web"), nil, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, base, newScheduleRequest("web"), nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	bad := newScheduleRequest("bad-interval")
	bad.IntervalMinutes = intPtr(0)
	resp = doJSON(t, http.MethodPost, base, bad, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	missing := newScheduleRequest("no-target")
	missing.Target = nil
	resp = doJSON(t, http.MethodPost, base, missing, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	threshold := newScheduleRequest("threshold")
	threshold.AlertOnThreshold = boolPtr(true)
	resp = doJSON(t, http.MethodPost, base, threshold, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	portCheck := newScheduleRequest("ssh-port")
	portCheck.Tool = strPtr("port_check")
	resp = doJSON(t, http.MethodPost, base, portCheck, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Len(t, gw.scheduler.Triggers(), 1)
}

func TestSchedules_InactiveCreateHasNoTrigger(t *testing.T) {
	gw, srv := newTestServer(t, testConfig(t))

	req := newScheduleRequest("paused")
	req.IsActive = boolPtr(false)
	resp := doJSON(t, http.MethodPost, srv.URL+"/scheduled_probes", req, nil, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Empty(t, gw.scheduler.Triggers())
}

func TestSchedules_BadID(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t))

	var body map[string]string
	resp := doJSON(t, http.MethodGet, srv.URL+"/scheduled_probes/abc", nil, nil, &body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid scheduled probe id", body["error"])

	resp = doJSON(t, http.MethodDelete, srv.URL+"/scheduled_probes/999", nil, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSchedules_Results(t *testing.T) {
	gw, srv := newTestServer(t, testConfig(t))

	var created ScheduledProbeResponse
	resp := doJSON(t, http.MethodPost, srv.URL+"/scheduled_probes", newScheduleRequest("hourly"), nil, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ctx := context.Background()
	for i := range 3 {
		require.NoError(t, gw.store.CreateJobResult(ctx, &store.JobResult{
			JobID:            fmt.Sprintf("job-%d", i),
			JobType:          "ping",
			Target:           "8.8.8.8",
			Output:           "ok",
			Success:          i != 1,
			CreatedAt:        time.Now().UTC(),
			ScheduledProbeID: &created.ID,
			AgentID:          "probe-1",
		}))
	}

	var results []DiagnosticResponse
	resp = doJSON(t, http.MethodGet, fmt.Sprintf("%s/scheduled_probes/%d/results?limit=2", srv.URL, created.ID), nil, nil, &results)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, results, 2)
	assert.Equal(t, "job-2", results[0].JobID)
	assert.Equal(t, "failure", results[1].Status)
}

func TestSchedules_ScopedToUser(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "test-secret"
	_, srv := newTestServer(t, cfg)
	base := srv.URL + "/scheduled_probes"

	resp := doJSON(t, http.MethodGet, base, nil, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	verifier := auth.NewJWTVerifier([]byte("test-secret"))
	alice, err := verifier.Generate(1, time.Hour)
	require.NoError(t, err)
	bob, err := verifier.Generate(2, time.Hour)
	require.NoError(t, err)
	asAlice := map[string]string{"Authorization": "Bearer " + alice}
	asBob := map[string]string{"Authorization": "Bearer " + bob}

	var created ScheduledProbeResponse
	resp = doJSON(t, http.MethodPost, base, newScheduleRequest("mine"), asAlice, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, int64(1), created.UserID)

	item := fmt.Sprintf("%s/%d", base, created.ID)
	resp = doJSON(t, http.MethodGet, item, nil, asBob, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = doJSON(t, http.MethodPost, item+"/toggle", nil, asBob, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var list []ScheduledProbeResponse
	resp = doJSON(t, http.MethodGet, base, nil, asBob, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, list)

	// Names are unique across users.
	resp = doJSON(t, http.MethodPost, base, newScheduleRequest("mine"), asBob, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
