// ABOUTME: HTTP handlers for scheduled probe CRUD, toggling and per-probe results
// ABOUTME: Every route acts on the signed-in user's own definitions through probes.Service

package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/probeops/probeops-gateway/internal/auth"
	"github.com/probeops/probeops-gateway/internal/probes"
	"github.com/probeops/probeops-gateway/internal/store"
)

// ScheduledProbeRequest is the JSON body for creating or updating a
// scheduled probe. On update only the fields present are changed.
type ScheduledProbeRequest struct {
	Name             *string `json:"name"`
	Description      *string `json:"description"`
	Tool             *string `json:"tool"`
	Target           *string `json:"target"`
	IntervalMinutes  *int    `json:"interval_minutes"`
	IsActive         *bool   `json:"is_active"`
	AlertOnFailure   *bool   `json:"alert_on_failure"`
	AlertOnThreshold *bool   `json:"alert_on_threshold"`
	ThresholdValue   *int    `json:"threshold_value"`
}

// ScheduledProbeResponse is the JSON form of a scheduled probe.
type ScheduledProbeResponse struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	Tool             string    `json:"tool"`
	Target           string    `json:"target"`
	IntervalMinutes  int       `json:"interval_minutes"`
	IsActive         bool      `json:"is_active"`
	AlertOnFailure   bool      `json:"alert_on_failure"`
	AlertOnThreshold bool      `json:"alert_on_threshold"`
	ThresholdValue   *int      `json:"threshold_value"`
	UserID           int64     `json:"user_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func scheduledProbeResponse(p *store.ScheduledProbe) ScheduledProbeResponse {
	return ScheduledProbeResponse{
		ID:               p.ID,
		Name:             p.Name,
		Description:      p.Description,
		Tool:             p.Tool,
		Target:           p.Target,
		IntervalMinutes:  p.IntervalMinutes,
		IsActive:         p.IsActive,
		AlertOnFailure:   p.AlertOnFailure,
		AlertOnThreshold: p.AlertOnThreshold,
		ThresholdValue:   p.ThresholdValue,
		UserID:           p.UserID,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func (req ScheduledProbeRequest) input() probes.Input {
	in := probes.Input{
		IsActive:       req.IsActive,
		ThresholdValue: req.ThresholdValue,
	}
	if req.Name != nil {
		in.Name = *req.Name
	}
	if req.Description != nil {
		in.Description = *req.Description
	}
	if req.Tool != nil {
		in.Tool = *req.Tool
	}
	if req.Target != nil {
		in.Target = *req.Target
	}
	if req.IntervalMinutes != nil {
		in.IntervalMinutes = *req.IntervalMinutes
	}
	if req.AlertOnFailure != nil {
		in.AlertOnFailure = *req.AlertOnFailure
	}
	if req.AlertOnThreshold != nil {
		in.AlertOnThreshold = *req.AlertOnThreshold
	}
	return in
}

func (req ScheduledProbeRequest) patch() probes.Patch {
	return probes.Patch{
		Name:             req.Name,
		Description:      req.Description,
		Tool:             req.Tool,
		Target:           req.Target,
		IntervalMinutes:  req.IntervalMinutes,
		IsActive:         req.IsActive,
		AlertOnFailure:   req.AlertOnFailure,
		AlertOnThreshold: req.AlertOnThreshold,
		ThresholdValue:   req.ThresholdValue,
	}
}

// scheduleID parses the {id} path segment, writing a 400 on failure.
func (g *Gateway) scheduleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		g.sendJSONError(w, http.StatusBadRequest, "invalid scheduled probe id")
		return 0, false
	}
	return id, true
}

func userID(r *http.Request) int64 {
	return auth.FromContext(r.Context()).UserID
}

// handleListSchedules handles GET /scheduled_probes.
func (g *Gateway) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := g.probes.List(r.Context(), userID(r))
	if err != nil {
		g.sendDispatchError(w, err)
		return
	}
	resp := make([]ScheduledProbeResponse, 0, len(list))
	for _, p := range list {
		resp = append(resp, scheduledProbeResponse(p))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleCreateSchedule handles POST /scheduled_probes.
func (g *Gateway) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduledProbeRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := g.probes.Create(r.Context(), userID(r), req.input())
	if err != nil {
		g.sendDispatchError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, scheduledProbeResponse(p))
}

// handleGetSchedule handles GET /scheduled_probes/{id}.
func (g *Gateway) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := g.scheduleID(w, r)
	if !ok {
		return
	}
	p, err := g.probes.Get(r.Context(), userID(r), id)
	if err != nil {
		g.sendDispatchError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, scheduledProbeResponse(p))
}

// handleUpdateSchedule handles PUT /scheduled_probes/{id}.
func (g *Gateway) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := g.scheduleID(w, r)
	if !ok {
		return
	}
	var req ScheduledProbeRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := g.probes.Update(r.Context(), userID(r), id, req.patch())
	if err != nil {
		g.sendDispatchError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, scheduledProbeResponse(p))
}

// handleDeleteSchedule handles DELETE /scheduled_probes/{id}.
func (g *Gateway) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := g.scheduleID(w, r)
	if !ok {
		return
	}
	if err := g.probes.Delete(r.Context(), userID(r), id); err != nil {
		g.sendDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleToggleSchedule handles POST /scheduled_probes/{id}/toggle.
func (g *Gateway) handleToggleSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := g.scheduleID(w, r)
	if !ok {
		return
	}
	p, err := g.probes.Toggle(r.Context(), userID(r), id)
	if err != nil {
		g.sendDispatchError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, scheduledProbeResponse(p))
}

// handleScheduleResults handles GET /scheduled_probes/{id}/results?limit=N.
func (g *Gateway) handleScheduleResults(w http.ResponseWriter, r *http.Request) {
	id, ok := g.scheduleID(w, r)
	if !ok {
		return
	}
	limit, err := queryLimit(r, defaultHistoryLimit)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := g.probes.Results(r.Context(), userID(r), id, limit)
	if err != nil {
		g.sendDispatchError(w, err)
		return
	}
	resp := make([]DiagnosticResponse, 0, len(results))
	for _, rec := range results {
		resp = append(resp, diagnosticResponse(rec))
	}
	g.writeJSON(w, http.StatusOK, resp)
}
