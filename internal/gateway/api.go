// ABOUTME: HTTP API handlers for nodes, job submission, interactive probes and diagnostics history
// ABOUTME: Maps dispatcher and store errors onto status codes and JSON error bodies

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/probeops/probeops-gateway/internal/auth"
	"github.com/probeops/probeops-gateway/internal/dispatch"
	"github.com/probeops/probeops-gateway/internal/probes"
	"github.com/probeops/probeops-gateway/internal/store"
)

// defaultHistoryLimit caps /diagnostics/history when no limit is given.
const defaultHistoryLimit = 50

// maxBodySize bounds JSON request bodies.
const maxBodySize = 1 << 20

// NodeResponse is one entry of GET /nodes.
type NodeResponse struct {
	NodeID               string    `json:"node_id"`
	Connected            bool      `json:"connected"`
	RemoteAddr           string    `json:"remote_addr,omitempty"`
	RegisteredAt         time.Time `json:"registered_at,omitzero"`
	LastSeen             time.Time `json:"last_seen"`
	SecondsSinceLastSeen int64     `json:"seconds_since_last_seen"`
}

// SendJobRequest is the JSON request body for POST /send-job.
type SendJobRequest struct {
	NodeID  string         `json:"node_id"`
	JobType string         `json:"job_type"`
	Target  string         `json:"target"`
	Port    *int           `json:"port,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

// SendJobResponse is the JSON response for POST /send-job.
type SendJobResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
	NodeID string `json:"node_id"`
}

// ProbeRequest is the JSON request body for POST /probe.
type ProbeRequest struct {
	Type   string `json:"type"`
	Target string `json:"target"`
	Port   *int   `json:"port,omitempty"`
}

// ProbeOutput is the agent's answer embedded in ProbeResponse.
type ProbeOutput struct {
	Output  string `json:"output"`
	Success bool   `json:"success"`
}

// ProbeResponse is the JSON response for POST /probe.
type ProbeResponse struct {
	JobID  string      `json:"job_id"`
	NodeID string      `json:"node_id"`
	Type   string      `json:"type"`
	Target string      `json:"target"`
	Port   *int        `json:"port,omitempty"`
	Output ProbeOutput `json:"output"`
}

// DiagnosticRequest is the JSON request body for POST /diagnostics/run.
type DiagnosticRequest struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// DiagnosticResponse describes one stored diagnostic run.
type DiagnosticResponse struct {
	ID            int64     `json:"id"`
	JobID         string    `json:"job_id"`
	Tool          string    `json:"tool"`
	Target        string    `json:"target"`
	Status        string    `json:"status"`
	Result        string    `json:"result"`
	Port          *int      `json:"port,omitempty"`
	ExecutionTime *int64    `json:"execution_time,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// JobResultResponse is the JSON response for GET /job-result/{job_id}.
type JobResultResponse struct {
	JobID     string    `json:"job_id"`
	JobType   string    `json:"job_type"`
	Target    string    `json:"target"`
	Port      *int      `json:"port"`
	Output    string    `json:"output"`
	Success   bool      `json:"success"`
	AgentID   string    `json:"agent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// handleListNodes handles GET /nodes.
func (g *Gateway) handleListNodes(w http.ResponseWriter, r *http.Request) {
	infos := g.registry.List()
	resp := make([]NodeResponse, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, NodeResponse{
			NodeID:               info.ID,
			Connected:            info.Connected,
			RemoteAddr:           info.RemoteAddr,
			RegisteredAt:         info.RegisteredAt,
			LastSeen:             info.LastSeen,
			SecondsSinceLastSeen: int64(info.SecondsSinceLastSeen),
		})
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleSendJob handles POST /send-job. The job goes to the named node and
// the call returns without waiting; the result is stored when it arrives.
func (g *Gateway) handleSendJob(w http.ResponseWriter, r *http.Request) {
	var req SendJobRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.NodeID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "node_id is required")
		return
	}

	jobID, agentID, err := g.dispatcher.SubmitTo(r.Context(), req.NodeID, dispatch.Request{
		JobType: req.JobType,
		Target:  req.Target,
		Port:    req.Port,
		Params:  req.Params,
	})
	if err != nil {
		g.sendDispatchError(w, err)
		return
	}

	g.logger.Info("job sent", "job_id", jobID, "agent_id", agentID, "job_type", req.JobType)
	g.writeJSON(w, http.StatusOK, SendJobResponse{Status: "job sent", JobID: jobID, NodeID: agentID})
}

// handleProbe handles POST /probe for API-key callers. It waits for the
// agent's answer and stores it against the key and its owner.
func (g *Gateway) handleProbe(w http.ResponseWriter, r *http.Request) {
	var req ProbeRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Type == "" || req.Target == "" {
		g.sendJSONError(w, http.StatusBadRequest, "Missing 'type' or 'target'")
		return
	}

	id := auth.FromContext(r.Context())
	dreq := dispatch.Request{
		JobType: req.Type,
		Target:  req.Target,
		Port:    req.Port,
		Owner:   ownerFor(id),
	}

	out, _, err := g.runAndStore(r.Context(), dreq)
	if err != nil {
		g.sendDispatchError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, ProbeResponse{
		JobID:  out.JobID,
		NodeID: out.AgentID,
		Type:   req.Type,
		Target: req.Target,
		Port:   req.Port,
		Output: ProbeOutput{Output: out.Output, Success: out.Success},
	})
}

// handleRunDiagnostic handles POST /diagnostics/run for signed-in users.
func (g *Gateway) handleRunDiagnostic(w http.ResponseWriter, r *http.Request) {
	var req DiagnosticRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Tool == "" {
		g.sendJSONError(w, http.StatusBadRequest, "tool is required")
		return
	}

	port, err := paramPort(req.Params)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	dreq := dispatch.Request{
		JobType: req.Tool,
		Target:  resolveTarget(req.Tool, req.Params),
		Port:    port,
		Params:  req.Params,
		Owner:   ownerFor(auth.FromContext(r.Context())),
	}

	_, rec, err := g.runAndStore(r.Context(), dreq)
	if err != nil {
		g.sendDispatchError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, diagnosticResponse(rec))
}

// handleDiagnosticHistory handles GET /diagnostics/history?limit=N.
func (g *Gateway) handleDiagnosticHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultHistoryLimit)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := auth.FromContext(r.Context()).UserID
	results, err := g.store.ListJobResults(r.Context(), store.JobResultFilter{UserID: &userID, Limit: limit})
	if err != nil {
		g.logger.Error("listing diagnostics history", "user_id", userID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	resp := make([]DiagnosticResponse, 0, len(results))
	for _, rec := range results {
		resp = append(resp, diagnosticResponse(rec))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleJobResult handles GET /job-result/{job_id}.
func (g *Gateway) handleJobResult(w http.ResponseWriter, r *http.Request) {
	rec, err := g.store.GetJobResult(r.Context(), r.PathValue("job_id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "Not found")
		return
	}
	if err != nil {
		g.logger.Error("loading job result", "job_id", r.PathValue("job_id"), "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load job result")
		return
	}

	g.writeJSON(w, http.StatusOK, JobResultResponse{
		JobID:     rec.JobID,
		JobType:   rec.JobType,
		Target:    rec.Target,
		Port:      rec.Port,
		Output:    rec.Output,
		Success:   rec.Success,
		AgentID:   rec.AgentID,
		CreatedAt: rec.CreatedAt,
	})
}

// runAndStore dispatches req, waits for the agent and persists the record.
// Once the agent has answered the record is written even if the caller has
// gone away.
func (g *Gateway) runAndStore(ctx context.Context, req dispatch.Request) (*dispatch.Outcome, *store.JobResult, error) {
	out, err := g.dispatcher.Dispatch(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	rec := out.Record(req)
	if err := g.store.CreateJobResult(context.WithoutCancel(ctx), rec); err != nil {
		return nil, nil, fmt.Errorf("storing result for job %s: %w", out.JobID, err)
	}
	return out, rec, nil
}

func diagnosticResponse(rec *store.JobResult) DiagnosticResponse {
	status := "failure"
	if rec.Success {
		status = "success"
	}
	resp := DiagnosticResponse{
		ID:        rec.ID,
		JobID:     rec.JobID,
		Tool:      rec.JobType,
		Target:    rec.Target,
		Status:    status,
		Result:    rec.Output,
		Port:      rec.Port,
		CreatedAt: rec.CreatedAt,
	}
	if rec.DurationMS > 0 {
		ms := rec.DurationMS
		resp.ExecutionTime = &ms
	}
	return resp
}

// ownerFor converts the request identity into a job owner.
func ownerFor(id *auth.Identity) dispatch.Owner {
	if id == nil {
		return dispatch.Owner{}
	}
	userID := id.UserID
	return dispatch.Owner{UserID: &userID, APIKeyID: id.APIKeyID}
}

// resolveTarget picks the job target from diagnostic params. rdns takes an
// address, curl and whois take a URL, other tools accept either.
func resolveTarget(tool string, params map[string]any) string {
	var keys []string
	switch tool {
	case "rdns":
		keys = []string{"target", "ip_address"}
	case "curl", "whois":
		keys = []string{"target", "url"}
	default:
		keys = []string{"target", "url", "ip_address"}
	}
	for _, k := range keys {
		if v, ok := params[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// paramPort reads an optional "port" param given as a JSON number or string.
func paramPort(params map[string]any) (*int, error) {
	raw, ok := params["port"]
	if !ok || raw == nil {
		return nil, nil
	}
	var port int
	switch v := raw.(type) {
	case float64:
		port = int(v)
		if float64(port) != v {
			return nil, fmt.Errorf("port must be an integer")
		}
	case string:
		if v == "" {
			return nil, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("port must be an integer")
		}
		port = n
	default:
		return nil, fmt.Errorf("port must be an integer")
	}
	return &port, nil
}

// queryLimit parses ?limit=N, falling back to def when absent.
func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return n, nil
}

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return errors.New("failed to read request body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrNoAgentAvailable),
		errors.Is(err, dispatch.ErrTransportFailure),
		errors.Is(err, dispatch.ErrDispatcherClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrDispatchTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, dispatch.ErrInvalidJob),
		errors.Is(err, probes.ErrValidation),
		errors.Is(err, store.ErrDuplicateJobID),
		errors.Is(err, dispatch.ErrDuplicateJobID):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrAgentNotFound),
		errors.Is(err, probes.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, probes.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// sendDispatchError logs err and writes the mapped status.
func (g *Gateway) sendDispatchError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusGatewayTimeout {
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, status, "internal error")
		return
	}
	g.logger.Warn("request failed", "status", status, "error", err)
	g.sendJSONError(w, status, err.Error())
}

// writeJSON writes v as a JSON response.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
