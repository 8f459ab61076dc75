// ABOUTME: JSON frames exchanged with probe agents over the /ws/node WebSocket.
// ABOUTME: Covers register, heartbeat, job and result actions plus ack and error frames.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Actions carried in the "action" field of a frame.
const (
	ActionRegister  = "register"
	ActionHeartbeat = "heartbeat"
	ActionJob       = "job"
	ActionResult    = "result"
)

// JobTypePortCheck is the only job type that requires a port.
const JobTypePortCheck = "port_check"

// ErrMissingAction indicates a frame without an action field.
var ErrMissingAction = errors.New("missing action")

// ErrMissingField indicates a frame lacks a field its action requires.
var ErrMissingField = errors.New("missing required field")

// Message is the single envelope used in both directions. Fields that do not
// apply to an action are omitted on the wire.
type Message struct {
	Action   string         `json:"action,omitempty"`
	NodeName string         `json:"node_name,omitempty"`
	Status   string         `json:"status,omitempty"`
	JobID    string         `json:"job_id,omitempty"`
	JobType  string         `json:"job_type,omitempty"`
	Target   string         `json:"target,omitempty"`
	Port     *int           `json:"port,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Output   string         `json:"output,omitempty"`
	Success  *bool          `json:"success,omitempty"`
	Message  string         `json:"message,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Decode parses an inbound agent frame and checks the fields its action needs.
// Unknown actions decode without error so the caller can decide what to do.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if msg.Action == "" {
		return nil, ErrMissingAction
	}

	switch msg.Action {
	case ActionRegister, ActionHeartbeat:
		if msg.NodeName == "" {
			return nil, fmt.Errorf("%s: %w: node_name", msg.Action, ErrMissingField)
		}
	case ActionResult:
		if msg.JobID == "" {
			return nil, fmt.Errorf("%s: %w: job_id", msg.Action, ErrMissingField)
		}
	}
	return &msg, nil
}

// Succeeded reports the result's success flag, which defaults to true when
// the agent omits it.
func (m *Message) Succeeded() bool {
	if m.Success == nil {
		return true
	}
	return *m.Success
}

// NewJob builds the server->agent job envelope.
func NewJob(jobID, jobType, target string, port *int, params map[string]any) *Message {
	return &Message{
		Action:  ActionJob,
		JobID:   jobID,
		JobType: jobType,
		Target:  target,
		Port:    port,
		Params:  params,
	}
}

// NewResult builds an agent->server result frame.
func NewResult(jobID, output string, success bool) *Message {
	return &Message{
		Action:  ActionResult,
		JobID:   jobID,
		Output:  output,
		Success: &success,
	}
}

// RegisteredAck is sent back after a successful registration.
func RegisteredAck(nodeName string) *Message {
	return &Message{Message: fmt.Sprintf("Node %s registered successfully!", nodeName)}
}

// ErrorFrame reports a problem with an inbound frame without closing the link.
func ErrorFrame(err error) *Message {
	return &Message{Error: err.Error()}
}
