// ABOUTME: Sentinel errors returned by the dispatcher.
// ABOUTME: The HTTP layer maps these to status codes with errors.Is.

package dispatch

import "errors"

var (
	// ErrNoAgentAvailable means no agent is connected; nothing was queued.
	ErrNoAgentAvailable = errors.New("no probe agent available")

	// ErrTransportFailure means the envelope could not be written to the agent.
	ErrTransportFailure = errors.New("failed to send job to agent")

	// ErrDispatchTimeout means no result arrived within the wait bound.
	ErrDispatchTimeout = errors.New("timed out waiting for job result")

	// ErrInvalidJob means the request cannot be turned into an envelope.
	ErrInvalidJob = errors.New("invalid job")

	// ErrAgentNotFound means a targeted agent is not connected.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrDispatcherClosed means the dispatcher is shutting down.
	ErrDispatcherClosed = errors.New("dispatcher closed")

	// ErrDuplicateJobID means a job id is already pending.
	ErrDuplicateJobID = errors.New("job id already pending")
)
