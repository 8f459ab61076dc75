// Package gateway wires the probeops-gateway components into running servers.
//
// # Overview
//
// Gateway owns the agent registry, the dispatcher, the scheduler, the
// scheduled probe service and the store. It serves:
//
//   - GET /ws/node, the WebSocket endpoint probe agents keep open
//   - the diagnostics and node HTTP API (/probe, /diagnostics/*, /nodes,
//     /send-job, /job-result/{job_id})
//   - scheduled probe CRUD under /scheduled_probes
//   - /health, /health/ready and, when enabled, Prometheus metrics
//   - the standard gRPC health service, where "probeops.dispatch" is SERVING
//     while at least one agent is connected
//
// # Agent sessions
//
// Each socket gets one read goroutine. A frame that fails to decode is
// answered with {"error": "..."} and the loop keeps reading. Once the agent
// registers, every write to it (acks and jobs) goes through its
// agent.Connection so frames never interleave. When the socket closes the
// agent is unregistered, unless a newer connection already replaced it.
//
// # Error mapping
//
//	dispatch.ErrNoAgentAvailable, ErrTransportFailure  -> 503
//	dispatch.ErrDispatchTimeout                        -> 504
//	dispatch.ErrInvalidJob, store.ErrDuplicateJobID    -> 400
//	probes.ErrValidation                               -> 400
//	not found                                          -> 404
//	probes.ErrDuplicateName                            -> 409
//
// # Lifecycle
//
// Run opens TCP listeners, or tailnet listeners through tsnet when
// tailscale.enabled is set, loads active scheduled probes, starts the
// scheduler workers and the optional heartbeat sweep, and blocks until its
// context is cancelled. Shutdown stops the servers, fails waiting callers
// with dispatch.ErrDispatcherClosed, closes agent sockets and the store.
package gateway
