// Package agent tracks the probe agents connected to the gateway.
//
// # Registry
//
// The Registry maps agent names to live connections:
//
//	reg := agent.NewRegistry(agent.RegistryConfig{Logger: logger})
//
// Key operations:
//
//   - Register(conn): record or replace the entry for conn.ID
//   - Heartbeat(id): refresh last-seen; unknown ids are accepted
//   - Unregister(id, conn): remove the entry if it still points at conn
//   - Pick(): choose an agent with the configured Selector
//   - Get(id), List(), Count()
//   - Sweep(now) / Run(ctx, interval): evict agents silent for longer than
//     the heartbeat timeout (disabled when the timeout is zero)
//
// # Duplicate names
//
// Agent names are not guaranteed unique. Under DuplicateReplace a second
// registration supersedes the first and closes its connection; under
// DuplicateReject it fails with ErrAgentAlreadyRegistered.
//
// # Thread Safety
//
// Registry guards its map with a RWMutex. Connection serializes writes so a
// job envelope and an ack frame never interleave on the wire.
package agent
