// Package scheduler runs scheduled probes on their intervals.
//
// Each active definition owns one trigger goroutine. A trigger fires as soon
// as it is registered and then on every interval; each firing is put on a
// bounded queue that a fixed pool of workers drains. Workers re-read the
// definition before dispatching, so a firing for a deleted or deactivated
// probe is skipped, and firings from a replaced trigger are discarded.
package scheduler
