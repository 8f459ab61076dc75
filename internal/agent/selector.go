// ABOUTME: Agent selection policies used when a job does not name its agent.
// ABOUTME: Provides deterministic first-agent and rotating round-robin selectors.

package agent

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrNoAgentsAvailable indicates no agents are available to handle a job.
var ErrNoAgentsAvailable = errors.New("no agents available")

// Selection policy names accepted by NewSelector.
const (
	SelectionFirst      = "first"
	SelectionRoundRobin = "round_robin"
)

// Selector picks one agent from a snapshot sorted by agent id.
type Selector interface {
	Select(agents []*Connection) (*Connection, error)
}

// NewSelector returns the selector registered under name. An empty name
// yields round-robin.
func NewSelector(name string) (Selector, error) {
	switch name {
	case "", SelectionRoundRobin:
		return &RoundRobin{}, nil
	case SelectionFirst:
		return First{}, nil
	default:
		return nil, fmt.Errorf("unknown agent selection %q", name)
	}
}

// First always picks the lowest agent id.
type First struct{}

// Select implements Selector.
func (First) Select(agents []*Connection) (*Connection, error) {
	if len(agents) == 0 {
		return nil, ErrNoAgentsAvailable
	}
	return agents[0], nil
}

// RoundRobin rotates through the snapshot.
type RoundRobin struct {
	current uint64
}

// Select implements Selector.
func (r *RoundRobin) Select(agents []*Connection) (*Connection, error) {
	if len(agents) == 0 {
		return nil, ErrNoAgentsAvailable
	}

	idx := atomic.AddUint64(&r.current, 1) - 1
	return agents[idx%uint64(len(agents))], nil
}
