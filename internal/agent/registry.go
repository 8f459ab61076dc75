// ABOUTME: Tracks connected probe agents with their last-heartbeat times.
// ABOUTME: Applies the duplicate-name policy, picks agents for jobs and evicts silent ones.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrAgentAlreadyRegistered indicates an agent with the same ID is already
// connected and the registry rejects duplicates.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// DuplicatePolicy decides what happens when a name registers twice.
type DuplicatePolicy string

const (
	// DuplicateReplace supersedes the existing connection and closes it.
	DuplicateReplace DuplicatePolicy = "replace"
	// DuplicateReject refuses the newcomer.
	DuplicateReject DuplicatePolicy = "reject"
)

// Info is a point-in-time view of one known agent.
type Info struct {
	ID                   string
	Connected            bool
	RemoteAddr           string
	RegisteredAt         time.Time
	LastSeen             time.Time
	SecondsSinceLastSeen float64
}

type entry struct {
	conn         *Connection
	registeredAt time.Time
	lastSeen     time.Time
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Selector         Selector
	DuplicatePolicy  DuplicatePolicy
	HeartbeatTimeout time.Duration
	// OnChange is called with the number of connected agents after every
	// membership change. It runs outside the registry lock.
	OnChange func(connected int)
	Now      func() time.Time
	Logger   *slog.Logger
}

// Registry holds the live agent connections keyed by agent name.
type Registry struct {
	agents   map[string]*entry
	mu       sync.RWMutex
	selector Selector
	policy   DuplicatePolicy
	timeout  time.Duration
	onChange func(int)
	now      func() time.Time
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		agents:   make(map[string]*entry),
		selector: cfg.Selector,
		policy:   cfg.DuplicatePolicy,
		timeout:  cfg.HeartbeatTimeout,
		onChange: cfg.OnChange,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
	if r.selector == nil {
		r.selector = &RoundRobin{}
	}
	if r.policy == "" {
		r.policy = DuplicateReplace
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Register records conn under conn.ID. Under the replace policy an existing
// connection is superseded and closed. Registering the same connection again
// only refreshes its last-seen time.
func (r *Registry) Register(conn *Connection) error {
	r.mu.Lock()
	now := r.now()
	var superseded *Connection
	if existing, ok := r.agents[conn.ID]; ok && existing.conn == conn {
		existing.lastSeen = now
		r.mu.Unlock()
		r.logger.Debug("agent registration refreshed", "agent_id", conn.ID)
		return nil
	} else if ok && existing.conn != nil {
		if r.policy == DuplicateReject {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAgentAlreadyRegistered, conn.ID)
		}
		superseded = existing.conn
	}
	r.agents[conn.ID] = &entry{conn: conn, registeredAt: now, lastSeen: now}
	connected := r.connectedLocked()
	r.mu.Unlock()

	if superseded != nil {
		r.logger.Warn("agent re-registered, closing previous connection",
			"agent_id", conn.ID,
			"previous_addr", superseded.RemoteAddr,
			"remote_addr", conn.RemoteAddr,
		)
		_ = superseded.Close()
	}

	r.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", conn.ID,
		"remote_addr", conn.RemoteAddr,
		"total_agents", connected,
	)
	r.notify(connected)
	return nil
}

// Heartbeat refreshes the agent's last-seen time. Unknown ids get a
// last-seen entry without a connection, and Heartbeat reports true when it
// created one.
func (r *Registry) Heartbeat(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.agents[agentID]; ok {
		e.lastSeen = now
		return false
	}
	r.agents[agentID] = &entry{lastSeen: now}
	r.logger.Debug("heartbeat from unregistered agent", "agent_id", agentID)
	return true
}

// Forget drops agentID if it is a heartbeat-only entry. Entries with a live
// connection are left alone.
func (r *Registry) Forget(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.agents[agentID]; ok && e.conn == nil {
		delete(r.agents, agentID)
	}
}

// Unregister removes agentID if its entry still belongs to conn. A stale
// connection's disconnect leaves its replacement alone.
func (r *Registry) Unregister(agentID string, conn *Connection) {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok || e.conn == nil || e.conn != conn {
		r.mu.Unlock()
		return
	}
	delete(r.agents, agentID)
	connected := r.connectedLocked()
	r.mu.Unlock()

	r.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", agentID,
		"total_agents", connected,
	)
	r.notify(connected)
}

// Pick selects an agent for a job.
func (r *Registry) Pick() (*Connection, error) {
	return r.selector.Select(r.snapshot())
}

// Get returns the connected agent with the given id.
func (r *Registry) Get(agentID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[agentID]
	if !ok || e.conn == nil {
		return nil, false
	}
	return e.conn, true
}

// Count returns the number of connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connectedLocked()
}

// List returns every known agent sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	infos := make([]Info, 0, len(r.agents))
	for id, e := range r.agents {
		info := Info{
			ID:                   id,
			Connected:            e.conn != nil,
			RegisteredAt:         e.registeredAt,
			LastSeen:             e.lastSeen,
			SecondsSinceLastSeen: now.Sub(e.lastSeen).Seconds(),
		}
		if e.conn != nil {
			info.RemoteAddr = e.conn.RemoteAddr
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Sweep evicts agents whose last heartbeat is older than the heartbeat
// timeout and closes their connections. It returns the evicted ids. A zero
// timeout disables eviction.
func (r *Registry) Sweep(now time.Time) []string {
	if r.timeout <= 0 {
		return nil
	}

	r.mu.Lock()
	var evicted []string
	var conns []*Connection
	for id, e := range r.agents {
		if now.Sub(e.lastSeen) <= r.timeout {
			continue
		}
		delete(r.agents, id)
		evicted = append(evicted, id)
		if e.conn != nil {
			conns = append(conns, e.conn)
		}
	}
	connected := r.connectedLocked()
	r.mu.Unlock()

	if len(evicted) == 0 {
		return nil
	}
	sort.Strings(evicted)
	for _, c := range conns {
		_ = c.Close()
	}
	r.logger.Warn("evicted silent agents",
		"agents", evicted,
		"heartbeat_timeout", r.timeout,
		"total_agents", connected,
	)
	r.notify(connected)
	return evicted
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if r.timeout <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// CloseAll closes every connection. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.agents))
	for _, e := range r.agents {
		if e.conn != nil {
			conns = append(conns, e.conn)
		}
	}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (r *Registry) snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.agents))
	for _, e := range r.agents {
		if e.conn != nil {
			conns = append(conns, e.conn)
		}
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns
}

func (r *Registry) connectedLocked() int {
	n := 0
	for _, e := range r.agents {
		if e.conn != nil {
			n++
		}
	}
	return n
}

func (r *Registry) notify(connected int) {
	if r.onChange != nil {
		r.onChange(connected)
	}
}
