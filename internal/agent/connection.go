// ABOUTME: Represents a single connected probe agent and its outbound frame writer.
// ABOUTME: Serializes writes so the read loop and the dispatcher never interleave frames.

package agent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/probeops/probeops-gateway/internal/protocol"
)

// Transport is the live link to an agent: anything that can write a JSON
// frame and be closed.
type Transport interface {
	WriteJSON(v any) error
	Close() error
}

// Connection represents a connected agent with its transport.
type Connection struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	transport Transport
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	logger    *slog.Logger
}

// ConnectionParams holds the parameters for creating a new Connection.
type ConnectionParams struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time
	Transport   Transport
	Logger      *slog.Logger
}

// NewConnection creates a new Connection from the given parameters.
func NewConnection(p ConnectionParams) *Connection {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	connectedAt := p.ConnectedAt
	if connectedAt.IsZero() {
		connectedAt = time.Now()
	}
	return &Connection{
		ID:          p.ID,
		RemoteAddr:  p.RemoteAddr,
		ConnectedAt: connectedAt,
		transport:   p.Transport,
		logger:      logger,
	}
}

// Send writes a frame to the agent.
func (c *Connection) Send(msg *protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteJSON(msg)
}

// Close closes the underlying transport. Safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.transport.Close()
		c.logger.Debug("agent connection closed", "agent_id", c.ID, "remote_addr", c.RemoteAddr)
	})
	return c.closeErr
}
