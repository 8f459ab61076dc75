// ABOUTME: WebSocket endpoint that probe agents hold open for the lifetime of the agent
// ABOUTME: Handles register, heartbeat and result frames and hands results to the dispatcher

package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/probeops/probeops-gateway/internal/agent"
	"github.com/probeops/probeops-gateway/internal/dispatch"
	"github.com/probeops/probeops-gateway/internal/protocol"
)

const (
	// writeTimeout is the deadline for a single frame written to an agent.
	writeTimeout = 10 * time.Second

	// maxFrameSize bounds a single inbound frame. Tool output can be large.
	maxFrameSize = 4 << 20

	// maxHeartbeatNames bounds the heartbeat-only registry entries one socket
	// may create before it registers.
	maxHeartbeatNames = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents are not browsers; origin checks do not apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTransport adapts a gorilla connection to agent.Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteJSON(v any) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}

// agentSession is the state of one agent socket.
type agentSession struct {
	g         *Gateway
	transport *wsTransport
	remote    string
	// conn is set once the agent registers.
	conn *agent.Connection
	// heartbeatNames are the heartbeat-only entries this socket created.
	// They are dropped when the socket closes.
	heartbeatNames map[string]struct{}
	logger         *slog.Logger
}

// handleAgentSocket handles GET /ws/node. It blocks until the socket closes.
func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		g.logger.Warn("agent websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	s := &agentSession{
		g:              g,
		transport:      &wsTransport{conn: ws},
		remote:         r.RemoteAddr,
		heartbeatNames: make(map[string]struct{}),
		logger:         g.logger.With("remote_addr", r.RemoteAddr),
	}
	defer s.close()

	s.logger.Debug("agent socket opened")
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("agent socket read failed", "agent_id", s.agentID(), "error", err)
			}
			return
		}
		if !s.handleFrame(r, data) {
			return
		}
	}
}

// handleFrame processes one inbound frame. It returns false when the
// session must end.
func (s *agentSession) handleFrame(r *http.Request, data []byte) bool {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("malformed agent frame", "agent_id", s.agentID(), "error", err)
		s.reply(protocol.ErrorFrame(err))
		return true
	}

	switch msg.Action {
	case protocol.ActionRegister:
		return s.register(msg.NodeName)

	case protocol.ActionHeartbeat:
		s.heartbeat(msg.NodeName)
		s.logger.Debug("heartbeat received", "agent_id", msg.NodeName, "status", msg.Status)
		return true

	case protocol.ActionResult:
		disposition := s.g.dispatcher.HandleResult(r.Context(), dispatch.Result{
			JobID:   msg.JobID,
			AgentID: s.agentID(),
			Output:  msg.Output,
			Success: msg.Succeeded(),
		})
		s.logger.Debug("result received", "agent_id", s.agentID(), "job_id", msg.JobID, "disposition", disposition)
		return true

	default:
		err := fmt.Errorf("unknown action %q", msg.Action)
		s.logger.Warn("unsupported agent frame", "agent_id", s.agentID(), "error", err)
		s.reply(protocol.ErrorFrame(err))
		return true
	}
}

// register binds the socket to name. Registering again under the same name
// refreshes the entry; a different name releases the old one first.
func (s *agentSession) register(name string) bool {
	if s.conn != nil && s.conn.ID != name {
		s.g.registry.Unregister(s.conn.ID, s.conn)
		s.conn = nil
	}
	conn := s.conn
	if conn == nil {
		conn = agent.NewConnection(agent.ConnectionParams{
			ID:         name,
			RemoteAddr: s.remote,
			Transport:  s.transport,
			Logger:     s.logger,
		})
	}

	if err := s.g.registry.Register(conn); err != nil {
		s.logger.Warn("agent registration refused", "agent_id", name, "error", err)
		s.reply(protocol.ErrorFrame(err))
		return !errors.Is(err, agent.ErrAgentAlreadyRegistered)
	}
	s.conn = conn
	delete(s.heartbeatNames, name)

	s.reply(protocol.RegisteredAck(name))
	return true
}

// heartbeat stamps name in the registry. Entries it creates for unregistered
// names belong to this socket, up to maxHeartbeatNames.
func (s *agentSession) heartbeat(name string) {
	if !s.g.registry.Heartbeat(name) {
		return
	}
	if len(s.heartbeatNames) >= maxHeartbeatNames {
		s.g.registry.Forget(name)
		s.logger.Warn("too many heartbeat-only names on one socket", "agent_id", name)
		return
	}
	s.heartbeatNames[name] = struct{}{}
}

// reply writes a frame back to the agent. After registration all writes go
// through the registered connection so they serialize with job sends.
func (s *agentSession) reply(msg *protocol.Message) {
	var err error
	if s.conn != nil {
		err = s.conn.Send(msg)
	} else {
		err = s.transport.WriteJSON(msg)
	}
	if err != nil {
		s.logger.Warn("failed to write agent frame", "agent_id", s.agentID(), "error", err)
	}
}

func (s *agentSession) agentID() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.ID
}

func (s *agentSession) close() {
	for name := range s.heartbeatNames {
		s.g.registry.Forget(name)
	}
	if s.conn != nil {
		s.g.registry.Unregister(s.conn.ID, s.conn)
		_ = s.conn.Close()
		return
	}
	_ = s.transport.Close()
}
