package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/antoniostano/switchboard/internal/protocol"
	"github.com/antoniostano/switchboard/internal/registry"
	"github.com/antoniostano/switchboard/internal/router"
)

// State of one client connection's relay machine.
type State string

const (
	StateConnecting      State = "connecting"
	StateAwaitingInit    State = "awaiting_init"
	StateRelaying        State = "relaying"
	StateHandoffInFlight State = "handoff_in_flight"
	StateClosed          State = "closed"
)

var (
	errNoBackend  = errors.New("no backend wired")
	errConnClosed = errors.New("connection closed")
)

const (
	clientWriteTimeout  = 10 * time.Second
	backendWriteTimeout = 5 * time.Second
	clientReadTimeout   = 120 * time.Second
	maxFrameSize        = 2 << 20
)

// Conn is the per-client-connection actor. It is the sole owner of its
// outbound backend socket: only this connection's goroutines re-wire it,
// which keeps handoff race-free without store-side locking.
type Conn struct {
	gw     *Gateway
	client *websocket.Conn

	sessionID string
	traceID   string

	// rewireMu serializes backend re-wiring. initialize and handleHandoff
	// hold it across their whole detach/dial/publish sequence, so a session
	// can never carry two live backend sockets at once.
	rewireMu sync.Mutex

	// writeMu serializes every write to the client socket. Detaching a
	// backend takes it too, so once detach returns no frame from the old
	// backend can reach the client.
	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	backend      *backendLink
	currentAgent string
	created      bool
}

// backendLink is one outbound websocket to an agent. detached flips exactly
// once, under the owning connection's writeMu.
type backendLink struct {
	agentID  string
	conn     *websocket.Conn
	detached bool
}

func newConn(g *Gateway, client *websocket.Conn) *Conn {
	return &Conn{
		gw:        g,
		client:    client,
		sessionID: newSessionID(),
		traceID:   newTraceID(),
		state:     StateConnecting,
	}
}

// run drives the client read loop until disconnect.
func (c *Conn) run(ctx context.Context) {
	defer c.teardown()

	c.client.SetReadLimit(maxFrameSize)
	_ = c.client.SetReadDeadline(time.Now().Add(clientReadTimeout))
	c.client.SetPongHandler(func(string) error {
		return c.client.SetReadDeadline(time.Now().Add(clientReadTimeout))
	})

	connected := protocol.Connected{
		Type:      protocol.TypeConnected,
		SessionID: c.sessionID,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := c.writeClientJSON(connected); err != nil {
		return
	}
	c.setState(StateAwaitingInit)
	c.gw.tracer.SessionStarted(ctx, c.traceID, c.sessionID)

	for {
		msgType, data, err := c.client.ReadMessage()
		if err != nil {
			return
		}
		_ = c.client.SetReadDeadline(time.Now().Add(clientReadTimeout))
		c.handleClientMessage(ctx, protocol.ParseClientMessage(data, msgType == websocket.BinaryMessage))
	}
}

func (c *Conn) handleClientMessage(ctx context.Context, msg protocol.ClientMessage) {
	switch m := msg.(type) {
	case protocol.SelectWorkflow:
		c.gw.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeSelectWorkflow)).Inc()
		c.initialize(ctx, m.WorkflowID)
	case protocol.Ping:
		c.gw.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypePing)).Inc()
		pong := protocol.Pong{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()}
		if err := c.writeClientJSON(pong); err != nil {
			log.Warn().Err(err).Str("session_id", c.sessionID).Msg("pong write failed")
		}
	case protocol.Passthrough:
		c.gw.metrics.WSMessages.WithLabelValues("inbound", "passthrough").Inc()
		c.relayToBackend(ctx, m)
	}
}

// initialize creates the session record if needed and wires the backend.
// Routing failure leaves the connection in awaiting_init; a later client
// message retries.
func (c *Conn) initialize(ctx context.Context, workflowID string) {
	if workflowID == "" {
		workflowID = c.gw.cfg.DefaultWorkflow
	}

	// Held for the whole create/route/dial sequence. A client frame arriving
	// while a handoff is mid-rewire waits here and then sees the new backend
	// instead of dialing a second one.
	c.rewireMu.Lock()
	defer c.rewireMu.Unlock()

	c.mu.Lock()
	created := c.created
	wired := c.backend != nil
	c.mu.Unlock()
	if created && wired {
		return
	}

	if !created {
		if _, err := c.gw.sessions.CreateSession(ctx, c.sessionID, c.gw.cfg.DefaultAgent); err != nil {
			c.gw.metrics.StoreErrors.WithLabelValues("create_session").Inc()
			log.Error().Err(err).Str("session_id", c.sessionID).Msg("session create failed")
			c.sendError("session could not be created")
			return
		}
		if _, err := c.gw.sessions.UpdateMemory(ctx, c.sessionID, router.Memory{"workflow": workflowID}); err != nil {
			log.Warn().Err(err).Str("session_id", c.sessionID).Msg("workflow memo write failed")
		}
		c.mu.Lock()
		c.created = true
		c.mu.Unlock()
		c.gw.metrics.SessionEvents.WithLabelValues("session_created").Inc()
	}

	agent, err := c.gw.sessions.RouteToAgent(ctx, c.sessionID)
	if errors.Is(err, router.ErrNotFound) {
		c.gw.metrics.SessionEvents.WithLabelValues("routing_failed").Inc()
		log.Warn().Str("session_id", c.sessionID).Msg("no eligible agent for session")
		c.sendError("no agent is available to take this session")
		return
	}
	if err != nil {
		c.gw.metrics.StoreErrors.WithLabelValues("route_to_agent").Inc()
		log.Error().Err(err).Str("session_id", c.sessionID).Msg("initial routing failed")
		c.sendError("session routing failed")
		return
	}

	if err := c.connectToAgent(ctx, agent); err != nil {
		log.Error().Err(err).
			Str("session_id", c.sessionID).
			Str("agent_id", agent.ID).
			Msg("backend connect failed")
	}
}

// relayToBackend forwards one opaque client frame, auto-initializing with
// the default workflow when no backend is wired yet. Binary frames go
// straight through with no store round-trip.
func (c *Conn) relayToBackend(ctx context.Context, msg protocol.Passthrough) {
	if c.currentBackend() == nil {
		c.initialize(ctx, c.gw.cfg.DefaultWorkflow)
	}
	if err := c.writeBackend(msg); err != nil {
		log.Warn().Err(err).Str("session_id", c.sessionID).Msg("client frame dropped, no backend")
	}
}

// connectToAgent re-wires the outbound socket. The old backend is detached
// and closed before the new dial so no message can be attributed to the
// wrong agent. Callers hold rewireMu.
func (c *Conn) connectToAgent(ctx context.Context, agent *registry.AgentRecord) error {
	c.detachBackend()

	target, err := agentSessionURL(agent.URL)
	if err != nil {
		c.setState(StateAwaitingInit)
		return err
	}

	start := time.Now()
	ws, _, err := c.gw.dialer.DialContext(ctx, target, nil)
	if err != nil {
		c.setState(StateAwaitingInit)
		return err
	}
	c.gw.metrics.ObserveBackendDial(time.Since(start))

	memory, err := c.gw.sessions.GetMemory(ctx, c.sessionID)
	if err != nil {
		c.gw.metrics.StoreErrors.WithLabelValues("get_memory").Inc()
		log.Warn().Err(err).Str("session_id", c.sessionID).Msg("memory fetch failed, initializing agent without context")
		memory = router.Memory{}
	}

	init := protocol.SessionInit{
		Type:      protocol.TypeSessionInit,
		SessionID: c.sessionID,
		TraceID:   c.traceID,
		Memory:    memory,
	}

	// Publishing the link and writing session_init happen under the same
	// lock as backend writes, so the init is always the first frame the
	// agent sees.
	link := &backendLink{agentID: agent.ID, conn: ws}
	c.mu.Lock()
	if c.state == StateClosed {
		// teardown won the race; don't publish a socket nobody will close.
		c.mu.Unlock()
		_ = ws.Close()
		return errConnClosed
	}
	_ = ws.SetWriteDeadline(time.Now().Add(backendWriteTimeout))
	if err := ws.WriteJSON(init); err != nil {
		c.state = StateAwaitingInit
		c.mu.Unlock()
		_ = ws.Close()
		return err
	}
	c.backend = link
	c.currentAgent = agent.ID
	c.state = StateRelaying
	c.mu.Unlock()

	go c.readBackend(ctx, link)
	return nil
}

// readBackend relays one backend socket to the client, intercepting the
// control vocabulary. It exits when the socket closes or is detached.
func (c *Conn) readBackend(ctx context.Context, link *backendLink) {
	for {
		msgType, data, err := link.conn.ReadMessage()
		if err != nil {
			c.backendClosed(link, err)
			return
		}
		switch msg := protocol.ParseBackendMessage(data, msgType == websocket.BinaryMessage).(type) {
		case protocol.UpdateMemory:
			c.gw.metrics.WSMessages.WithLabelValues("backend", string(protocol.TypeUpdateMemory)).Inc()
			if _, err := c.gw.sessions.UpdateMemory(ctx, c.sessionID, router.Memory(msg.Memory)); err != nil {
				c.gw.metrics.StoreErrors.WithLabelValues("update_memory").Inc()
				log.Warn().Err(err).Str("session_id", c.sessionID).Msg("memory update failed")
			}
		case protocol.HandoffRequest:
			c.gw.metrics.WSMessages.WithLabelValues("backend", string(protocol.TypeHandoffRequest)).Inc()
			c.handleHandoff(ctx, link, msg)
		case protocol.Passthrough:
			c.forwardToClient(link, msgType, data)
		}
	}
}

// handleHandoff runs the handoff algorithm on the backend reader goroutine.
// A dead-end resolution abandons the handoff and leaves the old backend
// wired; the failure is operator-visible only.
func (c *Conn) handleHandoff(ctx context.Context, link *backendLink, req protocol.HandoffRequest) {
	c.rewireMu.Lock()
	defer c.rewireMu.Unlock()

	c.mu.Lock()
	if c.backend != link {
		c.mu.Unlock()
		return
	}
	fromAgent := c.currentAgent
	c.state = StateHandoffInFlight
	c.mu.Unlock()

	// Snapshot is for observability tagging only; the transfer itself works
	// on the live record.
	snapshot, err := c.gw.sessions.GetMemory(ctx, c.sessionID)
	if err != nil {
		snapshot = nil
	}

	patch := router.Memory{"lastAgent": fromAgent}
	if req.IsReturn() {
		patch["taskCompleted"] = req.TaskCompleted()
		patch["conversationSummary"] = req.Summary()
	} else {
		if reason := req.Reason(); reason != "" {
			patch["userIntent"] = reason
		}
		if last := req.LastUserMessage(); last != "" {
			patch["lastUserMessage"] = last
		}
	}
	if _, err := c.gw.sessions.UpdateMemory(ctx, c.sessionID, patch); err != nil {
		c.gw.metrics.StoreErrors.WithLabelValues("update_memory").Inc()
		log.Warn().Err(err).Str("session_id", c.sessionID).Msg("handoff memory patch failed")
	}

	c.gw.tracer.Handoff(ctx, c.traceID, c.sessionID, fromAgent, req.TargetAgentID, req.Reason(), req.IsReturn(), snapshot)

	ok, err := c.gw.sessions.TransferSession(ctx, c.sessionID, req.TargetAgentID, router.Memory(req.Context))
	if err != nil {
		c.gw.metrics.StoreErrors.WithLabelValues("transfer_session").Inc()
		log.Error().Err(err).Str("session_id", c.sessionID).Msg("session transfer failed")
		c.abandonHandoff(fromAgent, req.TargetAgentID, "store failure")
		return
	}
	if !ok {
		log.Warn().
			Str("session_id", c.sessionID).
			Str("target_agent", req.TargetAgentID).
			Msg("transfer refused, target agent not eligible")
	}

	next, err := c.gw.sessions.RouteToAgent(ctx, c.sessionID)
	if err != nil {
		c.abandonHandoff(fromAgent, req.TargetAgentID, "no eligible agent")
		return
	}

	c.mu.Lock()
	stayPut := c.backend == link && c.currentAgent == next.ID
	if stayPut {
		c.state = StateRelaying
	}
	c.mu.Unlock()
	if stayPut {
		// Resolution landed back on the agent already wired; keep the
		// connection rather than bouncing it.
		c.gw.metrics.Handoffs.WithLabelValues("noop").Inc()
		return
	}

	if err := c.connectToAgent(ctx, next); err != nil {
		c.gw.metrics.Handoffs.WithLabelValues("dial_failed").Inc()
		log.Error().Err(err).
			Str("session_id", c.sessionID).
			Str("agent_id", next.ID).
			Msg("handoff dial failed")
		return
	}
	c.gw.metrics.Handoffs.WithLabelValues("completed").Inc()
}

// abandonHandoff leaves the old backend wired. There is deliberately no
// client-facing error here; the stall is operator-visible only.
func (c *Conn) abandonHandoff(fromAgent, targetAgent, reason string) {
	c.mu.Lock()
	if c.state == StateHandoffInFlight {
		c.state = StateRelaying
	}
	c.mu.Unlock()
	c.gw.metrics.Handoffs.WithLabelValues("abandoned").Inc()
	log.Warn().
		Str("session_id", c.sessionID).
		Str("from_agent", fromAgent).
		Str("target_agent", targetAgent).
		Str("reason", reason).
		Msg("handoff abandoned")
}

// backendClosed clears the link if it is still current. Losing the backend
// does not close the client; the next client message re-triggers routing.
func (c *Conn) backendClosed(link *backendLink, err error) {
	c.mu.Lock()
	current := c.backend == link
	if current {
		c.backend = nil
		if c.state == StateRelaying {
			c.state = StateAwaitingInit
		}
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	detached := link.detached
	c.writeMu.Unlock()
	if current && !detached {
		log.Warn().Err(err).
			Str("session_id", c.sessionID).
			Str("agent_id", link.agentID).
			Msg("backend connection lost")
	}
}

// forwardToClient writes one opaque backend frame to the client. Frames
// from a detached backend are discarded so old-agent output can never
// follow the cutover.
func (c *Conn) forwardToClient(link *backendLink, msgType int, data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if link.detached {
		return
	}
	_ = c.client.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	if err := c.client.WriteMessage(msgType, data); err != nil {
		log.Warn().Err(err).Str("session_id", c.sessionID).Msg("backend frame dropped, client gone")
		return
	}
	c.gw.metrics.WSMessages.WithLabelValues("outbound", "passthrough").Inc()
}

func (c *Conn) writeBackend(msg protocol.Passthrough) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return errNoBackend
	}
	msgType := websocket.TextMessage
	if msg.Binary {
		msgType = websocket.BinaryMessage
	}
	_ = c.backend.conn.SetWriteDeadline(time.Now().Add(backendWriteTimeout))
	return c.backend.conn.WriteMessage(msgType, msg.Data)
}

// detachBackend stops listening to the current backend and closes it. After
// it returns, no message from that backend reaches the client.
func (c *Conn) detachBackend() {
	c.mu.Lock()
	link := c.backend
	c.backend = nil
	c.mu.Unlock()
	if link == nil {
		return
	}
	c.writeMu.Lock()
	link.detached = true
	c.writeMu.Unlock()
	_ = link.conn.Close()
}

func (c *Conn) teardown() {
	c.mu.Lock()
	closed := c.state == StateClosed
	c.state = StateClosed
	created := c.created
	c.mu.Unlock()
	if closed {
		return
	}

	c.detachBackend()
	_ = c.client.Close()
	c.gw.tracer.SessionEnded(context.Background(), c.traceID, c.sessionID, "client disconnected")

	if created {
		sessionID := c.sessionID
		sessions := c.gw.sessions
		// Deletion waits out the grace window to tolerate transient
		// reconnects; the TTL covers the case where the process dies first.
		time.AfterFunc(c.gw.cfg.DisconnectGrace, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sessions.DeleteSession(ctx, sessionID); err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("deferred session delete failed")
			}
		})
	}
}

func (c *Conn) closeClient(reason string) {
	c.writeMu.Lock()
	_ = c.client.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, reason))
	c.writeMu.Unlock()
	_ = c.client.Close()
}

func (c *Conn) sendError(message string) {
	errMsg := protocol.ErrorMessage{Type: protocol.TypeError, Message: message}
	if err := c.writeClientJSON(errMsg); err != nil {
		log.Warn().Err(err).Str("session_id", c.sessionID).Msg("error message write failed")
	}
}

func (c *Conn) writeClientJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.client.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	return c.client.WriteJSON(v)
}

func (c *Conn) currentBackend() *backendLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
