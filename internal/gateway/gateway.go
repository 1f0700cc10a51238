// Package gateway terminates client websocket connections, relays traffic to
// backend agents, and orchestrates agent-to-agent handoff.
package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/antoniostano/switchboard/internal/config"
	"github.com/antoniostano/switchboard/internal/observability"
	"github.com/antoniostano/switchboard/internal/router"
)

// Gateway owns the set of live client connections. The connection map is
// written only by each connection's lifecycle hooks and iterated only for
// shutdown broadcast, never for business logic.
type Gateway struct {
	cfg      config.Config
	sessions *router.Router
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	upgrader websocket.Upgrader
	dialer   websocket.Dialer

	mu    sync.Mutex
	conns map[string]*Conn
}

func New(cfg config.Config, sessions *router.Router, metrics *observability.Metrics, tracer *observability.Tracer) *Gateway {
	return &Gateway{
		cfg:      cfg,
		sessions: sessions,
		metrics:  metrics,
		tracer:   tracer,
		conns:    make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browser connections must come from the same origin unless
				// explicitly opened up; non-browser clients omit Origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.BackendDialTimeout,
		},
	}
}

// HandleWS upgrades one client connection and runs its relay loop until the
// client goes away.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := newConn(g, ws)
	g.track(conn)
	g.metrics.ActiveConnections.Set(float64(g.activeCount()))
	g.metrics.SessionEvents.WithLabelValues("connected").Inc()

	conn.run(r.Context())

	g.untrack(conn)
	g.metrics.ActiveConnections.Set(float64(g.activeCount()))
	g.metrics.SessionEvents.WithLabelValues("disconnected").Inc()
}

// Shutdown closes every live client connection. New connections racing the
// shutdown are closed by the HTTP server teardown.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.closeClient("server shutting down")
	}

	deadline := time.After(5 * time.Second)
	for {
		if g.activeCount() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			log.Warn().Int("remaining", g.activeCount()).Msg("shutdown timed out waiting for connections")
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (g *Gateway) track(c *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[c.sessionID] = c
}

func (g *Gateway) untrack(c *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, c.sessionID)
}

func (g *Gateway) activeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// agentSessionURL resolves the websocket session endpoint of a backend agent
// from its registered base address.
func agentSessionURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/session"
	return u.String(), nil
}

func newSessionID() string { return uuid.NewString() }
func newTraceID() string   { return uuid.NewString() }
