// Package signal is the websocket signaling adapter: it decodes client
// requests, drives the orchestrator, and replies with acks. All pushes
// (fan-out, membership changes) are addressed per connection, never
// broadcast to the socket layer.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/app/orch"
	"github.com/avolkov/huddle/internal/config"
	"github.com/avolkov/huddle/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

type Controller struct {
	Orch    *orch.Orchestrator
	Cfg     *config.Config
	Limiter *JoinRateLimiter
}

func NewController(o *orch.Orchestrator, cfg *config.Config, limiter *JoinRateLimiter) *Controller {
	return &Controller{Orch: o, Cfg: cfg, Limiter: limiter}
}

// wsConn wraps one websocket with a bounded send queue. TrySend never
// blocks; a full queue is reported as backpressure and the frame is
// dropped.
type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// takeover unwinds whatever connection is currently bound to sid: two
// tabs share the client-token cookie, and the session belongs to the
// newest one. The old pumps are cancelled, the old socket closed, and
// the old membership kicked before the new connection binds, so the old
// connection's exit cleanup finds it no longer owns the session.
func (ctl *Controller) takeover(sid core.SessionID) {
	old, ok := ctl.Orch.Registry.Signal(sid)
	if !ok {
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("session taken over by a new connection")
	ctl.Orch.Registry.Cancel(sid)
	old.Close()
	ctl.Orch.Disconnect(sid)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection's pumps.
// The session id comes from the client-token middleware.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.Cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.Cfg.ReadLimit)
	}

	ctl.takeover(sid)

	conn := &wsConn{conn: ws, send: make(chan core.Frame, 32)}
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.BindSignal(sid, conn, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, sid, conn)
}
