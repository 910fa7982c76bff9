package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/core"
)

// envelope frames every request. ID pairs a request with its ack;
// fire-and-forget messages carry no id.
type envelope struct {
	Type string          `json:"type"`
	ID   int64           `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ack struct {
	Type  string `json:"type"`
	ID    int64  `json:"id"`
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

const defaultPingPeriod = 54 * time.Second

func (ctl *Controller) pingPeriod() time.Duration {
	if ctl.Cfg != nil && ctl.Cfg.PingPeriod > 0 {
		return ctl.Cfg.PingPeriod
	}
	return defaultPingPeriod
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(ctl.pingPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Info().Err(err).Str("module", "signal").Msg("writePump keepalive")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, sid core.SessionID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		c.Close()
		ctl.onDisconnect(sid, c)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read")
				return
			}
			ctl.dispatch(ctx, sid, c, data)
		}
	}
}

func (ctl *Controller) dispatch(ctx context.Context, sid core.SessionID, c *wsConn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case "join":
		ctl.handleJoin(ctx, sid, c, env)
	case "requestTransport":
		ctl.handleRequestTransport(ctx, sid, c, env)
	case "connectTransport":
		ctl.handleConnectTransport(ctx, sid, c, env)
	case "startProducing":
		ctl.handleStartProducing(ctx, sid, c, env)
	case "audioChange":
		ctl.handleAudioChange(sid, env)
	case "consumeMedia":
		ctl.handleConsumeMedia(ctx, sid, c, env)
	case "unpauseConsumer":
		ctl.handleUnpauseConsumer(sid, c, env)
	case "leave":
		ctl.handleLeave(sid, c, env)
	case "ping":
		ctl.handlePing(c)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

func (ctl *Controller) sendJSON(c core.SignalConnection, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("sendJSON dropped")
	}
}

func (ctl *Controller) sendAck(c *wsConn, id int64, data any) {
	ctl.sendJSON(c, ack{Type: "ack", ID: id, Ok: true, Data: data})
}

func (ctl *Controller) sendErr(c *wsConn, id int64, err error) {
	ctl.sendJSON(c, ack{Type: "ack", ID: id, Ok: false, Error: errorCode(err)})
}

// errorCode maps orchestration errors to the stable wire codes clients
// branch on.
func errorCode(err error) string {
	switch {
	case errors.Is(err, core.ErrAlreadyProducing):
		return "alreadyProducing"
	case errors.Is(err, core.ErrProducerExists):
		return "producerExists"
	case errors.Is(err, core.ErrDuplicateDownstream):
		return "duplicateDownstream"
	case errors.Is(err, core.ErrTransportNotFound):
		return "transportNotFound"
	case errors.Is(err, core.ErrConsumerNotFound):
		return "consumerNotFound"
	case errors.Is(err, core.ErrNoSuchProducer):
		return "noSuchProducer"
	case errors.Is(err, core.ErrNotJoined):
		return "notJoined"
	case errors.Is(err, core.ErrConnectFailed):
		return "connectFailed"
	case errors.Is(err, core.ErrProduceFailed):
		return "produceFailed"
	case errors.Is(err, core.ErrCannotConsume):
		return "cannotConsume"
	case errors.Is(err, core.ErrConsumeFailed):
		return "consumeFailed"
	default:
		return "badRequest"
	}
}
