package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
	"github.com/avolkov/huddle/internal/engine"
)

type joinPayload struct {
	UserName string `json:"userName"`
	RoomName string `json:"roomName"`
}

type joinReply struct {
	RouterRtpCapabilities engine.RTPCapabilities `json:"routerRtpCapabilities"`
	NewRoom               bool                   `json:"newRoom"`
	AudioPidsToCreate     []string               `json:"audioPidsToCreate"`
	VideoPidsToCreate     []*string              `json:"videoPidsToCreate"`
	AssociatedUserNames   []string               `json:"associatedUserNames"`
}

func (ctl *Controller) handleJoin(ctx context.Context, sid core.SessionID, c *wsConn, env envelope) {
	var p joinPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendErr(c, env.ID, err)
		return
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(sid) {
		ctl.sendJSON(c, ack{Type: "ack", ID: env.ID, Ok: false, Error: "rateLimited"})
		return
	}
	roomName, err := domain.NewRoomName(p.RoomName)
	if err != nil {
		ctl.sendErr(c, env.ID, err)
		return
	}

	reply, err := ctl.Orch.Join(ctx, sid, p.UserName, roomName)
	if err != nil {
		ctl.sendErr(c, env.ID, err)
		return
	}
	ctl.sendAck(c, env.ID, joinReply{
		RouterRtpCapabilities: reply.RouterCapabilities,
		NewRoom:               reply.NewRoom,
		AudioPidsToCreate:     reply.AudioPIDs,
		VideoPidsToCreate:     reply.VideoPIDs,
		AssociatedUserNames:   reply.UserNames,
	})
	ctl.pushToPeers(sid, "memberJoined", map[string]any{"userName": p.UserName})
}

func (ctl *Controller) handleLeave(sid core.SessionID, c *wsConn, env envelope) {
	client, joined := ctl.Orch.Registry.Client(sid)
	var room *core.Room
	var userName string
	if joined {
		room = client.Room()
		userName = client.User().UserName
	}
	ctl.Orch.KickBySID(sid)
	ctl.sendAck(c, env.ID, nil)
	ctl.notifyLeft(sid, room, userName)
}

func (ctl *Controller) handlePing(c *wsConn) {
	ctl.sendJSON(c, map[string]string{"type": "pong"})
}

// onDisconnect runs after the read pump unwinds: full cleanup plus a
// leave push to the peers that remain. A connection that lost the
// session to a takeover must not touch the new owner's state.
func (ctl *Controller) onDisconnect(sid core.SessionID, c *wsConn) {
	if !ctl.Orch.Registry.Owns(sid, c) {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("stale connection exit, session owned elsewhere")
		return
	}
	client, joined := ctl.Orch.Registry.Client(sid)
	var room *core.Room
	var userName string
	if joined {
		room = client.Room()
		userName = client.User().UserName
	}
	ctl.Orch.Disconnect(sid)
	ctl.notifyLeft(sid, room, userName)
}

func (ctl *Controller) notifyLeft(sid core.SessionID, room *core.Room, userName string) {
	if room == nil {
		return
	}
	for _, peer := range room.Clients() {
		if peer.ID() == sid {
			continue
		}
		ctl.sendJSON(peer.Signal(), map[string]any{
			"type": "memberLeft",
			"data": map[string]any{"userName": userName},
		})
	}
}

// pushToPeers addresses every other member of sid's room individually.
func (ctl *Controller) pushToPeers(sid core.SessionID, typ string, data any) {
	client, ok := ctl.Orch.Registry.Client(sid)
	if !ok || client.Room() == nil {
		return
	}
	for _, peer := range client.Room().Clients() {
		if peer.ID() == sid {
			continue
		}
		ctl.sendJSON(peer.Signal(), map[string]any{"type": typ, "data": data})
	}
}
