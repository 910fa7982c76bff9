package orch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
	"github.com/avolkov/huddle/internal/engine"
)

// JoinReply is everything a fresh client needs to pre-consume the room:
// router capabilities plus the current top speakers with aligned video
// pids and display names.
type JoinReply struct {
	RouterCapabilities engine.RTPCapabilities
	NewRoom            bool
	AudioPIDs          []string
	VideoPIDs          []*string
	UserNames          []string
}

// Join creates the client, finds or creates the room, and registers the
// membership. A session that is already in a room is kicked from it
// first, the same as an explicit leave followed by this join.
func (o *Orchestrator) Join(ctx context.Context, sid core.SessionID, userName string, roomName domain.RoomName) (JoinReply, error) {
	sig, ok := o.Registry.Signal(sid)
	if !ok {
		return JoinReply{}, fmt.Errorf("join: no signal bound for session %s", sid)
	}
	if _, joined := o.Registry.Client(sid); joined {
		log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("rejoin, kicking old membership")
		o.KickBySID(sid)
	}

	user, err := domain.NewUser(userName)
	if err != nil {
		return JoinReply{}, err
	}
	client := core.NewClient(sid, user, sig)
	var (
		room    *core.Room
		created bool
	)
	for {
		room, created, err = o.Rooms.FindOrCreate(ctx, roomName)
		if err != nil {
			return JoinReply{}, err
		}
		if err = room.AddClient(client); err == nil {
			break
		}
		// Lost the race against last-client teardown; look the name up
		// again and join the next incarnation.
	}
	o.Registry.AttachClient(sid, client)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(roomName)).Str("user", userName).Msg("joined")

	snap := room.Snapshot(o.TopN)
	return JoinReply{
		RouterCapabilities: room.Router().RTPCapabilities(),
		NewRoom:            created,
		AudioPIDs:          snap.AudioPIDs,
		VideoPIDs:          snap.VideoPIDs,
		UserNames:          snap.UserNames,
	}, nil
}

// KickBySID removes a session's client from its room and releases all
// its media resources. Used by leave and by disconnect; cleanup is
// best-effort because the client may already be gone.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	client, ok := o.Registry.Client(sid)
	if !ok {
		return
	}
	room := client.Room()
	client.Close()
	if room != nil {
		if room.RemoveClient(sid) == 0 {
			o.Rooms.RemoveIfEmpty(room)
		}
	}
	o.Registry.DetachClient(sid)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("kicked")
}

// Disconnect is the terminal cleanup for a closed connection.
func (o *Orchestrator) Disconnect(sid core.SessionID) {
	o.KickBySID(sid)
	o.Registry.Unbind(sid)
}
