package core

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/domain"
	"github.com/avolkov/huddle/internal/engine"
)

// Room is one conference: a router bound to one pool worker, the joined
// clients, and the active-speaker list. Router and worker never change
// after creation; every client in the room shares them.
//
// One mutex serializes all room-level mutation. The produce path relies
// on that: appending to the speaker list and computing the fan-out diff
// happen under the same lock hold (see PromoteSpeaker), so two
// simultaneous producers can never diff against a stale list.
type Room struct {
	name      domain.RoomName
	workerIdx int
	router    engine.Router

	mu         sync.Mutex
	closed     bool
	clients    map[SessionID]*Client
	speakers   []string // audio producer ids, append-on-produce
	byAudioPID map[string]SessionID
}

func NewRoom(name domain.RoomName, router engine.Router, workerIdx int) *Room {
	return &Room{
		name:       name,
		workerIdx:  workerIdx,
		router:     router,
		clients:    make(map[SessionID]*Client),
		byAudioPID: make(map[string]SessionID),
	}
}

func (r *Room) Name() domain.RoomName { return r.name }
func (r *Room) Router() engine.Router { return r.router }
func (r *Room) WorkerIndex() int      { return r.workerIdx }

// AddClient registers a member. A room that lost the race against
// last-client teardown reports ErrRoomClosed; the caller looks the name
// up again and joins the next incarnation.
func (r *Room) AddClient(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRoomClosed
	}
	r.clients[c.id] = c
	c.room = r
	log.Info().Str("module", "core.room").Str("room", string(r.name)).Str("sid", string(c.id)).Msg("client added")
	return nil
}

// CloseIfEmpty marks the room closed when no clients remain, so a
// concurrent join cannot land in it afterwards. The membership check and
// the closed flag flip share one lock hold.
func (r *Room) CloseIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.clients) > 0 {
		return false
	}
	r.closed = true
	return true
}

// RemoveClient drops a client and scrubs its producers from the speaker
// list and index, then reports how many clients remain. Zero means the
// room is eligible for teardown.
func (r *Room) RemoveClient(sid SessionID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[sid]; !ok {
		return len(r.clients)
	}
	delete(r.clients, sid)
	kept := r.speakers[:0]
	for _, pid := range r.speakers {
		if r.byAudioPID[pid] == sid {
			delete(r.byAudioPID, pid)
			continue
		}
		kept = append(kept, pid)
	}
	r.speakers = kept
	log.Info().Str("module", "core.room").Str("room", string(r.name)).Str("sid", string(sid)).Msg("client removed")
	return len(r.clients)
}

// Clients returns a point-in-time snapshot of the membership.
func (r *Room) Clients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Room) Client(sid SessionID) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[sid]
	return c, ok
}

// ClientByAudioPID resolves the owner of an audio producer through the
// maintained index instead of scanning every client.
func (r *Room) ClientByAudioPID(pid string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sid, ok := r.byAudioPID[pid]
	if !ok {
		return nil, false
	}
	c, ok := r.clients[sid]
	return c, ok
}

// ActiveSpeakers returns the first topN entries of the speaker list.
func (r *Room) ActiveSpeakers(topN int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.topSpeakersLocked(topN)
}

func (r *Room) topSpeakersLocked(topN int) []string {
	n := min(topN, len(r.speakers))
	out := make([]string, n)
	copy(out, r.speakers[:n])
	return out
}
