package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
	"github.com/avolkov/huddle/internal/engine"
)

// RoomManager maps room names to live rooms. First joiner for a name
// creates the room; everyone after reuses it.
type RoomManager struct {
	pool        *core.WorkerPool
	mediaCodecs json.RawMessage

	mu    sync.RWMutex
	rooms map[domain.RoomName]*core.Room
}

type RoomInfo struct {
	Name        domain.RoomName `json:"name"`
	ClientCount int             `json:"clientCount"`
}

func NewRoomManager(pool *core.WorkerPool, mediaCodecs json.RawMessage) *RoomManager {
	return &RoomManager{
		pool:        pool,
		mediaCodecs: mediaCodecs,
		rooms:       make(map[domain.RoomName]*core.Room),
	}
}

// FindOrCreate returns the room registered under name, creating it on a
// least-loaded worker when absent. The router is created outside the
// manager lock so a slow engine call cannot stall unrelated rooms; two
// concurrent creators race to register and the loser releases its
// router and worker slot again.
func (m *RoomManager) FindOrCreate(ctx context.Context, name domain.RoomName) (*core.Room, bool, error) {
	m.mu.RLock()
	room, ok := m.rooms[name]
	m.mu.RUnlock()
	if ok {
		return room, false, nil
	}

	worker, idx := m.pool.Acquire()
	router, err := worker.CreateRouter(ctx, engine.RouterOptions{MediaCodecs: m.mediaCodecs})
	if err != nil {
		m.pool.Release(idx)
		return nil, false, fmt.Errorf("create router: %w", err)
	}

	m.mu.Lock()
	if existing, ok := m.rooms[name]; ok {
		m.mu.Unlock()
		if cerr := router.Close(); cerr != nil {
			log.Error().Err(cerr).Str("module", "app.rooms").Msg("close losing router")
		}
		m.pool.Release(idx)
		return existing, false, nil
	}
	room = core.NewRoom(name, router, idx)
	m.rooms[name] = room
	m.mu.Unlock()

	log.Info().Str("module", "app.rooms").Str("room", string(name)).Int("worker", idx).Msg("room created")
	return room, true, nil
}

func (m *RoomManager) Get(name domain.RoomName) (*core.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[name]
	return room, ok
}

// RemoveIfEmpty tears the room down once its client set is empty:
// deregister, close the router, return the worker slot. CloseIfEmpty
// flips the room's closed flag under the room lock, so a join racing
// this teardown either keeps the room alive or fails its AddClient and
// retries against a fresh incarnation.
func (m *RoomManager) RemoveIfEmpty(room *core.Room) bool {
	m.mu.Lock()
	if m.rooms[room.Name()] != room || !room.CloseIfEmpty() {
		m.mu.Unlock()
		return false
	}
	delete(m.rooms, room.Name())
	m.mu.Unlock()

	if err := room.Router().Close(); err != nil {
		log.Error().Err(err).Str("module", "app.rooms").Str("room", string(room.Name())).Msg("router close")
	}
	m.pool.Release(room.WorkerIndex())
	log.Info().Str("module", "app.rooms").Str("room", string(room.Name())).Msg("room torn down")
	return true
}

func (m *RoomManager) List() []RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RoomInfo, 0, len(m.rooms))
	for name, room := range m.rooms {
		out = append(out, RoomInfo{Name: name, ClientCount: room.ClientCount()})
	}
	return out
}
