package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/core"
)

type sessionEntry struct {
	Signal core.SignalConnection
	Client *core.Client
	Cancel context.CancelFunc
}

// Registry tracks live signaling sessions: the connection itself, the
// joined client (nil until join), and the cancel func that tears the
// connection's pumps down.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[core.SessionID]*sessionEntry)}
}

func (r *Registry) BindSignal(sid core.SessionID, conn core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Signal: conn, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound signal")
}

func (r *Registry) AttachClient(sid core.SessionID, c *core.Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[sid]
	if !ok {
		return false
	}
	entry.Client = c
	return true
}

func (r *Registry) DetachClient(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[sid]; ok {
		entry.Client = nil
	}
}

func (r *Registry) Client(sid core.SessionID) (*core.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.sessions[sid]; ok && entry.Client != nil {
		return entry.Client, true
	}
	return nil, false
}

func (r *Registry) Signal(sid core.SessionID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.sessions[sid]; ok {
		return entry.Signal, true
	}
	return nil, false
}

// Owns reports whether conn is still the signal bound to sid. Cleanup
// paths triggered by a connection's exit check this first, so a stale
// connection cannot tear down the session a newer one took over.
func (r *Registry) Owns(sid core.SessionID, conn core.SignalConnection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[sid]
	return ok && entry.Signal == conn
}

func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbound session")
}

// Cancel fires the session's cancel func, which unwinds the connection
// pumps and triggers disconnect cleanup.
func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	entry, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if entry.Cancel != nil {
		entry.Cancel()
	}
	return true
}
