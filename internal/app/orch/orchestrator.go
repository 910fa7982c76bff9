// Package orch ties the session registry, the room registry, and the
// media engine together: one method per signaling operation.
package orch

import (
	"github.com/avolkov/huddle/internal/app"
)

const DefaultTopSpeakers = 5

type Orchestrator struct {
	Registry *app.Registry
	Rooms    *app.RoomManager

	// TopN bounds the active-speaker list handed to clients.
	TopN int
}

func New(registry *app.Registry, rooms *app.RoomManager, topN int) *Orchestrator {
	if topN <= 0 {
		topN = DefaultTopSpeakers
	}
	return &Orchestrator{Registry: registry, Rooms: rooms, TopN: topN}
}
