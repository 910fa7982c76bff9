package core

import (
	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/domain"
	"github.com/avolkov/huddle/internal/engine"
)

// FanoutNotice tells exactly one client which newly promoted speakers it
// must set up downstream transports for. VideoPIDs and UserNames align
// index-for-index with AudioPIDs; a nil video pid means that peer has
// not produced video yet.
type FanoutNotice struct {
	To                 SessionID
	RouterCapabilities engine.RTPCapabilities
	AudioPIDs          []string
	VideoPIDs          []*string
	UserNames          []string
	ActiveSpeakers     []string
}

// RoomSnapshot is the pre-consume state handed to a freshly joined
// client: the current top speakers with their paired video producers and
// display names.
type RoomSnapshot struct {
	AudioPIDs []string
	VideoPIDs []*string
	UserNames []string
}

// PromoteSpeaker appends a new audio producer to the speaker list and
// recomputes, per peer, the top-N speakers that peer does not reach yet.
// Append and diff happen under one lock hold; concurrent produce events
// in the same room serialize here. Peers whose diff is empty get no
// notice at all.
func (r *Room) PromoteSpeaker(owner *Client, pid string, topN int) []FanoutNotice {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.speakers = append(r.speakers, pid)
	r.byAudioPID[pid] = owner.id
	top := r.topSpeakersLocked(topN)

	var notices []FanoutNotice
	for sid, peer := range r.clients {
		if sid == owner.id {
			continue
		}
		reached := peer.downstreamAudioPIDs()
		var missing []string
		for _, candidate := range top {
			if r.byAudioPID[candidate] == sid {
				continue // never consume yourself
			}
			if _, ok := reached[candidate]; ok {
				continue
			}
			missing = append(missing, candidate)
		}
		if len(missing) == 0 {
			continue
		}
		notice := FanoutNotice{
			To:                 sid,
			RouterCapabilities: r.router.RTPCapabilities(),
			AudioPIDs:          missing,
			ActiveSpeakers:     top,
		}
		notice.VideoPIDs, notice.UserNames = r.alignProducersLocked(missing)
		notices = append(notices, notice)
	}
	log.Debug().Str("module", "core.room").Str("room", string(r.name)).
		Str("pid", pid).Int("notices", len(notices)).Msg("speaker promoted")
	return notices
}

// Snapshot reports the current top-N speakers for a join reply.
func (r *Room) Snapshot(topN int) RoomSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	top := r.topSpeakersLocked(topN)
	videos, names := r.alignProducersLocked(top)
	return RoomSnapshot{AudioPIDs: top, VideoPIDs: videos, UserNames: names}
}

// alignProducersLocked builds the video-pid and user-name arrays whose
// indices match the given audio pids.
func (r *Room) alignProducersLocked(audioPIDs []string) ([]*string, []string) {
	videos := make([]*string, len(audioPIDs))
	names := make([]string, len(audioPIDs))
	for i, pid := range audioPIDs {
		ownerSID, ok := r.byAudioPID[pid]
		if !ok {
			continue
		}
		owner, ok := r.clients[ownerSID]
		if !ok {
			continue
		}
		if p, ok := owner.Producer(domain.KindVideo); ok {
			id := p.ID()
			videos[i] = &id
		}
		names[i] = owner.user.UserName
	}
	return videos, names
}
