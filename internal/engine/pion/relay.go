package pion

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/avolkov/huddle/internal/domain"
)

type trackState int32

const (
	trackStateOk trackState = iota
	trackStateMuted
	trackStateDelete
)

// outTrack is one outgoing leg of a relay: the consumer-side local track
// plus its forwarding state.
type outTrack struct {
	track *webrtc.TrackLocalStaticRTP
	state atomic.Int32 // zero value is trackStateOk
}

func newOutTrack(track *webrtc.TrackLocalStaticRTP) *outTrack {
	return &outTrack{track: track}
}

func (ot *outTrack) getState() trackState { return trackState(ot.state.Load()) }
func (ot *outTrack) markOk()              { ot.state.Store(int32(trackStateOk)) }
func (ot *outTrack) markMuted()           { ot.state.Store(int32(trackStateMuted)) }
func (ot *outTrack) markDelete()          { ot.state.Store(int32(trackStateDelete)) }

// relay pumps RTP from one producer's remote track to every subscribed
// consumer. paused is the producer-level gate (mute); per-consumer
// pausing lives in the outTrack state.
type relay struct {
	kind   domain.Kind
	src    *webrtc.TrackRemote
	paused atomic.Bool

	mu        sync.RWMutex
	outTracks map[string]*outTrack // by consumer id

	cancel context.CancelFunc
}

func newRelay(kind domain.Kind, src *webrtc.TrackRemote, cancel context.CancelFunc) *relay {
	return &relay{
		kind:      kind,
		src:       src,
		outTracks: make(map[string]*outTrack),
		cancel:    cancel,
	}
}

func (r *relay) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			logger.Error().Err(err).Msg("relay read RTP, stopping")
			r.markAllDelete()
			return
		}
		if r.paused.Load() {
			continue
		}
		r.forward(pkt, logger)
	}
}

func (r *relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[string]*outTrack, len(r.outTracks))
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for id, ot := range snapshot {
		switch ot.getState() {
		case trackStateDelete:
			dirty = append(dirty, id)
		case trackStateMuted:
		case trackStateOk:
			if err := ot.track.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("consumer", id).Msg("relay write RTP, dropping out track")
				ot.markDelete()
				dirty = append(dirty, id)
			}
		}
	}

	// Cleanup happens outside the read lock.
	if len(dirty) > 0 {
		r.mu.Lock()
		for _, id := range dirty {
			delete(r.outTracks, id)
		}
		r.mu.Unlock()
	}
}

func (r *relay) addOutTrack(id string, ot *outTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[id] = ot
}

func (r *relay) removeOutTrack(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.outTracks, id)
}

func (r *relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.markDelete()
	}
}

func (r *relay) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.markAllDelete()
}
