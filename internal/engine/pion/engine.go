// Package pion implements the media engine on pion/webrtc. A worker is
// an in-process media shard with its own webrtc.API (port range, NAT
// mapping); a router is the per-room context that owns transports and
// the producer relays that forward RTP between them.
//
// The engine's negotiation dialect is SDP: transport connection params
// carry the server's gathered offer, and the connect params carry the
// client's answer. Both are opaque to the orchestration layer.
package pion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/engine"
)

type Engine struct{}

func New() *Engine { return &Engine{} }

func (e *Engine) CreateWorker(_ context.Context, settings engine.WorkerSettings) (engine.Worker, error) {
	se := webrtc.SettingEngine{}
	if settings.RTCMaxPort > settings.RTCMinPort {
		if err := se.SetEphemeralUDPPortRange(settings.RTCMinPort, settings.RTCMaxPort); err != nil {
			return nil, fmt.Errorf("worker %d port range: %w", settings.Index, err)
		}
	}
	if settings.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{settings.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("worker %d codecs: %w", settings.Index, err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se))
	log.Info().Str("module", "engine.pion").Int("worker", settings.Index).
		Uint16("min_port", settings.RTCMinPort).Uint16("max_port", settings.RTCMaxPort).
		Msg("worker created")
	return &worker{index: settings.Index, api: api}, nil
}

type worker struct {
	index int
	api   *webrtc.API

	mu     sync.Mutex
	onDied func(error)
	closed bool
}

func (w *worker) CreateRouter(_ context.Context, opts engine.RouterOptions) (engine.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, fmt.Errorf("worker %d closed", w.index)
	}
	caps := opts.MediaCodecs
	if len(caps) == 0 {
		var err error
		caps, err = defaultRouterCapabilities()
		if err != nil {
			return nil, err
		}
	}
	return newRouter(w.api, caps), nil
}

// OnDied registers the fatal subscriber. An in-process pion worker has
// no separate process to crash; the subscription exists so the pool
// treats all engines uniformly.
func (w *worker) OnDied(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDied = fn
}

func (w *worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

type codecCapability struct {
	MimeType  string `json:"mimeType"`
	ClockRate uint32 `json:"clockRate"`
	Channels  uint16 `json:"channels,omitempty"`
}

type routerCapabilities struct {
	Codecs []codecCapability `json:"codecs"`
}

func defaultRouterCapabilities() (engine.RTPCapabilities, error) {
	caps := routerCapabilities{Codecs: []codecCapability{
		{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	}}
	raw, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("marshal router capabilities: %w", err)
	}
	return raw, nil
}
