package pion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/domain"
	"github.com/avolkov/huddle/internal/engine"
)

type transport struct {
	id     string
	pc     *webrtc.PeerConnection
	router *router

	outAudio *webrtc.TrackLocalStaticRTP
	outVideo *webrtc.TrackLocalStaticRTP

	mu        sync.Mutex
	closed    bool
	remote    map[domain.Kind]*webrtc.TrackRemote
	waiter    map[domain.Kind]chan struct{}
	producers []*producer
	consumers []*consumer
}

func (t *transport) ID() string { return t.id }

// prepare declares both media directions up front, gathers ICE, and
// packs the local offer into the opaque connection params.
func (t *transport) prepare(ctx context.Context) (engine.TransportParams, error) {
	t.waiter[domain.KindAudio] = make(chan struct{})
	t.waiter[domain.KindVideo] = make(chan struct{})

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return engine.TransportParams{}, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	var err error
	t.outAudio, err = webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "huddle-"+t.id)
	if err != nil {
		return engine.TransportParams{}, fmt.Errorf("local audio track: %w", err)
	}
	t.outVideo, err = webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", "huddle-"+t.id)
	if err != nil {
		return engine.TransportParams{}, fmt.Errorf("local video track: %w", err)
	}
	if _, err = t.pc.AddTrack(t.outAudio); err != nil {
		return engine.TransportParams{}, fmt.Errorf("add audio track: %w", err)
	}
	if _, err = t.pc.AddTrack(t.outVideo); err != nil {
		return engine.TransportParams{}, fmt.Errorf("add video track: %w", err)
	}

	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.onRemoteTrack(track)
	})

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return engine.TransportParams{}, fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return engine.TransportParams{}, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return engine.TransportParams{}, ctx.Err()
	}

	local, err := json.Marshal(t.pc.LocalDescription())
	if err != nil {
		return engine.TransportParams{}, fmt.Errorf("marshal local description: %w", err)
	}
	// ICE parameters and candidates ride inside the SDP in this dialect.
	return engine.TransportParams{ID: t.id, DTLSParameters: local}, nil
}

func (t *transport) onRemoteTrack(track *webrtc.TrackRemote) {
	kind := domain.KindVideo
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		kind = domain.KindAudio
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.remote[kind]; ok {
		log.Warn().Str("module", "engine.pion").Str("transport", t.id).Str("kind", string(kind)).Msg("duplicate remote track ignored")
		return
	}
	t.remote[kind] = track
	close(t.waiter[kind])
	log.Info().Str("module", "engine.pion").Str("transport", t.id).Str("kind", string(kind)).Msg("remote track arrived")
}

// Connect applies the client's answer.
func (t *transport) Connect(_ context.Context, params engine.ConnectParams) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(params, &desc); err != nil {
		return fmt.Errorf("parse connect params: %w", err)
	}
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// Produce waits for the inbound track of the requested kind and starts
// a relay forwarding its RTP to subscribed consumers.
func (t *transport) Produce(ctx context.Context, kind domain.Kind, _ engine.RTPParameters) (engine.Producer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s closed", t.id)
	}
	track := t.remote[kind]
	arrived := t.waiter[kind]
	t.mu.Unlock()

	if track == nil {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("produce %s: %w", kind, ctx.Err())
		case <-arrived:
		}
		t.mu.Lock()
		track = t.remote[kind]
		t.mu.Unlock()
	}

	p := newProducer(kind, track, t.router)
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	return p, nil
}

// Consume subscribes this transport's pre-attached local track of the
// producer's kind to that producer's relay.
func (t *transport) Consume(_ context.Context, producerID string, _ engine.RTPCapabilities, paused bool) (engine.Consumer, error) {
	rel, ok := t.router.relay(producerID)
	if !ok {
		return nil, fmt.Errorf("no producer %s", producerID)
	}
	local := t.outVideo
	if rel.kind == domain.KindAudio {
		local = t.outAudio
	}

	c := newConsumer(rel, local, producerID, paused)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		c.Close()
		return nil, fmt.Errorf("transport %s closed", t.id)
	}
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

// Close cascades to every producer and consumer this transport owns,
// then closes the PeerConnection.
func (t *transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := t.producers
	consumers := t.consumers
	t.producers = nil
	t.consumers = nil
	t.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
	if err := t.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "engine.pion").Str("transport", t.id).Msg("pc close")
	}
	t.router.unregisterTransport(t.id)
}

type producer struct {
	id   string
	kind domain.Kind

	router    *router
	rel       *relay
	closeOnce sync.Once
}

func newProducer(kind domain.Kind, track *webrtc.TrackRemote, r *router) *producer {
	p := &producer{
		id:     uuid.NewString(),
		kind:   kind,
		router: r,
	}
	relayCtx, cancel := context.WithCancel(context.Background())
	p.rel = newRelay(kind, track, cancel)
	r.registerRelay(p.id, p.rel)

	logger := log.With().Str("module", "engine.pion").Str("pid", p.id).Str("kind", string(kind)).Logger()
	go p.rel.loop(relayCtx, &logger)
	return p
}

func (p *producer) ID() string        { return p.id }
func (p *producer) Kind() domain.Kind { return p.kind }
func (p *producer) Pause()            { p.rel.paused.Store(true) }
func (p *producer) Resume()           { p.rel.paused.Store(false) }
func (p *producer) Paused() bool      { return p.rel.paused.Load() }

func (p *producer) Close() {
	p.closeOnce.Do(func() {
		p.router.unregisterRelay(p.id)
		p.rel.stop()
	})
}

type consumer struct {
	id         string
	kind       domain.Kind
	producerID string

	rel *relay
	ot  *outTrack
}

func newConsumer(rel *relay, local *webrtc.TrackLocalStaticRTP, producerID string, paused bool) *consumer {
	c := &consumer{
		id:         uuid.NewString(),
		kind:       rel.kind,
		producerID: producerID,
		rel:        rel,
		ot:         newOutTrack(local),
	}
	if paused {
		c.ot.markMuted()
	}
	rel.addOutTrack(c.id, c.ot)
	return c
}

func (c *consumer) ID() string         { return c.id }
func (c *consumer) Kind() domain.Kind  { return c.kind }
func (c *consumer) ProducerID() string { return c.producerID }

func (c *consumer) RTPParameters() engine.RTPParameters {
	codec := c.ot.track.Codec()
	raw, err := json.Marshal(routerCapabilities{Codecs: []codecCapability{{
		MimeType:  codec.MimeType,
		ClockRate: codec.ClockRate,
		Channels:  codec.Channels,
	}}})
	if err != nil {
		return nil
	}
	return raw
}

// Resume starts forwarding to this consumer. Idempotent.
func (c *consumer) Resume() error {
	c.ot.markOk()
	return nil
}

func (c *consumer) Close() {
	c.ot.markDelete()
	c.rel.removeOutTrack(c.id)
}
