package pion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/domain"
	"github.com/avolkov/huddle/internal/engine"
)

type router struct {
	api  *webrtc.API
	caps engine.RTPCapabilities

	mu         sync.RWMutex
	closed     bool
	relays     map[string]*relay     // by producer id
	transports map[string]*transport // by transport id
}

func newRouter(api *webrtc.API, caps engine.RTPCapabilities) *router {
	return &router{
		api:        api,
		caps:       caps,
		relays:     make(map[string]*relay),
		transports: make(map[string]*transport),
	}
}

func (r *router) RTPCapabilities() engine.RTPCapabilities { return r.caps }

// CanConsume requires a live producer and a capability set that lists at
// least one codec of the producer's kind. Deeper codec matching belongs
// to the negotiation layer, not here.
func (r *router) CanConsume(producerID string, caps engine.RTPCapabilities) bool {
	r.mu.RLock()
	rel, ok := r.relays[producerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	var parsed routerCapabilities
	if err := json.Unmarshal(caps, &parsed); err != nil {
		return false
	}
	prefix := string(rel.kind) + "/"
	for _, codec := range parsed.Codecs {
		if strings.HasPrefix(strings.ToLower(codec.MimeType), prefix) {
			return true
		}
	}
	return false
}

// CreateTransport builds one PeerConnection prepared for either role:
// recvonly transceivers for inbound produce, pre-attached local tracks
// for outbound consume. Pre-attaching avoids renegotiation when the
// first consumer appears.
func (r *router) CreateTransport(ctx context.Context) (engine.Transport, engine.TransportParams, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, engine.TransportParams{}, fmt.Errorf("router closed")
	}

	pc, err := r.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, engine.TransportParams{}, fmt.Errorf("new peer connection: %w", err)
	}

	t := &transport{
		id:     uuid.NewString(),
		pc:     pc,
		router: r,
		remote: make(map[domain.Kind]*webrtc.TrackRemote),
		waiter: make(map[domain.Kind]chan struct{}),
	}
	params, err := t.prepare(ctx)
	if err != nil {
		_ = pc.Close()
		return nil, engine.TransportParams{}, err
	}

	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, params, nil
}

func (r *router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	log.Info().Str("module", "engine.pion").Int("transports", len(transports)).Msg("router closed")
	return nil
}

func (r *router) registerRelay(producerID string, rel *relay) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relays[producerID] = rel
}

func (r *router) unregisterRelay(producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.relays, producerID)
}

func (r *router) relay(producerID string) (*relay, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rel, ok := r.relays[producerID]
	return rel, ok
}

func (r *router) unregisterTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}
