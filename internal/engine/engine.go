// Package engine is the boundary to the media-transport engine. The
// orchestration layer drives it through these interfaces and treats
// every negotiation payload as opaque bytes forwarded between engine
// and client verbatim.
package engine

import (
	"context"
	"encoding/json"

	"github.com/avolkov/huddle/internal/domain"
)

// RTPCapabilities describes what a router or a client endpoint can
// negotiate. Opaque at this layer.
type RTPCapabilities = json.RawMessage

// RTPParameters describes one media stream's negotiated parameters.
// Opaque at this layer.
type RTPParameters = json.RawMessage

// ConnectParams carries the client's half of the transport handshake
// (DTLS parameters and whatever else the engine's dialect needs).
type ConnectParams = json.RawMessage

// TransportParams is what a freshly created transport hands back for
// the client to complete the handshake. Forwarded to the client as-is.
type TransportParams struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters,omitempty"`
	ICECandidates  json.RawMessage `json:"iceCandidates,omitempty"`
	DTLSParameters json.RawMessage `json:"dtlsParameters,omitempty"`
}

// WorkerSettings configures one media worker at pool creation time.
type WorkerSettings struct {
	Index       int
	RTCMinPort  uint16
	RTCMaxPort  uint16
	AnnouncedIP string
}

// RouterOptions carries the codec configuration for a new router.
// MediaCodecs is opaque; engines with fixed codec sets may ignore it.
type RouterOptions struct {
	MediaCodecs json.RawMessage
}

type Engine interface {
	CreateWorker(ctx context.Context, settings WorkerSettings) (Worker, error)
}

// Worker is one media-engine process (or in-process shard). Workers are
// created once at startup and never restarted: a dead worker invalidates
// every media path routed through it.
type Worker interface {
	CreateRouter(ctx context.Context, opts RouterOptions) (Router, error)
	// OnDied registers the single fatal-failure subscriber. The
	// orchestrator treats the callback as process-ending.
	OnDied(func(error))
	Close() error
}

// Router is the per-room negotiation context bound to one worker.
type Router interface {
	RTPCapabilities() RTPCapabilities
	CanConsume(producerID string, caps RTPCapabilities) bool
	CreateTransport(ctx context.Context) (Transport, TransportParams, error)
	Close() error
}

// Transport is a negotiated network path. Closing it cascades to every
// producer and consumer it owns.
type Transport interface {
	ID() string
	Connect(ctx context.Context, params ConnectParams) error
	Produce(ctx context.Context, kind domain.Kind, params RTPParameters) (Producer, error)
	Consume(ctx context.Context, producerID string, caps RTPCapabilities, paused bool) (Consumer, error)
	Close()
}

type Producer interface {
	ID() string
	Kind() domain.Kind
	Pause()
	Resume()
	Paused() bool
	Close()
}

type Consumer interface {
	ID() string
	Kind() domain.Kind
	ProducerID() string
	RTPParameters() RTPParameters
	// Resume starts forwarding. Consumers are always created paused;
	// resuming an already-running consumer is a no-op.
	Resume() error
	Close()
}
