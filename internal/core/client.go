package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/domain"
	"github.com/avolkov/huddle/internal/engine"
)

type TransportRole string

const (
	RoleProducer TransportRole = "producer"
	RoleConsumer TransportRole = "consumer"
)

func ParseTransportRole(raw string) (TransportRole, error) {
	switch TransportRole(raw) {
	case RoleProducer, RoleConsumer:
		return TransportRole(raw), nil
	}
	return "", fmt.Errorf("unknown transport role %q", raw)
}

// DownstreamTransport is one receive path toward a single remote
// participant, tagged with the producer pair it was requested for. The
// audio pid is the unique key: a client never holds two downstream
// transports for the same remote audio producer.
type DownstreamTransport struct {
	Transport engine.Transport
	AudioPID  string
	VideoPID  string
	consumers map[domain.Kind]engine.Consumer
}

// Client is one connected participant: identity, its signaling endpoint,
// the single upstream transport with its producer pair, and the set of
// downstream transports it consumes peers through.
//
// Engine calls never run under the client mutex. State is reserved
// before the call and committed after it, so a concurrent duplicate
// request fails instead of silently recreating engine objects.
type Client struct {
	id     SessionID
	user   *domain.User
	signal SignalConnection

	room *Room // set once at join

	mu              sync.Mutex
	closed          bool
	upstream        engine.Transport
	upstreamPending bool
	producers       map[domain.Kind]engine.Producer
	downstream      []*DownstreamTransport
	pendingDown     map[string]struct{}
}

func NewClient(id SessionID, user *domain.User, signal SignalConnection) *Client {
	return &Client{
		id:          id,
		user:        user,
		signal:      signal,
		producers:   make(map[domain.Kind]engine.Producer),
		pendingDown: make(map[string]struct{}),
	}
}

func (c *Client) ID() SessionID            { return c.id }
func (c *Client) User() *domain.User       { return c.user }
func (c *Client) Signal() SignalConnection { return c.signal }
func (c *Client) Room() *Room              { return c.room }

// AddTransport creates the upstream transport (producer role) or a new
// tagged downstream transport (consumer role) and returns its connection
// parameters for the client to complete the handshake.
func (c *Client) AddTransport(ctx context.Context, role TransportRole, audioPID, videoPID string) (engine.TransportParams, error) {
	if c.room == nil {
		return engine.TransportParams{}, ErrNotJoined
	}
	if err := c.reserveTransport(role, audioPID); err != nil {
		return engine.TransportParams{}, err
	}

	transport, params, err := c.room.Router().CreateTransport(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if role == RoleProducer {
		c.upstreamPending = false
	} else {
		delete(c.pendingDown, audioPID)
	}
	if err != nil {
		return engine.TransportParams{}, fmt.Errorf("create %s transport: %w", role, err)
	}
	if c.closed {
		transport.Close()
		return engine.TransportParams{}, ErrNotJoined
	}
	if role == RoleProducer {
		c.upstream = transport
	} else {
		c.downstream = append(c.downstream, &DownstreamTransport{
			Transport: transport,
			AudioPID:  audioPID,
			VideoPID:  videoPID,
			consumers: make(map[domain.Kind]engine.Consumer),
		})
	}
	return params, nil
}

func (c *Client) reserveTransport(role TransportRole, audioPID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotJoined
	}
	if role == RoleProducer {
		if c.upstream != nil || c.upstreamPending {
			return ErrAlreadyProducing
		}
		c.upstreamPending = true
		return nil
	}
	if _, pending := c.pendingDown[audioPID]; pending {
		return ErrDuplicateDownstream
	}
	for _, dt := range c.downstream {
		if dt.AudioPID == audioPID {
			return ErrDuplicateDownstream
		}
	}
	c.pendingDown[audioPID] = struct{}{}
	return nil
}

// ConnectTransport completes the DTLS handshake on the upstream
// transport or on the downstream transport tagged with audioPID.
func (c *Client) ConnectTransport(ctx context.Context, role TransportRole, params engine.ConnectParams, audioPID string) error {
	var transport engine.Transport
	c.mu.Lock()
	if role == RoleProducer {
		transport = c.upstream
	} else if dt := c.findDownstreamLocked(audioPID); dt != nil {
		transport = dt.Transport
	}
	c.mu.Unlock()

	if transport == nil {
		return ErrTransportNotFound
	}
	if err := transport.Connect(ctx, params); err != nil {
		return fmt.Errorf("%w: %s", ErrConnectFailed, err)
	}
	return nil
}

// AttachProducer records a freshly produced stream under its kind.
// A second producer for the same kind is a protocol violation.
func (c *Client) AttachProducer(kind domain.Kind, producer engine.Producer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotJoined
	}
	if _, ok := c.producers[kind]; ok {
		return ErrProducerExists
	}
	c.producers[kind] = producer
	return nil
}

func (c *Client) UpstreamTransport() (engine.Transport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upstream, c.upstream != nil
}

func (c *Client) Producer(kind domain.Kind) (engine.Producer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.producers[kind]
	return p, ok
}

// ProducerPair returns the client's audio and video producer ids, empty
// when the corresponding kind has not been produced yet.
func (c *Client) ProducerPair() (audioPID, videoPID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.producers[domain.KindAudio]; ok {
		audioPID = p.ID()
	}
	if p, ok := c.producers[domain.KindVideo]; ok {
		videoPID = p.ID()
	}
	return audioPID, videoPID
}

// AttachConsumer records a consumer under the downstream transport's
// kind slot.
func (c *Client) AttachConsumer(kind domain.Kind, consumer engine.Consumer, dt *DownstreamTransport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dt.consumers[kind] = consumer
}

func (c *Client) DownstreamFor(kind domain.Kind, pid string) (*DownstreamTransport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dt := range c.downstream {
		if (kind == domain.KindAudio && dt.AudioPID == pid) ||
			(kind == domain.KindVideo && dt.VideoPID == pid) {
			return dt, true
		}
	}
	return nil, false
}

// ConsumerFor finds the consumer bound to a remote producer id.
func (c *Client) ConsumerFor(kind domain.Kind, pid string) (engine.Consumer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dt := range c.downstream {
		if consumer, ok := dt.consumers[kind]; ok && consumer.ProducerID() == pid {
			return consumer, true
		}
	}
	return nil, false
}

// downstreamAudioPIDs reports which remote audio producers this client
// already reaches, committed and in-flight alike, so the fan-out diff
// never instructs a duplicate transport.
func (c *Client) downstreamAudioPIDs() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]struct{}, len(c.downstream)+len(c.pendingDown))
	for _, dt := range c.downstream {
		out[dt.AudioPID] = struct{}{}
	}
	for pid := range c.pendingDown {
		out[pid] = struct{}{}
	}
	return out
}

// PauseAudio pauses the audio producer. No-op without one.
func (c *Client) PauseAudio() {
	if p, ok := c.Producer(domain.KindAudio); ok {
		p.Pause()
	}
}

// ResumeAudio resumes the audio producer. No-op without one.
func (c *Client) ResumeAudio() {
	if p, ok := c.Producer(domain.KindAudio); ok {
		p.Resume()
	}
}

// Close tears down every transport this client owns. The engine's
// cascade-close takes the producers and consumers with them. Safe to
// call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	upstream := c.upstream
	downstream := c.downstream
	c.upstream = nil
	c.downstream = nil
	c.producers = make(map[domain.Kind]engine.Producer)
	c.mu.Unlock()

	if upstream != nil {
		upstream.Close()
	}
	for _, dt := range downstream {
		dt.Transport.Close()
	}
	log.Info().Str("module", "core.client").Str("sid", string(c.id)).Msg("client closed")
}

func (c *Client) findDownstreamLocked(audioPID string) *DownstreamTransport {
	for _, dt := range c.downstream {
		if dt.AudioPID == audioPID {
			return dt
		}
	}
	return nil
}
