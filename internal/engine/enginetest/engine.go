// Package enginetest provides an in-memory media engine with
// deterministic ids and scriptable failures for orchestration tests.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/avolkov/huddle/internal/domain"
	"github.com/avolkov/huddle/internal/engine"
)

type Engine struct {
	mu      sync.Mutex
	Workers []*Worker

	FailCreateTransport bool
	FailConnect         bool
	FailProduce         bool
	FailConsume         bool
	// ConsumeDenied makes every router report canConsume == false.
	ConsumeDenied bool

	nextWorker    int
	nextTransport int
	nextProducer  int
	nextConsumer  int
}

func New() *Engine { return &Engine{} }

func (e *Engine) CreateWorker(_ context.Context, settings engine.WorkerSettings) (engine.Worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w := &Worker{eng: e, ID: fmt.Sprintf("w%d", e.nextWorker), Settings: settings}
	e.nextWorker++
	e.Workers = append(e.Workers, w)
	return w, nil
}

type Worker struct {
	eng      *Engine
	ID       string
	Settings engine.WorkerSettings
	Closed   bool

	mu     sync.Mutex
	onDied func(error)
}

func (w *Worker) CreateRouter(_ context.Context, opts engine.RouterOptions) (engine.Router, error) {
	caps := opts.MediaCodecs
	if len(caps) == 0 {
		caps = json.RawMessage(`{"codecs":[{"mimeType":"audio/opus"},{"mimeType":"video/VP8"}]}`)
	}
	return &Router{eng: w.eng, Worker: w, Caps: caps, producers: make(map[string]*Producer)}, nil
}

func (w *Worker) OnDied(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDied = fn
}

// Die simulates the engine reporting a fatal worker failure.
func (w *Worker) Die(err error) {
	w.mu.Lock()
	fn := w.onDied
	w.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (w *Worker) Close() error {
	w.Closed = true
	return nil
}

type Router struct {
	eng    *Engine
	Worker *Worker
	Caps   engine.RTPCapabilities
	Closed bool

	mu         sync.Mutex
	Transports []*Transport
	producers  map[string]*Producer
}

func (r *Router) RTPCapabilities() engine.RTPCapabilities { return r.Caps }

func (r *Router) CanConsume(producerID string, caps engine.RTPCapabilities) bool {
	if r.eng.ConsumeDenied || len(caps) == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.producers[producerID]
	return ok
}

func (r *Router) CreateTransport(_ context.Context) (engine.Transport, engine.TransportParams, error) {
	if r.eng.FailCreateTransport {
		return nil, engine.TransportParams{}, fmt.Errorf("enginetest: create transport refused")
	}
	r.eng.mu.Lock()
	id := fmt.Sprintf("t%d", r.eng.nextTransport)
	r.eng.nextTransport++
	r.eng.mu.Unlock()

	t := &Transport{router: r, id: id}
	r.mu.Lock()
	r.Transports = append(r.Transports, t)
	r.mu.Unlock()
	params := engine.TransportParams{
		ID:             id,
		ICEParameters:  json.RawMessage(`{"usernameFragment":"` + id + `"}`),
		ICECandidates:  json.RawMessage(`[]`),
		DTLSParameters: json.RawMessage(`{"role":"auto"}`),
	}
	return t, params, nil
}

func (r *Router) Close() error {
	r.mu.Lock()
	transports := r.Transports
	r.Closed = true
	r.mu.Unlock()
	for _, t := range transports {
		t.Close()
	}
	return nil
}

type Transport struct {
	router *Router
	id     string

	mu        sync.Mutex
	Closed    bool
	Connected bool
	Producers []*Producer
	Consumers []*Consumer
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Connect(_ context.Context, _ engine.ConnectParams) error {
	if t.router.eng.FailConnect {
		return fmt.Errorf("enginetest: connect refused")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Closed {
		return fmt.Errorf("enginetest: transport %s closed", t.id)
	}
	t.Connected = true
	return nil
}

func (t *Transport) Produce(_ context.Context, kind domain.Kind, _ engine.RTPParameters) (engine.Producer, error) {
	if t.router.eng.FailProduce {
		return nil, fmt.Errorf("enginetest: produce refused")
	}
	t.router.eng.mu.Lock()
	id := fmt.Sprintf("p%d", t.router.eng.nextProducer)
	t.router.eng.nextProducer++
	t.router.eng.mu.Unlock()

	p := &Producer{id: id, kind: kind}
	t.mu.Lock()
	t.Producers = append(t.Producers, p)
	t.mu.Unlock()
	t.router.mu.Lock()
	t.router.producers[id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, producerID string, _ engine.RTPCapabilities, paused bool) (engine.Consumer, error) {
	if t.router.eng.FailConsume {
		return nil, fmt.Errorf("enginetest: consume refused")
	}
	t.router.mu.Lock()
	p, ok := t.router.producers[producerID]
	t.router.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("enginetest: no producer %s", producerID)
	}
	t.router.eng.mu.Lock()
	id := fmt.Sprintf("c%d", t.router.eng.nextConsumer)
	t.router.eng.nextConsumer++
	t.router.eng.mu.Unlock()

	c := &Consumer{id: id, kind: p.kind, producerID: producerID, paused: paused}
	t.mu.Lock()
	t.Consumers = append(t.Consumers, c)
	t.mu.Unlock()
	return c, nil
}

// Close cascades to owned producers and consumers, mirroring the real
// engine's semantics.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.Closed {
		t.mu.Unlock()
		return
	}
	t.Closed = true
	producers := t.Producers
	consumers := t.Consumers
	t.mu.Unlock()
	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
}

type Producer struct {
	id   string
	kind domain.Kind

	mu      sync.Mutex
	PausedN int
	ResumeN int
	paused  bool
	Closed  bool
}

func (p *Producer) ID() string        { return p.id }
func (p *Producer) Kind() domain.Kind { return p.kind }

func (p *Producer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.PausedN++
}

func (p *Producer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.ResumeN++
}

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
}

type Consumer struct {
	id         string
	kind       domain.Kind
	producerID string

	mu      sync.Mutex
	paused  bool
	ResumeN int
	Closed  bool
}

func (c *Consumer) ID() string         { return c.id }
func (c *Consumer) Kind() domain.Kind  { return c.kind }
func (c *Consumer) ProducerID() string { return c.producerID }

func (c *Consumer) RTPParameters() engine.RTPParameters {
	return json.RawMessage(`{"consumerId":"` + c.id + `"}`)
}

func (c *Consumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.ResumeN++
	return nil
}

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
}
