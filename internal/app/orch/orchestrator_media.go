package orch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
	"github.com/avolkov/huddle/internal/engine"
)

// ConsumerReply carries the parameters a client needs to wire up one
// freshly created (and still paused) consumer.
type ConsumerReply struct {
	ProducerID    string
	ConsumerID    string
	Kind          domain.Kind
	RTPParameters engine.RTPParameters
}

func (o *Orchestrator) client(sid core.SessionID) (*core.Client, error) {
	client, ok := o.Registry.Client(sid)
	if !ok {
		return nil, core.ErrNotJoined
	}
	return client, nil
}

// RequestTransport creates the upstream transport (producer role) or a
// downstream transport toward the owner of audioPID (consumer role) and
// returns the connection parameters to relay to the client verbatim.
func (o *Orchestrator) RequestTransport(ctx context.Context, sid core.SessionID, role core.TransportRole, audioPID string) (engine.TransportParams, error) {
	client, err := o.client(sid)
	if err != nil {
		return engine.TransportParams{}, err
	}
	videoPID := ""
	if role == core.RoleConsumer {
		owner, ok := client.Room().ClientByAudioPID(audioPID)
		if !ok {
			return engine.TransportParams{}, core.ErrNoSuchProducer
		}
		_, videoPID = owner.ProducerPair()
	}
	return client.AddTransport(ctx, role, audioPID, videoPID)
}

func (o *Orchestrator) ConnectTransport(ctx context.Context, sid core.SessionID, role core.TransportRole, params engine.ConnectParams, audioPID string) error {
	client, err := o.client(sid)
	if err != nil {
		return err
	}
	return client.ConnectTransport(ctx, role, params, audioPID)
}

// StartProducing creates a producer on the upstream transport. For
// audio it also promotes the producer into the room's speaker list and
// returns the per-recipient fan-out notices the signaling layer must
// deliver.
func (o *Orchestrator) StartProducing(ctx context.Context, sid core.SessionID, kind domain.Kind, params engine.RTPParameters) (string, []core.FanoutNotice, error) {
	client, err := o.client(sid)
	if err != nil {
		return "", nil, err
	}
	upstream, ok := client.UpstreamTransport()
	if !ok {
		return "", nil, core.ErrTransportNotFound
	}

	producer, err := upstream.Produce(ctx, kind, params)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s", core.ErrProduceFailed, err)
	}
	if err := client.AttachProducer(kind, producer); err != nil {
		producer.Close()
		return "", nil, err
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("kind", string(kind)).Str("pid", producer.ID()).Msg("producing")

	var notices []core.FanoutNotice
	if kind == domain.KindAudio {
		notices = client.Room().PromoteSpeaker(client, producer.ID(), o.TopN)
	}
	return producer.ID(), notices, nil
}

// AudioChange toggles the audio producer's paused state. Fire-and-forget:
// no producer means nothing to do.
func (o *Orchestrator) AudioChange(sid core.SessionID, mute bool) {
	client, err := o.client(sid)
	if err != nil {
		return
	}
	if mute {
		client.PauseAudio()
	} else {
		client.ResumeAudio()
	}
}

// ConsumeMedia creates a consumer for one kind of one remote producer on
// the downstream transport tagged for it. The consumer starts paused;
// the client unpauses once its playback is wired.
func (o *Orchestrator) ConsumeMedia(ctx context.Context, sid core.SessionID, pid string, kind domain.Kind, caps engine.RTPCapabilities) (ConsumerReply, error) {
	client, err := o.client(sid)
	if err != nil {
		return ConsumerReply{}, err
	}
	room := client.Room()
	if room == nil {
		return ConsumerReply{}, core.ErrNotJoined
	}
	if !room.Router().CanConsume(pid, caps) {
		return ConsumerReply{}, core.ErrCannotConsume
	}
	dt, ok := client.DownstreamFor(kind, pid)
	if !ok {
		return ConsumerReply{}, core.ErrTransportNotFound
	}
	consumer, err := dt.Transport.Consume(ctx, pid, caps, true)
	if err != nil {
		return ConsumerReply{}, fmt.Errorf("%w: %s", core.ErrConsumeFailed, err)
	}
	client.AttachConsumer(kind, consumer, dt)
	return ConsumerReply{
		ProducerID:    pid,
		ConsumerID:    consumer.ID(),
		Kind:          consumer.Kind(),
		RTPParameters: consumer.RTPParameters(),
	}, nil
}

// UnpauseConsumer resumes the consumer bound to pid. Resuming an
// already-running consumer is a no-op.
func (o *Orchestrator) UnpauseConsumer(sid core.SessionID, pid string, kind domain.Kind) error {
	client, err := o.client(sid)
	if err != nil {
		return err
	}
	consumer, ok := client.ConsumerFor(kind, pid)
	if !ok {
		return core.ErrConsumerNotFound
	}
	return consumer.Resume()
}
