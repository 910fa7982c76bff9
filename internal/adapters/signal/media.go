package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
	"github.com/avolkov/huddle/internal/engine"
)

func (ctl *Controller) handleRequestTransport(ctx context.Context, sid core.SessionID, c *wsConn, env envelope) {
	var p struct {
		Type     string `json:"type"`
		AudioPid string `json:"audioPid,omitempty"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		ctl.sendErr(c, env.ID, err)
		return
	}
	role, err := core.ParseTransportRole(p.Type)
	if err != nil {
		ctl.sendErr(c, env.ID, err)
		return
	}
	params, err := ctl.Orch.RequestTransport(ctx, sid, role, p.AudioPid)
	if err != nil {
		ctl.sendErr(c, env.ID, err)
		return
	}
	ctl.sendAck(c, env.ID, params)
}

func (ctl *Controller) handleConnectTransport(ctx context.Context, sid core.SessionID, c *wsConn, env envelope) {
	var p struct {
		Type           string          `json:"type"`
		DtlsParameters json.RawMessage `json:"dtlsParameters"`
		AudioPid       string          `json:"audioPid,omitempty"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		ctl.sendErr(c, env.ID, err)
		return
	}
	role, err := core.ParseTransportRole(p.Type)
	if err != nil {
		ctl.sendErr(c, env.ID, err)
		return
	}
	if err := ctl.Orch.ConnectTransport(ctx, sid, role, engine.ConnectParams(p.DtlsParameters), p.AudioPid); err != nil {
		ctl.sendErr(c, env.ID, err)
		return
	}
	ctl.sendAck(c, env.ID, nil)
}

type fanoutPayload struct {
	RouterRtpCapabilities engine.RTPCapabilities `json:"routerRtpCapabilities"`
	AudioPidsToCreate     []string               `json:"audioPidsToCreate"`
	VideoPidsToCreate     []*string              `json:"videoPidsToCreate"`
	AssociatedUserNames   []string               `json:"associatedUserNames"`
	ActiveSpeakerList     []string               `json:"activeSpeakerList"`
}

func (ctl *Controller) handleStartProducing(ctx context.Context, sid core.SessionID, c *wsConn, env envelope) {
	var p struct {
		Kind          string          `json:"kind"`
		RtpParameters json.RawMessage `json:"rtpParameters"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		ctl.sendErr(c, env.ID, err)
		return
	}
	kind, err := domain.ParseKind(p.Kind)
	if err != nil {
		ctl.sendErr(c, env.ID, err)
		return
	}
	pid, notices, err := ctl.Orch.StartProducing(ctx, sid, kind, engine.RTPParameters(p.RtpParameters))
	if err != nil {
		ctl.sendErr(c, env.ID, err)
		return
	}
	ctl.sendAck(c, env.ID, map[string]string{"id": pid})
	ctl.deliverFanout(notices)
}

// deliverFanout sends each notice to exactly the connection it is
// addressed to. Peers that already reach every top speaker got no
// notice from the coordinator and hear nothing.
func (ctl *Controller) deliverFanout(notices []core.FanoutNotice) {
	for _, n := range notices {
		sig, ok := ctl.Orch.Registry.Signal(n.To)
		if !ok {
			log.Warn().Str("module", "signal").Str("sid", string(n.To)).Msg("fanout target gone")
			continue
		}
		ctl.sendJSON(sig, map[string]any{
			"type": "newProducersToConsume",
			"data": fanoutPayload{
				RouterRtpCapabilities: n.RouterCapabilities,
				AudioPidsToCreate:     n.AudioPIDs,
				VideoPidsToCreate:     n.VideoPIDs,
				AssociatedUserNames:   n.UserNames,
				ActiveSpeakerList:     n.ActiveSpeakers,
			},
		})
	}
}

// handleAudioChange is fire-and-forget: no id, no ack.
func (ctl *Controller) handleAudioChange(sid core.SessionID, env envelope) {
	var p struct {
		Change string `json:"change"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad audioChange payload")
		return
	}
	ctl.Orch.AudioChange(sid, p.Change == "mute")
}

func (ctl *Controller) handleConsumeMedia(ctx context.Context, sid core.SessionID, c *wsConn, env envelope) {
	var p struct {
		Pid             string          `json:"pid"`
		Kind            string          `json:"kind"`
		RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		ctl.sendErr(c, env.ID, err)
		return
	}
	kind, err := domain.ParseKind(p.Kind)
	if err != nil {
		ctl.sendErr(c, env.ID, err)
		return
	}
	reply, err := ctl.Orch.ConsumeMedia(ctx, sid, p.Pid, kind, engine.RTPCapabilities(p.RtpCapabilities))
	if err != nil {
		ctl.sendErr(c, env.ID, err)
		return
	}
	ctl.sendAck(c, env.ID, map[string]any{
		"producerId":    reply.ProducerID,
		"id":            reply.ConsumerID,
		"kind":          reply.Kind,
		"rtpParameters": reply.RTPParameters,
	})
}

func (ctl *Controller) handleUnpauseConsumer(sid core.SessionID, c *wsConn, env envelope) {
	var p struct {
		Pid  string `json:"pid"`
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		ctl.sendErr(c, env.ID, err)
		return
	}
	kind, err := domain.ParseKind(p.Kind)
	if err != nil {
		ctl.sendErr(c, env.ID, err)
		return
	}
	if err := ctl.Orch.UnpauseConsumer(sid, p.Pid, kind); err != nil {
		ctl.sendErr(c, env.ID, err)
		return
	}
	ctl.sendAck(c, env.ID, nil)
}
