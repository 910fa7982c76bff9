package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkov/huddle/internal/app"
	"github.com/avolkov/huddle/internal/app/orch"
	"github.com/avolkov/huddle/internal/config"
	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/engine/enginetest"
)

func newTestController(t *testing.T, limiter *JoinRateLimiter) *Controller {
	t.Helper()
	pool, err := core.NewWorkerPool(context.Background(), enginetest.New(), core.PoolSettings{Size: 1}, func(error) {})
	require.NoError(t, err)
	o := orch.New(app.NewRegistry(), app.NewRoomManager(pool, nil), 5)
	return NewController(o, nil, limiter)
}

// newWireConn is a wsConn without a socket behind it; frames land in the
// send queue where the test picks them up.
func newWireConn(ctl *Controller, sid core.SessionID) *wsConn {
	c := &wsConn{send: make(chan core.Frame, 32)}
	ctl.Orch.Registry.BindSignal(sid, c, func() {})
	return c
}

func recvJSON(t *testing.T, c *wsConn, v any) {
	t.Helper()
	select {
	case f := <-c.send:
		require.NoError(t, json.Unmarshal(f, v))
	default:
		t.Fatal("no frame queued")
	}
}

func recvAck(t *testing.T, c *wsConn) ack {
	t.Helper()
	var a ack
	recvJSON(t, c, &a)
	require.Equal(t, "ack", a.Type)
	return a
}

func request(ctl *Controller, sid core.SessionID, c *wsConn, typ string, id int64, data string) {
	env, _ := json.Marshal(envelope{Type: typ, ID: id, Data: json.RawMessage(data)})
	ctl.dispatch(context.Background(), sid, c, env)
}

func joinRoom(t *testing.T, ctl *Controller, sid core.SessionID, user, room string) *wsConn {
	t.Helper()
	c := newWireConn(ctl, sid)
	request(ctl, sid, c, "join", 1, fmt.Sprintf(`{"userName":%q,"roomName":%q}`, user, room))
	a := recvAck(t, c)
	require.True(t, a.Ok)
	return c
}

func TestDispatchJoin(t *testing.T) {
	t.Run("ack carries the room state", func(t *testing.T) {
		ctl := newTestController(t, nil)
		c := newWireConn(ctl, "a")
		request(ctl, "a", c, "join", 7, `{"userName":"alice","roomName":"standup"}`)

		var a struct {
			Type string `json:"type"`
			ID   int64  `json:"id"`
			Ok   bool   `json:"ok"`
			Data struct {
				RouterRtpCapabilities json.RawMessage `json:"routerRtpCapabilities"`
				NewRoom               bool            `json:"newRoom"`
				AudioPidsToCreate     []string        `json:"audioPidsToCreate"`
			} `json:"data"`
		}
		recvJSON(t, c, &a)
		assert.Equal(t, "ack", a.Type)
		assert.Equal(t, int64(7), a.ID)
		assert.True(t, a.Ok)
		assert.True(t, a.Data.NewRoom)
		assert.NotEmpty(t, a.Data.RouterRtpCapabilities)
	})

	t.Run("peers get a memberJoined push", func(t *testing.T) {
		ctl := newTestController(t, nil)
		ca := joinRoom(t, ctl, "a", "alice", "standup")
		joinRoom(t, ctl, "b", "bob", "standup")

		var push struct {
			Type string `json:"type"`
			Data struct {
				UserName string `json:"userName"`
			} `json:"data"`
		}
		recvJSON(t, ca, &push)
		assert.Equal(t, "memberJoined", push.Type)
		assert.Equal(t, "bob", push.Data.UserName)
	})

	t.Run("invalid room name is refused", func(t *testing.T) {
		ctl := newTestController(t, nil)
		c := newWireConn(ctl, "a")
		request(ctl, "a", c, "join", 1, `{"userName":"alice","roomName":""}`)
		a := recvAck(t, c)
		assert.False(t, a.Ok)
		assert.Equal(t, "badRequest", a.Error)
	})

	t.Run("rate limited join", func(t *testing.T) {
		ctl := newTestController(t, NewJoinRateLimiter(1, time.Minute))
		c := newWireConn(ctl, "a")
		request(ctl, "a", c, "join", 1, `{"userName":"alice","roomName":"standup"}`)
		require.True(t, recvAck(t, c).Ok)
		request(ctl, "a", c, "join", 2, `{"userName":"alice","roomName":"standup"}`)
		a := recvAck(t, c)
		assert.False(t, a.Ok)
		assert.Equal(t, "rateLimited", a.Error)
	})
}

func TestDispatchMediaFlow(t *testing.T) {
	ctl := newTestController(t, nil)
	ca := joinRoom(t, ctl, "a", "alice", "standup")
	cb := joinRoom(t, ctl, "b", "bob", "standup")
	<-ca.send // drop b's memberJoined push

	request(ctl, "a", ca, "requestTransport", 2, `{"type":"producer"}`)
	var tr struct {
		Ok   bool `json:"ok"`
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	recvJSON(t, ca, &tr)
	require.True(t, tr.Ok)
	require.NotEmpty(t, tr.Data.ID)

	request(ctl, "a", ca, "connectTransport", 3, `{"type":"producer","dtlsParameters":{"role":"client"}}`)
	require.True(t, recvAck(t, ca).Ok)

	request(ctl, "a", ca, "startProducing", 4, `{"kind":"audio","rtpParameters":{}}`)
	var produced struct {
		Ok   bool `json:"ok"`
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	recvJSON(t, ca, &produced)
	require.True(t, produced.Ok)
	pid := produced.Data.ID
	require.NotEmpty(t, pid)

	// b is the only peer not yet reaching the new speaker.
	var fan struct {
		Type string `json:"type"`
		Data struct {
			AudioPidsToCreate   []string `json:"audioPidsToCreate"`
			AssociatedUserNames []string `json:"associatedUserNames"`
			ActiveSpeakerList   []string `json:"activeSpeakerList"`
		} `json:"data"`
	}
	recvJSON(t, cb, &fan)
	require.Equal(t, "newProducersToConsume", fan.Type)
	assert.Equal(t, []string{pid}, fan.Data.AudioPidsToCreate)
	assert.Equal(t, []string{"alice"}, fan.Data.AssociatedUserNames)
	assert.Equal(t, []string{pid}, fan.Data.ActiveSpeakerList)

	request(ctl, "b", cb, "requestTransport", 2, fmt.Sprintf(`{"type":"consumer","audioPid":%q}`, pid))
	require.True(t, recvAck(t, cb).Ok)
	request(ctl, "b", cb, "connectTransport", 3, fmt.Sprintf(`{"type":"consumer","dtlsParameters":{},"audioPid":%q}`, pid))
	require.True(t, recvAck(t, cb).Ok)

	request(ctl, "b", cb, "consumeMedia", 4, fmt.Sprintf(`{"pid":%q,"kind":"audio","rtpCapabilities":{"codecs":[{}]}}`, pid))
	var consumed struct {
		Ok   bool `json:"ok"`
		Data struct {
			ProducerID string `json:"producerId"`
			ID         string `json:"id"`
			Kind       string `json:"kind"`
		} `json:"data"`
	}
	recvJSON(t, cb, &consumed)
	require.True(t, consumed.Ok)
	assert.Equal(t, pid, consumed.Data.ProducerID)
	assert.Equal(t, "audio", consumed.Data.Kind)

	request(ctl, "b", cb, "unpauseConsumer", 5, fmt.Sprintf(`{"pid":%q,"kind":"audio"}`, pid))
	require.True(t, recvAck(t, cb).Ok)

	// audioChange carries no id and produces no ack.
	request(ctl, "a", ca, "audioChange", 0, `{"change":"mute"}`)
	assert.Empty(t, ca.send)

	request(ctl, "a", ca, "leave", 5, `{}`)
	require.True(t, recvAck(t, ca).Ok)
	var left struct {
		Type string `json:"type"`
		Data struct {
			UserName string `json:"userName"`
		} `json:"data"`
	}
	recvJSON(t, cb, &left)
	assert.Equal(t, "memberLeft", left.Type)
	assert.Equal(t, "alice", left.Data.UserName)
}

func TestDispatchErrors(t *testing.T) {
	t.Run("media ops before join report notJoined", func(t *testing.T) {
		ctl := newTestController(t, nil)
		c := newWireConn(ctl, "a")
		request(ctl, "a", c, "requestTransport", 1, `{"type":"producer"}`)
		a := recvAck(t, c)
		assert.False(t, a.Ok)
		assert.Equal(t, "notJoined", a.Error)
	})

	t.Run("unknown transport role", func(t *testing.T) {
		ctl := newTestController(t, nil)
		c := joinRoom(t, ctl, "a", "alice", "standup")
		request(ctl, "a", c, "requestTransport", 2, `{"type":"sideways"}`)
		a := recvAck(t, c)
		assert.False(t, a.Ok)
		assert.Equal(t, "badRequest", a.Error)
	})

	t.Run("ping", func(t *testing.T) {
		ctl := newTestController(t, nil)
		c := newWireConn(ctl, "a")
		request(ctl, "a", c, "ping", 0, `{}`)
		var pong struct {
			Type string `json:"type"`
		}
		recvJSON(t, c, &pong)
		assert.Equal(t, "pong", pong.Type)
	})

	t.Run("unknown type is ignored", func(t *testing.T) {
		ctl := newTestController(t, nil)
		c := newWireConn(ctl, "a")
		request(ctl, "a", c, "frobnicate", 1, `{}`)
		assert.Empty(t, c.send)
	})
}

func TestSessionTakeover(t *testing.T) {
	t.Run("new connection evicts the old one", func(t *testing.T) {
		ctl := newTestController(t, nil)
		c1 := joinRoom(t, ctl, "a", "alice", "standup")

		ctl.takeover("a")
		assert.True(t, c1.closed)
		_, ok := ctl.Orch.Registry.Client("a")
		assert.False(t, ok)
		_, ok = ctl.Orch.Registry.Signal("a")
		assert.False(t, ok)
		_, ok = ctl.Orch.Rooms.Get("standup")
		assert.False(t, ok, "evicted membership tears the empty room down")
	})

	t.Run("stale connection exit leaves the live session intact", func(t *testing.T) {
		ctl := newTestController(t, nil)
		c1 := joinRoom(t, ctl, "a", "alice", "standup")

		// A second tab binds the same session; the old pump then unwinds.
		c2 := newWireConn(ctl, "a")
		ctl.onDisconnect("a", c1)

		sig, ok := ctl.Orch.Registry.Signal("a")
		require.True(t, ok, "live binding must survive the stale exit")
		assert.Same(t, c2, sig)
	})
}

func TestPingPeriod(t *testing.T) {
	ctl := newTestController(t, nil)
	assert.Equal(t, defaultPingPeriod, ctl.pingPeriod())

	ctl.Cfg = &config.Config{PingPeriod: 10 * time.Second}
	assert.Equal(t, 10*time.Second, ctl.pingPeriod())
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{core.ErrAlreadyProducing, "alreadyProducing"},
		{core.ErrProducerExists, "producerExists"},
		{core.ErrDuplicateDownstream, "duplicateDownstream"},
		{core.ErrTransportNotFound, "transportNotFound"},
		{core.ErrConsumerNotFound, "consumerNotFound"},
		{core.ErrNoSuchProducer, "noSuchProducer"},
		{core.ErrNotJoined, "notJoined"},
		{fmt.Errorf("%w: refused", core.ErrConnectFailed), "connectFailed"},
		{fmt.Errorf("%w: refused", core.ErrProduceFailed), "produceFailed"},
		{core.ErrCannotConsume, "cannotConsume"},
		{fmt.Errorf("%w: refused", core.ErrConsumeFailed), "consumeFailed"},
		{errors.New("anything else"), "badRequest"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, errorCode(tc.err), tc.code)
	}
}

func TestJoinRateLimiter(t *testing.T) {
	rl := NewJoinRateLimiter(2, time.Minute)
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	// Sessions are limited independently.
	assert.True(t, rl.Allow("b"))
}

func TestWsConnBackpressure(t *testing.T) {
	c := &wsConn{send: make(chan core.Frame, 1)}
	require.NoError(t, c.TrySend(core.Frame(`{}`)))
	assert.ErrorIs(t, c.TrySend(core.Frame(`{}`)), ErrBackpressure)
}
