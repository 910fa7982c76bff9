package core

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkov/huddle/internal/domain"
	"github.com/avolkov/huddle/internal/engine"
	"github.com/avolkov/huddle/internal/engine/enginetest"
)

func newTestRoom(t *testing.T) *Room {
	t.Helper()
	eng := enginetest.New()
	w, err := eng.CreateWorker(context.Background(), engine.WorkerSettings{})
	require.NoError(t, err)
	router, err := w.CreateRouter(context.Background(), engine.RouterOptions{})
	require.NoError(t, err)
	return NewRoom("r1", router, 0)
}

func addTestClient(t *testing.T, room *Room, name string) *Client {
	t.Helper()
	user, err := domain.NewUser(name)
	require.NoError(t, err)
	c := NewClient(SessionID(name), user, nil)
	require.NoError(t, room.AddClient(c))
	return c
}

// produceAudio walks the real produce path: upstream transport, engine
// produce, attach, promote.
func produceAudio(t *testing.T, room *Room, c *Client, topN int) (string, []FanoutNotice) {
	t.Helper()
	ctx := context.Background()
	_, err := c.AddTransport(ctx, RoleProducer, "", "")
	require.NoError(t, err)
	up, ok := c.UpstreamTransport()
	require.True(t, ok)
	producer, err := up.Produce(ctx, domain.KindAudio, nil)
	require.NoError(t, err)
	require.NoError(t, c.AttachProducer(domain.KindAudio, producer))
	return producer.ID(), room.PromoteSpeaker(c, producer.ID(), topN)
}

func fulfill(t *testing.T, room *Room, notices []FanoutNotice) {
	t.Helper()
	for _, n := range notices {
		peer, ok := room.Client(n.To)
		require.True(t, ok)
		for _, pid := range n.AudioPIDs {
			_, err := peer.AddTransport(context.Background(), RoleConsumer, pid, "")
			require.NoError(t, err)
		}
	}
}

func TestPromoteSpeakerFanout(t *testing.T) {
	t.Run("first producer notifies every peer once", func(t *testing.T) {
		room := newTestRoom(t)
		a := addTestClient(t, room, "alice")
		addTestClient(t, room, "bob")
		addTestClient(t, room, "carol")

		pid, notices := produceAudio(t, room, a, 5)
		require.Len(t, notices, 2)
		for _, n := range notices {
			assert.NotEqual(t, a.ID(), n.To)
			assert.Equal(t, []string{pid}, n.AudioPIDs)
			assert.Equal(t, []string{pid}, n.ActiveSpeakers)
			assert.Equal(t, []string{"alice"}, n.UserNames)
			require.Len(t, n.VideoPIDs, 1)
			assert.Nil(t, n.VideoPIDs[0], "no video produced yet")
			assert.NotEmpty(t, n.RouterCapabilities)
		}
	})

	t.Run("peers with a fulfilled diff are skipped", func(t *testing.T) {
		room := newTestRoom(t)
		a := addTestClient(t, room, "alice")
		b := addTestClient(t, room, "bob")
		c := addTestClient(t, room, "carol")

		_, notices := produceAudio(t, room, a, 5)
		fulfill(t, room, notices)

		// The next promote only carries carol's new pid; bob's existing
		// transport toward alice does not reappear.
		pidC, notices := produceAudio(t, room, c, 5)
		require.Len(t, notices, 2)
		for _, n := range notices {
			assert.Equal(t, []string{pidC}, n.AudioPIDs)
		}
		assert.NotEqual(t, notices[0].To, notices[1].To)
		_ = b
	})

	t.Run("video pid aligns with the owning producer", func(t *testing.T) {
		room := newTestRoom(t)
		a := addTestClient(t, room, "alice")
		addTestClient(t, room, "bob")

		pid, _ := produceAudio(t, room, a, 5)
		up, _ := a.UpstreamTransport()
		video, err := up.Produce(context.Background(), domain.KindVideo, nil)
		require.NoError(t, err)
		require.NoError(t, a.AttachProducer(domain.KindVideo, video))

		snap := room.Snapshot(5)
		require.Equal(t, []string{pid}, snap.AudioPIDs)
		require.Len(t, snap.VideoPIDs, 1)
		require.NotNil(t, snap.VideoPIDs[0])
		assert.Equal(t, video.ID(), *snap.VideoPIDs[0])
		assert.Equal(t, []string{"alice"}, snap.UserNames)
	})
}

func TestFanoutConvergence(t *testing.T) {
	const topN = 5
	room := newTestRoom(t)

	var clients []*Client
	for i := 0; i < 6; i++ {
		clients = append(clients, addTestClient(t, room, fmt.Sprintf("user%d", i)))
	}

	pids := make(map[SessionID]string)
	for _, c := range clients {
		pid, notices := produceAudio(t, room, c, topN)
		pids[c.ID()] = pid
		fulfill(t, room, notices)
	}

	top := room.ActiveSpeakers(topN)
	require.Len(t, top, topN)

	// Every client ends up reaching exactly the top-N minus itself.
	for _, c := range clients {
		want := make(map[string]struct{})
		for _, pid := range top {
			if pid != pids[c.ID()] {
				want[pid] = struct{}{}
			}
		}
		assert.Equal(t, want, c.downstreamAudioPIDs(), "client %s", c.ID())
	}
}

func TestRoomSpeakerCleanupOnRemove(t *testing.T) {
	room := newTestRoom(t)
	a := addTestClient(t, room, "alice")
	b := addTestClient(t, room, "bob")

	pidA, _ := produceAudio(t, room, a, 5)
	pidB, _ := produceAudio(t, room, b, 5)

	require.Equal(t, 1, room.RemoveClient(a.ID()))
	assert.Equal(t, []string{pidB}, room.ActiveSpeakers(5))
	_, ok := room.ClientByAudioPID(pidA)
	assert.False(t, ok)
	owner, ok := room.ClientByAudioPID(pidB)
	require.True(t, ok)
	assert.Equal(t, b.ID(), owner.ID())

	assert.Equal(t, 0, room.RemoveClient(b.ID()))
	assert.Empty(t, room.ActiveSpeakers(5))
}
