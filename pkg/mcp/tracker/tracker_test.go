package tracker

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATSServer starts an embedded NATS server for testing, grounded
// on the teacher's pkg/mcp/operations_test.go helper of the same shape.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func connectTracker(t *testing.T, server *natsserver.Server) *Tracker {
	t.Helper()
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return New(nc, nil)
}

func TestTracker_DegradedWithoutNATS(t *testing.T) {
	trk := New(nil, nil)
	assert.False(t, trk.Available())

	require.NoError(t, trk.Track(TopicSessions, "s1", "handle", nil))
	entry, ok := trk.Get(TopicSessions, "s1", nil)
	require.True(t, ok)
	assert.Equal(t, "handle", entry.Handle)

	assert.ErrorIs(t, trk.Broadcast(TopicSessions, "s1", []byte("x")), ErrNotAvailable)
	_, err := trk.Subscribe(TopicSessions, "s1", func([]byte) {})
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestTracker_LocalGetPrefersOwnEntry(t *testing.T) {
	server := startTestNATSServer(t)
	trk := connectTracker(t, server)

	require.NoError(t, trk.Track(TopicSessions, "sess-1", "owner", nil))
	entry, ok := trk.Get(TopicSessions, "sess-1", nil)
	require.True(t, ok)
	assert.Equal(t, "owner", entry.Handle)
	assert.Equal(t, "sess-1", entry.Key)
}

func TestTracker_CrossNodeGet(t *testing.T) {
	server := startTestNATSServer(t)
	owner := connectTracker(t, server)
	lookup := connectTracker(t, server)

	require.NoError(t, owner.Track(TopicSessions, "cluster-sess", "local-handle", map[string]string{"node": "a"}))

	entry, ok := lookup.Get(TopicSessions, "cluster-sess", nil)
	require.True(t, ok)
	assert.Nil(t, entry.Handle, "remote lookups never see another node's in-process handle")
	assert.Equal(t, "a", entry.Metadata["node"])
}

func TestTracker_GetMissingKey(t *testing.T) {
	server := startTestNATSServer(t)
	trk := connectTracker(t, server)

	_, ok := trk.Get(TopicSessions, "never-tracked", nil)
	assert.False(t, ok)
}

func TestTracker_UntrackRemovesLocalAndStopsAnswering(t *testing.T) {
	server := startTestNATSServer(t)
	owner := connectTracker(t, server)
	lookup := connectTracker(t, server)

	require.NoError(t, owner.Track(TopicSessions, "to-remove", "h", nil))
	require.NoError(t, owner.Untrack(TopicSessions, "to-remove"))

	_, ok := owner.Get(TopicSessions, "to-remove", nil)
	assert.False(t, ok, "untracked locally")

	_, ok = lookup.Get(TopicSessions, "to-remove", nil)
	assert.False(t, ok, "untracked entries don't answer cross-node lookups")
}

func TestTracker_GetProactivelyUntracksDeadHandle(t *testing.T) {
	server := startTestNATSServer(t)
	trk := connectTracker(t, server)

	require.NoError(t, trk.Track(TopicSessions, "dying", "handle", nil))
	isAlive := func(any) bool { return false }

	_, ok := trk.Get(TopicSessions, "dying", isAlive)
	assert.False(t, ok)

	_, ok = trk.Get(TopicSessions, "dying", nil)
	assert.False(t, ok, "the dead entry was untracked as a side effect of the failed isAlive check")
}

func TestTracker_BroadcastSubscribe(t *testing.T) {
	server := startTestNATSServer(t)
	publisher := connectTracker(t, server)
	subscriber := connectTracker(t, server)

	received := make(chan []byte, 1)
	unsub, err := subscriber.Subscribe(TopicResources, "doc://1", func(payload []byte) {
		received <- payload
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, publisher.Broadcast(TopicResources, "doc://1", []byte(`{"updated":true}`)))

	select {
	case payload := <-received:
		assert.JSONEq(t, `{"updated":true}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not received")
	}
}

func TestTracker_Sweep(t *testing.T) {
	trk := New(nil, nil)
	require.NoError(t, trk.Track(TopicSessions, "alive", "a", nil))
	require.NoError(t, trk.Track(TopicSessions, "dead", "d", nil))

	n := trk.Sweep(func(handle any) bool {
		return handle == "a"
	})
	assert.Equal(t, 1, n)

	_, ok := trk.Get(TopicSessions, "alive", nil)
	assert.True(t, ok)
	_, ok = trk.Get(TopicSessions, "dead", nil)
	assert.False(t, ok)
}

func TestTracker_SweepNilIsAliveNoop(t *testing.T) {
	trk := New(nil, nil)
	require.NoError(t, trk.Track(TopicSessions, "s", "h", nil))
	assert.Equal(t, 0, trk.Sweep(nil))
}
