package signaling

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0ot/signald/pkg/channels"
	"github.com/n0ot/signald/pkg/model"
	"github.com/n0ot/signald/pkg/registry"
)

// recorder is a Handle that keeps everything sent to it.
type recorder struct {
	lock sync.Mutex
	msgs []model.Message
}

func (r *recorder) Send(msg model.Message) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

// take returns and forgets everything received so far.
func (r *recorder) take() []model.Message {
	r.lock.Lock()
	defer r.lock.Unlock()
	msgs := r.msgs
	r.msgs = nil
	return msgs
}

type fixture struct {
	h     *Handler
	conns *registry.Registry
	table *channels.Table
	hook  *test.Hook
	recs  map[model.PeerID]*recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	log, hook := test.NewNullLogger()
	log.Level = logrus.DebugLevel
	conns := registry.New()
	table := channels.New()
	return &fixture{
		h:     New(log, conns, table, opts...),
		conns: conns,
		table: table,
		hook:  hook,
		recs:  make(map[model.PeerID]*recorder),
	}
}

func (f *fixture) connect(ids ...model.PeerID) {
	for _, id := range ids {
		rec := &recorder{}
		f.recs[id] = rec
		f.h.Connect(id, rec)
	}
}

func (f *fixture) take(id model.PeerID) []model.Message {
	return f.recs[id].take()
}

func (f *fixture) protocolErrors() int {
	n := 0
	for _, entry := range f.hook.AllEntries() {
		if entry.Message == "Protocol error" {
			n++
		}
	}
	return n
}

func addPeer(id model.PeerID, offer bool) model.Message {
	return model.AddPeerMessage{PeerID: id, ShouldCreateOffer: offer}
}

func removePeer(id model.PeerID) model.Message {
	return model.RemovePeerMessage{PeerID: id}
}

func TestConnectSendsNothing(t *testing.T) {
	f := newFixture(t)
	f.connect("a")

	c, ok := f.conns.Lookup("a")
	require.True(t, ok)
	require.Empty(t, c.Channels())
	require.Empty(t, f.take("a"))
}

func TestJoinNotifiesMesh(t *testing.T) {
	f := newFixture(t)
	f.connect("a", "b", "c")

	require.NoError(t, f.h.Join("a", "room1", nil))
	require.Empty(t, f.take("a"))

	require.NoError(t, f.h.Join("b", "room1", json.RawMessage(`{"name":"bob"}`)))
	require.Equal(t, []model.Message{addPeer("b", false)}, f.take("a"))
	require.Equal(t, []model.Message{addPeer("a", true)}, f.take("b"))

	require.NoError(t, f.h.Join("c", "room1", nil))
	require.Equal(t, []model.Message{addPeer("c", false)}, f.take("a"))
	require.Equal(t, []model.Message{addPeer("c", false)}, f.take("b"))
	require.Equal(t, []model.Message{addPeer("a", true), addPeer("b", true)}, f.take("c"))

	require.Equal(t, []model.PeerID{"a", "b", "c"}, f.table.Members("room1"))
	for _, id := range []model.PeerID{"a", "b", "c"} {
		c, _ := f.conns.Lookup(id)
		require.Equal(t, []string{"room1"}, c.Channels())
	}
}

func TestJoinTwiceIgnored(t *testing.T) {
	f := newFixture(t)
	f.connect("a", "b")
	require.NoError(t, f.h.Join("a", "room1", nil))
	require.NoError(t, f.h.Join("b", "room1", nil))
	f.take("a")
	f.take("b")

	err := f.h.Join("b", "room1", nil)
	require.True(t, errors.Is(err, ErrAlreadyJoined))
	require.Empty(t, f.take("a"))
	require.Empty(t, f.take("b"))
	require.Equal(t, []model.PeerID{"a", "b"}, f.table.Members("room1"))
	require.Equal(t, 1, f.protocolErrors())
}

func TestPartNotifiesRemaining(t *testing.T) {
	f := newFixture(t)
	f.connect("a", "b", "c")
	for _, id := range []model.PeerID{"a", "b", "c"} {
		require.NoError(t, f.h.Join(id, "room1", nil))
	}
	for id := range f.recs {
		f.take(id)
	}

	require.NoError(t, f.h.Part("b", "room1"))
	require.Equal(t, []model.Message{removePeer("b")}, f.take("a"))
	require.Equal(t, []model.Message{removePeer("b")}, f.take("c"))
	require.Equal(t, []model.Message{removePeer("a"), removePeer("c")}, f.take("b"))

	b, _ := f.conns.Lookup("b")
	require.False(t, b.InChannel("room1"))
	require.Equal(t, []model.PeerID{"a", "c"}, f.table.Members("room1"))

	err := f.h.Part("b", "room1")
	require.True(t, errors.Is(err, ErrNotJoined))
	require.Empty(t, f.take("a"))
	require.Empty(t, f.take("b"))
	require.Empty(t, f.take("c"))
	require.Equal(t, 1, f.protocolErrors())
}

func TestPartLastMemberRemovesChannel(t *testing.T) {
	f := newFixture(t)
	f.connect("a")
	require.NoError(t, f.h.Join("a", "room1", nil))
	require.Equal(t, 1, f.table.Len())
	require.NoError(t, f.h.Part("a", "room1"))
	require.Empty(t, f.take("a"))
	require.Equal(t, 0, f.table.Len())
}

func TestMembershipFollowsLastJoinOrPart(t *testing.T) {
	f := newFixture(t)
	f.connect("a")
	c, _ := f.conns.Lookup("a")

	rnd := rand.New(rand.NewSource(1))
	joined := false
	for i := 0; i < 200; i++ {
		if rnd.Intn(2) == 0 {
			err := f.h.Join("a", "room1", nil)
			require.Equal(t, joined, errors.Is(err, ErrAlreadyJoined))
			joined = true
		} else {
			err := f.h.Part("a", "room1")
			require.Equal(t, !joined, errors.Is(err, ErrNotJoined))
			joined = false
		}
		require.Equal(t, joined, c.InChannel("room1"))
		if joined {
			require.Equal(t, []model.PeerID{"a"}, f.table.Members("room1"))
		} else {
			require.Empty(t, f.table.Members("room1"))
		}
	}
	require.Empty(t, f.take("a"))
}

func TestJoinSeveralChannels(t *testing.T) {
	f := newFixture(t)
	f.connect("a", "b")
	require.NoError(t, f.h.Join("a", "room1", nil))
	require.NoError(t, f.h.Join("a", "room2", nil))
	require.NoError(t, f.h.Join("b", "room2", nil))

	require.Equal(t, []model.Message{addPeer("b", false)}, f.take("a"))
	require.Equal(t, []model.Message{addPeer("a", true)}, f.take("b"))

	require.NoError(t, f.h.Part("a", "room1"))
	require.Empty(t, f.take("a"))
	require.Empty(t, f.take("b"))

	a, _ := f.conns.Lookup("a")
	require.Equal(t, []string{"room2"}, a.Channels())
}

func TestDisconnectPartsEveryChannel(t *testing.T) {
	f := newFixture(t)
	f.connect("a", "b", "c")
	require.NoError(t, f.h.Join("b", "c1", nil))
	require.NoError(t, f.h.Join("c", "c2", nil))
	require.NoError(t, f.h.Join("a", "c1", nil))
	require.NoError(t, f.h.Join("a", "c2", nil))
	for id := range f.recs {
		f.take(id)
	}

	f.h.Disconnect("a")
	require.Equal(t, []model.Message{removePeer("a")}, f.take("b"))
	require.Equal(t, []model.Message{removePeer("a")}, f.take("c"))
	require.ElementsMatch(t, []model.Message{removePeer("b"), removePeer("c")}, f.take("a"))

	_, ok := f.conns.Lookup("a")
	require.False(t, ok)
	require.Equal(t, []model.PeerID{"b"}, f.table.Members("c1"))
	require.Equal(t, []model.PeerID{"c"}, f.table.Members("c2"))

	// a can no longer be targeted.
	f.h.RelaySessionDescription("b", "a", json.RawMessage(`{}`))
	require.Empty(t, f.take("a"))
	require.Equal(t, uint64(1), f.h.Stats().DroppedRelays)

	// Disconnecting twice is harmless.
	f.h.Disconnect("a")
}

func TestRelayICECandidate(t *testing.T) {
	f := newFixture(t)
	f.connect("a", "b")
	candidate := json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 10.0.0.1 5000 typ host","sdpMLineIndex":0}`)

	f.h.RelayICECandidate("a", "b", candidate)
	require.Equal(t, []model.Message{model.ICECandidateMessage{PeerID: "a", ICECandidate: candidate}}, f.take("b"))
	require.Empty(t, f.take("a"))
	require.Equal(t, uint64(1), f.h.Stats().RelayedICECandidates)
}

func TestRelayToUnknownTargetDropped(t *testing.T) {
	f := newFixture(t)
	f.connect("a")

	f.h.RelayICECandidate("a", "ghost", json.RawMessage(`{}`))
	f.h.RelaySessionDescription("a", "ghost", json.RawMessage(`{}`))
	require.Empty(t, f.take("a"))

	stats := f.h.Stats()
	require.Equal(t, uint64(2), stats.DroppedRelays)
	require.Zero(t, stats.RelayedICECandidates)
	require.Zero(t, stats.ProtocolErrors)
}

func TestRelayIgnoresChannelMembership(t *testing.T) {
	f := newFixture(t)
	f.connect("a", "b")
	require.NoError(t, f.h.Join("a", "room1", nil))
	require.NoError(t, f.h.Join("b", "room2", nil))

	description := json.RawMessage(`{"type":"offer","sdp":"v=0\r\n"}`)
	f.h.RelaySessionDescription("a", "b", description)
	require.Equal(t, []model.Message{model.SessionDescriptionMessage{PeerID: "a", SessionDescription: description}}, f.take("b"))
}

func TestSharedChannelRelay(t *testing.T) {
	f := newFixture(t, WithPolicy(SharedChannelRelay))
	f.connect("a", "b", "c")
	require.NoError(t, f.h.Join("a", "room1", nil))
	require.NoError(t, f.h.Join("b", "room1", nil))
	require.NoError(t, f.h.Join("c", "room2", nil))
	for id := range f.recs {
		f.take(id)
	}

	f.h.RelayICECandidate("a", "c", json.RawMessage(`{}`))
	require.Empty(t, f.take("c"))

	f.h.RelayICECandidate("a", "b", json.RawMessage(`{}`))
	require.Len(t, f.take("b"), 1)
	require.Equal(t, uint64(1), f.h.Stats().DroppedRelays)
}

func TestHandleDispatches(t *testing.T) {
	f := newFixture(t)
	f.connect("a", "b")

	in, err := model.ParseInbound([]byte(`{"event":"join","data":{"channel":"room1"}}`))
	require.NoError(t, err)
	f.h.Handle("a", in)
	f.h.Handle("b", &model.JoinRequest{Channel: "room1"})
	require.Equal(t, []model.Message{addPeer("b", false)}, f.take("a"))
	require.Equal(t, []model.Message{addPeer("a", true)}, f.take("b"))

	f.h.Handle("b", &model.RelaySessionDescriptionRequest{PeerID: "a", SessionDescription: json.RawMessage(`1`)})
	f.h.Handle("b", &model.RelayICECandidateRequest{PeerID: "a", ICECandidate: json.RawMessage(`2`)})
	require.Equal(t, []model.Message{
		model.SessionDescriptionMessage{PeerID: "b", SessionDescription: json.RawMessage(`1`)},
		model.ICECandidateMessage{PeerID: "b", ICECandidate: json.RawMessage(`2`)},
	}, f.take("a"))

	f.h.Handle("b", &model.PartRequest{Channel: "room1"})
	require.Equal(t, []model.Message{removePeer("b")}, f.take("a"))
	require.Equal(t, []model.Message{removePeer("a")}, f.take("b"))

	// Misuse is swallowed.
	f.h.Handle("b", &model.PartRequest{Channel: "room1"})
	require.Empty(t, f.take("a"))
	require.Empty(t, f.take("b"))
	require.Equal(t, uint64(1), f.h.Stats().ProtocolErrors)
}

func TestHandleNilEvent(t *testing.T) {
	f := newFixture(t)
	f.connect("a")
	require.NotPanics(t, func() { f.h.Handle("a", nil) })
	require.Equal(t, 1, f.protocolErrors())
	require.Empty(t, f.take("a"))
}

func TestFailedPartKeepsMembership(t *testing.T) {
	f := newFixture(t)
	f.connect("a", "b")
	require.NoError(t, f.h.Join("a", "room1", nil))
	require.NoError(t, f.h.Join("b", "room1", nil))
	f.take("a")
	f.take("b")

	// The table loses b behind the handler's back.
	require.NoError(t, f.table.Remove("room1", "b"))

	err := f.h.Part("b", "room1")
	require.True(t, errors.Is(err, channels.ErrNotMember))
	b, ok := f.conns.Lookup("b")
	require.True(t, ok)
	require.True(t, b.InChannel("room1"))
	require.Empty(t, f.take("a"))
	require.Empty(t, f.take("b"))
	require.Equal(t, []model.PeerID{"a"}, f.table.Members("room1"))
}

func TestUnknownConnection(t *testing.T) {
	f := newFixture(t)
	require.True(t, errors.Is(f.h.Join("nobody", "room1", nil), ErrUnknownConn))
	require.True(t, errors.Is(f.h.Part("nobody", "room1"), ErrUnknownConn))
	f.h.Disconnect("nobody")
	require.Equal(t, 0, f.table.Len())
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.connect("a", "b")
	require.NoError(t, f.h.Join("a", "room1", nil))
	require.NoError(t, f.h.Join("b", "room2", nil))
	f.h.Disconnect("b")

	stats := f.h.Stats()
	require.Equal(t, 1, stats.Clients.NumClients)
	require.Equal(t, 2, stats.Clients.MaxClients)
	require.Equal(t, 1, stats.Channels.NumChannels)
	require.Equal(t, 2, stats.Channels.MaxChannels)
	require.True(t, stats.Uptime >= 0)
}

func TestWithPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, WithPrometheus(reg, "signald.test"))
	f.connect("a", "b")
	require.NoError(t, f.h.Join("a", "room1", nil))
	require.NoError(t, f.h.Join("b", "room1", nil))
	f.h.RelayICECandidate("a", "b", json.RawMessage(`{}`))
	f.h.RelayICECandidate("a", "ghost", json.RawMessage(`{}`))
	_ = f.h.Join("a", "room1", nil)
	f.h.Disconnect("b")

	require.Equal(t, float64(2), testutil.ToFloat64(f.h.metrics.joins))
	require.Equal(t, float64(1), testutil.ToFloat64(f.h.metrics.parts))
	require.Equal(t, float64(1), testutil.ToFloat64(f.h.metrics.relays.WithLabelValues(model.EventICECandidate)))
	require.Equal(t, float64(1), testutil.ToFloat64(f.h.metrics.dropped))
	require.Equal(t, float64(1), testutil.ToFloat64(f.h.metrics.protocolErrors))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	require.Contains(t, names, "signald_test_signaling_connections")
	require.Contains(t, names, "signald_test_signaling_channels")
}

// Concurrent joins and parts on one channel must leave every pair of clients
// with exactly one outstanding addPeer if both are still members, and none otherwise.
func TestConcurrentJoinPart(t *testing.T) {
	f := newFixture(t)
	const clients = 8
	const ops = 100

	ids := make([]model.PeerID, clients)
	for i := range ids {
		ids[i] = model.PeerID(fmt.Sprintf("peer-%d", i))
	}
	f.connect(ids...)

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(id model.PeerID, seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for j := 0; j < ops; j++ {
				if rnd.Intn(2) == 0 {
					_ = f.h.Join(id, "room", nil)
				} else {
					_ = f.h.Part(id, "room")
				}
			}
		}(id, int64(i))
	}
	wg.Wait()

	members := make(map[model.PeerID]bool)
	for _, id := range f.table.Members("room") {
		members[id] = true
	}
	for _, id := range ids {
		c, _ := f.conns.Lookup(id)
		assert.Equal(t, members[id], c.InChannel("room"), "membership of %s", id)

		outstanding := make(map[model.PeerID]int)
		for _, msg := range f.take(id) {
			switch msg := msg.(type) {
			case model.AddPeerMessage:
				outstanding[msg.PeerID]++
			case model.RemovePeerMessage:
				outstanding[msg.PeerID]--
			}
		}
		for _, peer := range ids {
			if peer == id {
				continue
			}
			want := 0
			if members[id] && members[peer] {
				want = 1
			}
			assert.Equal(t, want, outstanding[peer], "%s's view of %s", id, peer)
		}
	}
}
