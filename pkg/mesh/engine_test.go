package mesh

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/storage"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

func TestNewValidation(t *testing.T) {
	tr := transport.NewNetwork().Join("x")

	tests := []struct {
		name string
		tr   transport.Transport
		id   protocol.PeerID
		cfg  func(*Config)
	}{
		{"nil transport", nil, "x", nil},
		{"empty id", tr, "", nil},
		{"id too long", tr, "123456789", nil},
		{"bad battery mode", tr, "x", func(c *Config) { c.BatteryMode = BatteryMode(42) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			_, err := New(tt.tr, tt.id, cfg)
			assert.Error(t, err)
		})
	}
}

func TestLifecycle(t *testing.T) {
	net := transport.NewNetwork()
	clk := newMockClock()
	tr := net.Join("x")
	e, err := New(tr, "x", DefaultConfig(), WithClock(clk))
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, StateUninitialized, e.State())
	assert.ErrorIs(t, e.Start(ctx), ErrNotInitialized)
	assert.ErrorIs(t, e.DisconnectPeer("nobody"), ErrNotInitialized)
	assert.ErrorIs(t, e.ConnectPeer(ctx, "nobody", nil), ErrNotInitialized)
	_, err = e.CleanupStalePeers()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Empty(t, e.Peers(), "read-only snapshots are valid in any state")
	assert.Equal(t, StateUninitialized, e.Stats().State)

	require.NoError(t, e.Initialize())
	require.NoError(t, e.Initialize())
	assert.Equal(t, StateInitialized, e.State())

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Start(ctx))
	assert.Equal(t, StateActive, e.State())
	assert.Equal(t, 1, tr.DiscoveryStarts())

	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())
	assert.Equal(t, StateStopped, e.State())
	assert.False(t, tr.Discovering())

	select {
	case <-e.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}

	assert.ErrorIs(t, e.Initialize(), ErrStopped)
	assert.ErrorIs(t, e.Start(ctx), ErrStopped)
	assert.ErrorIs(t, e.EmitCoverTraffic(ctx), ErrStopped)
}

func TestStopFromUninitialized(t *testing.T) {
	e, err := New(transport.NewNetwork().Join("x"), "x", DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, e.Stop())
	assert.Equal(t, StateStopped, e.State())
}

func TestStopDisconnectsPeers(t *testing.T) {
	net := transport.NewNetwork()
	x := newTestNode(t, net, newMockClock(), "x", "", nil)
	_, a := newRecorder(net, "a")
	_, b := newRecorder(net, "b")
	ctx := context.Background()
	require.NoError(t, x.engine.ConnectPeer(ctx, "a", nil))
	require.NoError(t, x.engine.ConnectPeer(ctx, "b", nil))
	drainEvents(x.engine)

	require.NoError(t, x.engine.Stop())

	assert.False(t, a.Linked("x"))
	assert.False(t, b.Linked("x"))
	assert.Empty(t, x.engine.Peers())
	assert.Len(t, eventsOf(drainEvents(x.engine), EventPeerDisconnected), 2)
}

func TestConnectPeerAdmission(t *testing.T) {
	net := transport.NewNetwork()
	x := newTestNode(t, net, newMockClock(), "x", "", func(c *Config) { c.BatteryMode = BatteryAggressive })
	ctx := context.Background()

	t.Run("weak signal", func(t *testing.T) {
		newRecorder(net, "weak")
		err := x.engine.ConnectPeer(ctx, "weak", intPtr(-95))
		assert.ErrorIs(t, err, ErrSignalTooWeak)

		p, ok := x.engine.Peer("weak")
		require.True(t, ok)
		assert.Equal(t, PeerDiscovered, p.State)
		require.NotNil(t, p.SignalQuality)
		assert.Equal(t, -95, *p.SignalQuality)
	})

	t.Run("connection limit", func(t *testing.T) {
		for _, name := range []string{"p1", "p2", "p3", "p4"} {
			newRecorder(net, name)
			require.NoError(t, x.engine.ConnectPeer(ctx, transport.PeerRef(name), intPtr(-60)))
		}
		newRecorder(net, "p5")
		err := x.engine.ConnectPeer(ctx, "p5", intPtr(-40))
		assert.ErrorIs(t, err, ErrConnectionLimit)
		assert.Equal(t, 4, x.engine.Stats().ConnectedPeers)
	})

	t.Run("reconnect only refreshes signal", func(t *testing.T) {
		require.NoError(t, x.engine.ConnectPeer(ctx, "p1", intPtr(-50)))
		p, ok := x.engine.Peer("p1")
		require.True(t, ok)
		assert.Equal(t, PeerConnected, p.State)
		assert.Equal(t, -50, *p.SignalQuality)
	})

	t.Run("unknown transport peer", func(t *testing.T) {
		require.NoError(t, x.engine.DisconnectPeer("p4"))
		err := x.engine.ConnectPeer(ctx, "ghost", nil)
		assert.ErrorIs(t, err, transport.ErrUnknownPeer)

		p, ok := x.engine.Peer("ghost")
		require.True(t, ok)
		assert.Equal(t, PeerDiscovered, p.State)
	})

	assert.ErrorIs(t, x.engine.DisconnectPeer("nobody"), ErrUnknownPeer)
}

func TestSetBatteryModeEvictsWeakest(t *testing.T) {
	net := transport.NewNetwork()
	clk := newMockClock()
	x := newTestNode(t, net, clk, "x", "", func(c *Config) { c.BatteryMode = BatteryPerformance })
	ctx := context.Background()

	signals := map[string]*int{
		"p1": intPtr(-50),
		"p2": intPtr(-60),
		"p3": nil,
		"p4": intPtr(-80),
		"p5": intPtr(-40),
		"p6": intPtr(-70),
	}
	for _, name := range []string{"p1", "p2", "p3", "p4", "p5", "p6"} {
		newRecorder(net, name)
		require.NoError(t, x.engine.ConnectPeer(ctx, transport.PeerRef(name), signals[name]))
	}
	drainEvents(x.engine)

	require.NoError(t, x.engine.SetBatteryMode(BatteryAggressive))
	assert.Equal(t, BatteryAggressive, x.engine.BatteryMode())
	assert.Equal(t, 4, x.engine.DutyCycle().MaxConnections)

	var remaining []transport.PeerRef
	for _, p := range x.engine.Peers() {
		remaining = append(remaining, p.Ref)
	}
	assert.Equal(t, []transport.PeerRef{"p1", "p2", "p5", "p6"}, remaining)
	assert.False(t, x.tr.Linked("p3"))
	assert.False(t, x.tr.Linked("p4"))

	var evicted []transport.PeerRef
	for _, ev := range eventsOf(drainEvents(x.engine), EventPeerDisconnected) {
		evicted = append(evicted, ev.Ref)
	}
	assert.ElementsMatch(t, []transport.PeerRef{"p3", "p4"}, evicted)

	assert.ErrorIs(t, x.engine.SetBatteryMode(BatteryMode(9)), ErrInvalidMode)
}

func TestCleanupStalePeers(t *testing.T) {
	net := transport.NewNetwork()
	clk := newMockClock()
	x := newTestNode(t, net, clk, "x", "", nil)
	_, a := newRecorder(net, "a")
	newRecorder(net, "b")
	ctx := context.Background()

	require.NoError(t, x.engine.ConnectPeer(ctx, "a", nil))
	clk.Add(4 * time.Minute)
	require.NoError(t, x.engine.ConnectPeer(ctx, "b", nil))
	clk.Add(2 * time.Minute)
	drainEvents(x.engine)

	removed, err := x.engine.CleanupStalePeers()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := x.engine.Peer("a")
	assert.False(t, ok)
	_, ok = x.engine.Peer("b")
	assert.True(t, ok)
	assert.False(t, a.Linked("x"))

	disconnects := eventsOf(drainEvents(x.engine), EventPeerDisconnected)
	require.Len(t, disconnects, 1)
	assert.Equal(t, transport.PeerRef("a"), disconnects[0].Ref)
}

func TestTrafficRefreshesLastSeen(t *testing.T) {
	net := transport.NewNetwork()
	clk := newMockClock()
	x := newTestNode(t, net, clk, "x", "", nil)
	newRecorder(net, "a")
	require.NoError(t, x.engine.ConnectPeer(context.Background(), "a", nil))

	clk.Add(4 * time.Minute)
	require.NoError(t, x.engine.Receive("a", encodeMessage(t, "origin", 1, clk.Now(), "keepalive")))
	clk.Add(2 * time.Minute)

	removed, err := x.engine.CleanupStalePeers()
	require.NoError(t, err)
	assert.Zero(t, removed)
	p, ok := x.engine.Peer("a")
	require.True(t, ok)
	assert.Equal(t, testEpoch.Add(4*time.Minute), p.LastSeen)
}

func TestDutyCycle(t *testing.T) {
	net := transport.NewNetwork()
	clk := newMockClock()
	x := newTestNode(t, net, clk, "x", "", nil)
	require.NoError(t, x.engine.Start(context.Background()))

	dc := BatteryBalanced.DutyCycle()
	require.Equal(t, 1, x.tr.DiscoveryStarts())
	require.True(t, x.tr.Discovering())

	clk.Add(dc.ScanActive)
	require.Eventually(t, func() bool { return !x.tr.Discovering() }, time.Second, 5*time.Millisecond)

	clk.Add(dc.ScanPause)
	require.Eventually(t, func() bool { return x.tr.DiscoveryStarts() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, x.tr.Discovering())
	assert.Equal(t, float64(2), testutil.ToFloat64(x.engine.metrics.discoveryCycles))
}

func TestDiscoveryConnectsActiveEngines(t *testing.T) {
	net := transport.NewNetwork()
	clk := newMockClock()
	a := newTestNode(t, net, clk, "alice", "", nil)
	b := newTestNode(t, net, clk, "bob", "", nil)
	ctx := context.Background()

	require.NoError(t, a.engine.Start(ctx))
	require.NoError(t, b.engine.Start(ctx))

	for _, n := range []*testNode{a, b} {
		peers := n.engine.Peers()
		require.Len(t, peers, 1, "node %s", n.tr.Ref())
		assert.Equal(t, PeerConnected, peers[0].State)
	}

	_, err := a.engine.Send(ctx, protocol.MsgTypeMessage, []byte("found you"), "")
	require.NoError(t, err)
	got := deliveries(b.engine)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("found you"), got[0].Payload)
}

func TestCoverTrafficLoop(t *testing.T) {
	net := transport.NewNetwork()
	clk := newMockClock()
	enableCover := func(c *Config) {
		c.CoverTraffic = true
		c.CoverTrafficInterval = 45 * time.Second
	}
	a := newTestNode(t, net, clk, "alice", "", enableCover)
	b := newTestNode(t, net, clk, "bob", "", nil)
	ctx := context.Background()
	require.NoError(t, a.engine.Start(ctx))
	require.NoError(t, b.engine.Start(ctx))

	clk.Add(45 * time.Second)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(b.engine.metrics.coverReceived) >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, deliveries(b.engine))
	assert.GreaterOrEqual(t, a.engine.Stats().CoverPacketsSent, uint64(1))
}

func TestCleanupLoopRemovesStalePeers(t *testing.T) {
	net := transport.NewNetwork()
	clk := newMockClock()
	x := newTestNode(t, net, clk, "x", "", func(c *Config) {
		c.StaleThreshold = 90 * time.Second
		c.CleanupInterval = 2 * time.Minute
	})
	newRecorder(net, "a")
	require.NoError(t, x.engine.Start(context.Background()))
	require.NoError(t, x.engine.ConnectPeer(context.Background(), "a", nil))

	clk.Add(2 * time.Minute)
	require.Eventually(t, func() bool {
		_, ok := x.engine.Peer("a")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestArchiveWarmsCache(t *testing.T) {
	archive, err := storage.NewPacketArchive(filepath.Join(t.TempDir(), "archive.db"), time.Hour)
	require.NoError(t, err)
	defer archive.Close()

	net := transport.NewNetwork()
	clk := newMockClock()
	a := newTestNode(t, net, clk, "alice", "", nil, WithArchive(archive))

	id, err := a.engine.Send(context.Background(), protocol.MsgTypeMessage, []byte("persisted"), "")
	require.NoError(t, err)
	require.NoError(t, a.engine.Stop())

	count, err := archive.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	restarted := newTestNode(t, transport.NewNetwork(), clk, "alice", "", nil, WithArchive(archive))
	cached := restarted.engine.CachedMessages()
	require.Len(t, cached, 1)
	assert.Equal(t, id, cached[0].ID)

	// a restored message is not delivered again when a neighbour replays it
	require.NoError(t, restarted.engine.Receive("bob", mustEncode(t, cached[0].Packet)))
	assert.Empty(t, deliveries(restarted.engine))
}

func TestStats(t *testing.T) {
	net := transport.NewNetwork()
	clk := newMockClock()
	reg := prometheus.NewRegistry()
	x := newTestNode(t, net, clk, "x", "", nil, WithMetrics(NewMetrics(reg)))
	newRecorder(net, "a")
	ctx := context.Background()

	require.NoError(t, x.engine.Start(ctx))
	require.NoError(t, x.engine.ConnectPeer(ctx, "a", nil))
	require.NoError(t, x.engine.Receive("a", encodeMessage(t, "origin", 3, clk.Now(), "one")))
	_, err := x.engine.Send(ctx, protocol.MsgTypeMessage, []byte("two"), "")
	require.NoError(t, err)

	s := x.engine.Stats()
	assert.Equal(t, x.engine.SessionID(), s.SessionID)
	assert.Equal(t, protocol.PeerID("x"), s.LocalID)
	assert.Equal(t, StateActive, s.State)
	assert.Equal(t, BatteryBalanced, s.BatteryMode)
	assert.Equal(t, 8, s.MaxConnections)
	assert.Equal(t, 1, s.ConnectedPeers)
	assert.Equal(t, 2, s.CachedMessages)
	assert.Equal(t, 2, s.DedupEntries)
	assert.Equal(t, uint64(1), s.PacketsReceived)
	assert.Equal(t, uint64(1), s.PacketsOriginated)
	assert.Equal(t, uint64(1), s.MessagesDelivered)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
	assert.Equal(t, float64(1), testutil.ToFloat64(x.engine.metrics.connectedPeers))
	assert.Equal(t, float64(2), testutil.ToFloat64(x.engine.metrics.cachedMessages))
}

func mustEncode(t *testing.T, p protocol.Packet) []byte {
	t.Helper()
	data, err := protocol.Encode(&p)
	require.NoError(t, err)
	return data
}
