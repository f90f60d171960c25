package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(testEpoch)
	return clk
}

type testNode struct {
	engine *Engine
	tr     *transport.MemoryTransport
}

// newTestNode joins an initialized engine to net. Cover traffic is off
// unless mutate enables it.
func newTestNode(t *testing.T, net *transport.Network, clk clock.Clock, name string, id protocol.PeerID, mutate func(*Config), opts ...Option) *testNode {
	t.Helper()

	cfg := DefaultConfig()
	cfg.CoverTraffic = false
	if mutate != nil {
		mutate(&cfg)
	}
	if id == "" {
		id = protocol.PeerID(name)
	}

	tr := net.Join(transport.PeerRef(name))
	opts = append([]Option{WithClock(clk), WithLogger(zaptest.NewLogger(t))}, opts...)
	e, err := New(tr, id, cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, e.Initialize())
	t.Cleanup(func() { _ = e.Stop() })

	return &testNode{engine: e, tr: tr}
}

// link connects two engines in both directions without running discovery.
func link(t *testing.T, a, b *testNode) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.engine.ConnectPeer(ctx, b.tr.Ref(), nil))
	require.NoError(t, b.engine.ConnectPeer(ctx, a.tr.Ref(), nil))
}

// recorder is a bare transport handler standing in for a neighbour that is
// not running an engine.
type recorder struct {
	mu     sync.Mutex
	frames map[transport.PeerRef][][]byte
}

func newRecorder(net *transport.Network, name string) (*recorder, *transport.MemoryTransport) {
	r := &recorder{frames: make(map[transport.PeerRef][][]byte)}
	tr := net.Join(transport.PeerRef(name))
	tr.SetHandler(r)
	return r, tr
}

func (r *recorder) HandleData(from transport.PeerRef, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[from] = append(r.frames[from], data)
}

func (r *recorder) HandleDiscovered(transport.PeerRef, *int) {}

func (r *recorder) HandleDisconnected(transport.PeerRef) {}

func (r *recorder) packets(t *testing.T, from transport.PeerRef) []protocol.Packet {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []protocol.Packet
	for _, data := range r.frames[from] {
		p, err := protocol.Decode(data)
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func drainEvents(e *Engine) []Event {
	var out []Event
	for {
		select {
		case ev := <-e.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsOf(events []Event, kind EventKind) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func deliveries(e *Engine) []*Delivery {
	var out []*Delivery
	for _, ev := range eventsOf(drainEvents(e), EventMessageDelivered) {
		out = append(out, ev.Message)
	}
	return out
}

// encodeMessage builds wire bytes for a padded broadcast Message.
func encodeMessage(t *testing.T, sender protocol.PeerID, ttl uint8, now time.Time, body string) []byte {
	t.Helper()
	return encodeRaw(t, sender, ttl, now, padPayload([]byte(body)))
}

// encodeRaw builds wire bytes for a broadcast Message carrying payload as is.
func encodeRaw(t *testing.T, sender protocol.PeerID, ttl uint8, now time.Time, payload []byte) []byte {
	t.Helper()
	p := protocol.NewPacket(protocol.MsgTypeMessage, sender, protocol.NowUnixMilli(now), payload)
	p.TTL = ttl
	data, err := protocol.Encode(&p)
	require.NoError(t, err)
	return data
}

func intPtr(v int) *int { return &v }
