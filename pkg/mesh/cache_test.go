package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

func TestDedupCache(t *testing.T) {
	d, err := newDedupCache(2)
	require.NoError(t, err)

	a, b, c := protocol.MessageID{1}, protocol.MessageID{2}, protocol.MessageID{3}
	assert.True(t, d.insert(a))
	assert.False(t, d.insert(a), "second insert of the same id reports a duplicate")
	assert.True(t, d.insert(b))
	assert.True(t, d.insert(c))

	assert.Equal(t, 2, d.len())
	assert.False(t, d.contains(a), "oldest id is forgotten at capacity")
	assert.True(t, d.contains(c))

	_, err = newDedupCache(0)
	assert.Error(t, err)
}

func TestMessageCache(t *testing.T) {
	c, err := newMessageCache(2)
	require.NoError(t, err)
	now := testEpoch

	for i, body := range []string{"one", "two", "three"} {
		p := protocol.NewPacket(protocol.MsgTypeMessage, "origin", uint64(i), []byte(body))
		c.put(protocol.ComputeMessageID(&p), p, now)
	}

	list := c.list()
	require.Len(t, list, 2)
	assert.Equal(t, []byte("two"), list[0].Packet.Payload)
	assert.Equal(t, []byte("three"), list[1].Packet.Payload)

	got, ok := c.get(list[1].ID)
	require.True(t, ok)
	assert.Equal(t, now, got.StoredAt)
	_, ok = c.get(protocol.MessageID{0xff})
	assert.False(t, ok)
}
