package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifiersJSON(t *testing.T) {
	type envelope struct {
		ID     MessageID   `json:"id"`
		Sender PeerID      `json:"sender"`
		Type   MessageType `json:"type"`
	}

	in := envelope{
		ID:     MessageID{0xde, 0xad, 0xbe, 0xef, 15: 0x01},
		Sender: NewPeerID([]byte{0x0a, 0x0b, 0, 0}),
		Type:   MsgTypePaymentTx,
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"deadbeef000000000000000000000001","sender":"0a0b","type":"payment_tx"}`, string(data))

	var out envelope
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestMessageIDTextErrors(t *testing.T) {
	var id MessageID
	assert.Error(t, id.UnmarshalText([]byte("xyz")))
	assert.Error(t, id.UnmarshalText([]byte("abcd")))
	assert.Equal(t, MessageID{}, id)
}

func TestPeerIDIsZero(t *testing.T) {
	assert.True(t, NewPeerID(make([]byte, 8)).IsZero())
	assert.False(t, NewPeerID([]byte{0, 1}).IsZero())
	assert.Equal(t, PeerID("\x00\x01"), NewPeerID([]byte{0, 1, 0}))
	assert.Len(t, NewPeerID([]byte("123456789")).Bytes(), SenderIDSize)
}
