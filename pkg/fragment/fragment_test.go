package fragment

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestParityShards(t *testing.T) {
	tests := []struct {
		data, want int
	}{
		{1, 1}, {2, 1}, {4, 1}, {5, 2}, {8, 2}, {204, 51},
	}
	for _, tt := range tests {
		if got := ParityShards(tt.data); got != tt.want {
			t.Errorf("ParityShards(%d) = %d, want %d", tt.data, got, tt.want)
		}
	}
	if got := MaxPayload(100); got != 204*100 {
		t.Errorf("MaxPayload(100) = %d, want %d", got, 204*100)
	}
}

func TestSplitTypesAndHeaders(t *testing.T) {
	payload := randomPayload(t, 1000)

	fragments, err := Split(payload, protocol.MsgTypeMessage, 256)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}

	// 4 data shards + 1 parity
	if len(fragments) != 5 {
		t.Fatalf("Split() produced %d fragments, want 5", len(fragments))
	}

	wantTypes := []protocol.MessageType{
		protocol.MsgTypeFragmentStart,
		protocol.MsgTypeFragmentContinue,
		protocol.MsgTypeFragmentContinue,
		protocol.MsgTypeFragmentContinue,
		protocol.MsgTypeFragmentEnd,
	}

	var id uint64
	for i, f := range fragments {
		if f.Type != wantTypes[i] {
			t.Errorf("fragment %d type = %s, want %s", i, f.Type, wantTypes[i])
		}
		if len(f.Payload) > HeaderSize+256 {
			t.Errorf("fragment %d payload is %d bytes", i, len(f.Payload))
		}

		h, _, err := ParseHeader(f.Payload)
		if err != nil {
			t.Fatalf("ParseHeader(%d) error = %v", i, err)
		}
		if i == 0 {
			id = h.ID
		}
		if h.ID != id || int(h.Index) != i || h.DataShards != 4 || h.ParityShards != 1 ||
			h.OrigType != protocol.MsgTypeMessage || h.Size != 1000 {
			t.Errorf("fragment %d header = %+v", i, h)
		}
	}
}

func TestSplitErrors(t *testing.T) {
	if _, err := Split(nil, protocol.MsgTypeMessage, 0); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("Split(nil) error = %v, want ErrEmptyPayload", err)
	}
	if _, err := Split(make([]byte, MaxPayload(16)+1), protocol.MsgTypeMessage, 16); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Split(oversized) error = %v, want ErrTooLarge", err)
	}
}

func TestReassembleWithLoss(t *testing.T) {
	payload := randomPayload(t, 3000)
	fragments, err := Split(payload, protocol.MsgTypeMessage, 300)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	// 10 data + 3 parity
	if len(fragments) != 13 {
		t.Fatalf("got %d fragments, want 13", len(fragments))
	}

	tests := []struct {
		name string
		drop map[int]bool
	}{
		{"no loss", nil},
		{"lost data shards", map[int]bool{0: true, 5: true, 9: true}},
		{"lost parity shards", map[int]bool{10: true, 11: true, 12: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewReassembler(0, 0, clock.NewMock())
			if err != nil {
				t.Fatal(err)
			}

			var result *Reassembled
			completions := 0
			for i, f := range fragments {
				if tt.drop[i] {
					continue
				}
				got, err := r.Add("sender", f.Payload)
				if err != nil {
					t.Fatalf("Add(%d) error = %v", i, err)
				}
				if got != nil {
					result = got
					completions++
				}
			}

			if completions != 1 {
				t.Fatalf("completed %d times, want 1", completions)
			}
			if result.Type != protocol.MsgTypeMessage {
				t.Errorf("Type = %s, want message", result.Type)
			}
			if !bytes.Equal(result.Payload, payload) {
				t.Error("reassembled payload differs from original")
			}
		})
	}
}

func TestReassembleTooManyLost(t *testing.T) {
	payload := randomPayload(t, 1000)
	fragments, _ := Split(payload, protocol.MsgTypeMessage, 256)

	r, _ := NewReassembler(0, 0, clock.NewMock())
	for _, f := range fragments[2:] {
		got, err := r.Add("sender", f.Payload)
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		if got != nil {
			t.Fatal("reassembled with too few shards")
		}
	}
}

func TestReassemblerSeparatesSenders(t *testing.T) {
	payload := randomPayload(t, 600)
	fragments, _ := Split(payload, protocol.MsgTypeMessage, 256)

	r, _ := NewReassembler(0, 0, clock.NewMock())
	// the same set from two senders is tracked twice
	for _, f := range fragments[:len(fragments)-2] {
		if got, _ := r.Add("alice", f.Payload); got != nil {
			t.Fatal("completed early")
		}
		if got, _ := r.Add("bob", f.Payload); got != nil {
			t.Fatal("completed early")
		}
	}
	if r.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", r.Pending())
	}
}

func TestReassemblerExpiry(t *testing.T) {
	mock := clock.NewMock()
	r, _ := NewReassembler(0, 30*time.Second, mock)

	fragments, _ := Split(randomPayload(t, 1000), protocol.MsgTypeMessage, 256)
	for _, f := range fragments[:2] {
		if _, err := r.Add("sender", f.Payload); err != nil {
			t.Fatal(err)
		}
	}

	mock.Add(10 * time.Second)
	if n := r.Prune(); n != 0 {
		t.Errorf("Prune() removed %d fresh sets", n)
	}

	mock.Add(25 * time.Second)
	if n := r.Prune(); n != 1 {
		t.Errorf("Prune() = %d, want 1", n)
	}
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d after prune", r.Pending())
	}
}

func TestParseHeaderInvalid(t *testing.T) {
	valid := Header{ID: 1, Index: 0, DataShards: 2, ParityShards: 1, OrigType: protocol.MsgTypeMessage, Size: 10}

	tests := []struct {
		name   string
		header Header
		shard  []byte
	}{
		{"no shard", valid, nil},
		{"zero data shards", Header{ID: 1, ParityShards: 1, OrigType: protocol.MsgTypeMessage, Size: 1}, []byte{1}},
		{"zero parity shards", Header{ID: 1, DataShards: 1, OrigType: protocol.MsgTypeMessage, Size: 1}, []byte{1}},
		{"index out of range", Header{ID: 1, Index: 3, DataShards: 2, ParityShards: 1, OrigType: protocol.MsgTypeMessage, Size: 1}, []byte{1}},
		{"fragment inside fragment", Header{ID: 1, DataShards: 2, ParityShards: 1, OrigType: protocol.MsgTypeFragmentEnd, Size: 1}, []byte{1}},
		{"size exceeds shards", valid, []byte{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := append(tt.header.Marshal(), tt.shard...)
			if _, _, err := ParseHeader(payload); !errors.Is(err, ErrInvalidHeader) {
				t.Errorf("ParseHeader() error = %v, want ErrInvalidHeader", err)
			}
		})
	}
}
