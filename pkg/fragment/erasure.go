// Package fragment splits payloads that do not fit a single mesh packet into
// FragmentStart/Continue/End pieces protected by Reed-Solomon parity, and
// reassembles them on the receiving side.
package fragment

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

const (
	// DefaultShardSize keeps header + shard within one packet payload
	DefaultShardSize = protocol.MaxPayloadSize - HeaderSize

	// MaxTotalShards is bounded by the one-byte index field
	MaxTotalShards = 255

	// One parity shard per four data shards, at least one
	ParityRatio = 4
)

var (
	ErrEmptyPayload = errors.New("cannot fragment empty payload")
	ErrTooLarge     = errors.New("payload too large to fragment")
)

// Fragment is one piece ready to be sent as its own packet.
type Fragment struct {
	Type    protocol.MessageType
	Payload []byte // header followed by the shard
}

// ParityShards returns the parity shard count used for dataShards.
func ParityShards(dataShards int) int {
	parity := (dataShards + ParityRatio - 1) / ParityRatio
	if parity < 1 {
		parity = 1
	}
	return parity
}

// MaxPayload returns the largest payload Split accepts for shardSize.
func MaxPayload(shardSize int) int {
	data := MaxTotalShards * ParityRatio / (ParityRatio + 1)
	for data+ParityShards(data) > MaxTotalShards {
		data--
	}
	return data * shardSize
}

// Split encodes payload into data and parity shards and wraps each in a
// fragment header. origType is restored on reassembly.
func Split(payload []byte, origType protocol.MessageType, shardSize int) ([]Fragment, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if shardSize <= 0 {
		shardSize = DefaultShardSize
	}
	if len(payload) > MaxPayload(shardSize) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}

	dataShards := (len(payload) + shardSize - 1) / shardSize
	parityShards := ParityShards(dataShards)

	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create Reed-Solomon encoder: %w", err)
	}

	shards, err := enc.Split(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to split data: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("failed to encode parity: %w", err)
	}

	var idBytes [8]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return nil, fmt.Errorf("failed to generate fragment id: %w", err)
	}

	h := Header{
		ID:           binary.BigEndian.Uint64(idBytes[:]),
		DataShards:   uint8(dataShards),
		ParityShards: uint8(parityShards),
		OrigType:     origType,
		Size:         uint32(len(payload)),
	}

	total := len(shards)
	fragments := make([]Fragment, total)
	for i, shard := range shards {
		h.Index = uint8(i)
		fragments[i] = Fragment{
			Type:    typeForIndex(i, total),
			Payload: append(h.Marshal(), shard...),
		}
	}
	return fragments, nil
}

func typeForIndex(i, total int) protocol.MessageType {
	switch {
	case i == 0:
		return protocol.MsgTypeFragmentStart
	case i == total-1:
		return protocol.MsgTypeFragmentEnd
	default:
		return protocol.MsgTypeFragmentContinue
	}
}

// join reconstructs the original payload from a shard set with nil entries
// for missing shards.
func join(h Header, shards [][]byte) ([]byte, error) {
	enc, err := reedsolomon.New(int(h.DataShards), int(h.ParityShards))
	if err != nil {
		return nil, fmt.Errorf("failed to create Reed-Solomon encoder: %w", err)
	}

	if err := enc.ReconstructData(shards); err != nil {
		return nil, fmt.Errorf("failed to reconstruct shards: %w", err)
	}

	buf := make([]byte, 0, h.Size)
	for i := 0; i < int(h.DataShards); i++ {
		buf = append(buf, shards[i]...)
	}
	if len(buf) < int(h.Size) {
		return nil, fmt.Errorf("reconstructed %d bytes, want %d", len(buf), h.Size)
	}
	return buf[:h.Size], nil
}
