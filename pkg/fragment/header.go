package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// HeaderSize is the fixed fragment header length:
// id(8) + index(1) + data shards(1) + parity shards(1) + original type(1) + size(4)
const HeaderSize = 16

var ErrInvalidHeader = errors.New("invalid fragment header")

// Header prefixes every fragment payload.
type Header struct {
	ID           uint64
	Index        uint8
	DataShards   uint8
	ParityShards uint8
	OrigType     protocol.MessageType
	Size         uint32
}

// Total returns the number of shards in the set.
func (h Header) Total() int { return int(h.DataShards) + int(h.ParityShards) }

// Marshal encodes the header.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], h.ID)
	buf[8] = h.Index
	buf[9] = h.DataShards
	buf[10] = h.ParityShards
	buf[11] = uint8(h.OrigType)
	binary.BigEndian.PutUint32(buf[12:16], h.Size)
	return buf
}

// ParseHeader decodes and sanity-checks the header at the start of a
// fragment payload, returning the shard bytes that follow it.
func ParseHeader(payload []byte) (Header, []byte, error) {
	if len(payload) <= HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(payload))
	}

	h := Header{
		ID:           binary.BigEndian.Uint64(payload[0:8]),
		Index:        payload[8],
		DataShards:   payload[9],
		ParityShards: payload[10],
		OrigType:     protocol.MessageType(payload[11]),
		Size:         binary.BigEndian.Uint32(payload[12:16]),
	}
	shard := payload[HeaderSize:]

	switch {
	case h.DataShards == 0 || h.ParityShards == 0:
		return Header{}, nil, fmt.Errorf("%w: %d+%d shards", ErrInvalidHeader, h.DataShards, h.ParityShards)
	case h.Total() > MaxTotalShards:
		return Header{}, nil, fmt.Errorf("%w: %d shards", ErrInvalidHeader, h.Total())
	case int(h.Index) >= h.Total():
		return Header{}, nil, fmt.Errorf("%w: index %d of %d", ErrInvalidHeader, h.Index, h.Total())
	case !h.OrigType.Valid() || h.OrigType.IsFragment():
		return Header{}, nil, fmt.Errorf("%w: original type %s", ErrInvalidHeader, h.OrigType)
	case h.Size == 0 || int(h.Size) > int(h.DataShards)*len(shard):
		return Header{}, nil, fmt.Errorf("%w: size %d", ErrInvalidHeader, h.Size)
	}
	return h, shard, nil
}
