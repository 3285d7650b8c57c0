package message

import (
	"encoding/binary"
	"fmt"
)

// chunkHeaderLength is the fixed prefix of a chunk payload: message id,
// chunk id, last flag and three reserved bytes.
const chunkHeaderLength = 8

// MinChunkSize is the smallest allowed data size per chunk.
const MinChunkSize = 1

// Chunk is one part of a multipart message. The envelope tag of its
// carrier names the type of the reassembled payload.
type Chunk struct {
	MessageID uint16
	ChunkID   uint16
	Last      bool
	Data      []byte
}

func (c *Chunk) EncodedLength() int {
	return chunkHeaderLength + len(c.Data)
}

func (c *Chunk) appendTo(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, c.MessageID)
	buf = binary.BigEndian.AppendUint16(buf, c.ChunkID)
	last := byte(0)
	if c.Last {
		last = 1
	}
	buf = append(buf, last, 0, 0, 0)
	return append(buf, c.Data...)
}

func decodeChunk(data []byte) (*Chunk, error) {
	if len(data) < chunkHeaderLength {
		return nil, fmt.Errorf("chunk payload: %w", ErrTruncated)
	}
	if data[4] > 1 {
		return nil, fmt.Errorf("chunk payload: invalid last flag %d", data[4])
	}
	if data[5] != 0 || data[6] != 0 || data[7] != 0 {
		return nil, fmt.Errorf("chunk payload: %w", ErrReservedNotZero)
	}
	return &Chunk{
		MessageID: binary.BigEndian.Uint16(data),
		ChunkID:   binary.BigEndian.Uint16(data[2:]),
		Last:      data[4] == 1,
		Data:      data[chunkHeaderLength:],
	}, nil
}

// ChunkPayload splits an encoded payload into chunks of at most size data
// bytes, numbered consecutively from zero with the final chunk flagged.
func ChunkPayload(payload []byte, size int, messageID uint16) []*Chunk {
	if size < MinChunkSize {
		size = MinChunkSize
	}
	var chunks []*Chunk
	for off, id := 0, uint16(0); off < len(payload) || id == 0; id++ {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, &Chunk{
			MessageID: messageID,
			ChunkID:   id,
			Data:      payload[off:end],
		})
		off = end
	}
	chunks[len(chunks)-1].Last = true
	return chunks
}
