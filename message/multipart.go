package message

import (
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru"

	"github.com/xaynetwork/xaynet/crypto"
)

// DefaultMultipartCap bounds the number of partial messages kept at once.
// Partial messages have no timeout; the cap is the only eviction.
const DefaultMultipartCap = 1024

type multipartKey struct {
	pk crypto.PublicSigningKey
	id uint16
}

// partialMessage accumulates the chunks of one multipart message. Chunks
// arrive in arbitrary order; the id of the last chunk doubles as the total
// chunk count minus one.
type partialMessage struct {
	tag    Tag
	chunks map[uint16][]byte
	lastID int
}

func newPartialMessage(tag Tag) *partialMessage {
	return &partialMessage{tag: tag, chunks: make(map[uint16][]byte), lastID: -1}
}

func (p *partialMessage) add(c *Chunk) {
	if c.Last {
		p.lastID = int(c.ChunkID)
	}
	p.chunks[c.ChunkID] = c.Data
}

func (p *partialMessage) complete() bool {
	return p.lastID >= 0 && len(p.chunks) == p.lastID+1
}

func (p *partialMessage) assemble() []byte {
	ids := make([]int, 0, len(p.chunks))
	for id := range p.chunks {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	var buf []byte
	for _, id := range ids {
		buf = append(buf, p.chunks[uint16(id)]...)
	}
	return buf
}

// Multipart reassembles chunked messages. Partial messages are keyed by
// (participant, message id) and evicted least-recently-used beyond the cap.
type Multipart struct {
	cache *lru.Cache
}

// NewMultipart returns a reassembler bounded to cap partial messages.
func NewMultipart(cap int) (*Multipart, error) {
	cache, err := lru.New(cap)
	if err != nil {
		return nil, fmt.Errorf("creating multipart cache: %w", err)
	}
	return &Multipart{cache: cache}, nil
}

// Add stores one chunk. When the chunk completes its message, the
// reassembled payload is parsed as the carrier tag's type and the whole
// message returned; otherwise Add returns nil and waits for more chunks.
func (m *Multipart) Add(header Header, chunk *Chunk) (*Message, error) {
	key := multipartKey{pk: header.ParticipantPK, id: chunk.MessageID}

	var partial *partialMessage
	if v, ok := m.cache.Get(key); ok {
		partial = v.(*partialMessage)
	} else {
		partial = newPartialMessage(header.Tag)
		m.cache.Add(key, partial)
	}
	partial.add(chunk)

	if !partial.complete() {
		return nil, nil
	}
	m.cache.Remove(key)

	payload, err := ParsePayload(partial.tag, partial.assemble())
	if err != nil {
		return nil, fmt.Errorf("reassembled %s message: %w", partial.tag, err)
	}
	header.Flags &^= FlagMultipart
	return &Message{Header: header, Payload: payload}, nil
}

// Len returns the number of partial messages currently stored.
func (m *Multipart) Len() int {
	return m.cache.Len()
}
