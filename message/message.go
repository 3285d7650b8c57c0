// Package message implements the framed binary wire format of PET
// messages: the signed envelope, the per-tag payload layouts and multipart
// chunking with reassembly.
package message

import (
	"errors"
	"fmt"

	"github.com/xaynetwork/xaynet/crypto"
)

// Envelope layout, all multi-byte fields big-endian.
const (
	offSignature     = 0
	offParticipantPK = offSignature + crypto.SignatureLength
	offCoordinatorPK = offParticipantPK + crypto.PublicSigningKeyLength
	offTag           = offCoordinatorPK + crypto.PublicEncryptKeyLength
	offFlags         = offTag + 1
	offReserved      = offFlags + 1

	// HeaderLength is the fixed envelope size before the payload.
	HeaderLength = offReserved + 2
)

// Tag identifies the payload type of a message.
type Tag uint8

const (
	TagSum    Tag = 1
	TagUpdate Tag = 2
	TagSum2   Tag = 3
	TagChunk  Tag = 4
)

func (t Tag) String() string {
	switch t {
	case TagSum:
		return "sum"
	case TagUpdate:
		return "update"
	case TagSum2:
		return "sum2"
	case TagChunk:
		return "chunk"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Flags is the envelope flag byte.
type Flags uint8

// FlagMultipart marks a message whose payload is a chunk of a larger one.
const FlagMultipart Flags = 1 << 0

// Decoding errors.
var (
	ErrTruncated        = errors.New("message: truncated buffer")
	ErrBadLength        = errors.New("message: invalid length field")
	ErrUnsupportedTag   = errors.New("message: unsupported tag")
	ErrReservedNotZero  = errors.New("message: reserved bytes must be zero")
	ErrUnknownFlags     = errors.New("message: unknown flag bits set")
	ErrTrailingBytes    = errors.New("message: trailing bytes after payload")
	ErrInvalidSignature = errors.New("message: invalid message signature")
)

// Header is the fixed part of every message.
type Header struct {
	Signature     crypto.Signature
	ParticipantPK crypto.PublicSigningKey
	CoordinatorPK crypto.PublicEncryptKey
	Tag           Tag
	Flags         Flags
}

// Payload is one of Sum, Update, Sum2 or Chunk.
type Payload interface {
	EncodedLength() int
	appendTo(buf []byte) []byte
}

// Message is a fully parsed PET message.
type Message struct {
	Header  Header
	Payload Payload
}

// Envelope is a frame-checked but not yet parsed message. The signature is
// verified separately from parsing so the expensive check can run on a
// worker pool before payload decoding.
type Envelope struct {
	Header  Header
	payload []byte
	signed  []byte
}

// ParseEnvelope bounds-checks the fixed header fields of a cleartext
// message.
func ParseEnvelope(data []byte) (*Envelope, error) {
	if len(data) < HeaderLength {
		return nil, fmt.Errorf("%w: %d < %d header bytes", ErrTruncated, len(data), HeaderLength)
	}
	if data[offReserved] != 0 || data[offReserved+1] != 0 {
		return nil, ErrReservedNotZero
	}
	tag := Tag(data[offTag])
	if tag < TagSum || tag > TagChunk {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedTag, data[offTag])
	}
	flags := Flags(data[offFlags])
	if flags&^FlagMultipart != 0 {
		return nil, ErrUnknownFlags
	}
	e := &Envelope{
		Header: Header{
			Tag:   tag,
			Flags: flags,
		},
		payload: data[HeaderLength:],
		signed:  data[offParticipantPK:],
	}
	copy(e.Header.Signature[:], data[offSignature:])
	copy(e.Header.ParticipantPK[:], data[offParticipantPK:])
	copy(e.Header.CoordinatorPK[:], data[offCoordinatorPK:])
	return e, nil
}

// VerifySignature checks the envelope signature over everything following
// it, using the participant key embedded in the header.
func (e *Envelope) VerifySignature() error {
	if !crypto.Verify(e.Header.ParticipantPK, e.signed, e.Header.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// Multipart reports whether the payload is a chunk.
func (e *Envelope) Multipart() bool {
	return e.Header.Flags&FlagMultipart != 0
}

// Parse decodes the payload. Multipart envelopes decode into a Chunk
// regardless of the tag; the tag then names the type of the reassembled
// payload.
func (e *Envelope) Parse() (*Message, error) {
	var (
		payload Payload
		err     error
	)
	if e.Multipart() {
		payload, err = decodeChunk(e.payload)
	} else {
		payload, err = ParsePayload(e.Header.Tag, e.payload)
	}
	if err != nil {
		return nil, err
	}
	return &Message{Header: e.Header, Payload: payload}, nil
}

// ParsePayload decodes a non-chunk payload of the given tag, requiring the
// buffer to be consumed exactly.
func ParsePayload(tag Tag, data []byte) (Payload, error) {
	switch tag {
	case TagSum:
		return decodeSum(data)
	case TagUpdate:
		return decodeUpdate(data)
	case TagSum2:
		return decodeSum2(data)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedTag, uint8(tag))
	}
}

// Encode serializes and signs the message with the participant secret key,
// filling in the header signature.
func (m *Message) Encode(secret crypto.SecretSigningKey) []byte {
	buf := make([]byte, 0, HeaderLength+m.Payload.EncodedLength())
	buf = append(buf, make([]byte, crypto.SignatureLength)...)
	buf = append(buf, m.Header.ParticipantPK[:]...)
	buf = append(buf, m.Header.CoordinatorPK[:]...)
	buf = append(buf, byte(m.Header.Tag), byte(m.Header.Flags), 0, 0)
	buf = m.Payload.appendTo(buf)

	sig := crypto.Sign(secret, buf[offParticipantPK:])
	copy(buf[offSignature:], sig[:])
	m.Header.Signature = sig
	return buf
}

// EncryptTo encodes, signs and seals the message to the coordinator round
// public key, producing the bytes sent over the transport.
func (m *Message) EncryptTo(secret crypto.SecretSigningKey, coordinator crypto.PublicEncryptKey) ([]byte, error) {
	return crypto.Seal(coordinator, m.Encode(secret))
}

// EncodePayload serializes a payload without its envelope, as carried
// inside multipart chunks.
func EncodePayload(p Payload) []byte {
	return p.appendTo(nil)
}
