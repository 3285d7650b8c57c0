// Package crypto holds the key material and primitives used by the PET
// protocol: ed25519 signing keys, X25519 encryption keys, sealed boxes and
// the task eligibility check.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

const (
	// PublicSigningKeyLength is the byte length of a participant signing key.
	PublicSigningKeyLength = 32
	// SecretSigningKeyLength is the byte length of an ed25519 expanded secret key.
	SecretSigningKeyLength = 64
	// PublicEncryptKeyLength is the byte length of an X25519 public key.
	PublicEncryptKeyLength = 32
	// SecretEncryptKeyLength is the byte length of an X25519 secret key.
	SecretEncryptKeyLength = 32
	// SignatureLength is the byte length of an ed25519 signature.
	SignatureLength = 64
)

// PublicSigningKey identifies a participant on the wire.
type PublicSigningKey [PublicSigningKeyLength]byte

// SecretSigningKey is the ed25519 secret half of a signing pair.
type SecretSigningKey [SecretSigningKeyLength]byte

// PublicEncryptKey is an X25519 public key, used for sealed boxes.
type PublicEncryptKey [PublicEncryptKeyLength]byte

// SecretEncryptKey is an X25519 secret key.
type SecretEncryptKey [SecretEncryptKeyLength]byte

// Signature is a detached ed25519 signature.
type Signature [SignatureLength]byte

// SigningKeyPair is a participant or task signing pair.
type SigningKeyPair struct {
	Public PublicSigningKey
	Secret SecretSigningKey
}

// EncryptKeyPair is a coordinator round pair or a sum participant's
// ephemeral pair.
type EncryptKeyPair struct {
	Public PublicEncryptKey
	Secret SecretEncryptKey
}

// GenerateSigningKeyPair returns a fresh ed25519 pair.
func GenerateSigningKeyPair() (SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKeyPair{}, fmt.Errorf("generating signing key pair: %w", err)
	}
	var pair SigningKeyPair
	copy(pair.Public[:], pub)
	copy(pair.Secret[:], priv)
	return pair, nil
}

// GenerateEncryptKeyPair returns a fresh X25519 pair.
func GenerateEncryptKeyPair() (EncryptKeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return EncryptKeyPair{}, fmt.Errorf("generating encrypt key pair: %w", err)
	}
	return EncryptKeyPair{Public: PublicEncryptKey(*pub), Secret: SecretEncryptKey(*priv)}, nil
}

func (p PublicSigningKey) String() string { return hex.EncodeToString(p[:]) }
func (p PublicEncryptKey) String() string { return hex.EncodeToString(p[:]) }
func (s Signature) String() string        { return hex.EncodeToString(s[:]) }

// MarshalText implements encoding.TextMarshaler so keys serialize as hex in
// JSON and TOML documents.
func (p PublicSigningKey) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(p[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PublicSigningKey) UnmarshalText(text []byte) error {
	return decodeHexInto(p[:], text)
}

func (p PublicEncryptKey) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(p[:])), nil
}

func (p *PublicEncryptKey) UnmarshalText(text []byte) error {
	return decodeHexInto(p[:], text)
}

func (s SecretEncryptKey) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(s[:])), nil
}

func (s *SecretEncryptKey) UnmarshalText(text []byte) error {
	return decodeHexInto(s[:], text)
}

func (s Signature) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(s[:])), nil
}

func (s *Signature) UnmarshalText(text []byte) error {
	return decodeHexInto(s[:], text)
}

func decodeHexInto(dst, text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decoding hex key: %w", err)
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("decoding hex key: got %d bytes, want %d", len(raw), len(dst))
	}
	copy(dst, raw)
	return nil
}
