package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
)

// SealedOverhead is the size added to a plaintext by Seal: the ephemeral
// public key plus the poly1305 authenticator.
const SealedOverhead = PublicEncryptKeyLength + box.Overhead

// ErrSealOpen is returned when a sealed box cannot be decrypted.
var ErrSealOpen = errors.New("crypto: cannot open sealed box")

// Seal encrypts msg to the recipient public key as an anonymous sealed box:
//
//	ephemeral_pk ‖ box(msg, nonce=blake2b-192(ephemeral_pk ‖ recipient_pk))
//
// The layout is the libsodium one, so participants built on libsodium
// interoperate byte for byte.
func Seal(recipient PublicEncryptKey, msg []byte) ([]byte, error) {
	epub, epriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	nonce := sealNonce(*epub, recipient)
	out := make([]byte, 0, len(msg)+SealedOverhead)
	out = append(out, epub[:]...)
	rpk := [PublicEncryptKeyLength]byte(recipient)
	return box.Seal(out, msg, &nonce, &rpk, epriv), nil
}

// SealOpen decrypts a sealed box produced by Seal with the recipient pair.
func SealOpen(pair EncryptKeyPair, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < SealedOverhead {
		return nil, ErrSealOpen
	}
	var epub [PublicEncryptKeyLength]byte
	copy(epub[:], ciphertext[:PublicEncryptKeyLength])
	nonce := sealNonce(epub, pair.Public)
	sk := [SecretEncryptKeyLength]byte(pair.Secret)
	msg, ok := box.Open(nil, ciphertext[PublicEncryptKeyLength:], &nonce, &epub, &sk)
	if !ok {
		return nil, ErrSealOpen
	}
	return msg, nil
}

func sealNonce(epk [PublicEncryptKeyLength]byte, rpk PublicEncryptKey) [24]byte {
	h, _ := blake2b.New(24, nil)
	h.Write(epk[:])
	h.Write(rpk[:])
	var nonce [24]byte
	copy(nonce[:], h.Sum(nil))
	return nonce
}
