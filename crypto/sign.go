package crypto

import "crypto/ed25519"

// Sign returns the detached signature over msg.
func Sign(secret SecretSigningKey, msg []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(secret[:], msg))
	return sig
}

// Verify reports whether sig is a valid signature over msg by the holder of pk.
func Verify(pk PublicSigningKey, msg []byte, sig Signature) bool {
	return ed25519.Verify(pk[:], msg, sig[:])
}
