// Package core implements the end-to-end encryption trust chain engine:
// block serialization/verification, the local user/device and group state
// machines, resource-key resolution, and streaming AEAD encryption.
//
// Cryptographic primitives mirror the teacher's security.go dispatch
// (Sign/Verify/Encrypt/Decrypt) but are narrowed to the algorithms this
// engine actually uses: Ed25519 for every signature, XChaCha20-Poly1305 for
// every AEAD operation, NaCl sealed boxes for key-publish payloads, and
// HKDF-SHA256 for sub-key derivation.
package core

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"

	"golang.org/x/crypto/chacha20poly1305"
)

// randomBytes fills and returns n cryptographically-random bytes.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(crand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// hashGeneric is the engine's single hash primitive (SHA-256), used for
// block hashes, device ids, and Merkle-free content addressing alike.
func hashGeneric(parts ...[]byte) Hash {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// hashBlock computes H(nature ‖ author ‖ payload) per §3 invariant 1.
func hashBlock(nature Nature, author Hash, payload []byte) Hash {
	var natureBuf [8]byte
	binary.LittleEndian.PutUint64(natureBuf[:], uint64(nature))
	return hashGeneric(natureBuf[:], author[:], payload)
}

//---------------------------------------------------------------------
// Ed25519 signing
//---------------------------------------------------------------------

// GenerateSigningKeyPair returns a fresh Ed25519 keypair.
func GenerateSigningKeyPair() (pub PublicKey, priv ed25519.PrivateKey, err error) {
	p, s, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return PublicKey{}, nil, err
	}
	copy(pub[:], p)
	return pub, s, nil
}

// Sign signs msg with an Ed25519 private key.
func Sign(priv ed25519.PrivateKey, msg []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(priv, msg))
	return sig
}

// Verify checks an Ed25519 signature.
func Verify(pub PublicKey, msg []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig[:])
}

//---------------------------------------------------------------------
// X25519 encryption keypairs (used both for AEAD key wrapping via sealed
// boxes, and as the basis for Diffie-Hellman agreement).
//---------------------------------------------------------------------

// GenerateEncryptionKeyPair returns a fresh X25519 keypair.
func GenerateEncryptionKeyPair() (pub PublicKey, priv PrivateKey, err error) {
	p, s, err := box.GenerateKey(crand.Reader)
	if err != nil {
		return PublicKey{}, PrivateKey{}, err
	}
	return PublicKey(*p), PrivateKey(*s), nil
}

// derivePublicFromPrivate recomputes the X25519 public key for priv.
func derivePublicFromPrivate(priv PrivateKey) PublicKey {
	var pub PublicKey
	curve25519.ScalarBaseMult((*[32]byte)(&pub), (*[32]byte)(&priv))
	return pub
}

//---------------------------------------------------------------------
// Sealed boxes — anonymous encryption to a recipient's X25519 public key.
// Used by the key-publish planner to seal resource keys and by group
// blocks to seal group private keys to member user-keys.
//---------------------------------------------------------------------

// SealBox anonymously encrypts msg to recipientPub; only the holder of the
// matching private key can open it (NaCl box "sealed box" construction).
func SealBox(recipientPub PublicKey, msg []byte) ([]byte, error) {
	pk := [32]byte(recipientPub)
	out, err := box.SealAnonymous(nil, msg, &pk, crand.Reader)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OpenSealedBox opens a blob produced by SealBox.
func OpenSealedBox(recipientPub PublicKey, recipientPriv PrivateKey, blob []byte) ([]byte, error) {
	pk := [32]byte(recipientPub)
	sk := [32]byte(recipientPriv)
	out, ok := box.OpenAnonymous(nil, blob, &pk, &sk)
	if !ok {
		return nil, WrapError(ErrDecryptionFailed, "sealed box open failed", errors.New("authentication failed"))
	}
	return out, nil
}

//---------------------------------------------------------------------
// XChaCha20-Poly1305 AEAD — resource-key wrapping between two raw
// symmetric keys, and the streaming encryptor's per-chunk cipher.
//---------------------------------------------------------------------

// AEADEncrypt returns nonce‖ciphertext‖tag using XChaCha20-Poly1305.
func AEADEncrypt(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, NewError(ErrInvalidArgument, "key must be 32 bytes")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return append(nonce, ct...), nil
}

// AEADDecrypt verifies and opens a blob produced by AEADEncrypt.
func AEADDecrypt(key, blob, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, NewError(ErrInvalidArgument, "key must be 32 bytes")
	}
	minLen := chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(blob) < minLen {
		return nil, NewError(ErrInvalidEncryptionFormat, "ciphertext too short")
	}
	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, WrapError(ErrDecryptionFailed, "aead open failed", err)
	}
	return pt, nil
}

// NewSymmetricKey returns a fresh random 32-byte AEAD key.
func NewSymmetricKey() ([]byte, error) { return randomBytes(chacha20poly1305.KeySize) }

//---------------------------------------------------------------------
// HKDF-SHA256 derivation — per-chunk stream sub-keys and the local safe's
// user-secret.
//---------------------------------------------------------------------

// deriveSubKey derives a chunk-indexed AEAD key from a resource key.
func deriveSubKey(resourceKey []byte, chunkIndex uint64) ([]byte, error) {
	var info [8]byte
	binary.BigEndian.PutUint64(info[:], chunkIndex)
	r := hkdf.New(sha256.New, resourceKey, nil, info[:])
	out := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// deriveUserSecret derives the local safe's encryption-at-rest secret from
// (trustchainId, userId), never transmitted (§5).
func deriveUserSecret(trustchainId TrustchainId, userId UserId) ([]byte, error) {
	r := hkdf.New(sha256.New, append(trustchainId[:], userId[:]...), nil, []byte("trustchain-safe-secret"))
	out := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// deviceSigningKey reconstitutes an ed25519.PrivateKey from a device's
// stored 32-byte seed, the form every keypair in this package is persisted
// in (SafeDeviceKeys, SafeUserKey, group keypairs all store the seed only).
func deviceSigningKey(d SafeDeviceKeys) ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(d.SignaturePrivateKey[:])
}

// signingKeyFromSeed reconstitutes an ed25519.PrivateKey from a raw 32-byte
// seed, used for group signature keys stored the same way.
func signingKeyFromSeed(seed PrivateKey) ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(seed[:])
}

// constantTimeEqual avoids timing side channels on small secret comparisons.
func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
