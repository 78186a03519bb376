// Package crypto implements the MeshCore cryptographic primitives: Ed25519
// node identities, X25519 ECDH shared secrets, the AES-128-ECB +
// HMAC-SHA256 payload cipher, truncated ACK hashes, advert signatures, and
// the group channel cipher.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

var (
	ErrInvalidPubKeySize  = errors.New("invalid public key size: expected 32 bytes")
	ErrInvalidPrivKeySize = errors.New("invalid private key size: expected 64 bytes")

	// ErrReservedKeyHash describes a public key whose first byte is a
	// reserved path-hash value. GenerateNodeKeyPair does not return it: after
	// reservedHashRetries attempts it accepts the last candidate.
	ErrReservedKeyHash = errors.New("generated key has reserved hash byte")
)

// reservedHashRetries is how many times GenerateNodeKeyPair retries before
// accepting a key with a reserved first byte.
const reservedHashRetries = 10

// KeyPair holds an Ed25519 key pair used for MeshCore node identity.
type KeyPair struct {
	PublicKey  ed25519.PublicKey  // 32 bytes
	PrivateKey ed25519.PrivateKey // 64 bytes
}

// GenerateKeyPair generates a new Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// GenerateNodeKeyPair generates an Ed25519 key pair suitable for a node
// identity: public keys starting with 0x00 or 0xFF collide with reserved
// path-hash slots and are rejected. Retries up to 10 times before giving up
// and accepting the last candidate anyway (the firmware does the same).
func GenerateNodeKeyPair() (*KeyPair, error) {
	var kp *KeyPair
	var err error
	for range reservedHashRetries {
		kp, err = GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		if kp.PublicKey[0] != 0x00 && kp.PublicKey[0] != 0xFF {
			return kp, nil
		}
	}
	return kp, nil
}

// KeyPairFromPrivateKey reconstructs a KeyPair from a 64-byte Ed25519 private key.
// The public key is extracted from the last 32 bytes of the private key.
func KeyPairFromPrivateKey(privKey []byte) (*KeyPair, error) {
	if len(privKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivKeySize
	}
	priv := ed25519.PrivateKey(make([]byte, ed25519.PrivateKeySize))
	copy(priv, privKey)
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// Hash returns the first byte of the public key, used for routing in MeshCore.
func (kp *KeyPair) Hash() uint8 {
	return kp.PublicKey[0]
}

// Ed25519PubKeyToX25519 converts an Ed25519 public key to its X25519
// (Curve25519) equivalent, for ECDH key exchange with MeshCore nodes.
func Ed25519PubKeyToX25519(edPubKey []byte) ([]byte, error) {
	point, err := new(edwards25519.Point).SetBytes(edPubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	return point.BytesMontgomery(), nil
}

// Ed25519PrivKeyToX25519 converts an Ed25519 private key to its X25519
// equivalent. Follows RFC 8032: SHA-512 the seed, then clamp.
func Ed25519PrivKeyToX25519(edPrivKey ed25519.PrivateKey) ([]byte, error) {
	if len(edPrivKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivKeySize
	}

	seed := edPrivKey.Seed()
	h := sha512.Sum512(seed)

	// Clamp: clear lowest 3 bits, clear bit 255, set bit 254
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	return h[:32], nil
}

// ComputeSharedSecret derives a shared secret from a local Ed25519 private
// key and a remote Ed25519 public key using X25519 ECDH.
func ComputeSharedSecret(localPrivKey ed25519.PrivateKey, remotePubKey []byte) ([]byte, error) {
	if len(remotePubKey) != ed25519.PublicKeySize {
		return nil, ErrInvalidPubKeySize
	}

	x25519Priv, err := Ed25519PrivKeyToX25519(localPrivKey)
	if err != nil {
		return nil, fmt.Errorf("failed to convert private key: %w", err)
	}

	x25519Pub, err := Ed25519PubKeyToX25519(remotePubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to convert public key: %w", err)
	}

	secret, err := curve25519.X25519(x25519Priv, x25519Pub)
	if err != nil {
		return nil, fmt.Errorf("ECDH failed: %w", err)
	}

	return secret, nil
}

// RandomBytes fills a fresh buffer of the given size from the system RNG.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("rng failed: %w", err)
	}
	return buf, nil
}
