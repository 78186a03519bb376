package crypto

import (
	"crypto/sha256"
	"encoding/binary"
)

// ComputeAckHash computes the 4-byte ACK hash for a message, matching the
// firmware's method: SHA256(contentData || pubKey) truncated to 4 bytes.
//
// contentData is the raw decrypted content bytes (e.g. for a text message:
// timestamp(4 LE) + flags(1) + text). pubKey is the 32-byte Ed25519 public
// key of the peer the hash is computed against: the sender's key for
// inbound messages, the recipient's key for server-pushed posts.
func ComputeAckHash(contentData []byte, pubKey []byte) uint32 {
	h := sha256.New()
	h.Write(contentData)
	h.Write(pubKey)
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint32(sum[:4])
}
