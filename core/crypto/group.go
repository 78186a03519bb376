package crypto

import (
	"crypto/sha256"
)

// ComputeChannelHash computes the MeshCore channel hash from a shared key.
// The channel hash is the first byte of SHA256(key).
func ComputeChannelHash(sharedKey []byte) uint8 {
	hash := sha256.Sum256(sharedKey)
	return hash[0]
}

// EncryptGroupMessage encrypts plaintext for a MeshCore GRP_TXT message.
// Uses AES-128 ECB encryption followed by HMAC-SHA256 (truncated to 2 bytes).
// Returns ciphertext with MAC prepended. Key must be 16 or 32 bytes.
func EncryptGroupMessage(plaintext, sharedKey []byte) ([]byte, error) {
	if len(sharedKey) != 16 && len(sharedKey) != 32 {
		return nil, ErrInvalidKeySize
	}
	return encryptThenMAC(sharedKey, plaintext)
}

// DecryptGroupMessage decrypts a MeshCore GRP_TXT message.
// Expects data with MAC prepended. Key must be 16 or 32 bytes.
func DecryptGroupMessage(data, sharedKey []byte) ([]byte, error) {
	if len(sharedKey) != 16 && len(sharedKey) != 32 {
		return nil, ErrInvalidKeySize
	}
	return macThenDecrypt(sharedKey, data)
}
