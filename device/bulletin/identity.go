package bulletin

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"

	"github.com/kabili207/meshboard-go/core/crypto"
	"github.com/kabili207/meshboard-go/device/storage"
)

// IdentityFile is the logical blob name for the node's long-term identity.
const IdentityFile = "/identity"

// LoadOrCreateIdentity loads this node's long-term Ed25519 identity from the
// store, or generates and persists a fresh one on first boot. Generated keys
// avoid the reserved path-hash bytes (0x00, 0xFF).
func LoadOrCreateIdentity(store storage.BlobStore, logger *slog.Logger) (*crypto.KeyPair, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.WithGroup("identity")

	if store.Exists(IdentityFile) {
		data, err := store.ReadAll(IdentityFile)
		if err == nil && len(data) == ed25519.PrivateKeySize {
			kp, err := crypto.KeyPairFromPrivateKey(data)
			if err == nil {
				log.Info("loaded node identity", "pubkey", fmt.Sprintf("%x", kp.PublicKey))
				return kp, nil
			}
		}
		log.Warn("stored identity unusable, generating a new one", "error", err)
	}

	kp, err := crypto.GenerateNodeKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating identity: %w", err)
	}
	if err := store.WriteAll(IdentityFile, kp.PrivateKey); err != nil {
		return nil, fmt.Errorf("persisting identity: %w", err)
	}

	log.Info("created node identity", "pubkey", fmt.Sprintf("%x", kp.PublicKey))
	return kp, nil
}
