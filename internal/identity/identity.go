// Package identity manages the node's persistent Ed25519 keypair and the
// peer ID derived from it.
//
// Grounded on goop2's loadOrCreateKey: generate-once, persist to disk with
// restrictive permissions, reload on every subsequent start so the node's
// address/identity survives restarts (invariant I6, single active identity).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

const keyFileName = "identity.key"
const keyFileMode = 0o600

// Identity is the node's persistent keypair.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// PeerID returns a stable, human-printable identifier derived from the
// public key — the hex encoding of the raw 32-byte Ed25519 public key.
func (id *Identity) PeerID() string {
	return hex.EncodeToString(id.Public)
}

// LoadOrCreate reads the identity key file under dataDir, generating and
// persisting a new Ed25519 keypair the first time the node starts.
func LoadOrCreate(dataDir string) (*Identity, bool, error) {
	path := filepath.Join(dataDir, keyFileName)

	if data, err := os.ReadFile(path); err == nil {
		priv, perr := parsePrivateKey(data)
		if perr != nil {
			return nil, false, fmt.Errorf("parse identity key %s: %w", path, perr)
		}
		pub, ok := priv.Public().(ed25519.PublicKey)
		if !ok {
			return nil, false, fmt.Errorf("identity key %s: unexpected public key type", path)
		}
		return &Identity{Public: pub, Private: priv}, false, nil
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("read identity key %s: %w", path, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, false, fmt.Errorf("generate identity key: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv)), keyFileMode); err != nil {
		return nil, false, fmt.Errorf("persist identity key %s: %w", path, err)
	}

	return &Identity{Public: pub, Private: priv}, true, nil
}

func parsePrivateKey(data []byte) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("unexpected key length %d", len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}
