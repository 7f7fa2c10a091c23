// Package cryptosession encrypts message payloads between the identity
// layer's Ed25519 keys and the wire.
//
// Grounded on the Ed25519-identity-persisted-then-used-for-secure-channels
// shape in goop2's p2p.Node (which keeps a libp2p crypto.PrivKey for peer
// identity) combined with golang.org/x/crypto/nacl/box — a dependency the
// teacher already declares (go.mod: golang.org/x/crypto) but never
// exercises; here it is actually wired into a sealed-box payload encryption
// scheme. Only the payload is sealed; envelope routing fields travel in the
// clear, matching the wire contract.
package cryptosession

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"math/big"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	keySize   = 32
	nonceSize = 24
)

// SessionKey is the X25519 keypair derived from this node's Ed25519
// identity, used to seal and open message payloads.
type SessionKey struct {
	pub  *[keySize]byte
	priv *[keySize]byte
}

// PublicKey returns the raw 32-byte X25519 public key.
func (k *SessionKey) PublicKey() *[keySize]byte { return k.pub }

// DeriveFromEd25519 derives an X25519 session keypair from an Ed25519
// identity keypair: the private scalar is the SHA-512 hash of the Ed25519
// seed (standard ed25519-to-curve25519 technique, the same one libsodium's
// crypto_sign_ed25519_sk_to_curve25519 uses), and the public key is the
// scalar's own basepoint multiple — so it is internally consistent by
// construction rather than relying on the birational curve map.
func DeriveFromEd25519(priv ed25519.PrivateKey) (*SessionKey, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key size %d", len(priv))
	}
	h := sha512.Sum512(priv.Seed())

	var scalar [keySize]byte
	copy(scalar[:], h[:keySize])

	pub, err := curve25519ScalarBaseMult(&scalar)
	if err != nil {
		return nil, fmt.Errorf("derive session public key: %w", err)
	}
	return &SessionKey{pub: pub, priv: &scalar}, nil
}

// PeerPublicKeyFromEd25519 converts a remote peer's Ed25519 identity public
// key into the X25519 public key used to seal payloads addressed to them,
// via the standard birational map between the twisted Edwards curve and its
// Montgomery form: u = (1+y)/(1-y) mod p.
func PeerPublicKeyFromEd25519(pub ed25519.PublicKey) (*[keySize]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ed25519 public key size %d", len(pub))
	}

	var yBytes [keySize]byte
	copy(yBytes[:], pub)
	yBytes[31] &= 0x7f // clear the sign bit; only the y-coordinate matters here

	p := edwards25519Prime()
	y := new(big.Int).SetBytes(reverseBytes(yBytes[:]))

	one := big.NewInt(1)
	num := new(big.Int).Mod(new(big.Int).Add(one, y), p)
	den := new(big.Int).Mod(new(big.Int).Sub(one, y), p)

	denInv := new(big.Int).ModInverse(den, p)
	if denInv == nil {
		return nil, fmt.Errorf("public key has no valid curve25519 mapping")
	}
	u := new(big.Int).Mod(new(big.Int).Mul(num, denInv), p)

	var out [keySize]byte
	copy(out[:], reverseBytes(leftPad(u.Bytes(), keySize)))
	return &out, nil
}

// Seal encrypts plaintext for recipientPub using an ephemeral keypair, in
// the style of a libsodium sealed box: the ephemeral public key and nonce
// travel alongside the ciphertext so the recipient needs only their own
// static private key to open it.
func Seal(recipientPub *[keySize]byte, plaintext []byte) ([]byte, error) {
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := box.Seal(nil, plaintext, &nonce, recipientPub, ephPriv)

	out := make([]byte, 0, keySize+nonceSize+len(sealed))
	out = append(out, ephPub[:]...)
	out = append(out, nonce[:]...)
	out = append(out, sealed...)
	return out, nil
}

// ErrDecryptFailed is returned when a sealed payload cannot be opened —
// corrupt ciphertext, wrong recipient, or tampering. The inbound processor
// maps this to NAK reason "decrypt-failed".
var ErrDecryptFailed = fmt.Errorf("cryptosession: decryption failed")

// Open decrypts a payload produced by Seal using this session's private key.
func Open(self *SessionKey, sealed []byte) ([]byte, error) {
	if len(sealed) < keySize+nonceSize {
		return nil, ErrDecryptFailed
	}

	var ephPub [keySize]byte
	copy(ephPub[:], sealed[:keySize])
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[keySize:keySize+nonceSize])
	ciphertext := sealed[keySize+nonceSize:]

	plaintext, ok := box.Open(nil, ciphertext, &nonce, &ephPub, self.priv)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func curve25519ScalarBaseMult(scalar *[keySize]byte) (*[keySize]byte, error) {
	clamped := *scalar
	clamped[0] &= 248
	clamped[31] &= 127
	clamped[31] |= 64

	out, err := curve25519.X25519(clamped[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	var pub [keySize]byte
	copy(pub[:], out)
	return &pub, nil
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b[len(b)-size:]
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

func edwards25519Prime() *big.Int {
	// 2^255 - 19
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	return p.Sub(p, big.NewInt(19))
}
