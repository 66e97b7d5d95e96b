// Package neartx implements the chain's canonical transaction format:
// borsh-serialized transactions signed with Ed25519 over the SHA-256 digest
// of the serialization. Field order and integer widths follow the protocol
// schema bit-exact.
package neartx

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// KeyTypeED25519 is the only key type the gateway signs with.
const KeyTypeED25519 uint8 = 0

const ed25519Prefix = "ed25519:"

// KeyPair is an Ed25519 signing key with its public half.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair creates a new random Ed25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// ParsePrivateKey parses an `ed25519:<base58>` private key string. The
// payload is either the 64-byte expanded key (seed followed by public key,
// the chain tooling's export format) or a bare 32-byte seed.
func ParsePrivateKey(s string) (KeyPair, error) {
	payload, err := decodeKeyPayload(s)
	if err != nil {
		return KeyPair{}, err
	}
	switch len(payload) {
	case ed25519.PrivateKeySize:
		priv := ed25519.PrivateKey(payload)
		derived := ed25519.NewKeyFromSeed(payload[:ed25519.SeedSize])
		if !bytes.Equal(derived, priv) {
			return KeyPair{}, fmt.Errorf("private key public half does not match its seed")
		}
		return KeyPair{PublicKey: priv.Public().(ed25519.PublicKey), PrivateKey: priv}, nil
	case ed25519.SeedSize:
		priv := ed25519.NewKeyFromSeed(payload)
		return KeyPair{PublicKey: priv.Public().(ed25519.PublicKey), PrivateKey: priv}, nil
	default:
		return KeyPair{}, fmt.Errorf("private key payload must be 32 or 64 bytes, got %d", len(payload))
	}
}

// ParsePublicKey parses an `ed25519:<base58>` public key into its wire form.
func ParsePublicKey(s string) (PublicKey, error) {
	payload, err := decodeKeyPayload(s)
	if err != nil {
		return PublicKey{}, err
	}
	if len(payload) != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("public key payload must be 32 bytes, got %d", len(payload))
	}
	var pk PublicKey
	pk.KeyType = KeyTypeED25519
	copy(pk.Data[:], payload)
	return pk, nil
}

func decodeKeyPayload(s string) ([]byte, error) {
	rest, ok := strings.CutPrefix(s, ed25519Prefix)
	if !ok {
		return nil, fmt.Errorf("key must start with %q", ed25519Prefix)
	}
	payload, err := base58.Decode(rest)
	if err != nil {
		return nil, fmt.Errorf("decode base58 key: %w", err)
	}
	return payload, nil
}

// PublicKeyString renders the public half in `ed25519:<base58>` form, the
// representation used in RPC queries and configuration.
func (k KeyPair) PublicKeyString() string {
	return ed25519Prefix + base58.Encode(k.PublicKey)
}

// PrivateKeyString renders the expanded private key in `ed25519:<base58>`
// form.
func (k KeyPair) PrivateKeyString() string {
	return ed25519Prefix + base58.Encode(k.PrivateKey)
}

// WirePublicKey converts the public half into its borsh wire form.
func (k KeyPair) WirePublicKey() PublicKey {
	var pk PublicKey
	pk.KeyType = KeyTypeED25519
	copy(pk.Data[:], k.PublicKey)
	return pk
}

// String renders the key in `ed25519:<base58>` form.
func (p PublicKey) String() string {
	return ed25519Prefix + base58.Encode(p.Data[:])
}

// EncodeHash renders a 32-byte hash the way the node's JSON-RPC does.
func EncodeHash(h [32]byte) string {
	return base58.Encode(h[:])
}

// DecodeHash parses a base58 block or transaction hash.
func DecodeHash(s string) ([32]byte, error) {
	var h [32]byte
	raw, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("decode base58 hash: %w", err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("hash must be 32 bytes, got %d", len(raw))
	}
	copy(h[:], raw)
	return h, nil
}
