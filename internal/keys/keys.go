// Package keys provides content addressing and ed25519 signing for
// wellspring records.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Prefix marks a content id derived from sha256 over canonical JSON.
const Prefix = "cid:sha256:"

// Hash returns the content id of v: the sha256 of its canonical JSON
// encoding. encoding/json sorts map keys and emits struct fields in
// declaration order, so equal values always hash equally.
func Hash(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonical json: %w", err)
	}
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:]), nil
}

// Short returns the hex tail of a content id, suitable for file names and
// log lines.
func Short(id string) string {
	if len(id) > len(Prefix) && id[:len(Prefix)] == Prefix {
		id = id[len(Prefix):]
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// KeyPair is an ed25519 signing key.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a new random key pair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// FromSeed derives a deterministic key pair from a 32-byte seed.
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// PublicString returns the base64 encoding of the public key.
func (k *KeyPair) PublicString() string {
	return EncodePublic(k.Public)
}

// Sign signs a digest (a content id) and returns the base64 signature.
func (k *KeyPair) Sign(digest string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(k.Private, []byte(digest)))
}

// EncodePublic base64-encodes a public key.
func EncodePublic(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublic parses a base64 public key.
func DecodePublic(s string) (ed25519.PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, errors.New("public key has wrong length")
	}
	return ed25519.PublicKey(b), nil
}

// Verify checks a base64 signature over digest against a base64 public key.
func Verify(publicKey, digest, signature string) bool {
	pub, err := DecodePublic(publicKey)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, []byte(digest), sig)
}
