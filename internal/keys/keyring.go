package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Keyring stores private keys for local identities, one file per identity.
type Keyring struct {
	Dir string
}

type keyFile struct {
	Identity   string `json:"identity"`
	Name       string `json:"name,omitempty"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// DefaultKeyDir returns ~/.wellspring/keys.
func DefaultKeyDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".wellspring", "keys"), nil
}

func (k *Keyring) path(identity string) string {
	return filepath.Join(k.Dir, strings.TrimPrefix(identity, Prefix)+".key")
}

// Save writes the key pair for identity with owner-only permissions.
func (k *Keyring) Save(identity, name string, kp *KeyPair) error {
	if err := os.MkdirAll(k.Dir, 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	data, err := json.MarshalIndent(keyFile{
		Identity:   identity,
		Name:       name,
		PublicKey:  kp.PublicString(),
		PrivateKey: base64.StdEncoding.EncodeToString(kp.Private),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(k.path(identity), data, 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// Load returns the key pair for identity, or nil if the keyring has none.
func (k *Keyring) Load(identity string) (*KeyPair, error) {
	if k == nil || k.Dir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(k.path(identity))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var f keyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	priv, err := base64.StdEncoding.DecodeString(f.PrivateKey)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("key file for %s is corrupt", Short(identity))
	}
	pk := ed25519.PrivateKey(priv)
	return &KeyPair{Public: pk.Public().(ed25519.PublicKey), Private: pk}, nil
}

// Entry describes one stored key without exposing the private half.
type Entry struct {
	Identity  string `json:"identity"`
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}

// List returns every identity the keyring holds a key for, sorted by name.
func (k *Keyring) List() ([]Entry, error) {
	matches, err := filepath.Glob(filepath.Join(k.Dir, "*.key"))
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", m, err)
		}
		var f keyFile
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		out = append(out, Entry{Identity: f.Identity, Name: f.Name, PublicKey: f.PublicKey})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
