package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

// Signer is what the node core needs from key management.
type Signer interface {
	Address() string
	Sign(msg []byte) string
}

// Wallet holds one ed25519 key pair. The address is the base58 public key.
type Wallet struct {
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	address string
}

func New(priv ed25519.PrivateKey) *Wallet {
	pub := priv.Public().(ed25519.PublicKey)
	return &Wallet{
		priv:    priv,
		pub:     pub,
		address: base58.Encode(pub),
	}
}

// Generate creates a wallet from a fresh random key.
func Generate() (*Wallet, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate ed25519 key")
	}
	return New(priv), nil
}

func (w *Wallet) Address() string {
	return w.address
}

func (w *Wallet) PublicKey() ed25519.PublicKey {
	return w.pub
}

// Sign returns the base58 encoded ed25519 signature of msg.
func (w *Wallet) Sign(msg []byte) string {
	return base58.Encode(ed25519.Sign(w.priv, msg))
}

// LoadKeyFile reads a hex encoded ed25519 private key (64 bytes) or seed (32 bytes).
func LoadKeyFile(path string) (*Wallet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read key file %s", path)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, errors.Wrap(err, "decode key hex")
	}
	switch len(key) {
	case ed25519.PrivateKeySize:
		return New(ed25519.PrivateKey(key)), nil
	case ed25519.SeedSize:
		return New(ed25519.NewKeyFromSeed(key)), nil
	default:
		return nil, errors.Errorf("invalid key length: expected %d or %d bytes, got %d", ed25519.PrivateKeySize, ed25519.SeedSize, len(key))
	}
}

// SaveKeyFile writes the private key as hex with owner-only permissions.
func (w *Wallet) SaveKeyFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "create key dir")
	}
	return errors.Wrap(os.WriteFile(path, []byte(hex.EncodeToString(w.priv)), 0o600), "write key file")
}

// LoadOrGenerate loads the key at path, creating and saving a new one if the file does not exist.
func LoadOrGenerate(path string) (*Wallet, bool, error) {
	if _, err := os.Stat(path); err == nil {
		w, err := LoadKeyFile(path)
		return w, false, err
	} else if !os.IsNotExist(err) {
		return nil, false, errors.Wrap(err, "stat key file")
	}
	w, err := Generate()
	if err != nil {
		return nil, false, err
	}
	if err := w.SaveKeyFile(path); err != nil {
		return nil, false, err
	}
	return w, true, nil
}
