package wallet

import (
	"crypto/ed25519"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

// Limits to prevent DoS via oversized inputs
const (
	maxSignatureBase58Len = 128
	maxAddressBase58Len   = 64
)

// PublicKeyFromAddress decodes a base58 address into an ed25519 public key.
func PublicKeyFromAddress(address string) (ed25519.PublicKey, error) {
	if address == "" {
		return nil, errors.New("address cannot be empty")
	}
	if len(address) > maxAddressBase58Len {
		return nil, errors.New("address too long")
	}
	b, err := base58.Decode(address)
	if err != nil {
		return nil, errors.Wrap(err, "decode address")
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, errors.Errorf("invalid address length: expected %d, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// IsValidAddress reports whether address decodes to an ed25519 public key.
func IsValidAddress(address string) bool {
	_, err := PublicKeyFromAddress(address)
	return err == nil
}

// Verify checks a base58 signature of msg under the key behind address.
func Verify(address string, msg []byte, signature string) bool {
	if signature == "" || len(signature) > maxSignatureBase58Len {
		return false
	}
	pub, err := PublicKeyFromAddress(address)
	if err != nil {
		return false
	}
	sig, err := base58.Decode(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
