package wallet

import (
	"crypto/rand"

	"golang.org/x/crypto/ed25519"
)

// KeyPair is a validator's signing identity: an ed25519 key pair plus the
// derived Address used on the wire.
type KeyPair struct {
	Address Address
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh random key pair, for tests and for
// first-run node bootstrap.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	addr, err := NewAddress(pub)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Address: addr, private: priv}, nil
}

// Sign produces an ed25519 signature of message under this key pair.
func (k *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}
