// Package wallet provides the validator address type used throughout the
// BFT and gateway packages: an ed25519 public key rendered as a base58check
// string, together with the signature verification the handshake relies on.
package wallet

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/decred/base58"
	"golang.org/x/crypto/ed25519"
)

// AddressPrefix is prepended to every encoded address so that every
// base58-encoded address begins "e8oAQ2E...", mirroring the DUSKpub convention.
var AddressPrefix = big.NewInt(0x265CC558)

// Address wraps an ed25519 public key. It is the unit of committee
// membership: BatchHeader authors, certificate signers and gateway peers are
// all identified by their Address. The key is held as a fixed-size array
// rather than ed25519.PublicKey's native []byte so that Address stays
// comparable and usable as a map key throughout the gateway and storage
// layers.
type Address struct {
	key [ed25519.PublicKeySize]byte
}

// NewAddress wraps a raw 32-byte ed25519 public key.
func NewAddress(pub []byte) (Address, error) {
	if len(pub) != ed25519.PublicKeySize {
		return Address{}, errors.New("wallet: public key must be 32 bytes")
	}
	var a Address
	copy(a.key[:], pub)
	return a, nil
}

// Bytes returns the raw public key bytes.
func (a Address) Bytes() []byte {
	out := make([]byte, ed25519.PublicKeySize)
	copy(out, a.key[:])
	return out
}

// Equal reports whether two addresses wrap the same public key.
func (a Address) Equal(other Address) bool {
	return a.key == other.key
}

// Verify checks an ed25519 signature of message under this address.
func (a Address) Verify(message, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(a.key[:]), message, sig)
}

// String renders the base58check encoding of the address, prefixed so that
// it is visually distinguishable from a raw key.
func (a Address) String() string {
	s, err := keyToAddress(AddressPrefix, a.key[:], 2)
	if err != nil {
		return ""
	}
	return s
}

func keyToAddress(prefix *big.Int, pub []byte, padding int) (string, error) {
	buf := new(bytes.Buffer)
	buf.Write(prefix.Bytes())
	buf.Write(make([]byte, padding))
	buf.Write(pub)

	sum, err := checksum(pub)
	if err != nil {
		return "", err
	}
	buf.Write(sum)

	return base58.Encode(buf.Bytes()), nil
}

func checksum(data []byte) ([]byte, error) {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:4], nil
}

// Uint64FromAddress derives a deterministic, non-cryptographic ordering key
// from an address; used by components that need a stable tie-breaker
// (e.g. shuffling a committee deterministically in tests).
func Uint64FromAddress(a Address) uint64 {
	h := sha256.Sum256(a.key[:])
	return binary.LittleEndian.Uint64(h[:8])
}
