// Package crypto provides the signature, hashing and encoding
// primitives shared by the attestation and transfer paths: Ed25519
// verification over a canonical JSON encoding, blake2b-256 digests,
// and RTC address derivation.
package crypto

import (
	"bytes"
	"crypto/ed25519"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// AddressPrefix marks every RustChain wallet address.
const AddressPrefix = "RTC"

var ErrBadKey = errors.New("crypto: malformed public key")

// CanonicalJSON encodes v deterministically: object keys sorted, no
// insignificant whitespace. Any two nodes encoding the same value
// produce identical bytes, so digests and signatures agree.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// Round-trip through interface{} so encoding/json sorts all map
	// keys. Numbers decode as json.Number, not float64, so integer
	// amounts above 2^53 survive the round trip exactly.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var norm interface{}
	if err := dec.Decode(&norm); err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}

// Digest returns the hex blake2b-256 digest of data.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestJSON digests the canonical encoding of v.
func DigestJSON(v interface{}) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return Digest(b), nil
}

// AddressFromPublicKey derives the wallet address for an Ed25519
// public key: "RTC" followed by the first 40 hex characters of the
// key's blake2b-256 digest.
func AddressFromPublicKey(pub ed25519.PublicKey) string {
	return AddressPrefix + Digest(pub)[:40]
}

// VerifyHex checks sigHex over payload with the hex-encoded Ed25519
// public key. Malformed keys or signatures verify as false.
func VerifyHex(pubHex string, payload []byte, sigHex string) bool {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}

// VerifyJSON verifies sigHex over the canonical encoding of v.
func VerifyJSON(pubHex string, v interface{}, sigHex string) bool {
	payload, err := CanonicalJSON(v)
	if err != nil {
		return false
	}
	return VerifyHex(pubHex, payload, sigHex)
}

// AddressForHexKey derives the wallet address for a hex public key.
func AddressForHexKey(pubHex string) (string, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: %q", ErrBadKey, pubHex)
	}
	return AddressFromPublicKey(ed25519.PublicKey(pub)), nil
}

// Keypair is a convenience wrapper used by tooling and tests.
type Keypair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateKeypair creates a fresh Ed25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keypair{Public: pub, private: priv}, nil
}

// Address returns the wallet address for this keypair.
func (k *Keypair) Address() string {
	return AddressFromPublicKey(k.Public)
}

// PublicHex returns the hex encoding of the public key.
func (k *Keypair) PublicHex() string {
	return hex.EncodeToString(k.Public)
}

// SignJSON signs the canonical encoding of v, returning hex.
func (k *Keypair) SignJSON(v interface{}) (string, error) {
	payload, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ed25519.Sign(k.private, payload)), nil
}
