package shs

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"io"
	"runtime"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

// PublicKey is a 32-byte ed25519 public key serving as the long-term identity
// of a party, local or remote.
type PublicKey []byte

// String returns a base64-raw-url-encoded version of the public key.
func (k PublicKey) String() string {
	return base64.RawURLEncoding.EncodeToString(k)
}

// KeyPair is a long-term ed25519 identity key pair.
type KeyPair struct {
	Public  PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a new identity key pair. If random is nil, Reader
// from crypto/rand is used.
func GenerateKeyPair(random io.Reader) (*KeyPair, error) {
	if random == nil {
		random = rand.Reader
	}
	pub, priv, err := ed25519.GenerateKey(random)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: PublicKey(pub), Private: priv}, nil
}

// KeyPairFromSeed derives an identity key pair from a 32-byte ed25519 seed.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, prefixError(ErrBadKey, "got %d bytes, expected %d bytes", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := make(PublicKey, ed25519.PublicKeySize)
	copy(pub, priv[32:])
	return &KeyPair{Public: pub, Private: priv}, nil
}

// Seed returns the 32-byte seed the private key was derived from, in the form
// stored in ".shs/identity" files.
func (kp *KeyPair) Seed() []byte {
	return kp.Private.Seed()
}

// NetworkKey is the fixed 32-byte key scoping handshakes to one overlay
// network. Hello messages are authenticated with it, so two parties can only
// complete a handshake when both hold the same network key.
type NetworkKey [32]byte

// MainNetwork is the network key of the main Scuttlebutt network.
var MainNetwork = NetworkKey{
	0xd4, 0xa1, 0xcb, 0x88, 0xa6, 0x6f, 0x02, 0xf8,
	0xdb, 0x63, 0x5c, 0xe2, 0x64, 0x41, 0xcc, 0x5d,
	0xac, 0x1b, 0x08, 0x42, 0x0c, 0xea, 0xac, 0x23,
	0x08, 0x39, 0xb7, 0x55, 0x84, 0x5a, 0x9f, 0xfb,
}

// ParseNetworkKey parses a base64-raw-url-encoded 32-byte network key.
func ParseNetworkKey(s string) (NetworkKey, error) {
	var key NetworkKey
	buf, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return key, prefixError(ErrBadKey, "bad base64-raw-url for network key: %s", err)
	}
	if len(buf) != len(key) {
		return key, prefixError(ErrBadKey, "got %d bytes, expected %d bytes", len(buf), len(key))
	}
	copy(key[:], buf)
	wipe(buf)
	return key, nil
}

// curvePublic converts an ed25519 public key to its curve25519 equivalent for
// key agreement.
func curvePublic(pub PublicKey) ([32]byte, error) {
	var out [32]byte
	if len(pub) != ed25519.PublicKeySize {
		return out, prefixError(ErrBadKey, "got %d bytes, expected %d bytes", len(pub), ed25519.PublicKeySize)
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return out, prefixError(ErrBadKey, "public key not on curve: %s", err)
	}
	copy(out[:], p.BytesMontgomery())
	return out, nil
}

// curvePrivate converts an ed25519 private key to the curve25519 scalar used
// in key agreement, the standard SHA-512 seed expansion with clamping.
func curvePrivate(priv ed25519.PrivateKey) [32]byte {
	h := sha512.Sum512(priv.Seed())
	var out [32]byte
	copy(out[:], h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	wipe(h[:])
	return out
}

// sharedSecret performs X25519 key agreement between a curve25519 private and
// public key.
func sharedSecret(priv, pub *[32]byte) ([32]byte, error) {
	var out [32]byte
	s, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], s)
	wipe(s)
	return out, nil
}

// wipe overwrites sensitive key material.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
