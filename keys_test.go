package shs

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyPairFromSeed(t *testing.T) {
	kp, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	require.Len(t, []byte(kp.Public), ed25519.PublicKeySize)

	kp2, err := KeyPairFromSeed(kp.Seed())
	require.NoError(t, err)
	require.True(t, bytes.Equal(kp.Public, kp2.Public), "seed roundtrip must give the same identity")
	require.Equal(t, kp.Seed(), kp2.Seed())

	_, err = KeyPairFromSeed(make([]byte, 16))
	require.ErrorIs(t, err, ErrBadKey)
}

func TestCurveConversion(t *testing.T) {
	// An identity key pair converted to curve25519 must still agree on shared
	// secrets, in both directions and against a plain curve25519 key.
	a, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	b, err := GenerateKeyPair(nil)
	require.NoError(t, err)

	aPub, err := curvePublic(a.Public)
	require.NoError(t, err)
	bPub, err := curvePublic(b.Public)
	require.NoError(t, err)
	aPriv := curvePrivate(a.Private)
	bPriv := curvePrivate(b.Private)

	s1, err := sharedSecret(&aPriv, &bPub)
	require.NoError(t, err)
	s2, err := sharedSecret(&bPriv, &aPub)
	require.NoError(t, err)
	require.Equal(t, s1, s2, "X25519 agreement must match after ed25519 conversion")

	_, err = curvePublic(PublicKey(make([]byte, 16)))
	require.ErrorIs(t, err, ErrBadKey)
}

func TestParseNetworkKey(t *testing.T) {
	key, err := ParseNetworkKey("1KHLiKZvAvjbY1ziZEHMXawbCEIM6qwjCDm3VYRan_s")
	require.NoError(t, err)
	require.Equal(t, MainNetwork, key)

	_, err = ParseNetworkKey("not base64!")
	require.ErrorIs(t, err, ErrBadKey)

	_, err = ParseNetworkKey("c2hvcnQ")
	require.ErrorIs(t, err, ErrBadKey)
}

func TestPublicKeyString(t *testing.T) {
	kp, err := KeyPairFromSeed(make([]byte, 32))
	require.NoError(t, err)
	require.Len(t, kp.Public.String(), 43, "base64-raw-url of 32 bytes")
}
