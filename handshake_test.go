package shs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// runHandshake performs a complete handshake between a fresh client and
// server, delivering wire bytes in pieces of fragment bytes (or whole
// messages when fragment is 0), and returns both completed sides.
func runHandshake(t *testing.T, fragment int) (*ClientHandshake, *ServerHandshake, *KeyPair, *KeyPair) {
	t.Helper()

	ckey, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	skey, err := GenerateKeyPair(nil)
	require.NoError(t, err)

	client, err := NewClientHandshake(ckey, skey.Public, MainNetwork, nil)
	require.NoError(t, err)
	server, err := NewServerHandshake(skey, MainNetwork, nil, nil)
	require.NoError(t, err)

	feed := func(deliver func([]byte) ([]byte, bool, error), msg []byte) (reply []byte, done bool) {
		t.Helper()
		n := fragment
		if n <= 0 {
			n = len(msg)
		}
		for len(msg) > 0 {
			if n > len(msg) {
				n = len(msg)
			}
			r, d, err := deliver(msg[:n])
			require.NoError(t, err)
			reply = append(reply, r...)
			done = d
			msg = msg[n:]
		}
		return reply, done
	}

	serverHello, done := feed(server.Deliver, client.HelloMessage())
	require.False(t, done)
	require.Len(t, serverHello, helloSize)

	authenticate, done := feed(client.Deliver, serverHello)
	require.False(t, done)
	require.Len(t, authenticate, authenticateSize)

	accept, done := feed(server.Deliver, authenticate)
	require.True(t, done)
	require.Len(t, accept, acceptSize)

	reply, done := feed(client.Deliver, accept)
	require.True(t, done)
	require.Empty(t, reply)

	return client, server, ckey, skey
}

func TestHandshake(t *testing.T) {
	client, server, ckey, skey := runHandshake(t, 0)

	require.Equal(t, []byte(skey.Public), []byte(client.RemoteStatic()))
	remote, err := server.RemoteStatic()
	require.NoError(t, err)
	require.Equal(t, []byte(ckey.Public), []byte(remote))

	ckeys, err := client.SessionKeys()
	require.NoError(t, err)
	skeys, err := server.SessionKeys()
	require.NoError(t, err)

	// Each direction of the stream must line up crosswise.
	require.Equal(t, ckeys.SendKey, skeys.RecvKey)
	require.Equal(t, ckeys.RecvKey, skeys.SendKey)
	require.Equal(t, ckeys.SendNonce, skeys.RecvNonce)
	require.Equal(t, ckeys.RecvNonce, skeys.SendNonce)
	require.NotEqual(t, ckeys.SendKey, ckeys.RecvKey, "directions must use distinct keys")
}

func TestHandshakeFragmented(t *testing.T) {
	// Byte-by-byte delivery must behave identically to whole messages.
	runHandshake(t, 1)
}

func TestHandshakeIncomplete(t *testing.T) {
	skey, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	server, err := NewServerHandshake(skey, MainNetwork, nil, nil)
	require.NoError(t, err)

	// A partial hello produces no reply and no progress.
	reply, done, err := server.Deliver(make([]byte, helloSize-1))
	require.NoError(t, err)
	require.False(t, done)
	require.Empty(t, reply)

	_, err = server.SessionKeys()
	require.ErrorIs(t, err, ErrNoHandshake)
	_, err = server.RemoteStatic()
	require.ErrorIs(t, err, ErrNoHandshake)
}

func TestHandshakeLeftover(t *testing.T) {
	ckey, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	skey, err := GenerateKeyPair(nil)
	require.NoError(t, err)

	client, err := NewClientHandshake(ckey, skey.Public, MainNetwork, nil)
	require.NoError(t, err)
	server, err := NewServerHandshake(skey, MainNetwork, nil, nil)
	require.NoError(t, err)

	serverHello, _, err := server.Deliver(client.HelloMessage())
	require.NoError(t, err)
	authenticate, _, err := client.Deliver(serverHello)
	require.NoError(t, err)
	accept, done, err := server.Deliver(authenticate)
	require.NoError(t, err)
	require.True(t, done)

	// Stream bytes concatenated to the final handshake message must be
	// preserved for the box stream.
	stream := []byte("first frame bytes")
	_, done, err = client.Deliver(append(append([]byte{}, accept...), stream...))
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, stream, client.Buffered())

	// Chunks delivered after completion are stream bytes too and must end up
	// in the buffer, not be dropped.
	more := []byte(" and more")
	reply, done, err := client.Deliver(more)
	require.NoError(t, err)
	require.True(t, done)
	require.Empty(t, reply)
	require.Equal(t, append(append([]byte{}, stream...), more...), client.Buffered())
}

func TestHandshakeWrongNetwork(t *testing.T) {
	ckey, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	skey, err := GenerateKeyPair(nil)
	require.NoError(t, err)

	other := MainNetwork
	other[0] ^= 0xff

	client, err := NewClientHandshake(ckey, skey.Public, other, nil)
	require.NoError(t, err)
	server, err := NewServerHandshake(skey, MainNetwork, nil, nil)
	require.NoError(t, err)

	_, _, err = server.Deliver(client.HelloMessage())
	require.ErrorIs(t, err, ErrHandshakeFailed)
	var hserr *HandshakeError
	require.True(t, errors.As(err, &hserr))
	require.Equal(t, StepClientHello, hserr.Step)

	// A failed handshake stays failed.
	_, _, err2 := server.Deliver(nil)
	require.Equal(t, err, err2)
}

func TestHandshakeCorruptAccept(t *testing.T) {
	ckey, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	skey, err := GenerateKeyPair(nil)
	require.NoError(t, err)

	client, err := NewClientHandshake(ckey, skey.Public, MainNetwork, nil)
	require.NoError(t, err)
	server, err := NewServerHandshake(skey, MainNetwork, nil, nil)
	require.NoError(t, err)

	serverHello, _, err := server.Deliver(client.HelloMessage())
	require.NoError(t, err)
	authenticate, _, err := client.Deliver(serverHello)
	require.NoError(t, err)
	accept, _, err := server.Deliver(authenticate)
	require.NoError(t, err)

	accept[0] ^= 0xff
	_, _, err = client.Deliver(accept)
	require.ErrorIs(t, err, ErrHandshakeFailed)
	var hserr *HandshakeError
	require.True(t, errors.As(err, &hserr))
	require.Equal(t, StepServerAccept, hserr.Step)

	_, err = client.SessionKeys()
	require.ErrorIs(t, err, ErrNoHandshake)
}

func TestHandshakeWrongServerKey(t *testing.T) {
	// A client that knows the wrong server identity must not complete: the
	// server cannot open the authenticate box sealed towards another key.
	ckey, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	skey, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	otherkey, err := GenerateKeyPair(nil)
	require.NoError(t, err)

	client, err := NewClientHandshake(ckey, otherkey.Public, MainNetwork, nil)
	require.NoError(t, err)
	server, err := NewServerHandshake(skey, MainNetwork, nil, nil)
	require.NoError(t, err)

	serverHello, _, err := server.Deliver(client.HelloMessage())
	require.NoError(t, err)
	authenticate, _, err := client.Deliver(serverHello)
	require.NoError(t, err)

	_, _, err = server.Deliver(authenticate)
	require.ErrorIs(t, err, ErrHandshakeFailed)
	var hserr *HandshakeError
	require.True(t, errors.As(err, &hserr))
	require.Equal(t, StepClientAuthenticate, hserr.Step)
}

func TestHandshakeUnauthorizedClient(t *testing.T) {
	ckey, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	skey, err := GenerateKeyPair(nil)
	require.NoError(t, err)

	client, err := NewClientHandshake(ckey, skey.Public, MainNetwork, nil)
	require.NoError(t, err)
	authorize := func(pub PublicKey) error {
		return prefixError(ErrRemoteUntrusted, "unknown remote identity %s", pub)
	}
	server, err := NewServerHandshake(skey, MainNetwork, authorize, nil)
	require.NoError(t, err)

	serverHello, _, err := server.Deliver(client.HelloMessage())
	require.NoError(t, err)
	authenticate, _, err := client.Deliver(serverHello)
	require.NoError(t, err)

	// The refusal happens after the client identity is known, but before the
	// accept message would prove the server's identity.
	_, _, err = server.Deliver(authenticate)
	require.ErrorIs(t, err, ErrHandshakeFailed)
	require.ErrorIs(t, err, ErrRemoteUntrusted)
}

func TestNewHandshakeBadKeys(t *testing.T) {
	skey, err := GenerateKeyPair(nil)
	require.NoError(t, err)

	_, err = NewClientHandshake(nil, skey.Public, MainNetwork, nil)
	require.ErrorIs(t, err, ErrNoPrivateKey)

	_, err = NewClientHandshake(skey, PublicKey(make([]byte, 16)), MainNetwork, nil)
	require.ErrorIs(t, err, ErrBadKey)

	_, err = NewServerHandshake(nil, MainNetwork, nil, nil)
	require.ErrorIs(t, err, ErrNoPrivateKey)
}
