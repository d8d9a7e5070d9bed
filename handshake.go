package shs

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/nacl/auth"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// Sizes of the four handshake messages, fixed by the protocol.
const (
	helloSize        = 64  // Authenticator (32) + ephemeral public key (32).
	authenticateSize = 112 // Secretbox over signature (64) + identity public key (32).
	acceptSize       = 80  // Secretbox over signature (64).
)

// Handshake progress. A handshake never regresses; any failure moves it to
// hsFailed permanently.
const (
	hsAwaitHello = iota
	hsAwaitAuthenticate
	hsAwaitAccept
	hsComplete
	hsFailed
)

// ClientHandshake is the initiating side of the secret handshake. It is
// created per connection attempt and must not be reused: the ephemeral key it
// holds is single-use and is wiped when the handshake completes or fails.
type ClientHandshake struct {
	local   *KeyPair
	remote  PublicKey
	network NetworkKey

	ephPub    [32]byte
	ephPriv   [32]byte
	remoteEph [32]byte

	secretab [32]byte // Ephemeral-ephemeral.
	secretaB [32]byte // Our ephemeral, their long-term.
	secretAb [32]byte // Our long-term, their ephemeral.
	sigA     [64]byte

	keys  *SessionKeys
	buf   bytes.Buffer
	state int
	err   error
}

// NewClientHandshake prepares a handshake towards the server identified by
// remote, which the client must know up front. If random is nil, Reader from
// crypto/rand is used.
func NewClientHandshake(local *KeyPair, remote PublicKey, network NetworkKey, random io.Reader) (*ClientHandshake, error) {
	if local == nil || len(local.Private) != ed25519.PrivateKeySize {
		return nil, ErrNoPrivateKey
	}
	if len(remote) != ed25519.PublicKeySize {
		return nil, prefixError(ErrBadKey, "remote public key: got %d bytes, expected %d bytes", len(remote), ed25519.PublicKeySize)
	}
	if random == nil {
		random = rand.Reader
	}
	pub, priv, err := box.GenerateKey(random)
	if err != nil {
		return nil, err
	}
	hs := &ClientHandshake{
		local:   local,
		remote:  append(PublicKey{}, remote...),
		network: network,
		state:   hsAwaitHello,
	}
	hs.ephPub, hs.ephPriv = *pub, *priv
	wipe(priv[:])
	return hs, nil
}

// HelloMessage returns the client hello, the first message on the wire. It is
// written immediately after connecting, before reading anything from the
// server.
func (hs *ClientHandshake) HelloMessage() []byte {
	return helloMessage(&hs.ephPub, &hs.network)
}

// Deliver feeds bytes arriving from the transport to the handshake. Chunks
// may split or concatenate protocol messages arbitrarily; the handshake only
// advances once a complete fixed-length message is buffered. A non-nil reply
// must be written to the transport. Done reports completion, after which
// SessionKeys and Buffered are valid.
func (hs *ClientHandshake) Deliver(chunk []byte) (reply []byte, done bool, err error) {
	switch hs.state {
	case hsFailed:
		return nil, false, hs.err
	case hsComplete:
		// Stream bytes, keep them for Buffered.
		hs.buf.Write(chunk)
		return nil, true, nil
	}
	hs.buf.Write(chunk)
	for {
		switch hs.state {
		case hsAwaitHello:
			if hs.buf.Len() < helloSize {
				return reply, false, nil
			}
			if err := hs.readHello(hs.buf.Next(helloSize)); err != nil {
				return nil, false, hs.fail(err)
			}
			m, err := hs.authenticateMessage()
			if err != nil {
				return nil, false, hs.fail(err)
			}
			reply = append(reply, m...)
			hs.state = hsAwaitAccept
		case hsAwaitAccept:
			if hs.buf.Len() < acceptSize {
				return reply, false, nil
			}
			if err := hs.readAccept(hs.buf.Next(acceptSize)); err != nil {
				return nil, false, hs.fail(err)
			}
			hs.state = hsComplete
			return reply, true, nil
		}
	}
}

// SessionKeys returns the symmetric keys and starting nonces derived from a
// completed handshake.
func (hs *ClientHandshake) SessionKeys() (*SessionKeys, error) {
	if hs.state != hsComplete {
		return nil, ErrNoHandshake
	}
	return hs.keys, nil
}

// RemoteStatic returns the server's identity public key.
func (hs *ClientHandshake) RemoteStatic() PublicKey {
	return hs.remote
}

// Buffered returns bytes delivered beyond the final handshake message. They
// are the first bytes of the box stream and must be fed to it.
func (hs *ClientHandshake) Buffered() []byte {
	return hs.buf.Bytes()
}

func (hs *ClientHandshake) readHello(msg []byte) error {
	remoteEph, ok := verifyHello(msg, &hs.network)
	if !ok {
		return handshakeError(StepServerHello, "hello authenticator does not match network key")
	}
	hs.remoteEph = remoteEph

	var err error
	hs.secretab, err = sharedSecret(&hs.ephPriv, &hs.remoteEph)
	if err != nil {
		return &HandshakeError{StepServerHello, err}
	}
	remoteCurve, err := curvePublic(hs.remote)
	if err != nil {
		return &HandshakeError{StepServerHello, err}
	}
	hs.secretaB, err = sharedSecret(&hs.ephPriv, &remoteCurve)
	if err != nil {
		return &HandshakeError{StepServerHello, err}
	}
	return nil
}

func (hs *ClientHandshake) authenticateMessage() ([]byte, error) {
	hashab := sha256.Sum256(hs.secretab[:])
	signed := make([]byte, 0, len(hs.network)+len(hs.remote)+len(hashab))
	signed = append(signed, hs.network[:]...)
	signed = append(signed, hs.remote...)
	signed = append(signed, hashab[:]...)
	copy(hs.sigA[:], ed25519.Sign(hs.local.Private, signed))

	plain := make([]byte, 0, len(hs.sigA)+len(hs.local.Public))
	plain = append(plain, hs.sigA[:]...)
	plain = append(plain, hs.local.Public...)

	key := deriveKey(hs.network[:], hs.secretab[:], hs.secretaB[:])
	var zero [24]byte
	msg := secretbox.Seal(nil, plain, &zero, &key)
	wipe(key[:])
	wipe(plain)

	localCurve := curvePrivate(hs.local.Private)
	var err error
	hs.secretAb, err = sharedSecret(&localCurve, &hs.remoteEph)
	wipe(localCurve[:])
	if err != nil {
		return nil, &HandshakeError{StepClientAuthenticate, err}
	}
	return msg, nil
}

func (hs *ClientHandshake) readAccept(msg []byte) error {
	key := deriveKey(hs.network[:], hs.secretab[:], hs.secretaB[:], hs.secretAb[:])
	var zero [24]byte
	sig, ok := secretbox.Open(nil, msg, &zero, &key)
	wipe(key[:])
	if !ok {
		return handshakeError(StepServerAccept, "cannot open accept box")
	}

	hashab := sha256.Sum256(hs.secretab[:])
	signed := make([]byte, 0, len(hs.network)+len(hs.sigA)+len(hs.local.Public)+len(hashab))
	signed = append(signed, hs.network[:]...)
	signed = append(signed, hs.sigA[:]...)
	signed = append(signed, hs.local.Public...)
	signed = append(signed, hashab[:]...)
	if !ed25519.Verify(ed25519.PublicKey(hs.remote), signed, sig) {
		return handshakeError(StepServerAccept, "accept signature does not verify")
	}

	hs.keys = deriveSessionKeys(&hs.network, hs.secretab[:], hs.secretaB[:], hs.secretAb[:], hs.remote, hs.local.Public, &hs.remoteEph, &hs.ephPub)
	hs.wipeSecrets()
	return nil
}

func (hs *ClientHandshake) fail(err error) error {
	hs.state = hsFailed
	hs.err = err
	hs.wipeSecrets()
	return err
}

func (hs *ClientHandshake) wipeSecrets() {
	wipe(hs.ephPriv[:])
	wipe(hs.secretab[:])
	wipe(hs.secretaB[:])
	wipe(hs.secretAb[:])
}

// ServerHandshake is the responding side of the secret handshake. Like
// ClientHandshake it is single-use. If authorize is set it is called with the
// client identity once revealed and verified; an error refuses the client
// before the accept message discloses any proof of the server's identity.
type ServerHandshake struct {
	local     *KeyPair
	network   NetworkKey
	authorize func(PublicKey) error

	ephPub    [32]byte
	ephPriv   [32]byte
	remoteEph [32]byte

	secretab [32]byte
	secretaB [32]byte
	secretAb [32]byte
	sigA     [64]byte

	remote PublicKey
	keys   *SessionKeys
	buf    bytes.Buffer
	state  int
	err    error
}

// NewServerHandshake prepares the responding side of a handshake. If random
// is nil, Reader from crypto/rand is used.
func NewServerHandshake(local *KeyPair, network NetworkKey, authorize func(PublicKey) error, random io.Reader) (*ServerHandshake, error) {
	if local == nil || len(local.Private) != ed25519.PrivateKeySize {
		return nil, ErrNoPrivateKey
	}
	if random == nil {
		random = rand.Reader
	}
	pub, priv, err := box.GenerateKey(random)
	if err != nil {
		return nil, err
	}
	hs := &ServerHandshake{
		local:     local,
		network:   network,
		authorize: authorize,
		state:     hsAwaitHello,
	}
	hs.ephPub, hs.ephPriv = *pub, *priv
	wipe(priv[:])
	return hs, nil
}

// Deliver feeds bytes arriving from the transport to the handshake, like
// ClientHandshake.Deliver. The server writes nothing until the client hello
// arrives.
func (hs *ServerHandshake) Deliver(chunk []byte) (reply []byte, done bool, err error) {
	switch hs.state {
	case hsFailed:
		return nil, false, hs.err
	case hsComplete:
		// Stream bytes, keep them for Buffered.
		hs.buf.Write(chunk)
		return nil, true, nil
	}
	hs.buf.Write(chunk)
	for {
		switch hs.state {
		case hsAwaitHello:
			if hs.buf.Len() < helloSize {
				return reply, false, nil
			}
			if err := hs.readHello(hs.buf.Next(helloSize)); err != nil {
				return nil, false, hs.fail(err)
			}
			reply = append(reply, helloMessage(&hs.ephPub, &hs.network)...)
			hs.state = hsAwaitAuthenticate
		case hsAwaitAuthenticate:
			if hs.buf.Len() < authenticateSize {
				return reply, false, nil
			}
			m, err := hs.readAuthenticate(hs.buf.Next(authenticateSize))
			if err != nil {
				return nil, false, hs.fail(err)
			}
			reply = append(reply, m...)
			hs.state = hsComplete
			return reply, true, nil
		}
	}
}

// SessionKeys returns the symmetric keys and starting nonces derived from a
// completed handshake.
func (hs *ServerHandshake) SessionKeys() (*SessionKeys, error) {
	if hs.state != hsComplete {
		return nil, ErrNoHandshake
	}
	return hs.keys, nil
}

// RemoteStatic returns the client's identity public key, revealed in the
// authenticate message.
func (hs *ServerHandshake) RemoteStatic() (PublicKey, error) {
	if hs.remote == nil {
		return nil, ErrNoHandshake
	}
	return hs.remote, nil
}

// Buffered returns bytes delivered beyond the final handshake message.
func (hs *ServerHandshake) Buffered() []byte {
	return hs.buf.Bytes()
}

func (hs *ServerHandshake) readHello(msg []byte) error {
	remoteEph, ok := verifyHello(msg, &hs.network)
	if !ok {
		return handshakeError(StepClientHello, "hello authenticator does not match network key")
	}
	hs.remoteEph = remoteEph

	var err error
	hs.secretab, err = sharedSecret(&hs.ephPriv, &hs.remoteEph)
	if err != nil {
		return &HandshakeError{StepClientHello, err}
	}
	localCurve := curvePrivate(hs.local.Private)
	hs.secretaB, err = sharedSecret(&localCurve, &hs.remoteEph)
	wipe(localCurve[:])
	if err != nil {
		return &HandshakeError{StepClientHello, err}
	}
	return nil
}

func (hs *ServerHandshake) readAuthenticate(msg []byte) ([]byte, error) {
	key := deriveKey(hs.network[:], hs.secretab[:], hs.secretaB[:])
	var zero [24]byte
	plain, ok := secretbox.Open(nil, msg, &zero, &key)
	wipe(key[:])
	if !ok {
		return nil, handshakeError(StepClientAuthenticate, "cannot open authenticate box")
	}
	sig, clientPub := plain[:64], PublicKey(plain[64:96])

	hashab := sha256.Sum256(hs.secretab[:])
	signed := make([]byte, 0, len(hs.network)+len(hs.local.Public)+len(hashab))
	signed = append(signed, hs.network[:]...)
	signed = append(signed, hs.local.Public...)
	signed = append(signed, hashab[:]...)
	if !ed25519.Verify(ed25519.PublicKey(clientPub), signed, sig) {
		return nil, handshakeError(StepClientAuthenticate, "client signature does not verify")
	}
	copy(hs.sigA[:], sig)
	hs.remote = append(PublicKey{}, clientPub...)

	if hs.authorize != nil {
		if err := hs.authorize(hs.remote); err != nil {
			return nil, &HandshakeError{StepClientAuthenticate, err}
		}
	}

	clientCurve, err := curvePublic(hs.remote)
	if err != nil {
		return nil, &HandshakeError{StepClientAuthenticate, err}
	}
	hs.secretAb, err = sharedSecret(&hs.ephPriv, &clientCurve)
	if err != nil {
		return nil, &HandshakeError{StepClientAuthenticate, err}
	}

	signedB := make([]byte, 0, len(hs.network)+len(hs.sigA)+len(hs.remote)+len(hashab))
	signedB = append(signedB, hs.network[:]...)
	signedB = append(signedB, hs.sigA[:]...)
	signedB = append(signedB, hs.remote...)
	signedB = append(signedB, hashab[:]...)
	sigB := ed25519.Sign(hs.local.Private, signedB)

	acceptKey := deriveKey(hs.network[:], hs.secretab[:], hs.secretaB[:], hs.secretAb[:])
	accept := secretbox.Seal(nil, sigB, &zero, &acceptKey)
	wipe(acceptKey[:])

	hs.keys = deriveSessionKeys(&hs.network, hs.secretab[:], hs.secretaB[:], hs.secretAb[:], hs.remote, hs.local.Public, &hs.remoteEph, &hs.ephPub)
	hs.wipeSecrets()
	return accept, nil
}

func (hs *ServerHandshake) fail(err error) error {
	hs.state = hsFailed
	hs.err = err
	hs.wipeSecrets()
	return err
}

func (hs *ServerHandshake) wipeSecrets() {
	wipe(hs.ephPriv[:])
	wipe(hs.secretab[:])
	wipe(hs.secretaB[:])
	wipe(hs.secretAb[:])
}

// helloMessage is the hello of either role: an authenticator over the
// ephemeral public key, keyed with the network key, followed by that key.
func helloMessage(ephPub *[32]byte, network *NetworkKey) []byte {
	mac := auth.Sum(ephPub[:], (*[32]byte)(network))
	msg := make([]byte, 0, helloSize)
	msg = append(msg, mac[:]...)
	msg = append(msg, ephPub[:]...)
	return msg
}

func verifyHello(msg []byte, network *NetworkKey) (eph [32]byte, ok bool) {
	if len(msg) != helloSize {
		return eph, false
	}
	if !auth.Verify(msg[:32], msg[32:], (*[32]byte)(network)) {
		return eph, false
	}
	copy(eph[:], msg[32:])
	return eph, true
}

// deriveKey folds the given byte strings into 32 bytes of key material.
func deriveKey(parts ...[]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var key [32]byte
	h.Sum(key[:0])
	return key
}

// deriveSessionKeys computes the directional box stream keys and starting
// nonces from the handshake transcript. The send key folds in the peer's
// identity, the receive key our own; each starting nonce is the first 24
// bytes of the network-keyed authenticator over the sending side's ephemeral
// public key.
func deriveSessionKeys(network *NetworkKey, ab, aB, Ab []byte, peerPub, ownPub PublicKey, peerEph, ownEph *[32]byte) *SessionKeys {
	inner := deriveKey(network[:], ab, aB, Ab)
	double := sha256.Sum256(inner[:])

	keys := &SessionKeys{
		SendKey: deriveKey(double[:], peerPub),
		RecvKey: deriveKey(double[:], ownPub),
	}
	sendMac := auth.Sum(peerEph[:], (*[32]byte)(network))
	recvMac := auth.Sum(ownEph[:], (*[32]byte)(network))
	copy(keys.SendNonce[:], sendMac[:24])
	copy(keys.RecvNonce[:], recvMac[:24])

	wipe(inner[:])
	wipe(double[:])
	return keys
}
