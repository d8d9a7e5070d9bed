package shs

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Config holds the identity and trust configuration for secure connections.
type Config struct {
	// Rand is used as source of cryptographic randomness. If nil, Reader from
	// crypto/rand is used.
	Rand io.Reader

	// Address to dial or listen after parsing an shs address. Set by
	// ParseAddress, which is also called by Dial and Listen.
	Address string

	// LocalIdentity is the long-term ed25519 identity key pair. Can be set by
	// direct assignment, through an shs address containing a private key, or
	// through the "fs" keyword.
	LocalIdentity *KeyPair

	// Network selects the overlay network the handshake is scoped to. If nil,
	// MainNetwork is used.
	Network *NetworkKey

	// Filled from explicit public keys in the shs address. For a client this
	// is the server identity to authenticate; for a server these are the
	// client identities to accept.
	remoteIdentities []PublicKey

	// useKnownHosts makes a client resolve the server identity from the
	// nearest known_hosts file by dial address. Set by the "known" specifier.
	useKnownHosts bool

	// CheckPublicKey is called (if set) by a server to verify the client
	// identity revealed during the handshake, before the accept message is
	// sent. The address passed is "*". See CheckKnownhosts and
	// CheckTrustOnFirstUse.
	CheckPublicKey func(address string, pubKey PublicKey, conn *Conn) error
	isTofu         bool

	// Logger is used by driven connections (Connect, Serve) for lifecycle
	// logging. If nil, the logrus standard logger is used.
	Logger *logrus.Logger
}

// LocalPublic returns the local identity public key.
//
// If no identity has been configured, LocalPublic calls panic.
func (c *Config) LocalPublic() PublicKey {
	if c.LocalIdentity == nil {
		panic("LocalIdentity not yet set")
	}
	return c.LocalIdentity.Public
}

// network returns the configured network key, or the main network.
func (c *Config) network() NetworkKey {
	if c.Network != nil {
		return *c.Network
	}
	return MainNetwork
}

// remoteIdentity resolves the server identity a client will authenticate. The
// secret handshake needs it before the first byte is sent.
func (c *Config) remoteIdentity() (PublicKey, error) {
	if len(c.remoteIdentities) > 0 {
		return c.remoteIdentities[0], nil
	}
	if c.useKnownHosts {
		keys, err := lookupKnownHosts(c.Address)
		if err != nil {
			return nil, err
		}
		return keys[0], nil
	}
	return nil, ErrNoRemoteIdentity
}

// Conn is a mutually-authenticated encrypted connection.
type Conn struct {
	conn     net.Conn
	config   *Config
	isClient bool

	handshake struct {
		sync.Mutex
		completed bool
		err       error
	}

	// Fields below only valid after completed handshake.

	stream *Stream
	remote PublicKey

	reader struct {
		sync.Mutex
		buf []byte // Decrypted bytes not yet returned by Read.
		err error  // Set to io.EOF when remote sent its goodbye frame.
	}

	writer struct {
		writing uint32 // Whether currently writing; Write, CloseWrite and Close interact with sync/atomic.

		sync.Mutex
		out *bufio.Writer
		err error // Set to ErrConnClosed after CloseWrite().
	}
}

// LocalAddr returns the local network address of the underlying connection.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address of the underlying connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline calls the SetDeadline on the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline calls the SetReadDeadline on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline calls the SetWriteDeadline on the underlying connection.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// Dial connects to the remote, performs the secret handshake as client and
// sets up the encrypted stream.
//
// Dial calls ParseAddress on address, which can be an shs address.
func Dial(network, address string, config *Config) (*Conn, error) {
	if config == nil {
		return nil, errNoConfig
	}

	err := ParseAddress(address, config)
	if err != nil {
		return nil, xerrors.Errorf("parsing address: %w", err)
	}

	conn, err := net.Dial(network, config.Address)
	if err != nil {
		return nil, err
	}
	nc, err := newConn(conn, config, true, true)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return nc, nil
}

// Client turns an existing (plain) connection into a secure connection,
// taking the initiating role. On failure, the existing connection is not
// closed.
func Client(conn net.Conn, config *Config) (*Conn, error) {
	return newConn(conn, config, true, true)
}

// Server turns an existing (plain) connection into a secure connection,
// taking the responding role. On failure, the existing connection is not
// closed.
func Server(conn net.Conn, config *Config) (*Conn, error) {
	return newConn(conn, config, false, true)
}

type listener struct {
	net.Listener
	config *Config
}

// Listen creates a new listener for incoming connections.
// Accept on the returned listener returns a *Conn with the handshake not yet
// completed. The first read or write performs the handshake, as does calling
// RemoteStatic.
//
// Listen calls ParseAddress on address, which can be an shs address.
func Listen(network, address string, config *Config) (net.Listener, error) {
	if config == nil {
		return nil, errNoConfig
	}
	err := ParseAddress(address, config)
	if err != nil {
		return nil, xerrors.Errorf("parsing address: %w", err)
	}

	l, err := net.Listen(network, config.Address)
	if err != nil {
		return nil, err
	}
	r := &listener{
		Listener: l,
		config:   config,
	}
	return r, nil
}

// Accept accepts an incoming connection.
// The returned connection has not completed a handshake. The handshake can be
// triggered explicitly by calling Handshake. The handshake will also be
// performed automatically on first Read or Write.
func (l *listener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	nc, err := newConn(conn, l.config, false, false)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return nc, nil
}

// newConn turns an existing connection into a shs.Conn.
func newConn(conn net.Conn, config *Config, isClient bool, shake bool) (*Conn, error) {
	if config == nil {
		return nil, errNoConfig
	}
	if config.LocalIdentity == nil {
		return nil, ErrNoPrivateKey
	}

	// A client cannot trust on first use: it must know the server identity to
	// even start the handshake.
	if isClient && config.isTofu {
		return nil, errClientTofu
	}

	c := &Conn{
		conn:     conn,
		config:   config,
		isClient: isClient,
	}
	c.writer.out = bufio.NewWriter(conn)
	if shake {
		err := c.Handshake()
		if err != nil {
			return nil, xerrors.Errorf("handshake: %w", err)
		}
	}
	return c, nil
}

// RemoteStatic returns the remote's identity public key: the server's on a
// client connection, the client's on a server connection.
// RemoteStatic ensures a handshake has been completed.
func (c *Conn) RemoteStatic() (PublicKey, error) {
	err := c.ensureHandshake()
	if err != nil {
		return nil, xerrors.Errorf("handshake: %w", err)
	}
	return c.remote, nil
}

// ensureHandshake performs the handshake if it has not already been completed.
func (c *Conn) ensureHandshake() error {
	c.handshake.Lock()
	defer c.handshake.Unlock()
	if !c.handshake.completed && c.handshake.err == nil {
		return c.shakehands()
	}
	return c.handshake.err
}

// Handshake performs the secret handshake. Read, Write or RemoteStatic on a
// new connection ensures a handshake is done.
//
// Handshake returns an error if a handshake has already completed or failed.
func (c *Conn) Handshake() error {
	c.handshake.Lock()
	defer c.handshake.Unlock()
	if c.handshake.err != nil {
		return c.handshake.err
	}
	if c.handshake.completed {
		return errHandshakeDone
	}
	return c.shakehands()
}

// Must be called with lock held.
func (c *Conn) shakehands() (rerr error) {
	defer func() {
		if rerr != nil {
			c.handshake.err = rerr
		}
	}()
	lcheck, handle := errorHandler(func(xerr error) {
		rerr = xerr
	})
	defer handle()

	// Each handshake message has a fixed size, so the blocking path reads
	// exactly one message per step and feeds it to the state machine.
	step := func(deliver func([]byte) ([]byte, bool, error), size int, what string) {
		buf := make([]byte, size)
		_, err := io.ReadFull(c.conn, buf)
		if err == io.EOF {
			// The remote hanging up mid-handshake is not a clean close.
			err = io.ErrUnexpectedEOF
		}
		lcheck(err, "reading "+what)
		reply, _, err := deliver(buf)
		lcheck(err, "verifying "+what)
		if len(reply) > 0 {
			_, err = c.conn.Write(reply)
			lcheck(err, "writing handshake reply")
		}
	}

	if c.isClient {
		remote, err := c.config.remoteIdentity()
		lcheck(err, "resolving remote identity")

		hs, err := NewClientHandshake(c.config.LocalIdentity, remote, c.config.network(), c.config.Rand)
		lcheck(err, "starting handshake")

		_, err = c.conn.Write(hs.HelloMessage())
		lcheck(err, "writing hello")

		step(hs.Deliver, helloSize, "server hello")
		step(hs.Deliver, acceptSize, "server accept")

		keys, err := hs.SessionKeys()
		lcheck(err, "deriving session keys")
		c.stream = NewStream(keys)
		keys.Wipe()
		c.remote = hs.RemoteStatic()
	} else {
		hs, err := NewServerHandshake(c.config.LocalIdentity, c.config.network(), c.verifyRemote, c.config.Rand)
		lcheck(err, "starting handshake")

		step(hs.Deliver, helloSize, "client hello")
		step(hs.Deliver, authenticateSize, "client authenticate")

		keys, err := hs.SessionKeys()
		lcheck(err, "deriving session keys")
		c.stream = NewStream(keys)
		keys.Wipe()
		c.remote, err = hs.RemoteStatic()
		lcheck(err, "remote identity")
	}

	c.handshake.completed = true
	return nil
}

// verifyRemote is the server-side check of the client identity revealed in
// the authenticate message, run before the accept message is sent.
func (c *Conn) verifyRemote(pubKey PublicKey) error {
	return authorizeRemote(c.config, pubKey, c)
}

// Read reads decrypted data from remote. Read returns io.EOF after the
// remote's goodbye frame. Early hangups of the underlying connection result
// in an error other than io.EOF.
func (c *Conn) Read(buf []byte) (read int, rerr error) {
	lcheck, handle := errorHandler(func(xerr error) {
		rerr = xerr
		if c.reader.err == nil {
			c.reader.err = xerr
		}
	})
	defer handle()

	err := c.ensureHandshake()
	lcheck(err, "ensuring handshake")

	c.reader.Lock()
	defer c.reader.Unlock()

	if c.reader.err != nil {
		return 0, c.reader.err
	}
	if len(buf) == 0 {
		return 0, nil
	}

	// Empty frames decrypt to zero bytes and make the loop fetch the next one.
	for len(c.reader.buf) == 0 {
		var header [headerSize]byte
		_, err = io.ReadFull(c.conn, header[:])
		if err == io.EOF {
			// Closing the underlying connection is not an authenticated EOF.
			err = io.ErrUnexpectedEOF
		}
		lcheck(err, "reading frame header")

		bodyLen, tag, goodbye, err := c.stream.openHeader(header[:])
		lcheck(err, "opening frame header")
		if goodbye {
			c.reader.err = io.EOF
			return 0, io.EOF
		}

		body := make([]byte, bodyLen)
		_, err = io.ReadFull(c.conn, body)
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		lcheck(err, "reading frame body")

		c.reader.buf, err = c.stream.openBody(tag, body)
		lcheck(err, "opening frame body")
	}

	n := copy(buf, c.reader.buf)
	c.reader.buf = c.reader.buf[n:]
	return n, nil
}

// Write encrypts and writes data to remote.
func (c *Conn) Write(buf []byte) (written int, rerr error) {
	err := c.ensureHandshake()
	if err != nil {
		return 0, err
	}

	c.writer.Lock()
	defer c.writer.Unlock()

	if c.writer.err != nil {
		return 0, c.writer.err
	}

	// We do not put zero-sized writes on the wire; an empty frame carries no
	// data for the reading side anyway.
	if len(buf) == 0 {
		return 0, nil
	}

	return c.write(buf)
}

// Must be called with writer lock held.
func (c *Conn) write(buf []byte) (written int, rerr error) {
	lcheck, handle := errorHandler(func(xerr error) {
		rerr = xerr
		if c.writer.err == nil {
			c.writer.err = xerr
		}
	})
	defer handle()

	atomic.StoreUint32(&c.writer.writing, 1)
	defer atomic.StoreUint32(&c.writer.writing, 0)

	out, err := c.stream.SealMessage(buf)
	lcheck(err, "sealing")

	_, err = c.writer.out.Write(out)
	lcheck(err, "writing")

	err = c.writer.out.Flush()
	lcheck(err, "writing")

	return len(buf), nil
}

// CloseWrite sends the goodbye frame to signal the end of data to remote.
// Data can still be read from remote until its goodbye frame is read.
// CloseWrite does not close the underlying connection.
func (c *Conn) CloseWrite() error {
	c.handshake.Lock()
	hsErr, hsOK := c.handshake.err, c.handshake.completed
	c.handshake.Unlock()
	if hsErr != nil {
		return hsErr
	}
	if !hsOK {
		return ErrNoHandshake
	}

	c.writer.Lock()
	defer c.writer.Unlock()
	if c.writer.err != nil {
		return c.writer.err
	}

	out, err := c.stream.SealGoodbye()
	if err != nil {
		return err
	}
	_, err = c.writer.out.Write(out)
	if err == nil {
		err = c.writer.out.Flush()
	}
	if err != nil {
		c.writer.err = err
		return xerrors.Errorf("writing goodbye: %w", err)
	}

	c.writer.err = ErrConnClosed
	return nil
}

// Close closes the connection. If still connected, Close sends the goodbye
// frame first, as in CloseWrite. Close then closes the underlying connection.
// If a write is in progress, Close immediately closes the underlying
// connection, assuming Close was called to abort.
func (c *Conn) Close() error {
	c.handshake.Lock()
	handshakeCompleted := c.handshake.completed
	handshakeErr := c.handshake.err
	c.handshake.Unlock()

	// If we have a working connection, and no write in progress, then we send the goodbye frame.
	var err error
	writerClosed := false
	if handshakeErr == nil && handshakeCompleted && atomic.LoadUint32(&c.writer.writing) == 0 {
		c.writer.Lock()
		defer c.writer.Unlock()
		if c.writer.err == nil {
			if out, gerr := c.stream.SealGoodbye(); gerr == nil {
				_, err = c.writer.out.Write(out)
				if err == nil {
					err = c.writer.out.Flush()
				}
			}
		}
		c.writer.err = ErrConnClosed
		writerClosed = true
	}

	err2 := c.conn.Close()
	if err == nil {
		err = err2
	}

	c.reader.Lock()
	c.reader.err = ErrConnClosed
	c.reader.buf = nil
	c.reader.Unlock()

	if !writerClosed {
		c.writer.Lock()
		c.writer.err = ErrConnClosed
		c.writer.Unlock()
	}

	c.handshake.Lock()
	c.handshake.err = ErrConnClosed
	c.handshake.Unlock()

	if c.stream != nil {
		c.stream.wipeKeys()
	}

	return err
}
