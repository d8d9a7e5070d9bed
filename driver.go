package shs

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Handler consumes decrypted messages from a driven connection. Both methods
// are called from the connection's delivery goroutine, in arrival order.
// HandleClosed is called exactly once, whether the stream ended with a
// goodbye frame, a transport close, or an error.
type Handler interface {
	HandleMessage(msg []byte)
	HandleClosed()
}

// HandlerFactory builds the application handler for a driven connection once
// its handshake has completed. Send encrypts and writes one message; goodbye
// sends the goodbye frame and closes the connection.
type HandlerFactory func(send func(msg []byte) error, goodbye func()) Handler

// Completion resolves exactly once with the outcome of establishing a driven
// connection: nil after a successful handshake, an error otherwise.
type Completion struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) complete(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done returns a channel that is closed when the completion resolves.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err returns the outcome, or ErrNoHandshake while still pending.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return ErrNoHandshake
	}
}

// Await blocks until the completion resolves and returns its outcome.
func (c *Completion) Await() error {
	<-c.done
	return c.err
}

// Driver phases.
const (
	phaseHandshaking int32 = iota
	phaseStreaming
	phaseClosed
)

// Driver owns one socket and drives the handshake, and then the box stream,
// from the byte chunks arriving on it. All state transitions happen on a
// single delivery goroutine per connection; only sending, which application
// goroutines call, synchronizes through the stream's send lock and the phase
// word.
type Driver struct {
	config  *Config
	log     *logrus.Entry
	factory HandlerFactory

	phase atomic.Int32

	// Guards conn against Stop racing connection establishment: once closed
	// is set, no transport may be bound anymore.
	mu     sync.Mutex
	conn   net.Conn
	closed bool

	// Exactly one of client/server is set, until the handshake completes.
	client *ClientHandshake
	server *ServerHandshake

	// Set when entering the streaming phase.
	stream  *Stream
	handler Handler

	connected *Completion
	closeOnce sync.Once
}

// Connect dials address as a secret-handshake client and drives the
// connection. The returned completion resolves when the handshake succeeds or
// fails; on success the handler built by factory receives all decrypted
// messages. Connect calls ParseAddress on address, which can be an shs
// address containing keys.
func Connect(network, address string, config *Config, factory HandlerFactory) (*Driver, *Completion) {
	completion := newCompletion()
	d := &Driver{config: config, factory: factory, connected: completion}
	d.log = logger(config).WithField("remote", address)

	if config == nil {
		completion.complete(errNoConfig)
		return d, completion
	}
	if err := ParseAddress(address, config); err != nil {
		completion.complete(xerrors.Errorf("parsing address: %w", err))
		return d, completion
	}

	go func() {
		conn, err := net.Dial(network, config.Address)
		if err != nil {
			completion.complete(err)
			return
		}
		if !d.bind(conn) {
			// Stopped while dialing, nothing was written yet.
			conn.Close()
			return
		}
		if err := d.start(true); err != nil {
			d.close(err)
			return
		}
		d.run()
	}()
	return d, completion
}

// bind attaches the established transport to the driver. It reports false if
// the driver was stopped in the meantime; the caller must then close the
// transport itself.
func (d *Driver) bind(conn net.Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.conn = conn
	return true
}

// Serve accepts connections on l and drives each one as a secret-handshake
// server, building a handler per connection once its handshake completes.
// Serve runs until Accept fails and returns its error.
func Serve(l net.Listener, config *Config, factory HandlerFactory) error {
	if config == nil {
		return errNoConfig
	}
	if config.LocalIdentity == nil {
		return ErrNoPrivateKey
	}
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		d := &Driver{config: config, factory: factory, connected: newCompletion()}
		d.log = logger(config).WithField("remote", conn.RemoteAddr().String())
		d.bind(conn)
		if err := d.start(false); err != nil {
			d.close(err)
			d.log.WithField("err", err).Debug("starting incoming connection failed")
			continue
		}
		go d.run()
	}
}

// start creates the handshake state and, for the client role, writes the
// hello message before anything has been received. The transport must have
// been bound.
func (d *Driver) start(isClient bool) error {
	if isClient {
		remote, err := d.config.remoteIdentity()
		if err != nil {
			return err
		}
		hs, err := NewClientHandshake(d.config.LocalIdentity, remote, d.config.network(), d.config.Rand)
		if err != nil {
			return err
		}
		if _, err := d.conn.Write(hs.HelloMessage()); err != nil {
			return err
		}
		d.client = hs
	} else {
		hs, err := NewServerHandshake(d.config.LocalIdentity, d.config.network(), d.authorize, d.config.Rand)
		if err != nil {
			return err
		}
		d.server = hs
	}
	return nil
}

func (d *Driver) authorize(pubKey PublicKey) error {
	return authorizeRemote(d.config, pubKey, nil)
}

// run is the delivery goroutine: it forwards socket bytes to the handshake
// or stream until the connection ends.
func (d *Driver) run() {
	buf := make([]byte, 4096)
	for {
		n, err := d.conn.Read(buf)
		if n > 0 {
			if derr := d.deliver(buf[:n]); derr != nil {
				d.close(derr)
				return
			}
		}
		if err != nil {
			if d.phase.Load() != phaseClosed {
				d.close(&wrapErr{ErrConnClosed, err})
			}
			return
		}
	}
}

func (d *Driver) deliver(chunk []byte) error {
	switch d.phase.Load() {
	case phaseHandshaking:
		var reply []byte
		var done bool
		var err error
		if d.client != nil {
			reply, done, err = d.client.Deliver(chunk)
		} else {
			reply, done, err = d.server.Deliver(chunk)
		}
		if err != nil {
			return err
		}
		if len(reply) > 0 {
			if _, err := d.conn.Write(reply); err != nil {
				return err
			}
		}
		if !done {
			return nil
		}
		return d.startStreaming()
	case phaseStreaming:
		return d.deliverStream(chunk)
	}
	return nil
}

// startStreaming switches phases: session keys become a stream, the
// application handler is attached, the pending completion resolves, and any
// bytes that arrived beyond the final handshake message go to the stream.
func (d *Driver) startStreaming() error {
	var keys *SessionKeys
	var leftover []byte
	var err error
	if d.client != nil {
		keys, err = d.client.SessionKeys()
		leftover = d.client.Buffered()
	} else {
		keys, err = d.server.SessionKeys()
		leftover = d.server.Buffered()
	}
	if err != nil {
		return err
	}
	d.stream = NewStream(keys)
	keys.Wipe()
	d.phase.Store(phaseStreaming)
	d.handler = d.factory(d.Send, d.Goodbye)
	d.log.Debug("handshake completed, streaming")
	d.connected.complete(nil)
	if len(leftover) > 0 {
		return d.deliverStream(leftover)
	}
	return nil
}

func (d *Driver) deliverStream(chunk []byte) error {
	msgs, goodbye, err := d.stream.Deliver(chunk)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		d.handler.HandleMessage(msg)
	}
	if goodbye {
		d.close(nil)
	}
	return nil
}

// Send encrypts and writes one message. Safe to call from any goroutine once
// the connection is streaming; before and after that it returns
// ErrConnClosed.
func (d *Driver) Send(msg []byte) error {
	if d.phase.Load() != phaseStreaming {
		return ErrConnClosed
	}
	out, err := d.stream.SealMessage(msg)
	if err != nil {
		return err
	}
	if _, err := d.conn.Write(out); err != nil {
		d.close(&wrapErr{ErrConnClosed, err})
		return err
	}
	return nil
}

// Goodbye sends the goodbye frame and closes the connection.
func (d *Driver) Goodbye() {
	if d.phase.Load() == phaseStreaming {
		if out, err := d.stream.SealGoodbye(); err == nil {
			d.conn.Write(out)
		}
	}
	d.close(nil)
}

// Stop closes the connection unconditionally. A still-pending completion
// resolves with ErrConnClosed.
func (d *Driver) Stop() {
	d.close(ErrConnClosed)
}

// close tears the connection down exactly once: transport closed, key
// material wiped, pending completion resolved, attached handler notified.
func (d *Driver) close(err error) {
	d.closeOnce.Do(func() {
		wasStreaming := d.phase.Load() == phaseStreaming
		d.phase.Store(phaseClosed)
		d.mu.Lock()
		d.closed = true
		conn := d.conn
		d.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if d.stream != nil {
			d.stream.wipeKeys()
		}
		if err != nil {
			d.log.WithField("err", err).Debug("connection closed")
			d.connected.complete(err)
		} else {
			d.connected.complete(ErrConnClosed)
		}
		if wasStreaming && d.handler != nil {
			d.handler.HandleClosed()
		}
	})
}

// authorizeRemote is the server-side check of a client identity revealed
// during the handshake, against explicitly configured keys or the
// CheckPublicKey callback.
func authorizeRemote(config *Config, pubKey PublicKey, conn *Conn) error {
	for _, k := range config.remoteIdentities {
		if bytes.Equal(k, pubKey) {
			return nil
		}
	}

	if config.CheckPublicKey != nil {
		err := config.CheckPublicKey("*", pubKey, conn)
		if err == nil {
			return nil
		}
		return &wrapErr{ErrRemoteUntrusted, err}
	}

	return prefixError(ErrRemoteUntrusted, "unknown remote identity %s", pubKey)
}

// logger returns the configured logger or the logrus standard logger.
func logger(config *Config) *logrus.Logger {
	if config != nil && config.Logger != nil {
		return config.Logger
	}
	return logrus.StandardLogger()
}
