package shs

import (
	"errors"
	"fmt"

	"golang.org/x/xerrors"
)

var (
	// ErrHandshakeFailed is returned when any of the four handshake messages
	// fails verification. The wrapping *HandshakeError identifies the failing
	// step. A failed handshake is terminal, the connection must be closed.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrStreamAuth is returned when a box stream frame fails to authenticate.
	// The stream is corrupt and can no longer be used.
	ErrStreamAuth = errors.New("box stream authentication failed")

	// ErrProtocol is returned for protocol-level errors, like malformed lengths.
	ErrProtocol = errors.New("protocol error")

	// ErrGoodbyeSent is returned when sending on a stream after its goodbye
	// frame has been sent.
	ErrGoodbyeSent = errors.New("goodbye already sent")

	// ErrNoPrivateKey indicates no identity private key was found, either in the
	// config or through the shs address.
	ErrNoPrivateKey = errors.New("no private key")

	// ErrNoRemoteIdentity indicates a client connection was attempted without a
	// remote public key. The secret handshake requires the client to know the
	// server's identity before connecting.
	ErrNoRemoteIdentity = errors.New("no remote identity")

	// ErrBadKey indicates a key is not valid, either public or private. Possibly
	// invalid base64-raw-url-encoded data, or not 32 bytes.
	ErrBadKey = errors.New("bad key")

	// ErrBadAddress is returned when an shs address is malformed.
	ErrBadAddress = errors.New("malformed shs address")

	// ErrBadConfig is returned when a config and address cannot be turned into a
	// usable Config.
	ErrBadConfig = errors.New("invalid configuration/address combination")

	// ErrRemoteUntrusted is returned when the remote party did not have a trusted
	// identity public key.
	ErrRemoteUntrusted = errors.New("remote untrusted")

	// ErrNoHandshake is returned for operations before having completed the handshake.
	ErrNoHandshake = errors.New("handshake not completed yet")

	// ErrConnClosed is returned when calling functions on a closed connection.
	ErrConnClosed = errors.New("connection closed")

	// ErrNoShsDir indicates no .shs directory was found.
	ErrNoShsDir = errors.New("no .shs directory found")

	// ErrNoKnownHosts indicates no .shs/known_hosts file was found.
	ErrNoKnownHosts = errors.New("no .shs/known_hosts file was found")

	errHandshakeDone = errors.New("handshake already completed")
	errNoConfig      = errors.New("nil config passed to function")
	errBadKnownHosts = errors.New("malformed .shs/known_hosts file")
	errClientTofu    = errors.New("trust-on-first-use not usable for client")
)

// HandshakeStep names one of the four handshake messages.
type HandshakeStep int

// Handshake steps, in wire order.
const (
	StepClientHello HandshakeStep = iota
	StepServerHello
	StepClientAuthenticate
	StepServerAccept
)

func (s HandshakeStep) String() string {
	switch s {
	case StepClientHello:
		return "client hello"
	case StepServerHello:
		return "server hello"
	case StepClientAuthenticate:
		return "client authenticate"
	case StepServerAccept:
		return "server accept"
	}
	return "unknown step"
}

// HandshakeError is the terminal error of a failed handshake attempt. It
// matches ErrHandshakeFailed with errors.Is, and Step tells which message
// failed.
type HandshakeError struct {
	Step HandshakeStep
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed at %s: %s", e.Step, e.Err)
}

func (e *HandshakeError) Is(err error) bool {
	return err == ErrHandshakeFailed
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

func handshakeError(step HandshakeStep, format string, args ...interface{}) *HandshakeError {
	return &HandshakeError{step, fmt.Errorf(format, args...)}
}

func errorHandler(fn func(error)) (func(error, string), func()) {
	type localError struct {
		err error
	}

	check := func(err error, msg string) {
		if err != nil {
			err = xerrors.Errorf("%s: %w", msg, err)
			panic(&localError{err})
		}
	}
	handle := func() {
		e := recover()
		if e == nil {
			return
		}
		if le, ok := e.(*localError); ok {
			fn(le.err)
		} else {
			panic(e)
		}
	}
	return check, handle
}

// Remove when xerrors supports "%w" in arbitrary location in the formatting
// string. At the time of writing, it only allows it at the end.
type prefixErr struct {
	err    error
	errmsg string
}

func prefixError(err error, format string, args ...interface{}) *prefixErr {
	return &prefixErr{err, err.Error() + ": " + fmt.Sprintf(format, args...)}
}

func (e *prefixErr) Error() string {
	return e.errmsg
}

func (e *prefixErr) Unwrap() error {
	return e.err
}

// wrapErr implements "Is" for the first error, and unwraps into the second error.
type wrapErr struct {
	err  error
	next error
}

func (e *wrapErr) Error() string {
	return e.err.Error()
}

func (e *wrapErr) Is(err error) bool {
	return xerrors.Is(e.err, err)
}

func (e *wrapErr) Unwrap() error {
	return e.next
}
