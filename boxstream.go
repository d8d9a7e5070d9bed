package shs

import (
	"bytes"
	"encoding/binary"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// MaxSegmentSize is the protocol-fixed maximum number of body bytes in one
	// box stream frame. Longer messages are split across multiple frames.
	MaxSegmentSize = 4096

	// headerPlainSize is the decrypted frame header: 2-byte big-endian body
	// length followed by the body's 16-byte authentication tag.
	headerPlainSize = 2 + secretbox.Overhead

	// headerSize is the header block on the wire, the sealed header plaintext.
	headerSize = headerPlainSize + secretbox.Overhead

	// frameBodyLimit is what the 16-bit length field in a frame header can
	// express, bounding any MaxSegment override.
	frameBodyLimit = 1<<16 - 1
)

// SessionKeys is the symmetric state derived from a completed handshake: an
// independent key and starting nonce per direction. The send key and nonce of
// one side equal the receive key and nonce of the other.
type SessionKeys struct {
	SendKey   [32]byte
	SendNonce [24]byte
	RecvKey   [32]byte
	RecvNonce [24]byte
}

// Wipe clears the key material. Call after handing the keys to a Stream.
func (k *SessionKeys) Wipe() {
	wipe(k.SendKey[:])
	wipe(k.RecvKey[:])
}

// Stream encrypts and decrypts box stream frames for one connection. The two
// directions are independent, each with its own key and a nonce counter that
// only ever increments, so a key/nonce pair cannot repeat within a session.
// Sealing is safe for concurrent use; Deliver must be called from a single
// goroutine, with wire bytes in arrival order.
type Stream struct {
	// MaxSegment is the maximum body size per frame, MaxSegmentSize by
	// default. The protocol fixes it; it is a field only so conformance tests
	// can exercise boundary values.
	MaxSegment int

	send struct {
		sync.Mutex
		key     [32]byte
		nonce   [24]byte
		goodbye bool
	}
	recv struct {
		sync.Mutex
		key        [32]byte
		nonce      [24]byte
		buf        bytes.Buffer
		bodyLen    int
		bodyTag    [secretbox.Overhead]byte
		haveHeader bool
		goodbye    bool
		err        error
	}
}

// NewStream returns a stream session using the keys derived from a completed
// handshake.
func NewStream(keys *SessionKeys) *Stream {
	s := &Stream{MaxSegment: MaxSegmentSize}
	s.send.key = keys.SendKey
	s.send.nonce = keys.SendNonce
	s.recv.key = keys.RecvKey
	s.recv.nonce = keys.RecvNonce
	return s
}

// SealMessage encrypts msg into one or more box stream frames and returns the
// wire bytes. An empty message produces a single empty frame, which remains
// distinguishable from the goodbye sentinel by its authentication tag.
func (s *Stream) SealMessage(msg []byte) ([]byte, error) {
	s.send.Lock()
	defer s.send.Unlock()
	if s.send.goodbye {
		return nil, ErrGoodbyeSent
	}
	if s.MaxSegment > frameBodyLimit {
		return nil, prefixError(ErrBadConfig, "segment size %d does not fit the 16-bit frame length", s.MaxSegment)
	}

	var out []byte
	for first := true; len(msg) > 0 || first; first = false {
		n := len(msg)
		if n > s.MaxSegment {
			n = s.MaxSegment
		}
		out = s.sealSegment(out, msg[:n])
		msg = msg[n:]
	}
	return out, nil
}

// sealSegment appends one frame to out. The header is sealed with the current
// nonce and the body with the next one; both increments happen here, before
// returning, so no nonce can be used twice.
func (s *Stream) sealSegment(out, seg []byte) []byte {
	headerNonce := s.send.nonce
	incrementNonce(&s.send.nonce)
	bodyNonce := s.send.nonce
	incrementNonce(&s.send.nonce)

	body := secretbox.Seal(nil, seg, &bodyNonce, &s.send.key)

	var header [headerPlainSize]byte
	binary.BigEndian.PutUint16(header[:2], uint16(len(seg)))
	copy(header[2:], body[:secretbox.Overhead])

	out = secretbox.Seal(out, header[:], &headerNonce, &s.send.key)
	out = append(out, body[secretbox.Overhead:]...)
	wipe(header[:])
	return out
}

// SealGoodbye returns the goodbye frame, an all-zero header with no body. It
// can be sent once; the stream refuses further sends afterwards.
func (s *Stream) SealGoodbye() ([]byte, error) {
	s.send.Lock()
	defer s.send.Unlock()
	if s.send.goodbye {
		return nil, ErrGoodbyeSent
	}
	s.send.goodbye = true

	var header [headerPlainSize]byte
	out := secretbox.Seal(nil, header[:], &s.send.nonce, &s.send.key)
	incrementNonce(&s.send.nonce)
	return out, nil
}

// Deliver feeds wire bytes to the receiving side and returns the complete
// decrypted messages now available, in order. Frames may arrive fragmented or
// concatenated arbitrarily. Goodbye reports that the peer ended the stream;
// it is not delivered as a message, and no bytes may follow it. Any
// authentication failure is permanent: every later call returns the same
// error and no partial plaintext is ever returned.
func (s *Stream) Deliver(chunk []byte) (msgs [][]byte, goodbye bool, err error) {
	s.recv.Lock()
	defer s.recv.Unlock()

	if s.recv.err != nil {
		return nil, false, s.recv.err
	}
	if s.recv.goodbye {
		if len(chunk) > 0 {
			s.recv.err = prefixError(ErrProtocol, "%d bytes received after goodbye", len(chunk))
			return nil, true, s.recv.err
		}
		return nil, true, nil
	}

	s.recv.buf.Write(chunk)
	for {
		if !s.recv.haveHeader {
			if s.recv.buf.Len() < headerSize {
				return msgs, false, nil
			}
			bodyLen, tag, bye, err := s.openHeaderLocked(s.recv.buf.Next(headerSize))
			if err != nil {
				s.recv.err = err
				return nil, false, err
			}
			if bye {
				s.recv.goodbye = true
				if s.recv.buf.Len() > 0 {
					s.recv.err = prefixError(ErrProtocol, "%d bytes received after goodbye", s.recv.buf.Len())
					return nil, true, s.recv.err
				}
				return msgs, true, nil
			}
			s.recv.bodyLen, s.recv.bodyTag, s.recv.haveHeader = bodyLen, tag, true
		}
		if s.recv.buf.Len() < s.recv.bodyLen {
			return msgs, false, nil
		}
		msg, err := s.openBodyLocked(s.recv.bodyTag, s.recv.buf.Next(s.recv.bodyLen))
		if err != nil {
			s.recv.err = err
			return nil, false, err
		}
		s.recv.haveHeader = false
		msgs = append(msgs, msg)
	}
}

// openHeader decrypts a header block and advances the receive nonce.
func (s *Stream) openHeader(box []byte) (bodyLen int, tag [secretbox.Overhead]byte, goodbye bool, err error) {
	s.recv.Lock()
	defer s.recv.Unlock()
	return s.openHeaderLocked(box)
}

func (s *Stream) openHeaderLocked(box []byte) (bodyLen int, tag [secretbox.Overhead]byte, goodbye bool, err error) {
	plain, ok := secretbox.Open(nil, box, &s.recv.nonce, &s.recv.key)
	if !ok {
		return 0, tag, false, prefixError(ErrStreamAuth, "cannot open frame header")
	}
	incrementNonce(&s.recv.nonce)
	if IsGoodbye(plain) {
		return 0, tag, true, nil
	}
	bodyLen = int(binary.BigEndian.Uint16(plain[:2]))
	if bodyLen > s.MaxSegment {
		return 0, tag, false, prefixError(ErrProtocol, "frame body of %d bytes exceeds maximum of %d", bodyLen, s.MaxSegment)
	}
	copy(tag[:], plain[2:])
	return bodyLen, tag, false, nil
}

// openBody decrypts a frame body and advances the receive nonce. The tag from
// the header is reattached so the body authenticates as one secretbox.
func (s *Stream) openBody(tag [secretbox.Overhead]byte, body []byte) ([]byte, error) {
	s.recv.Lock()
	defer s.recv.Unlock()
	return s.openBodyLocked(tag, body)
}

func (s *Stream) openBodyLocked(tag [secretbox.Overhead]byte, body []byte) ([]byte, error) {
	box := make([]byte, 0, len(tag)+len(body))
	box = append(box, tag[:]...)
	box = append(box, body...)
	plain, ok := secretbox.Open(nil, box, &s.recv.nonce, &s.recv.key)
	if !ok {
		return nil, prefixError(ErrStreamAuth, "cannot open frame body")
	}
	incrementNonce(&s.recv.nonce)
	return plain, nil
}

// wipeKeys clears the symmetric keys. The stream is unusable afterwards.
// Safe against a concurrent Deliver; both halves are wiped under their locks.
func (s *Stream) wipeKeys() {
	s.send.Lock()
	s.send.goodbye = true
	wipe(s.send.key[:])
	s.send.Unlock()

	s.recv.Lock()
	wipe(s.recv.key[:])
	if s.recv.err == nil {
		s.recv.err = ErrConnClosed
	}
	s.recv.Unlock()
}

// IsGoodbye reports whether a decrypted frame header marks the end of the
// stream: body length and tag all zero. It depends on no stream state and can
// be used by anything inspecting decoded headers.
func IsGoodbye(header []byte) bool {
	if len(header) != headerPlainSize {
		return false
	}
	for _, b := range header {
		if b != 0 {
			return false
		}
	}
	return true
}

// incrementNonce adds one to a 24-byte big-endian counter.
func incrementNonce(n *[24]byte) {
	for i := len(n) - 1; i >= 0; i-- {
		n[i]++
		if n[i] != 0 {
			break
		}
	}
}
