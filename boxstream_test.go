package shs

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// streamPair returns two streams with mirrored keys, as the two ends of one
// connection would have after a handshake.
func streamPair(t *testing.T) (*Stream, *Stream) {
	t.Helper()

	var a SessionKeys
	_, err := rand.Read(a.SendKey[:])
	require.NoError(t, err)
	_, err = rand.Read(a.RecvKey[:])
	require.NoError(t, err)
	_, err = rand.Read(a.SendNonce[:])
	require.NoError(t, err)
	_, err = rand.Read(a.RecvNonce[:])
	require.NoError(t, err)

	b := SessionKeys{
		SendKey:   a.RecvKey,
		SendNonce: a.RecvNonce,
		RecvKey:   a.SendKey,
		RecvNonce: a.SendNonce,
	}
	return NewStream(&a), NewStream(&b)
}

func TestStreamRoundtrip(t *testing.T) {
	sender, receiver := streamPair(t)

	sizes := []int{0, 1, MaxSegmentSize - 1, MaxSegmentSize, MaxSegmentSize + 1, 3 * MaxSegmentSize, 10000}
	for _, size := range sizes {
		msg := make([]byte, size)
		_, err := rand.Read(msg)
		require.NoError(t, err)

		wire, err := sender.SealMessage(msg)
		require.NoError(t, err)

		msgs, goodbye, err := receiver.Deliver(wire)
		require.NoError(t, err)
		require.False(t, goodbye)

		var got []byte
		for _, m := range msgs {
			got = append(got, m...)
		}
		require.True(t, bytes.Equal(msg, got), "roundtrip of %d bytes", size)
		if size <= MaxSegmentSize {
			require.Len(t, msgs, 1)
		}
	}
}

func TestStreamEmptyMessage(t *testing.T) {
	// An empty message is legal and must not be mistaken for goodbye.
	sender, receiver := streamPair(t)

	wire, err := sender.SealMessage(nil)
	require.NoError(t, err)

	msgs, goodbye, err := receiver.Deliver(wire)
	require.NoError(t, err)
	require.False(t, goodbye)
	require.Len(t, msgs, 1)
	require.Empty(t, msgs[0])
}

func TestStreamFragmented(t *testing.T) {
	sender, receiver := streamPair(t)

	wire, err := sender.SealMessage([]byte("one"))
	require.NoError(t, err)
	more, err := sender.SealMessage([]byte("two"))
	require.NoError(t, err)
	wire = append(wire, more...)

	// Byte-by-byte delivery of two concatenated frames.
	var msgs [][]byte
	for i := range wire {
		m, goodbye, err := receiver.Deliver(wire[i : i+1])
		require.NoError(t, err)
		require.False(t, goodbye)
		msgs = append(msgs, m...)
	}
	require.Len(t, msgs, 2)
	require.Equal(t, []byte("one"), msgs[0])
	require.Equal(t, []byte("two"), msgs[1])
}

func TestStreamTamper(t *testing.T) {
	for _, offset := range []int{0, headerSize} {
		sender, receiver := streamPair(t)

		wire, err := sender.SealMessage([]byte("hello"))
		require.NoError(t, err)
		wire[offset] ^= 0xff

		_, _, err = receiver.Deliver(wire)
		require.ErrorIs(t, err, ErrStreamAuth)

		// Poisoned: delivering anything afterwards keeps failing.
		_, _, err2 := receiver.Deliver(nil)
		require.Equal(t, err, err2)
	}
}

func TestStreamReorder(t *testing.T) {
	// Frames carry no explicit nonce, so swapping two frames must fail
	// authentication at the receiver.
	sender, receiver := streamPair(t)

	first, err := sender.SealMessage([]byte("first"))
	require.NoError(t, err)
	second, err := sender.SealMessage([]byte("second"))
	require.NoError(t, err)

	_, _, err = receiver.Deliver(second)
	require.ErrorIs(t, err, ErrStreamAuth)
	_ = first
}

func TestStreamGoodbye(t *testing.T) {
	sender, receiver := streamPair(t)

	wire, err := sender.SealMessage([]byte("bye soon"))
	require.NoError(t, err)
	bye, err := sender.SealGoodbye()
	require.NoError(t, err)

	msgs, goodbye, err := receiver.Deliver(append(wire, bye...))
	require.NoError(t, err)
	require.True(t, goodbye)
	require.Len(t, msgs, 1)

	// Sending after goodbye is refused.
	_, err = sender.SealMessage([]byte("more"))
	require.ErrorIs(t, err, ErrGoodbyeSent)
	_, err = sender.SealGoodbye()
	require.ErrorIs(t, err, ErrGoodbyeSent)

	// Goodbye remains reported, but trailing bytes are a protocol error.
	_, goodbye, err = receiver.Deliver(nil)
	require.NoError(t, err)
	require.True(t, goodbye)
	_, _, err = receiver.Deliver([]byte("x"))
	require.ErrorIs(t, err, ErrProtocol)
}

func TestStreamOversizedFrame(t *testing.T) {
	// A frame header announcing a body beyond the segment limit must be
	// rejected even though it authenticates.
	sender, receiver := streamPair(t)
	sender.MaxSegment = MaxSegmentSize + 1

	wire, err := sender.SealMessage(make([]byte, MaxSegmentSize+1))
	require.NoError(t, err)

	_, _, err = receiver.Deliver(wire)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestStreamSegmentLimit(t *testing.T) {
	// The frame header length field is 16 bits; a segment size beyond it must
	// be refused instead of silently truncating lengths.
	sender, _ := streamPair(t)
	sender.MaxSegment = frameBodyLimit + 1

	_, err := sender.SealMessage(make([]byte, frameBodyLimit+1))
	require.ErrorIs(t, err, ErrBadConfig)

	sender.MaxSegment = frameBodyLimit
	_, err = sender.SealMessage([]byte("ok"))
	require.NoError(t, err)
}

func TestStreamWipeDuringDeliver(t *testing.T) {
	// Wiping the keys while another goroutine is delivering must not race;
	// afterwards delivery fails cleanly.
	sender, receiver := streamPair(t)

	var wire []byte
	for i := 0; i < 64; i++ {
		w, err := sender.SealMessage([]byte("tick"))
		require.NoError(t, err)
		wire = append(wire, w...)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range wire {
			if _, _, err := receiver.Deliver(wire[i : i+1]); err != nil {
				return
			}
		}
	}()
	receiver.wipeKeys()
	<-done

	_, _, err := receiver.Deliver(nil)
	require.Error(t, err)
}

func TestIsGoodbye(t *testing.T) {
	require.True(t, IsGoodbye(make([]byte, headerPlainSize)))
	require.False(t, IsGoodbye(make([]byte, headerPlainSize-1)))
	notZero := make([]byte, headerPlainSize)
	notZero[17] = 1
	require.False(t, IsGoodbye(notZero))
}

func TestIncrementNonce(t *testing.T) {
	var n [24]byte
	incrementNonce(&n)
	require.Equal(t, byte(1), n[23])

	for i := range n {
		n[i] = 0xff
	}
	incrementNonce(&n)
	require.Equal(t, [24]byte{}, n, "counter wraps around")
}
