package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cuemby/meshsync/pkg/crypto"
	"github.com/cuemby/meshsync/pkg/syncerr"
	"github.com/cuemby/meshsync/pkg/wire"
)

// MaxFrameSize bounds a single framed message. A peer announcing a larger
// frame is speaking a different protocol or attacking; the length prefix is
// rejected before any read of the body. Fixed protocol constant.
const MaxFrameSize = 8 << 20

// Stream is the byte transport a session runs over. Satisfied by libp2p
// network streams and by net.Pipe in tests.
type Stream interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
}

// Send canonically serializes the message, seals it when a key is present,
// and writes it as one length-prefixed frame. On a successful encrypted
// send the nonce advances by one.
func Send(s Stream, m wire.Message, key *crypto.SharedKey, nonce *crypto.Nonce) error {
	payload := wire.Encode(m)

	if key != nil {
		sealed, err := key.Seal(payload, *nonce)
		if err != nil {
			return syncerr.Wrap(syncerr.KindCrypto, "seal frame", err)
		}
		payload = sealed
		*nonce = nonce.Advance()
	}

	if len(payload) > MaxFrameSize {
		return syncerr.Newf(syncerr.KindTransport, "frame of %d bytes exceeds limit %d", len(payload), MaxFrameSize)
	}

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := s.Write(prefix[:]); err != nil {
		return syncerr.Wrap(syncerr.KindTransport, "write frame prefix", err)
	}
	if _, err := s.Write(payload); err != nil {
		return syncerr.Wrap(syncerr.KindTransport, "write frame body", err)
	}
	return nil
}

// Recv reads one frame within the timeout, opens it when a key is present,
// and decodes the message. A clean EOF before any frame byte returns
// (nil, nil). On a successful encrypted receive the nonce advances by one;
// an authentication failure leaves it untouched and must terminate the
// session.
func Recv(s Stream, key *crypto.SharedKey, nonce *crypto.Nonce, timeout time.Duration) (wire.Message, error) {
	if timeout > 0 {
		if err := s.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			// A pipe whose peer already closed refuses deadlines; the read
			// below then reports the EOF.
			if !errors.Is(err, io.ErrClosedPipe) {
				return nil, syncerr.Wrap(syncerr.KindTransport, "set read deadline", err)
			}
		} else {
			defer func() { _ = s.SetReadDeadline(time.Time{}) }()
		}
	}

	var prefix [4]byte
	if _, err := io.ReadFull(s, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, recvErr("read frame prefix", err)
	}

	size := binary.LittleEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, syncerr.Newf(syncerr.KindTransport, "frame of %d bytes exceeds limit %d", size, MaxFrameSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(s, payload); err != nil {
		return nil, recvErr("read frame body", err)
	}

	if key != nil {
		opened, err := key.Open(payload, *nonce)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.KindCrypto, "open frame", err)
		}
		payload = opened
		*nonce = nonce.Advance()
	}

	m, err := wire.Decode(payload)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindProtocol, "decode frame", err)
	}
	return m, nil
}

func recvErr(op string, err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return syncerr.Wrap(syncerr.KindTransport, op+" timeout", err)
	}
	return syncerr.Wrap(syncerr.KindTransport, op, err)
}

// countingStream tracks raw bytes moved for session metrics.
type countingStream struct {
	inner Stream
	sent  uint64
	recv  uint64
}

func (c *countingStream) Read(p []byte) (int, error) {
	n, err := c.inner.Read(p)
	c.recv += uint64(n)
	return n, err
}

func (c *countingStream) Write(p []byte) (int, error) {
	n, err := c.inner.Write(p)
	c.sent += uint64(n)
	return n, err
}

func (c *countingStream) SetReadDeadline(t time.Time) error {
	return c.inner.SetReadDeadline(t)
}

// Channel binds a stream to a session's encryption state: the shared key
// and one monotonic nonce counter per direction. Before SetKey both
// directions run plaintext, which only the handshake is allowed to do.
type Channel struct {
	stream  *countingStream
	key     *crypto.SharedKey
	send    crypto.Nonce
	recv    crypto.Nonce
	timeout time.Duration
}

// NewChannel wraps a stream. dir is this side's sending direction.
func NewChannel(s Stream, dir crypto.Direction, timeout time.Duration) *Channel {
	return &Channel{
		stream:  &countingStream{inner: s},
		send:    crypto.Nonce{Direction: dir},
		recv:    crypto.Nonce{Direction: dir.Opposite()},
		timeout: timeout,
	}
}

// BytesSent returns raw bytes written on this channel.
func (c *Channel) BytesSent() uint64 { return c.stream.sent }

// BytesReceived returns raw bytes read on this channel.
func (c *Channel) BytesReceived() uint64 { return c.stream.recv }

// SetKey arms encryption. Both counters restart at zero: the key is fresh
// per session, so no nonce can repeat.
func (c *Channel) SetKey(key crypto.SharedKey) {
	c.key = &key
	c.send = crypto.Nonce{Direction: c.send.Direction}
	c.recv = crypto.Nonce{Direction: c.recv.Direction}
}

// Encrypted reports whether the channel has a session key armed.
func (c *Channel) Encrypted() bool { return c.key != nil }

// Send writes one message.
func (c *Channel) Send(m wire.Message) error {
	return Send(c.stream, m, c.key, &c.send)
}

// Recv reads one message within the channel timeout. Returns (nil, nil) on
// clean EOF.
func (c *Channel) Recv() (wire.Message, error) {
	return Recv(c.stream, c.key, &c.recv, c.timeout)
}

// RecvExpect reads one message and requires it to be of type T. A Status
// error message surfaces as a protocol error carrying the peer's code; any
// other type mismatch is a phase violation.
func RecvExpect[T wire.Message](c *Channel) (T, error) {
	var zero T
	m, err := c.Recv()
	if err != nil {
		return zero, err
	}
	if m == nil {
		return zero, syncerr.New(syncerr.KindTransport, "stream closed mid-exchange")
	}
	if status, ok := m.(*wire.Status); ok {
		if _, want := any(zero).(*wire.Status); !want {
			return zero, syncerr.Newf(syncerr.KindProtocol, "peer ended exchange: %s", status.Code)
		}
	}
	typed, ok := m.(T)
	if !ok {
		return zero, syncerr.Newf(syncerr.KindProtocol, "unexpected %s message for phase", fmt.Sprintf("%T", m))
	}
	return typed, nil
}
