// Copyright (c) 2023 The TeXpresso Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// stagingSize is the capacity of the input and output staging buffers.
	stagingSize = 4096

	// scratchInitialSize is the initial scratch buffer capacity. Growth
	// always doubles, so the capacity stays a power-of-two multiple of it.
	scratchInitialSize = 256

	// maxScratchSize bounds scratch growth so a corrupt size field cannot
	// make the channel allocate without limit.
	maxScratchSize = 1 << 30
)

// Handshake literals. The responder sends handshakeResponder and expects
// handshakeInitiator back; the initiator plays the symmetric role. The
// trailing digits are the protocol version: there is no negotiation, a
// mismatch is fatal.
const (
	handshakeResponder = "TEXPRESSOS01"
	handshakeInitiator = "TEXPRESSOC01"
)

// ErrNoQuery is returned by ReadQuery when the stream has no data staged
// and none immediately available. It is the only non-fatal negative result
// in the decode path; it also signals end of stream on a closed peer.
var ErrNoQuery = errors.New("protocol: no query pending")

// ErrProtocol is wrapped by all unrecoverable framing errors: unknown
// tags, oversized payloads. It signals a version mismatch or a corrupted
// stream, not a retryable condition.
var ErrProtocol = errors.New("protocol: invalid frame")

// Channel wraps an already-connected duplex byte stream with the staging
// buffers and the scratch buffer of the TeXpresso protocol. A Channel is
// owned by a single goroutine; concurrent use is unsupported.
//
// Any transport or framing error poisons the channel: every subsequent
// call fails with the same error, and the owner is expected to Close it.
type Channel struct {
	conn io.ReadWriteCloser

	in struct {
		buf      [stagingSize]byte
		pos, len int
	}
	out struct {
		buf [stagingSize]byte
		pos int
	}

	// scratch holds variable-length payloads; len(scratch) is its
	// capacity, in the C sense.
	scratch []byte

	err error
}

// NewChannel wraps conn. The channel takes ownership of conn: Close closes
// it.
func NewChannel(conn io.ReadWriteCloser) *Channel {
	return &Channel{
		conn:    conn,
		scratch: make([]byte, scratchInitialSize),
	}
}

// Close closes the underlying stream.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// Err returns the error that poisoned the channel, if any.
func (c *Channel) Err() error {
	return c.err
}

func (c *Channel) fail(err error) error {
	if c.err == nil && err != nil {
		c.err = err
	}
	return c.err
}

// readExact reads exactly len(dst) bytes from the stream, retrying across
// partial reads and interruptions. A zero-byte read is an unexpected end
// of stream.
func (c *Channel) readExact(dst []byte) error {
	for len(dst) > 0 {
		n, err := c.conn.Read(dst)
		if err != nil && errors.Is(err, syscall.EINTR) {
			continue
		}
		if n == 0 {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return c.fail(fmt.Errorf("protocol: read: %w", err))
		}
		dst = dst[n:]
	}
	return nil
}

// writeExact writes all of src to the stream, retrying across partial
// writes and interruptions.
func (c *Channel) writeExact(src []byte) error {
	for len(src) > 0 {
		n, err := c.conn.Write(src)
		if err != nil && errors.Is(err, syscall.EINTR) {
			continue
		}
		if err != nil {
			return c.fail(fmt.Errorf("protocol: write: %w", err))
		}
		src = src[n:]
	}
	return nil
}

// compact moves unread input to the front of the staging buffer.
func (c *Channel) compact() {
	avail := c.in.len - c.in.pos
	copy(c.in.buf[:avail], c.in.buf[c.in.pos:c.in.len])
	c.in.pos = 0
	c.in.len = avail
}

// refill compacts the staged input and reads from the stream until at
// least atLeast new bytes arrived. A zero-byte read here means the peer
// closed mid-frame, which is fatal.
func (c *Channel) refill(atLeast int) {
	if c.err != nil {
		return
	}
	c.compact()
	got := 0
	for got < atLeast {
		n, err := c.conn.Read(c.in.buf[c.in.len:])
		if err != nil && errors.Is(err, syscall.EINTR) {
			continue
		}
		if n == 0 {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			c.fail(fmt.Errorf("protocol: refill: %w", err))
			return
		}
		c.in.len += n
		got += n
	}
}

// refillOptional performs a single read into the staged input. End of
// stream is not an error here: the caller interprets an empty buffer as
// "nothing pending".
func (c *Channel) refillOptional() {
	if c.err != nil {
		return
	}
	c.compact()
	for {
		n, err := c.conn.Read(c.in.buf[c.in.len:])
		if err != nil && errors.Is(err, syscall.EINTR) {
			continue
		}
		if err != nil && err != io.EOF {
			c.fail(fmt.Errorf("protocol: read: %w", err))
			return
		}
		c.in.len += n
		return
	}
}

// growScratch ensures the scratch buffer holds at least n bytes,
// preserving its contents. Growth doubles the capacity.
func (c *Channel) growScratch(n int) {
	if n <= len(c.scratch) || c.err != nil {
		return
	}
	if n > maxScratchSize {
		c.fail(fmt.Errorf("%w: payload of %d bytes exceeds limit", ErrProtocol, n))
		return
	}
	size := len(c.scratch)
	for size < n {
		size *= 2
	}
	buf := make([]byte, size)
	copy(buf, c.scratch)
	c.scratch = buf
}

// getByte returns the next input byte, refilling the staging buffer when
// it runs dry.
func (c *Channel) getByte() byte {
	if c.in.pos == c.in.len {
		c.refill(1)
	}
	if c.err != nil {
		return 0
	}
	b := c.in.buf[c.in.pos]
	c.in.pos++
	return b
}

// readZString copies input bytes into the scratch buffer at *pos up to and
// including the NUL terminator, and returns the decoded string. Successive
// calls lay strings out back to back in the scratch buffer.
func (c *Channel) readZString(pos *int) string {
	start := *pos
	for {
		if *pos == len(c.scratch) {
			c.growScratch(len(c.scratch) + 1)
		}
		if c.err != nil {
			return ""
		}
		b := c.getByte()
		if c.err != nil {
			return ""
		}
		c.scratch[*pos] = b
		*pos++
		if b == 0 {
			return string(c.scratch[start : *pos-1])
		}
	}
}

// readBytes reads exactly size bytes into the scratch buffer at pos,
// consuming staged input first and reading the remainder directly from the
// stream.
func (c *Channel) readBytes(pos, size int) {
	c.growScratch(pos + size)
	if c.err != nil {
		return
	}
	staged := c.in.len - c.in.pos
	if staged >= size {
		copy(c.scratch[pos:pos+size], c.in.buf[c.in.pos:])
		c.in.pos += size
		return
	}
	copy(c.scratch[pos:pos+staged], c.in.buf[c.in.pos:c.in.len])
	pos += staged
	size -= staged
	c.in.pos, c.in.len = 0, 0
	c.readExact(c.scratch[pos : pos+size])
}

// writeBytes stages src for output, flushing when the staging buffer is
// full and bypassing it entirely for oversized payloads.
func (c *Channel) writeBytes(src []byte) {
	if c.err != nil {
		return
	}
	if c.out.pos+len(src) <= stagingSize {
		copy(c.out.buf[c.out.pos:], src)
		c.out.pos += len(src)
		return
	}
	if c.Flush() != nil {
		return
	}
	if len(src) > stagingSize {
		c.writeExact(src)
		return
	}
	copy(c.out.buf[:], src)
	c.out.pos = len(src)
}

func (c *Channel) readU32() uint32 {
	if avail := c.in.len - c.in.pos; avail < 4 {
		c.refill(4 - avail)
	}
	if c.err != nil {
		return 0
	}
	u := binary.LittleEndian.Uint32(c.in.buf[c.in.pos:])
	c.in.pos += 4
	return u
}

// tryReadU32 is the non-blocking-friendly variant used to detect a new
// query's leading tag. It reports false when the stream has nothing staged
// and nothing immediately available (including a cleanly closed peer); a
// partial frame triggers blocking completion instead.
func (c *Channel) tryReadU32() (uint32, bool) {
	avail := c.in.len - c.in.pos
	if avail == 0 {
		c.refillOptional()
		avail = c.in.len - c.in.pos
	}
	if avail == 0 || c.err != nil {
		return 0, false
	}
	if avail < 4 {
		c.refill(4 - avail)
	}
	if c.err != nil {
		return 0, false
	}
	u := binary.LittleEndian.Uint32(c.in.buf[c.in.pos:])
	c.in.pos += 4
	return u, true
}

func (c *Channel) writeU32(u uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], u)
	c.writeBytes(b[:])
}

func (c *Channel) readF32() float32 {
	return math.Float32frombits(c.readU32())
}

func (c *Channel) writeF32(f float32) {
	c.writeU32(math.Float32bits(f))
}

func (c *Channel) writeZString(s string) {
	c.writeBytes([]byte(s))
	c.writeBytes([]byte{0})
}

// Flush pushes any buffered output bytes to the stream.
func (c *Channel) Flush() error {
	if c.err != nil {
		return c.err
	}
	if c.out.pos == 0 {
		return nil
	}
	pos := c.out.pos
	c.out.pos = 0
	return c.writeExact(c.out.buf[:pos])
}

// WriteBuffer grows the scratch buffer to at least n bytes and returns it
// for the caller to fill, typically to stage an outgoing ARead or AOpen
// payload. The slice is invalidated by the next call on the channel.
func (c *Channel) WriteBuffer(n int) ([]byte, error) {
	c.growScratch(n)
	if c.err != nil {
		return nil, c.err
	}
	return c.scratch[:n], nil
}

// Handshake performs the responder side of the protocol handshake: it
// sends the responder literal and checks the 12 bytes the initiator sends
// back. It reports whether the peer speaks the same protocol version; a
// mismatch is left to the caller to treat as fatal.
func (c *Channel) Handshake() (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	if err := c.writeExact([]byte(handshakeResponder)); err != nil {
		return false, err
	}
	var answer [len(handshakeInitiator)]byte
	if err := c.readExact(answer[:]); err != nil {
		return false, err
	}
	return string(answer[:]) == handshakeInitiator, nil
}

// HandshakeInitiator performs the initiator side of the handshake.
func (c *Channel) HandshakeInitiator() (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	if err := c.writeExact([]byte(handshakeInitiator)); err != nil {
		return false, err
	}
	var answer [len(handshakeResponder)]byte
	if err := c.readExact(answer[:]); err != nil {
		return false, err
	}
	return string(answer[:]) == handshakeResponder, nil
}

// deadlineConn is the readiness fallback for streams without a pollable
// file descriptor (net.Pipe, in tests).
type deadlineConn interface {
	SetReadDeadline(t time.Time) error
}

// HasPending reports whether a read on the channel would find data. It
// returns true immediately when unread input is already staged; otherwise
// it waits for stream readiness up to timeout. A negative timeout blocks
// indefinitely, a zero timeout polls.
//
// Readiness includes end of stream: a closed peer reads as ready, and the
// following ReadQuery reports ErrNoQuery.
func (c *Channel) HasPending(timeout time.Duration) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	if c.in.pos != c.in.len {
		return true, nil
	}
	if sc, ok := c.conn.(syscall.Conn); ok {
		return c.pollConn(sc, timeout)
	}
	if dc, ok := c.conn.(deadlineConn); ok {
		return c.pollDeadline(dc, timeout)
	}
	// No way to test readiness: a blocking wait is equivalent to letting
	// the next read block.
	return timeout < 0, nil
}

func (c *Channel) pollConn(sc syscall.Conn, timeout time.Duration) (bool, error) {
	rc, err := sc.SyscallConn()
	if err != nil {
		return false, c.fail(fmt.Errorf("protocol: poll: %w", err))
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	ready := false
	var pollErr error
	ctrlErr := rc.Control(func(fd uintptr) {
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		for {
			n, err := unix.Poll(pfd, ms)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				pollErr = err
				return
			}
			ready = n > 0
			return
		}
	})
	if ctrlErr != nil {
		return false, c.fail(fmt.Errorf("protocol: poll: %w", ctrlErr))
	}
	if pollErr != nil {
		return false, c.fail(fmt.Errorf("protocol: poll: %w", pollErr))
	}
	return ready, nil
}

// pollDeadline emulates readiness by reading into the staging buffer under
// a deadline. Bytes that arrive are staged, so they are not lost.
func (c *Channel) pollDeadline(dc deadlineConn, timeout time.Duration) (bool, error) {
	c.compact()
	if timeout >= 0 {
		if err := dc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return false, c.fail(fmt.Errorf("protocol: poll: %w", err))
		}
		defer dc.SetReadDeadline(time.Time{})
	}
	n, err := c.conn.Read(c.in.buf[c.in.len:])
	c.in.len += n
	if n > 0 {
		return true, nil
	}
	if err == io.EOF {
		return true, nil
	}
	var timeoutErr interface{ Timeout() bool }
	if err == nil || (errors.As(err, &timeoutErr) && timeoutErr.Timeout()) {
		return false, nil
	}
	return false, c.fail(fmt.Errorf("protocol: poll: %w", err))
}
