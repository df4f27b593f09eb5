// Package bytestream defines the full-duplex byte-stream abstraction a
// protocol engine binds to for its lifetime: a readable input and a
// writable output, each reporting how much it has moved so far.
//
// Acquiring, discovering, and reconnecting the underlying transport
// (Bluetooth SPP, USB-serial, a TCP socket) is a caller concern; this
// package only wraps an already-open io.Reader/io.Writer pair with the
// byte counters an engine's diagnostics need.
package bytestream

import (
	"io"
	"sync"
	"time"
)

// Reader is the readable half of a device byte stream.
type Reader interface {
	// ReadByte blocks for at most one byte. Implementations used by an
	// engine's receiver worker should return promptly (via an
	// underlying read deadline) so the worker can observe shutdown.
	ReadByte() (byte, error)
	// BytesReceived reports the cumulative number of bytes read so far.
	BytesReceived() uint64
	// Since reports how long the stream has been open.
	Since() time.Duration
}

// Writer is the writable half of a device byte stream.
type Writer interface {
	io.Writer
	// BytesSent reports the cumulative number of bytes written so far.
	BytesSent() uint64
}

// NewReader wraps r, counting bytes as ReadByte delivers them and timing
// the stream from the moment NewReader is called.
func NewReader(r io.Reader) Reader {
	return &countingReader{r: r, start: time.Now()}
}

type countingReader struct {
	r     io.Reader
	start time.Time

	mu    sync.Mutex
	count uint64
}

// ReadByte reads exactly one byte, tolerating short reads of zero bytes
// with no error (the common shape of a timed-out serial read) by
// returning io.ErrNoProgress so callers can distinguish "try again" from
// a real transport fault.
func (c *countingReader) ReadByte() (byte, error) {
	var buf [1]byte
	n, err := c.r.Read(buf[:])
	if n == 1 {
		c.mu.Lock()
		c.count++
		c.mu.Unlock()
		return buf[0], nil
	}
	if err == nil {
		return 0, io.ErrNoProgress
	}
	return 0, err
}

func (c *countingReader) BytesReceived() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *countingReader) Since() time.Duration {
	return time.Since(c.start)
}

// NewWriter wraps w, counting bytes as Write accepts them.
func NewWriter(w io.Writer) Writer {
	return &countingWriter{w: w}
}

type countingWriter struct {
	w io.Writer

	mu    sync.Mutex
	count uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.mu.Lock()
	c.count += uint64(n)
	c.mu.Unlock()
	return n, err
}

func (c *countingWriter) BytesSent() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Stream pairs a Reader and a Writer backed by the same duplex
// connection. The two halves are used by distinct workers (receiver
// owns the Reader, sender owns the Writer) for the engine's lifetime.
type Stream struct {
	Reader
	Writer
}

// Open wraps an already-connected duplex connection (e.g. an open
// serial port or Bluetooth SPP socket) as a Stream.
func Open(rw io.ReadWriter) Stream {
	return Stream{Reader: NewReader(rw), Writer: NewWriter(rw)}
}
