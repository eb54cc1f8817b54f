package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// pollInterval bounds how long a blocking receive waits before checking
// its interrupt.
const pollInterval = 100 * time.Millisecond

// FramedSocket wraps a TCP connection with GRAIL length-prefixed message
// framing. Receives buffer unfinished bytes between calls so a frame may
// arrive across any number of TCP segments; ClearUnfinished discards that
// buffer after a reconnect. Send and receive sides may be used from
// different goroutines, but each side expects a single caller at a time.
type FramedSocket struct {
	conn       net.Conn
	unfinished []byte
	connected  atomic.Bool
}

// Dial opens a TCP connection to the given host and port and wraps it in
// a FramedSocket.
func Dial(ip string, port uint16) (*FramedSocket, error) {
	conn, err := net.Dial("tcp", net.JoinHostPort(ip, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("error connecting to %s:%d: %w", ip, port, err)
	}
	return NewFramedSocket(conn), nil
}

// NewFramedSocket wraps an already-open connection.
func NewFramedSocket(conn net.Conn) *FramedSocket {
	fs := &FramedSocket{conn: conn}
	fs.connected.Store(true)
	return fs
}

// Connected reports whether the underlying connection is believed open.
func (fs *FramedSocket) Connected() bool {
	return fs != nil && fs.connected.Load()
}

// Close shuts the connection down. Safe to call more than once.
func (fs *FramedSocket) Close() error {
	if fs == nil || fs.conn == nil {
		return nil
	}
	fs.connected.Store(false)
	return fs.conn.Close()
}

// ClearUnfinished drops any partially received frame bytes. Call after a
// handshake so stale bytes from a previous connection never prefix the
// first frame.
func (fs *FramedSocket) ClearUnfinished() {
	fs.unfinished = fs.unfinished[:0]
}

// Send writes a complete frame (header included, as produced by the
// encoders in this package) to the connection.
func (fs *FramedSocket) Send(frame []byte) error {
	if !fs.Connected() {
		return errors.New("socket is not connected")
	}
	if _, err := fs.conn.Write(frame); err != nil {
		fs.connected.Store(false)
		return fmt.Errorf("error sending frame: %w", err)
	}
	return nil
}

// SendRaw writes bytes without framing. Used for the handshake exchange,
// which predates framing on the wire.
func (fs *FramedSocket) SendRaw(buf []byte) error {
	return fs.Send(buf)
}

// ReceiveRaw blocks until exactly n bytes arrive and returns them. Used
// for the handshake exchange.
func (fs *FramedSocket) ReceiveRaw(n int) ([]byte, error) {
	if !fs.Connected() {
		return nil, errors.New("socket is not connected")
	}
	buf := make([]byte, n)
	fs.conn.SetReadDeadline(time.Time{})
	off := 0
	for off < n {
		r, err := fs.conn.Read(buf[off:])
		if err != nil {
			fs.connected.Store(false)
			return buf[:off], fmt.Errorf("error receiving %d bytes: %w", n, err)
		}
		off += r
	}
	return buf, nil
}

// ReceiveNext blocks until a complete frame is available and returns it,
// header included. When the interrupt becomes truthy the call returns an
// empty buffer and a nil error; the caller is expected to check the
// interrupt before using the result. Unfinished bytes are kept between
// calls.
func (fs *FramedSocket) ReceiveNext(interrupt *Interrupt) ([]byte, error) {
	if !fs.Connected() {
		return nil, errors.New("socket is not connected")
	}
	chunk := make([]byte, 4096)
	for {
		if frame := fs.takeFrame(); frame != nil {
			return frame, nil
		}
		if interrupt.Triggered() {
			return nil, nil
		}
		fs.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := fs.conn.Read(chunk)
		if n > 0 {
			fs.unfinished = append(fs.unfinished, chunk[:n]...)
		}
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			fs.connected.Store(false)
			return nil, fmt.Errorf("error receiving frame: %w", err)
		}
	}
}

// takeFrame splits one complete frame off the unfinished buffer, or
// returns nil if no complete frame has arrived yet.
func (fs *FramedSocket) takeFrame() []byte {
	if len(fs.unfinished) < HeaderLen {
		return nil
	}
	payloadLen := int(binary.BigEndian.Uint32(fs.unfinished))
	total := HeaderLen + payloadLen
	if len(fs.unfinished) < total {
		return nil
	}
	frame := make([]byte, total)
	copy(frame, fs.unfinished[:total])
	fs.unfinished = append(fs.unfinished[:0], fs.unfinished[total:]...)
	return frame
}
