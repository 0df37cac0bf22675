package server

import (
	"net"
	"sync"
	"time"

	"github.com/aeolun/offmsg/pkg/protocol"
)

// FrameConn is one client connection that carries whole frames.
// Implementations serialize writes; reads happen on the session goroutine only.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// SafeConn wraps a net.Conn with write synchronization so that a response
// and a shutdown write can never interleave on the wire.
type SafeConn struct {
	conn net.Conn
	buf  []byte     // Read buffer, only touched by the session goroutine
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a net.Conn with write synchronization
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{
		conn: conn,
		buf:  make([]byte, protocol.MaxFrameSize),
	}
}

// ReadFrame reads one frame. The returned slice is only valid until the next call.
func (sc *SafeConn) ReadFrame() ([]byte, error) {
	return protocol.ReadFrame(sc.conn, sc.buf)
}

// WriteFrame writes one frame with synchronization
func (sc *SafeConn) WriteFrame(payload []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return protocol.WriteFrame(sc.conn, payload)
}

// SetReadDeadline bounds the next read
func (sc *SafeConn) SetReadDeadline(t time.Time) error {
	return sc.conn.SetReadDeadline(t)
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() string {
	return sc.conn.RemoteAddr().String()
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}
