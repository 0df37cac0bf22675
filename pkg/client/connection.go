package client

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/offmsg/pkg/protocol"
)

const (
	defaultTCPPort  = "6470"
	defaultHTTPPort = "80"
	defaultWSPath   = "/ws"
)

var (
	ErrNotConnected = errors.New("not connected")
	// ErrConnectionClosed means the server hung up; the connection must be redialled
	ErrConnectionClosed = errors.New("connection closed by server")
)

// frameConn carries one request or response per frame
type frameConn interface {
	writeFrame(payload []byte) error
	readFrame() ([]byte, error)
	setDeadline(t time.Time) error
	close() error
}

// Connection is a synchronous request/response connection to the server.
// Only one request is in flight at a time.
type Connection struct {
	addr           string // Display address with scheme (e.g., "ws://server:8080/ws")
	dial           func() (frameConn, error)
	connectionType string // "tcp" or "websocket"
	timeout        time.Duration

	mu   sync.Mutex // Serializes round trips and protects conn
	conn frameConn
}

// NewConnection creates an unconnected connection for addr. Accepted forms
// are host[:port], tcp://host[:port], ws://host[:port][/path] and wss://...
func NewConnection(addr string) (*Connection, error) {
	cfg, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}
	return &Connection{
		addr:           cfg.display,
		dial:           cfg.dial,
		connectionType: cfg.kind,
		timeout:        10 * time.Second,
	}, nil
}

// SetTimeout bounds each round trip. Zero disables the bound.
func (c *Connection) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Connect dials the server, replacing any previous connection
func (c *Connection) Connect() error {
	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.close()
	}
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Close closes the connection
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.close()
	c.conn = nil
	return err
}

// IsConnected reports whether a connection is open
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// GetAddress returns the server address for display
func (c *Connection) GetAddress() string {
	return c.addr
}

// GetConnectionType returns "tcp" or "websocket"
func (c *Connection) GetConnectionType() string {
	return c.connectionType
}

// RoundTrip sends req and waits for the response. A transport failure
// closes the connection.
func (c *Connection) RoundTrip(req protocol.Request) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return protocol.Response{}, ErrNotConnected
	}

	if c.timeout > 0 {
		c.conn.setDeadline(time.Now().Add(c.timeout))
		defer func() {
			if c.conn != nil {
				c.conn.setDeadline(time.Time{})
			}
		}()
	}

	if err := c.conn.writeFrame(protocol.EncodeRequest(req)); err != nil {
		c.dropLocked()
		return protocol.Response{}, fmt.Errorf("send %s: %w", req.Command, err)
	}

	frame, err := c.conn.readFrame()
	if err != nil {
		c.dropLocked()
		if isClosedErr(err) {
			return protocol.Response{}, ErrConnectionClosed
		}
		return protocol.Response{}, fmt.Errorf("receive %s: %w", req.Command, err)
	}

	resp, err := protocol.DecodeResponse(frame)
	if err != nil {
		// resp is the usable 500 "Parse Error" value
		return resp, fmt.Errorf("decode %s response: %w", req.Command, err)
	}
	return resp, nil
}

func (c *Connection) dropLocked() {
	c.conn.close()
	c.conn = nil
}

func isClosedErr(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	return strings.Contains(err.Error(), "EOF")
}

// tcpFrameConn frames by Read call, matching the server
type tcpFrameConn struct {
	conn net.Conn
	buf  []byte
}

func (t *tcpFrameConn) writeFrame(payload []byte) error {
	return protocol.WriteFrame(t.conn, payload)
}

func (t *tcpFrameConn) readFrame() ([]byte, error) {
	return protocol.ReadFrame(t.conn, t.buf)
}

func (t *tcpFrameConn) setDeadline(d time.Time) error { return t.conn.SetDeadline(d) }
func (t *tcpFrameConn) close() error                  { return t.conn.Close() }

// wsFrameConn sends one text message per frame
type wsFrameConn struct {
	conn *websocket.Conn
}

func (w *wsFrameConn) writeFrame(payload []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsFrameConn) readFrame() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsFrameConn) setDeadline(d time.Time) error {
	if err := w.conn.SetReadDeadline(d); err != nil {
		return err
	}
	return w.conn.SetWriteDeadline(d)
}

func (w *wsFrameConn) close() error {
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.conn.Close()
}

type dialConfig struct {
	display string
	kind    string
	dial    func() (frameConn, error)
}

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	path := ""
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		hostPort = u.Host
		path = u.Path
	}

	switch scheme {
	case "tcp":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display: address,
			kind:    "tcp",
			dial: func() (frameConn, error) {
				conn, err := net.DialTimeout("tcp", address, 5*time.Second)
				if err != nil {
					return nil, err
				}
				return &tcpFrameConn{conn: conn, buf: make([]byte, protocol.MaxFrameSize)}, nil
			},
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultHTTPPort)
		if err != nil {
			return nil, err
		}
		if path == "" || path == "/" {
			path = defaultWSPath
		}
		target := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port), Path: path}
		return &dialConfig{
			display: target.String(),
			kind:    "websocket",
			dial: func() (frameConn, error) {
				dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
				conn, _, err := dialer.Dial(target.String(), nil)
				if err != nil {
					return nil, err
				}
				conn.SetReadLimit(protocol.MaxFrameSize)
				return &wsFrameConn{conn: conn}, nil
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		if host == "" {
			return "", "", errors.New("missing host in server address")
		}
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}
