package server

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aeolun/offmsg/pkg/protocol"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  protocol.MaxFrameSize,
	WriteBufferSize: protocol.MaxFrameSize,
	// Browser clients may be served from anywhere; there is no cookie auth to protect
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn carries one frame per WebSocket text message
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // Protects writes to conn
}

func newWSConn(conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(protocol.MaxFrameSize)
	return &wsConn{conn: conn}
}

// ReadFrame returns the next message. A close frame from the peer reads as io.EOF.
func (w *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return nil, io.EOF
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, io.EOF
	}
	return data, nil
}

func (w *wsConn) WriteFrame(payload []byte) error {
	if len(payload) > protocol.MaxFrameSize {
		return protocol.ErrFrameTooLarge
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsConn) SetReadDeadline(t time.Time) error {
	return w.conn.SetReadDeadline(t)
}

func (w *wsConn) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

func (w *wsConn) Close() error {
	w.mu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.mu.Unlock()
	return w.conn.Close()
}

// HandleWebSocket upgrades the request and runs a session over it
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error
		logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	sess, ok := s.openSession(newWSConn(conn), "websocket")
	if !ok {
		conn.Close()
		return
	}
	defer s.wg.Done()

	logger.Debug().
		Uint64("session", sess.ID).
		Str("trace", sess.TraceID.String()).
		Str("remote", sess.RemoteAddr).
		Msg("new websocket connection")
	s.messageLoop(sess)
}
