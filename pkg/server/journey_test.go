package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/offmsg/pkg/database"
	"github.com/aeolun/offmsg/pkg/protocol"
)

// ---------------------------------------------------------------------------
// Transport abstraction
// ---------------------------------------------------------------------------

// transportClient sends requests and reads responses over TCP or WebSocket
type transportClient interface {
	send(t *testing.T, req protocol.Request)
	sendRaw(t *testing.T, payload []byte)
	// expect reads the next response within timeout
	expect(t *testing.T, timeout time.Duration) protocol.Response
	// expectClosed asserts the server closed the connection without writing
	expectClosed(t *testing.T, timeout time.Duration)
	close()
}

const journeyTimeout = 5 * time.Second

// ---------------------------------------------------------------------------
// TCP transport
// ---------------------------------------------------------------------------

type tcpClient struct {
	conn      net.Conn
	buf       []byte
	closeOnce sync.Once
}

func newTCPClient(t *testing.T, addr string) *tcpClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err, "TCP connect to %s", addr)
	return &tcpClient{conn: conn, buf: make([]byte, protocol.MaxFrameSize)}
}

func (c *tcpClient) send(t *testing.T, req protocol.Request) {
	t.Helper()
	c.sendRaw(t, protocol.EncodeRequest(req))
}

func (c *tcpClient) sendRaw(t *testing.T, payload []byte) {
	t.Helper()
	require.NoError(t, protocol.WriteFrame(c.conn, payload), "TCP send")
}

func (c *tcpClient) expect(t *testing.T, timeout time.Duration) protocol.Response {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	frame, err := protocol.ReadFrame(c.conn, c.buf)
	c.conn.SetReadDeadline(time.Time{})
	require.NoError(t, err, "TCP read")
	resp, err := protocol.DecodeResponse(frame)
	require.NoError(t, err, "TCP decode %q", frame)
	return resp
}

func (c *tcpClient) expectClosed(t *testing.T, timeout time.Duration) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	frame, err := protocol.ReadFrame(c.conn, c.buf)
	require.Error(t, err, "TCP expected close, got %q", frame)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatalf("TCP expected close, connection still open after %v", timeout)
	}
}

func (c *tcpClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// ---------------------------------------------------------------------------
// WebSocket transport
//
// One text message carries one frame in each direction.
// ---------------------------------------------------------------------------

type wsClient struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func newWSClient(t *testing.T, url string) *wsClient {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: journeyTimeout}
	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err, "WebSocket dial %s", url)
	return &wsClient{conn: conn}
}

func (c *wsClient) send(t *testing.T, req protocol.Request) {
	t.Helper()
	c.sendRaw(t, protocol.EncodeRequest(req))
}

func (c *wsClient) sendRaw(t *testing.T, payload []byte) {
	t.Helper()
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, payload), "WS send")
}

func (c *wsClient) expect(t *testing.T, timeout time.Duration) protocol.Response {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	require.NoError(t, err, "WS read")
	resp, err := protocol.DecodeResponse(data)
	require.NoError(t, err, "WS decode %q", data)
	return resp
}

func (c *wsClient) expectClosed(t *testing.T, timeout time.Duration) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	require.Error(t, err, "WS expected close, got %q", data)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatalf("WS expected close, connection still open after %v", timeout)
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// ---------------------------------------------------------------------------
// Server setup for journey tests
// ---------------------------------------------------------------------------

type journeyServers struct {
	srv     *Server
	store   database.Store
	tcpAddr string
	wsURL   string
}

// setupJourneyServer starts a server on a random TCP port with its
// WebSocket handler mounted on an httptest server
func setupJourneyServer(t *testing.T, configure func(*ServerConfig), opts ...Option) *journeyServers {
	t.Helper()

	store, err := database.Open(filepath.Join(t.TempDir(), "journey.db"))
	require.NoError(t, err)

	config := DefaultConfig()
	config.BindAddress = "127.0.0.1"
	config.TCPPort = 0
	config.SessionTimeout = time.Minute
	config.RequestsPerSecond = 0
	if configure != nil {
		configure(&config)
	}

	srv := NewServer(store, config, opts...)
	require.NoError(t, srv.Start())

	ws := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))

	t.Cleanup(func() {
		srv.Stop()
		ws.Close()
	})

	return &journeyServers{
		srv:     srv,
		store:   store,
		tcpAddr: srv.Addr().String(),
		wsURL:   "ws" + strings.TrimPrefix(ws.URL, "http") + "/ws",
	}
}

type transportFactory struct {
	name    string
	connect func(t *testing.T, servers *journeyServers) transportClient
}

func allTransports() []transportFactory {
	return []transportFactory{
		{"tcp", func(t *testing.T, s *journeyServers) transportClient { return newTCPClient(t, s.tcpAddr) }},
		{"websocket", func(t *testing.T, s *journeyServers) transportClient { return newWSClient(t, s.wsURL) }},
	}
}

func roundTrip(t *testing.T, c transportClient, authorized bool, cmd protocol.Command) protocol.Response {
	t.Helper()
	c.send(t, protocol.NewRequest(cmd, authorized))
	return c.expect(t, journeyTimeout)
}

// ---------------------------------------------------------------------------
// Main test entry point
// ---------------------------------------------------------------------------

func TestJourney(t *testing.T) {
	servers := setupJourneyServer(t, nil)

	for _, tf := range allTransports() {
		t.Run("full_user_journey/"+tf.name, func(t *testing.T) {
			runFullUserJourney(t, servers, tf)
		})
	}

	for _, tf := range allTransports() {
		t.Run("malformed_frames/"+tf.name, func(t *testing.T) {
			runMalformedFrames(t, servers, tf)
		})
	}

	t.Run("cross_transport_conversation", func(t *testing.T) {
		runCrossTransportConversation(t, servers)
	})

	t.Run("concurrent_sessions", func(t *testing.T) {
		runConcurrentSessions(t, servers)
	})
}

// ---------------------------------------------------------------------------
// Full user journey
// ---------------------------------------------------------------------------

func runFullUserJourney(t *testing.T, servers *journeyServers, tf transportFactory) {
	alice := "alice_" + tf.name
	bob := "bob_" + tf.name

	// Step 1: Help before login
	ac := tf.connect(t, servers)
	defer ac.close()
	resp := roundTrip(t, ac, false, protocol.Help{})
	require.Equal(t, protocol.StatusOK, resp.Status)
	assert.Contains(t, protocol.SplitFields(resp.Content), "Register")

	// Step 2: Register both users on their own connections
	resp = roundTrip(t, ac, false, protocol.Register{
		Username: alice, FirstName: "Alice", LastName: "A", Password: "secret1", ConfirmPassword: "secret1",
	})
	require.Equal(t, protocol.Response{Status: 201, Content: alice}, resp)

	bc := tf.connect(t, servers)
	defer bc.close()
	resp = roundTrip(t, bc, false, protocol.Register{
		Username: bob, FirstName: "Bob", LastName: "B", Password: "secret2", ConfirmPassword: "secret2",
	})
	require.Equal(t, protocol.Response{Status: 201, Content: bob}, resp)

	// Step 3: Alice writes to Bob
	resp = roundTrip(t, ac, true, protocol.InsertMessage{Caller: alice, Peer: bob, Body: "hi bob", ReplyID: protocol.NoReply})
	require.Equal(t, protocol.StatusCreated, resp.Status, resp.Content)

	// Step 4: Bob sees one unread message from Alice
	resp = roundTrip(t, bc, true, protocol.ViewUsers{Caller: bob, Page: 1})
	require.Equal(t, protocol.StatusOK, resp.Status)
	users, err := protocol.DecodeUserRows(resp.Content)
	require.NoError(t, err)
	assert.Contains(t, users, protocol.UserRow{Username: alice, Unread: 1})

	// Step 5: Bob reads the conversation and acknowledges it
	resp = roundTrip(t, bc, true, protocol.ViewMessages{Caller: bob, Peer: alice, Page: 1})
	require.Equal(t, protocol.StatusOK, resp.Status)
	rows, err := protocol.DecodeMessageRows(resp.Content)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, alice, rows[0].Sender)
	assert.False(t, rows[0].Read)

	resp = roundTrip(t, bc, true, protocol.UpdateMessageRead{IDs: []int64{rows[0].ID}})
	require.Equal(t, protocol.Response{Status: 200, Content: "Updated"}, resp)

	// Step 6: Bob replies
	resp = roundTrip(t, bc, true, protocol.InsertMessage{Caller: bob, Peer: alice, Body: "hi alice", ReplyID: rows[0].ID})
	require.Equal(t, protocol.StatusCreated, resp.Status, resp.Content)

	resp = roundTrip(t, ac, true, protocol.GetMessagesCount{Caller: alice, Peer: bob})
	require.Equal(t, protocol.Response{Status: 200, Content: "2"}, resp)

	// Step 7: Alice logs out, is gated, logs back in
	resp = roundTrip(t, ac, true, protocol.Logout{})
	require.Equal(t, protocol.Response{Status: 200, Content: "Logged out"}, resp)

	resp = roundTrip(t, ac, false, protocol.GetMessagesCount{Caller: alice, Peer: bob})
	require.Equal(t, protocol.StatusUnauthorized, resp.Status)

	resp = roundTrip(t, ac, false, protocol.Login{Username: alice, Password: "secret1"})
	require.Equal(t, protocol.Response{Status: 200, Content: alice}, resp)

	// Step 8: Quit answers, then the server closes the connection
	resp = roundTrip(t, ac, true, protocol.Quit{})
	require.Equal(t, protocol.Response{Status: 200, Content: "Goodbye"}, resp)
	ac.expectClosed(t, journeyTimeout)

	// Bob is unaffected
	resp = roundTrip(t, bc, true, protocol.Help{})
	require.Equal(t, protocol.StatusOK, resp.Status)
}

// ---------------------------------------------------------------------------
// Malformed frames answer 400 and keep the session open
// ---------------------------------------------------------------------------

func runMalformedFrames(t *testing.T, servers *journeyServers, tf transportFactory) {
	c := tf.connect(t, servers)
	defer c.close()

	for _, payload := range []string{"garbage", "7:Help:", "0::", "0:Login:a:b"} {
		c.sendRaw(t, []byte(payload))
		resp := c.expect(t, journeyTimeout)
		assert.Equal(t, protocol.StatusBadRequest, resp.Status, payload)
	}

	resp := roundTrip(t, c, false, protocol.Help{})
	assert.Equal(t, protocol.StatusOK, resp.Status)
}

// ---------------------------------------------------------------------------
// A message sent over TCP is read over WebSocket
// ---------------------------------------------------------------------------

func runCrossTransportConversation(t *testing.T, servers *journeyServers) {
	tcp := newTCPClient(t, servers.tcpAddr)
	defer tcp.close()
	ws := newWSClient(t, servers.wsURL)
	defer ws.close()

	resp := roundTrip(t, tcp, false, protocol.Register{
		Username: "tcp_user", FirstName: "T", LastName: "C", Password: "secret1", ConfirmPassword: "secret1",
	})
	require.Equal(t, protocol.StatusCreated, resp.Status)
	resp = roundTrip(t, ws, false, protocol.Register{
		Username: "ws_user", FirstName: "W", LastName: "S", Password: "secret1", ConfirmPassword: "secret1",
	})
	require.Equal(t, protocol.StatusCreated, resp.Status)

	resp = roundTrip(t, tcp, true, protocol.InsertMessage{Caller: "tcp_user", Peer: "ws_user", Body: "across", ReplyID: protocol.NoReply})
	require.Equal(t, protocol.StatusCreated, resp.Status)

	resp = roundTrip(t, ws, true, protocol.ViewMessages{Caller: "ws_user", Peer: "tcp_user", Page: 1})
	require.Equal(t, protocol.StatusOK, resp.Status)
	rows, err := protocol.DecodeMessageRows(resp.Content)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "across", rows[0].Body)
}

// ---------------------------------------------------------------------------
// Many sessions writing at once keep ids unique
// ---------------------------------------------------------------------------

func runConcurrentSessions(t *testing.T, servers *journeyServers) {
	const writers = 8
	const perWriter = 5

	setup := newTCPClient(t, servers.tcpAddr)
	defer setup.close()
	resp := roundTrip(t, setup, false, protocol.Register{
		Username: "inbox", FirstName: "I", LastName: "B", Password: "secret1", ConfirmPassword: "secret1",
	})
	require.Equal(t, protocol.StatusCreated, resp.Status)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			name := fmt.Sprintf("writer%d", w)
			conn, err := net.Dial("tcp", servers.tcpAddr)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			buf := make([]byte, protocol.MaxFrameSize)

			call := func(cmd protocol.Command, authorized bool) (protocol.Response, error) {
				if err := protocol.WriteFrame(conn, protocol.EncodeRequest(protocol.NewRequest(cmd, authorized))); err != nil {
					return protocol.Response{}, err
				}
				conn.SetReadDeadline(time.Now().Add(journeyTimeout))
				frame, err := protocol.ReadFrame(conn, buf)
				if err != nil {
					return protocol.Response{}, err
				}
				return protocol.DecodeResponse(frame)
			}

			if _, err := call(protocol.Register{Username: name, FirstName: "W", LastName: "R", Password: "secret1", ConfirmPassword: "secret1"}, false); err != nil {
				errs <- err
				return
			}
			for i := 0; i < perWriter; i++ {
				resp, err := call(protocol.InsertMessage{Caller: name, Peer: "inbox", Body: "msg", ReplyID: protocol.NoReply}, true)
				if err != nil {
					errs <- err
					return
				}
				if resp.Status != protocol.StatusCreated {
					errs <- fmt.Errorf("%s insert %d: status %d %s", name, i, resp.Status, resp.Content)
					return
				}
				mu.Lock()
				ids[resp.Content] = true
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, ids, writers*perWriter)
}

// ---------------------------------------------------------------------------
// Oversized names and responses never cost a session its connection
// ---------------------------------------------------------------------------

func TestOversizedContentKeepsSessions(t *testing.T) {
	servers := setupJourneyServer(t, func(c *ServerConfig) {
		c.MaxMessageLength = 2000
	})

	for _, tf := range allTransports() {
		t.Run(tf.name, func(t *testing.T) {
			alice := "alice_" + tf.name
			bob := "bob_" + tf.name

			ac := tf.connect(t, servers)
			defer ac.close()

			long := strings.Repeat("a", 4500)
			resp := roundTrip(t, ac, false, protocol.Register{
				Username: long, FirstName: "Alice", LastName: "A", Password: "secret1", ConfirmPassword: "secret1",
			})
			require.Equal(t, protocol.StatusBadRequest, resp.Status)

			resp = roundTrip(t, ac, false, protocol.Register{
				Username: alice, FirstName: "Alice", LastName: "A", Password: "secret1", ConfirmPassword: "secret1",
			})
			require.Equal(t, protocol.StatusCreated, resp.Status, resp.Content)

			bc := tf.connect(t, servers)
			defer bc.close()
			resp = roundTrip(t, bc, false, protocol.Register{
				Username: bob, FirstName: "Bob", LastName: "B", Password: "secret2", ConfirmPassword: "secret2",
			})
			require.Equal(t, protocol.StatusCreated, resp.Status, resp.Content)

			// Nine 1000-byte bodies do not fit in one response frame
			body := strings.Repeat("x", 1000)
			for i := 0; i < 9; i++ {
				resp = roundTrip(t, ac, true, protocol.InsertMessage{Caller: alice, Peer: bob, Body: body, ReplyID: protocol.NoReply})
				require.Equal(t, protocol.StatusCreated, resp.Status, resp.Content)
			}

			resp = roundTrip(t, bc, true, protocol.ViewMessages{Caller: bob, Peer: alice, Page: 1})
			assert.Equal(t, protocol.Response{Status: 500, Content: "Response too large"}, resp)

			resp = roundTrip(t, bc, true, protocol.GetMessagesCount{Caller: bob, Peer: alice})
			assert.Equal(t, protocol.Response{Status: 200, Content: "9"}, resp)

			resp = roundTrip(t, ac, true, protocol.ViewUsers{Caller: alice, Page: 1})
			assert.Equal(t, protocol.StatusOK, resp.Status)
		})
	}
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

func TestIdleSessionIsClosed(t *testing.T) {
	servers := setupJourneyServer(t, func(c *ServerConfig) {
		c.SessionTimeout = 100 * time.Millisecond
	})

	for _, tf := range allTransports() {
		t.Run(tf.name, func(t *testing.T) {
			c := tf.connect(t, servers)
			defer c.close()
			c.expectClosed(t, journeyTimeout)
		})
	}
}

func TestStopClosesSessions(t *testing.T) {
	servers := setupJourneyServer(t, nil)

	c := newTCPClient(t, servers.tcpAddr)
	defer c.close()
	resp := roundTrip(t, c, false, protocol.Help{})
	require.Equal(t, protocol.StatusOK, resp.Status)

	require.NoError(t, servers.srv.Stop())
	c.expectClosed(t, journeyTimeout)
	assert.Equal(t, 0, servers.srv.Sessions().Count())

	// A second Stop is a no-op
	assert.NoError(t, servers.srv.Stop())

	_, err := net.DialTimeout("tcp", servers.tcpAddr, time.Second)
	assert.Error(t, err)
}

func TestDisconnectWithoutQuit(t *testing.T) {
	servers := setupJourneyServer(t, nil)

	c := newTCPClient(t, servers.tcpAddr)
	roundTrip(t, c, false, protocol.Help{})
	require.Equal(t, 1, servers.srv.Sessions().Count())
	c.close()

	require.Eventually(t, func() bool {
		return servers.srv.Sessions().Count() == 0
	}, journeyTimeout, 10*time.Millisecond)
}

func TestRateLimiterDelaysBursts(t *testing.T) {
	servers := setupJourneyServer(t, func(c *ServerConfig) {
		c.RequestsPerSecond = 20
		c.RequestBurst = 1
	})

	c := newTCPClient(t, servers.tcpAddr)
	defer c.close()

	start := time.Now()
	for i := 0; i < 5; i++ {
		resp := roundTrip(t, c, false, protocol.Help{})
		require.Equal(t, protocol.StatusOK, resp.Status)
	}
	// Four requests beyond the burst at 20/s take at least ~200ms
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Audit events and metrics
// ---------------------------------------------------------------------------

type recordingEventLog struct {
	mu     sync.Mutex
	events []string
	conns  []uint64
}

func (r *recordingEventLog) LogEvent(connID uint64, event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = append(r.conns, connID)
	r.events = append(r.events, event)
}

func (r *recordingEventLog) Close() error { return nil }

func (r *recordingEventLog) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestAuditEventPerRequest(t *testing.T) {
	events := &recordingEventLog{}
	servers := setupJourneyServer(t, nil, WithEventLog(events))

	c := newTCPClient(t, servers.tcpAddr)
	defer c.close()

	roundTrip(t, c, false, protocol.Help{})
	roundTrip(t, c, false, protocol.Login{Username: "ghost", Password: "secret1"})
	c.sendRaw(t, []byte("nonsense"))
	c.expect(t, journeyTimeout)

	got := events.Events()
	require.Len(t, got, 3)
	assert.Contains(t, got[0], "command=Help status=200")
	assert.Contains(t, got[1], "command=Login status=401")
	assert.Contains(t, got[2], "command=invalid status=400")
	for _, e := range got {
		assert.NotContains(t, e, "secret1")
	}
}

func TestMetricsAndHealthEndpoints(t *testing.T) {
	servers := setupJourneyServer(t, nil)

	c := newTCPClient(t, servers.tcpAddr)
	defer c.close()
	roundTrip(t, c, false, protocol.Help{})

	mux := servers.srv.MetricsMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `offmsg_requests_total{command="Help",status="200"} 1`)
	assert.Contains(t, string(body), `offmsg_active_sessions 1`)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health healthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Sessions)
}
