package client

import (
	"sync"

	"github.com/aeolun/offmsg/pkg/protocol"
)

// MockConnection is a test implementation of ConnectionInterface. Responses
// are served from a per-command queue; a command with nothing queued gets
// 200 with empty content.
type MockConnection struct {
	mu sync.Mutex

	connected  bool
	address    string
	connectErr error
	sendErr    error

	responses map[string][]protocol.Response

	// Sent requests for verification
	Sent []protocol.Request
}

// NewMockConnection creates a new mock connection
func NewMockConnection(address string) *MockConnection {
	return &MockConnection{
		address:   address,
		responses: make(map[string][]protocol.Response),
	}
}

// Connect simulates connecting to the server
func (m *MockConnection) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *MockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockConnection) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockConnection) GetAddress() string {
	return m.address
}

func (m *MockConnection) GetConnectionType() string {
	return "mock"
}

// RoundTrip records req and pops the next queued response for its command
func (m *MockConnection) RoundTrip(req protocol.Request) (protocol.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return protocol.Response{}, ErrNotConnected
	}
	if m.sendErr != nil {
		return protocol.Response{}, m.sendErr
	}

	m.Sent = append(m.Sent, req)

	queue := m.responses[req.Command]
	if len(queue) == 0 {
		return protocol.Response{Status: protocol.StatusOK}, nil
	}
	m.responses[req.Command] = queue[1:]
	return queue[0], nil
}

// Test helpers

// QueueResponse queues the response for the next request of cmd
func (m *MockConnection) QueueResponse(cmd protocol.CommandName, status int, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[string(cmd)] = append(m.responses[string(cmd)], protocol.Response{Status: status, Content: content})
}

// SetConnectError sets an error to return from Connect()
func (m *MockConnection) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetSendError sets an error to return from RoundTrip()
func (m *MockConnection) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SentRequests returns a copy of every request sent so far
func (m *MockConnection) SentRequests() []protocol.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.Request, len(m.Sent))
	copy(out, m.Sent)
	return out
}

var _ ConnectionInterface = (*MockConnection)(nil)
