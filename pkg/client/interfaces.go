package client

import (
	"github.com/aeolun/offmsg/pkg/protocol"
)

// ConnectionInterface defines the interface for client connections
// This allows for mocking in tests while the real Connection implements all these methods
type ConnectionInterface interface {
	// Connection management
	Connect() error
	Close() error
	IsConnected() bool
	GetAddress() string
	GetConnectionType() string

	// RoundTrip sends one request and waits for its response
	RoundTrip(req protocol.Request) (protocol.Response, error)
}

// API is the messenger surface the UI drives. *Client implements it.
type API interface {
	Username() string
	LoggedIn() bool
	ServerAddress() string

	Login(username, password string) error
	Register(username, firstName, lastName, password, confirm string) error
	Logout() error
	Quit() error
	Help() ([]string, error)

	UsersCount() (int, error)
	ViewUsers(page int) ([]protocol.UserRow, error)
	MessagesCount(peer string) (int, error)
	ViewMessages(peer string, page int) ([]protocol.MessageRow, error)
	SendMessage(peer, body string, replyID int64) (int64, error)
	MarkRead(ids ...int64) error
}

// StateInterface defines the interface for client state persistence
// This allows for mocking in tests while the real State implements all these methods
type StateInterface interface {
	// Configuration
	GetConfig(key string) (string, error)
	SetConfig(key, value string) error

	GetLastUsername() string
	SetLastUsername(username string) error

	GetLastServer() string
	SetLastServer(address string) error

	// State directory
	GetStateDir() string

	// Close the state
	Close() error
}

var (
	_ ConnectionInterface = (*Connection)(nil)
	_ API                 = (*Client)(nil)
	_ StateInterface      = (*State)(nil)
	_ StateInterface      = (*MockState)(nil)
)
