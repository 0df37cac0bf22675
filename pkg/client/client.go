package client

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aeolun/offmsg/pkg/protocol"
)

// StatusLocal marks a StatusError produced before anything was sent
const StatusLocal = 0

// PageSize is the number of rows the server returns per page
const PageSize = 10

// StatusError is a request that did not succeed. Status is the server's
// status code, or StatusLocal when client-side validation refused it.
type StatusError struct {
	Command protocol.CommandName
	Status  int
	Content string
	Err     error // validation failure for StatusLocal
}

func (e *StatusError) Error() string {
	if e.Status == StatusLocal {
		return fmt.Sprintf("%s: %s", e.Command, e.Content)
	}
	return fmt.Sprintf("%s: %d %s", e.Command, e.Status, e.Content)
}

func (e *StatusError) Unwrap() error { return e.Err }

// IsStatus reports whether err is a StatusError carrying status
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

// Client sends typed commands over a connection and tracks who is logged in
type Client struct {
	conn ConnectionInterface

	mu       sync.Mutex
	username string
	loggedIn bool
}

// NewClient wraps an already connected connection
func NewClient(conn ConnectionInterface) *Client {
	return &Client{conn: conn}
}

// Dial connects to addr and returns a client for it
func Dial(addr string) (*Client, error) {
	conn, err := NewConnection(addr)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(); err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Client) LoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedIn
}

func (c *Client) ServerAddress() string {
	return c.conn.GetAddress()
}

// Close drops the connection without saying goodbye
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) setLoggedIn(username string, in bool) {
	c.mu.Lock()
	c.username = username
	c.loggedIn = in
	c.mu.Unlock()
}

// do validates cmd, sends it and turns any status >= 400 into a StatusError
func (c *Client) do(cmd protocol.Command) (protocol.Response, error) {
	if err := cmd.Validate(); err != nil {
		return protocol.Response{}, &StatusError{
			Command: cmd.Name(),
			Status:  StatusLocal,
			Content: err.Error(),
			Err:     err,
		}
	}

	resp, err := c.conn.RoundTrip(protocol.NewRequest(cmd, c.LoggedIn()))
	if err != nil {
		return resp, err
	}
	if resp.Status >= protocol.StatusBadRequest {
		return resp, &StatusError{Command: cmd.Name(), Status: resp.Status, Content: resp.Content}
	}
	return resp, nil
}

func (c *Client) Login(username, password string) error {
	if _, err := c.do(protocol.Login{Username: username, Password: password}); err != nil {
		return err
	}
	c.setLoggedIn(username, true)
	return nil
}

// Register creates the account and logs it in
func (c *Client) Register(username, firstName, lastName, password, confirm string) error {
	_, err := c.do(protocol.Register{
		Username:        username,
		FirstName:       firstName,
		LastName:        lastName,
		Password:        password,
		ConfirmPassword: confirm,
	})
	if err != nil {
		return err
	}
	c.setLoggedIn(username, true)
	return nil
}

func (c *Client) Logout() error {
	if _, err := c.do(protocol.Logout{}); err != nil {
		return err
	}
	c.setLoggedIn("", false)
	return nil
}

// Quit ends the session and closes the connection. The server hangs up
// after answering, so a closed connection here is not an error.
func (c *Client) Quit() error {
	_, err := c.do(protocol.Quit{})
	c.setLoggedIn("", false)
	closeErr := c.conn.Close()
	if err != nil && !errors.Is(err, ErrConnectionClosed) {
		return err
	}
	return closeErr
}

// Help lists the commands available in the current state
func (c *Client) Help() ([]string, error) {
	resp, err := c.do(protocol.Help{})
	if err != nil {
		return nil, err
	}
	return protocol.SplitFields(resp.Content), nil
}

func (c *Client) UsersCount() (int, error) {
	resp, err := c.do(protocol.GetUsersCount{Caller: c.Username()})
	if err != nil {
		return 0, err
	}
	return parseCount(resp.Content)
}

// ViewUsers returns one page of other users with their unread counts
func (c *Client) ViewUsers(page int) ([]protocol.UserRow, error) {
	resp, err := c.do(protocol.ViewUsers{Caller: c.Username(), Page: page})
	if err != nil {
		return nil, err
	}
	return protocol.DecodeUserRows(resp.Content)
}

func (c *Client) MessagesCount(peer string) (int, error) {
	resp, err := c.do(protocol.GetMessagesCount{Caller: c.Username(), Peer: peer})
	if err != nil {
		return 0, err
	}
	return parseCount(resp.Content)
}

// ViewMessages returns one page of the conversation with peer, newest first
func (c *Client) ViewMessages(peer string, page int) ([]protocol.MessageRow, error) {
	resp, err := c.do(protocol.ViewMessages{Caller: c.Username(), Peer: peer, Page: page})
	if err != nil {
		return nil, err
	}
	return protocol.DecodeMessageRows(resp.Content)
}

// SendMessage stores a message for peer and returns its id. Pass
// protocol.NoReply when the message answers nothing.
func (c *Client) SendMessage(peer, body string, replyID int64) (int64, error) {
	resp, err := c.do(protocol.InsertMessage{
		Caller:  c.Username(),
		Peer:    peer,
		Body:    body,
		ReplyID: replyID,
	})
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(strings.TrimSpace(resp.Content), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid message id %q: %w", resp.Content, err)
	}
	return id, nil
}

// MarkRead flags ids as read. With no ids nothing is sent.
func (c *Client) MarkRead(ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.do(protocol.UpdateMessageRead{IDs: ids})
	return err
}

// UnreadIDs returns the ids of unread rows that were sent to me
func UnreadIDs(rows []protocol.MessageRow, me string) []int64 {
	var ids []int64
	for _, r := range rows {
		if !r.Read && r.Sender != me {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// PageCount returns how many pages total rows fill
func PageCount(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 1
	}
	return (total + pageSize - 1) / pageSize
}

func parseCount(content string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(content))
	if err != nil {
		return 0, fmt.Errorf("invalid count %q: %w", content, err)
	}
	return n, nil
}
