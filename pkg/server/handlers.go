package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aeolun/offmsg/pkg/database"
	"github.com/aeolun/offmsg/pkg/protocol"
)

var (
	// ErrClientDisconnecting is returned when the client sent Quit; the
	// response must still be written before the session closes.
	ErrClientDisconnecting = errors.New("client disconnecting")
)

// Commands accepted before and after login, in the order Help lists them
var (
	unauthenticatedCommands = []protocol.CommandName{
		protocol.CmdLogin,
		protocol.CmdRegister,
		protocol.CmdHelp,
		protocol.CmdQuit,
	}
	authenticatedCommands = []protocol.CommandName{
		protocol.CmdViewUsers,
		protocol.CmdViewMessages,
		protocol.CmdGetUsersCount,
		protocol.CmdGetMessagesCount,
		protocol.CmdInsertMessage,
		protocol.CmdUpdateMessageRead,
		protocol.CmdLogout,
		protocol.CmdHelp,
		protocol.CmdQuit,
	}
)

// Limits bounds what clients may store. Zero values fall back to the
// protocol: unbounded bodies and names up to protocol.MaxNameLength.
type Limits struct {
	MaxMessageLength int
	MaxNameLength    int
}

// Dispatcher turns one decoded request into one response. It holds no
// per-connection state; everything session specific lives on the Session.
type Dispatcher struct {
	store  database.Store
	limits Limits
}

// NewDispatcher creates a dispatcher over store
func NewDispatcher(store database.Store, limits Limits) *Dispatcher {
	return &Dispatcher{
		store:  store,
		limits: limits,
	}
}

func respond(status int, content string) protocol.Response {
	return protocol.Response{Status: status, Content: content}
}

func badRequest(err error) protocol.Response {
	return respond(protocol.StatusBadRequest, protocol.ResponseText(err.Error()))
}

// Dispatch gates req on the session's auth state, decodes it and runs it.
// The only error it returns is ErrClientDisconnecting.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *Session, req protocol.Request) (protocol.Response, error) {
	name, ok := protocol.LookupCommand(req.Command)
	if !ok {
		return respond(protocol.StatusBadRequest, protocol.ResponseText("Unknown command "+req.Command)), nil
	}

	if sess.Authenticated() {
		if name == protocol.CmdLogin || name == protocol.CmdRegister {
			return respond(protocol.StatusConflict, "Already logged in"), nil
		}
	} else if !allowedBeforeLogin(name) {
		return respond(protocol.StatusUnauthorized, "You must be logged in"), nil
	}

	cmd, err := protocol.ParseCommand(req)
	if err != nil {
		return badRequest(err), nil
	}

	switch cmd := cmd.(type) {
	case protocol.Login:
		return d.handleLogin(ctx, sess, cmd), nil
	case protocol.Register:
		return d.handleRegister(ctx, sess, cmd), nil
	case protocol.Quit:
		return respond(protocol.StatusOK, "Goodbye"), ErrClientDisconnecting
	case protocol.Help:
		return d.handleHelp(sess), nil
	case protocol.Logout:
		sess.clear()
		return respond(protocol.StatusOK, "Logged out"), nil
	case protocol.ViewUsers:
		return d.handleViewUsers(ctx, sess, cmd), nil
	case protocol.ViewMessages:
		return d.handleViewMessages(ctx, sess, cmd), nil
	case protocol.GetUsersCount:
		return d.handleGetUsersCount(ctx, sess, cmd), nil
	case protocol.GetMessagesCount:
		return d.handleGetMessagesCount(ctx, sess, cmd), nil
	case protocol.InsertMessage:
		return d.handleInsertMessage(ctx, sess, cmd), nil
	case protocol.UpdateMessageRead:
		return d.handleUpdateMessageRead(ctx, sess, cmd), nil
	default:
		// A decoder was registered without a handler
		return respond(protocol.StatusInternalError, "Internal server error"), nil
	}
}

func allowedBeforeLogin(name protocol.CommandName) bool {
	for _, c := range unauthenticatedCommands {
		if c == name {
			return true
		}
	}
	return false
}

// statusForStoreError maps a store error to its response. Anything not
// listed is an internal failure and gets logged.
func (d *Dispatcher) statusForStoreError(sess *Session, operation string, err error) protocol.Response {
	switch {
	case errors.Is(err, database.ErrUserExists):
		return respond(protocol.StatusConflict, "Username already exists")
	case errors.Is(err, database.ErrInvalidCredentials):
		return respond(protocol.StatusUnauthorized, "Invalid username or password")
	case errors.Is(err, database.ErrMessageNotFound):
		return respond(protocol.StatusBadRequest, "Message not found")
	case errors.Is(err, database.ErrInvalidPage):
		return badRequest(err)
	}

	logger.Error().
		Err(err).
		Uint64("session", sess.ID).
		Str("trace", sess.TraceID.String()).
		Str("operation", operation).
		Msg("store operation failed")
	return respond(protocol.StatusInternalError, "Internal server error")
}

// checkCaller rejects requests whose caller field names someone other than
// the logged in user
func checkCaller(sess *Session, caller string) (protocol.Response, bool) {
	username, ok := sess.Username()
	if !ok || caller != username {
		return respond(protocol.StatusUnauthorized, "Caller does not match the logged in user"), false
	}
	return protocol.Response{}, true
}

func (d *Dispatcher) requireUser(ctx context.Context, sess *Session, username string) (protocol.Response, bool) {
	exists, err := d.store.UserExists(ctx, username)
	if err != nil {
		return d.statusForStoreError(sess, "user exists", err), false
	}
	if !exists {
		return respond(protocol.StatusBadRequest, fmt.Sprintf("User %s does not exist", username)), false
	}
	return protocol.Response{}, true
}

func (d *Dispatcher) handleLogin(ctx context.Context, sess *Session, cmd protocol.Login) protocol.Response {
	if err := d.store.AuthenticateUser(ctx, cmd.Username, cmd.Password); err != nil {
		return d.statusForStoreError(sess, "authenticate", err)
	}
	sess.bind(cmd.Username)
	logger.Debug().Uint64("session", sess.ID).Str("user", cmd.Username).Msg("logged in")
	return respond(protocol.StatusOK, cmd.Username)
}

func (d *Dispatcher) handleRegister(ctx context.Context, sess *Session, cmd protocol.Register) protocol.Response {
	if limit := d.limits.MaxNameLength; limit > 0 {
		for _, name := range []string{cmd.Username, cmd.FirstName, cmd.LastName} {
			if len(name) > limit {
				return respond(protocol.StatusBadRequest, fmt.Sprintf("Names are limited to %d bytes", limit))
			}
		}
	}
	err := d.store.CreateUser(ctx, database.User{
		Username:  cmd.Username,
		FirstName: cmd.FirstName,
		LastName:  cmd.LastName,
		Password:  cmd.Password,
	})
	if err != nil {
		return d.statusForStoreError(sess, "create user", err)
	}
	sess.bind(cmd.Username)
	logger.Debug().Uint64("session", sess.ID).Str("user", cmd.Username).Msg("registered")
	return respond(protocol.StatusCreated, cmd.Username)
}

func (d *Dispatcher) handleHelp(sess *Session) protocol.Response {
	commands := unauthenticatedCommands
	if sess.Authenticated() {
		commands = authenticatedCommands
	}
	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = string(c)
	}
	return respond(protocol.StatusOK, protocol.JoinFields(names...))
}

func (d *Dispatcher) handleViewUsers(ctx context.Context, sess *Session, cmd protocol.ViewUsers) protocol.Response {
	if resp, ok := checkCaller(sess, cmd.Caller); !ok {
		return resp
	}

	users, err := d.store.ListUsers(ctx, cmd.Caller, cmd.Page)
	if err != nil {
		return d.statusForStoreError(sess, "list users", err)
	}

	rows := make([]protocol.UserRow, 0, len(users))
	for _, u := range users {
		unread, err := d.store.UnreadCount(ctx, cmd.Caller, u)
		if err != nil {
			return d.statusForStoreError(sess, "unread count", err)
		}
		rows = append(rows, protocol.UserRow{Username: u, Unread: unread})
	}
	return respond(protocol.StatusOK, protocol.EncodeUserRows(rows))
}

func (d *Dispatcher) handleViewMessages(ctx context.Context, sess *Session, cmd protocol.ViewMessages) protocol.Response {
	if resp, ok := checkCaller(sess, cmd.Caller); !ok {
		return resp
	}
	if resp, ok := d.requireUser(ctx, sess, cmd.Peer); !ok {
		return resp
	}

	msgs, err := d.store.ListMessages(ctx, cmd.Caller, cmd.Peer, cmd.Page)
	if err != nil {
		return d.statusForStoreError(sess, "list messages", err)
	}

	rows := make([]protocol.MessageRow, len(msgs))
	for i, m := range msgs {
		rows[i] = protocol.MessageRow{
			ID:      m.ID,
			Sender:  m.Sender,
			Body:    m.Body,
			Read:    m.Read,
			ReplyID: m.ReplyID,
		}
	}
	return respond(protocol.StatusOK, protocol.EncodeMessageRows(rows))
}

func (d *Dispatcher) handleGetUsersCount(ctx context.Context, sess *Session, cmd protocol.GetUsersCount) protocol.Response {
	// Older clients send no caller at all
	if cmd.Caller != "" {
		if resp, ok := checkCaller(sess, cmd.Caller); !ok {
			return resp
		}
	}

	n, err := d.store.CountUsers(ctx)
	if err != nil {
		return d.statusForStoreError(sess, "count users", err)
	}
	return respond(protocol.StatusOK, strconv.Itoa(n))
}

func (d *Dispatcher) handleGetMessagesCount(ctx context.Context, sess *Session, cmd protocol.GetMessagesCount) protocol.Response {
	if resp, ok := checkCaller(sess, cmd.Caller); !ok {
		return resp
	}
	if resp, ok := d.requireUser(ctx, sess, cmd.Peer); !ok {
		return resp
	}

	n, err := d.store.CountMessages(ctx, cmd.Caller, cmd.Peer)
	if err != nil {
		return d.statusForStoreError(sess, "count messages", err)
	}
	return respond(protocol.StatusOK, strconv.Itoa(n))
}

func (d *Dispatcher) handleInsertMessage(ctx context.Context, sess *Session, cmd protocol.InsertMessage) protocol.Response {
	if resp, ok := checkCaller(sess, cmd.Caller); !ok {
		return resp
	}
	if limit := d.limits.MaxMessageLength; limit > 0 && len(cmd.Body) > limit {
		return respond(protocol.StatusBadRequest,
			fmt.Sprintf("Message is longer than %d bytes", limit))
	}
	if resp, ok := d.requireUser(ctx, sess, cmd.Peer); !ok {
		return resp
	}

	if cmd.ReplyID != protocol.NoReply {
		parent, err := d.store.GetMessage(ctx, cmd.ReplyID)
		if err != nil {
			if errors.Is(err, database.ErrMessageNotFound) {
				return respond(protocol.StatusBadRequest, fmt.Sprintf("Message %d does not exist", cmd.ReplyID))
			}
			return d.statusForStoreError(sess, "get message", err)
		}
		if !betweenPair(parent, cmd.Caller, cmd.Peer) {
			return respond(protocol.StatusBadRequest,
				fmt.Sprintf("Message %d is not part of this conversation", cmd.ReplyID))
		}
	}

	id, err := d.store.InsertMessage(ctx, cmd.Caller, cmd.Peer, cmd.Body, cmd.ReplyID)
	if err != nil {
		return d.statusForStoreError(sess, "insert message", err)
	}
	return respond(protocol.StatusCreated, strconv.FormatInt(id, 10))
}

func betweenPair(m *database.Message, a, b string) bool {
	return (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a)
}

func (d *Dispatcher) handleUpdateMessageRead(ctx context.Context, sess *Session, cmd protocol.UpdateMessageRead) protocol.Response {
	username, _ := sess.Username()

	for _, id := range cmd.IDs {
		msg, err := d.store.GetMessage(ctx, id)
		if err != nil {
			if errors.Is(err, database.ErrMessageNotFound) {
				return respond(protocol.StatusBadRequest, fmt.Sprintf("Message %d does not exist", id))
			}
			return d.statusForStoreError(sess, "get message", err)
		}
		if msg.Receiver != username {
			return respond(protocol.StatusBadRequest, fmt.Sprintf("Message %d was not sent to you", id))
		}
	}

	if err := d.store.MarkRead(ctx, cmd.IDs...); err != nil {
		return d.statusForStoreError(sess, "mark read", err)
	}
	return respond(protocol.StatusOK, "Updated")
}
