package protocol

import (
	"fmt"
	"strconv"
)

// CommandName is the command string carried in the second part of a request
type CommandName string

const (
	CmdLogin             CommandName = "Login"
	CmdRegister          CommandName = "Register"
	CmdQuit              CommandName = "Quit"
	CmdHelp              CommandName = "Help"
	CmdLogout            CommandName = "Logout"
	CmdViewUsers         CommandName = "View_Users"
	CmdViewMessages      CommandName = "View_Messages"
	CmdGetUsersCount     CommandName = "Get_Users_Count"
	CmdGetMessagesCount  CommandName = "Get_Messages_Count"
	CmdInsertMessage     CommandName = "Insert_Message"
	CmdUpdateMessageRead CommandName = "Update_Message_Read"
)

// Command is the closed set of requests a client can make. Only the types in
// this file implement it.
type Command interface {
	Name() CommandName
	// Content returns the wire content for the command
	Content() string
	// Validate checks every user-supplied field
	Validate() error
	isCommand()
}

type (
	Login struct {
		Username string
		Password string
	}

	Register struct {
		Username        string
		FirstName       string
		LastName        string
		Password        string
		ConfirmPassword string
	}

	Quit   struct{}
	Help   struct{}
	Logout struct{}

	ViewUsers struct {
		Caller string
		Page   int
	}

	ViewMessages struct {
		Caller string
		Peer   string
		Page   int
	}

	// GetUsersCount carries the caller as bare content, without a field terminator
	GetUsersCount struct {
		Caller string
	}

	GetMessagesCount struct {
		Caller string
		Peer   string
	}

	InsertMessage struct {
		Caller  string
		Peer    string
		Body    string
		ReplyID int64
	}

	UpdateMessageRead struct {
		IDs []int64
	}
)

func (Login) isCommand()             {}
func (Register) isCommand()          {}
func (Quit) isCommand()              {}
func (Help) isCommand()              {}
func (Logout) isCommand()            {}
func (ViewUsers) isCommand()         {}
func (ViewMessages) isCommand()      {}
func (GetUsersCount) isCommand()     {}
func (GetMessagesCount) isCommand()  {}
func (InsertMessage) isCommand()     {}
func (UpdateMessageRead) isCommand() {}

func (Login) Name() CommandName             { return CmdLogin }
func (Register) Name() CommandName          { return CmdRegister }
func (Quit) Name() CommandName              { return CmdQuit }
func (Help) Name() CommandName              { return CmdHelp }
func (Logout) Name() CommandName            { return CmdLogout }
func (ViewUsers) Name() CommandName         { return CmdViewUsers }
func (ViewMessages) Name() CommandName      { return CmdViewMessages }
func (GetUsersCount) Name() CommandName     { return CmdGetUsersCount }
func (GetMessagesCount) Name() CommandName  { return CmdGetMessagesCount }
func (InsertMessage) Name() CommandName     { return CmdInsertMessage }
func (UpdateMessageRead) Name() CommandName { return CmdUpdateMessageRead }

func (c Login) Content() string { return JoinFields(c.Username, c.Password) }
func (c Register) Content() string {
	return JoinFields(c.Username, c.FirstName, c.LastName, c.Password, c.ConfirmPassword)
}
func (Quit) Content() string   { return "" }
func (Help) Content() string   { return "" }
func (Logout) Content() string { return "" }
func (c ViewUsers) Content() string {
	return JoinFields(c.Caller, strconv.Itoa(c.Page))
}
func (c ViewMessages) Content() string {
	return JoinFields(c.Caller, c.Peer, strconv.Itoa(c.Page))
}
func (c GetUsersCount) Content() string    { return c.Caller }
func (c GetMessagesCount) Content() string { return JoinFields(c.Caller, c.Peer) }
func (c InsertMessage) Content() string {
	return JoinFields(c.Caller, c.Peer, c.Body, strconv.FormatInt(c.ReplyID, 10))
}
func (c UpdateMessageRead) Content() string {
	fields := make([]string, len(c.IDs))
	for i, id := range c.IDs {
		fields[i] = strconv.FormatInt(id, 10)
	}
	return JoinFields(fields...)
}

func (c Login) Validate() error {
	return validateFields(c.Username, c.Password)
}

func (c Register) Validate() error {
	if err := validateFields(c.Username, c.FirstName, c.LastName, c.Password, c.ConfirmPassword); err != nil {
		return err
	}
	for _, name := range []string{c.Username, c.FirstName, c.LastName} {
		if err := ValidateName(name); err != nil {
			return err
		}
	}
	return ValidatePassword(c.Password, c.ConfirmPassword)
}

func (Quit) Validate() error   { return nil }
func (Help) Validate() error   { return nil }
func (Logout) Validate() error { return nil }

func (c ViewUsers) Validate() error {
	if c.Page < 1 {
		return ErrInvalidPage
	}
	return ValidateField(c.Caller)
}

func (c ViewMessages) Validate() error {
	if c.Page < 1 {
		return ErrInvalidPage
	}
	return validateFields(c.Caller, c.Peer)
}

func (c GetUsersCount) Validate() error {
	if c.Caller == "" {
		return nil
	}
	return ValidateField(c.Caller)
}

func (c GetMessagesCount) Validate() error {
	return validateFields(c.Caller, c.Peer)
}

func (c InsertMessage) Validate() error {
	if c.ReplyID < NoReply {
		return ErrInvalidReplyID
	}
	return validateFields(c.Caller, c.Peer, c.Body)
}

func (c UpdateMessageRead) Validate() error {
	if len(c.IDs) == 0 {
		return ErrNoMessageIDs
	}
	for _, id := range c.IDs {
		if id < 1 {
			return fmt.Errorf("%w: message id %d", ErrInvalidNumber, id)
		}
	}
	return nil
}

// NewRequest builds the request a client sends for cmd
func NewRequest(cmd Command, authorized bool) Request {
	return Request{
		Authorized: authorized,
		Command:    string(cmd.Name()),
		Content:    cmd.Content(),
	}
}

type commandDecoder func(fields []string) (Command, error)

var decoders = map[CommandName]commandDecoder{
	CmdLogin:             decodeLogin,
	CmdRegister:          decodeRegister,
	CmdQuit:              func([]string) (Command, error) { return Quit{}, nil },
	CmdHelp:              func([]string) (Command, error) { return Help{}, nil },
	CmdLogout:            func([]string) (Command, error) { return Logout{}, nil },
	CmdViewUsers:         decodeViewUsers,
	CmdViewMessages:      decodeViewMessages,
	CmdGetUsersCount:     decodeGetUsersCount,
	CmdGetMessagesCount:  decodeGetMessagesCount,
	CmdInsertMessage:     decodeInsertMessage,
	CmdUpdateMessageRead: decodeUpdateMessageRead,
}

// LookupCommand reports whether name is a known command
func LookupCommand(name string) (CommandName, bool) {
	cmd := CommandName(name)
	_, ok := decoders[cmd]
	return cmd, ok
}

// ParseCommand decodes the content of req into its typed command and validates it
func ParseCommand(req Request) (Command, error) {
	name, ok := LookupCommand(req.Command)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, req.Command)
	}

	cmd, err := decoders[name](SplitFields(req.Content))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return cmd, nil
}

func expectFields(fields []string, n int) error {
	if len(fields) != n {
		return fmt.Errorf("%w: expected %d, got %d", ErrFieldCount, n, len(fields))
	}
	return nil
}

func decodeLogin(fields []string) (Command, error) {
	if err := expectFields(fields, 2); err != nil {
		return nil, err
	}
	return Login{Username: fields[0], Password: fields[1]}, nil
}

func decodeRegister(fields []string) (Command, error) {
	if err := expectFields(fields, 5); err != nil {
		return nil, err
	}
	return Register{
		Username:        fields[0],
		FirstName:       fields[1],
		LastName:        fields[2],
		Password:        fields[3],
		ConfirmPassword: fields[4],
	}, nil
}

func decodeViewUsers(fields []string) (Command, error) {
	if err := expectFields(fields, 2); err != nil {
		return nil, err
	}
	page, err := parsePage(fields[1])
	if err != nil {
		return nil, err
	}
	return ViewUsers{Caller: fields[0], Page: page}, nil
}

func decodeViewMessages(fields []string) (Command, error) {
	if err := expectFields(fields, 3); err != nil {
		return nil, err
	}
	page, err := parsePage(fields[2])
	if err != nil {
		return nil, err
	}
	return ViewMessages{Caller: fields[0], Peer: fields[1], Page: page}, nil
}

func decodeGetUsersCount(fields []string) (Command, error) {
	switch len(fields) {
	case 0:
		return GetUsersCount{}, nil
	case 1:
		return GetUsersCount{Caller: fields[0]}, nil
	default:
		return nil, fmt.Errorf("%w: expected at most 1, got %d", ErrFieldCount, len(fields))
	}
}

func decodeGetMessagesCount(fields []string) (Command, error) {
	if err := expectFields(fields, 2); err != nil {
		return nil, err
	}
	return GetMessagesCount{Caller: fields[0], Peer: fields[1]}, nil
}

func decodeInsertMessage(fields []string) (Command, error) {
	if err := expectFields(fields, 4); err != nil {
		return nil, err
	}
	replyID, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: reply id %q", ErrInvalidNumber, fields[3])
	}
	return InsertMessage{Caller: fields[0], Peer: fields[1], Body: fields[2], ReplyID: replyID}, nil
}

func decodeUpdateMessageRead(fields []string) (Command, error) {
	ids := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: message id %q", ErrInvalidNumber, f)
		}
		ids = append(ids, id)
	}
	return UpdateMessageRead{IDs: ids}, nil
}
