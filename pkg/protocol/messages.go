package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Status codes
const (
	StatusOK            = 200
	StatusCreated       = 201
	StatusBadRequest    = 400
	StatusUnauthorized  = 401
	StatusConflict      = 409
	StatusInternalError = 500
)

// MinPasswordLength is the shortest password Register accepts
const MinPasswordLength = 6

// MaxNameLength bounds usernames and first and last names. Ten View_Messages
// rows with names this long and 500-byte bodies still fit in one frame.
const MaxNameLength = 64

// NoReply marks a message that does not answer another message
const NoReply int64 = -1

var (
	ErrEmptyField        = errors.New("the inputs should not be empty")
	ErrReservedCharacter = errors.New("the inputs should not contain colons, hashes or pipes")
	ErrControlCharacter  = errors.New("the inputs should not contain control characters")
	ErrNameTooLong       = fmt.Errorf("names should have at most %d characters", MaxNameLength)
	ErrPasswordTooShort  = fmt.Errorf("the password should have at least %d characters", MinPasswordLength)
	ErrPasswordMismatch  = errors.New("the passwords don't match")
	ErrUnknownCommand    = errors.New("unknown command")
	ErrFieldCount        = errors.New("wrong number of fields")
	ErrInvalidNumber     = errors.New("invalid number")
	ErrInvalidPage       = errors.New("page must be a positive integer")
	ErrMalformedRow      = errors.New("malformed row")
	ErrNoMessageIDs      = errors.New("no message ids")
	ErrInvalidReplyID    = errors.New("reply id must be -1 or a message id")
)

// ValidateField rejects empty values and values containing a wire delimiter
// or a control character. Line breaks would not survive DecodeRequest,
// which drops trailing terminators.
func ValidateField(value string) error {
	if value == "" {
		return ErrEmptyField
	}
	if strings.ContainsAny(value, reservedCharacters) {
		return ErrReservedCharacter
	}
	if strings.IndexFunc(value, unicode.IsControl) >= 0 {
		return ErrControlCharacter
	}
	return nil
}

// ValidateName applies ValidateField plus the MaxNameLength bound
func ValidateName(value string) error {
	if err := ValidateField(value); err != nil {
		return err
	}
	if len(value) > MaxNameLength {
		return ErrNameTooLong
	}
	return nil
}

// ValidatePassword applies the registration password rules
func ValidatePassword(password, confirm string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if password != confirm {
		return ErrPasswordMismatch
	}
	return nil
}

func validateFields(values ...string) error {
	for _, v := range values {
		if err := ValidateField(v); err != nil {
			return err
		}
	}
	return nil
}

// MessageRow is one message as carried in View_Messages content.
// Wire format: id|sender|body|read|replyId
type MessageRow struct {
	ID      int64
	Sender  string
	Body    string
	Read    bool
	ReplyID int64
}

// Encode returns the row's wire form
func (m MessageRow) Encode() string {
	read := "0"
	if m.Read {
		read = "1"
	}
	return strings.Join([]string{
		strconv.FormatInt(m.ID, 10),
		m.Sender,
		m.Body,
		read,
		strconv.FormatInt(m.ReplyID, 10),
	}, RowSeparator)
}

// DecodeMessageRow parses a message row. Rows without the trailing
// reply id (four columns) decode with ReplyID = NoReply.
func DecodeMessageRow(s string) (MessageRow, error) {
	cols := strings.Split(s, RowSeparator)
	if len(cols) != 4 && len(cols) != 5 {
		return MessageRow{}, fmt.Errorf("%w: %d columns in message row", ErrMalformedRow, len(cols))
	}

	id, err := strconv.ParseInt(cols[0], 10, 64)
	if err != nil {
		return MessageRow{}, fmt.Errorf("%w: message id %q", ErrInvalidNumber, cols[0])
	}

	var read bool
	switch cols[3] {
	case "0":
	case "1":
		read = true
	default:
		return MessageRow{}, fmt.Errorf("%w: read flag %q", ErrMalformedRow, cols[3])
	}

	row := MessageRow{ID: id, Sender: cols[1], Body: cols[2], Read: read, ReplyID: NoReply}
	if len(cols) == 5 {
		row.ReplyID, err = strconv.ParseInt(cols[4], 10, 64)
		if err != nil {
			return MessageRow{}, fmt.Errorf("%w: reply id %q", ErrInvalidNumber, cols[4])
		}
	}
	return row, nil
}

// UserRow is one entry of View_Users content.
// Wire format: username|unread
type UserRow struct {
	Username string
	Unread   int
}

// Encode returns the row's wire form
func (u UserRow) Encode() string {
	return u.Username + RowSeparator + strconv.Itoa(u.Unread)
}

// DecodeUserRow parses a user row; a bare username has zero unread messages
func DecodeUserRow(s string) (UserRow, error) {
	cols := strings.Split(s, RowSeparator)
	switch len(cols) {
	case 1:
		if cols[0] == "" {
			return UserRow{}, fmt.Errorf("%w: empty user row", ErrMalformedRow)
		}
		return UserRow{Username: cols[0]}, nil
	case 2:
		unread, err := strconv.Atoi(cols[1])
		if err != nil || unread < 0 {
			return UserRow{}, fmt.Errorf("%w: unread count %q", ErrInvalidNumber, cols[1])
		}
		return UserRow{Username: cols[0], Unread: unread}, nil
	default:
		return UserRow{}, fmt.Errorf("%w: %d columns in user row", ErrMalformedRow, len(cols))
	}
}

// EncodeMessageRows joins rows into response content
func EncodeMessageRows(rows []MessageRow) string {
	fields := make([]string, len(rows))
	for i, r := range rows {
		fields[i] = r.Encode()
	}
	return JoinFields(fields...)
}

// DecodeMessageRows parses View_Messages response content
func DecodeMessageRows(content string) ([]MessageRow, error) {
	fields := SplitFields(content)
	rows := make([]MessageRow, 0, len(fields))
	for _, f := range fields {
		row, err := DecodeMessageRow(f)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// EncodeUserRows joins rows into response content
func EncodeUserRows(rows []UserRow) string {
	fields := make([]string, len(rows))
	for i, r := range rows {
		fields[i] = r.Encode()
	}
	return JoinFields(fields...)
}

// DecodeUserRows parses View_Users response content
func DecodeUserRows(content string) ([]UserRow, error) {
	fields := SplitFields(content)
	rows := make([]UserRow, 0, len(fields))
	for _, f := range fields {
		row, err := DecodeUserRow(f)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parsePage(s string) (int, error) {
	page, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: page %q", ErrInvalidNumber, s)
	}
	if page < 1 {
		return 0, ErrInvalidPage
	}
	return page, nil
}
