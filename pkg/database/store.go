package database

import (
	"context"
	"errors"
	"math"
)

// PageSize is the number of rows in one page of a listing
const PageSize = 10

var (
	// ErrUserExists indicates the username is already registered.
	ErrUserExists = errors.New("username already exists")
	// ErrInvalidCredentials indicates no user matches the username/password pair.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrAmbiguousUser indicates more than one row matched a username, which the
	// primary key should make impossible.
	ErrAmbiguousUser = errors.New("more than one user matched")
	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrInvalidPage indicates a page number below 1, or one whose offset
	// does not fit in an int.
	ErrInvalidPage = errors.New("page must be between 1 and the last addressable page")
)

// User is a registered account
type User struct {
	Username  string
	FirstName string
	LastName  string
	Password  string
}

// Message is a direct message between two users
type Message struct {
	ID       int64
	Sender   string
	Receiver string
	Body     string
	Read     bool
	ReplyID  int64 // -1 when the message is not a reply
}

// Store persists users and messages. Implementations own their synchronization
// and are safe for concurrent use by many sessions.
type Store interface {
	// CreateUser registers u. Returns ErrUserExists if the username is taken.
	CreateUser(ctx context.Context, u User) error
	// AuthenticateUser returns nil iff exactly one user matches.
	AuthenticateUser(ctx context.Context, username, password string) error
	UserExists(ctx context.Context, username string) (bool, error)
	// ListUsers returns one page of usernames in registration order, without excluding.
	ListUsers(ctx context.Context, excluding string, page int) ([]string, error)
	CountUsers(ctx context.Context) (int, error)
	// UnreadCount counts unread messages sent by userB to userA.
	UnreadCount(ctx context.Context, userA, userB string) (int, error)
	// ListMessages returns one page of the conversation between the pair, newest first.
	ListMessages(ctx context.Context, userA, userB string, page int) ([]*Message, error)
	CountMessages(ctx context.Context, userA, userB string) (int, error)
	InsertMessage(ctx context.Context, sender, receiver, body string, replyID int64) (int64, error)
	GetMessage(ctx context.Context, id int64) (*Message, error)
	// MarkRead flags every message in ids as read, all or nothing.
	MarkRead(ctx context.Context, ids ...int64) error
	Close() error
}

// MaxPage is the highest page whose offset is representable
const MaxPage = math.MaxInt/PageSize + 1

func pageOffset(page int) (int, error) {
	if page < 1 || page > MaxPage {
		return 0, ErrInvalidPage
	}
	return (page - 1) * PageSize, nil
}

var (
	_ Store = (*DB)(nil)
	_ Store = (*MemDB)(nil)
)
