package database

import (
	"context"
	"fmt"
	"sync"
)

// MemDB is an in-memory Store. All state lives behind one RWMutex, so
// writers are serialized and readers never see a partial update.
type MemDB struct {
	mu sync.RWMutex

	credentials CredentialScheme

	// Users in registration order, plus an index for lookups
	users     []*User
	userIndex map[string]*User

	// Messages in id order; ids start at 1 and never repeat
	messages []*Message
	nextID   int64
}

// NewMemDB creates an empty in-memory store
func NewMemDB(opts ...Option) *MemDB {
	o := buildOptions(opts)
	return &MemDB{
		credentials: o.credentials,
		userIndex:   make(map[string]*User),
		nextID:      1,
	}
}

// Close is a no-op; the data goes away with the process
func (m *MemDB) Close() error {
	return nil
}

func (m *MemDB) CreateUser(ctx context.Context, u User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stored, err := m.credentials.Hash(u.Password)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.userIndex[u.Username]; exists {
		return ErrUserExists
	}

	user := u
	user.Password = stored
	m.users = append(m.users, &user)
	m.userIndex[user.Username] = &user
	return nil
}

func (m *MemDB) AuthenticateUser(ctx context.Context, username, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	user, ok := m.userIndex[username]
	m.mu.RUnlock()

	var stored []string
	if ok {
		stored = append(stored, user.Password)
	}
	return matchCredentials(m.credentials, stored, password)
}

func (m *MemDB) UserExists(ctx context.Context, username string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.userIndex[username]
	return ok, nil
}

func (m *MemDB) ListUsers(ctx context.Context, excluding string, page int) ([]string, error) {
	offset, err := pageOffset(page)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]string, 0, PageSize)
	skipped := 0
	for _, u := range m.users {
		if u.Username == excluding {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		users = append(users, u.Username)
		if len(users) == PageSize {
			break
		}
	}
	return users, nil
}

func (m *MemDB) CountUsers(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.users), nil
}

func (m *MemDB) UnreadCount(ctx context.Context, userA, userB string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, msg := range m.messages {
		if msg.Sender == userB && msg.Receiver == userA && !msg.Read {
			count++
		}
	}
	return count, nil
}

func inConversation(msg *Message, userA, userB string) bool {
	return (msg.Sender == userA && msg.Receiver == userB) ||
		(msg.Sender == userB && msg.Receiver == userA)
}

func (m *MemDB) ListMessages(ctx context.Context, userA, userB string, page int) ([]*Message, error) {
	offset, err := pageOffset(page)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Message, 0, PageSize)
	skipped := 0
	// Newest first: walk the id-ordered slice backwards
	for i := len(m.messages) - 1; i >= 0; i-- {
		msg := m.messages[i]
		if !inConversation(msg, userA, userB) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		cp := *msg
		result = append(result, &cp)
		if len(result) == PageSize {
			break
		}
	}
	return result, nil
}

func (m *MemDB) CountMessages(ctx context.Context, userA, userB string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, msg := range m.messages {
		if inConversation(msg, userA, userB) {
			count++
		}
	}
	return count, nil
}

func (m *MemDB) InsertMessage(ctx context.Context, sender, receiver, body string, replyID int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	msg := &Message{
		ID:       m.nextID,
		Sender:   sender,
		Receiver: receiver,
		Body:     body,
		ReplyID:  replyID,
	}
	m.nextID++
	m.messages = append(m.messages, msg)
	return msg.ID, nil
}

// findMessage locates a message by id. Caller must hold m.mu.
func (m *MemDB) findMessage(id int64) *Message {
	// ids are assigned sequentially from 1 and messages are never deleted
	if id < 1 || id > int64(len(m.messages)) {
		return nil
	}
	return m.messages[id-1]
}

func (m *MemDB) GetMessage(ctx context.Context, id int64) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	msg := m.findMessage(id)
	if msg == nil {
		return nil, ErrMessageNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *MemDB) MarkRead(ctx context.Context, ids ...int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate everything first so a bad id leaves no partial update
	targets := make([]*Message, 0, len(ids))
	for _, id := range ids {
		msg := m.findMessage(id)
		if msg == nil {
			return fmt.Errorf("%w: %d", ErrMessageNotFound, id)
		}
		targets = append(targets, msg)
	}
	for _, msg := range targets {
		msg.Read = true
	}
	return nil
}
