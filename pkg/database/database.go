package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB is the SQLite-backed Store
type DB struct {
	conn        *sql.DB // Read connection pool
	writeConn   *sql.DB // Dedicated write connection (1 connection)
	credentials CredentialScheme
}

// Option configures a DB or MemDB
type Option func(*options)

type options struct {
	credentials CredentialScheme
}

// WithCredentials selects how passwords are stored. The default is PlainCredentials.
func WithCredentials(scheme CredentialScheme) Option {
	return func(o *options) {
		o.credentials = scheme
	}
}

func buildOptions(opts []Option) options {
	o := options{credentials: PlainCredentials{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// dsn adds the connection pragmas to path. Pragmas passed in the DSN are
// applied by the driver to every new connection in the pool.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	return "file:" + path + "?" + q.Encode()
}

// Open opens the SQLite database at path and migrates it to the latest schema
func Open(path string, opts ...Option) (*DB, error) {
	o := buildOptions(opts)

	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows many readers next to the single writer
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	writeConn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	// Exactly one writer: every mutation queues on this connection, which
	// serializes id assignment and read-flag updates across sessions.
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := writeConn.Ping(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrate(context.Background(), writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{
		conn:        conn,
		writeConn:   writeConn,
		credentials: o.credentials,
	}, nil
}

// Close closes both connection pools
func (db *DB) Close() error {
	return errors.Join(db.conn.Close(), db.writeConn.Close())
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

func (db *DB) CreateUser(ctx context.Context, u User) error {
	stored, err := db.credentials.Hash(u.Password)
	if err != nil {
		return err
	}

	tx, err := db.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE username = ?`, u.Username).Scan(&existing); err != nil {
		return fmt.Errorf("failed to check username: %w", err)
	}
	if existing > 0 {
		return ErrUserExists
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (username, first_name, last_name, password)
		VALUES (?, ?, ?, ?)
	`, u.Username, u.FirstName, u.LastName, stored)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}

	return tx.Commit()
}

func (db *DB) AuthenticateUser(ctx context.Context, username, password string) error {
	rows, err := db.conn.QueryContext(ctx, `SELECT password FROM users WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("failed to query user: %w", err)
	}
	defer rows.Close()

	var stored []string
	for rows.Next() {
		var pw sql.NullString
		if err := rows.Scan(&pw); err != nil {
			return fmt.Errorf("failed to scan user: %w", err)
		}
		stored = append(stored, pw.String)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read users: %w", err)
	}

	return matchCredentials(db.credentials, stored, password)
}

func (db *DB) UserExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, username).Scan(&exists)
	return exists, err
}

func (db *DB) ListUsers(ctx context.Context, excluding string, page int) ([]string, error) {
	offset, err := pageOffset(page)
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT username FROM users
		WHERE username != ?
		ORDER BY rowid
		LIMIT ? OFFSET ?
	`, excluding, PageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := make([]string, 0, PageSize)
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("failed to scan username: %w", err)
		}
		users = append(users, username)
	}
	return users, rows.Err()
}

func (db *DB) CountUsers(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

func (db *DB) UnreadCount(ctx context.Context, userA, userB string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE sender = ? AND receiver = ? AND read = 0
	`, userB, userA).Scan(&count)
	return count, err
}

func (db *DB) ListMessages(ctx context.Context, userA, userB string, page int) ([]*Message, error) {
	offset, err := pageOffset(page)
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, sender, receiver, message, read, reply_id
		FROM messages
		WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, userA, userB, userB, userA, PageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (db *DB) CountMessages(ctx context.Context, userA, userB string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)
	`, userA, userB, userB, userA).Scan(&count)
	return count, err
}

func (db *DB) InsertMessage(ctx context.Context, sender, receiver, body string, replyID int64) (int64, error) {
	tx, err := db.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (sender, receiver, message, read, reply_id)
		VALUES (?, ?, ?, 0, ?)
	`, sender, receiver, body, replyID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (db *DB) GetMessage(ctx context.Context, id int64) (*Message, error) {
	var msg Message
	var read sql.NullInt64
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, sender, receiver, message, read, reply_id
		FROM messages
		WHERE id = ?
	`, id).Scan(&msg.ID, &msg.Sender, &msg.Receiver, &msg.Body, &read, &msg.ReplyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	msg.Read = read.Int64 != 0
	return &msg, nil
}

func (db *DB) MarkRead(ctx context.Context, ids ...int64) error {
	tx, err := db.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE messages SET read = 1 WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		result, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to mark message %d read: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %d", ErrMessageNotFound, id)
		}
	}

	return tx.Commit()
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	messages := make([]*Message, 0, PageSize)
	for rows.Next() {
		var msg Message
		var read sql.NullInt64
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Receiver, &msg.Body, &read, &msg.ReplyID); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Read = read.Int64 != 0
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}
