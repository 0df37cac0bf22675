package database

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"pgregory.net/rapid"
)

// rapidStores opens a fresh store per rapid iteration. SQLite files live in
// the outer test's temp dir because rapid.T has no TempDir.
func rapidStores(t *testing.T) map[string]func(rt *rapid.T) Store {
	dir := t.TempDir()
	var n atomic.Int64
	return map[string]func(rt *rapid.T) Store{
		"sqlite": func(rt *rapid.T) Store {
			path := filepath.Join(dir, fmt.Sprintf("rapid-%d.db", n.Add(1)))
			db, err := Open(path)
			if err != nil {
				rt.Fatalf("open failed: %v", err)
			}
			return db
		},
		"memory": func(rt *rapid.T) Store {
			return NewMemDB()
		},
	}
}

// TestPaginationPartitionsUsers checks that the pages of ListUsers are the
// (p-1)*10 offsets of registration order, at most 10 long, and together
// cover every user except the excluded one exactly once.
func TestPaginationPartitionsUsers(t *testing.T) {
	for name, open := range rapidStores(t) {
		t.Run(name, func(t *testing.T) {
			rapid.Check(t, func(rt *rapid.T) {
				store := open(rt)
				defer store.Close()
				ctx := context.Background()

				n := rapid.IntRange(0, 45).Draw(rt, "users")
				usernames := make([]string, n)
				for i := range usernames {
					usernames[i] = fmt.Sprintf("u%03d", i)
					if err := store.CreateUser(ctx, User{Username: usernames[i], FirstName: "f", LastName: "l", Password: "secret1"}); err != nil {
						rt.Fatalf("CreateUser failed: %v", err)
					}
				}

				exclude := "nobody"
				if n > 0 {
					exclude = usernames[rapid.IntRange(0, n-1).Draw(rt, "exclude")]
				}

				var expected []string
				for _, u := range usernames {
					if u != exclude {
						expected = append(expected, u)
					}
				}

				var all []string
				for page := 1; ; page++ {
					got, err := store.ListUsers(ctx, exclude, page)
					if err != nil {
						rt.Fatalf("ListUsers page %d failed: %v", page, err)
					}
					if len(got) > PageSize {
						rt.Fatalf("page %d has %d rows", page, len(got))
					}
					offset := (page - 1) * PageSize
					for i, u := range got {
						if expected[offset+i] != u {
							rt.Fatalf("page %d row %d: got %q, want %q", page, i, u, expected[offset+i])
						}
					}
					all = append(all, got...)
					if len(got) < PageSize {
						break
					}
				}

				if len(all) != len(expected) {
					rt.Fatalf("pages cover %d users, want %d", len(all), len(expected))
				}
			})
		})
	}
}

// TestDuplicateRegistrationRejected checks that a second CreateUser for any
// username fails with ErrUserExists, and authentication matches only the
// first registration's password.
func TestDuplicateRegistrationRejected(t *testing.T) {
	for name, open := range rapidStores(t) {
		t.Run(name, func(t *testing.T) {
			rapid.Check(t, func(rt *rapid.T) {
				store := open(rt)
				defer store.Close()
				ctx := context.Background()

				username := rapid.StringMatching(`[a-z][a-z0-9]{0,15}`).Draw(rt, "username")
				first := rapid.StringMatching(`[a-z0-9]{6,12}`).Draw(rt, "first")
				second := rapid.StringMatching(`[a-z0-9]{6,12}`).Draw(rt, "second")

				if err := store.CreateUser(ctx, User{Username: username, FirstName: "f", LastName: "l", Password: first}); err != nil {
					rt.Fatalf("first CreateUser failed: %v", err)
				}
				if err := store.CreateUser(ctx, User{Username: username, FirstName: "f", LastName: "l", Password: second}); err != ErrUserExists {
					rt.Fatalf("second CreateUser: got %v, want ErrUserExists", err)
				}

				if err := store.AuthenticateUser(ctx, username, first); err != nil {
					rt.Fatalf("authenticate with registered password: %v", err)
				}
				if second != first {
					if err := store.AuthenticateUser(ctx, username, second); err != ErrInvalidCredentials {
						rt.Fatalf("authenticate with rejected password: got %v", err)
					}
				}
			})
		})
	}
}

// TestReadFlagOnlyMovesForward inserts messages and marks random subsets read,
// checking ids increase and read flags never return to false.
func TestReadFlagOnlyMovesForward(t *testing.T) {
	for name, open := range rapidStores(t) {
		t.Run(name, func(t *testing.T) {
			rapid.Check(t, func(rt *rapid.T) {
				store := open(rt)
				defer store.Close()
				ctx := context.Background()

				read := make(map[int64]bool)
				var lastID int64
				steps := rapid.IntRange(1, 30).Draw(rt, "steps")
				for i := 0; i < steps; i++ {
					if len(read) == 0 || rapid.Bool().Draw(rt, "insert") {
						id, err := store.InsertMessage(ctx, "alice", "bob", "hi", -1)
						if err != nil {
							rt.Fatalf("InsertMessage failed: %v", err)
						}
						if id <= lastID {
							rt.Fatalf("id %d not greater than previous %d", id, lastID)
						}
						lastID = id
						read[id] = false
						continue
					}

					id := rapid.Int64Range(1, lastID).Draw(rt, "mark")
					if err := store.MarkRead(ctx, id); err != nil {
						rt.Fatalf("MarkRead(%d) failed: %v", id, err)
					}
					read[id] = true
				}

				unread := 0
				for id, want := range read {
					msg, err := store.GetMessage(ctx, id)
					if err != nil {
						rt.Fatalf("GetMessage(%d) failed: %v", id, err)
					}
					if msg.Read != want {
						rt.Fatalf("message %d read = %v, want %v", id, msg.Read, want)
					}
					if !want {
						unread++
					}
				}

				got, err := store.UnreadCount(ctx, "bob", "alice")
				if err != nil {
					rt.Fatalf("UnreadCount failed: %v", err)
				}
				if got != unread {
					rt.Fatalf("UnreadCount = %d, want %d", got, unread)
				}
			})
		})
	}
}
