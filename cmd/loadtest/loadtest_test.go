package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/offmsg/pkg/database"
	"github.com/aeolun/offmsg/pkg/server"
)

func TestLoadTestAgainstServer(t *testing.T) {
	server.SetLogger(zerolog.Nop())

	store := database.NewMemDB(database.WithCredentials(database.PlainCredentials{}))
	config := server.DefaultConfig()
	config.BindAddress = "127.0.0.1"
	config.TCPPort = 0
	config.RequestsPerSecond = 0

	srv := server.NewServer(store, config)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	opts := options{
		server:   srv.Addr().String(),
		clients:  3,
		duration: 500 * time.Millisecond,
		minDelay: 10 * time.Millisecond,
		maxDelay: 20 * time.Millisecond,
		prefix:   "bot",
	}
	stats := runLoadTest(context.Background(), opts, zerolog.Nop())

	assert.Equal(t, int64(3), stats.successfulClients.Load())
	assert.Zero(t, stats.connectionErrors.Load())
	assert.Zero(t, stats.disconnections.Load())
	assert.Positive(t, stats.messagesSent.Load())

	n, err := store.CountUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestUnreachableServerCountsConnectionErrors(t *testing.T) {
	opts := options{server: "127.0.0.1:1", clients: 2, duration: time.Millisecond}
	stats := runLoadTest(context.Background(), opts, zerolog.Nop())
	assert.Equal(t, int64(2), stats.connectionErrors.Load())
	assert.Zero(t, stats.successfulClients.Load())
}

func TestRootValidatesFlags(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--clients", "0"})
	assert.Error(t, cmd.Execute())

	cmd = newRootCmd()
	cmd.SetArgs([]string{"--min-delay", "2s", "--max-delay", "1s"})
	assert.Error(t, cmd.Execute())
}
