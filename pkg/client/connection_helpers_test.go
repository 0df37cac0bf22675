package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/offmsg/pkg/protocol"
)

func TestParseServerAddress(t *testing.T) {
	tests := []struct {
		name        string
		address     string
		wantDisplay string
		wantKind    string
	}{
		{name: "bare host gets default port", address: "example.com", wantDisplay: "example.com:6470", wantKind: "tcp"},
		{name: "host with port", address: "example.com:9000", wantDisplay: "example.com:9000", wantKind: "tcp"},
		{name: "explicit tcp scheme", address: "tcp://example.com", wantDisplay: "example.com:6470", wantKind: "tcp"},
		{name: "ipv6 without port", address: "[::1]", wantDisplay: "[::1]:6470", wantKind: "tcp"},
		{name: "websocket gets default path", address: "ws://example.com:8080", wantDisplay: "ws://example.com:8080/ws", wantKind: "websocket"},
		{name: "websocket default port", address: "ws://example.com", wantDisplay: "ws://example.com:80/ws", wantKind: "websocket"},
		{name: "websocket custom path", address: "wss://example.com:443/chat", wantDisplay: "wss://example.com:443/chat", wantKind: "websocket"},
		{name: "scheme is case insensitive", address: "WS://example.com:8080", wantDisplay: "ws://example.com:8080/ws", wantKind: "websocket"},
		{name: "surrounding whitespace", address: "  example.com  ", wantDisplay: "example.com:6470", wantKind: "tcp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parseServerAddress(tt.address)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDisplay, cfg.display)
			assert.Equal(t, tt.wantKind, cfg.kind)
		})
	}
}

func TestParseServerAddressErrors(t *testing.T) {
	for _, addr := range []string{"", "   ", "ssh://example.com", "tcp://", "ws://:8080"} {
		t.Run(addr, func(t *testing.T) {
			_, err := parseServerAddress(addr)
			assert.Error(t, err)
		})
	}
}

func TestSplitHostPortWithDefault(t *testing.T) {
	host, port, err := splitHostPortWithDefault("example.com", "1234")
	require.NoError(t, err)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, "1234", port)

	host, port, err = splitHostPortWithDefault("example.com:99", "1234")
	require.NoError(t, err)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, "99", port)

	_, _, err = splitHostPortWithDefault("", "1234")
	assert.Error(t, err)
}

func TestConnectionNotConnected(t *testing.T) {
	conn, err := NewConnection("127.0.0.1:1")
	require.NoError(t, err)
	assert.False(t, conn.IsConnected())
	assert.Equal(t, "tcp", conn.GetConnectionType())
	assert.NoError(t, conn.Close())
}

func TestRoundTripRequiresConnect(t *testing.T) {
	conn, err := NewConnection("127.0.0.1:1")
	require.NoError(t, err)
	_, err = conn.RoundTrip(protocol.NewRequest(protocol.Help{}, false))
	assert.ErrorIs(t, err, ErrNotConnected)
}
