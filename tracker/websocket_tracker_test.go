package tracker

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketTrackerRemoveDestroysConn(t *testing.T) {
	wt := NewWebSocketTracker()
	client, server := net.Pipe()
	defer server.Close()

	ws := NewTunneledWebSocket(1, "site-1", client)
	wt.Add(ws)
	assert.Equal(t, 1, wt.Size())

	got, ok := wt.Get(1)
	require.True(t, ok)
	assert.Same(t, ws, got)

	assert.True(t, wt.Remove(1))
	assert.Equal(t, 0, wt.Size())
	assert.False(t, wt.Remove(1))

	// The client socket must be closed after removal.
	_, err := client.Write([]byte("x"))
	assert.Error(t, err)
}

func TestWebSocketTrackerRemoveAll(t *testing.T) {
	wt := NewWebSocketTracker()
	var clients []net.Conn
	for i := uint64(1); i <= 3; i++ {
		client, server := net.Pipe()
		defer server.Close()
		clients = append(clients, client)
		wt.Add(NewTunneledWebSocket(i, "site-1", client))
	}

	wt.RemoveAll()
	assert.Equal(t, 0, wt.Size())
	for _, client := range clients {
		_, err := client.Write([]byte("x"))
		assert.Error(t, err)
	}
}

func TestDestroyIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	ws := NewTunneledWebSocket(1, "site-1", client)
	ws.Destroy()
	ws.Destroy()
}
