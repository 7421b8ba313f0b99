package tracker

import (
	"net"
	"sync"
	"time"
)

// TunneledWebSocket is one upgraded client socket bound to a site tunnel.
// It owns its client TCP socket and destroys it exactly once.
type TunneledWebSocket struct {
	ID        uint64
	SiteID    string
	CreatedAt time.Time

	conn        net.Conn
	destroyOnce sync.Once
}

func NewTunneledWebSocket(id uint64, siteID string, conn net.Conn) *TunneledWebSocket {
	return &TunneledWebSocket{
		ID:        id,
		SiteID:    siteID,
		CreatedAt: time.Now(),
		conn:      conn,
	}
}

// Conn returns the raw client socket.
func (ws *TunneledWebSocket) Conn() net.Conn {
	return ws.conn
}

// Destroy closes the client socket. Safe to call from both the session
// teardown path and the dispatcher's own close path.
func (ws *TunneledWebSocket) Destroy() {
	ws.destroyOnce.Do(func() {
		_ = ws.conn.Close()
	})
}

// WebSocketTracker is the per-session map of tunneled client websockets.
type WebSocketTracker struct {
	mu      sync.Mutex
	entries map[uint64]*TunneledWebSocket
}

func NewWebSocketTracker() *WebSocketTracker {
	return &WebSocketTracker{
		entries: make(map[uint64]*TunneledWebSocket),
	}
}

func (wt *WebSocketTracker) Add(ws *TunneledWebSocket) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	wt.entries[ws.ID] = ws
}

func (wt *WebSocketTracker) Get(id uint64) (*TunneledWebSocket, bool) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	ws, ok := wt.entries[id]
	return ws, ok
}

// Remove drops the entry and destroys the underlying socket.
func (wt *WebSocketTracker) Remove(id uint64) (found bool) {
	wt.mu.Lock()
	ws, ok := wt.entries[id]
	delete(wt.entries, id)
	wt.mu.Unlock()

	if ok {
		ws.Destroy()
	}
	return ok
}

// RemoveAll destroys every tracked socket. Invoked on session close.
func (wt *WebSocketTracker) RemoveAll() {
	wt.mu.Lock()
	all := make([]*TunneledWebSocket, 0, len(wt.entries))
	for id, ws := range wt.entries {
		all = append(all, ws)
		delete(wt.entries, id)
	}
	wt.mu.Unlock()

	for _, ws := range all {
		ws.Destroy()
	}
}

func (wt *WebSocketTracker) Size() int {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	return len(wt.entries)
}
