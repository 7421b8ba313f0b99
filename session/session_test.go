package session

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhab/openhab-cloud/auth"
	"github.com/openhab/openhab-cloud/cluster"
	"github.com/openhab/openhab-cloud/directory"
	"github.com/openhab/openhab-cloud/frame"
)

const (
	testSiteUUID   = "11111111-2222-3333-4444-555555555555"
	testSiteSecret = "site-secret"
)

type fakeNotifier struct {
	mu    sync.Mutex
	sends []string
}

func (n *fakeNotifier) Send(ctx context.Context, userID string, payload json.RawMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sends = append(n.sends, userID)
	return nil
}

func (n *fakeNotifier) sentTo() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sends...)
}

type hubFixture struct {
	hub      *Hub
	server   *httptest.Server
	dir      *directory.Fake
	manager  *cluster.ConnectionManager
	store    *redis.Client
	notifier *fakeNotifier
	site     *directory.Site
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	dir := directory.NewFake()
	hash, err := auth.HashSecret(testSiteSecret)
	require.NoError(t, err)
	site := dir.AddSite(testSiteUUID, hash, "acct-1")

	log := zerolog.Nop()
	manager := cluster.NewConnectionManager(client, dir, 45*time.Second, 60*time.Second, &log)
	gateway := auth.NewGateway(dir, auth.NewSessionCodec("test"), &log)
	notifier := &fakeNotifier{}

	hub := NewHub(gateway, manager, dir, notifier, Config{
		NodeAddress:   "http://127.0.0.1:3000",
		PingInterval:  100 * time.Millisecond,
		PingTimeout:   time.Second,
		RequestMaxAge: time.Minute,
	}, &log)

	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	return &hubFixture{hub: hub, server: server, dir: dir, manager: manager, store: client, notifier: notifier, site: site}
}

func (f *hubFixture) dial(t *testing.T, uuid, secret string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?uuid=" + uuid + "&secret=" + secret + "&openhabVersion=4.1.0"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *hubFixture) waitForSession(t *testing.T) *Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := f.hub.Get(f.site.ID); ok {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never registered")
	return nil
}

func readCloseError(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected close error, got %v", err)
		return closeErr
	}
}

func TestHandshakeHappyPath(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, testSiteUUID, testSiteSecret)

	s := f.waitForSession(t)
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, 1, f.hub.ActiveSessions())

	// The handshake must leave a lock naming this connection.
	record, err := f.manager.PeekLock(context.Background(), f.site.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, s.ConnectionID(), record.ConnectionID)
	assert.Equal(t, "4.1.0", record.SiteVersion)

	// Frames sent through the session arrive at the site.
	id := s.Requests.AcquireID()
	entry := s.Requests.Add(id, s.SiteID())
	require.NoError(t, s.Send(&frame.Request{ID: id, Method: "GET", URL: "/rest/items"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	received, err := frame.Decode(data)
	require.NoError(t, err)
	req, ok := received.(*frame.Request)
	require.True(t, ok)
	assert.Equal(t, id, req.ID)

	// The site's response frames reach the tracked entry.
	response, err := frame.Encode(&frame.ResponseHeader{ID: id, Status: 200})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, response))

	select {
	case got := <-entry.Frames:
		header, ok := got.(*frame.ResponseHeader)
		require.True(t, ok)
		assert.Equal(t, 200, header.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("response frame never delivered")
	}
}

func TestHandshakeInvalidCredentials(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, testSiteUUID, "wrong-secret")

	closeErr := readCloseError(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, CloseReasonInvalidCredentials, closeErr.Text)

	// The failure blocks the uuid for subsequent attempts, even with the
	// correct secret.
	conn2 := f.dial(t, testSiteUUID, testSiteSecret)
	closeErr = readCloseError(t, conn2)
	assert.Equal(t, CloseReasonBlocked, closeErr.Text)
}

func TestHandshakeMissingParams(t *testing.T) {
	f := newHubFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?uuid=" + testSiteUUID
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}

func TestHandshakeAlreadyConnected(t *testing.T) {
	f := newHubFixture(t)
	f.dial(t, testSiteUUID, testSiteSecret)
	f.waitForSession(t)

	// A second connection for the same site is refused while the first
	// holds the lock. Not an auth failure: the uuid is not blocked after.
	conn2 := f.dial(t, testSiteUUID, testSiteSecret)
	closeErr := readCloseError(t, conn2)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, CloseReasonAlreadyConnected, closeErr.Text)

	status := f.manager.IsBlocked(context.Background(), testSiteUUID)
	assert.False(t, status.Blocked)
}

func TestSiteDisconnectReleasesLock(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, testSiteUUID, testSiteSecret)
	s := f.waitForSession(t)

	require.NoError(t, conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
	))
	conn.Close()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not tear down after site disconnect")
	}
	assert.Equal(t, StateClosed, s.State())

	record, err := f.manager.PeekLock(context.Background(), f.site.ID)
	require.NoError(t, err)
	assert.Nil(t, record)

	// Clean disconnect bumps lastOnline.
	site, err := f.dir.SiteByUUID(context.Background(), testSiteUUID)
	require.NoError(t, err)
	assert.False(t, site.LastOnline.IsZero())
}

func TestNotificationForwarding(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, testSiteUUID, testSiteSecret)
	f.waitForSession(t)

	owner := f.dir.AddUser("owner", "", "acct-1", true)
	stranger := f.dir.AddUser("stranger", "", "acct-other", true)

	send := func(userID string) {
		data, err := frame.Encode(&frame.Notification{UserID: userID, Payload: json.RawMessage(`{"message":"hi"}`)})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	}
	send(owner.ID)
	send(stranger.ID)

	require.Eventually(t, func() bool {
		return len(f.notifier.sentTo()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	// Only the user inside the site's account receives the notification.
	assert.Equal(t, []string{owner.ID}, f.notifier.sentTo())
}

func TestItemUpdatePersisted(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, testSiteUUID, testSiteSecret)
	f.waitForSession(t)

	data, err := frame.Encode(&frame.ItemUpdate{Name: "Temperature", Value: "21.5"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	require.Eventually(t, func() bool {
		return f.dir.ItemValue(f.site.ID, "Temperature") == "21.5"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMalformedFrameDoesNotKillSession(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, testSiteUUID, testSiteSecret)
	s := f.waitForSession(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateReady, s.State())
}

func TestHubShutdown(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, testSiteUUID, testSiteSecret)
	s := f.waitForSession(t)

	f.hub.Shutdown(2 * time.Second)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not drain on shutdown")
	}

	closeErr := readCloseError(t, conn)
	assert.Equal(t, CloseReasonShutdown, closeErr.Text)

	// New tunnels are refused after shutdown begins.
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?uuid=" + testSiteUUID + "&secret=" + testSiteSecret
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, 503, resp.StatusCode)
}

func TestTakeoverDoesNotReleaseNewOwnersLock(t *testing.T) {
	f := newHubFixture(t)
	f.dial(t, testSiteUUID, testSiteSecret)
	s := f.waitForSession(t)

	// Another node's connection takes the lock out from under this session.
	usurper, err := json.Marshal(cluster.LockRecord{
		NodeAddress:  "http://other-node:3000",
		ConnectionID: "conn-usurper",
		GrantedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, f.store.Set(context.Background(), "connection:"+f.site.ID, usurper, time.Minute).Err())

	// The next heartbeat renewal notices the foreign owner and terminates
	// the session without touching the lock.
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not terminate after takeover")
	}

	record, err := f.manager.PeekLock(context.Background(), f.site.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "conn-usurper", record.ConnectionID)
}

func TestSendAfterClose(t *testing.T) {
	f := newHubFixture(t)
	f.dial(t, testSiteUUID, testSiteSecret)
	s := f.waitForSession(t)

	s.Close(websocket.CloseGoingAway, "test")
	err := s.Send(&frame.Cancel{ID: 1})
	assert.ErrorIs(t, err, ErrNotReady)
}
