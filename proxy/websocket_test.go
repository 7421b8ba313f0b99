package proxy

import (
	"bufio"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhab/openhab-cloud/frame"
)

// siteWebSocketEcho accepts tunnel upgrade requests with a 101 and echoes
// every requestBody frame back as a responseBody frame. Received
// websocketClose frames are reported on the returned channel.
func siteWebSocketEcho(t *testing.T, conn *websocket.Conn) <-chan uint64 {
	t.Helper()
	closed := make(chan uint64, 4)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			decoded, err := frame.Decode(data)
			if err != nil {
				continue
			}

			write := func(fr frame.Frame) bool {
				encoded, err := frame.Encode(fr)
				if err != nil {
					return false
				}
				return conn.WriteMessage(websocket.TextMessage, encoded) == nil
			}

			switch v := decoded.(type) {
			case *frame.Request:
				if !v.Upgrade {
					continue
				}
				header := &frame.ResponseHeader{
					ID:     v.ID,
					Status: http.StatusSwitchingProtocols,
					Headers: http.Header{
						"Upgrade":    {"websocket"},
						"Connection": {"Upgrade"},
					},
				}
				if !write(header) {
					return
				}
			case *frame.RequestBody:
				if !write(&frame.ResponseBody{ID: v.ID, Body: v.Body}) {
					return
				}
			case *frame.WebSocketClose:
				closed <- v.ID
			}
		}
	}()
	return closed
}

// dialRawUpgrade performs a bare HTTP upgrade handshake over TCP and returns
// the connection with the 101 already consumed.
func dialRawUpgrade(t *testing.T, serverURL, path string) (net.Conn, *bufio.Reader) {
	t.Helper()
	host := strings.TrimPrefix(serverURL, "http://")
	conn, err := net.DialTimeout("tcp", host, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	credentials := base64.StdEncoding.EncodeToString([]byte(testUserName + ":" + testPassword))
	request := "GET " + path + " HTTP/1.1\r\n" +
		"Host: " + host + "\r\n" +
		"Authorization: Basic " + credentials + "\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-Websocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-Websocket-Version: 13\r\n" +
		"\r\n"
	_, err = conn.Write([]byte(request))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(reader, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	return conn, reader
}

func TestWebSocketTunnelEcho(t *testing.T) {
	f := newFixture(t)
	siteConn := f.connectSite(t)
	closed := siteWebSocketEcho(t, siteConn)

	client, reader := dialRawUpgrade(t, f.server.URL, "/rest/events")

	// Bytes written by the client come back through the echo site.
	payload := []byte("subscribe items")
	_, err := client.Write(payload)
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	echoed := make([]byte, len(payload))
	_, err = io.ReadFull(reader, echoed)
	require.NoError(t, err)
	assert.Equal(t, payload, echoed)

	// Closing the client side tells the site to drop its end.
	client.Close()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("site never received the websocketClose frame")
	}
}

func TestWebSocketClientCloseReleasesHandler(t *testing.T) {
	f := newFixture(t)
	siteConn := f.connectSite(t)
	closed := siteWebSocketEcho(t, siteConn)

	client, _ := dialRawUpgrade(t, f.server.URL, "/rest/events")
	client.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("site never received the websocketClose frame")
	}

	// The tunnel handler must exit once the client side is gone.
	require.Eventually(t, func() bool {
		buf := make([]byte, 1<<20)
		stack := string(buf[:runtime.Stack(buf, true)])
		return !strings.Contains(stack, "pipeWebSocket")
	}, 2*time.Second, 50*time.Millisecond)
}

func TestWebSocketUpgradeTimesOut(t *testing.T) {
	f := newFixtureWithMaxAge(t, 300*time.Millisecond)
	siteConn := f.connectSite(t)

	// The site never answers the upgrade request.
	go func() {
		for {
			if _, _, err := siteConn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/rest/events", nil)
	require.NoError(t, err)
	req.SetBasicAuth(testUserName, testPassword)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"error":"request timed out"}`, string(body))
}

func TestWebSocketUpgradeRefused(t *testing.T) {
	f := newFixture(t)
	siteConn := f.connectSite(t)

	// The site answers the upgrade with a plain 403; the client receives it
	// as a regular response.
	go func() {
		for {
			_, data, err := siteConn.ReadMessage()
			if err != nil {
				return
			}
			decoded, err := frame.Decode(data)
			if err != nil {
				continue
			}
			req, ok := decoded.(*frame.Request)
			if !ok || !req.Upgrade {
				continue
			}
			encoded, _ := frame.Encode(&frame.ResponseHeader{ID: req.ID, Status: http.StatusForbidden})
			if siteConn.WriteMessage(websocket.TextMessage, encoded) != nil {
				return
			}
		}
	}()

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/rest/events", nil)
	require.NoError(t, err)
	req.SetBasicAuth(testUserName, testPassword)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
