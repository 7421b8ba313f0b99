package proxy

import (
	"bufio"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openhab/openhab-cloud/frame"
	"github.com/openhab/openhab-cloud/session"
	"github.com/openhab/openhab-cloud/tracker"
)

// upgradeTimeout bounds how long we wait for the site to answer an upgrade
// request with a 101 before giving up.
const upgradeTimeout = 30 * time.Second

// dispatchWebSocket forwards an HTTP upgrade across the tunnel. On a 101
// from the site it hijacks the client TCP socket and pipes raw bytes both
// ways until either side closes.
func (d *Dispatcher) dispatchWebSocket(w http.ResponseWriter, r *http.Request, s *session.Session) {
	id := s.Requests.AcquireID()
	entry := s.Requests.Add(id, s.SiteID())

	log := d.log.With().
		Str(LogFieldSiteID, s.SiteID()).
		Uint64(LogFieldRequestID, id).
		Logger()

	headers := d.forwardHeaders(r)
	// The upgrade handshake needs the hop-by-hop headers the regular path
	// strips.
	headers.Set("Connection", "Upgrade")
	headers.Set("Upgrade", "websocket")
	for _, name := range []string{"Sec-Websocket-Key", "Sec-Websocket-Version", "Sec-Websocket-Protocol", "Sec-Websocket-Extensions"} {
		if value := r.Header.Get(name); value != "" {
			headers.Set(name, value)
		}
	}

	req := &frame.Request{
		ID:      id,
		Method:  r.Method,
		URL:     siteURL(r),
		Headers: headers,
		Upgrade: true,
	}
	if err := s.Send(req); err != nil {
		s.Requests.SafeRemove(id)
		writeErrorJSON(w, http.StatusServiceUnavailable, "site offline")
		return
	}
	websocketsOpened.Inc()

	select {
	case f := <-entry.Frames:
		header, ok := f.(*frame.ResponseHeader)
		if !ok {
			log.Warn().Str("frameType", string(f.Kind())).Msg("Expected responseHeader for upgrade request")
			d.cancel(s, id, log)
			writeErrorJSON(w, http.StatusBadGateway, "bad upgrade response")
			return
		}
		s.Requests.MarkHeadersSent(id)
		if header.Status != http.StatusSwitchingProtocols {
			// The site refused the upgrade; relay its answer as a plain
			// response.
			copyHeaders(w.Header(), header.Headers)
			w.WriteHeader(header.Status)
			s.Requests.MarkFinished(id)
			s.Requests.SafeRemove(id)
			return
		}
		d.pipeWebSocket(w, s, id, entry, header, log)
	case status := <-entry.Failed:
		writeErrorJSON(w, status, failureMessage(status))
	case <-time.After(upgradeTimeout):
		d.cancel(s, id, log)
		writeErrorJSON(w, http.StatusGatewayTimeout, "upgrade timed out")
	case <-r.Context().Done():
		d.cancel(s, id, log)
	}
}

func (d *Dispatcher) pipeWebSocket(
	w http.ResponseWriter,
	s *session.Session,
	id uint64,
	entry *tracker.InFlight,
	header *frame.ResponseHeader,
	log zerolog.Logger,
) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		log.Error().Msg("Response writer does not support hijacking")
		d.cancel(s, id, log)
		writeErrorJSON(w, http.StatusInternalServerError, "upgrade unsupported")
		return
	}
	conn, bufrw, err := hijacker.Hijack()
	if err != nil {
		log.Error().Err(err).Msg("Hijack failed")
		d.cancel(s, id, log)
		return
	}

	if err := writeUpgradeResponse(bufrw, header); err != nil {
		log.Debug().Err(err).Msg("Unable to write 101 to client")
		_ = conn.Close()
		d.cancel(s, id, log)
		return
	}

	tunneled := tracker.NewTunneledWebSocket(id, s.SiteID(), conn)
	s.WebSockets.Add(tunneled)
	s.Requests.MarkUpgraded(id)
	log.Debug().Msg("WebSocket tunnel established")

	// done unblocks the site->client loop when the client->site reader tears
	// the tunnel down first; after removal nothing arrives on the entry.
	done := make(chan struct{})
	var closeOnce sync.Once
	closeBoth := func(notifySite bool) {
		closeOnce.Do(func() {
			if notifySite {
				if err := s.Send(&frame.WebSocketClose{ID: id}); err != nil && err != session.ErrNotReady {
					log.Debug().Err(err).Msg("Unable to send websocket close frame")
				}
			}
			s.WebSockets.Remove(id)
			s.Requests.MarkFinished(id)
			s.Requests.SafeRemove(id)
			websocketsClosed.Inc()
			close(done)
		})
	}

	// Client -> site: raw bytes become requestBody frames.
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := bufrw.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				if sendErr := s.Send(&frame.RequestBody{ID: id, Body: chunk}); sendErr != nil {
					closeBoth(false)
					return
				}
			}
			if err != nil {
				closeBoth(true)
				return
			}
		}
	}()

	// Site -> client: response frames become raw bytes.
	for {
		select {
		case f := <-entry.Frames:
			switch v := f.(type) {
			case *frame.ResponseBody:
				if _, err := conn.Write(v.Body); err != nil {
					closeBoth(true)
					return
				}
			case *frame.WebSocketClose, *frame.ResponseFinished:
				closeBoth(false)
				return
			default:
				log.Debug().Str("frameType", string(f.Kind())).Msg("Ignoring unexpected frame on websocket tunnel")
			}
		case <-entry.Failed:
			closeBoth(false)
			return
		case <-done:
			return
		}
	}
}

func writeUpgradeResponse(bufrw *bufio.ReadWriter, header *frame.ResponseHeader) error {
	if _, err := fmt.Fprintf(bufrw, "HTTP/1.1 %d Switching Protocols\r\n", header.Status); err != nil {
		return err
	}
	for name, values := range header.Headers {
		for _, value := range values {
			if _, err := fmt.Fprintf(bufrw, "%s: %s\r\n", name, value); err != nil {
				return err
			}
		}
	}
	if _, err := bufrw.WriteString("\r\n"); err != nil {
		return err
	}
	return bufrw.Flush()
}
