// Package proxy dispatches inbound client HTTP and WebSocket traffic across
// site tunnels. Requests for sites connected to a peer node are proxied
// server-side to that node; redirects would lose non-idempotent request
// bodies.
package proxy

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/openhab/openhab-cloud/auth"
	"github.com/openhab/openhab-cloud/cluster"
	"github.com/openhab/openhab-cloud/directory"
	"github.com/openhab/openhab-cloud/frame"
	"github.com/openhab/openhab-cloud/session"
)

const (
	LogFieldSiteID    = "siteID"
	LogFieldRequestID = "requestID"
	LogFieldUserID    = "userID"

	// remotePrefix is stripped before forwarding to the site.
	remotePrefix = "/remote"

	// forwardedMarker guards against proxy loops between nodes.
	forwardedMarker = "X-Openhab-Cloud-Forwarded"

	// maxRequestBodyBytes caps the request body buffered into a frame.
	maxRequestBodyBytes = 16 << 20
)

// hopByHopHeaders are stripped when crossing the tunnel in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Dispatcher forwards authenticated client requests over tunnel sessions.
type Dispatcher struct {
	hub         *session.Hub
	auth        *auth.Gateway
	directory   directory.Directory
	manager     *cluster.ConnectionManager
	peers       *peerProxy
	nodeAddress string
	maxAge      time.Duration
	trustProxy  bool
	log         *zerolog.Logger
}

func NewDispatcher(
	hub *session.Hub,
	authGateway *auth.Gateway,
	dir directory.Directory,
	manager *cluster.ConnectionManager,
	nodeAddress string,
	requestMaxAge time.Duration,
	trustProxy bool,
	log *zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		hub:         hub,
		auth:        authGateway,
		directory:   dir,
		manager:     manager,
		peers:       newPeerProxy(log),
		nodeAddress: nodeAddress,
		maxAge:      requestMaxAge,
		trustProxy:  trustProxy,
		log:         log,
	}
}

// ServeHTTP is the tunnel endpoint for all client traffic.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := d.auth.AuthenticateRequest(r)
	if err != nil {
		if errors.Is(err, auth.ErrAuthFailed) {
			w.Header().Set("WWW-Authenticate", `Basic realm="openHAB Cloud"`)
			writeErrorJSON(w, http.StatusUnauthorized, "authentication failed")
		} else {
			writeErrorJSON(w, http.StatusServiceUnavailable, "directory unavailable")
		}
		return
	}

	site, err := d.directory.SiteByAccount(r.Context(), user.AccountID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			// Every user has exactly one site; a missing one is a data
			// integrity problem, not a client error.
			d.log.Error().Str(LogFieldUserID, user.ID).Msg("User's account has no site")
			writeErrorJSON(w, http.StatusInternalServerError, "no site registered")
		} else {
			writeErrorJSON(w, http.StatusServiceUnavailable, "directory unavailable")
		}
		return
	}

	lock, err := d.manager.PeekLock(r.Context(), site.ID)
	if err != nil {
		writeErrorJSON(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if lock == nil {
		writeErrorJSON(w, http.StatusServiceUnavailable, "site offline")
		return
	}

	if lock.NodeAddress != d.nodeAddress {
		if r.Header.Get(forwardedMarker) != "" {
			// Already bounced once; the lock record must be stale.
			writeErrorJSON(w, http.StatusServiceUnavailable, "site offline")
			return
		}
		d.peers.forward(w, r, lock.NodeAddress)
		return
	}

	s, ok := d.hub.Get(site.ID)
	if !ok || s.State() != session.StateReady {
		// The lock names this node but the session is gone, likely a
		// fresh restart racing TTL expiry.
		writeErrorJSON(w, http.StatusServiceUnavailable, "site offline")
		return
	}

	if isWebSocketUpgrade(r) {
		d.dispatchWebSocket(w, r, s)
		return
	}
	d.dispatchHTTP(w, r, s)
}

// dispatchHTTP forwards one request over the tunnel and streams the framed
// response back to the client.
func (d *Dispatcher) dispatchHTTP(w http.ResponseWriter, r *http.Request, s *session.Session) {
	concurrentRequests.Inc()
	defer concurrentRequests.Dec()

	body, err := readRequestBody(w, r)
	if err != nil {
		writeErrorJSON(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	id := s.Requests.AcquireID()
	entry := s.Requests.Add(id, s.SiteID())

	log := d.log.With().
		Str(LogFieldSiteID, s.SiteID()).
		Uint64(LogFieldRequestID, id).
		Logger()

	req := &frame.Request{
		ID:      id,
		Method:  r.Method,
		URL:     siteURL(r),
		Headers: d.forwardHeaders(r),
		Body:    body,
	}
	if err := s.Send(req); err != nil {
		s.Requests.SafeRemove(id)
		log.Warn().Err(err).Msg("Unable to send request frame")
		writeErrorJSON(w, http.StatusServiceUnavailable, "site offline")
		return
	}
	requestsForwarded.Inc()
	log.Debug().Msgf("%s %s forwarded over tunnel", r.Method, r.URL.Path)

	flusher, _ := w.(http.Flusher)
	clientGone := r.Context().Done()

	for {
		select {
		case f := <-entry.Frames:
			switch v := f.(type) {
			case *frame.ResponseHeader:
				if first := s.Requests.MarkHeadersSent(id); !first {
					// Duplicate responseHeader: protocol violation by the
					// site, drop without closing the session.
					log.Warn().Msg("Dropping duplicate responseHeader frame")
					continue
				}
				copyHeaders(w.Header(), v.Headers)
				w.WriteHeader(v.Status)
				responseByStatus.WithLabelValues(statusClass(v.Status)).Inc()
			case *frame.ResponseBody:
				if _, err := w.Write(v.Body); err != nil {
					// Client write errors after headers count as a client
					// cancel.
					d.cancel(s, id, log)
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			case *frame.ResponseFinished:
				s.Requests.MarkFinished(id)
				s.Requests.SafeRemove(id)
				return
			default:
				log.Debug().Str("frameType", string(f.Kind())).Msg("Ignoring unexpected frame in response stream")
			}
		case status := <-entry.Failed:
			if !s.Requests.HeadersSent(id) {
				writeErrorJSON(w, status, failureMessage(status))
			}
			return
		case <-clientGone:
			d.cancel(s, id, log)
			return
		}
	}
}

// cancel propagates a client disconnect into the tunnel. The entry stays in
// the tracker flagged finished; the session sweeper removes it.
func (d *Dispatcher) cancel(s *session.Session, id uint64, log zerolog.Logger) {
	requestsCancelled.Inc()
	s.Requests.MarkFinished(id)
	if err := s.Send(&frame.Cancel{ID: id}); err != nil && err != session.ErrNotReady {
		log.Debug().Err(err).Msg("Unable to send cancel frame")
	}
}

// forwardHeaders builds the header set sent to the site: client headers
// minus hop-by-hop ones, plus forwarding metadata when the deployment
// trusts its front proxy.
func (d *Dispatcher) forwardHeaders(r *http.Request) http.Header {
	headers := make(http.Header, len(r.Header))
	for name, values := range r.Header {
		headers[name] = append([]string(nil), values...)
	}
	for _, name := range hopByHopHeaders {
		headers.Del(name)
	}
	headers.Del(forwardedMarker)
	headers.Del("Cookie")
	headers.Del("Authorization")

	if d.trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			headers.Set("X-Forwarded-For", forwarded)
		}
		if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
			headers.Set("X-Forwarded-Proto", scheme)
		}
	} else {
		headers.Set("X-Forwarded-For", clientIP(r))
	}
	headers.Set("Host", r.Host)
	return headers
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	limited := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read request body")
	}
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

// siteURL is the path+query forwarded to the site, with the optional
// /remote prefix stripped.
func siteURL(r *http.Request) string {
	path := r.URL.Path
	if path == remotePrefix {
		path = "/"
	} else if strings.HasPrefix(path, remotePrefix+"/") {
		path = strings.TrimPrefix(path, remotePrefix)
	}
	if r.URL.RawQuery != "" {
		return path + "?" + r.URL.RawQuery
	}
	return path
}

func copyHeaders(dst http.Header, src http.Header) {
	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		if isHopByHop(canonical) {
			continue
		}
		dst[canonical] = append([]string(nil), values...)
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if h == name {
			return true
		}
	}
	return false
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx > 0 {
		addr = addr[:idx]
	}
	return strings.Trim(addr, "[]")
}

// failureMessage maps a failed request's status to the client-facing error
// body, shared by the HTTP and websocket paths.
func failureMessage(status int) string {
	if status == http.StatusGatewayTimeout {
		return "request timed out"
	}
	return "site offline"
}

func writeErrorJSON(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}

func statusClass(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
