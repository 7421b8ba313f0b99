package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/openhab/openhab-cloud/auth"
	"github.com/openhab/openhab-cloud/cluster"
	"github.com/openhab/openhab-cloud/directory"
)

const (
	// CloseReasonInvalidCredentials is sent when the uuid/secret pair does
	// not match the directory.
	CloseReasonInvalidCredentials = "invalid credentials"
	// CloseReasonAlreadyConnected is sent when another connection holds
	// the site's lock. This is not an authentication failure.
	CloseReasonAlreadyConnected = "already connected"
	// CloseReasonBlocked is sent while the uuid is rate-limited.
	CloseReasonBlocked = "blocked"
	// CloseReasonShutdown is sent to every session on process shutdown.
	CloseReasonShutdown = "shutdown"
)

// Hub accepts site tunnel connections and keeps the registry of sessions
// running on this node.
type Hub struct {
	upgrader websocket.Upgrader
	auth     *auth.Gateway
	manager  *cluster.ConnectionManager
	dir      directory.Directory
	notifier Notifier
	cfg      Config
	log      *zerolog.Logger

	mu        sync.Mutex
	sessions  map[string]*Session // keyed by site id
	accepting bool
}

func NewHub(
	authGateway *auth.Gateway,
	manager *cluster.ConnectionManager,
	dir directory.Directory,
	notifier Notifier,
	cfg Config,
	log *zerolog.Logger,
) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Sites authenticate with uuid/secret; origin checks do not
			// apply to them.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		auth:      authGateway,
		manager:   manager,
		dir:       dir,
		notifier:  notifier,
		cfg:       cfg,
		log:       log,
		sessions:  make(map[string]*Session),
		accepting: true,
	}
}

// Get returns the local session for a site, if this node owns it.
func (h *Hub) Get(siteID string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[siteID]
	return s, ok
}

// ActiveSessions reports how many tunnels this node currently holds.
func (h *Hub) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// ServeHTTP handles the site tunnel endpoint: it upgrades the connection,
// runs the handshake state machine and, on success, blocks as the session's
// read loop until the tunnel closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	accepting := h.accepting
	h.mu.Unlock()
	if !accepting {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	siteUUID := query.Get("uuid")
	secret := query.Get("secret")
	version := query.Get("openhabVersion")
	if version == "" {
		version = query.Get("version")
	}
	if siteUUID == "" || secret == "" {
		http.Error(w, "missing uuid or secret", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("Tunnel upgrade failed")
		return
	}

	h.handshake(r.Context(), conn, siteUUID, secret, version)
}

// handshake walks NEW -> AUTHENTICATING -> LOCK_PENDING -> READY over the
// upgraded connection, closing it with a descriptive reason on any guard
// failure.
func (h *Hub) handshake(ctx context.Context, conn *websocket.Conn, siteUUID, secret, version string) {
	// Guard: blocked uuids are closed before any directory lookup.
	if status := h.manager.IsBlocked(ctx, siteUUID); status.Blocked {
		h.log.Info().Dur("ttl", status.TTL).Msg("Rejecting tunnel from blocked uuid")
		closeWith(conn, websocket.CloseNormalClosure, CloseReasonBlocked)
		return
	}

	site, err := h.auth.AuthenticateSite(ctx, siteUUID, secret)
	if err != nil {
		if err == auth.ErrAuthFailed {
			h.manager.RecordAuthFailure(ctx, siteUUID, version)
			handshakeFailures.WithLabelValues("invalid-credentials").Inc()
			closeWith(conn, websocket.ClosePolicyViolation, CloseReasonInvalidCredentials)
		} else {
			h.log.Warn().Err(err).Msg("Directory unavailable during site handshake")
			handshakeFailures.WithLabelValues("directory-unavailable").Inc()
			closeWith(conn, websocket.CloseInternalServerErr, "directory unavailable")
		}
		return
	}

	s := newSession(site, version, conn, h.manager, h.dir, h.notifier, h.cfg, h.log)
	s.setState(StateAuthenticating)
	s.setState(StateLockPending)

	acquired, err := h.manager.AcquireLock(ctx, site.ID, cluster.LockRecord{
		NodeAddress:  h.cfg.NodeAddress,
		ConnectionID: s.ConnectionID(),
		SiteVersion:  version,
	})
	if err != nil {
		h.log.Warn().Err(err).Str(LogFieldSiteID, site.ID).Msg("Store unavailable during lock acquisition")
		handshakeFailures.WithLabelValues("store-unavailable").Inc()
		closeWith(conn, websocket.CloseInternalServerErr, "store unavailable")
		return
	}
	if !acquired {
		// Another connection holds the lock. Not an auth failure.
		handshakeFailures.WithLabelValues("already-connected").Inc()
		s.log.Info().Msg("Rejecting tunnel, site already connected")
		closeWith(conn, websocket.CloseNormalClosure, CloseReasonAlreadyConnected)
		return
	}

	s.setState(StateReady)
	sessionsActive.Inc()
	h.register(s)
	s.log.Info().Str("openhabVersion", version).Msg("Tunnel session established")

	s.run(ctx)
	h.unregister(s)
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.SiteID()] = s
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.sessions[s.SiteID()]; ok && current == s {
		delete(h.sessions, s.SiteID())
	}
}

// Shutdown stops accepting tunnels, closes every session with reason
// "shutdown" and waits up to grace for them to drain.
func (h *Hub) Shutdown(grace time.Duration) {
	h.mu.Lock()
	h.accepting = false
	open := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		go s.Close(websocket.CloseGoingAway, CloseReasonShutdown)
	}

	deadline := time.After(grace)
	for _, s := range open {
		select {
		case <-s.Done():
		case <-deadline:
			return
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	message := websocket.FormatCloseMessage(code, reason)
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, message)
	_ = conn.Close()
}

func newConnectionID() string {
	return uuid.NewString()
}
