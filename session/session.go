// Package session implements the per-site tunnel session: the stateful
// object that authenticates a site connection, joins the cluster by taking
// the site's connection lock, heartbeats, and routes frames between the
// transport and the per-session trackers.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/openhab/openhab-cloud/cluster"
	"github.com/openhab/openhab-cloud/directory"
	"github.com/openhab/openhab-cloud/frame"
	"github.com/openhab/openhab-cloud/tracker"
)

// State is the lifecycle phase of a tunnel session.
type State int32

const (
	StateNew State = iota
	StateAuthenticating
	StateLockPending
	StateReady
	// StateDegraded means a lock renewal failed while the transport was
	// still up. The session sends no further frames and tears down
	// immediately; it never returns to READY.
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAuthenticating:
		return "authenticating"
	case StateLockPending:
		return "lock_pending"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	LogFieldSiteID       = "siteID"
	LogFieldConnectionID = "connectionID"
	LogFieldRequestID    = "requestID"
	LogFieldFrameType    = "frameType"

	// sweepInterval is how often the stale-request sweeper runs.
	sweepInterval = 5 * time.Second

	// writeTimeout bounds a single frame write to the site.
	writeTimeout = 10 * time.Second
)

var (
	// ErrNotReady is returned by Send when the session cannot accept
	// frames (not yet READY, DEGRADED, or CLOSED).
	ErrNotReady = errors.New("session is not ready")
)

// Notifier receives notification intents emitted by sites.
type Notifier interface {
	Send(ctx context.Context, userID string, payload json.RawMessage) error
}

// Config is the per-session tunable set, shared by all sessions of a node.
type Config struct {
	NodeAddress   string
	PingInterval  time.Duration
	PingTimeout   time.Duration
	RequestMaxAge time.Duration
}

// Session is one active tunnel to a site.
type Session struct {
	site         *directory.Site
	connectionID string
	version      string

	conn  *websocket.Conn
	state atomic.Int32

	Requests   *tracker.RequestTracker
	WebSockets *tracker.WebSocketTracker

	manager   *cluster.ConnectionManager
	directory directory.Directory
	notifier  Notifier
	cfg       Config
	log       zerolog.Logger

	writeMu sync.Mutex

	lastPong atomic.Int64 // unix nano

	// takeover is set when lock renewal reports a different owner. The
	// teardown path must not release a lock that is no longer ours.
	takeover atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

func newSession(
	site *directory.Site,
	version string,
	conn *websocket.Conn,
	manager *cluster.ConnectionManager,
	dir directory.Directory,
	notifier Notifier,
	cfg Config,
	log *zerolog.Logger,
) *Session {
	connectionID := newConnectionID()
	sessionLog := log.With().
		Str(LogFieldSiteID, site.ID).
		Str(LogFieldConnectionID, connectionID).
		Logger()

	s := &Session{
		site:         site,
		connectionID: connectionID,
		version:      version,
		conn:         conn,
		Requests:     tracker.NewRequestTracker(),
		WebSockets:   tracker.NewWebSocketTracker(),
		manager:      manager,
		directory:    dir,
		notifier:     notifier,
		cfg:          cfg,
		log:          sessionLog,
		closed:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	s.state.Store(int32(StateNew))
	s.lastPong.Store(time.Now().UnixNano())
	return s
}

// SiteID identifies the connected site.
func (s *Session) SiteID() string {
	return s.site.ID
}

// ConnectionID identifies this tunnel connection inside the cluster lock.
func (s *Session) ConnectionID() string {
	return s.connectionID
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) setState(next State) {
	s.state.Store(int32(next))
}

// Send writes one frame to the site. It fails once the session has left
// READY: a DEGRADED session sends no further frames.
func (s *Session) Send(f frame.Frame) error {
	if s.State() != StateReady {
		return ErrNotReady
	}
	encoded, err := frame.Encode(f)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
		return errors.Wrap(err, "tunnel write failed")
	}
	return nil
}

// run drives the session until close. The caller's goroutine becomes the
// transport read loop; heartbeat and sweeper run as child tasks.
func (s *Session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readDeadline := 2 * s.cfg.PingTimeout
	_ = s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	s.conn.SetPongHandler(func(string) error {
		s.lastPong.Store(time.Now().UnixNano())
		return s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		s.heartbeat(ctx)
	}()
	go func() {
		defer workers.Done()
		s.sweep(ctx)
	}()

	s.readLoop(ctx)

	cancel()
	s.teardown(websocket.CloseGoingAway, "transport closed")
	workers.Wait()
	close(s.done)
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Info().Msg("Site closed the tunnel")
			} else if s.State() == StateReady {
				s.log.Warn().Err(err).Msg("Tunnel read failed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			framesDropped.WithLabelValues("binary").Inc()
			continue
		}

		f, err := frame.Decode(data)
		if err != nil {
			// Malformed or unknown frames are dropped without closing
			// the session.
			framesDropped.WithLabelValues("malformed").Inc()
			s.log.Warn().Err(err).Msg("Dropping malformed frame")
			continue
		}
		framesReceived.WithLabelValues(string(f.Kind())).Inc()
		s.route(ctx, f)
	}
}

// route dispatches one received frame. Response frames go through the
// request tracker; absent ids are normal (cancelled or timed out requests)
// and are dropped.
func (s *Session) route(ctx context.Context, f frame.Frame) {
	switch v := f.(type) {
	case *frame.ResponseHeader:
		s.deliver(v.ID, v)
	case *frame.ResponseBody:
		s.deliver(v.ID, v)
	case *frame.ResponseFinished:
		s.deliver(v.ID, v)
	case *frame.WebSocketClose:
		if err := s.Requests.Deliver(v.ID, v); err != nil {
			s.WebSockets.Remove(v.ID)
		}
	case *frame.Notification:
		notificationsReceived.Inc()
		go s.forwardNotification(ctx, v)
	case *frame.ItemUpdate:
		go s.persistItemUpdate(ctx, v)
	default:
		framesDropped.WithLabelValues("unexpected").Inc()
		s.log.Debug().Str(LogFieldFrameType, string(f.Kind())).Msg("Dropping unexpected frame from site")
	}
}

// deliver hands a response frame to its request. Unknown ids are normal
// (cancelled or timed out requests). A slow consumer fails the request; the
// site gets a cancel so it stops streaming a response nobody reads.
func (s *Session) deliver(id uint64, f frame.Frame) {
	err := s.Requests.Deliver(id, f)
	switch {
	case err == nil:
	case errors.Is(err, tracker.ErrSlowConsumer):
		framesDropped.WithLabelValues("slow-consumer").Inc()
		s.log.Warn().Uint64(LogFieldRequestID, id).Msg("Client stopped draining response, failing request")
		if sendErr := s.Send(&frame.Cancel{ID: id}); sendErr != nil && sendErr != ErrNotReady {
			s.log.Debug().Err(sendErr).Msg("Unable to send cancel for slow consumer")
		}
	default:
		s.dropFrame(id, f.Kind())
	}
}

func (s *Session) dropFrame(id uint64, kind frame.Type) {
	framesDropped.WithLabelValues("unknown-id").Inc()
	s.log.Debug().
		Uint64(LogFieldRequestID, id).
		Str(LogFieldFrameType, string(kind)).
		Msg("Dropping frame for unknown request id")
}

// forwardNotification verifies the target user belongs to this site's
// account before handing the payload to the notification service.
func (s *Session) forwardNotification(ctx context.Context, f *frame.Notification) {
	user, err := s.directory.UserByID(ctx, f.UserID)
	if err != nil {
		s.log.Warn().Err(err).Msg("Dropping notification for unknown user")
		return
	}
	if user.AccountID != s.site.AccountID {
		s.log.Warn().Msg("Dropping notification addressed outside the site's account")
		return
	}
	if err := s.notifier.Send(ctx, f.UserID, f.Payload); err != nil {
		s.log.Warn().Err(err).Msg("Notification dispatch failed")
	}
}

func (s *Session) persistItemUpdate(ctx context.Context, f *frame.ItemUpdate) {
	if err := s.directory.UpsertItem(ctx, s.site.ID, f.Name, f.Value); err != nil {
		s.log.Warn().Err(err).Msg("Unable to persist item update")
	}
}

// heartbeat pings the site and renews the connection lock every
// PingInterval. A failed renewal means a takeover: the session degrades and
// tears down without releasing the lock.
func (s *Session) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
		}

		if s.State() != StateReady {
			return
		}

		sincePong := time.Since(time.Unix(0, s.lastPong.Load()))
		if sincePong > s.cfg.PingTimeout+s.cfg.PingInterval {
			s.log.Warn().Dur("sincePong", sincePong).Msg("Heartbeat timed out")
			s.teardown(websocket.CloseGoingAway, "heartbeat timeout")
			return
		}

		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := s.conn.WriteMessage(websocket.PingMessage, nil)
		s.writeMu.Unlock()
		if err != nil {
			s.log.Warn().Err(err).Msg("Ping write failed")
			s.teardown(websocket.CloseGoingAway, "transport error")
			return
		}

		renewed, err := s.manager.RenewLock(ctx, s.site.ID, s.connectionID)
		if err != nil {
			s.log.Warn().Err(err).Msg("Lock renewal errored")
			s.teardown(websocket.CloseInternalServerErr, "store unavailable")
			return
		}
		if !renewed {
			// The lock belongs to a different connection now. Do not
			// release it on the way out.
			takeovers.Inc()
			s.takeover.Store(true)
			s.setState(StateDegraded)
			s.log.Warn().Msg("Connection lock taken over, terminating session")
			s.teardown(websocket.CloseGoingAway, "takeover")
			return
		}
	}
}

// sweep fails requests older than RequestMaxAge with 504 and drops entries
// already flagged finished.
func (s *Session) sweep(ctx context.Context) {
	interval := sweepInterval
	if s.cfg.RequestMaxAge > 0 && s.cfg.RequestMaxAge < 2*sweepInterval {
		// Sweep at least twice per max age so timeouts fire close to the
		// configured deadline.
		interval = s.cfg.RequestMaxAge / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
		}

		s.Requests.CleanupOrphaned()
		expired := s.Requests.CleanupStale(s.cfg.RequestMaxAge, 504)
		for _, id := range expired {
			requestsTimedOut.Inc()
			s.log.Warn().Uint64(LogFieldRequestID, id).Msg("Request exceeded max age, failing with 504")
			if err := s.Send(&frame.Cancel{ID: id}); err != nil && err != ErrNotReady {
				s.log.Debug().Err(err).Msg("Unable to send cancel for expired request")
			}
		}
	}
}

// Close tears the session down with the given reason. Used by the hub on
// shutdown.
func (s *Session) Close(code int, reason string) {
	s.teardown(code, reason)
}

func (s *Session) teardown(code int, reason string) {
	s.closeOnce.Do(func() {
		previous := s.State()
		s.setState(StateClosed)
		close(s.closed)

		s.log.Info().
			Str("reason", reason).
			Str("previousState", previous.String()).
			Msg("Tunnel session closing")

		message := websocket.FormatCloseMessage(code, reason)
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = s.conn.WriteMessage(websocket.CloseMessage, message)
		s.writeMu.Unlock()
		_ = s.conn.Close()

		// Fail every in-flight request and destroy every tunneled client
		// socket bound to this session.
		s.Requests.FailAll(503)
		s.WebSockets.RemoveAll()

		if !s.takeover.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.manager.ReleaseLock(ctx, s.site.ID, s.connectionID); err != nil {
				s.log.Warn().Err(err).Msg("Unable to release connection lock, leaving it to TTL expiry")
			}
		}

		sessionsActive.Dec()
		sessionsClosed.WithLabelValues(reason).Inc()
	})
}
