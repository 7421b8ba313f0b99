// Package tracker holds the per-session registries of client requests and
// upgraded client sockets that are waiting on frames from a site.
package tracker

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/openhab/openhab-cloud/frame"
)

// ErrNotFound is returned when a request id is not tracked. A site answering
// an untracked id is normal (cancelled or timed out request) and callers are
// expected to drop the frame.
var ErrNotFound = errors.New("request id not tracked")

// ErrSlowConsumer is returned when a request's frame buffer overflows. The
// consumer stopped draining; skipping a frame and delivering later ones
// would hand the client a response with a hole in it, so the whole request
// fails instead.
var ErrSlowConsumer = errors.New("request consumer too slow")

// frameBuffer is the number of response frames that may queue per request
// before the client is considered too slow and the request fails.
const frameBuffer = 256

// InFlight is one client request forwarded over the tunnel, waiting for
// response frames.
type InFlight struct {
	ID        uint64
	SiteID    string
	CreatedAt time.Time

	// Frames receives the site's response frames in arrival order. The
	// dispatcher owning the request is the only consumer.
	Frames chan frame.Frame
	// Failed receives at most one HTTP status when the request is failed
	// by the sweeper (504) or by session teardown (503).
	Failed chan int

	headersSent bool
	finished    bool
	upgraded    bool
}

// RequestTracker is the per-session map of in-flight requests. All methods
// are safe for concurrent use by the session read loop and dispatcher
// workers; nothing is held across I/O.
type RequestTracker struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]*InFlight
}

func NewRequestTracker() *RequestTracker {
	return &RequestTracker{
		entries: make(map[uint64]*InFlight),
	}
}

// AcquireID returns the next request id. Ids are monotonic within a session.
func (rt *RequestTracker) AcquireID() uint64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.nextID++
	return rt.nextID
}

// Add registers a new in-flight request under the given id.
func (rt *RequestTracker) Add(id uint64, siteID string) *InFlight {
	entry := &InFlight{
		ID:        id,
		SiteID:    siteID,
		CreatedAt: time.Now(),
		Frames:    make(chan frame.Frame, frameBuffer),
		Failed:    make(chan int, 1),
	}
	rt.mu.Lock()
	rt.entries[id] = entry
	rt.mu.Unlock()
	return entry
}

func (rt *RequestTracker) Has(id uint64) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	_, ok := rt.entries[id]
	return ok
}

// Get returns the tracked request or ErrNotFound.
func (rt *RequestTracker) Get(id uint64) (*InFlight, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	entry, ok := rt.entries[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "id %d", id)
	}
	return entry, nil
}

// Remove deletes the entry, erroring on unknown ids so protocol bugs stay
// visible. Dispatchers that legitimately race removal use SafeRemove.
func (rt *RequestTracker) Remove(id uint64) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.entries[id]; !ok {
		return errors.Wrapf(ErrNotFound, "id %d", id)
	}
	delete(rt.entries, id)
	return nil
}

// SafeRemove deletes the entry if present and reports whether it was.
func (rt *RequestTracker) SafeRemove(id uint64) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.entries[id]; !ok {
		return false
	}
	delete(rt.entries, id)
	return true
}

// Deliver routes a response frame to the request's consumer. Unknown and
// already-finished ids return ErrNotFound and the frame is dropped. A full
// consumer buffer fails the request with 503 and returns ErrSlowConsumer:
// frames for one request arrive in order or not at all, never with gaps.
func (rt *RequestTracker) Deliver(id uint64, f frame.Frame) error {
	rt.mu.Lock()
	entry, ok := rt.entries[id]
	if !ok || entry.finished {
		rt.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "id %d", id)
	}
	rt.mu.Unlock()

	select {
	case entry.Frames <- f:
		return nil
	default:
	}

	rt.mu.Lock()
	entry.finished = true
	delete(rt.entries, id)
	rt.mu.Unlock()
	entry.fail(503)
	return errors.Wrapf(ErrSlowConsumer, "id %d", id)
}

// MarkHeadersSent records that response headers were written to the client.
// The first call wins; a second responseHeader frame must be dropped.
func (rt *RequestTracker) MarkHeadersSent(id uint64) (first bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	entry, ok := rt.entries[id]
	if !ok {
		return false
	}
	if entry.headersSent {
		return false
	}
	entry.headersSent = true
	return true
}

func (rt *RequestTracker) HeadersSent(id uint64) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	entry, ok := rt.entries[id]
	return ok && entry.headersSent
}

// MarkFinished flags the entry so late frames are dropped. The entry stays
// in the map until removed by its owner or by CleanupOrphaned.
func (rt *RequestTracker) MarkFinished(id uint64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if entry, ok := rt.entries[id]; ok {
		entry.finished = true
	}
}

// MarkUpgraded exempts a successfully upgraded websocket request from the
// stale sweep; tunneled sockets live until either side closes.
func (rt *RequestTracker) MarkUpgraded(id uint64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if entry, ok := rt.entries[id]; ok {
		entry.upgraded = true
	}
}

// CleanupOrphaned removes every entry flagged finished.
func (rt *RequestTracker) CleanupOrphaned() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for id, entry := range rt.entries {
		if entry.finished {
			delete(rt.entries, id)
		}
	}
}

// CleanupStale removes entries older than maxAge and fails each one with the
// given status. The removed ids are returned so the caller can log them.
func (rt *RequestTracker) CleanupStale(maxAge time.Duration, status int) []uint64 {
	cutoff := time.Now().Add(-maxAge)

	rt.mu.Lock()
	var stale []*InFlight
	for id, entry := range rt.entries {
		if entry.CreatedAt.Before(cutoff) && !entry.finished && !entry.upgraded {
			stale = append(stale, entry)
			delete(rt.entries, id)
		}
	}
	rt.mu.Unlock()

	ids := make([]uint64, 0, len(stale))
	for _, entry := range stale {
		entry.fail(status)
		ids = append(ids, entry.ID)
	}
	return ids
}

// FailAll fails every unfinished entry with the given status and empties the
// tracker. Used on session teardown.
func (rt *RequestTracker) FailAll(status int) {
	rt.mu.Lock()
	var all []*InFlight
	for id, entry := range rt.entries {
		if !entry.finished {
			all = append(all, entry)
		}
		delete(rt.entries, id)
	}
	rt.mu.Unlock()

	for _, entry := range all {
		entry.fail(status)
	}
}

func (rt *RequestTracker) Size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.entries)
}

func (e *InFlight) fail(status int) {
	select {
	case e.Failed <- status:
	default:
	}
}
