package tracker

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhab/openhab-cloud/frame"
)

func TestAcquireIDMonotonic(t *testing.T) {
	rt := NewRequestTracker()
	first := rt.AcquireID()
	second := rt.AcquireID()
	assert.Equal(t, first+1, second)
}

func TestAddGetRemove(t *testing.T) {
	rt := NewRequestTracker()
	id := rt.AcquireID()
	entry := rt.Add(id, "site-1")
	require.NotNil(t, entry)
	assert.Equal(t, id, entry.ID)
	assert.Equal(t, "site-1", entry.SiteID)

	got, err := rt.Get(id)
	require.NoError(t, err)
	assert.Same(t, entry, got)
	assert.True(t, rt.Has(id))
	assert.Equal(t, 1, rt.Size())

	require.NoError(t, rt.Remove(id))
	assert.False(t, rt.Has(id))

	err = rt.Remove(id)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = rt.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSafeRemove(t *testing.T) {
	rt := NewRequestTracker()
	id := rt.AcquireID()
	rt.Add(id, "site-1")

	assert.True(t, rt.SafeRemove(id))
	assert.False(t, rt.SafeRemove(id))
}

func TestDeliver(t *testing.T) {
	rt := NewRequestTracker()
	id := rt.AcquireID()
	entry := rt.Add(id, "site-1")

	header := &frame.ResponseHeader{ID: id, Status: 200}
	require.NoError(t, rt.Deliver(id, header))
	received := <-entry.Frames
	assert.Same(t, header, received)

	// Unknown ids are dropped.
	assert.ErrorIs(t, rt.Deliver(id+100, header), ErrNotFound)

	// Finished requests stop accepting frames.
	rt.MarkFinished(id)
	assert.ErrorIs(t, rt.Deliver(id, &frame.ResponseBody{ID: id}), ErrNotFound)
}

func TestDeliverSlowConsumerFailsRequest(t *testing.T) {
	rt := NewRequestTracker()
	id := rt.AcquireID()
	entry := rt.Add(id, "site-1")

	for i := 0; i < frameBuffer; i++ {
		require.NoError(t, rt.Deliver(id, &frame.ResponseBody{ID: id}))
	}

	// Buffer full: the request fails outright. Dropping just the overflowing
	// frame would leave a hole in the middle of the response once the
	// consumer drains.
	assert.ErrorIs(t, rt.Deliver(id, &frame.ResponseBody{ID: id}), ErrSlowConsumer)
	assert.False(t, rt.Has(id))
	select {
	case status := <-entry.Failed:
		assert.Equal(t, http.StatusServiceUnavailable, status)
	default:
		t.Fatal("expected a failure status on the overflowing entry")
	}

	// Draining does not revive the request; later frames stay undeliverable.
	<-entry.Frames
	assert.ErrorIs(t, rt.Deliver(id, &frame.ResponseBody{ID: id}), ErrNotFound)
}

func TestMarkHeadersSentFirstWins(t *testing.T) {
	rt := NewRequestTracker()
	id := rt.AcquireID()
	rt.Add(id, "site-1")

	assert.False(t, rt.HeadersSent(id))
	assert.True(t, rt.MarkHeadersSent(id))
	assert.True(t, rt.HeadersSent(id))
	// Duplicate responseHeader must be reported as not-first.
	assert.False(t, rt.MarkHeadersSent(id))
	assert.False(t, rt.MarkHeadersSent(id+1))
}

func TestCleanupOrphaned(t *testing.T) {
	rt := NewRequestTracker()
	done := rt.AcquireID()
	live := rt.AcquireID()
	rt.Add(done, "site-1")
	rt.Add(live, "site-1")
	rt.MarkFinished(done)

	rt.CleanupOrphaned()
	assert.False(t, rt.Has(done))
	assert.True(t, rt.Has(live))
}

func TestCleanupStale(t *testing.T) {
	rt := NewRequestTracker()
	stale := rt.AcquireID()
	fresh := rt.AcquireID()
	upgraded := rt.AcquireID()

	staleEntry := rt.Add(stale, "site-1")
	staleEntry.CreatedAt = time.Now().Add(-5 * time.Minute)
	rt.Add(fresh, "site-1")
	upgradedEntry := rt.Add(upgraded, "site-1")
	upgradedEntry.CreatedAt = time.Now().Add(-5 * time.Minute)
	rt.MarkUpgraded(upgraded)

	ids := rt.CleanupStale(time.Minute, http.StatusGatewayTimeout)
	require.Equal(t, []uint64{stale}, ids)
	assert.False(t, rt.Has(stale))
	assert.True(t, rt.Has(fresh))
	// Upgraded sockets never go stale.
	assert.True(t, rt.Has(upgraded))

	select {
	case status := <-staleEntry.Failed:
		assert.Equal(t, http.StatusGatewayTimeout, status)
	default:
		t.Fatal("expected a failure status on the stale entry")
	}
}

func TestFailAll(t *testing.T) {
	rt := NewRequestTracker()
	a := rt.Add(rt.AcquireID(), "site-1")
	b := rt.Add(rt.AcquireID(), "site-1")
	finished := rt.AcquireID()
	rt.Add(finished, "site-1")
	rt.MarkFinished(finished)

	rt.FailAll(http.StatusServiceUnavailable)
	assert.Equal(t, 0, rt.Size())
	assert.Equal(t, http.StatusServiceUnavailable, <-a.Failed)
	assert.Equal(t, http.StatusServiceUnavailable, <-b.Failed)
}

func TestConcurrentOps(t *testing.T) {
	rt := NewRequestTracker()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := rt.AcquireID()
				rt.Add(id, "site-1")
				rt.Deliver(id, &frame.ResponseFinished{ID: id})
				rt.MarkHeadersSent(id)
				rt.MarkFinished(id)
				rt.SafeRemove(id)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, rt.Size())
}
