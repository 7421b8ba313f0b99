// Package stats periodically publishes aggregate counters to the shared
// store so that dashboards and peer nodes can read them without hitting the
// directory.
package stats

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/openhab/openhab-cloud/directory"
)

const (
	userCountKey       = "userCount"
	siteCountKey       = "openhabCount"
	siteOnlineCountKey = "openhabOnlineCount"
)

// SessionCounter reports how many site tunnels this node currently holds.
type SessionCounter interface {
	ActiveSessions() int
}

// Job samples directory totals and the local session count on a fixed
// interval and writes them to the store.
type Job struct {
	store     redis.UniversalClient
	directory directory.Directory
	sessions  SessionCounter
	interval  time.Duration
	log       *zerolog.Logger
}

func NewJob(store redis.UniversalClient, dir directory.Directory, sessions SessionCounter, interval time.Duration, log *zerolog.Logger) *Job {
	return &Job{
		store:     store,
		directory: dir,
		sessions:  sessions,
		interval:  interval,
		log:       log,
	}
}

// Run publishes once immediately, then on every tick until ctx is cancelled.
func (j *Job) Run(ctx context.Context) error {
	j.publish(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.publish(ctx)
		}
	}
}

func (j *Job) publish(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if users, err := j.directory.CountUsers(ctx); err != nil {
		j.log.Warn().Err(err).Msg("Unable to count users")
	} else if err := j.store.Set(ctx, userCountKey, users, 0).Err(); err != nil {
		j.log.Warn().Err(err).Msg("Unable to publish user count")
	}

	if sites, err := j.directory.CountSites(ctx); err != nil {
		j.log.Warn().Err(err).Msg("Unable to count sites")
	} else if err := j.store.Set(ctx, siteCountKey, sites, 0).Err(); err != nil {
		j.log.Warn().Err(err).Msg("Unable to publish site count")
	}

	// Online count is per-node; each node adds its own sessions under a
	// shared key scan would be overkill for, so the last writer wins in a
	// single-node setup and multi-node deployments read per-node gauges
	// from Prometheus instead.
	online := j.sessions.ActiveSessions()
	if err := j.store.Set(ctx, siteOnlineCountKey, online, 0).Err(); err != nil {
		j.log.Warn().Err(err).Msg("Unable to publish online site count")
	}
	j.log.Debug().Int("online", online).Msg("Published stats snapshot")
}
