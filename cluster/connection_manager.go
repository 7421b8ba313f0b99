// Package cluster enforces the "at most one active connection per site"
// invariant across cloud nodes through the shared redis store. Locks are
// created with set-if-absent and renewed or deleted only under an ownership
// check inside a watch/multi/exec transaction, so no CAS retry loop is
// needed anywhere.
package cluster

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/openhab/openhab-cloud/directory"
)

const (
	connectionKeyPrefix = "connection:"
	blockedKeyPrefix    = "blocked:"

	// storeRetryBackoff is the single retry delay for lock operations when
	// the store errors. Lock operations fail closed after the retry.
	storeRetryBackoff = 100 * time.Millisecond

	LogFieldSiteID       = "siteID"
	LogFieldConnectionID = "connectionID"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// LockRecord is the JSON value stored under connection:{siteId}.
type LockRecord struct {
	NodeAddress  string    `json:"nodeAddress"`
	ConnectionID string    `json:"connectionId"`
	GrantedAt    time.Time `json:"grantedAt"`
	SiteVersion  string    `json:"siteVersion"`
}

// BlockStatus reports whether a uuid is rate-limited and for how long.
type BlockStatus struct {
	Blocked bool
	TTL     time.Duration
}

// ConnectionManager owns the per-site lock lifecycle.
type ConnectionManager struct {
	store     redis.UniversalClient
	directory directory.Directory
	lockTTL   time.Duration
	blockTTL  time.Duration
	log       *zerolog.Logger
}

func NewConnectionManager(
	store redis.UniversalClient,
	dir directory.Directory,
	lockTTL, blockTTL time.Duration,
	log *zerolog.Logger,
) *ConnectionManager {
	return &ConnectionManager{
		store:     store,
		directory: dir,
		lockTTL:   lockTTL,
		blockTTL:  blockTTL,
		log:       log,
	}
}

func connectionKey(siteID string) string {
	return connectionKeyPrefix + siteID
}

func blockedKey(uuid string) string {
	return blockedKeyPrefix + uuid
}

// IsBlocked reads the block key TTL for the uuid. Store errors are treated
// as "not blocked": the rate limit fails open, authentication itself does
// not.
func (cm *ConnectionManager) IsBlocked(ctx context.Context, uuid string) BlockStatus {
	ttl, err := cm.store.TTL(ctx, blockedKey(uuid)).Result()
	if err != nil {
		cm.log.Warn().Err(err).Msg("Block check failed, failing open")
		return BlockStatus{}
	}
	if ttl <= 0 {
		return BlockStatus{}
	}
	return BlockStatus{Blocked: true, TTL: ttl}
}

// RecordAuthFailure creates a block entry for the uuid unless one already
// exists. The entry expires after blockTTL.
func (cm *ConnectionManager) RecordAuthFailure(ctx context.Context, uuid, version string) {
	if err := cm.store.SetNX(ctx, blockedKey(uuid), version, cm.blockTTL).Err(); err != nil {
		cm.log.Warn().Err(err).Msg("Unable to record auth failure block")
	}
}

// AcquireLock attempts to take ownership of the site's connection slot.
// It is a single set-if-absent so two nodes racing for the same site cannot
// both win. A false return with nil error means another connection holds
// the lock.
func (cm *ConnectionManager) AcquireLock(ctx context.Context, siteID string, record LockRecord) (bool, error) {
	if record.GrantedAt.IsZero() {
		record.GrantedAt = time.Now().UTC()
	}
	value, err := jsonAPI.Marshal(record)
	if err != nil {
		return false, errors.Wrap(err, "unable to encode lock record")
	}

	var acquired bool
	err = cm.withRetry(ctx, func() error {
		var setErr error
		acquired, setErr = cm.store.SetNX(ctx, connectionKey(siteID), value, cm.lockTTL).Result()
		return setErr
	})
	if err != nil {
		return false, errors.Wrap(err, "store unavailable while acquiring connection lock")
	}
	return acquired, nil
}

// RenewLock extends the lock TTL iff the lock still names the given
// connection. A false return means ownership moved: the caller's session
// must terminate itself and must NOT release the lock.
func (cm *ConnectionManager) RenewLock(ctx context.Context, siteID, connectionID string) (bool, error) {
	key := connectionKey(siteID)
	renewed := false

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var record LockRecord
		if err := jsonAPI.Unmarshal([]byte(current), &record); err != nil {
			return errors.Wrap(err, "corrupt lock record")
		}
		if record.ConnectionID != connectionID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Expire(ctx, key, cm.lockTTL)
			return nil
		})
		if err == nil {
			renewed = true
		}
		return err
	}

	err := cm.withRetry(ctx, func() error {
		renewed = false
		err := cm.store.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			// The lock changed under us mid-renewal; it is no longer ours.
			return nil
		}
		return err
	})
	if err != nil {
		return false, errors.Wrap(err, "store unavailable while renewing connection lock")
	}
	return renewed, nil
}

// ReleaseLock deletes the lock iff it still names the given connection, and
// bumps the site's lastOnline on success. Releasing a lock owned by another
// connection is a no-op.
func (cm *ConnectionManager) ReleaseLock(ctx context.Context, siteID, connectionID string) error {
	key := connectionKey(siteID)
	released := false

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var record LockRecord
		if err := jsonAPI.Unmarshal([]byte(current), &record); err != nil {
			return errors.Wrap(err, "corrupt lock record")
		}
		if record.ConnectionID != connectionID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err == nil {
			released = true
		}
		return err
	}

	err := cm.withRetry(ctx, func() error {
		released = false
		err := cm.store.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			return nil
		}
		return err
	})
	if err != nil {
		return errors.Wrap(err, "store unavailable while releasing connection lock")
	}

	if released {
		if err := cm.directory.TouchSiteLastOnline(ctx, siteID); err != nil {
			cm.log.Warn().Err(err).Str(LogFieldSiteID, siteID).Msg("Unable to bump site lastOnline")
		}
	}
	return nil
}

// PeekLock returns the current lock record for the site, or nil when no
// connection is active anywhere in the cluster.
func (cm *ConnectionManager) PeekLock(ctx context.Context, siteID string) (*LockRecord, error) {
	var value string
	err := cm.withRetry(ctx, func() error {
		var getErr error
		value, getErr = cm.store.Get(ctx, connectionKey(siteID)).Result()
		return getErr
	})
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store unavailable while reading connection lock")
	}

	var record LockRecord
	if err := jsonAPI.Unmarshal([]byte(value), &record); err != nil {
		return nil, errors.Wrap(err, "corrupt lock record")
	}
	return &record, nil
}

// withRetry runs fn and retries exactly once after a short backoff on any
// error except redis.Nil.
func (cm *ConnectionManager) withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || err == redis.Nil {
		return err
	}
	select {
	case <-time.After(storeRetryBackoff):
	case <-ctx.Done():
		return ctx.Err()
	}
	return fn()
}
