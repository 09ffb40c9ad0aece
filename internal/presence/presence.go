// Package presence keeps the shared, TTL-leased liveness records of devices
// in Redis. A record that is not refreshed expires on its own, so a crashed
// node never leaves a device marked online for longer than the TTL.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/fentz26/coact/internal/events"
	"github.com/fentz26/coact/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultTTL is the lifetime of a presence record between refreshes.
const DefaultTTL = 120 * time.Second

// OnlineSet holds the IDs of devices believed online.
const OnlineSet = "presence:online"

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// Key returns the presence hash key of a device.
func Key(deviceID string) string {
	return "presence:device:" + deviceID
}

// offlineScript flips a record to offline only while it still belongs to
// the given connection.
var offlineScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'connection_id') == ARGV[1] then
	redis.call('HSET', KEYS[1], 'status', 'offline', 'last_seen', ARGV[2])
	redis.call('SREM', KEYS[2], ARGV[3])
	return 1
end
return 0
`)

// Tracker writes presence records. All methods are no-ops without Redis.
type Tracker struct {
	rdb    *redis.Client
	nodeID string
	ttl    time.Duration
	events *events.Publisher
	log    zerolog.Logger
}

// NewTracker creates a presence tracker for this node.
func NewTracker(rdb *redis.Client, nodeID string, ttl time.Duration, pub *events.Publisher, log zerolog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		rdb:    rdb,
		nodeID: nodeID,
		ttl:    ttl,
		events: pub,
		log:    log.With().Str("component", "presence").Logger(),
	}
}

// TTL returns the record lifetime.
func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// Online records that deviceID is connected here through connID.
func (t *Tracker) Online(ctx context.Context, deviceID, connID string) error {
	if t.rdb == nil {
		return nil
	}
	key := Key(deviceID)
	now := time.Now().UTC()
	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"device_id":     deviceID,
			"connection_id": connID,
			"node_id":       t.nodeID,
			"last_seen":     now.Format(time.RFC3339Nano),
			"status":        statusOnline,
		})
		pipe.Expire(ctx, key, t.ttl)
		pipe.SAdd(ctx, OnlineSet, deviceID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	t.events.Emit(ctx, events.ChannelDeviceEvents, events.Event{Type: events.DeviceOnline, DeviceID: deviceID, At: now})
	return nil
}

// Refresh bumps last_seen and extends the lease.
func (t *Tracker) Refresh(ctx context.Context, deviceID string) error {
	if t.rdb == nil {
		return nil
	}
	key := Key(deviceID)
	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "last_seen", time.Now().UTC().Format(time.RFC3339Nano), "status", statusOnline)
		pipe.Expire(ctx, key, t.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("refresh presence: %w", err)
	}
	return nil
}

// Offline marks deviceID offline if connID still owns its record. It
// reports whether the record changed; a superseded connection gets false.
func (t *Tracker) Offline(ctx context.Context, deviceID, connID string) (bool, error) {
	if t.rdb == nil {
		return true, nil
	}
	now := time.Now().UTC()
	n, err := offlineScript.Run(ctx, t.rdb,
		[]string{Key(deviceID), OnlineSet},
		connID, now.Format(time.RFC3339Nano), deviceID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("clear presence: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	t.events.Emit(ctx, events.ChannelDeviceEvents, events.Event{Type: events.DeviceOffline, DeviceID: deviceID, At: now})
	return true, nil
}

// Get returns the presence record of deviceID, or nil when none exists.
func (t *Tracker) Get(ctx context.Context, deviceID string) (*models.PresenceRecord, error) {
	if t.rdb == nil {
		return nil, nil
	}
	fields, err := t.rdb.HGetAll(ctx, Key(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get presence: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec := &models.PresenceRecord{
		DeviceID:     fields["device_id"],
		ConnectionID: fields["connection_id"],
		NodeID:       fields["node_id"],
		Status:       fields["status"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["last_seen"]); err == nil {
		rec.LastSeen = ts
	}
	return rec, nil
}

// IsOnline reports whether deviceID has a live, online record.
func (t *Tracker) IsOnline(ctx context.Context, deviceID string) (bool, error) {
	rec, err := t.Get(ctx, deviceID)
	if err != nil || rec == nil {
		return false, err
	}
	return rec.Status == statusOnline, nil
}

// OnlineDevices returns the members of the online set.
func (t *Tracker) OnlineDevices(ctx context.Context) ([]string, error) {
	if t.rdb == nil {
		return nil, nil
	}
	ids, err := t.rdb.SMembers(ctx, OnlineSet).Result()
	if err != nil {
		return nil, fmt.Errorf("list online devices: %w", err)
	}
	return ids, nil
}

// Reap drops online-set members whose record has expired, which happens
// when the owning node died without cleaning up. It returns the reaped IDs.
func (t *Tracker) Reap(ctx context.Context) ([]string, error) {
	ids, err := t.OnlineDevices(ctx)
	if err != nil {
		return nil, err
	}
	var reaped []string
	for _, id := range ids {
		n, err := t.rdb.Exists(ctx, Key(id)).Result()
		if err != nil {
			return reaped, fmt.Errorf("check presence: %w", err)
		}
		if n > 0 {
			continue
		}
		if err := t.rdb.SRem(ctx, OnlineSet, id).Err(); err != nil {
			return reaped, fmt.Errorf("reap presence: %w", err)
		}
		t.log.Info().Str("device_id", id).Msg("reaped expired presence")
		reaped = append(reaped, id)
	}
	return reaped, nil
}
