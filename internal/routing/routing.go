// Package routing records which node holds each device's connection and
// carries delivery messages between nodes over Redis pub/sub.
package routing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/coact/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultTTL is the lifetime of a route between refreshes.
const DefaultTTL = 120 * time.Second

const deliverPrefix = "deliver:task:"

// Key returns the route hash key of a device.
func Key(deviceID string) string {
	return "route:device:" + deviceID
}

// DeliveryChannel is the pub/sub channel for a device's task envelopes.
func DeliveryChannel(deviceID string) string {
	return deliverPrefix + deviceID
}

// clearScript deletes a route only while it still names connID.
var clearScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'connection_id') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Table reads and writes routes. All methods are no-ops without Redis.
type Table struct {
	rdb    *redis.Client
	nodeID string
	ttl    time.Duration
	log    zerolog.Logger
}

// NewTable creates a routing table for this node.
func NewTable(rdb *redis.Client, nodeID string, ttl time.Duration, log zerolog.Logger) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Table{rdb: rdb, nodeID: nodeID, ttl: ttl, log: log.With().Str("component", "routing").Logger()}
}

// NodeID returns the node this table writes routes for.
func (t *Table) NodeID() string {
	return t.nodeID
}

// Enabled reports whether routes are shared through Redis.
func (t *Table) Enabled() bool {
	return t.rdb != nil
}

// Set points deviceID at this node through connID.
func (t *Table) Set(ctx context.Context, deviceID, connID string) error {
	if t.rdb == nil {
		return nil
	}
	key := Key(deviceID)
	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"device_id":     deviceID,
			"connection_id": connID,
			"node_id":       t.nodeID,
			"updated_at":    time.Now().UTC().Format(time.RFC3339Nano),
		})
		pipe.Expire(ctx, key, t.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set route: %w", err)
	}
	return nil
}

// Refresh extends the route lease.
func (t *Table) Refresh(ctx context.Context, deviceID string) error {
	if t.rdb == nil {
		return nil
	}
	if err := t.rdb.Expire(ctx, Key(deviceID), t.ttl).Err(); err != nil {
		return fmt.Errorf("refresh route: %w", err)
	}
	return nil
}

// Get returns the route of deviceID, or nil when none exists.
func (t *Table) Get(ctx context.Context, deviceID string) (*models.RouteRecord, error) {
	if t.rdb == nil {
		return nil, nil
	}
	fields, err := t.rdb.HGetAll(ctx, Key(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get route: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec := &models.RouteRecord{
		DeviceID:     fields["device_id"],
		ConnectionID: fields["connection_id"],
		NodeID:       fields["node_id"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		rec.UpdatedAt = ts
	}
	return rec, nil
}

// Clear removes the route of deviceID if it still names connID. It
// reports whether a route was removed.
func (t *Table) Clear(ctx context.Context, deviceID, connID string) (bool, error) {
	if t.rdb == nil {
		return false, nil
	}
	n, err := clearScript.Run(ctx, t.rdb, []string{Key(deviceID)}, connID).Int()
	if err != nil {
		return false, fmt.Errorf("clear route: %w", err)
	}
	return n > 0, nil
}

// Publish sends a delivery payload to whichever node holds deviceID.
func (t *Table) Publish(ctx context.Context, deviceID string, payload []byte) error {
	if t.rdb == nil {
		return nil
	}
	if err := t.rdb.Publish(ctx, DeliveryChannel(deviceID), payload).Err(); err != nil {
		return fmt.Errorf("publish delivery: %w", err)
	}
	return nil
}

// Handler receives a delivery payload addressed to deviceID.
type Handler func(ctx context.Context, deviceID string, payload []byte)

// Subscribe listens on every delivery channel and calls h for each message
// until ctx is done. Messages are handled one at a time in arrival order.
func (t *Table) Subscribe(ctx context.Context, h Handler) error {
	if t.rdb == nil {
		<-ctx.Done()
		return nil
	}
	sub := t.rdb.PSubscribe(ctx, deliverPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe deliveries: %w", err)
	}
	t.log.Info().Str("node_id", t.nodeID).Msg("delivery subscriber started")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			deviceID := strings.TrimPrefix(msg.Channel, deliverPrefix)
			h(ctx, deviceID, []byte(msg.Payload))
		}
	}
}

// Decision says how a node should treat a delivery it received.
type Decision int

const (
	// Ignore means another node owns the device and this one has no socket.
	Ignore Decision = iota
	// DeliverOwned means this node is the recorded owner.
	DeliverOwned
	// DeliverFallback means the route is stale or missing but this node
	// holds a live socket.
	DeliverFallback
)

func (d Decision) String() string {
	switch d {
	case DeliverOwned:
		return "owned"
	case DeliverFallback:
		return "fallback"
	}
	return "ignore"
}

// Decide picks how nodeID handles a delivery given the device's route and
// whether it holds a local socket.
func Decide(route *models.RouteRecord, nodeID string, hasLocal bool) Decision {
	if !hasLocal {
		return Ignore
	}
	if route != nil && route.NodeID == nodeID {
		return DeliverOwned
	}
	return DeliverFallback
}
