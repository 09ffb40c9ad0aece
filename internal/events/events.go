// Package events publishes coact domain events on Redis pub/sub.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Channels.
const (
	ChannelDeviceEvents = "device.events"
	ChannelTaskEvents   = "task.events"
)

// Event types.
const (
	DeviceOnline     = "device.online"
	DeviceOffline    = "device.offline"
	TaskCreated      = "task.created"
	TaskStatus       = "task.status"
	ApprovalRequired = "task.approval_required"
)

// UserChannel is the notification channel of one user.
func UserChannel(userID string) string {
	return "notifications:user:" + userID
}

// Event is the JSON body of every published message.
type Event struct {
	Type     string                 `json:"type"`
	DeviceID string                 `json:"device_id,omitempty"`
	TaskID   string                 `json:"task_id,omitempty"`
	UserID   string                 `json:"user_id,omitempty"`
	NodeID   string                 `json:"node_id,omitempty"`
	Status   string                 `json:"status,omitempty"`
	At       time.Time              `json:"at"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// Publisher sends events. With a nil client it only logs, so a node can run
// without Redis.
type Publisher struct {
	rdb    *redis.Client
	nodeID string
	log    zerolog.Logger
}

// NewPublisher creates a publisher stamping events with nodeID.
func NewPublisher(rdb *redis.Client, nodeID string, log zerolog.Logger) *Publisher {
	return &Publisher{rdb: rdb, nodeID: nodeID, log: log.With().Str("component", "events").Logger()}
}

// Publish sends ev on channel. Failures are returned but callers treat
// events as best effort.
func (p *Publisher) Publish(ctx context.Context, channel string, ev Event) error {
	if p == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.NodeID == "" {
		ev.NodeID = p.nodeID
	}
	p.log.Debug().Str("channel", channel).Str("type", ev.Type).Str("device_id", ev.DeviceID).Str("task_id", ev.TaskID).Msg("event")
	if p.rdb == nil {
		return nil
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Emit publishes ev and logs a failure instead of returning it.
func (p *Publisher) Emit(ctx context.Context, channel string, ev Event) {
	if err := p.Publish(ctx, channel, ev); err != nil {
		p.log.Warn().Err(err).Str("type", ev.Type).Msg("publish event")
	}
}

// NewRedisClient connects to redisURL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
