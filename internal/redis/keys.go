package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	eventsChannel     = "procd:events"
	controlChanPrefix = "procd:control:"
	statusKeyPrefix   = "procd:process:"
)

// EventsChannel is where lifecycle events are published.
func EventsChannel() string { return eventsChannel }

// ControlChannel is where a supervised process listens for stop requests.
func ControlChannel(processID string) string { return controlChanPrefix + processID }

// StatusKey holds the last lifecycle event of a process.
func StatusKey(processID string) string { return statusKeyPrefix + processID + ":status" }

// Commander is the subset of the go-redis client used here.
type Commander interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

var _ Commander = (*redis.Client)(nil)
