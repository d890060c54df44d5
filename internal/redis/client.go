// Package redis connects to the Redis instance that carries signal queues,
// rate limit windows and cross-instance event pubsub, and names their keys.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dialTimeout = 5 * time.Second
	// Pubsub subscriptions hold a connection each, one per streaming user.
	minIdleConns = 4
)

// Open parses redisURL, applies pool settings and pings the server.
func Open(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = dialTimeout
	}
	opts.MinIdleConns = minIdleConns

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// EventChannel is the pubsub channel carrying SSE events for one user.
func EventChannel(userID string) string {
	return "events:" + userID
}

// SignalQueueKey holds the signals one sender posted in a session, in order.
func SignalQueueKey(sessionID, senderID string) string {
	return "signals:" + sessionID + ":" + senderID
}

// SignalCursorKey holds the last cursor a recipient acknowledged.
func SignalCursorKey(sessionID, recipientID string) string {
	return "signals:" + sessionID + ":cursor:" + recipientID
}

func RateLimitKey(scope, subject string) string {
	return "ratelimit:" + scope + ":" + subject
}
