package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onlyus/sync-server-go/internal/model"
	redisclient "github.com/onlyus/sync-server-go/internal/redis"
)

// MaxQueuedSignals bounds one sender's queue. Queues are append-only for the
// life of the session, so a full queue stays full.
const MaxQueuedSignals = 512

var ErrQueueFull = errors.New("signal queue is full")

// SignalRepository stores one ordered queue per (session, sender). Sequence
// numbers start at 1 and equal the position in the sender's queue.
type SignalRepository interface {
	// Append returns ErrQueueFull once the queue holds MaxQueuedSignals.
	Append(ctx context.Context, sessionID, senderID, blob string, postedAt time.Time) (int64, error)
	ListSince(ctx context.Context, sessionID, senderID string, since int64) ([]model.Signal, error)
	// SaveCursor records the cursor recipientID acknowledged on senderID's
	// queue. Cursors never move backwards or past the end of the queue.
	SaveCursor(ctx context.Context, sessionID, senderID, recipientID string, cursor int64) (int64, error)
	LoadCursor(ctx context.Context, sessionID, recipientID string) (int64, error)
	DeleteSession(ctx context.Context, sessionID string, userIDs ...string) error
}

// KEYS[1] queue, ARGV[1] entry, ARGV[2] ttl, ARGV[3] limit. Returns 0 when full.
var appendScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) >= tonumber(ARGV[3]) then
    return 0
end
local n = redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return n
`)

// KEYS[1] cursor, KEYS[2] queue it acknowledges, ARGV[1] cursor, ARGV[2] ttl.
var saveCursorScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local next = math.min(tonumber(ARGV[1]), redis.call('LLEN', KEYS[2]))
if next > current then
    redis.call('SET', KEYS[1], next, 'EX', ARGV[2])
    return next
end
redis.call('EXPIRE', KEYS[1], ARGV[2])
return current
`)

type signalEntry struct {
	Blob     string    `json:"blob"`
	PostedAt time.Time `json:"postedAt"`
}

type redisSignalRepo struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSignalRepository(client *redis.Client, ttl time.Duration) SignalRepository {
	return &redisSignalRepo{client: client, ttl: ttl}
}

func (r *redisSignalRepo) Append(ctx context.Context, sessionID, senderID, blob string, postedAt time.Time) (int64, error) {
	data, err := json.Marshal(signalEntry{Blob: blob, PostedAt: postedAt})
	if err != nil {
		return 0, fmt.Errorf("marshal signal: %w", err)
	}

	key := redisclient.SignalQueueKey(sessionID, senderID)
	seq, err := appendScript.Run(ctx, r.client, []string{key}, data, int64(r.ttl.Seconds()), MaxQueuedSignals).Int64()
	if err != nil {
		return 0, fmt.Errorf("append signal: %w", err)
	}
	if seq == 0 {
		return 0, ErrQueueFull
	}
	return seq, nil
}

func (r *redisSignalRepo) ListSince(ctx context.Context, sessionID, senderID string, since int64) ([]model.Signal, error) {
	if since < 0 {
		since = 0
	}
	raw, err := r.client.LRange(ctx, redisclient.SignalQueueKey(sessionID, senderID), since, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}

	signals := make([]model.Signal, 0, len(raw))
	for i, item := range raw {
		var entry signalEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal signal %d: %w", since+int64(i)+1, err)
		}
		signals = append(signals, model.Signal{
			Seq:      since + int64(i) + 1,
			SenderID: senderID,
			Blob:     entry.Blob,
			PostedAt: entry.PostedAt,
		})
	}
	return signals, nil
}

func (r *redisSignalRepo) SaveCursor(ctx context.Context, sessionID, senderID, recipientID string, cursor int64) (int64, error) {
	keys := []string{
		redisclient.SignalCursorKey(sessionID, recipientID),
		redisclient.SignalQueueKey(sessionID, senderID),
	}
	saved, err := saveCursorScript.Run(ctx, r.client, keys, cursor, int64(r.ttl.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("save cursor: %w", err)
	}
	return saved, nil
}

func (r *redisSignalRepo) LoadCursor(ctx context.Context, sessionID, recipientID string) (int64, error) {
	cursor, err := r.client.Get(ctx, redisclient.SignalCursorKey(sessionID, recipientID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	return cursor, nil
}

func (r *redisSignalRepo) DeleteSession(ctx context.Context, sessionID string, userIDs ...string) error {
	keys := make([]string, 0, len(userIDs)*2)
	for _, id := range userIDs {
		keys = append(keys, redisclient.SignalQueueKey(sessionID, id), redisclient.SignalCursorKey(sessionID, id))
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}
