package repository

import (
	"context"
	"sync"
	"time"

	"github.com/onlyus/sync-server-go/internal/model"
)

type memorySignalRepo struct {
	mu      sync.Mutex
	queues  map[string][]model.Signal
	cursors map[string]int64
}

func NewMemorySignalRepository() SignalRepository {
	return &memorySignalRepo{
		queues:  make(map[string][]model.Signal),
		cursors: make(map[string]int64),
	}
}

func (r *memorySignalRepo) Append(ctx context.Context, sessionID, senderID, blob string, postedAt time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sessionID + "/" + senderID
	if len(r.queues[key]) >= MaxQueuedSignals {
		return 0, ErrQueueFull
	}
	seq := int64(len(r.queues[key])) + 1
	r.queues[key] = append(r.queues[key], model.Signal{
		Seq:      seq,
		SenderID: senderID,
		Blob:     blob,
		PostedAt: postedAt,
	})
	return seq, nil
}

func (r *memorySignalRepo) ListSince(ctx context.Context, sessionID, senderID string, since int64) ([]model.Signal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.queues[sessionID+"/"+senderID]
	if since < 0 {
		since = 0
	}
	if since >= int64(len(queue)) {
		return []model.Signal{}, nil
	}
	out := make([]model.Signal, len(queue)-int(since))
	copy(out, queue[since:])
	return out, nil
}

func (r *memorySignalRepo) SaveCursor(ctx context.Context, sessionID, senderID, recipientID string, cursor int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cursor = min(cursor, int64(len(r.queues[sessionID+"/"+senderID])))
	key := sessionID + "/" + recipientID
	if cursor > r.cursors[key] {
		r.cursors[key] = cursor
	}
	return r.cursors[key], nil
}

func (r *memorySignalRepo) LoadCursor(ctx context.Context, sessionID, recipientID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursors[sessionID+"/"+recipientID], nil
}

func (r *memorySignalRepo) DeleteSession(ctx context.Context, sessionID string, userIDs ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range userIDs {
		delete(r.queues, sessionID+"/"+id)
		delete(r.cursors, sessionID+"/"+id)
	}
	return nil
}
