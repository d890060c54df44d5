package realtime

import (
	"sync"

	"github.com/onlyus/sync-server-go/internal/model"
)

// recorder captures listener and player calls.
type recorder struct {
	mu       sync.Mutex
	messages []model.MessagePayload
	typing   []bool
	pulses   []bool
	added    []Reaction
	removed  []model.EventID
	playback []model.PlaybackState
	statuses []model.SyncStatus
	lost     []error
	seeks    []float64
	loads    []string
	plays    int
	pauses   int
}

func (r *recorder) MessageReceived(_ model.SyncEvent, m model.MessagePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recorder) TypingChanged(typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typing = append(r.typing, typing)
}

func (r *recorder) PulseChanged(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulses = append(r.pulses, active)
}

func (r *recorder) ReactionAdded(reaction Reaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, reaction)
}

func (r *recorder) ReactionRemoved(id model.EventID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
}

func (r *recorder) PlaybackChanged(state model.PlaybackState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback = append(r.playback, state)
}

func (r *recorder) SyncStatusChanged(status model.SyncStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *recorder) ChannelLost(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost = append(r.lost, err)
}

func (r *recorder) Load(mediaRef string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads = append(r.loads, mediaRef)
}

func (r *recorder) Play() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plays++
}

func (r *recorder) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauses++
}

func (r *recorder) Seek(positionSeconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seeks = append(r.seeks, positionSeconds)
}

func (r *recorder) messageTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Text
	}
	return out
}

func (r *recorder) seekCalls() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.seeks...)
}

func (r *recorder) lostCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lost)
}

func (r *recorder) lastStatus() model.SyncStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

func (r *recorder) counts() (plays, pauses int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plays, r.pauses
}
