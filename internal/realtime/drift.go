package realtime

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	apperrors "github.com/onlyus/sync-server-go/internal/errors"
	"github.com/onlyus/sync-server-go/internal/model"
)

type DriftConfig struct {
	// ThresholdSeconds is the largest position gap tolerated without a seek.
	ThresholdSeconds float64
	TickInterval     time.Duration
	StaleAfter       time.Duration
	// MaxStaleFailures unanswered queries in a row mark the session out of sync.
	MaxStaleFailures int
}

func DefaultDriftConfig() DriftConfig {
	return DriftConfig{
		ThresholdSeconds: 1.5,
		TickInterval:     3 * time.Second,
		StaleAfter:       5 * time.Second,
		MaxStaleFailures: 3,
	}
}

// SendPlaybackFunc broadcasts a playback payload to the partner.
type SendPlaybackFunc func(payload model.PlaybackPayload) error

// DriftCompensator keeps the local player aligned with the partner's. Local
// commands are broadcast at once. While playing, a reconciliation tick
// queries the partner whenever no sync traffic was seen for StaleAfter.
type DriftCompensator struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	cfg      DriftConfig
	send     SendPlaybackFunc
	player   Player
	listener Listener

	state    model.PlaybackState
	anchorAt time.Time
	status   model.SyncStatus

	lastSyncAt   time.Time
	queryPending bool
	queryAt      time.Time
	failures     int
	lastErr      error

	tick    clockwork.Timer
	tickGen uint64
	stopped bool
	out     outbox
}

func NewDriftCompensator(clock clockwork.Clock, cfg DriftConfig, send SendPlaybackFunc, player Player, listener Listener) *DriftCompensator {
	if listener == nil {
		listener = NopListener{}
	}
	now := clock.Now()
	return &DriftCompensator{
		clock:      clock,
		cfg:        cfg,
		send:       send,
		player:     player,
		listener:   listener,
		anchorAt:   now,
		lastSyncAt: now,
		status:     model.SyncStatusIdle,
	}
}

func (d *DriftCompensator) unlock() {
	calls := d.out.take()
	d.mu.Unlock()
	calls.run()
}

// State returns a snapshot with the position projected to now.
func (d *DriftCompensator) State() model.PlaybackState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot(d.clock.Now())
}

func (d *DriftCompensator) Status() model.SyncStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// LastError returns the most recent StaleSync failure, if any.
func (d *DriftCompensator) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// Load switches to a new media reference at position zero, paused.
func (d *DriftCompensator) Load(mediaRef string) {
	d.mu.Lock()
	defer d.unlock()

	now := d.clock.Now()
	d.state = model.PlaybackState{MediaRef: mediaRef}
	d.anchorAt = now
	d.stopTick()
	d.queryPending = false
	d.callPlayer(func(p Player) { p.Load(mediaRef) })
	d.broadcast(now, model.PlaybackLoad)
}

func (d *DriftCompensator) Play(positionSeconds float64) {
	d.local(model.PlaybackPlay, positionSeconds, true)
}

func (d *DriftCompensator) Pause(positionSeconds float64) {
	d.local(model.PlaybackPause, positionSeconds, false)
}

func (d *DriftCompensator) Seek(positionSeconds float64) {
	d.mu.Lock()
	defer d.unlock()

	now := d.clock.Now()
	d.setPosition(now, positionSeconds)
	d.broadcast(now, model.PlaybackSeek)
}

func (d *DriftCompensator) local(action model.PlaybackAction, positionSeconds float64, playing bool) {
	d.mu.Lock()
	defer d.unlock()

	now := d.clock.Now()
	d.setPosition(now, positionSeconds)
	d.setPlaying(playing)
	d.broadcast(now, action)
}

// HandleRemote applies a playback payload received from the partner.
func (d *DriftCompensator) HandleRemote(p model.PlaybackPayload) {
	d.mu.Lock()
	defer d.unlock()

	now := d.clock.Now()
	d.lastSyncAt = now

	switch p.Action {
	case model.PlaybackQuery:
		d.reply(now)
		return
	case model.PlaybackReport:
		d.reconcile(now, p)
		return
	case model.PlaybackLoad:
		d.state = model.PlaybackState{MediaRef: p.MediaRef}
		d.setPosition(now, p.PositionSeconds)
		d.stopTick()
		d.queryPending = false
		d.callPlayer(func(pl Player) { pl.Load(p.MediaRef) })
		d.setStatus(model.SyncStatusSynced)
		d.changed(now)
		return
	}

	if p.MediaRef != "" && p.MediaRef != d.state.MediaRef {
		ref := p.MediaRef
		d.state.MediaRef = ref
		d.callPlayer(func(pl Player) { pl.Load(ref) })
	}

	d.snapIfDrifted(now, p.PositionSeconds)

	switch p.Action {
	case model.PlaybackPlay:
		if !d.state.IsPlaying {
			d.callPlayer(func(pl Player) { pl.Play() })
		}
		d.setPlaying(true)
	case model.PlaybackPause:
		if d.state.IsPlaying {
			d.callPlayer(func(pl Player) { pl.Pause() })
		}
		d.setPlaying(false)
	case model.PlaybackSeek:
	default:
		log.Warn().Str("action", string(p.Action)).Msg("ignoring unknown playback action")
		return
	}

	d.state.LastReconciledAt = now
	d.setStatus(model.SyncStatusSynced)
	d.changed(now)
}

// Stop ends reconciliation for good. Local state stays readable.
func (d *DriftCompensator) Stop() {
	d.mu.Lock()
	defer d.unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	d.stopTick()
	d.setStatus(model.SyncStatusDisconnected)
}

func (d *DriftCompensator) reply(now time.Time) {
	d.sendPayload(model.PlaybackPayload{
		Action:          model.PlaybackReport,
		PositionSeconds: d.position(now),
		MediaRef:        d.state.MediaRef,
		IsPlaying:       d.state.IsPlaying,
	})
}

// reconcile handles the partner's answer to a position query.
func (d *DriftCompensator) reconcile(now time.Time, p model.PlaybackPayload) {
	if !d.queryPending {
		return
	}
	d.queryPending = false
	d.failures = 0
	d.lastErr = nil

	remote := p.PositionSeconds
	if p.IsPlaying {
		// The report left the partner about half a round trip ago.
		remote += now.Sub(d.queryAt).Seconds() / 2
	}
	d.snapIfDrifted(now, remote)
	d.state.LastReconciledAt = now
	d.setStatus(model.SyncStatusSynced)
	d.changed(now)
}

func (d *DriftCompensator) snapIfDrifted(now time.Time, remote float64) {
	delta := remote - d.position(now)
	d.state.EstimatedDriftSeconds = delta
	if math.Abs(delta) <= d.cfg.ThresholdSeconds {
		return
	}

	log.Debug().
		Float64("local", d.position(now)).
		Float64("remote", remote).
		Float64("drift", delta).
		Msg("correcting playback drift")
	d.setPosition(now, remote)
	d.callPlayer(func(p Player) { p.Seek(remote) })
}

func (d *DriftCompensator) onTick(gen uint64) {
	d.mu.Lock()
	defer d.unlock()

	if gen != d.tickGen {
		return
	}
	d.tick = nil
	if d.stopped || !d.state.IsPlaying {
		return
	}

	now := d.clock.Now()
	if now.Sub(d.lastSyncAt) > d.cfg.StaleAfter {
		if d.queryPending {
			d.failures++
			d.lastErr = apperrors.StaleSync("partner did not answer position query")
			log.Debug().Int("failures", d.failures).Msg("position query unanswered")
		}
		if d.failures >= d.cfg.MaxStaleFailures {
			d.setStatus(model.SyncStatusOutOfSync)
		} else {
			d.setStatus(model.SyncStatusChecking)
		}
		d.queryPending = true
		d.queryAt = now
		d.sendPayload(model.PlaybackPayload{
			Action:          model.PlaybackQuery,
			PositionSeconds: d.position(now),
			MediaRef:        d.state.MediaRef,
			IsPlaying:       true,
		})
	}
	d.armTick()
}

func (d *DriftCompensator) broadcast(now time.Time, action model.PlaybackAction) {
	d.lastSyncAt = now
	d.changed(now)
	d.sendPayload(model.PlaybackPayload{
		Action:          action,
		PositionSeconds: d.position(now),
		MediaRef:        d.state.MediaRef,
		IsPlaying:       d.state.IsPlaying,
	})
}

func (d *DriftCompensator) sendPayload(p model.PlaybackPayload) {
	if d.stopped || d.send == nil {
		return
	}
	if err := d.send(p); err != nil {
		log.Warn().Err(err).Str("action", string(p.Action)).Msg("failed to send playback command")
	}
}

func (d *DriftCompensator) position(now time.Time) float64 {
	pos := d.state.PositionSeconds
	if d.state.IsPlaying {
		pos += now.Sub(d.anchorAt).Seconds()
	}
	return pos
}

func (d *DriftCompensator) setPosition(now time.Time, positionSeconds float64) {
	d.state.PositionSeconds = positionSeconds
	d.anchorAt = now
}

func (d *DriftCompensator) setPlaying(playing bool) {
	if playing == d.state.IsPlaying {
		if playing && d.tick == nil {
			d.armTick()
		}
		return
	}
	now := d.clock.Now()
	// Fold elapsed play time into the anchor before flipping.
	d.setPosition(now, d.position(now))
	d.state.IsPlaying = playing
	if playing {
		d.armTick()
	} else {
		d.stopTick()
		d.queryPending = false
	}
}

func (d *DriftCompensator) armTick() {
	if d.stopped {
		return
	}
	d.stopTick()
	gen := d.tickGen
	d.tick = d.clock.AfterFunc(d.cfg.TickInterval, func() { d.onTick(gen) })
}

// stopTick also invalidates a tick whose callback is already waiting on the lock.
func (d *DriftCompensator) stopTick() {
	if d.tick != nil {
		d.tick.Stop()
		d.tick = nil
	}
	d.tickGen++
}

func (d *DriftCompensator) setStatus(status model.SyncStatus) {
	if d.status == status {
		return
	}
	if d.stopped && status != model.SyncStatusDisconnected {
		return
	}
	d.status = status
	listener := d.listener
	d.out.add(func() { listener.SyncStatusChanged(status) })
}

func (d *DriftCompensator) changed(now time.Time) {
	snapshot := d.snapshot(now)
	listener := d.listener
	d.out.add(func() { listener.PlaybackChanged(snapshot) })
}

func (d *DriftCompensator) snapshot(now time.Time) model.PlaybackState {
	s := d.state
	s.PositionSeconds = d.position(now)
	return s
}

func (d *DriftCompensator) callPlayer(f func(Player)) {
	if d.player == nil {
		return
	}
	player := d.player
	d.out.add(func() { f(player) })
}
