package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/onlyus/sync-server-go/internal/backoff"
	apperrors "github.com/onlyus/sync-server-go/internal/errors"
	"github.com/onlyus/sync-server-go/internal/model"
)

var ErrClosed = errors.New("synchronizer closed")

type pendingSend struct {
	id       model.EventID
	frame    []byte
	attempts int
	lastErr  error
	timer    clockwork.Timer
}

type liveReaction struct {
	reaction Reaction
	timer    clockwork.Timer
}

// Synchronizer is one peer's end of the realtime channel. All state sits
// behind one mutex; transport reads and timers feed into it.
type Synchronizer struct {
	mu        sync.Mutex
	sc        SessionContext
	transport Transport
	clock     clockwork.Clock
	cfg       Config
	listener  Listener
	retry     *backoff.Calculator
	rng       *rand.Rand
	drift     *DriftCompensator

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// outgoing
	seq            uint64
	lastMessageSeq uint64
	unacked        map[uint64]*pendingSend
	localTyping    bool
	typingSentAt   time.Time
	localTypingTmr clockwork.Timer
	typingFlushTmr clockwork.Timer

	// incoming
	deliveredSeq uint64
	held         map[uint64]model.SyncEvent // keyed by the seq they follow
	typingSeq    uint64
	remoteTyping bool
	typingTimer  clockwork.Timer
	pulseActive  bool
	pulseTimer   clockwork.Timer
	reactions    map[model.EventID]*liveReaction
	playbackSeq  uint64
	history      []model.SyncEvent
	closed       bool
	lost         error
	out          outbox
}

// NewSynchronizer starts reading from transport right away. Call Close to
// release the transport and every timer.
func NewSynchronizer(sc SessionContext, transport Transport, clock clockwork.Clock, cfg Config, player Player, listener Listener) (*Synchronizer, error) {
	if err := sc.validate(); err != nil {
		return nil, err
	}
	if listener == nil {
		listener = NopListener{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		sc:        sc,
		transport: transport,
		clock:     clock,
		cfg:       cfg,
		listener:  listener,
		retry:     backoff.NewCalculator(cfg.Retry),
		rng:       rand.New(rand.NewSource(clock.Now().UnixNano())),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		unacked:   make(map[uint64]*pendingSend),
		held:      make(map[uint64]model.SyncEvent),
		reactions: make(map[model.EventID]*liveReaction),
	}
	s.drift = NewDriftCompensator(clock, cfg.Drift, s.sendPlayback, player, listener)

	go s.readLoop()
	return s, nil
}

func (s *Synchronizer) Session() SessionContext {
	return s.sc
}

// Playback returns the drift compensator for local playback commands.
func (s *Synchronizer) Playback() *DriftCompensator {
	return s.drift
}

// Done is closed once the transport stops delivering frames.
func (s *Synchronizer) Done() <-chan struct{} {
	return s.done
}

// Err returns the ChannelLost error that ended the channel, if any.
func (s *Synchronizer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// History returns sent and received messages in local receipt order.
func (s *Synchronizer) History() []model.SyncEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SyncEvent, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Synchronizer) PartnerTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteTyping
}

func (s *Synchronizer) PulseActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulseActive
}

func (s *Synchronizer) Reactions() []Reaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Reaction, 0, len(s.reactions))
	for _, r := range s.reactions {
		out = append(out, r.reaction)
	}
	return out
}

// Unacked reports how many sent messages still wait for the partner's ack.
func (s *Synchronizer) Unacked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unacked)
}

func (s *Synchronizer) unlock() {
	calls := s.out.take()
	s.mu.Unlock()
	calls.run()
}

// SendMessage delivers text at least once, retrying until acknowledged.
func (s *Synchronizer) SendMessage(text string) (model.EventID, error) {
	if text == "" {
		return model.EventID{}, apperrors.MissingRequired("text")
	}

	s.mu.Lock()
	defer s.unlock()

	if s.closed {
		return model.EventID{}, s.closedErr()
	}

	s.clearLocalTyping(true)

	event, err := s.newEvent(model.EventKindMessage, model.MessagePayload{Text: text})
	if err != nil {
		return model.EventID{}, err
	}
	raw, err := encodeFrame(frame{Type: frameEvent, Event: &event, After: s.lastMessageSeq})
	if err != nil {
		return model.EventID{}, err
	}
	s.lastMessageSeq = event.ID.Seq
	s.history = append(s.history, event)

	p := &pendingSend{id: event.ID, frame: raw}
	s.unacked[event.ID.Seq] = p
	s.transmit(p)
	return event.ID, nil
}

// Keystroke marks the local user as typing. The partner is told at most
// once per TypingRefresh; a keystroke inside that window is announced when it
// ends, so the partner's timeout runs from the last keystroke give or take
// one refresh. Both ends expire the state on their own.
func (s *Synchronizer) Keystroke() {
	s.mu.Lock()
	defer s.unlock()

	if s.closed {
		return
	}

	now := s.clock.Now()
	wait := s.typingSentAt.Add(s.cfg.TypingRefresh).Sub(now)
	switch {
	case !s.localTyping || wait <= 0:
		s.announceTyping(now)
	case s.typingFlushTmr == nil:
		var timer clockwork.Timer
		timer = s.clock.AfterFunc(wait, func() { s.flushTyping(timer) })
		s.typingFlushTmr = timer
	}
	s.localTyping = true

	if s.localTypingTmr != nil {
		s.localTypingTmr.Stop()
	}
	var timer clockwork.Timer
	timer = s.clock.AfterFunc(s.cfg.TypingTimeout, func() { s.expireLocalTyping(timer) })
	s.localTypingTmr = timer
}

func (s *Synchronizer) announceTyping(now time.Time) {
	if s.typingFlushTmr != nil {
		s.typingFlushTmr.Stop()
		s.typingFlushTmr = nil
	}
	s.sendEphemeral(model.EventKindTyping, model.TypingPayload{Typing: true})
	s.typingSentAt = now
}

// flushTyping announces keystrokes held back by the refresh interval.
func (s *Synchronizer) flushTyping(timer clockwork.Timer) {
	s.mu.Lock()
	defer s.unlock()

	if s.typingFlushTmr != timer || s.closed {
		return
	}
	s.typingFlushTmr = nil
	if s.localTyping {
		s.announceTyping(s.clock.Now())
	}
}

// StopTyping tells the partner typing stopped without waiting for the timeout.
func (s *Synchronizer) StopTyping() {
	s.mu.Lock()
	defer s.unlock()

	if s.closed {
		return
	}
	s.clearLocalTyping(true)
}

// LocalTyping reports whether the local user counts as typing.
func (s *Synchronizer) LocalTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localTyping
}

func (s *Synchronizer) SendPulse() error {
	s.mu.Lock()
	defer s.unlock()

	if s.closed {
		return s.closedErr()
	}
	return s.sendEphemeral(model.EventKindTouchPulse, nil)
}

func (s *Synchronizer) SendReaction(emoji string) error {
	if emoji == "" {
		return apperrors.MissingRequired("emoji")
	}

	s.mu.Lock()
	defer s.unlock()

	if s.closed {
		return s.closedErr()
	}
	return s.sendEphemeral(model.EventKindReaction, model.ReactionPayload{Emoji: emoji})
}

// Close releases the transport and all timers. Local history is kept.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	already := s.closed
	s.shutdown()
	s.unlock()

	s.drift.Stop()
	if already {
		return nil
	}
	return s.transport.Close()
}

func (s *Synchronizer) sendPlayback(p model.PlaybackPayload) error {
	s.mu.Lock()
	defer s.unlock()

	if s.closed {
		return s.closedErr()
	}
	return s.sendEphemeral(model.EventKindPlayback, p)
}

func (s *Synchronizer) newEvent(kind model.EventKind, payload any) (model.SyncEvent, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return model.SyncEvent{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		raw = b
	}

	s.seq++
	return model.SyncEvent{
		ID:        model.EventID{SenderID: s.sc.SelfID, Seq: s.seq},
		SessionID: s.sc.SessionID,
		SenderID:  s.sc.SelfID,
		Kind:      kind,
		Payload:   raw,
		EmittedAt: s.clock.Now(),
	}, nil
}

// sendEphemeral sends a fire-and-forget event once.
func (s *Synchronizer) sendEphemeral(kind model.EventKind, payload any) error {
	event, err := s.newEvent(kind, payload)
	if err != nil {
		return err
	}
	raw, err := encodeFrame(frame{Type: frameEvent, Event: &event})
	if err != nil {
		return err
	}
	if err := s.transport.Send(s.ctx, raw); err != nil {
		log.Debug().Err(err).Str("kind", string(kind)).Msg("dropped ephemeral event")
		return err
	}
	return nil
}

// transmit sends a pending message and schedules its retry. Each attempt
// waits at least AckTimeout, longer as backoff grows.
func (s *Synchronizer) transmit(p *pendingSend) {
	if s.closed {
		return
	}
	if p.attempts >= s.cfg.MaxSendAttempts {
		cause := p.lastErr
		if cause == nil {
			cause = fmt.Errorf("message %s not acknowledged after %d attempts", p.id, p.attempts)
		}
		s.loseChannel(cause)
		return
	}

	wait := s.retry.Delay(p.attempts)
	p.attempts++
	if err := s.transport.Send(s.ctx, p.frame); err != nil {
		p.lastErr = err
		log.Debug().Err(err).Str("eventId", p.id.String()).Int("attempt", p.attempts).Msg("message send failed")
	} else if wait < s.cfg.AckTimeout {
		wait = s.cfg.AckTimeout
	}

	seq := p.id.Seq
	p.timer = s.clock.AfterFunc(wait, func() { s.retransmit(seq) })
}

func (s *Synchronizer) retransmit(seq uint64) {
	s.mu.Lock()
	defer s.unlock()

	p, ok := s.unacked[seq]
	if !ok || s.closed {
		return
	}
	s.transmit(p)
}

func (s *Synchronizer) readLoop() {
	defer close(s.done)

	for raw := range s.transport.Frames() {
		f, err := decodeFrame(raw)
		if err != nil {
			log.Warn().Err(err).Str("sessionId", s.sc.SessionID).Msg("dropping malformed frame")
			continue
		}
		s.handleFrame(f)
	}

	s.mu.Lock()
	wasClosed := s.closed
	if !wasClosed {
		s.loseChannel(errors.New("peer channel closed"))
	}
	s.unlock()
	s.drift.Stop()
}

func (s *Synchronizer) handleFrame(f frame) {
	if f.Type == frameAck {
		s.handleAck(*f.Ack)
		return
	}

	event := *f.Event
	if event.SessionID != s.sc.SessionID || event.SenderID != s.sc.PartnerID || event.ID.SenderID != s.sc.PartnerID {
		log.Warn().
			Str("sessionId", s.sc.SessionID).
			Str("eventId", event.ID.String()).
			Msg("dropping event from outside the session")
		return
	}

	if event.Kind == model.EventKindPlayback {
		s.handlePlayback(event)
		return
	}

	s.mu.Lock()
	defer s.unlock()

	if s.closed {
		return
	}

	switch event.Kind {
	case model.EventKindMessage:
		s.receiveMessage(event, f.After)
	case model.EventKindTyping:
		s.receiveTyping(event)
	case model.EventKindTouchPulse:
		s.receivePulse()
	case model.EventKindReaction:
		s.receiveReaction(event)
	default:
		log.Warn().Str("kind", string(event.Kind)).Msg("ignoring unknown event kind")
	}
}

func (s *Synchronizer) handleAck(id model.EventID) {
	s.mu.Lock()
	defer s.unlock()

	if id.SenderID != s.sc.SelfID {
		return
	}
	p, ok := s.unacked[id.Seq]
	if !ok {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(s.unacked, id.Seq)
}

func (s *Synchronizer) receiveMessage(event model.SyncEvent, after uint64) {
	if event.ID.Seq <= s.deliveredSeq {
		s.ack(event.ID)
		return
	}
	if after != s.deliveredSeq {
		if _, dup := s.held[after]; !dup && len(s.held) >= s.cfg.HoldBackLimit {
			log.Warn().Str("eventId", event.ID.String()).Msg("hold-back buffer full, dropping message")
			return
		}
		s.held[after] = event
		return
	}

	s.deliver(event)
	for {
		next, ok := s.held[s.deliveredSeq]
		if !ok {
			break
		}
		delete(s.held, s.deliveredSeq)
		s.deliver(next)
	}
}

func (s *Synchronizer) deliver(event model.SyncEvent) {
	s.deliveredSeq = event.ID.Seq
	s.ack(event.ID)

	var msg model.MessagePayload
	if err := event.DecodePayload(&msg); err != nil {
		log.Warn().Err(err).Str("eventId", event.ID.String()).Msg("undecodable message payload")
		return
	}
	s.history = append(s.history, event)

	// A message ends the sender's typing burst.
	if s.remoteTyping {
		s.setRemoteTyping(false)
	}

	listener := s.listener
	s.out.add(func() { listener.MessageReceived(event, msg) })
}

func (s *Synchronizer) ack(id model.EventID) {
	raw, err := encodeFrame(frame{Type: frameAck, Ack: &id})
	if err != nil {
		return
	}
	if err := s.transport.Send(s.ctx, raw); err != nil {
		log.Debug().Err(err).Str("eventId", id.String()).Msg("ack send failed")
	}
}

func (s *Synchronizer) receiveTyping(event model.SyncEvent) {
	if event.ID.Seq <= s.typingSeq {
		return
	}
	s.typingSeq = event.ID.Seq

	var p model.TypingPayload
	if err := event.DecodePayload(&p); err != nil {
		log.Warn().Err(err).Msg("undecodable typing payload")
		return
	}

	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.setRemoteTyping(p.Typing)
	if p.Typing {
		seq := event.ID.Seq
		s.typingTimer = s.clock.AfterFunc(s.cfg.TypingTimeout, func() { s.expireRemoteTyping(seq) })
	}
}

func (s *Synchronizer) expireRemoteTyping(seq uint64) {
	s.mu.Lock()
	defer s.unlock()

	if s.typingSeq != seq || s.closed {
		return
	}
	s.typingTimer = nil
	s.setRemoteTyping(false)
}

func (s *Synchronizer) setRemoteTyping(typing bool) {
	if s.remoteTyping == typing {
		return
	}
	s.remoteTyping = typing
	listener := s.listener
	s.out.add(func() { listener.TypingChanged(typing) })
}

// expireLocalTyping only acts for the latest keystroke's timer.
func (s *Synchronizer) expireLocalTyping(timer clockwork.Timer) {
	s.mu.Lock()
	defer s.unlock()

	if s.localTypingTmr != timer {
		return
	}
	s.localTyping = false
	s.localTypingTmr = nil
}

func (s *Synchronizer) clearLocalTyping(notify bool) {
	for _, t := range []clockwork.Timer{s.localTypingTmr, s.typingFlushTmr} {
		if t != nil {
			t.Stop()
		}
	}
	s.localTypingTmr, s.typingFlushTmr = nil, nil
	if !s.localTyping {
		return
	}
	s.localTyping = false
	if notify {
		s.sendEphemeral(model.EventKindTyping, model.TypingPayload{Typing: false})
	}
}

// receivePulse starts or extends the pulse. A repeat just restarts the timer.
func (s *Synchronizer) receivePulse() {
	if s.pulseTimer != nil {
		s.pulseTimer.Stop()
	}
	if !s.pulseActive {
		s.pulseActive = true
		listener := s.listener
		s.out.add(func() { listener.PulseChanged(true) })
	}

	var timer clockwork.Timer
	timer = s.clock.AfterFunc(s.cfg.PulseDuration, func() {
		s.mu.Lock()
		defer s.unlock()
		if s.pulseTimer != timer || s.closed {
			return
		}
		s.pulseTimer = nil
		s.pulseActive = false
		listener := s.listener
		s.out.add(func() { listener.PulseChanged(false) })
	})
	s.pulseTimer = timer
}

func (s *Synchronizer) receiveReaction(event model.SyncEvent) {
	var p model.ReactionPayload
	if err := event.DecodePayload(&p); err != nil {
		log.Warn().Err(err).Msg("undecodable reaction payload")
		return
	}

	r := Reaction{
		ID:      event.ID,
		Emoji:   p.Emoji,
		X:       0.1 + s.rng.Float64()*0.8,
		Y:       0.1 + s.rng.Float64()*0.8,
		AddedAt: s.clock.Now(),
	}
	id := event.ID
	live := &liveReaction{reaction: r}
	live.timer = s.clock.AfterFunc(s.cfg.ReactionLifetime, func() { s.removeReaction(id, live) })
	s.reactions[id] = live

	listener := s.listener
	s.out.add(func() { listener.ReactionAdded(r) })
}

func (s *Synchronizer) removeReaction(id model.EventID, live *liveReaction) {
	s.mu.Lock()
	defer s.unlock()

	if s.reactions[id] != live {
		return
	}
	delete(s.reactions, id)
	listener := s.listener
	s.out.add(func() { listener.ReactionRemoved(id) })
}

// handlePlayback filters stale commands and hands the rest to the drift
// compensator outside the synchronizer lock.
func (s *Synchronizer) handlePlayback(event model.SyncEvent) {
	var p model.PlaybackPayload
	if err := event.DecodePayload(&p); err != nil {
		log.Warn().Err(err).Msg("undecodable playback payload")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.unlock()
		return
	}
	stale := event.ID.Seq <= s.playbackSeq
	if !stale {
		s.playbackSeq = event.ID.Seq
	}
	s.unlock()

	if stale {
		return
	}
	s.drift.HandleRemote(p)
}

// loseChannel surfaces ChannelLost once and tears down the link. The drift
// compensator is stopped by the caller after the lock is released.
func (s *Synchronizer) loseChannel(cause error) {
	if s.closed {
		return
	}
	s.lost = apperrors.ChannelLost(cause)
	log.Warn().Err(cause).Str("sessionId", s.sc.SessionID).Msg("peer channel lost")

	s.shutdown()

	lost := s.lost
	listener := s.listener
	s.out.add(func() { listener.ChannelLost(lost) })

	transport := s.transport
	go func() {
		if err := transport.Close(); err != nil {
			log.Debug().Err(err).Msg("closing lost transport")
		}
	}()
	go s.drift.Stop()
}

// shutdown stops every timer and marks the synchronizer closed.
func (s *Synchronizer) shutdown() {
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()

	for _, p := range s.unacked {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	for _, r := range s.reactions {
		r.timer.Stop()
	}
	for _, t := range []clockwork.Timer{s.typingTimer, s.localTypingTmr, s.typingFlushTmr, s.pulseTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.typingTimer, s.localTypingTmr, s.typingFlushTmr, s.pulseTimer = nil, nil, nil, nil
}

func (s *Synchronizer) closedErr() error {
	if s.lost != nil {
		return s.lost
	}
	return ErrClosed
}
