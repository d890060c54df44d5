package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/onlyus/sync-server-go/internal/errors"
	"github.com/onlyus/sync-server-go/internal/model"
	"github.com/onlyus/sync-server-go/internal/pairing"
	"github.com/onlyus/sync-server-go/internal/repository"
	"github.com/onlyus/sync-server-go/internal/sse"
)

var testRegistryConfig = RegistryConfig{
	SessionTTL:     10 * time.Minute,
	HandshakeGrace: 30 * time.Second,
	CodeCooldown:   10 * time.Minute,
}

type registryFixture struct {
	registry *SessionRegistry
	sessions repository.SessionRepository
	signals  repository.SignalRepository
	broker   *sse.Broker
	clock    *clockwork.FakeClock
}

// sequenceCodes hands out the given codes in order, then random ones.
func sequenceCodes(codes ...string) pairing.Generator {
	var mu sync.Mutex
	random := pairing.NewGenerator()
	return pairing.GeneratorFunc(func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(codes) == 0 {
			return random.Generate()
		}
		code := codes[0]
		codes = codes[1:]
		return code, nil
	})
}

func newRegistryFixture(t *testing.T, codes pairing.Generator) *registryFixture {
	t.Helper()
	if codes == nil {
		codes = pairing.NewGenerator()
	}
	f := &registryFixture{
		sessions: repository.NewMemorySessionRepository(),
		signals:  repository.NewMemorySignalRepository(),
		broker:   sse.NewBroker(nil),
		clock:    clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)),
	}
	t.Cleanup(f.broker.Close)
	f.registry = NewSessionRegistry(f.sessions, f.signals, codes, f.broker, f.clock, testRegistryConfig)
	return f
}

// pair creates a session for alice and joins bob.
func (f *registryFixture) pair(t *testing.T) *model.PairingSession {
	t.Helper()
	ctx := context.Background()
	s, err := f.registry.CreateSession(ctx, "alice")
	require.NoError(t, err)
	joined, err := f.registry.JoinSession(ctx, s.PairingCode, "bob")
	require.NoError(t, err)
	return joined
}

func TestSessionRegistry_CreateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("issues a created session with ttl", func(t *testing.T) {
		f := newRegistryFixture(t, sequenceCodes("AB12CD"))

		s, err := f.registry.CreateSession(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "AB12CD", s.PairingCode)
		assert.Equal(t, model.SessionStateCreated, s.State)
		assert.Equal(t, "alice", s.OwnerID)
		assert.Equal(t, f.clock.Now().Add(10*time.Minute), s.ExpiresAt)
		assert.NotEmpty(t, s.ID)
	})

	t.Run("regenerates on active code collision", func(t *testing.T) {
		f := newRegistryFixture(t, sequenceCodes("AB12CD", "AB12CD", "ZZ34XY"))

		first, err := f.registry.CreateSession(ctx, "alice")
		require.NoError(t, err)
		second, err := f.registry.CreateSession(ctx, "carol")
		require.NoError(t, err)

		assert.Equal(t, "AB12CD", first.PairingCode)
		assert.Equal(t, "ZZ34XY", second.PairingCode)
	})

	t.Run("released codes wait out the cool-down", func(t *testing.T) {
		f := newRegistryFixture(t, sequenceCodes("AB12CD", "AB12CD", "QQ77RR", "AB12CD"))

		s, err := f.registry.CreateSession(ctx, "alice")
		require.NoError(t, err)
		_, err = f.registry.EndSession(ctx, s.ID, "alice", model.ReasonEnded)
		require.NoError(t, err)

		during, err := f.registry.CreateSession(ctx, "carol")
		require.NoError(t, err)
		assert.Equal(t, "QQ77RR", during.PairingCode)

		f.clock.Advance(11 * time.Minute)
		after, err := f.registry.CreateSession(ctx, "dave")
		require.NoError(t, err)
		assert.Equal(t, "AB12CD", after.PairingCode)
	})

	t.Run("gives up after bounded attempts", func(t *testing.T) {
		f := newRegistryFixture(t, pairing.GeneratorFunc(func() (string, error) { return "AB12CD", nil }))

		_, err := f.registry.CreateSession(ctx, "alice")
		require.NoError(t, err)
		_, err = f.registry.CreateSession(ctx, "carol")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInternal))
	})

	t.Run("requires owner", func(t *testing.T) {
		f := newRegistryFixture(t, nil)
		_, err := f.registry.CreateSession(ctx, "")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingRequired))
	})

	t.Run("codes stay unique under concurrent creates", func(t *testing.T) {
		f := newRegistryFixture(t, pairing.GeneratorFunc(func() (string, error) {
			// A tiny code space forces collisions.
			gen, err := pairing.NewGenerator().Generate()
			if err != nil {
				return "", err
			}
			return "AAAAA" + gen[:1], nil
		}))

		var wg sync.WaitGroup
		var mu sync.Mutex
		codes := map[string]int{}
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, err := f.registry.CreateSession(ctx, fmt.Sprintf("owner-%d", i))
				if err != nil {
					return
				}
				mu.Lock()
				codes[s.PairingCode]++
				mu.Unlock()
			}(i)
		}
		wg.Wait()

		for code, n := range codes {
			assert.Equal(t, 1, n, "code %s issued to %d active sessions", code, n)
		}
	})
}

func TestSessionRegistry_JoinSession(t *testing.T) {
	ctx := context.Background()

	t.Run("join pairs the session", func(t *testing.T) {
		f := newRegistryFixture(t, sequenceCodes("AB12CD"))
		_, err := f.registry.CreateSession(ctx, "alice")
		require.NoError(t, err)

		s, err := f.registry.JoinSession(ctx, "ab12cd", "bob")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatePaired, s.State)
		require.NotNil(t, s.PartnerID)
		assert.Equal(t, "bob", *s.PartnerID)
		assert.True(t, s.IsPaired())
	})

	t.Run("second join from another user is AlreadyPaired", func(t *testing.T) {
		f := newRegistryFixture(t, sequenceCodes("AB12CD"))
		_, err := f.registry.CreateSession(ctx, "alice")
		require.NoError(t, err)

		_, err = f.registry.JoinSession(ctx, "AB12CD", "bob")
		require.NoError(t, err)
		_, err = f.registry.JoinSession(ctx, "AB12CD", "carol")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyPaired))
	})

	t.Run("repeat join by the partner is idempotent", func(t *testing.T) {
		f := newRegistryFixture(t, sequenceCodes("AB12CD"))
		_, err := f.registry.CreateSession(ctx, "alice")
		require.NoError(t, err)

		first, err := f.registry.JoinSession(ctx, "AB12CD", "bob")
		require.NoError(t, err)
		again, err := f.registry.JoinSession(ctx, "AB12CD", "bob")
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	})

	t.Run("owner cannot join own session", func(t *testing.T) {
		f := newRegistryFixture(t, sequenceCodes("AB12CD"))
		s, err := f.registry.CreateSession(ctx, "alice")
		require.NoError(t, err)

		_, err = f.registry.JoinSession(ctx, "AB12CD", "alice")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSelfJoin))

		unchanged, err := f.sessions.FindByID(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateCreated, unchanged.State)
	})

	t.Run("owner joining own expired code is NotFound", func(t *testing.T) {
		f := newRegistryFixture(t, sequenceCodes("AB12CD"))
		s, err := f.registry.CreateSession(ctx, "alice")
		require.NoError(t, err)

		f.clock.Advance(10 * time.Minute)
		_, err = f.registry.JoinSession(ctx, "AB12CD", "alice")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))

		stored, err := f.sessions.FindByID(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateExpired, stored.State)
	})

	t.Run("unknown and malformed codes are NotFound", func(t *testing.T) {
		f := newRegistryFixture(t, nil)
		for _, code := range []string{"ZZZZZZ", "abc", ""} {
			_, err := f.registry.JoinSession(ctx, code, "bob")
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound), "code %q", code)
		}
	})

	t.Run("expired code is NotFound", func(t *testing.T) {
		f := newRegistryFixture(t, sequenceCodes("AB12CD"))
		s, err := f.registry.CreateSession(ctx, "alice")
		require.NoError(t, err)

		f.clock.Advance(10 * time.Minute)
		_, err = f.registry.JoinSession(ctx, "AB12CD", "bob")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))

		stored, err := f.sessions.FindByID(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateExpired, stored.State)
	})

	t.Run("concurrent joins have exactly one winner", func(t *testing.T) {
		f := newRegistryFixture(t, sequenceCodes("AB12CD"))
		_, err := f.registry.CreateSession(ctx, "alice")
		require.NoError(t, err)

		var wg sync.WaitGroup
		results := make([]error, 10)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, results[i] = f.registry.JoinSession(ctx, "AB12CD", fmt.Sprintf("joiner-%d", i))
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range results {
			if err == nil {
				wins++
				continue
			}
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyPaired), "unexpected error: %v", err)
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("both parties receive a status event", func(t *testing.T) {
		f := newRegistryFixture(t, sequenceCodes("AB12CD"))
		alice := f.broker.Subscribe("alice")
		bob := f.broker.Subscribe("bob")

		_, err := f.registry.CreateSession(ctx, "alice")
		require.NoError(t, err)
		_, err = f.registry.JoinSession(ctx, "AB12CD", "bob")
		require.NoError(t, err)

		for _, c := range []*sse.Client{alice, bob} {
			select {
			case event := <-c.Events:
				assert.Equal(t, sse.EventStatus, event.Type)
				assert.Contains(t, string(event.Data), `"state":"paired"`)
			case <-time.After(time.Second):
				t.Fatal("no status event")
			}
		}
	})
}

func TestSessionRegistry_Validate(t *testing.T) {
	ctx := context.Background()
	f := newRegistryFixture(t, sequenceCodes("AB12CD"))
	s, err := f.registry.CreateSession(ctx, "alice")
	require.NoError(t, err)

	found, err := f.registry.Validate(ctx, "AB12CD")
	require.NoError(t, err)
	assert.Equal(t, s.ID, found.ID)

	f.clock.Advance(10 * time.Minute)
	_, err = f.registry.Validate(ctx, "AB12CD")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestSessionRegistry_GetStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("owner's first poll moves to awaiting partner", func(t *testing.T) {
		f := newRegistryFixture(t, nil)
		s, err := f.registry.CreateSession(ctx, "alice")
		require.NoError(t, err)

		polled, err := f.registry.GetStatus(ctx, s.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateAwaitingPartner, polled.State)
		assert.False(t, polled.IsPaired())

		again, err := f.registry.GetStatus(ctx, s.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateAwaitingPartner, again.State)
	})

	t.Run("expired session reports expired and join fails", func(t *testing.T) {
		f := newRegistryFixture(t, sequenceCodes("AB12CD"))
		s, err := f.registry.CreateSession(ctx, "alice")
		require.NoError(t, err)

		f.clock.Advance(10*time.Minute + time.Second)
		status, err := f.registry.GetStatus(ctx, s.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateExpired, status.State)

		_, err = f.registry.JoinSession(ctx, "AB12CD", "bob")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	})

	t.Run("paired session past grace reports handshake timeout", func(t *testing.T) {
		f := newRegistryFixture(t, nil)
		s := f.pair(t)

		f.clock.Advance(30 * time.Second)
		status, err := f.registry.GetStatus(ctx, s.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateTerminated, status.State)
		require.NotNil(t, status.TerminationReason)
		assert.Equal(t, model.ReasonHandshakeTimeout, *status.TerminationReason)
	})

	t.Run("strangers are forbidden", func(t *testing.T) {
		f := newRegistryFixture(t, nil)
		s, err := f.registry.CreateSession(ctx, "alice")
		require.NoError(t, err)

		_, err = f.registry.GetStatus(ctx, s.ID, "mallory")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))
	})

	t.Run("unknown session is NotFound", func(t *testing.T) {
		f := newRegistryFixture(t, nil)
		_, err := f.registry.GetStatus(ctx, "missing", "alice")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	})
}

func TestSessionRegistry_ReportChannelReady(t *testing.T) {
	ctx := context.Background()

	t.Run("both sides ready activates the session", func(t *testing.T) {
		f := newRegistryFixture(t, nil)
		s := f.pair(t)

		half, err := f.registry.ReportChannelReady(ctx, s.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatePaired, half.State)

		full, err := f.registry.ReportChannelReady(ctx, s.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateActive, full.State)
		assert.NotNil(t, full.ActivatedAt)

		f.clock.Advance(time.Hour)
		status, err := f.registry.GetStatus(ctx, s.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateActive, status.State)
	})

	t.Run("unpaired session is rejected", func(t *testing.T) {
		f := newRegistryFixture(t, nil)
		s, err := f.registry.CreateSession(ctx, "alice")
		require.NoError(t, err)

		_, err = f.registry.ReportChannelReady(ctx, s.ID, "alice")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionNotPaired))
	})

	t.Run("late report surfaces handshake timeout", func(t *testing.T) {
		f := newRegistryFixture(t, nil)
		s := f.pair(t)

		f.clock.Advance(31 * time.Second)
		_, err := f.registry.ReportChannelReady(ctx, s.ID, "alice")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeHandshakeTimeout))
	})
}

func TestSessionRegistry_ReportChannelGone(t *testing.T) {
	ctx := context.Background()

	t.Run("a side that left must report again before activation", func(t *testing.T) {
		f := newRegistryFixture(t, nil)
		s := f.pair(t)

		_, err := f.registry.ReportChannelReady(ctx, s.ID, "alice")
		require.NoError(t, err)
		gone, err := f.registry.ReportChannelGone(ctx, s.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatePaired, gone.State)
		assert.False(t, gone.OwnerChannelReady)

		half, err := f.registry.ReportChannelReady(ctx, s.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatePaired, half.State)

		full, err := f.registry.ReportChannelReady(ctx, s.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateActive, full.State)
	})

	t.Run("active sessions keep their marks", func(t *testing.T) {
		f := newRegistryFixture(t, nil)
		s := f.pair(t)
		_, err := f.registry.ReportChannelReady(ctx, s.ID, "alice")
		require.NoError(t, err)
		_, err = f.registry.ReportChannelReady(ctx, s.ID, "bob")
		require.NoError(t, err)

		gone, err := f.registry.ReportChannelGone(ctx, s.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateActive, gone.State)
		assert.True(t, gone.OwnerChannelReady)
	})

	t.Run("outsiders are refused", func(t *testing.T) {
		f := newRegistryFixture(t, nil)
		s := f.pair(t)

		_, err := f.registry.ReportChannelGone(ctx, s.ID, "mallory")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))
	})
}

func TestSessionRegistry_EndSession(t *testing.T) {
	ctx := context.Background()

	t.Run("end terminates and is visible to the peer", func(t *testing.T) {
		f := newRegistryFixture(t, nil)
		s := f.pair(t)

		ended, err := f.registry.EndSession(ctx, s.ID, "alice", model.ReasonEnded)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateTerminated, ended.State)

		status, err := f.registry.GetStatus(ctx, s.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateTerminated, status.State)
		assert.Equal(t, model.ReasonEnded, *status.TerminationReason)
	})

	t.Run("ending twice is idempotent", func(t *testing.T) {
		f := newRegistryFixture(t, nil)
		s := f.pair(t)

		_, err := f.registry.EndSession(ctx, s.ID, "alice", model.ReasonDisconnected)
		require.NoError(t, err)
		again, err := f.registry.EndSession(ctx, s.ID, "bob", model.ReasonEnded)
		require.NoError(t, err)
		assert.Equal(t, model.ReasonDisconnected, *again.TerminationReason)
	})

	t.Run("ending a pending session expires it", func(t *testing.T) {
		f := newRegistryFixture(t, nil)
		s, err := f.registry.CreateSession(ctx, "alice")
		require.NoError(t, err)

		ended, err := f.registry.EndSession(ctx, s.ID, "alice", model.ReasonEnded)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateExpired, ended.State)
	})

	t.Run("callers cannot claim a handshake timeout", func(t *testing.T) {
		f := newRegistryFixture(t, nil)
		s := f.pair(t)

		_, err := f.registry.EndSession(ctx, s.ID, "alice", model.ReasonHandshakeTimeout)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
	})

	t.Run("end drops signal queues", func(t *testing.T) {
		f := newRegistryFixture(t, nil)
		s := f.pair(t)
		_, err := f.signals.Append(ctx, s.ID, "alice", "offer", f.clock.Now())
		require.NoError(t, err)

		_, err = f.registry.EndSession(ctx, s.ID, "alice", model.ReasonEnded)
		require.NoError(t, err)

		left, err := f.signals.ListSince(ctx, s.ID, "alice", 0)
		require.NoError(t, err)
		assert.Empty(t, left)
	})
}

func TestSessionRegistry_ExpireStale(t *testing.T) {
	ctx := context.Background()
	f := newRegistryFixture(t, nil)
	var finished []string
	f.registry.OnFinished(func(sessionID string) { finished = append(finished, sessionID) })

	pending, err := f.registry.CreateSession(ctx, "alice")
	require.NoError(t, err)
	paired := f.pair(t)
	active := f.pair(t)
	_, err = f.registry.ReportChannelReady(ctx, active.ID, "alice")
	require.NoError(t, err)
	_, err = f.registry.ReportChannelReady(ctx, active.ID, "bob")
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	changed, err := f.registry.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), changed)

	got, _ := f.sessions.FindByID(ctx, pending.ID)
	assert.Equal(t, model.SessionStateExpired, got.State)
	got, _ = f.sessions.FindByID(ctx, paired.ID)
	assert.Equal(t, model.SessionStateTerminated, got.State)
	got, _ = f.sessions.FindByID(ctx, active.ID)
	assert.Equal(t, model.SessionStateActive, got.State)
	assert.ElementsMatch(t, []string{pending.ID, paired.ID}, finished)

	purged, err := f.registry.PurgeFinished(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), purged, "retention never undercuts the code cool-down")

	f.clock.Advance(11 * time.Minute)
	purged, err = f.registry.PurgeFinished(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)
}
