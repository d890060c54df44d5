package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/onlyus/sync-server-go/internal/errors"
	"github.com/onlyus/sync-server-go/internal/handler"
	"github.com/onlyus/sync-server-go/internal/middleware"
	"github.com/onlyus/sync-server-go/internal/model"
	"github.com/onlyus/sync-server-go/internal/pairing"
	"github.com/onlyus/sync-server-go/internal/peer"
	"github.com/onlyus/sync-server-go/internal/repository"
	"github.com/onlyus/sync-server-go/internal/service"
	"github.com/onlyus/sync-server-go/internal/sse"
	"github.com/onlyus/sync-server-go/internal/util"
)

const testSecret = "client-test-secret-0123456789abcdef"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC))
	hub := peer.NewHub(peer.DefaultConfig())
	broker := sse.NewBroker(nil)
	t.Cleanup(broker.Close)

	signals := repository.NewMemorySignalRepository()
	registry := service.NewSessionRegistry(repository.NewMemorySessionRepository(), signals, pairing.NewGenerator(), broker, clock, service.RegistryConfig{
		SessionTTL:     10 * time.Minute,
		HandshakeGrace: 30 * time.Second,
		CodeCooldown:   10 * time.Minute,
	})
	registry.OnFinished(hub.CloseSession)
	relay := service.NewSignalRelay(registry, signals, broker, clock, nil)

	router := chi.NewRouter()
	router.Mount("/v1", handler.APIRoutes(
		middleware.NewAuthMiddleware(testSecret).Handler,
		handler.NewEventsHandler(broker, registry),
		handler.NewSessionHandler(registry, clock, handler.SessionLimits{}),
		handler.NewSignalHandler(relay),
		handler.NewChannelHandler(registry, hub),
	))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func clientFor(srv *httptest.Server, userID string, opts ...Option) *Client {
	return New(srv.URL, util.SignIdentity(testSecret, userID), opts...)
}

func TestClientSessions(t *testing.T) {
	t.Run("create join and end", func(t *testing.T) {
		srv := newServer(t)
		alice := clientFor(srv, "alice")
		bob := clientFor(srv, "bob")
		ctx := context.Background()

		created, err := alice.CreateSession(ctx)
		require.NoError(t, err)
		assert.Len(t, created.PairingCode, 6)
		assert.Equal(t, model.SessionStateCreated, created.State)
		assert.Equal(t, 600, created.ExpiresIn)

		joined, err := bob.JoinSession(ctx, strings.ToLower(created.PairingCode))
		require.NoError(t, err)
		assert.Equal(t, created.SessionID, joined.SessionID)
		assert.Equal(t, "alice", joined.PartnerID)

		status, err := alice.Status(ctx, created.SessionID)
		require.NoError(t, err)
		assert.True(t, status.IsPaired)
		assert.Equal(t, "bob", status.PartnerID)
		require.NotNil(t, status.PairedAt)

		state, err := bob.EndSession(ctx, created.SessionID, "")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStateTerminated, state)

		status, err = alice.Status(ctx, created.SessionID)
		require.NoError(t, err)
		require.NotNil(t, status.Reason)
		assert.Equal(t, model.ReasonEnded, *status.Reason)
	})

	t.Run("errors carry their codes", func(t *testing.T) {
		srv := newServer(t)
		alice := clientFor(srv, "alice")
		ctx := context.Background()

		created, err := alice.CreateSession(ctx)
		require.NoError(t, err)

		_, err = alice.JoinSession(ctx, created.PairingCode)
		assert.ErrorIs(t, err, apperrors.SelfJoin())

		_, err = clientFor(srv, "bob").JoinSession(ctx, created.PairingCode)
		require.NoError(t, err)
		_, err = clientFor(srv, "carol").JoinSession(ctx, created.PairingCode)
		assert.ErrorIs(t, err, apperrors.AlreadyPaired())

		_, err = New(srv.URL, "forged").Status(ctx, created.SessionID)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidToken) || apperrors.HasCode(err, apperrors.ErrCodeUnauthorized))
	})
}

func TestClientSignals(t *testing.T) {
	srv := newServer(t)
	alice := clientFor(srv, "alice")
	bob := clientFor(srv, "bob")
	ctx := context.Background()

	created, err := alice.CreateSession(ctx)
	require.NoError(t, err)
	_, err = bob.JoinSession(ctx, created.PairingCode)
	require.NoError(t, err)

	first, err := alice.PostSignal(ctx, created.SessionID, "offer")
	require.NoError(t, err)
	second, err := alice.PostSignal(ctx, created.SessionID, "candidate")
	require.NoError(t, err)
	assert.Greater(t, second, first)

	batch, err := bob.PollSignals(ctx, created.SessionID, -1)
	require.NoError(t, err)
	require.Len(t, batch.Signals, 2)
	assert.Equal(t, "offer", batch.Signals[0].Blob)
	assert.Equal(t, "alice", batch.Signals[0].SenderID)

	cursor, err := bob.AckSignals(ctx, created.SessionID, batch.Signals[0].Seq)
	require.NoError(t, err)
	assert.Equal(t, first, cursor)

	batch, err = bob.PollSignals(ctx, created.SessionID, -1)
	require.NoError(t, err)
	require.Len(t, batch.Signals, 1)
	assert.Equal(t, "candidate", batch.Signals[0].Blob)

	batch, err = alice.PollSignals(ctx, created.SessionID, 0)
	require.NoError(t, err)
	assert.Empty(t, batch.Signals)
}

type waitResult struct {
	status *Status
	err    error
}

func waitAsync(c *Client, sessionID string) <-chan waitResult {
	done := make(chan waitResult, 1)
	go func() {
		status, err := c.WaitForPartner(context.Background(), sessionID)
		done <- waitResult{status, err}
	}()
	return done
}

func blockUntilPolling(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
}

func TestWaitForPartner(t *testing.T) {
	t.Run("returns once a partner joins", func(t *testing.T) {
		srv := newServer(t)
		clock := clockwork.NewFakeClock()
		alice := clientFor(srv, "alice", WithClock(clock))
		ctx := context.Background()

		created, err := alice.CreateSession(ctx)
		require.NoError(t, err)
		done := waitAsync(alice, created.SessionID)

		blockUntilPolling(t, clock)
		_, err = clientFor(srv, "bob").JoinSession(ctx, created.PairingCode)
		require.NoError(t, err)
		clock.Advance(2 * time.Second)

		select {
		case res := <-done:
			require.NoError(t, res.err)
			assert.Equal(t, model.SessionStatePaired, res.status.State)
			assert.Equal(t, "bob", res.status.PartnerID)
		case <-time.After(2 * time.Second):
			t.Fatal("WaitForPartner did not return")
		}
	})

	t.Run("gives up after the wait limit", func(t *testing.T) {
		srv := newServer(t)
		clock := clockwork.NewFakeClock()
		alice := clientFor(srv, "alice", WithClock(clock), WithPolling(2*time.Second, 6*time.Second))

		created, err := alice.CreateSession(context.Background())
		require.NoError(t, err)
		done := waitAsync(alice, created.SessionID)

		for i := 0; i < 3; i++ {
			blockUntilPolling(t, clock)
			clock.Advance(2 * time.Second)
		}

		select {
		case res := <-done:
			assert.ErrorIs(t, res.err, ErrWaitTimeout)
			assert.Equal(t, model.SessionStateAwaitingPartner, res.status.State)
		case <-time.After(2 * time.Second):
			t.Fatal("WaitForPartner did not time out")
		}
	})

	t.Run("stops when the session ends", func(t *testing.T) {
		srv := newServer(t)
		clock := clockwork.NewFakeClock()
		alice := clientFor(srv, "alice", WithClock(clock))
		ctx := context.Background()

		created, err := alice.CreateSession(ctx)
		require.NoError(t, err)
		done := waitAsync(alice, created.SessionID)

		blockUntilPolling(t, clock)
		_, err = alice.EndSession(ctx, created.SessionID, "")
		require.NoError(t, err)
		clock.Advance(2 * time.Second)

		res := <-done
		assert.True(t, errors.Is(res.err, ErrSessionClosed))
	})

	t.Run("honours cancellation", func(t *testing.T) {
		srv := newServer(t)
		clock := clockwork.NewFakeClock()
		alice := clientFor(srv, "alice", WithClock(clock))

		created, err := alice.CreateSession(context.Background())
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := alice.WaitForPartner(ctx, created.SessionID)
			done <- err
		}()

		blockUntilPolling(t, clock)
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestChannelURL(t *testing.T) {
	url, err := New("https://sync.example.com/", "tok").ChannelURL("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "wss://sync.example.com/v1/sessions/sess-1/channel", url)

	url, err = New("http://localhost:8080", "tok").ChannelURL("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/v1/sessions/sess-1/channel", url)
}
