package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/onlyus/sync-server-go/internal/middleware"
	"github.com/onlyus/sync-server-go/internal/pairing"
	"github.com/onlyus/sync-server-go/internal/peer"
	"github.com/onlyus/sync-server-go/internal/repository"
	"github.com/onlyus/sync-server-go/internal/service"
	"github.com/onlyus/sync-server-go/internal/sse"
	"github.com/onlyus/sync-server-go/internal/util"
)

const testSecret = "handler-test-secret-0123456789abcdef"

type testAPI struct {
	srv      *httptest.Server
	clock    *clockwork.FakeClock
	registry *service.SessionRegistry
	hub      *peer.Hub
	broker   *sse.Broker
}

type apiOptions struct {
	codes    pairing.Generator
	sessions repository.SessionRepository
	limits   SessionLimits
}

func newTestAPI(t *testing.T, opts apiOptions) *testAPI {
	t.Helper()
	if opts.codes == nil {
		opts.codes = pairing.NewGenerator()
	}
	if opts.sessions == nil {
		opts.sessions = repository.NewMemorySessionRepository()
	}

	api := &testAPI{
		clock:  clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)),
		hub:    peer.NewHub(peer.DefaultConfig()),
		broker: sse.NewBroker(nil),
	}
	t.Cleanup(api.broker.Close)

	signals := repository.NewMemorySignalRepository()
	api.registry = service.NewSessionRegistry(opts.sessions, signals, opts.codes, api.broker, api.clock, service.RegistryConfig{
		SessionTTL:     10 * time.Minute,
		HandshakeGrace: 30 * time.Second,
		CodeCooldown:   10 * time.Minute,
	})
	api.registry.OnFinished(api.hub.CloseSession)
	relay := service.NewSignalRelay(api.registry, signals, api.broker, api.clock, nil)

	router := chi.NewRouter()
	router.Mount("/v1", APIRoutes(
		middleware.NewAuthMiddleware(testSecret).Handler,
		NewEventsHandler(api.broker, api.registry),
		NewSessionHandler(api.registry, api.clock, opts.limits),
		NewSignalHandler(relay),
		NewChannelHandler(api.registry, api.hub),
	))
	api.srv = httptest.NewServer(router)
	t.Cleanup(api.srv.Close)
	return api
}

func tokenFor(userID string) string {
	return util.SignIdentity(testSecret, userID)
}

type apiResponse struct {
	status int
	body   map[string]any
}

func (r apiResponse) str(key string) string {
	s, _ := r.body[key].(string)
	return s
}

// call sends a JSON request as userID; an empty userID sends no token.
func (api *testAPI) call(t *testing.T, method, path, userID string, body any) apiResponse {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, api.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(userID))
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := apiResponse{status: resp.StatusCode, body: map[string]any{}}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out.body), string(raw))
	}
	return out
}

// pair creates a session as alice and joins it as bob.
func (api *testAPI) pair(t *testing.T) string {
	t.Helper()
	created := api.call(t, http.MethodPost, "/v1/sessions", "alice", nil)
	require.Equal(t, http.StatusCreated, created.status)
	joined := api.call(t, http.MethodPost, "/v1/sessions/join", "bob", map[string]string{"code": created.str("pairingCode")})
	require.Equal(t, http.StatusOK, joined.status)
	return created.str("sessionId")
}

// fixedCodes hands out the given codes in order, then random ones.
func fixedCodes(codes ...string) pairing.Generator {
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
