package peer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayServer struct {
	hub      *Hub
	srv      *httptest.Server
	replaced chan string
}

// newRelayServer serves the hub at /channel?session=..&user=.. without auth.
func newRelayServer(t *testing.T) *relayServer {
	t.Helper()
	rs := &relayServer{hub: NewHub(testConfig()), replaced: make(chan string, 8)}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := rs.hub.Upgrade(w, r)
		if err != nil {
			return
		}
		ep, cleanup := rs.hub.Register(r.URL.Query().Get("session"), r.URL.Query().Get("user"), conn)
		defer cleanup()
		rs.hub.Serve(ep)
		if ep.Replaced() {
			rs.replaced <- ep.UserID
		}
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SendBuffer = 16
	return cfg
}

func (rs *relayServer) dial(t *testing.T, session, user string) *Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(rs.srv.URL, "http") + "/channel?session=" + session + "&user=" + user
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, url, "token", testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.Eventually(t, func() bool {
		for _, u := range rs.hub.Connected(session) {
			if u == user {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return c
}

func receive(t *testing.T, c *Conn) []byte {
	t.Helper()
	select {
	case frame, ok := <-c.Frames():
		require.True(t, ok, "frames closed")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func waitClosed(t *testing.T, c *Conn) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.Frames():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("frames not closed")
		}
	}
}

func TestHub_Relay(t *testing.T) {
	t.Run("forwards frames to the partner only", func(t *testing.T) {
		rs := newRelayServer(t)
		alice := rs.dial(t, "s1", "alice")
		bob := rs.dial(t, "s1", "bob")
		carol := rs.dial(t, "s2", "carol")

		require.NoError(t, alice.Send(context.Background(), []byte(`{"n":1}`)))
		require.NoError(t, bob.Send(context.Background(), []byte(`{"n":2}`)))

		assert.Equal(t, `{"n":1}`, string(receive(t, bob)))
		assert.Equal(t, `{"n":2}`, string(receive(t, alice)))

		select {
		case frame := <-carol.Frames():
			t.Fatalf("frame leaked to another session: %s", frame)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("drops frames while the partner is absent", func(t *testing.T) {
		rs := newRelayServer(t)
		rs.dial(t, "s1", "alice")

		assert.False(t, rs.hub.Relay("s1", "alice", []byte("x")))
		assert.False(t, rs.hub.Relay("missing", "alice", []byte("x")))
	})

	t.Run("lists connected users", func(t *testing.T) {
		rs := newRelayServer(t)
		rs.dial(t, "s1", "alice")
		rs.dial(t, "s1", "bob")

		users := rs.hub.Connected("s1")
		sort.Strings(users)
		assert.Equal(t, []string{"alice", "bob"}, users)
		assert.Empty(t, rs.hub.Connected("s2"))
	})
}

func TestHub_Lifecycle(t *testing.T) {
	t.Run("reconnect replaces the earlier endpoint", func(t *testing.T) {
		rs := newRelayServer(t)
		first := rs.dial(t, "s1", "alice")
		second := rs.dial(t, "s1", "alice")
		bob := rs.dial(t, "s1", "bob")

		waitClosed(t, first)
		select {
		case user := <-rs.replaced:
			assert.Equal(t, "alice", user)
		case <-time.After(2 * time.Second):
			t.Fatal("replaced endpoint not reported")
		}

		require.NoError(t, bob.Send(context.Background(), []byte("hello")))
		assert.Equal(t, "hello", string(receive(t, second)))
	})

	t.Run("close session hangs up every member", func(t *testing.T) {
		rs := newRelayServer(t)
		alice := rs.dial(t, "s1", "alice")
		bob := rs.dial(t, "s1", "bob")

		rs.hub.CloseSession("s1")

		waitClosed(t, alice)
		waitClosed(t, bob)
		assert.Empty(t, rs.hub.Connected("s1"))
	})

	t.Run("client hang up unregisters the endpoint", func(t *testing.T) {
		rs := newRelayServer(t)
		alice := rs.dial(t, "s1", "alice")

		require.NoError(t, alice.Close())
		require.Eventually(t, func() bool { return len(rs.hub.Connected("s1")) == 0 }, 2*time.Second, 5*time.Millisecond)
	})
}

func TestConn(t *testing.T) {
	t.Run("send after close fails", func(t *testing.T) {
		rs := newRelayServer(t)
		alice := rs.dial(t, "s1", "alice")

		require.NoError(t, alice.Close())
		require.NoError(t, alice.Close())
		assert.ErrorIs(t, alice.Send(context.Background(), []byte("x")), ErrConnClosed)
		waitClosed(t, alice)
	})

	t.Run("send honours a cancelled context", func(t *testing.T) {
		rs := newRelayServer(t)
		alice := rs.dial(t, "s1", "alice")

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, alice.Send(ctx, []byte("x")), context.Canceled)
	})

	t.Run("dial reports http failures", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), "token", testConfig())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "403")
	})
}
