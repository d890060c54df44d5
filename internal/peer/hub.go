// Package peer carries the realtime channel between the two members of a
// session. The server side relays opaque frames between websocket
// endpoints; the client side exposes a websocket as a realtime.Transport.
package peer

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Config struct {
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
	CheckOrigin    func(r *http.Request) bool
}

func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
	}
}

// Endpoint is one member's websocket on the relay.
type Endpoint struct {
	ID          string
	SessionID   string
	UserID      string
	ConnectedAt time.Time

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	replaced  atomic.Bool
}

// Replaced reports whether a newer connection from the same user took over.
func (e *Endpoint) Replaced() bool {
	return e.replaced.Load()
}

func (e *Endpoint) closeSend() {
	e.closeOnce.Do(func() { close(e.send) })
}

// Hub relays frames between the endpoints of each session. It never looks
// inside a frame; a frame for an absent partner is dropped.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Endpoint // sessionID -> userID -> endpoint
	upgrader websocket.Upgrader
	cfg      Config
}

func NewHub(cfg Config) *Hub {
	return &Hub{
		sessions: make(map[string]map[string]*Endpoint),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		cfg: cfg,
	}
}

func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return h.upgrader.Upgrade(w, r, nil)
}

// Register adds conn as userID's endpoint in the session, replacing any
// earlier one. The returned cleanup removes it again.
func (h *Hub) Register(sessionID, userID string, conn *websocket.Conn) (*Endpoint, func()) {
	if h.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageSize)
	}
	ep := &Endpoint{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		UserID:      userID,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, h.cfg.SendBuffer),
	}

	h.mu.Lock()
	members := h.sessions[sessionID]
	if members == nil {
		members = make(map[string]*Endpoint)
		h.sessions[sessionID] = members
	}
	if old, ok := members[userID]; ok {
		old.replaced.Store(true)
		old.closeSend()
		log.Info().
			Str("sessionId", sessionID).
			Str("userId", userID).
			Str("endpointId", old.ID).
			Msg("peer endpoint replaced")
	}
	members[userID] = ep
	count := len(members)
	h.mu.Unlock()

	log.Info().
		Str("sessionId", sessionID).
		Str("userId", userID).
		Str("endpointId", ep.ID).
		Int("endpoints", count).
		Msg("peer endpoint registered")

	return ep, func() { h.unregister(ep) }
}

func (h *Hub) unregister(ep *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.sessions[ep.SessionID]; ok && members[ep.UserID] == ep {
		delete(members, ep.UserID)
		if len(members) == 0 {
			delete(h.sessions, ep.SessionID)
		}
		log.Info().
			Str("sessionId", ep.SessionID).
			Str("userId", ep.UserID).
			Str("endpointId", ep.ID).
			Msg("peer endpoint unregistered")
	}
	ep.closeSend()
}

// Serve pumps frames for ep until its connection drops.
func (h *Hub) Serve(ep *Endpoint) {
	go h.writePump(ep)
	h.readPump(ep)
}

// Relay forwards a frame to every other member of the session. It reports
// whether any endpoint accepted the frame.
func (h *Hub) Relay(sessionID, fromUserID string, frame []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := false
	for userID, ep := range h.sessions[sessionID] {
		if userID == fromUserID {
			continue
		}
		select {
		case ep.send <- frame:
			delivered = true
		default:
			log.Warn().
				Str("sessionId", sessionID).
				Str("userId", userID).
				Msg("peer send buffer full, dropping frame")
		}
	}
	return delivered
}

// Connected returns the users holding an endpoint in the session.
func (h *Hub) Connected(sessionID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := make([]string, 0, len(h.sessions[sessionID]))
	for userID := range h.sessions[sessionID] {
		users = append(users, userID)
	}
	return users
}

// CloseSession drops every endpoint of the session. Their writers send a
// close frame before hanging up.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	members := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()

	for _, ep := range members {
		ep.closeSend()
	}
	if len(members) > 0 {
		log.Info().Str("sessionId", sessionID).Int("endpoints", len(members)).Msg("peer channel closed")
	}
}

// Reject hangs up a connection that was upgraded but may not use the relay.
func Reject(conn *websocket.Conn, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
	conn.Close()
}

func (h *Hub) readPump(ep *Endpoint) {
	defer ep.conn.Close()

	ep.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	ep.conn.SetPongHandler(func(string) error {
		return ep.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, frame, err := ep.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("endpointId", ep.ID).Msg("peer read error")
			}
			return
		}
		if !h.Relay(ep.SessionID, ep.UserID, frame) {
			log.Debug().Str("sessionId", ep.SessionID).Str("userId", ep.UserID).Msg("partner not connected, frame dropped")
		}
	}
}

func (h *Hub) writePump(ep *Endpoint) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		ep.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-ep.send:
			ep.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				ep.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ep.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Str("endpointId", ep.ID).Msg("peer write failed")
				return
			}
		case <-ticker.C:
			ep.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := ep.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
