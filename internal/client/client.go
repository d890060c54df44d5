// Package client talks to the pairing API on behalf of one identity.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	apperrors "github.com/onlyus/sync-server-go/internal/errors"
	"github.com/onlyus/sync-server-go/internal/model"
)

const (
	requestTimeout      = 15 * time.Second
	defaultPollInterval = 2 * time.Second
	defaultWaitLimit    = 5 * time.Minute
)

var (
	// ErrWaitTimeout is returned when no partner joined within the wait limit.
	ErrWaitTimeout = errors.New("timed out waiting for partner")
	// ErrSessionClosed is returned when the session ended while waiting.
	ErrSessionClosed = errors.New("session closed")
)

type Client struct {
	baseURL      string
	token        string
	http         *http.Client
	clock        clockwork.Clock
	pollInterval time.Duration
	waitLimit    time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithPolling overrides how often WaitForPartner polls and how long it waits.
func WithPolling(interval, limit time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = interval
		c.waitLimit = limit
	}
}

// New returns a client for the server at baseURL, authenticating with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		http:         &http.Client{Timeout: requestTimeout},
		clock:        clockwork.NewRealClock(),
		pollInterval: defaultPollInterval,
		waitLimit:    defaultWaitLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type CreatedSession struct {
	SessionID   string             `json:"sessionId"`
	PairingCode string             `json:"pairingCode"`
	State       model.SessionState `json:"state"`
	ExpiresAt   time.Time          `json:"expiresAt"`
	ExpiresIn   int                `json:"expiresIn"`
}

type JoinedSession struct {
	SessionID string             `json:"sessionId"`
	State     model.SessionState `json:"state"`
	PartnerID string             `json:"partnerId"`
}

type Status struct {
	SessionID string                   `json:"sessionId"`
	State     model.SessionState       `json:"state"`
	IsPaired  bool                     `json:"isPaired"`
	PartnerID string                   `json:"partnerId,omitempty"`
	Reason    *model.TerminationReason `json:"reason,omitempty"`
	ExpiresAt time.Time                `json:"expiresAt"`
	PairedAt  *time.Time               `json:"pairedAt,omitempty"`
}

type stateResponse struct {
	State model.SessionState `json:"state"`
}

func (c *Client) CreateSession(ctx context.Context) (*CreatedSession, error) {
	var out CreatedSession
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) JoinSession(ctx context.Context, code string) (*JoinedSession, error) {
	var out JoinedSession
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/join", map[string]string{"code": code}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context, sessionID string) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "status"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ReportReady(ctx context.Context, sessionID string) (model.SessionState, error) {
	var out stateResponse
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "ready"), nil, &out); err != nil {
		return "", err
	}
	return out.State, nil
}

// EndSession terminates the session. An empty reason means ended.
func (c *Client) EndSession(ctx context.Context, sessionID string, reason model.TerminationReason) (model.SessionState, error) {
	var body any
	if reason != "" {
		body = map[string]any{"reason": reason}
	}
	var out stateResponse
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "end"), body, &out); err != nil {
		return "", err
	}
	return out.State, nil
}

func (c *Client) PostSignal(ctx context.Context, sessionID, blob string) (int64, error) {
	var out struct {
		Seq int64 `json:"seq"`
	}
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "signals"), map[string]string{"blob": blob}, &out); err != nil {
		return 0, err
	}
	return out.Seq, nil
}

// PollSignals fetches signals after since. A negative since resumes from
// the last acknowledged cursor.
func (c *Client) PollSignals(ctx context.Context, sessionID string, since int64) (*model.SignalBatch, error) {
	path := sessionPath(sessionID, "signals")
	if since >= 0 {
		path += "?since=" + strconv.FormatInt(since, 10)
	}
	var out model.SignalBatch
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AckSignals(ctx context.Context, sessionID string, cursor int64) (int64, error) {
	var out struct {
		Cursor int64 `json:"cursor"`
	}
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "signals/ack"), map[string]int64{"cursor": cursor}, &out); err != nil {
		return 0, err
	}
	return out.Cursor, nil
}

// WaitForPartner polls the session status until a partner is bound. It
// gives up with ErrWaitTimeout after the wait limit and with
// ErrSessionClosed once the session reaches a final state.
func (c *Client) WaitForPartner(ctx context.Context, sessionID string) (*Status, error) {
	deadline := c.clock.Now().Add(c.waitLimit)
	for {
		status, err := c.Status(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if status.State.IsLinked() {
			return status, nil
		}
		if status.State.IsFinal() {
			return status, fmt.Errorf("%w: %s", ErrSessionClosed, status.State)
		}
		if !c.clock.Now().Before(deadline) {
			return status, ErrWaitTimeout
		}

		log.Debug().Str("sessionId", sessionID).Str("state", string(status.State)).Msg("waiting for partner")

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-c.clock.After(c.pollInterval):
		}
	}
}

// ChannelURL is the websocket address of the session's peer channel.
func (c *Client) ChannelURL(sessionID string) (string, error) {
	u, err := url.Parse(c.baseURL + sessionPath(sessionID, "channel"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func (c *Client) Token() string {
	return c.token
}

func sessionPath(sessionID, action string) string {
	return "/v1/sessions/" + url.PathEscape(sessionID) + "/" + action
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(method, path, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError turns an error body back into an AppError so callers can
// match codes with errors.Is.
func decodeError(method, path string, status int, raw []byte) error {
	var body struct {
		Error string              `json:"error"`
		Code  apperrors.ErrorCode `json:"code"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Code == "" {
		return fmt.Errorf("%s %s: status %d", method, path, status)
	}
	return fmt.Errorf("%s %s: %w", method, path, apperrors.New(body.Code, body.Error))
}
