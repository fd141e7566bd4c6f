// Package shipchat is a Go client for a Mattermost-compatible team-chat
// server. It wraps the server's REST and WebSocket APIs, keeps a local state
// tree with on-disk persistence, and reconciles realtime updates via
// WebSocket push with a polling fallback.
//
// Example:
//
//	client := shipchat.NewClient("https://chat.example.com")
//	user, _ := client.Login(ctx, "skipper", "secret")
//
//	store := shipchat.NewStore(client)
//	store.Start(ctx)
//	_ = store.SelectVesselTeam(ctx, "vessel-1")
//	store.SendMessage(ctx, "engine room reporting in", "")
package shipchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	apiPrefix      = "/api/v4"
	defaultTimeout = 30 * time.Second

	// One reconnect attempt is scheduled this long after an unexpected
	// WebSocket close, as long as a token is still present.
	defaultReconnectDelay = 3 * time.Second
)

// Client wraps HTTP calls to the chat server, attaches bearer-token auth,
// normalizes errors, and manages the WebSocket connection with its event
// dispatch table.
type Client struct {
	baseURL    string
	httpClient *http.Client
	storage    Storage
	log        zerolog.Logger

	mu      sync.Mutex
	session *Session

	dispatcher *eventDispatcher

	wsMu             sync.Mutex
	wsConn           wsConn
	wsCancel         context.CancelFunc
	wsClosing        bool
	wsDialing        bool
	wsReconnectDelay time.Duration
	wsReconnect      *time.Timer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the HTTP request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithStorage sets the persistence backend. Defaults to in-memory.
func WithStorage(st Storage) ClientOption {
	return func(c *Client) { c.storage = st }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	jar, _ := cookiejar.New(nil)
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			Jar:     jar, // cookie-session auth rides on the jar
		},
		storage:          NewMemoryStorage(),
		log:              zerolog.Nop(),
		dispatcher:       newEventDispatcher(),
		wsReconnectDelay: defaultReconnectDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dispatcher.log = c.log
	return c
}

// Storage returns the client's persistence backend.
func (c *Client) Storage() Storage { return c.storage }

// ============================================================================
// Session
// ============================================================================

// Session returns a copy of the current session, or nil when logged out.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// IsAuthenticated reports whether a token of either kind is set.
func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.Token != ""
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.Token
}

func (c *Client) setSession(sess *Session, user *User) {
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	saveJSON(c.storage, keySession, persistedSession{Session: *sess, User: user})
}

func (c *Client) clearSession() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	c.storage.Delete(keySession)
}

// Login authenticates with the server. The auth token is taken from the
// Token response header when present; otherwise the sentinel cookie-session
// token is stored and authentication relies on the session cookie.
func (c *Client) Login(ctx context.Context, identifier, password string) (*User, error) {
	body := map[string]string{"login_id": identifier, "password": password}
	req, err := c.newRequest(ctx, http.MethodPost, "/users/login", body, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "login", Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "login", Err: err}
	}
	if resp.StatusCode >= 400 {
		var se serverError
		_ = json.Unmarshal(data, &se)
		return nil, normalizeError(resp.StatusCode, se)
	}

	var user User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}

	token := resp.Header.Get("Token")
	kind := TokenBearer
	if token == "" {
		token = CookieSessionToken
		kind = TokenCookie
	}
	c.setSession(&Session{UserID: user.ID, Token: token, TokenKind: kind}, &user)
	c.log.Info().Str("user_id", user.ID).Str("token_kind", string(kind)).Msg("logged in")
	return &user, nil
}

// Logout tells the server to end the session, then clears local auth state.
// The server call is best-effort: logout never fails visibly.
func (c *Client) Logout(ctx context.Context) {
	if _, err := c.doRequest(ctx, http.MethodPost, "/users/logout", nil, nil); err != nil {
		c.log.Debug().Err(err).Msg("server logout failed, clearing local session anyway")
	}
	c.DisconnectWebSocket()
	c.clearSession()
}

// RestoreSession loads the persisted session, if any, and returns its user.
// Only bearer-token sessions survive a restart: the cookie jar dies with the
// process, so a persisted cookie-kind session is discarded rather than
// restored into a state that would fail every request. Corrupt persisted
// data is cleared and nil returned; this never fails.
func (c *Client) RestoreSession() *User {
	var ps persistedSession
	if !loadJSON(c.storage, keySession, &ps) {
		return nil
	}
	if ps.Session.Token == "" || ps.Session.Token == CookieSessionToken || ps.User == nil {
		c.storage.Delete(keySession)
		return nil
	}
	c.mu.Lock()
	c.session = &ps.Session
	c.mu.Unlock()
	return ps.User
}

// ============================================================================
// Request plumbing
// ============================================================================

func (c *Client) newRequest(ctx context.Context, method, path string, body any, query map[string]string) (*http.Request, error) {
	u := c.baseURL + apiPrefix + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.token(); tok != "" && tok != CookieSessionToken {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

// doRequest performs a JSON API call and returns the response body. HTTP
// errors are rethrown as normalized typed errors.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	if resp.StatusCode >= 400 {
		var se serverError
		_ = json.Unmarshal(data, &se)
		return nil, normalizeError(resp.StatusCode, se)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}
