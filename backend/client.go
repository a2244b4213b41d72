// Package backend is the REST client for the chat API: authentication, the
// user and room directory, history and message deletion.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/identity"
	"github.com/gosuda/portal-chat/protocol"
)

const apiPrefix = "/api"

var ErrNoToken = errors.New("backend: not signed in")

// TokenSource supplies the bearer token for authenticated calls.
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a function into a TokenSource.
type TokenFunc func() string

func (f TokenFunc) Token() string { return f() }

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: status %d", e.Code)
	}
	return fmt.Sprintf("backend: status %d: %s", e.Code, e.Message)
}

// Credentials is what login and registration hand back.
type Credentials struct {
	Token string        `json:"token"`
	User  protocol.User `json:"user"`
}

type Client struct {
	origin *url.URL
	http   *http.Client
	tokens TokenSource
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the API served at origin. tokens may be nil for
// unauthenticated use.
func New(origin string, tokens TokenSource, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse api origin: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		origin: u,
		http:   &http.Client{Timeout: 30 * time.Second},
		tokens: tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (Credentials, error) {
	var out Credentials
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, body, &out, false); err != nil {
		return Credentials{}, fmt.Errorf("login: %w", err)
	}
	return out, nil
}

func (c *Client) Register(ctx context.Context, username, email, password string) (Credentials, error) {
	var out Credentials
	body := map[string]string{"username": username, "email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/register", nil, body, &out, false); err != nil {
		return Credentials{}, fmt.Errorf("register: %w", err)
	}
	return out, nil
}

func (c *Client) Users(ctx context.Context) ([]protocol.User, error) {
	var out []protocol.User
	if err := c.do(ctx, http.MethodGet, "/chat/users", nil, nil, &out, true); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return out, nil
}

func (c *Client) Rooms(ctx context.Context) ([]protocol.Room, error) {
	var out []protocol.Room
	if err := c.do(ctx, http.MethodGet, "/chat/rooms", nil, nil, &out, true); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return out, nil
}

// CreateRoom creates a group room with the given member ids.
func (c *Client) CreateRoom(ctx context.Context, name string, members []identity.Key) (protocol.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return protocol.Room{}, errors.New("create room: name is required")
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		if !m.IsNone() {
			ids = append(ids, m.String())
		}
	}
	body := struct {
		Name    string   `json:"name"`
		Type    string   `json:"type"`
		Members []string `json:"members"`
	}{name, protocol.RoomTypeGroup, ids}

	var out protocol.Room
	if err := c.do(ctx, http.MethodPost, "/chat/rooms", nil, body, &out, true); err != nil {
		return protocol.Room{}, fmt.Errorf("create room: %w", err)
	}
	return out, nil
}

// History returns the ordered history of a room or a direct conversation.
func (c *Client) History(ctx context.Context, id identity.Key, kind protocol.Kind) ([]protocol.Message, error) {
	if id.IsNone() {
		return nil, errors.New("history: conversation id is required")
	}
	q := url.Values{"type": {string(kind)}}
	var out []protocol.Message
	if err := c.do(ctx, http.MethodGet, "/chat/history/"+url.PathEscape(id.String()), q, nil, &out, true); err != nil {
		return nil, fmt.Errorf("history %s: %w", id, err)
	}
	return out, nil
}

func (c *Client) DeleteMessage(ctx context.Context, id identity.Key) error {
	if id.IsNone() {
		return errors.New("delete message: id is required")
	}
	if err := c.do(ctx, http.MethodDelete, "/chat/messages/"+url.PathEscape(id.String()), nil, nil, nil, true); err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	return nil
}

// Ping requests the API origin so a sleeping host starts waking up.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.origin.String()+"/", nil)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("ping: %w", &StatusError{Code: resp.StatusCode})
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any, auth bool) error {
	u := *c.origin
	u.Path = strings.TrimRight(u.Path, "/") + apiPrefix + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		token := ""
		if c.tokens != nil {
			token = strings.TrimSpace(c.tokens.Token())
		}
		if token == "" {
			return ErrNoToken
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("[backend] request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	e := &StatusError{Code: resp.StatusCode}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(b, &payload) == nil {
		e.Message = payload.Message
		if e.Message == "" {
			e.Message = payload.Error
		}
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(b))
	}
	return e
}
