package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"

	"github.com/totegamma/minisocial"
)

const (
	defaultTimeout = 3 * time.Second
	heartbeat      = 30 * time.Second
)

type Client struct {
	client    *http.Client
	cache     *cache.Cache
	userAgent string
	baseURL   string

	mu    sync.RWMutex
	token string
}

// New returns a client for the server at baseURL, e.g. https://social.example.com.
func New(baseURL string) *Client {
	httpClient := http.Client{
		Timeout: defaultTimeout,
	}

	c := &Client{
		client:    &httpClient,
		cache:     cache.New(1*time.Minute, 5*time.Minute),
		userAgent: "minisocial-client",
		baseURL:   strings.TrimSuffix(baseURL, "/"),
	}
	httpClient.Transport = c
	return c
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", c.userAgent)
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultTransport.RoundTrip(req)
}

// APIError is an error returned by the server.
type APIError struct {
	Status  int
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

func readError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{Status: resp.StatusCode}

	var wrapped struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != nil {
		apiErr.Kind = wrapped.Error.Kind
		apiErr.Message = wrapped.Error.Message
		return apiErr
	}

	// echo's own errors, e.g. 401 from the auth middleware
	var plain struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &plain)
	apiErr.Kind = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
	apiErr.Message = plain.Message
	return apiErr
}

// HttpRequest sends body as JSON and decodes the response into response
// when it is non-nil.
func (c *Client) HttpRequest(ctx context.Context, method, path string, body, response any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %v", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to perform request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return readError(resp)
	}
	if response == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	err = json.NewDecoder(resp.Body).Decode(response)
	if err != nil {
		return fmt.Errorf("failed to decode response: %v", err)
	}
	return nil
}

type idResponse struct {
	ID string `json:"id"`
}

func withLimit(path string, limit int) string {
	if limit <= 0 {
		return path
	}
	return path + "?limit=" + strconv.Itoa(limit)
}

func (c *Client) ListPosts(ctx context.Context, limit int) ([]minisocial.Record, error) {
	var posts []minisocial.Record
	err := c.HttpRequest(ctx, http.MethodGet, withLimit("/api/v1/posts", limit), nil, &posts)
	return posts, err
}

// CreatePost publishes a post as the token's user and returns its id.
func (c *Client) CreatePost(ctx context.Context, fields map[string]any) (string, error) {
	var res idResponse
	err := c.HttpRequest(ctx, http.MethodPost, "/api/v1/posts", fields, &res)
	return res.ID, err
}

func (c *Client) GetPost(ctx context.Context, id string) (minisocial.Record, error) {
	var post minisocial.Record
	err := c.HttpRequest(ctx, http.MethodGet, "/api/v1/posts/"+url.PathEscape(id), nil, &post)
	return post, err
}

func (c *Client) UpdatePost(ctx context.Context, id string, fields map[string]any) error {
	return c.HttpRequest(ctx, http.MethodPatch, "/api/v1/posts/"+url.PathEscape(id), fields, nil)
}

func (c *Client) DeletePost(ctx context.Context, id string) error {
	return c.HttpRequest(ctx, http.MethodDelete, "/api/v1/posts/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ApprovePost(ctx context.Context, id string) error {
	return c.HttpRequest(ctx, http.MethodPost, "/api/v1/posts/"+url.PathEscape(id)+"/approve", nil, nil)
}

func (c *Client) RejectPost(ctx context.Context, id, reason string) error {
	return c.HttpRequest(ctx, http.MethodPost, "/api/v1/posts/"+url.PathEscape(id)+"/reject", map[string]string{"reason": reason}, nil)
}

func (c *Client) FeaturePost(ctx context.Context, id string, featured bool) error {
	return c.HttpRequest(ctx, http.MethodPost, "/api/v1/posts/"+url.PathEscape(id)+"/featured", map[string]bool{"featured": featured}, nil)
}

func (c *Client) PendingPosts(ctx context.Context) ([]minisocial.Record, error) {
	var posts []minisocial.Record
	err := c.HttpRequest(ctx, http.MethodGet, "/api/v1/moderation/posts", nil, &posts)
	return posts, err
}

func (c *Client) ListComments(ctx context.Context, postID string) ([]minisocial.Record, error) {
	var comments []minisocial.Record
	err := c.HttpRequest(ctx, http.MethodGet, "/api/v1/posts/"+url.PathEscape(postID)+"/comments", nil, &comments)
	return comments, err
}

func (c *Client) AddComment(ctx context.Context, postID string, fields map[string]any) (string, error) {
	var res idResponse
	err := c.HttpRequest(ctx, http.MethodPost, "/api/v1/posts/"+url.PathEscape(postID)+"/comments", fields, &res)
	return res.ID, err
}

// GetOrCreateConversation returns the id of the conversation with peer.
func (c *Client) GetOrCreateConversation(ctx context.Context, peer string) (string, error) {
	var res idResponse
	err := c.HttpRequest(ctx, http.MethodPost, "/api/v1/conversations", map[string]string{"peer": peer}, &res)
	return res.ID, err
}

func (c *Client) SendMessage(ctx context.Context, conversationID, text string) (string, error) {
	var res idResponse
	err := c.HttpRequest(ctx, http.MethodPost, "/api/v1/conversations/"+url.PathEscape(conversationID)+"/messages", map[string]string{"text": text}, &res)
	return res.ID, err
}

func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]minisocial.Record, error) {
	var messages []minisocial.Record
	err := c.HttpRequest(ctx, http.MethodGet, withLimit("/api/v1/conversations/"+url.PathEscape(conversationID)+"/messages", limit), nil, &messages)
	return messages, err
}

// GetProfile reads a user profile. Profiles are cached for a minute.
func (c *Client) GetProfile(ctx context.Context, uid string) (minisocial.Record, error) {
	cacheKey := "profile:" + uid
	x, found := c.cache.Get(cacheKey)
	if found {
		return x.(minisocial.Record).Clone(), nil
	}

	var profile minisocial.Record
	err := c.HttpRequest(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(uid), nil, &profile)
	if err != nil {
		return minisocial.Record{}, err
	}

	c.cache.Set(cacheKey, profile, cache.DefaultExpiration)
	return profile.Clone(), nil
}

func (c *Client) UpdateProfile(ctx context.Context, uid string, fields map[string]any) error {
	defer c.cache.Delete("profile:" + uid)
	return c.HttpRequest(ctx, http.MethodPut, "/api/v1/users/"+url.PathEscape(uid), fields, nil)
}

func (c *Client) UpdateUserRole(ctx context.Context, uid, role string) error {
	defer c.cache.Delete("profile:" + uid)
	return c.HttpRequest(ctx, http.MethodPut, "/api/v1/users/"+url.PathEscape(uid)+"/role", map[string]string{"role": role}, nil)
}

type Me struct {
	ID          string   `json:"id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

func (c *Client) Me(ctx context.Context) (Me, error) {
	var me Me
	err := c.HttpRequest(ctx, http.MethodGet, "/api/v1/me", nil, &me)
	return me, err
}

// Snapshot is one update of a live query. Err is set when the server
// reported a failure for it.
type Snapshot struct {
	Records []minisocial.Record
	Err     *APIError
}

type frame struct {
	Type    string              `json:"type"`
	ID      string              `json:"id,omitempty"`
	Path    string              `json:"path,omitempty"`
	Key     string              `json:"key,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
	Records []minisocial.Record `json:"records,omitempty"`
	Error   *APIError           `json:"error,omitempty"`
}

// Stream is an open live query.
type Stream struct {
	conn   *websocket.Conn
	out    chan Snapshot
	cancel context.CancelFunc
	done   chan struct{}
}

// Snapshots is closed when the stream ends.
func (s *Stream) Snapshots() <-chan Snapshot {
	return s.out
}

func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

func (c *Client) realtimeURL() (string, error) {
	u, err := url.Parse(c.baseURL + "/realtime")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if token := c.bearer(); token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Subscribe opens a live query on path. key narrows it to one record and
// limit keeps only the newest records; both may be zero.
func (c *Client) Subscribe(ctx context.Context, path, key string, limit int) (*Stream, error) {
	target, err := c.realtimeURL()
	if err != nil {
		return nil, fmt.Errorf("failed to build realtime url: %v", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: defaultTimeout}
	conn, _, err := dialer.DialContext(ctx, target, http.Header{"User-Agent": []string{c.userAgent}})
	if err != nil {
		return nil, fmt.Errorf("failed to dial realtime: %v", err)
	}

	const id = "s"
	err = conn.WriteJSON(frame{Type: "subscribe", ID: id, Path: path, Key: key, Limit: limit})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		conn:   conn,
		out:    make(chan Snapshot, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	var writeMu sync.Mutex
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				writeMu.Lock()
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				writeMu.Unlock()
				conn.Close()
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteJSON(frame{Type: "h"})
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer close(s.done)
		defer close(s.out)
		defer cancel()
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				if ctx.Err() == nil {
					slog.Debug(
						"realtime stream ended",
						slog.String("path", path),
						slog.String("error", err.Error()),
						slog.String("module", "client"),
					)
				}
				return
			}
			if f.ID != id {
				continue
			}

			var snap Snapshot
			switch f.Type {
			case "snapshot":
				snap.Records = f.Records
			case "error":
				snap.Err = f.Error
			default:
				continue
			}

			select {
			case s.out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()

	return s, nil
}
