package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"portalchat/internal/domain"
	"portalchat/internal/wire"
)

// Config tunes the REST collaborator client.
type Config struct {
	BaseURL         string
	Token           string
	Timeout         time.Duration
	RetryMaxElapsed time.Duration
	Logger          *zap.SugaredLogger
}

// Client talks to the portal's chat REST surface: conversation CRUD,
// history fetches, preferences and voice-note uploads. The live channel
// handles everything message-shaped; nothing here blocks the engine.
type Client struct {
	base  string
	token string
	http  *http.Client
	retry time.Duration
	log   *zap.SugaredLogger
}

func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryMaxElapsed == 0 {
		cfg.RetryMaxElapsed = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    16,
		IdleConnTimeout: 90 * time.Second,
	}
	return &Client{
		base:  cfg.BaseURL,
		token: cfg.Token,
		http:  &http.Client{Transport: tr, Timeout: cfg.Timeout},
		retry: cfg.RetryMaxElapsed,
		log:   cfg.Logger,
	}
}

// SetToken installs the bearer token after login.
func (c *Client) SetToken(token string) { c.token = token }

// Session is the authenticated identity returned by Login.
type Session struct {
	Token string             `json:"token"`
	Self  domain.Participant `json:"user"`
}

// Login exchanges credentials for a token and the caller's identity.
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}
	var s Session
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/login", body, &s); err != nil {
		return nil, err
	}
	c.token = s.Token
	return &s, nil
}

// Conversations fetches the roster, archived or active.
func (c *Client) Conversations(ctx context.Context, archived bool) ([]*domain.Conversation, error) {
	path := "/api/chats"
	if archived {
		path += "?archived=true"
	}
	var out []*domain.Conversation
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages fetches a conversation's visible history, oldest first. Records
// the user hid are already filtered out server-side.
func (c *Client) Messages(ctx context.Context, conversationID int64) ([]*domain.Message, error) {
	var raw []wire.Message
	path := fmt.Sprintf("/api/chats/%d/messages", conversationID)
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, err
	}
	msgs := make([]*domain.Message, len(raw))
	for i, m := range raw {
		msgs[i] = m.ToDomain()
	}
	return msgs, nil
}

// CreateDirect opens (or returns the existing) direct conversation with an
// office.
func (c *Client) CreateDirect(ctx context.Context, officeID int64) (*domain.Conversation, error) {
	body := map[string]int64{"office_id": officeID}
	var conv domain.Conversation
	if err := c.doJSON(ctx, http.MethodPost, "/api/chats/direct", body, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateGroup creates a named group with the caller as admin.
func (c *Client) CreateGroup(ctx context.Context, name string, officeIDs []int64) (*domain.Conversation, error) {
	body := map[string]any{"name": name, "office_ids": officeIDs}
	var conv domain.Conversation
	if err := c.doJSON(ctx, http.MethodPost, "/api/chats/group", body, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// AddMembers adds offices to a group. The server enforces the admin check
// again regardless of the client-side guard.
func (c *Client) AddMembers(ctx context.Context, conversationID int64, officeIDs []int64) (*domain.Conversation, error) {
	body := map[string]any{"office_ids": officeIDs}
	path := fmt.Sprintf("/api/chats/%d/members", conversationID)
	var conv domain.Conversation
	if err := c.doJSON(ctx, http.MethodPost, path, body, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Leave removes the caller from a group.
func (c *Client) Leave(ctx context.Context, conversationID int64) error {
	path := fmt.Sprintf("/api/chats/%d/members/me", conversationID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// Delete removes a conversation for everyone. Group deletion is admin-only.
func (c *Client) Delete(ctx context.Context, conversationID int64) error {
	path := fmt.Sprintf("/api/chats/%d", conversationID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// Preferences are the per-user roster flags persisted server-side.
type Preferences struct {
	Pinned   *bool `json:"pinned,omitempty"`
	Archived *bool `json:"archived,omitempty"`
}

// UpdatePreferences persists pin/archive flags for a conversation.
func (c *Client) UpdatePreferences(ctx context.Context, conversationID int64, prefs Preferences) error {
	path := fmt.Sprintf("/api/chats/%d/preferences", conversationID)
	return c.doJSON(ctx, http.MethodPatch, path, prefs, nil)
}

// UploadVoiceNote streams an audio blob and returns its served path for use
// in a subsequent send.
func (c *Client) UploadVoiceNote(ctx context.Context, filename string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("voice_note", filename)
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("copy upload payload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finalize upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/uploads/voice", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := statusToErr(resp); err != nil {
		return "", err
	}
	var out struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return out.Path, nil
}

// getJSON performs an idempotent GET with exponential-backoff retry on
// transport errors and 5xx responses.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		c.authorize(req)
		resp, err := c.http.Do(req)
		if err != nil {
			c.log.Debugw("request failed, retrying", "path", path, "err", err)
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("server error: %s", resp.Status)
		}
		if err := statusToErr(resp); err != nil {
			return backoff.Permanent(err)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s response: %w", path, err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.retry
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

// doJSON performs a non-idempotent request exactly once.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := statusToErr(resp); err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// statusToErr maps HTTP failures onto the domain sentinels so callers can
// branch with errors.Is.
func statusToErr(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(data, &payload)
	msg := payload.Error
	if msg == "" {
		msg = resp.Status
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		sentinel = domain.ErrUnauthorized
	case http.StatusForbidden:
		sentinel = domain.ErrForbidden
	case http.StatusNotFound:
		sentinel = domain.ErrNotFound
	case http.StatusConflict:
		sentinel = domain.ErrConflict
	case http.StatusBadRequest:
		sentinel = domain.ErrInvalidInput
	default:
		return fmt.Errorf("request failed: %s", msg)
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}
