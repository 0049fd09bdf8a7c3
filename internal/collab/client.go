// Package collab is the HTTP client for the conversation service, which owns
// conversations, activities and channel configuration.
package collab

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

	"wapipe/internal/domain"
	"wapipe/internal/providers"
)

type Client struct {
	BaseURL    string
	Token      string
	HTTP       *http.Client
	MaxRetries int
}

func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTP:       &http.Client{Timeout: timeout},
		MaxRetries: 2,
	}
}

// StatusError is a non-2xx answer from the conversation service.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: string(b)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// get retries transient failures; lookups are safe to repeat.
func (c *Client) get(ctx context.Context, path string, out any) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = c.do(ctx, http.MethodGet, path, nil, out)
		status := 0
		var se *StatusError
		if errors.As(err, &se) {
			status = se.Status
		}
		if err == nil || errors.Is(err, domain.ErrNotFound) || attempt >= c.MaxRetries || !providers.ShouldRetry(err, status) {
			return err
		}
		t := time.NewTimer(providers.Backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

func (c *Client) GetChannelConfig(ctx context.Context, token string) (domain.ChannelConfig, error) {
	var cfg domain.ChannelConfig
	err := c.get(ctx, "/v1/channels/"+url.PathEscape(token), &cfg)
	return cfg, err
}

func (c *Client) FindOpen(ctx context.Context, channelToken, memberID string) (domain.Conversation, bool, error) {
	q := url.Values{"channelToken": {channelToken}, "memberId": {memberID}}
	var conv domain.Conversation
	err := c.get(ctx, "/v1/conversations/open?"+q.Encode(), &conv)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Conversation{}, false, nil
	}
	return conv, err == nil, err
}

func (c *Client) FindAnyMember(ctx context.Context, channelToken string, memberIDs []string) (domain.Conversation, bool, error) {
	q := url.Values{"channelToken": {channelToken}, "memberId": memberIDs}
	var conv domain.Conversation
	err := c.get(ctx, "/v1/conversations/open?"+q.Encode(), &conv)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Conversation{}, false, nil
	}
	return conv, err == nil, err
}

type createRequest struct {
	ChannelToken string `json:"channelToken"`
	MemberID     string `json:"memberId"`
	MemberName   string `json:"memberName,omitempty"`
}

type createResponse struct {
	Conversation  domain.Conversation `json:"conversation"`
	StartActivity *domain.Activity    `json:"startActivity,omitempty"`
}

func (c *Client) Create(ctx context.Context, channelToken, memberID, memberName string) (domain.Conversation, *domain.Activity, error) {
	var out createResponse
	err := c.do(ctx, http.MethodPost, "/v1/conversations", createRequest{ChannelToken: channelToken, MemberID: memberID, MemberName: memberName}, &out)
	return out.Conversation, out.StartActivity, err
}

func (c *Client) Invalidate(ctx context.Context, conversationID, reason string) error {
	return c.do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/invalidate", map[string]string{"reason": reason}, nil)
}

func (c *Client) MarkFirstDelivered(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/first-delivered", nil, nil)
}

func (c *Client) Heartbeat(ctx context.Context, conversationID string, kind domain.HeartbeatKind) error {
	return c.do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/heartbeat", map[string]string{"kind": string(kind)}, nil)
}

func (c *Client) Append(ctx context.Context, act domain.Activity) error {
	return c.do(ctx, http.MethodPost, "/v1/activities", act, nil)
}

func (c *Client) Start(ctx context.Context, start, trigger domain.Activity) error {
	return c.do(ctx, http.MethodPost, "/v1/activities/start", map[string]domain.Activity{"start": start, "trigger": trigger}, nil)
}
