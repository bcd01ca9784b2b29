// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package remote provides the HTTP client for the conversation store and the
// streaming completion endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/wgj/homelab-gpt/internal/model"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError represents an error from the remote store client.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// Is matches on error type so sentinels compare with errors.Is.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeUnreachable
	ErrTypeTimeout
	ErrTypeNotFound
	ErrTypeInvalidResponse
	ErrTypeCancelled
)

// Sentinel errors for easy checking.
var (
	ErrUnreachable = &ClientError{Type: ErrTypeUnreachable, Message: "remote store is unreachable"}
	ErrTimeout     = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
	ErrNotFound    = &ClientError{Type: ErrTypeNotFound, Message: "conversation not found"}
	ErrCancelled   = &ClientError{Type: ErrTypeCancelled, Message: "request cancelled"}
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration options for the remote client.
type ClientConfig struct {
	// BaseURL is the remote store base URL (default: http://127.0.0.1:8080)
	BaseURL string

	// StreamPath is the path of the duplex completion endpoint
	// (default: /stream/chat)
	StreamPath string

	// Timeout for non-streaming requests (default: 30s)
	Timeout time.Duration

	// PushesPerSecond bounds conversation upserts so flush storms never
	// hammer the store (default: 2/s, burst 1)
	PushesPerSecond float64
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:         "http://127.0.0.1:8080",
		StreamPath:      "/stream/chat",
		Timeout:         30 * time.Second,
		PushesPerSecond: 2,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the remote conversation store. It is safe for concurrent
// use.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	pushLimit  *rate.Limiter
}

// NewClient creates a remote client with default configuration.
func NewClient() *Client {
	return NewClientWithConfig(DefaultConfig())
}

// NewClientWithConfig creates a remote client with custom configuration.
func NewClientWithConfig(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://127.0.0.1:8080"
	}
	if config.StreamPath == "" {
		config.StreamPath = "/stream/chat"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.PushesPerSecond == 0 {
		config.PushesPerSecond = 2
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		pushLimit: rate.NewLimiter(rate.Limit(config.PushesPerSecond), 1),
	}
}

// GetConfig returns the client configuration.
func (c *Client) GetConfig() *ClientConfig {
	return c.config
}

// =============================================================================
// BOOTSTRAP
// =============================================================================

// BootstrapData is the read-only reference data fetched once at startup.
type BootstrapData struct {
	Models []model.Info `json:"models"`
	Users  []model.User `json:"users"`
}

// Bootstrap fetches the model descriptors and known users.
func (c *Client) Bootstrap(ctx context.Context) (*BootstrapData, error) {
	var data BootstrapData
	if err := c.doJSON(ctx, http.MethodGet, "/bootstrap", nil, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// =============================================================================
// CONVERSATION OPERATIONS
// =============================================================================

// ListConversations returns the server-known conversations for a user. The
// returned conversations are stubs: listed metadata only, not Loaded.
func (c *Client) ListConversations(ctx context.Context, userID string) ([]*model.Conversation, error) {
	req := struct {
		UserID string `json:"user_id"`
	}{UserID: userID}

	var resp struct {
		Conversations []*model.Conversation `json:"conversations"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/conversations", req, &resp); err != nil {
		return nil, err
	}

	for _, conv := range resp.Conversations {
		conv.EnsureKey()
	}
	return resp.Conversations, nil
}

// GetConversation fetches one full conversation by server ID.
func (c *Client) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := c.doJSON(ctx, http.MethodGet, "/conversation/"+url.PathEscape(id), nil, &conv); err != nil {
		return nil, err
	}
	conv.Loaded = true
	conv.EnsureKey()
	return &conv, nil
}

// PutConversation upserts the full conversation. Calls are rate limited;
// waiting respects ctx.
func (c *Client) PutConversation(ctx context.Context, conv *model.Conversation) error {
	if err := c.pushLimit.Wait(ctx); err != nil {
		return ErrCancelled
	}
	return c.doJSON(ctx, http.MethodPost, "/conversation", conv, nil)
}

// DeleteConversation removes a conversation by server ID.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/conversation/"+url.PathEscape(id), nil, nil)
}

// =============================================================================
// REQUEST PLUMBING
// =============================================================================

// doJSON performs one JSON request/response round trip against the store.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return &ClientError{Type: ErrTypeUnreachable, Message: "failed to create request", Cause: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return &ClientError{
			Type:    ErrTypeInvalidResponse,
			Message: "remote store returned " + resp.Status,
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	return nil
}

// transportError maps a transport failure onto the error taxonomy.
func transportError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return &ClientError{Type: ErrTypeUnreachable, Message: "remote store is unreachable", Cause: err}
	}
}

// IsNotFound checks if an error is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCancelled checks if an error is a cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
