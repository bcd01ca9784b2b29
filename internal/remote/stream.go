// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/wgj/homelab-gpt/internal/model"
)

// =============================================================================
// STREAM REQUEST
// =============================================================================

// ChatRequest is the single client frame opening one streaming exchange.
type ChatRequest struct {
	// Messages is the history the completion is conditioned on.
	Messages []*model.Message `json:"messages"`

	// Model is the completion model identifier.
	Model string `json:"model"`

	// Temperature is the generation temperature in [0, 2].
	Temperature float64 `json:"temperature"`

	// Prompt is the system prompt.
	Prompt string `json:"prompt"`

	// ID identifies the target message the server frames replace.
	ID string `json:"id"`

	// MaxTokens caps the completion length.
	MaxTokens int `json:"max_tokens"`

	// Continuation seeds the completion with already-generated text when
	// regenerating mid-conversation.
	Continuation string `json:"continuation"`

	// Credential is the API credential, if one is configured.
	Credential string `json:"credential,omitempty"`
}

// FrameFunc is called for each server frame. Every frame is a full
// replacement value for the exchange's target message, not a delta.
type FrameFunc func(msg model.Message)

// =============================================================================
// STREAMING EXCHANGE
// =============================================================================

// StreamChat opens one streaming exchange: the request frame is sent, then
// zero or more response frames arrive until the server closes the stream.
// A clean close returns nil; transport failures and context cancellation
// surface as ClientError. The callback runs synchronously in frame order.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest, onFrame FrameFunc) error {
	body, err := json.Marshal(req)
	if err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	// No client timeout while streaming; lifetime is owned by ctx.
	streamClient := &http.Client{}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+c.config.StreamPath, bytes.NewReader(body))
	if err != nil {
		return &ClientError{Type: ErrTypeUnreachable, Message: "failed to create request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := streamClient.Do(httpReq)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ClientError{
			Type:    ErrTypeInvalidResponse,
			Message: "stream request failed: " + resp.Status,
		}
	}

	return readFrames(ctx, resp.Body, onFrame)
}

// readFrames parses newline-delimited JSON frames until EOF. Either side may
// close the stream; EOF is natural completion, not an error.
func readFrames(ctx context.Context, r io.Reader, onFrame FrameFunc) error {
	reader := bufio.NewReader(r)
	for {
		select {
		case <-ctx.Done():
			return ErrCancelled
		default:
		}

		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var msg model.Message
			if jsonErr := json.Unmarshal(line, &msg); jsonErr == nil {
				onFrame(msg)
			}
			// Malformed frames are skipped, matching the store's lenient
			// list handling: one bad frame must not kill the exchange.
		}

		if err != nil {
			if err == io.EOF {
				return nil
			}
			return transportError(err)
		}
	}
}
