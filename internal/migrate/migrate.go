// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package migrate upgrades persisted session blobs across schema versions.
package migrate

import (
	"encoding/json"
	"fmt"
)

// CurrentVersion is the schema version written by the persistence cache.
const CurrentVersion = 3

// =============================================================================
// HISTORICAL SHAPES
// =============================================================================

// conversationV1 is the schema-1/2 top-level blob: a bare conversation with
// the version tag inline. Fields not touched by any migration step are
// carried through as raw JSON so a step never invents or loses data it does
// not own.
type conversationV1 struct {
	Version       int             `json:"version,omitempty"`
	ID            string          `json:"id,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	Name          string          `json:"name,omitempty"`
	TemporaryName string          `json:"temporary_name,omitempty"`
	Messages      []messageV1     `json:"messages"`
	Settings      json.RawMessage `json:"settings,omitempty"`
}

// messageV1 is the schema-1 message. Tokens is the combined token-cost
// counter that schema 2 splits; a pointer distinguishes "absent" from zero.
type messageV1 struct {
	ID               string `json:"id"`
	Role             string `json:"role"`
	Content          string `json:"content,omitempty"`
	Tokens           *int   `json:"tokens,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	FinishReason     string `json:"finish_reason,omitempty"`
	Error            string `json:"error,omitempty"`
}

// snapshotV3 is the current top-level blob: the conversation wrapped together
// with the active user.
type snapshotV3 struct {
	Conversation json.RawMessage `json:"conversation"`
	User         json.RawMessage `json:"user"`
	Version      int             `json:"version"`
}

// =============================================================================
// MIGRATION
// =============================================================================

// Apply upgrades a persisted blob of unknown prior version to the current
// schema. Migrations are monotonic: each known step raises the version by
// one, and a blob whose version is missing or unknown passes through
// untouched. Re-applying Apply to already-migrated data is a no-op because
// every step is guarded by the version tag, never by blob shape.
func Apply(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	var tag struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("unreadable snapshot: %w", err)
	}

	version := tag.Version
	var err error

	if version == 1 {
		raw, err = splitTokenCounter(raw)
		if err != nil {
			return nil, err
		}
		version = 2
	}

	if version == 2 {
		raw, err = wrapConversation(raw)
		if err != nil {
			return nil, err
		}
		version = 3
	}

	return raw, nil
}

// splitTokenCounter is the 1 -> 2 step: the combined per-message "tokens"
// counter becomes the completion-token counter and the original field is
// cleared.
func splitTokenCounter(raw []byte) ([]byte, error) {
	var conv conversationV1
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("schema 1 conversation: %w", err)
	}

	for i := range conv.Messages {
		if conv.Messages[i].Tokens != nil {
			conv.Messages[i].CompletionTokens = *conv.Messages[i].Tokens
			conv.Messages[i].Tokens = nil
		}
	}

	conv.Version = 2
	return json.Marshal(conv)
}

// wrapConversation is the 2 -> 3 step: the top-level blob, until now a bare
// conversation, becomes {conversation, user: none, version: 3}. The inline
// version tag moves to the wrapper.
func wrapConversation(raw []byte) ([]byte, error) {
	var conv conversationV1
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("schema 2 conversation: %w", err)
	}

	conv.Version = 0 // tag now lives on the wrapper
	inner, err := json.Marshal(conv)
	if err != nil {
		return nil, err
	}

	return json.Marshal(snapshotV3{
		Conversation: inner,
		User:         json.RawMessage("null"),
		Version:      CurrentVersion,
	})
}
