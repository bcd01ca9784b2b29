// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for users, conversations and messages.
package model

import (
	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
//
// The ID is assigned at creation time and never changes. During streaming the
// message value may be replaced wholesale (a new value with the same ID at the
// same position), but it is never mutated field-by-field by two writers.
type Message struct {
	// Identity
	ID   string `json:"id"`
	Role Role   `json:"role"`

	// Content may be empty while an exchange is still streaming into it.
	Content string `json:"content,omitempty"`

	// Token accounting, reported by the completion service.
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`

	// FinishReason is set by the completion service on the final frame.
	FinishReason string `json:"finish_reason,omitempty"`

	// Error carries a human-readable transport failure, shown in place of
	// content when an exchange dies mid-stream.
	Error string `json:"error,omitempty"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Role:    role,
		Content: content,
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantPlaceholder creates the provisional assistant message an
// exchange streams into. The ID is stable for the life of the exchange.
func NewAssistantPlaceholder() *Message {
	return NewMessage(RoleAssistant, "…")
}

// Clone returns a copy of the message.
func (m *Message) Clone() *Message {
	cp := *m
	return &cp
}

// WithError returns a fresh copy of the message carrying an error string.
// ID, role and content are preserved so the message keeps its identity and
// position in the conversation.
func (m *Message) WithError(errText string) *Message {
	cp := *m
	cp.Error = errText
	return &cp
}

// HasContent reports whether the message carries visible text.
func (m *Message) HasContent() bool {
	return m.Content != ""
}

// Preview returns the first maxRunes runes of the content.
func (m *Message) Preview(maxRunes int) string {
	return TruncateRunes(m.Content, maxRunes)
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// TruncateRunes returns the first max runes of s, with no ellipsis. Label
// derivation depends on the exact cut, so callers get precisely max runes.
func TruncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
