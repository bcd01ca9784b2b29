// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for users, conversations and messages.
package model

import (
	"github.com/google/uuid"
)

// LabelRunes is how many runes of prompt or message text a derived
// conversation label keeps.
const LabelRunes = 200

// DefaultLabel is the label for a conversation with no derivable name.
const DefaultLabel = "New Chat"

// =============================================================================
// GENERATION SETTINGS
// =============================================================================

// GenerationSettings holds the per-conversation completion parameters.
// Settings are owned by exactly one conversation and copied, never shared,
// when a conversation is duplicated.
type GenerationSettings struct {
	// Determinism is the 0-100 user-facing dial, inversely mapped to
	// generation temperature.
	Determinism int `json:"determinism"`

	// MaxTokens caps the completion length.
	MaxTokens int `json:"max_tokens"`

	// Model is the identifier of the completion model.
	Model string `json:"model"`

	// Prompt is the system prompt sent with every exchange.
	Prompt string `json:"prompt,omitempty"`

	// Credential is the API credential used for exchanges, if any.
	Credential string `json:"credential,omitempty"`
}

// Temperature converts the determinism dial to a generation temperature.
// Determinism 100 maps to 0.0 and determinism 0 maps to 2.0.
func (s GenerationSettings) Temperature() float64 {
	return float64(100-s.Determinism) / 100 * 2
}

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds one ordered chat thread and its generation settings.
//
// ID is assigned only when the conversation is first persisted to the remote
// store; a local-only draft has an empty ID and must not appear in
// server-indexed lookups. Loaded distinguishes a locally complete conversation
// from a stub fetched by listing only.
type Conversation struct {
	// Identity
	ID     string `json:"id,omitempty"`
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`

	// Messages in order.
	Messages []*Message `json:"messages"`

	// Settings are owned by this conversation.
	Settings GenerationSettings `json:"settings"`

	// TemporaryName is the fallback label carried before a real name exists.
	TemporaryName string `json:"temporary_name,omitempty"`

	// Loaded is true once all messages are materialized locally. Stubs from
	// a list fetch are not loaded. Runtime state, never persisted.
	Loaded bool `json:"-"`

	// Key is the client-local arena index for this conversation. It exists
	// so current/stash references survive list replacement and deletion
	// without comparing raw pointers. Never persisted, never sent upstream.
	Key string `json:"-"`
}

// NewConversation creates an empty, locally complete conversation with no
// server identity.
func NewConversation() *Conversation {
	return &Conversation{
		Messages: make([]*Message, 0),
		Loaded:   true,
		Key:      uuid.NewString(),
	}
}

// EnsureKey assigns a client-local key if the conversation does not have one,
// e.g. after deserialization from the snapshot or a remote fetch.
func (c *Conversation) EnsureKey() {
	if c.Key == "" {
		c.Key = uuid.NewString()
	}
}

// =============================================================================
// LABEL DERIVATION
// =============================================================================

// Label derives the display label. Priority is a hard contract: explicit
// name, then the first LabelRunes runes of the system prompt, then the first
// LabelRunes runes of the first message with text, then the temporary name,
// then DefaultLabel.
func (c *Conversation) Label() string {
	if c.Name != "" {
		return c.Name
	}
	if c.Settings.Prompt != "" {
		return TruncateRunes(c.Settings.Prompt, LabelRunes)
	}
	for _, msg := range c.Messages {
		if msg.HasContent() {
			return TruncateRunes(msg.Content, LabelRunes)
		}
	}
	if c.TemporaryName != "" {
		return c.TemporaryName
	}
	return DefaultLabel
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// InsertMessage inserts msg after the given message, or appends when after is
// nil or not found.
func (c *Conversation) InsertMessage(after *Message, msg *Message) {
	if after != nil {
		if i := c.indexOf(after.ID); i >= 0 {
			c.Messages = append(c.Messages, nil)
			copy(c.Messages[i+2:], c.Messages[i+1:])
			c.Messages[i+1] = msg
			return
		}
	}
	c.Messages = append(c.Messages, msg)
}

// RemoveMessage removes the message with msg's ID. Returns false when the
// message is not part of the conversation.
func (c *Conversation) RemoveMessage(msg *Message) bool {
	i := c.indexOf(msg.ID)
	if i < 0 {
		return false
	}
	c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
	return true
}

// TruncateAfter removes every message from msg's position to the end,
// inclusive. A message that is not found leaves the conversation untouched.
func (c *Conversation) TruncateAfter(msg *Message) bool {
	i := c.indexOf(msg.ID)
	if i < 0 {
		return false
	}
	c.Messages = c.Messages[:i]
	return true
}

// ReplaceMessage swaps the message holding msg's ID for msg, keeping its
// position. Used by the streaming controller, which replaces the in-flight
// message wholesale on every frame. Returns false when no message has the ID.
func (c *Conversation) ReplaceMessage(msg *Message) bool {
	i := c.indexOf(msg.ID)
	if i < 0 {
		return false
	}
	c.Messages[i] = msg
	return true
}

// MessageByID returns the message with the given ID, or nil.
func (c *Conversation) MessageByID(id string) *Message {
	if i := c.indexOf(id); i >= 0 {
		return c.Messages[i]
	}
	return nil
}

// HistoryTo returns the message prefix up to and including msg. When msg is
// nil or absent the full history is returned.
func (c *Conversation) HistoryTo(msg *Message) []*Message {
	if msg != nil {
		if i := c.indexOf(msg.ID); i >= 0 {
			return c.Messages[:i+1]
		}
	}
	return c.Messages
}

// MessageCount returns the number of messages.
func (c *Conversation) MessageCount() int {
	return len(c.Messages)
}

// IsEmpty returns true if there are no messages.
func (c *Conversation) IsEmpty() bool {
	return len(c.Messages) == 0
}

func (c *Conversation) indexOf(id string) int {
	for i, msg := range c.Messages {
		if msg.ID == id {
			return i
		}
	}
	return -1
}

// =============================================================================
// COPYING
// =============================================================================

// Clone creates a deep copy of the conversation under a fresh client-local
// key. Settings are value-copied, never shared.
func (c *Conversation) Clone() *Conversation {
	clone := &Conversation{
		ID:            c.ID,
		UserID:        c.UserID,
		Name:          c.Name,
		Settings:      c.Settings,
		TemporaryName: c.TemporaryName,
		Loaded:        c.Loaded,
		Key:           uuid.NewString(),
		Messages:      make([]*Message, len(c.Messages)),
	}
	for i, msg := range c.Messages {
		clone.Messages[i] = msg.Clone()
	}
	return clone
}
