// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for users, conversations and messages.
package model

// =============================================================================
// USER TYPE
// =============================================================================

// User identifies the person owning conversations. Identity is assigned by
// the remote store and immutable once created.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Credential is the user's API credential, if one is configured.
	Credential string `json:"credential,omitempty"`
}

// =============================================================================
// MODEL DESCRIPTOR
// =============================================================================

// Info describes one completion model. Read-only reference data fetched once
// at startup; the session never mutates it.
type Info struct {
	Label     string `json:"label"`
	ID        string `json:"id"`
	MaxTokens int    `json:"max_tokens"`
}
