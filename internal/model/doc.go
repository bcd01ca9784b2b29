// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared by the session engine:
// users, model descriptors, conversations, messages and generation settings.
//
// The types here are plain data with small, allocation-free helpers. All
// cross-component behavior (reconciliation, streaming, persistence) lives in
// the packages that own it; model stays dependency-free apart from ID
// generation.
//
// Two invariants matter to every caller:
//
//   - A message ID is assigned at creation and never changes, even when the
//     streaming controller replaces the message value wholesale.
//   - A conversation ID is assigned only once the conversation is persisted
//     to the remote store. Drafts carry an empty ID and are cached locally
//     only.
package model
