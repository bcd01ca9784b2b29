// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache is the local persistence layer of the session engine.
//
// Exactly one serialized snapshot lives in the durable key-value store,
// under a fixed key, and is overwritten in place on every flush. Flushes are
// debounced with a single-slot timer: scheduling a flush cancels and replaces
// any pending one, which bounds write amplification while an exchange streams
// token by token.
//
// A flush also pushes the current conversation to the remote store when it is
// save-eligible. The ordering contract is strict: the local write has already
// completed by the time the push is attempted, and a push failure never rolls
// it back.
//
// Loading runs the snapshot through the schema migrator and falls back to an
// empty session on any deserialization failure; a corrupt cache costs the
// previous session, never a crash.
package cache
