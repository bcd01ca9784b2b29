// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session is the heart of the client: a mutex-guarded Manager that
// owns the conversation list, the current/stashed-draft references, the
// active user, and the single in-flight streaming exchange.
//
// All mutation happens under the manager lock; the registered change
// callback is always invoked outside it, after the mutation is visible. Any
// operation that crosses an asynchronous boundary (a remote fetch, a stream)
// notifies optimistically before the call and again when the result lands,
// re-validating that the session still points where it did when the call
// started.
//
// Persistence is delegated to the cache package: the manager implements
// cache.Source and hands the flusher cloned copies of its state, so a flush
// on the timer goroutine never races a streaming frame.
package session
