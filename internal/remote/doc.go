// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package remote implements the HTTP client for the two upstream
// collaborators of the session engine:
//
//   - the conversation store (list, fetch, upsert, delete, bootstrap), plain
//     JSON request/response over the endpoints under the configured base URL;
//   - the streaming completion endpoint, which accepts one request frame and
//     answers with newline-delimited JSON frames, each a full replacement
//     value for the exchange's target message.
//
// Errors follow a small taxonomy (ClientError with an ErrorType plus
// sentinels) so callers can branch with errors.Is without string matching.
// Conversation upserts are rate limited because the persistence cache pushes
// on every flush during streaming.
//
// The client never touches session state; cancellation, busy flags and
// message routing belong to the session package.
package remote
