// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package migrate contains the schema migrator for the locally cached
// session snapshot.
//
// The migrator is a pure function over raw JSON: version-tagged blob in,
// version-tagged blob out. Historical shapes are spelled out as explicit Go
// types so each upgrade step is a closed, testable transform; adding schema
// version N+1 means adding one shape and one step, nothing else changes.
//
// Known steps:
//
//	1 -> 2  per-message combined "tokens" counter renamed to
//	        "completion_tokens"
//	2 -> 3  bare conversation wrapped into {conversation, user, version}
//
// A missing or unknown version is treated as nothing-to-do, never an error.
package migrate
