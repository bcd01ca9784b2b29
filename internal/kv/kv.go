// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package kv provides the durable local key-value store backing the session
// snapshot cache.
package kv

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// DB is a small wrapper around a pebble database. The session engine needs
// only point reads and synced point writes, so that is all DB exposes.
type DB struct {
	db *pebble.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*DB, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open kv store at %s: %w", path, err)
	}
	return &DB{db: db}, nil
}

// Get returns the value stored under key. The second return value is false
// when the key is absent.
func (d *DB) Get(key string) ([]byte, bool, error) {
	val, closer, err := d.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kv get %q: %w", key, err)
	}
	defer closer.Close()

	// The slice is only valid until closer.Close, so copy out.
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

// Set stores value under key, synced to disk before returning. The snapshot
// is the only durable artifact the client has, so every write is durable.
func (d *DB) Set(key string, value []byte) error {
	if err := d.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("kv set %q: %w", key, err)
	}
	return nil
}

// Delete removes key, synced. Deleting an absent key is not an error.
func (d *DB) Delete(key string) error {
	if err := d.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	return nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}
