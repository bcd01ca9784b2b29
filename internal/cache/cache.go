// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache persists the current session snapshot to durable local
// storage on a debounced schedule.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/wgj/homelab-gpt/internal/kv"
	"github.com/wgj/homelab-gpt/internal/migrate"
	"github.com/wgj/homelab-gpt/internal/model"
	"github.com/wgj/homelab-gpt/internal/remote"
)

// SnapshotKey is the single durable entry holding the serialized session.
const SnapshotKey = "appData"

// DefaultDebounce is the default flush delay. Long enough to absorb a burst
// of streaming frames, short enough that little is lost on a crash.
const DefaultDebounce = time.Second

// pushTimeout bounds the upstream push so a stuck store cannot wedge the
// flush goroutine.
const pushTimeout = 10 * time.Second

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is the only durable artifact: the active user and the cached
// conversation, overwritten in place on every flush.
type Snapshot struct {
	Conversation *model.Conversation `json:"conversation"`
	User         *model.User         `json:"user"`
	Version      int                 `json:"version"`
}

// =============================================================================
// FLUSH SOURCE
// =============================================================================

// State is what one flush works from. Current and Stash are copies owned by
// the flusher; the source must hand out stable values, not live pointers, so
// a flush in flight never races a streaming frame.
type State struct {
	User         *model.User
	Current      *model.Conversation
	Stash        *model.Conversation
	SaveEligible bool
}

// Source supplies flush state. The session manager implements it; the
// implementation is expected to refresh derived state (the display label of a
// save-eligible conversation) before handing the state out.
type Source interface {
	FlushState() State
}

// =============================================================================
// STORE
// =============================================================================

// Store owns the debounced flush schedule and the durable snapshot entry.
type Store struct {
	db     *kv.DB
	remote *remote.Client
	source Source
	delay  time.Duration

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewStore creates a persistence cache. remote may be nil when the session
// runs purely offline; eligible conversations are then cached locally only.
func NewStore(db *kv.DB, rc *remote.Client, source Source, delay time.Duration) *Store {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Store{
		db:     db,
		remote: rc,
		source: source,
		delay:  delay,
	}
}

// =============================================================================
// FLUSH SCHEDULING
// =============================================================================

// ScheduleFlush coalesces repeated calls: any pending scheduled flush is
// cancelled and replaced, so a burst of dirty signals collapses into a single
// flush after the debounce window. immediate flushes on the next tick.
func (s *Store) ScheduleFlush(immediate bool) {
	delay := s.delay
	if immediate {
		delay = 0
	}

	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, func() {
		if err := s.Flush(); err != nil {
			log.Printf("session flush failed: %v", err)
		}
	})
}

// Flush writes the snapshot and, when the current conversation is
// save-eligible, pushes it upstream. The local write always happens first and
// is never rolled back; a failed push is logged and retried by whichever
// mutation schedules the next flush.
func (s *Store) Flush() error {
	st := s.source.FlushState()

	// The stashed draft is what must survive a restart when the current
	// conversation already lives on the server.
	cached := st.Current
	if st.SaveEligible && st.Stash != nil {
		cached = st.Stash
	}

	data, err := json.Marshal(Snapshot{
		Conversation: cached,
		User:         st.User,
		Version:      migrate.CurrentVersion,
	})
	if err != nil {
		return fmt.Errorf("serialize snapshot: %w", err)
	}
	if err := s.db.Set(SnapshotKey, data); err != nil {
		return err
	}

	if st.SaveEligible && s.remote != nil {
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		if err := s.remote.PutConversation(ctx, st.Current); err != nil {
			// Local write already succeeded; the push is best-effort.
			log.Printf("push conversation %s failed: %v", st.Current.ID, err)
		}
	}
	return nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load deserializes a session snapshot. A nil raw reads the durable entry; an
// absent entry yields an empty default session. The blob runs through the
// schema migrator first, and a present conversation comes back Loaded.
func (s *Store) Load(raw []byte) (*model.User, *model.Conversation, error) {
	if raw == nil {
		stored, ok, err := s.db.Get(SnapshotKey)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, model.NewConversation(), nil
		}
		raw = stored
	}

	migrated, err := migrate.Apply(raw)
	if err != nil {
		return nil, nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(migrated, &snap); err != nil {
		return nil, nil, fmt.Errorf("deserialize snapshot: %w", err)
	}

	conv := snap.Conversation
	if conv == nil {
		conv = model.NewConversation()
	} else {
		conv.Loaded = true
		conv.EnsureKey()
	}
	return snap.User, conv, nil
}

// TryLoad is Load with a safety net: any failure logs and falls back to a
// brand-new empty session instead of surfacing an error.
func (s *Store) TryLoad() (*model.User, *model.Conversation) {
	user, conv, err := s.Load(nil)
	if err != nil {
		log.Printf("discarding unreadable session snapshot: %v", err)
		return nil, model.NewConversation()
	}
	return user, conv
}

// Stop cancels any pending scheduled flush without running it.
func (s *Store) Stop() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
