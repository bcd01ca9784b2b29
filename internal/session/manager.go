// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wgj/homelab-gpt/internal/cache"
	"github.com/wgj/homelab-gpt/internal/kv"
	"github.com/wgj/homelab-gpt/internal/model"
	"github.com/wgj/homelab-gpt/internal/remote"
)

// =============================================================================
// MANAGER
// =============================================================================

// Manager is the conversation store and streaming session controller. It
// owns the list of conversations, the "current" and "stashed draft"
// references, the busy flag of the single in-flight exchange, and the
// persistence cache feeding durable local storage.
//
// Current and stash are client-local keys into an arena of conversations, so
// a resumed fetch or a deletion can never leave them dangling on a stale
// object: an unknown key simply resolves to nil.
type Manager struct {
	mu sync.Mutex

	remote *remote.Client
	cache  *cache.Store

	// Identity and reference data
	user   *model.User
	users  []model.User
	models []model.Info

	// Conversation arena, indexed by client-local key. order holds the keys
	// of server-listed conversations; drafts live in the arena only.
	arena      map[string]*model.Conversation
	order      []string
	currentKey string
	stashKey   string

	// Exchange state. exchangeGen invalidates frames and terminations of
	// superseded or cancelled exchanges.
	busy        bool
	exchangeGen uint64
	cancelMgr   *cancelManager

	// Single-slot change subscriber; re-registering replaces it.
	onChange func()
}

// NewManager creates a session manager backed by the given remote client and
// durable store. debounce is the persistence flush window.
func NewManager(rc *remote.Client, db *kv.DB, debounce time.Duration) *Manager {
	m := &Manager{
		remote:    rc,
		arena:     make(map[string]*model.Conversation),
		cancelMgr: newCancelManager(),
	}
	m.cache = cache.NewStore(db, rc, m, debounce)

	fresh := model.NewConversation()
	m.arena[fresh.Key] = fresh
	m.currentKey = fresh.Key
	return m
}

// Close cancels any in-flight exchange and pending flush timer.
func (m *Manager) Close() {
	m.Cancel()
	m.cache.Stop()
}

// =============================================================================
// CHANGE NOTIFICATION
// =============================================================================

// OnChange registers the single change subscriber. The callback is invoked
// synchronously after every observable mutation, before and after each
// asynchronous boundary. Re-registering replaces the previous subscriber
// rather than adding one.
func (m *Manager) OnChange(cb func()) {
	m.mu.Lock()
	m.onChange = cb
	m.mu.Unlock()
}

// notify invokes the subscriber outside the manager lock.
func (m *Manager) notify() {
	m.mu.Lock()
	cb := m.onChange
	m.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Current returns the current conversation, or nil.
func (m *Manager) Current() *model.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked()
}

// Stashed returns the stashed unsaved draft, or nil.
func (m *Manager) Stashed() *model.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stashLocked()
}

// ActiveUser returns the active user, or nil.
func (m *Manager) ActiveUser() *model.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user
}

// Conversations returns the server-listed conversations in order.
func (m *Manager) Conversations() []*model.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Conversation, 0, len(m.order))
	for _, key := range m.order {
		if conv := m.arena[key]; conv != nil {
			out = append(out, conv)
		}
	}
	return out
}

// Models returns the model descriptors fetched at startup.
func (m *Manager) Models() []model.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.models
}

// KnownUsers returns the users fetched at startup.
func (m *Manager) KnownUsers() []model.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users
}

// Busy reports whether an exchange is in flight.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

func (m *Manager) currentLocked() *model.Conversation {
	if m.currentKey == "" {
		return nil
	}
	return m.arena[m.currentKey]
}

func (m *Manager) stashLocked() *model.Conversation {
	if m.stashKey == "" {
		return nil
	}
	return m.arena[m.stashKey]
}

// =============================================================================
// SAVE ELIGIBILITY
// =============================================================================

// SaveEligible reports whether the current conversation may be pushed to the
// remote store: it exists, carries a server ID, is fully loaded, and is owned
// by the active user. Drafts and stubs are cached locally only.
func (m *Manager) SaveEligible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveEligibleLocked()
}

func (m *Manager) saveEligibleLocked() bool {
	cur := m.currentLocked()
	return cur != nil &&
		cur.ID != "" &&
		cur.Loaded &&
		m.user != nil &&
		cur.UserID == m.user.ID
}

// =============================================================================
// STARTUP
// =============================================================================

// Restore loads the cached session snapshot, adopting the previous user and
// conversation. Any unreadable snapshot falls back to an empty session.
func (m *Manager) Restore() {
	user, conv := m.cache.TryLoad()

	m.mu.Lock()
	m.user = user
	m.arena[conv.Key] = conv
	m.currentKey = conv.Key
	m.stashKey = ""
	m.mu.Unlock()

	m.notify()
}

// Bootstrap fetches the read-only reference data: model descriptors and
// known users.
func (m *Manager) Bootstrap(ctx context.Context) error {
	data, err := m.remote.Bootstrap(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.models = data.Models
	m.users = data.Users
	m.mu.Unlock()

	m.notify()
	return nil
}

// =============================================================================
// IDENTITY & LIFECYCLE
// =============================================================================

// SetActiveUser switches the active user. A nil user clears all
// conversations and opens a blank slate. Otherwise the server-known
// conversation list for the user replaces the in-memory list, reconciled by
// ID: an in-memory copy of the current conversation wins over the freshly
// fetched one. Subscribers are notified before and after the remote call.
func (m *Manager) SetActiveUser(ctx context.Context, u *model.User) error {
	if u == nil {
		m.mu.Lock()
		m.user = nil
		m.arena = make(map[string]*model.Conversation)
		m.order = nil
		m.stashKey = ""
		fresh := model.NewConversation()
		m.arena[fresh.Key] = fresh
		m.currentKey = fresh.Key
		m.mu.Unlock()

		m.notify()
		m.cache.ScheduleFlush(false)
		return nil
	}

	m.mu.Lock()
	m.user = u
	m.mu.Unlock()
	m.notify() // optimistic update before the fetch

	convs, err := m.remote.ListConversations(ctx, u.ID)
	if err != nil {
		m.notify()
		return err
	}

	m.mu.Lock()
	cur := m.currentLocked()
	stash := m.stashLocked()

	arena := make(map[string]*model.Conversation)
	order := make([]string, 0, len(convs))
	if cur != nil {
		arena[cur.Key] = cur
	}
	if stash != nil {
		arena[stash.Key] = stash
	}
	for _, conv := range convs {
		// The unsaved/edited in-memory copy wins over the fetched stub of
		// the same conversation.
		if cur != nil && cur.ID != "" && conv.ID == cur.ID {
			order = append(order, cur.Key)
			continue
		}
		arena[conv.Key] = conv
		order = append(order, conv.Key)
	}
	m.arena = arena
	m.order = order
	m.mu.Unlock()

	m.notify()
	m.cache.ScheduleFlush(false)
	return nil
}

// NewConversation allocates a conversation with a fresh server-style ID,
// attaches it to the active user, appends it to the list, and opens it.
func (m *Manager) NewConversation() *model.Conversation {
	m.mu.Lock()
	conv := model.NewConversation()
	conv.ID = uuid.NewString()
	if m.user != nil {
		conv.UserID = m.user.ID
	}
	m.arena[conv.Key] = conv
	m.order = append(m.order, conv.Key)
	m.mu.Unlock()

	m.Open(context.Background(), conv)
	return conv
}

// Open switches the current conversation.
//
// Opening nil is the blank-slate operation: it restores the stashed draft
// when one exists and the conversation being left is already server-saved,
// and synthesizes a fresh empty conversation otherwise. A conversation being
// left that is not save-eligible is stashed rather than discarded.
//
// A target that is not yet loaded becomes current optimistically as the stub
// while the full conversation is fetched; the fetched copy then replaces the
// matching list entry by ID (or is appended) and becomes current, provided
// the stub is still what the session points at by then.
func (m *Manager) Open(ctx context.Context, target *model.Conversation) error {
	m.mu.Lock()
	cur := m.currentLocked()
	eligible := m.saveEligibleLocked()

	if target == nil {
		if stash := m.stashLocked(); stash != nil && eligible {
			target = stash
			m.stashKey = ""
		} else {
			target = model.NewConversation()
		}
	}

	// Stash the conversation being left instead of discarding local edits.
	// A draft already stashed is displaced, not leaked.
	if cur != nil && !eligible && cur.Key != target.Key {
		if m.stashKey != "" && m.stashKey != cur.Key {
			m.dropStashLocked()
		}
		m.stashKey = cur.Key
	}

	m.arena[target.Key] = target
	m.currentKey = target.Key
	loaded := target.Loaded
	targetKey := target.Key
	targetID := target.ID
	m.mu.Unlock()

	m.notify()
	m.cache.ScheduleFlush(false)

	if loaded {
		return nil
	}

	fetched, err := m.remote.GetConversation(ctx, targetID)
	if err != nil {
		m.notify()
		return err
	}

	m.mu.Lock()
	m.adoptFetchedLocked(fetched)
	// Re-validate before retargeting: the user may have moved on while the
	// fetch was in flight.
	if m.currentKey == targetKey {
		m.currentKey = fetched.Key
	}
	m.mu.Unlock()

	m.notify()
	m.cache.ScheduleFlush(false)
	return nil
}

// dropStashLocked clears the stash reference and removes the stashed
// conversation from the arena unless it is still reachable through the
// server list.
func (m *Manager) dropStashLocked() {
	key := m.stashKey
	m.stashKey = ""
	if key == "" || key == m.currentKey {
		return
	}
	for _, k := range m.order {
		if k == key {
			return
		}
	}
	delete(m.arena, key)
}

// adoptFetchedLocked merges a fully fetched conversation into the arena,
// replacing the list entry sharing its ID or appending when none matches.
// The list never ends up with two entries for one server ID.
func (m *Manager) adoptFetchedLocked(fetched *model.Conversation) {
	fetched.Loaded = true
	fetched.EnsureKey()

	replaced := false
	for i, key := range m.order {
		conv := m.arena[key]
		if conv == nil || conv.ID != fetched.ID {
			continue
		}
		m.order[i] = fetched.Key
		if key != m.stashKey && key != fetched.Key {
			delete(m.arena, key)
		}
		replaced = true
		break
	}
	if !replaced {
		m.order = append(m.order, fetched.Key)
	}
	m.arena[fetched.Key] = fetched
}

// PromoteDraftToSaved assigns the current draft a fresh server ID and the
// active user, inserts it into the list, clears the stashed draft, and
// schedules a flush (which pushes the now-eligible conversation upstream).
// No-op when the current conversation is already save-eligible or no user is
// set.
func (m *Manager) PromoteDraftToSaved() {
	m.mu.Lock()
	cur := m.currentLocked()
	if cur == nil || m.user == nil || m.saveEligibleLocked() {
		m.mu.Unlock()
		return
	}

	cur.ID = uuid.NewString()
	cur.UserID = m.user.ID
	cur.Loaded = true

	inList := false
	for _, key := range m.order {
		if key == cur.Key {
			inList = true
			break
		}
	}
	if !inList {
		m.order = append(m.order, cur.Key)
	}

	m.stashKey = ""
	m.currentKey = cur.Key
	m.mu.Unlock()

	m.notify()
	m.cache.ScheduleFlush(false)
}

// DeleteCurrent removes the current conversation from the remote store and
// the in-memory list, clears the stashed draft when it pointed at the same
// conversation, opens the blank slate, and forces an immediate flush. No-op
// unless the current conversation is save-eligible.
func (m *Manager) DeleteCurrent(ctx context.Context) error {
	m.mu.Lock()
	if !m.saveEligibleLocked() {
		m.mu.Unlock()
		return nil
	}
	cur := m.currentLocked()
	id := cur.ID
	key := cur.Key
	m.mu.Unlock()

	// Local state wins either way; an unreachable store must not resurrect
	// the conversation on screen.
	err := m.remote.DeleteConversation(ctx, id)
	if err != nil {
		log.Printf("delete conversation %s failed: %v", id, err)
	}

	m.mu.Lock()
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	delete(m.arena, key)
	if m.stashKey == key {
		m.stashKey = ""
	}
	if m.currentKey == key {
		m.currentKey = ""
	}
	m.mu.Unlock()

	m.notify()
	if openErr := m.Open(ctx, nil); openErr != nil && err == nil {
		err = openErr
	}
	m.cache.ScheduleFlush(true)
	return err
}

// Import opens a local-only draft copy of the given conversation, e.g. one
// read back from an export. The copy carries no server identity until
// promoted.
func (m *Manager) Import(conv *model.Conversation) *model.Conversation {
	draft := conv.Clone()
	draft.ID = ""
	draft.UserID = ""
	draft.Loaded = true

	m.Open(context.Background(), draft)
	return draft
}

// ParseConversation decodes an exported conversation JSON document.
func ParseConversation(data []byte) (*model.Conversation, error) {
	conv := &model.Conversation{}
	if err := json.Unmarshal(data, conv); err != nil {
		return nil, fmt.Errorf("failed to parse conversation: %w", err)
	}
	conv.EnsureKey()
	return conv, nil
}

// ExportJSON marshals the current conversation, or nil when there is none.
func (m *Manager) ExportJSON() ([]byte, error) {
	m.mu.Lock()
	cur := m.currentLocked()
	if cur == nil {
		m.mu.Unlock()
		return nil, nil
	}
	snapshot := cur.Clone()
	m.mu.Unlock()

	return json.MarshalIndent(snapshot, "", "  ")
}

// =============================================================================
// MESSAGE EDITS
// =============================================================================

// InsertMessage inserts msg into the current conversation after the given
// message (nil appends). No-op without a current conversation.
func (m *Manager) InsertMessage(after *model.Message, msg *model.Message) {
	m.mu.Lock()
	cur := m.currentLocked()
	if cur == nil {
		m.mu.Unlock()
		return
	}
	cur.InsertMessage(after, msg)
	m.mu.Unlock()

	m.notify()
	m.cache.ScheduleFlush(false)
}

// DeleteMessage removes msg from the current conversation. No-op without a
// current conversation or when the message is absent.
func (m *Manager) DeleteMessage(msg *model.Message) {
	m.mu.Lock()
	cur := m.currentLocked()
	if cur == nil || !cur.RemoveMessage(msg) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.notify()
	m.cache.ScheduleFlush(false)
}

// TruncateAfter removes msg and everything after it from the current
// conversation so it can be regenerated from that point. No-op without a
// current conversation or when the message is absent.
func (m *Manager) TruncateAfter(msg *model.Message) {
	m.mu.Lock()
	cur := m.currentLocked()
	if cur == nil || !cur.TruncateAfter(msg) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.notify()
	m.cache.ScheduleFlush(false)
}

// =============================================================================
// PERSISTENCE SOURCE
// =============================================================================

// FlushState implements cache.Source. The conversation handed to the flusher
// is the stashed draft when the current one is already server-saved (the
// draft is what would otherwise be lost), and derived labels are refreshed
// here so the pushed conversation carries its display name. Copies are
// returned so a flush never races live streaming mutation.
func (m *Manager) FlushState() cache.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := cache.State{
		User:         m.user,
		SaveEligible: m.saveEligibleLocked(),
	}
	if cur := m.currentLocked(); cur != nil {
		if st.SaveEligible {
			cur.Name = cur.Label()
		}
		st.Current = cur.Clone()
	}
	if stash := m.stashLocked(); stash != nil {
		st.Stash = stash.Clone()
	}
	return st
}
