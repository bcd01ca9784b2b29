// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgj/homelab-gpt/internal/kv"
	"github.com/wgj/homelab-gpt/internal/model"
	"github.com/wgj/homelab-gpt/internal/remote"
)

// testEnv wires a manager against a fake remote store. streamHandler may be
// nil when a test never opens a stream.
type testEnv struct {
	mgr     *Manager
	db      *kv.DB
	changes chan struct{}
}

func newTestEnv(t *testing.T, streamHandler http.HandlerFunc) *testEnv {
	t.Helper()

	r := mux.NewRouter()
	r.HandleFunc("/bootstrap", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(remote.BootstrapData{
			Models: []model.Info{{Label: "Llama 3", ID: "llama3", MaxTokens: 8192}},
			Users:  []model.User{{ID: "u-1", Name: "alice"}},
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/conversations", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"conversations": []*model.Conversation{
				{ID: "c-1", UserID: "u-1", Name: "first"},
				{ID: "c-2", UserID: "u-1", Name: "second"},
			},
		})
	}).Methods(http.MethodPost)

	r.HandleFunc("/conversation/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]
		if id != "c-1" && id != "c-2" {
			http.NotFound(w, req)
			return
		}
		json.NewEncoder(w).Encode(&model.Conversation{
			ID:       id,
			UserID:   "u-1",
			Messages: []*model.Message{model.NewUserMessage("hello from " + id)},
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/conversation/{id}", func(w http.ResponseWriter, _ *http.Request) {
	}).Methods(http.MethodDelete)

	r.HandleFunc("/conversation", func(w http.ResponseWriter, _ *http.Request) {
	}).Methods(http.MethodPost)

	if streamHandler != nil {
		r.HandleFunc("/stream/chat", streamHandler).Methods(http.MethodPost)
	}

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	db, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rc := remote.NewClientWithConfig(&remote.ClientConfig{
		BaseURL:         srv.URL,
		PushesPerSecond: 1000,
	})

	mgr := NewManager(rc, db, 10*time.Millisecond)
	t.Cleanup(mgr.Close)

	changes := make(chan struct{}, 256)
	mgr.OnChange(func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	})

	return &testEnv{mgr: mgr, db: db, changes: changes}
}

func signIn(t *testing.T, env *testEnv) {
	t.Helper()
	require.NoError(t, env.mgr.SetActiveUser(context.Background(), &model.User{ID: "u-1", Name: "alice"}))
}

// =============================================================================
// SAVE ELIGIBILITY
// =============================================================================

func TestSaveEligible_FreshDraft(t *testing.T) {
	env := newTestEnv(t, nil)

	if env.mgr.SaveEligible() {
		t.Error("fresh draft with no user must not be save-eligible")
	}

	signIn(t, env)
	env.mgr.Open(context.Background(), nil)
	if env.mgr.SaveEligible() {
		t.Error("blank-slate draft must not be save-eligible")
	}
}

func TestPromoteDraftToSaved(t *testing.T) {
	env := newTestEnv(t, nil)
	signIn(t, env)
	env.mgr.Open(context.Background(), nil)

	cur := env.mgr.Current()
	require.NotNil(t, cur)
	require.Empty(t, cur.ID)

	env.mgr.PromoteDraftToSaved()

	assert.True(t, env.mgr.SaveEligible())
	assert.NotEmpty(t, cur.ID)
	assert.Equal(t, "u-1", cur.UserID)

	found := false
	for _, conv := range env.mgr.Conversations() {
		if conv.ID == cur.ID {
			found = true
		}
	}
	assert.True(t, found, "promoted draft must join the conversation list")

	// Promoting again must not mint a second identity.
	id := cur.ID
	env.mgr.PromoteDraftToSaved()
	assert.Equal(t, id, cur.ID)
}

func TestPromote_NoUserIsNoOp(t *testing.T) {
	env := newTestEnv(t, nil)

	env.mgr.PromoteDraftToSaved()
	cur := env.mgr.Current()
	require.NotNil(t, cur)
	assert.Empty(t, cur.ID)
}

// =============================================================================
// USER SWITCHING
// =============================================================================

func TestSetActiveUser_PopulatesList(t *testing.T) {
	env := newTestEnv(t, nil)
	signIn(t, env)

	convs := env.mgr.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "c-1", convs[0].ID)
	assert.False(t, convs[0].Loaded, "listed conversations arrive as stubs")
}

func TestSetActiveUser_NilClearsSession(t *testing.T) {
	env := newTestEnv(t, nil)
	signIn(t, env)

	require.NoError(t, env.mgr.SetActiveUser(context.Background(), nil))

	assert.Nil(t, env.mgr.ActiveUser())
	assert.Empty(t, env.mgr.Conversations())
	assert.Nil(t, env.mgr.Stashed())
	cur := env.mgr.Current()
	require.NotNil(t, cur)
	assert.Empty(t, cur.ID)
	assert.True(t, cur.IsEmpty())
}

func TestSetActiveUser_InMemoryCurrentWinsOverFetched(t *testing.T) {
	env := newTestEnv(t, nil)
	signIn(t, env)

	require.NoError(t, env.mgr.Open(context.Background(), env.mgr.Conversations()[0]))
	cur := env.mgr.Current()
	require.Equal(t, "c-1", cur.ID)
	cur.Name = "locally edited"

	// Re-listing must keep the edited in-memory copy, not the fresh stub.
	signIn(t, env)
	convs := env.mgr.Conversations()
	require.Len(t, convs, 2)
	assert.Same(t, cur, convs[0])
	assert.Equal(t, "locally edited", convs[0].Name)
}

// =============================================================================
// OPEN / STASH
// =============================================================================

func TestOpen_StubFetchReconcilesByID(t *testing.T) {
	env := newTestEnv(t, nil)
	signIn(t, env)

	stub := env.mgr.Conversations()[0]
	require.False(t, stub.Loaded)

	require.NoError(t, env.mgr.Open(context.Background(), stub))

	cur := env.mgr.Current()
	require.NotNil(t, cur)
	assert.True(t, cur.Loaded)
	assert.Equal(t, "c-1", cur.ID)
	require.Len(t, cur.Messages, 1)

	// Exactly one list entry for c-1 after the fetched copy replaced the stub.
	count := 0
	for _, conv := range env.mgr.Conversations() {
		if conv.ID == "c-1" {
			count++
			assert.Same(t, cur, conv)
		}
	}
	assert.Equal(t, 1, count)
}

func TestOpen_StashesUnsavedDraft(t *testing.T) {
	env := newTestEnv(t, nil)
	signIn(t, env)

	env.mgr.Open(context.Background(), nil)
	draft := env.mgr.Current()
	draft.InsertMessage(nil, model.NewUserMessage("work in progress"))

	require.NoError(t, env.mgr.Open(context.Background(), env.mgr.Conversations()[0]))
	assert.Same(t, draft, env.mgr.Stashed(), "leaving an unsaved draft stashes it")

	// Blank slate from a saved conversation restores the stash.
	require.NoError(t, env.mgr.Open(context.Background(), nil))
	assert.Same(t, draft, env.mgr.Current())
	assert.Nil(t, env.mgr.Stashed())
}

func TestOpen_DisplacedStashLeavesArena(t *testing.T) {
	env := newTestEnv(t, nil)
	signIn(t, env)

	env.mgr.Open(context.Background(), nil)
	draftA := env.mgr.Current()
	draftA.InsertMessage(nil, model.NewUserMessage("first abandoned draft"))

	require.NoError(t, env.mgr.Open(context.Background(), env.mgr.Conversations()[0]))
	require.Same(t, draftA, env.mgr.Stashed())

	// A second abandoned draft displaces the first.
	source := model.NewConversation()
	source.InsertMessage(nil, model.NewUserMessage("imported draft"))
	draftB := env.mgr.Import(source)
	require.NoError(t, env.mgr.Open(context.Background(), env.mgr.Conversations()[1]))

	assert.Same(t, draftB, env.mgr.Stashed())

	// The displaced draft must not linger unreachable in the arena.
	env.mgr.mu.Lock()
	_, held := env.mgr.arena[draftA.Key]
	env.mgr.mu.Unlock()
	assert.False(t, held, "displaced stashed draft must be removed from the arena")
}

func TestOpen_NilFromUnsavedDraftStartsFresh(t *testing.T) {
	env := newTestEnv(t, nil)
	signIn(t, env)

	env.mgr.Open(context.Background(), nil)
	draft := env.mgr.Current()
	draft.InsertMessage(nil, model.NewUserMessage("abandoned"))

	// Leaving an unsaved draft for another unsaved draft: the old one is
	// stashed, not restored, because the one being left is not saved.
	require.NoError(t, env.mgr.Open(context.Background(), nil))
	assert.NotSame(t, draft, env.mgr.Current())
	assert.True(t, env.mgr.Current().IsEmpty())
}

// =============================================================================
// NEW / DELETE
// =============================================================================

func TestNewConversation_IsImmediatelyEligible(t *testing.T) {
	env := newTestEnv(t, nil)
	signIn(t, env)

	conv := env.mgr.NewConversation()
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, "u-1", conv.UserID)
	assert.Same(t, conv, env.mgr.Current())
	assert.True(t, env.mgr.SaveEligible())
}

func TestDeleteCurrent(t *testing.T) {
	env := newTestEnv(t, nil)
	signIn(t, env)

	require.NoError(t, env.mgr.Open(context.Background(), env.mgr.Conversations()[0]))
	require.NoError(t, env.mgr.DeleteCurrent(context.Background()))

	for _, conv := range env.mgr.Conversations() {
		assert.NotEqual(t, "c-1", conv.ID)
	}
	cur := env.mgr.Current()
	require.NotNil(t, cur)
	assert.NotEqual(t, "c-1", cur.ID)

	// The stashed draft must never point at a deleted conversation.
	if stash := env.mgr.Stashed(); stash != nil {
		assert.NotEqual(t, "c-1", stash.ID)
	}
}

func TestDeleteCurrent_DraftIsNoOp(t *testing.T) {
	env := newTestEnv(t, nil)
	signIn(t, env)

	env.mgr.Open(context.Background(), nil)
	draft := env.mgr.Current()
	require.NoError(t, env.mgr.DeleteCurrent(context.Background()))
	assert.Same(t, draft, env.mgr.Current())
}

// =============================================================================
// MESSAGE EDITS
// =============================================================================

func TestMessageEdits(t *testing.T) {
	env := newTestEnv(t, nil)
	signIn(t, env)
	env.mgr.Open(context.Background(), nil)

	first := model.NewUserMessage("one")
	second := model.NewUserMessage("two")
	env.mgr.InsertMessage(nil, first)
	env.mgr.InsertMessage(nil, second)

	cur := env.mgr.Current()
	require.Equal(t, 2, cur.MessageCount())

	env.mgr.TruncateAfter(second)
	assert.Equal(t, 1, cur.MessageCount())

	env.mgr.DeleteMessage(first)
	assert.True(t, cur.IsEmpty())
}

// =============================================================================
// IMPORT / EXPORT
// =============================================================================

func TestImportExport(t *testing.T) {
	env := newTestEnv(t, nil)
	signIn(t, env)

	require.NoError(t, env.mgr.Open(context.Background(), env.mgr.Conversations()[0]))
	data, err := env.mgr.ExportJSON()
	require.NoError(t, err)

	var conv model.Conversation
	require.NoError(t, json.Unmarshal(data, &conv))
	assert.Equal(t, "c-1", conv.ID)

	imported := env.mgr.Import(&conv)
	assert.Same(t, imported, env.mgr.Current())
	assert.Empty(t, imported.ID, "imports arrive as local drafts")
	assert.False(t, env.mgr.SaveEligible())
	assert.Equal(t, 1, imported.MessageCount())
}

// =============================================================================
// PERSISTENCE ROUND-TRIP
// =============================================================================

func TestRestore_RoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	signIn(t, env)

	env.mgr.Open(context.Background(), nil)
	env.mgr.InsertMessage(nil, model.NewUserMessage("remember me"))
	env.mgr.PromoteDraftToSaved()
	id := env.mgr.Current().ID

	// Let the debounced flush land, then load into a second manager sharing
	// the store.
	require.Eventually(t, func() bool {
		_, ok, err := env.db.Get("appData")
		return err == nil && ok
	}, time.Second, 5*time.Millisecond)

	rc := remote.NewClientWithConfig(&remote.ClientConfig{BaseURL: "http://127.0.0.1:1", PushesPerSecond: 1000})
	mgr2 := NewManager(rc, env.db, time.Hour)
	defer mgr2.Close()
	mgr2.Restore()

	cur := mgr2.Current()
	require.NotNil(t, cur)
	assert.Equal(t, id, cur.ID)
	require.Equal(t, 1, cur.MessageCount())
	assert.Equal(t, "remember me", cur.Messages[0].Content)
	require.NotNil(t, mgr2.ActiveUser())
	assert.Equal(t, "u-1", mgr2.ActiveUser().ID)
}

// =============================================================================
// NOTIFICATION
// =============================================================================

func TestOnChange_FiresOnMutation(t *testing.T) {
	env := newTestEnv(t, nil)

	drain(env.changes)
	env.mgr.InsertMessage(nil, model.NewUserMessage("ping"))

	select {
	case <-env.changes:
	case <-time.After(time.Second):
		t.Fatal("expected change notification after message insert")
	}
}

func drain(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
