// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"log"

	"github.com/wgj/homelab-gpt/internal/model"
	"github.com/wgj/homelab-gpt/internal/remote"
)

// =============================================================================
// STREAMING EXCHANGE
// =============================================================================

// Send starts a streaming exchange against the current conversation. One
// exchange runs at a time; starting a new one cancels its predecessor first.
//
// A nil target appends a fresh assistant placeholder and sends the history
// before it. A non-nil target resumes generation into that message: the
// history sent is everything up to and including it, and its existing text
// rides along as the continuation seed.
//
// Frames arriving from the wire replace the target message wholesale,
// located by ID on every frame so edits made mid-stream cannot misroute
// them.
func (m *Manager) Send(target *model.Message) {
	m.Cancel()

	m.mu.Lock()
	cur := m.currentLocked()
	if cur == nil {
		m.mu.Unlock()
		return
	}

	var continuation string
	var history []*model.Message
	if target == nil {
		target = model.NewAssistantPlaceholder()
		history = append([]*model.Message(nil), cur.Messages...)
		cur.InsertMessage(nil, target)
	} else {
		existing := cur.MessageByID(target.ID)
		if existing == nil {
			m.mu.Unlock()
			return
		}
		target = existing
		continuation = target.Content
		history = cur.HistoryTo(target)
	}

	req := remote.ChatRequest{
		Model:        cur.Settings.Model,
		Temperature:  cur.Settings.Temperature(),
		Prompt:       cur.Settings.Prompt,
		ID:           target.ID,
		MaxTokens:    cur.Settings.MaxTokens,
		Continuation: continuation,
		Credential:   cur.Settings.Credential,
	}
	if req.Credential == "" && m.user != nil {
		req.Credential = m.user.Credential
	}
	for _, msg := range history {
		if msg.ID == target.ID {
			continue
		}
		req.Messages = append(req.Messages, msg.Clone())
	}

	m.busy = true
	m.exchangeGen++
	gen := m.exchangeGen
	convKey := cur.Key
	targetID := target.ID

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelMgr.set(cancel)
	m.mu.Unlock()

	m.notify()

	go func() {
		err := m.remote.StreamChat(ctx, req, func(frame model.Message) {
			m.applyFrame(gen, convKey, targetID, frame)
		})
		m.finishExchange(gen, convKey, targetID, err)
	}()
}

// ContinueFrom resumes generation into an existing assistant message.
func (m *Manager) ContinueFrom(msg *model.Message) {
	m.Send(msg)
}

// Cancel stops the in-flight exchange, if any. The partial text already
// streamed is kept and persisted; further frames from the dying stream are
// dropped. Idle cancel is a pure no-op.
func (m *Manager) Cancel() {
	m.cancelMgr.cancel()

	m.mu.Lock()
	if !m.busy {
		m.mu.Unlock()
		return
	}
	m.busy = false
	m.exchangeGen++ // invalidate the goroutine's termination path
	m.mu.Unlock()

	m.notify()
	m.cache.ScheduleFlush(false)
}

// applyFrame replaces the target message with a wire frame. Frames from
// superseded exchanges are dropped, and the target is re-resolved by ID per
// frame so the frame lands nowhere if the message was deleted mid-stream.
func (m *Manager) applyFrame(gen uint64, convKey, targetID string, frame model.Message) {
	m.mu.Lock()
	if gen != m.exchangeGen {
		m.mu.Unlock()
		return
	}
	conv := m.arena[convKey]
	if conv == nil {
		m.mu.Unlock()
		return
	}
	frame.ID = targetID
	if frame.Role == "" {
		frame.Role = model.RoleAssistant
	}
	if !conv.ReplaceMessage(&frame) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.notify()
	m.cache.ScheduleFlush(false)
}

// finishExchange finalizes a terminated stream. A generation mismatch means
// Cancel or a newer Send already finalized the session state, so nothing
// further happens here.
func (m *Manager) finishExchange(gen uint64, convKey, targetID string, err error) {
	m.mu.Lock()
	if gen != m.exchangeGen {
		m.mu.Unlock()
		return
	}
	m.busy = false
	m.exchangeGen++

	if err != nil && !remote.IsCancelled(err) {
		log.Printf("exchange failed: %v", err)
		if conv := m.arena[convKey]; conv != nil {
			if msg := conv.MessageByID(targetID); msg != nil {
				conv.ReplaceMessage(msg.WithError(err.Error()))
			}
		}
	}
	m.mu.Unlock()

	m.notify()
	m.cache.ScheduleFlush(false)
}
