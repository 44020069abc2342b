// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package kstream

import (
	"github.com/google/uuid"

	"github.com/kstream/kstream/krist"
	"github.com/kstream/kstream/statemgr"
)

// hookState tracks the lifecycle of a hook context.  Terminal states reject
// all further operations.
type hookState int

const (
	hookUncommitted hookState = iota
	hookPrepared
	hookCommitted
	hookAborted
)

// HookContext is the transactional view handed to user hooks.  It holds a
// working copy of the committed inbox/outbox; mutations become durable only
// through commit, and an abort leaves the committed state untouched.  The
// context is only valid for the duration of the hook invocation and must
// not escape it.
type HookContext struct {
	stream *Stream
	boxes  *statemgr.Boxes
	state  hookState

	onPrepare   func(revision uint64) error
	afterCommit func() error
}

// newHookContext clones the committed snapshot and bumps its revision.  The
// caller must hold the store mutex for the whole life of the context.
func newHookContext(s *Stream) *HookContext {
	boxes := s.store.State().Committed.Copy()
	boxes.Revision++
	return &HookContext{stream: s, boxes: boxes}
}

func (h *HookContext) assertLive() {
	if h.state == hookCommitted || h.state == hookAborted {
		panic("kstream: hook context used after completion")
	}
}

// Inbox returns the transaction in the working inbox slot, or nil.
func (h *HookContext) Inbox() *krist.Transaction {
	h.assertLive()
	return h.boxes.Inbox
}

// TakeInbox removes and returns the working inbox transaction.  Committing
// afterwards marks it consumed; aborting leaves it queued for redelivery.
func (h *HookContext) TakeInbox() *krist.Transaction {
	h.assertLive()
	tx := h.boxes.Inbox
	h.boxes.Inbox = nil
	return tx
}

// Outbox returns the working outbox queue.  The slice is the context's
// working copy; hooks may mutate it.
func (h *HookContext) Outbox() []statemgr.OutboxEntry {
	h.assertLive()
	return h.boxes.Outbox
}

// EnqueueSend appends an outgoing transaction to the working outbox and
// returns its tracking id.  The entry's dedup ref is fixed here and reused
// across every retry.
func (h *HookContext) EnqueueSend(tx krist.SendRequest) uuid.UUID {
	h.assertLive()
	if h.state != hookUncommitted {
		panic("kstream: enqueue on prepared hook context")
	}
	entry := statemgr.OutboxEntry{
		ID:          h.stream.ids.UUID(),
		Ref:         h.stream.ids.UUID(),
		Status:      statemgr.StatusPending,
		Transaction: tx.Copy(),
	}
	h.boxes.Outbox = append(h.boxes.Outbox, entry)
	log.Debugf("Enqueued send of %d to %s (id %s, ref %s)",
		tx.Amount, tx.To, entry.ID, entry.Ref)
	return entry.ID
}

// RemoveOutbox deletes the entry with the given id from the working outbox.
// It reports whether an entry was removed.
func (h *HookContext) RemoveOutbox(id uuid.UUID) bool {
	h.assertLive()
	for i := range h.boxes.Outbox {
		if h.boxes.Outbox[i].ID == id {
			h.boxes.Outbox = append(h.boxes.Outbox[:i],
				h.boxes.Outbox[i+1:]...)
			return true
		}
	}
	return false
}

// OnPrepare arranges for fn to run between the prepared write and the
// committed write, receiving the snapshot's revision.  This is the client
// half of a two-phase commit with an external store: fn records the
// revision externally, and after a crash the process reopens the stream
// with that revision to decide the commit's fate.
func (h *HookContext) OnPrepare(fn func(revision uint64) error) {
	h.assertLive()
	h.onPrepare = fn
}

// AfterCommit arranges for fn to run after the committed write.  It runs at
// most once; a failure does not undo the commit.
func (h *HookContext) AfterCommit(fn func() error) {
	h.assertLive()
	h.afterCommit = fn
}

// prepare durably stages the working copy alongside the committed snapshot
// and returns its revision.
func (h *HookContext) prepare() (uint64, error) {
	if h.state != hookUncommitted {
		panic("kstream: prepare on non-uncommitted hook context")
	}
	st := h.stream.store.State()
	st.Prepared = h.boxes
	if err := h.stream.store.Commit(); err != nil {
		st.Prepared = nil
		return 0, err
	}
	h.state = hookPrepared
	return h.boxes.Revision, nil
}

// commit promotes the working copy to the committed snapshot.
func (h *HookContext) commit() error {
	h.assertLive()
	st := h.stream.store.State()
	st.Committed = h.boxes
	st.Prepared = nil
	if err := h.stream.store.Commit(); err != nil {
		return err
	}
	h.state = hookCommitted
	return nil
}

// abort discards the working copy, durably clearing any prepared snapshot.
func (h *HookContext) abort() error {
	h.assertLive()
	st := h.stream.store.State()
	st.Prepared = nil
	h.state = hookAborted
	return h.stream.store.Commit()
}
