// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package statemgr

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/kstream/kstream/krist"
)

// OutboxStatus is the send state of an outbox entry.  The transitions form
// the machine PENDING -> UNKNOWN -> {PENDING, SENT}; SENT is terminal until
// the entry is removed.
type OutboxStatus int

// Outbox entry states.
const (
	// StatusPending means the entry has not been handed to the node, or
	// a previous attempt was resolved as not-received.
	StatusPending OutboxStatus = iota

	// StatusUnknown means a submission has been issued but its outcome
	// is not yet known on disk.  The only exit is via the search-based
	// ref resolver.
	StatusUnknown

	// StatusSent means the node has durably accepted the transaction.
	StatusSent
)

// String returns the status as a human-readable name.
func (s OutboxStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusUnknown:
		return "unknown"
	case StatusSent:
		return "sent"
	}
	return fmt.Sprintf("invalid status (%d)", int(s))
}

// MarshalJSON encodes the status as its string name.
func (s OutboxStatus) MarshalJSON() ([]byte, error) {
	switch s {
	case StatusPending, StatusUnknown, StatusSent:
		return json.Marshal(s.String())
	}
	return nil, fmt.Errorf("statemgr: cannot encode invalid status %d",
		int(s))
}

// UnmarshalJSON decodes a status from its string name.
func (s *OutboxStatus) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "pending":
		*s = StatusPending
	case "unknown":
		*s = StatusUnknown
	case "sent":
		*s = StatusSent
	default:
		return fmt.Errorf("statemgr: unknown outbox status %q", name)
	}
	return nil
}

// OutboxEntry is one queued outgoing transaction.
type OutboxEntry struct {
	// ID is the user-facing tracking id assigned at enqueue time.
	ID uuid.UUID `json:"id"`

	// Ref is the dedup id embedded in the transaction metadata.  It is
	// assigned once at enqueue and reused across every retry, making it
	// the idempotency token with respect to the node.
	Ref uuid.UUID `json:"ref"`

	// Status is the entry's position in the send state machine.
	Status OutboxStatus `json:"status"`

	// Transaction is the payload to send.
	Transaction krist.SendRequest `json:"transaction"`
}

// Copy returns a deep copy of the entry.
func (e *OutboxEntry) Copy() OutboxEntry {
	cp := *e
	cp.Transaction = e.Transaction.Copy()
	return cp
}

// Boxes is one snapshot of the inbox slot and the outbox queue.
type Boxes struct {
	// Revision increases by one each time a hook context is opened over
	// the snapshot.  It is the handshake token between the stream and
	// any coordinating external store.
	Revision uint64 `json:"revision"`

	// Inbox holds at most one incoming transaction awaiting user
	// processing.
	Inbox *krist.Transaction `json:"inbox,omitempty"`

	// Outbox is the ordered queue of outgoing transactions.
	Outbox []OutboxEntry `json:"outbox"`
}

// Copy returns a deep copy of the snapshot.
func (b *Boxes) Copy() *Boxes {
	cp := &Boxes{Revision: b.Revision}
	if b.Inbox != nil {
		inbox := *b.Inbox
		if b.Inbox.Meta != nil {
			inbox.Meta = make(map[string]string, len(b.Inbox.Meta))
			for k, v := range b.Inbox.Meta {
				inbox.Meta[k] = v
			}
		}
		cp.Inbox = &inbox
	}
	if b.Outbox != nil {
		cp.Outbox = make([]OutboxEntry, 0, len(b.Outbox))
		for i := range b.Outbox {
			cp.Outbox = append(cp.Outbox, b.Outbox[i].Copy())
		}
	}
	return cp
}

// StoredState is the single serialized document persisted by the store.
type StoredState struct {
	// Endpoint is the base URL of the node this stream follows.
	Endpoint string `json:"endpoint"`

	// IncludeMined records whether mining rewards are observed.
	IncludeMined bool `json:"includeMined"`

	// Address, when non-empty, restricts observation to transactions
	// touching the address.
	Address string `json:"address,omitempty"`

	// LastPoppedID is the highest transaction id already handed to the
	// inbox worker.  Before the first delivery it holds the cursor given
	// at creation: normally the node's newest id at that time, or -1 to
	// deliver everything.
	LastPoppedID int64 `json:"lastPoppedId"`

	// Committed is the current durable snapshot.
	Committed *Boxes `json:"committed"`

	// Prepared is non-nil only while a two-phase commit is in flight.
	// Outside of recovery in Open, observing a non-nil Prepared is a
	// bug.
	Prepared *Boxes `json:"prepared,omitempty"`
}

// Filter returns the observation filter recorded in the state.
func (s *StoredState) Filter() krist.Filter {
	return krist.Filter{
		Address:      s.Address,
		IncludeMined: s.IncludeMined,
	}
}
