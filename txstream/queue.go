// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstream

import "github.com/kstream/kstream/krist"

// Queue is the in-memory gap-free transaction buffer.  It tracks two
// cursors in the node's raw id space: lastSeenID, the highest id fully
// accounted for (seen, buffered, or known not to match the filter), and
// nextPopID, the next id to deliver.  Transactions enter either through a
// live contiguous push or through a backfill page of the filtered set, and
// leave in strictly ascending id order.
//
// The queue itself is not safe for concurrent use; the Assembler serializes
// access.
type Queue struct {
	filter krist.Filter

	lastSeenID int64
	nextPopID  int64

	// overlapID is the id of the newest filtered transaction already
	// accounted for, or -1 when no such anchor is known.  Backfill
	// pages must begin with this transaction so that deletions on the
	// node are detected.
	overlapID int64

	buf []krist.Transaction
}

// NewQueue creates a queue delivering transactions after lastPoppedID,
// which may be -1 to deliver everything.
func NewQueue(filter krist.Filter, lastPoppedID int64) *Queue {
	return &Queue{
		filter:     filter,
		lastSeenID: lastPoppedID,
		nextPopID:  lastPoppedID + 1,
		overlapID:  -1,
	}
}

// LastSeenID returns the highest raw transaction id accounted for.
func (q *Queue) LastSeenID() int64 {
	return q.lastSeenID
}

// NextPopID returns the next raw id to deliver.
func (q *Queue) NextPopID() int64 {
	return q.nextPopID
}

// OverlapID returns the current backfill anchor, or -1 when none is known.
func (q *Queue) OverlapID() int64 {
	return q.overlapID
}

// ResetOverlap replaces the backfill anchor.  Pass -1 to clear it, after
// which the next page is accepted without an overlap element.
func (q *Queue) ResetOverlap(id int64) {
	q.overlapID = id
}

// Poppable reports whether a transaction is ready for delivery.
func (q *Queue) Poppable() bool {
	return len(q.buf) > 0
}

// Pop removes and returns the next transaction.  It must only be called
// after Poppable reports true.  The pop cursor skips over ids that were
// filtered out.
func (q *Queue) Pop() *krist.Transaction {
	if len(q.buf) == 0 {
		panic("txstream: pop from empty queue")
	}
	tx := q.buf[0]
	q.buf = q.buf[1:]
	q.nextPopID = tx.ID + 1
	return &tx
}

// TryPush offers a live transaction to the queue.  It is accepted only when
// it directly extends the seen window; the transaction is buffered when it
// matches the filter and skipped otherwise.  It reports acceptance.
func (q *Queue) TryPush(tx *krist.Transaction) bool {
	if tx.ID != q.lastSeenID+1 {
		return false
	}
	q.lastSeenID = tx.ID
	if q.filter.Matches(tx) {
		q.buf = append(q.buf, *tx)
		q.overlapID = tx.ID
	}
	return true
}

// TryPushPage offers an ascending backfill page of the filtered set.  When
// an overlap anchor is set, the page must begin with that transaction; the
// remainder is buffered.  Without an anchor, the page must lie strictly
// beyond the seen window.  A page violating either rule would open a gap
// (or hide a deletion) and is rejected wholesale.
func (q *Queue) TryPushPage(txs []krist.Transaction) bool {
	if len(txs) == 0 {
		return true
	}
	if q.overlapID >= 0 {
		if txs[0].ID != q.overlapID {
			return false
		}
		txs = txs[1:]
	} else if txs[0].ID <= q.lastSeenID {
		return false
	}

	prev := q.lastSeenID
	for i := range txs {
		if txs[i].ID <= prev {
			return false
		}
		prev = txs[i].ID
	}

	for i := range txs {
		if q.filter.Matches(&txs[i]) {
			q.buf = append(q.buf, txs[i])
		}
	}
	if n := len(txs); n > 0 {
		q.lastSeenID = txs[n-1].ID
		q.overlapID = txs[n-1].ID
	}
	return true
}

// PushTail buffers the unseen filtered transactions in txs (ascending, ids
// in (lastSeenID, tailID]) and advances the seen window to tailID.  This is
// the tail-hole repair entry point: tailID comes from the unfiltered
// superset, so every raw id up to it is accounted for afterwards.
func (q *Queue) PushTail(txs []krist.Transaction, tailID int64) {
	for i := range txs {
		tx := &txs[i]
		if tx.ID <= q.lastSeenID || tx.ID > tailID {
			continue
		}
		if q.filter.Matches(tx) {
			q.buf = append(q.buf, *tx)
			q.overlapID = tx.ID
		}
	}
	if tailID > q.lastSeenID {
		q.lastSeenID = tailID
	}
}

// Len returns the number of buffered transactions.
func (q *Queue) Len() int {
	return len(q.buf)
}
