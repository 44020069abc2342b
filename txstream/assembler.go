// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstream

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kstream/kstream/csync"
	"github.com/kstream/kstream/krist"
)

// Assembler merges live socket pushes with the paged backfill reader into a
// single gap-free ascending stream.  Two flags drive the switchover between
// the two sources:
//
//   - reachedTail: the seen window is believed to extend to the node's
//     newest transaction, so live pushes are expected to apply directly.
//   - tailHole: a live push arrived that did not extend the window,
//     meaning transactions exist between the window and the push; the
//     hole must be repaired from pages before live delivery can resume.
//
// The assembler's own mutex serializes Wait and Pop against the socket's
// push callback.
type Assembler struct {
	mtx     sync.Mutex
	queue   *Queue
	fetcher *Fetcher

	// wake is raised whenever the stream may have advanced: a live push
	// was accepted, a hole was discovered, or the socket changed
	// status.  Wait blocks on it while idle at the tail.
	wake *csync.Signal

	reachedTail bool
	tailHole    bool

	// nextFetchOff is the offset in the ascending filtered list where
	// the next backfill page starts (the overlap position), or -1 when
	// it must be re-located first.
	nextFetchOff int64
}

// NewAssembler creates an assembler over the queue and fetcher.  The wake
// signal is shared with the push socket so that status changes also wake
// Wait.
func NewAssembler(queue *Queue, fetcher *Fetcher,
	wake *csync.Signal) *Assembler {

	return &Assembler{
		queue:        queue,
		fetcher:      fetcher,
		wake:         wake,
		nextFetchOff: -1,
	}
}

// PushLive offers a transaction received from the push socket.  Accepting
// it establishes that the stream is at the node's tail; rejecting it while
// at the tail marks a hole to repair.
func (a *Assembler) PushLive(tx *krist.Transaction) {
	a.mtx.Lock()
	accepted := a.queue.TryPush(tx)
	notify := false
	if accepted {
		a.reachedTail = true
		a.tailHole = false
		notify = a.queue.Poppable()
		log.Tracef("Accepted live transaction %d", tx.ID)
	} else if a.reachedTail {
		a.tailHole = true
		notify = true
		log.Debugf("Live transaction %d left a tail hole after %d",
			tx.ID, a.queue.LastSeenID())
	}
	a.mtx.Unlock()

	if notify {
		a.wake.Raise()
	}
}

// Poppable reports whether a transaction is ready.
func (a *Assembler) Poppable() bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.queue.Poppable()
}

// Pop removes and returns the next transaction in strict ascending order.
// Callers must have observed Poppable (or a nil Wait) since the last Pop.
func (a *Assembler) Pop() *krist.Transaction {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.queue.Pop()
}

// LastSeenID returns the raw id the seen window currently extends to.
func (a *Assembler) LastSeenID() int64 {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.queue.LastSeenID()
}

// Wait blocks until the queue has a poppable transaction, running backfill
// and tail-hole repair as needed, or until the context is canceled.
func (a *Assembler) Wait(ctx context.Context) error {
	for {
		a.mtx.Lock()
		if a.queue.Poppable() {
			a.mtx.Unlock()
			return nil
		}
		// The wake channel must be obtained before releasing the
		// mutex so a push between the check and the wait is not
		// lost.
		wakeCh := a.wake.Wait()
		reached, hole := a.reachedTail, a.tailHole
		a.mtx.Unlock()

		switch {
		case reached && hole:
			if err := a.fillTailHoles(ctx); err != nil {
				return err
			}
		case reached:
			select {
			case <-wakeCh:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			if err := a.populate(ctx); err != nil {
				return err
			}
		}
	}
}

// populate fetches the next backfill page and pushes it into the queue.
// Pages start at the overlap position so that a transaction deleted from
// the node since the previous page is detected as a rejected overlap, in
// which case the position is re-located.
func (a *Assembler) populate(ctx context.Context) error {
	a.mtx.Lock()
	fetchOff := a.nextFetchOff
	overlap := a.queue.OverlapID()
	lastSeen := a.queue.LastSeenID()
	a.mtx.Unlock()

	if fetchOff < 0 {
		target := overlap
		if target < 0 {
			target = lastSeen
		}
		off, found, err := a.fetcher.FindTransaction(ctx, target)
		if err != nil {
			return err
		}
		a.mtx.Lock()
		if found && (a.queue.OverlapID() == target ||
			(a.queue.OverlapID() < 0 &&
				a.queue.LastSeenID() == target)) {

			// The page at the located offset begins with the target,
			// which is either the anchor or the end of the seen
			// window; either way it serves as the overlap element.
			a.queue.ResetOverlap(target)
		} else {
			// The anchor is gone (deleted, or it never was part
			// of the filtered set); continue from the insertion
			// point without an overlap element.
			a.queue.ResetOverlap(-1)
		}
		a.nextFetchOff = off
		fetchOff = off
		a.mtx.Unlock()
		log.Debugf("Located backfill offset %d for id %d (found=%v)",
			off, target, found)
	}

	page, err := a.fetcher.Page(ctx, fetchOff, DefaultPageLimit)
	if err != nil {
		return err
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.nextFetchOff != fetchOff {
		// A concurrent repair moved the cursor; drop this page.
		return nil
	}
	if !a.queue.TryPushPage(page.Transactions) {
		// The overlap transaction disappeared from the node; force a
		// re-locate on the next round.
		log.Debugf("Backfill page at offset %d rejected, re-locating",
			fetchOff)
		a.nextFetchOff = -1
		return nil
	}
	if n := int64(len(page.Transactions)); n > 0 {
		a.nextFetchOff = fetchOff + n - 1
	}
	if fetchOff+int64(len(page.Transactions)) >= page.Total {
		a.reachedTail = true
		log.Debugf("Backfill reached tail at id %d",
			a.queue.LastSeenID())
	}
	return nil
}

// fillTailHoles repairs the gap between the seen window and the node's
// newest transaction.  It reads the tail of the unfiltered superset first
// and the tail of the filtered set strictly afterwards, so the filtered
// view is at least as new as the superset view; every filtered transaction
// up to the superset's newest id must then appear in one of the two pages,
// making it safe to advance the window to that id.
func (a *Assembler) fillTailHoles(ctx context.Context) error {
	var rawPage, filtPage *krist.TransactionPage
	rawDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(rawDone)
		var err error
		rawPage, err = a.fetcher.LastPageRaw(gctx, DefaultPageLimit)
		return err
	})
	g.Go(func() error {
		// Order matters: the filtered tail must be queried strictly
		// after the superset tail.
		select {
		case <-rawDone:
		case <-gctx.Done():
			return gctx.Err()
		}
		var err error
		filtPage, err = a.fetcher.LastPage(gctx, DefaultPageLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()

	if len(rawPage.Transactions) == 0 {
		// The node forgot everything; there is no tail to chase.
		a.tailHole = false
		return nil
	}
	rawTxs := rawPage.Transactions
	rawLast := rawTxs[len(rawTxs)-1].ID
	lastSeen := a.queue.LastSeenID()

	if rawTxs[0].ID > lastSeen+1 && int64(len(rawTxs)) == DefaultPageLimit {
		// The hole is wider than one page of the superset; fall back
		// to paged backfill.
		a.fallbackToBackfill("tail hole exceeds one page")
		return nil
	}

	filtStart := filtPage.Total - int64(len(filtPage.Transactions))
	if a.nextFetchOff >= 0 && filtStart > a.nextFetchOff {
		// The filtered tail page does not reach back to our overlap
		// position, so it may be missing matches; backfill instead.
		a.fallbackToBackfill("filtered tail does not cover overlap")
		return nil
	}

	// The filtered tail must be a subset of the superset within the
	// superset's range, otherwise the two snapshots are inconsistent.
	rawIDs := make(map[int64]struct{}, len(rawTxs))
	for i := range rawTxs {
		rawIDs[rawTxs[i].ID] = struct{}{}
	}
	var unseen []krist.Transaction
	for i := range filtPage.Transactions {
		tx := filtPage.Transactions[i]
		if tx.ID <= lastSeen || tx.ID > rawLast {
			continue
		}
		if _, ok := rawIDs[tx.ID]; !ok {
			a.fallbackToBackfill("filtered tail not contained " +
				"in superset tail")
			return nil
		}
		unseen = append(unseen, tx)
	}

	a.queue.PushTail(unseen, rawLast)
	a.tailHole = false
	if n := len(unseen); n > 0 {
		// The overlap moved to the newest pushed match; its offset is
		// where that match sits in the filtered list.
		for i := len(filtPage.Transactions) - 1; i >= 0; i-- {
			if filtPage.Transactions[i].ID == unseen[n-1].ID {
				a.nextFetchOff = filtStart + int64(i)
				break
			}
		}
	}
	log.Debugf("Repaired tail hole: advanced to id %d (%d new)",
		rawLast, len(unseen))
	return nil
}

// fallbackToBackfill drops out of tail mode so populate takes over.  The
// caller must hold the assembler mutex.
func (a *Assembler) fallbackToBackfill(reason string) {
	log.Debugf("Tail repair falling back to backfill: %s", reason)
	a.reachedTail = false
	a.tailHole = false
	a.nextFetchOff = -1
}
