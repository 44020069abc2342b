// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstream

import (
	"context"
	"errors"

	"github.com/kstream/kstream/krist"
)

const (
	// DefaultPageLimit is the page size used for backfill and locator
	// tail fetches.
	DefaultPageLimit = 50

	// interpolationRounds is how many probes use interpolation search
	// before the locator degrades to plain binary search.
	interpolationRounds = 3

	// locatorMaxRestarts bounds how often the locator restarts after
	// detecting concurrent deletions before giving up.
	locatorMaxRestarts = 5
)

// ErrLocatorDiverged is returned when the offset locator keeps observing
// inconsistent orderings, meaning the node's transaction list is changing
// faster than the search converges.
var ErrLocatorDiverged = errors.New("txstream: transaction locator failed " +
	"to converge")

// Fetcher reads contiguous pages of the filtered transaction list from the
// node and locates ids within it.
type Fetcher struct {
	client *krist.Client
	filter krist.Filter
}

// NewFetcher creates a fetcher over the given filtered set.
func NewFetcher(client *krist.Client, filter krist.Filter) *Fetcher {
	return &Fetcher{client: client, filter: filter}
}

// Page fetches limit transactions of the filtered set in ascending id
// order, starting at offset.
func (f *Fetcher) Page(ctx context.Context, offset, limit int64) (
	*krist.TransactionPage, error) {

	return f.client.LookupTransactions(ctx, &krist.LookupOpts{
		Address:      f.filter.Address,
		IncludeMined: f.filter.IncludeMined,
		Order:        krist.OrderAsc,
		Offset:       offset,
		Limit:        limit,
	})
}

// LastPage fetches the newest limit transactions of the filtered set,
// returned in ascending id order.
func (f *Fetcher) LastPage(ctx context.Context, limit int64) (
	*krist.TransactionPage, error) {

	return f.lastPage(ctx, limit, f.filter)
}

// LastPageRaw is LastPage over the unfiltered superset of all transactions.
func (f *Fetcher) LastPageRaw(ctx context.Context, limit int64) (
	*krist.TransactionPage, error) {

	return f.lastPage(ctx, limit, krist.Filter{IncludeMined: true})
}

func (f *Fetcher) lastPage(ctx context.Context, limit int64,
	filter krist.Filter) (*krist.TransactionPage, error) {

	page, err := f.client.LookupTransactions(ctx, &krist.LookupOpts{
		Address:      filter.Address,
		IncludeMined: filter.IncludeMined,
		Order:        krist.OrderDesc,
		Limit:        limit,
	})
	if err != nil {
		return nil, err
	}
	// Flip the descending page into ascending order.
	txs := page.Transactions
	for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
		txs[i], txs[j] = txs[j], txs[i]
	}
	return page, nil
}

// Total returns the size of the filtered set.
func (f *Fetcher) Total(ctx context.Context) (int64, error) {
	page, err := f.Page(ctx, 0, 1)
	if err != nil {
		return 0, err
	}
	return page.Total, nil
}

// FindTransaction locates id in the ascending filtered list.  When found is
// true, the transaction sits at the returned offset.  When found is false,
// the offset is the insertion point: the index of the first transaction
// with a larger id (which may equal the total).  An id of -1 always yields
// offset 0.
//
// The list can shrink while the search runs (the node deletes
// transactions), which shows up as probes violating the expected
// monotonicity or as a failed boundary validation; either restarts the
// whole search.
func (f *Fetcher) FindTransaction(ctx context.Context, id int64) (
	offset int64, found bool, err error) {

	for attempt := 0; attempt <= locatorMaxRestarts; attempt++ {
		offset, found, err = f.findOnce(ctx, id)
		if err == nil {
			return offset, found, nil
		}
		if !errors.Is(err, errLocatorRestart) {
			return 0, false, err
		}
		log.Debugf("Restarting transaction locator for id %d "+
			"(attempt %d)", id, attempt+1)
	}
	return 0, false, ErrLocatorDiverged
}

// errLocatorRestart is the internal marker that one search round observed
// an inconsistency.
var errLocatorRestart = errors.New("txstream: locator restart")

func (f *Fetcher) findOnce(ctx context.Context, id int64) (int64, bool, error) {
	if id < 0 {
		return 0, false, nil
	}

	// Fast path: the target is usually near the tail.
	tail, err := f.LastPage(ctx, DefaultPageLimit)
	if err != nil {
		return 0, false, err
	}
	total := tail.Total
	if total == 0 || len(tail.Transactions) == 0 {
		return 0, false, nil
	}
	txs := tail.Transactions
	tailStart := total - int64(len(txs))
	if id > txs[len(txs)-1].ID {
		return total, false, nil
	}
	if id >= txs[0].ID {
		for i := range txs {
			if txs[i].ID == id {
				return tailStart + int64(i), true, nil
			}
			if txs[i].ID > id {
				return tailStart + int64(i), false, nil
			}
		}
	}
	if tailStart == 0 {
		// The tail page was the whole list and the id is below it.
		return 0, false, nil
	}

	// Bracket the search between offset 0 and the start of the tail
	// page.
	lo, err := f.probe(ctx, 0)
	if err != nil {
		return 0, false, err
	}
	loOff, loID := int64(0), lo
	if id < loID {
		return 0, false, nil
	}
	if id == loID {
		return 0, true, nil
	}
	hiOff, hiID := tailStart, txs[0].ID
	if id >= hiID {
		// Cannot happen given the tail scan above unless the list
		// changed under us.
		return 0, false, errLocatorRestart
	}

	rounds := 0
	for hiOff-loOff > 1 {
		var mid int64
		if rounds < interpolationRounds {
			span := hiOff - loOff
			mid = loOff + (id-loID)*span/(hiID-loID)
			if mid <= loOff {
				mid = loOff + 1
			}
			if mid >= hiOff {
				mid = hiOff - 1
			}
		} else {
			mid = (loOff + hiOff) / 2
		}
		rounds++

		probeID, err := f.probe(ctx, mid)
		if err != nil {
			return 0, false, err
		}
		if probeID <= loID || probeID >= hiID {
			// A deletion shifted the list mid-search.
			return 0, false, errLocatorRestart
		}
		switch {
		case probeID == id:
			if err := f.validate(ctx, mid, id); err != nil {
				return 0, false, err
			}
			return mid, true, nil
		case probeID < id:
			loOff, loID = mid, probeID
		default:
			hiOff, hiID = mid, probeID
		}
	}

	// Converged on an absent id: validate that the final bracket is
	// still adjacent and really straddles it.
	pair, err := f.Page(ctx, loOff, 2)
	if err != nil {
		return 0, false, err
	}
	if len(pair.Transactions) < 2 ||
		pair.Transactions[0].ID != loID ||
		pair.Transactions[1].ID != hiID {

		return 0, false, errLocatorRestart
	}
	return hiOff, false, nil
}

// probe fetches the id of the single transaction at the given offset.
func (f *Fetcher) probe(ctx context.Context, offset int64) (int64, error) {
	page, err := f.Page(ctx, offset, 1)
	if err != nil {
		return 0, err
	}
	if len(page.Transactions) == 0 {
		return 0, errLocatorRestart
	}
	return page.Transactions[0].ID, nil
}

// validate confirms a positive locator result with a two-element page at
// the final offset.
func (f *Fetcher) validate(ctx context.Context, offset, id int64) error {
	page, err := f.Page(ctx, offset, 2)
	if err != nil {
		return err
	}
	if len(page.Transactions) == 0 || page.Transactions[0].ID != id {
		return errLocatorRestart
	}
	return nil
}
