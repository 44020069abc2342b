// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kstream/kstream/krist"
)

// fakeNode is an in-memory node serving the paged transaction lookup API
// over httptest.  Its transaction list can change between requests, which
// the locator and assembler must tolerate.
type fakeNode struct {
	t      *testing.T
	server *httptest.Server

	mtx sync.Mutex
	txs []krist.Transaction // ascending by id
}

func newFakeNode(t *testing.T) *fakeNode {
	n := &fakeNode{t: t}
	n.server = httptest.NewServer(http.HandlerFunc(n.handle))
	t.Cleanup(n.server.Close)
	return n
}

func (n *fakeNode) client() *krist.Client {
	client, err := krist.NewClient(&krist.ClientConfig{
		Endpoint:      n.server.URL,
		RetryInterval: time.Millisecond,
	})
	require.NoError(n.t, err)
	return client
}

func (n *fakeNode) add(txs ...krist.Transaction) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.txs = append(n.txs, txs...)
}

func (n *fakeNode) remove(id int64) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	for i := range n.txs {
		if n.txs[i].ID == id {
			n.txs = append(n.txs[:i], n.txs[i+1:]...)
			return
		}
	}
}

func (n *fakeNode) handle(w http.ResponseWriter, r *http.Request) {
	const lookupPrefix = "/lookup/transactions"
	if !strings.HasPrefix(r.URL.Path, lookupPrefix) {
		w.Write([]byte(`{"ok":false,"error":"not_found"}`))
		return
	}
	address := strings.TrimPrefix(
		strings.TrimPrefix(r.URL.Path, lookupPrefix), "/")

	q := r.URL.Query()
	includeMined := q.Get("includeMined") == "true"
	offset, _ := strconv.ParseInt(q.Get("offset"), 10, 64)
	limit := int64(50)
	if l := q.Get("limit"); l != "" {
		limit, _ = strconv.ParseInt(l, 10, 64)
	}

	filter := krist.Filter{Address: address, IncludeMined: includeMined}
	n.mtx.Lock()
	var matched []krist.Transaction
	for i := range n.txs {
		if filter.Matches(&n.txs[i]) {
			matched = append(matched, n.txs[i])
		}
	}
	n.mtx.Unlock()

	if q.Get("order") == "DESC" {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	total := int64(len(matched))
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := matched[offset:end]

	resp := struct {
		OK           bool                `json:"ok"`
		Count        int64               `json:"count"`
		Total        int64               `json:"total"`
		Transactions []krist.Transaction `json:"transactions"`
	}{
		OK:           true,
		Count:        int64(len(page)),
		Total:        total,
		Transactions: page,
	}
	json.NewEncoder(w).Encode(&resp)
}

// seqTxs returns count ascending transfer transactions with the given ids.
func seqTxs(ids ...int64) []krist.Transaction {
	txs := make([]krist.Transaction, 0, len(ids))
	for _, id := range ids {
		txs = append(txs, tx(id, "kreceiver00"))
	}
	return txs
}
