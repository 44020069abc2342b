// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package kstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/kstream/kstream/krist"
)

// sendOutcome scripts one transaction submission on the fake node.  landed
// controls whether the submission's ref is recorded as searchable,
// garble makes the response unparseable, and errCode rejects the submission
// with a structured error.
type sendOutcome struct {
	landed  bool
	garble  bool
	errCode string
}

// fakeNode is an in-memory node serving the lookup, search, submission and
// websocket-start endpoints over httptest.
type fakeNode struct {
	t      *testing.T
	server *httptest.Server

	mtx    sync.Mutex
	txs    []krist.Transaction // ascending by id
	refs   map[string]bool     // metadata refs of landed submissions
	posts  []map[string]string // parsed metadata of every submission
	script []sendOutcome       // consumed per submission; empty means success
}

func newFakeNode(t *testing.T) *fakeNode {
	n := &fakeNode{t: t, refs: make(map[string]bool)}
	n.server = httptest.NewServer(http.HandlerFunc(n.handle))
	t.Cleanup(n.server.Close)
	return n
}

func (n *fakeNode) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/lookup/transactions"):
		n.handleLookup(w, r)
	case r.URL.Path == "/search/extended":
		n.handleSearch(w, r)
	case r.URL.Path == "/transactions":
		n.handleSend(w, r)
	case r.URL.Path == "/ws/start":
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok": true, "url": n.server.URL + "/gateway",
		})
	case r.URL.Path == "/gateway":
		n.handleGateway(w, r)
	default:
		w.Write([]byte(`{"ok":false,"error":"not_found"}`))
	}
}

func (n *fakeNode) handleLookup(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimPrefix(
		strings.TrimPrefix(r.URL.Path, "/lookup/transactions"), "/")

	q := r.URL.Query()
	offset, _ := strconv.ParseInt(q.Get("offset"), 10, 64)
	limit := int64(50)
	if l := q.Get("limit"); l != "" {
		limit, _ = strconv.ParseInt(l, 10, 64)
	}

	filter := krist.Filter{
		Address:      address,
		IncludeMined: q.Get("includeMined") == "true",
	}
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

	json.NewEncoder(w).Encode(struct {
		OK           bool                `json:"ok"`
		Count        int64               `json:"count"`
		Total        int64               `json:"total"`
		Transactions []krist.Transaction `json:"transactions"`
	}{true, int64(len(page)), total, page})
}

func (n *fakeNode) handleSearch(w http.ResponseWriter, r *http.Request) {
	n.mtx.Lock()
	count := 0
	if n.refs[r.URL.Query().Get("q")] {
		count = 1
	}
	n.mtx.Unlock()

	resp := map[string]interface{}{
		"ok": true,
		"matches": map[string]interface{}{
			"transactions": map[string]interface{}{
				"metadata": count,
			},
		},
	}
	json.NewEncoder(w).Encode(resp)
}

func (n *fakeNode) handleSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PrivateKey string `json:"privatekey"`
		To         string `json:"to"`
		Amount     int64  `json:"amount"`
		Metadata   string `json:"metadata"`
	}
	if json.NewDecoder(r.Body).Decode(&body) != nil {
		w.Write([]byte(`{"ok":false,"error":"invalid_parameter"}`))
		return
	}
	meta := krist.ParseCommonMeta(body.Metadata)

	n.mtx.Lock()
	n.posts = append(n.posts, meta)
	outcome := sendOutcome{landed: true}
	if len(n.script) > 0 {
		outcome = n.script[0]
		n.script = n.script[1:]
	}
	if outcome.errCode == "" && outcome.landed {
		n.refs[meta["ref"]] = true
	}
	n.mtx.Unlock()

	switch {
	case outcome.errCode != "":
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok": false, "error": outcome.errCode,
		})
	case outcome.garble:
		w.Write([]byte("gateway timeout"))
	default:
		w.Write([]byte(`{"ok":true}`))
	}
}

func (n *fakeNode) handleGateway(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	// Consume the subscribe frame, then hold the connection open.
	if _, _, err := conn.Read(r.Context()); err != nil {
		return
	}
	<-r.Context().Done()
}

func (n *fakeNode) add(ids ...int64) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	for _, id := range ids {
		n.txs = append(n.txs, krist.Transaction{
			ID: id, From: "ksender0000", To: "kreceiver00",
			Value: 1, Type: krist.TxTransfer,
		})
	}
}

func (n *fakeNode) postCount() int {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return len(n.posts)
}

func (n *fakeNode) post(i int) map[string]string {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.posts[i]
}

func (n *fakeNode) addRef(ref string) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.refs[ref] = true
}

func (n *fakeNode) setScript(script ...sendOutcome) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.script = script
}

func createTestStream(t *testing.T, node *fakeNode, opts ...Option) string {
	t.Helper()
	dir := t.TempDir()
	opts = append(opts, WithRetryInterval(time.Millisecond))
	require.NoError(t, Create(context.Background(), dir, node.server.URL,
		opts...))
	return dir
}
