// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package krist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testClient returns a client against the given handler with fast retries.
func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(&ClientConfig{
		Endpoint:      server.URL,
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return client
}

func TestClientBalance(t *testing.T) {
	require := require.New(t)

	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter,
		r *http.Request) {

		require.Equal("/addresses/kaddr000000", r.URL.Path)
		w.Write([]byte(`{"ok":true,"address":` +
			`{"address":"kaddr000000","balance":1234}}`))
	}))

	balance, err := client.Balance(context.Background(), "kaddr000000")
	require.NoError(err)
	require.Equal(int64(1234), balance)
}

func TestClientAPIError(t *testing.T) {
	require := require.New(t)

	var calls int32
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter,
		r *http.Request) {

		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"ok":false,"error":"address_not_found"}`))
	}))

	_, err := client.Balance(context.Background(), "knope0000000")
	apiErr, ok := IsAPIError(err)
	require.True(ok)
	require.Equal("address_not_found", apiErr.Code)

	// Structured errors are permanent and must not be retried.
	require.Equal(int32(1), atomic.LoadInt32(&calls))
}

func TestClientRetriesTransportErrors(t *testing.T) {
	require := require.New(t)

	var calls int32
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter,
		r *http.Request) {

		if atomic.AddInt32(&calls, 1) < 3 {
			// Not JSON: counts as never having reached the node.
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("<html>bad gateway</html>"))
			return
		}
		w.Write([]byte(`{"ok":true,"address":{"balance":7}}`))
	}))

	balance, err := client.Balance(context.Background(), "kaddr000000")
	require.NoError(err)
	require.Equal(int64(7), balance)
	require.Equal(int32(3), atomic.LoadInt32(&calls))
}

func TestClientLookupTransactions(t *testing.T) {
	require := require.New(t)

	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter,
		r *http.Request) {

		require.Equal("/lookup/transactions/kaddr000000", r.URL.Path)
		q := r.URL.Query()
		require.Equal("DESC", q.Get("order"))
		require.Equal("10", q.Get("offset"))
		require.Equal("5", q.Get("limit"))
		require.Equal("true", q.Get("includeMined"))

		w.Write([]byte(`{"ok":true,"count":1,"total":42,` +
			`"transactions":[{"id":42,"to":"kaddr000000",` +
			`"value":1,"time":"2024-03-01T00:00:00.000Z",` +
			`"type":"transfer"}]}`))
	}))

	page, err := client.LookupTransactions(context.Background(),
		&LookupOpts{
			Address:      "kaddr000000",
			IncludeMined: true,
			Order:        OrderDesc,
			Offset:       10,
			Limit:        5,
		})
	require.NoError(err)
	require.Equal(int64(42), page.Total)
	require.Len(page.Transactions, 1)
	require.Equal(int64(42), page.Transactions[0].ID)
}

func TestClientLastTransactionID(t *testing.T) {
	require := require.New(t)

	empty := testClient(t, http.HandlerFunc(func(w http.ResponseWriter,
		r *http.Request) {

		w.Write([]byte(`{"ok":true,"count":0,"total":0,` +
			`"transactions":[]}`))
	}))
	_, found, err := empty.LastTransactionID(context.Background())
	require.NoError(err)
	require.False(found)

	node := testClient(t, http.HandlerFunc(func(w http.ResponseWriter,
		r *http.Request) {

		require.Equal("DESC", r.URL.Query().Get("order"))
		require.Equal("1", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"ok":true,"count":1,"total":9,` +
			`"transactions":[{"id":9,"to":"k0","value":1,` +
			`"time":"2024-03-01T00:00:00.000Z","type":"mined"}]}`))
	}))
	id, found, err := node.LastTransactionID(context.Background())
	require.NoError(err)
	require.True(found)
	require.Equal(int64(9), id)
}

func TestClientRefExists(t *testing.T) {
	require := require.New(t)

	matches := int64(0)
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter,
		r *http.Request) {

		require.Equal("/search/extended", r.URL.Path)
		require.Equal("some-ref", r.URL.Query().Get("q"))
		resp := map[string]interface{}{
			"ok": true,
			"matches": map[string]interface{}{
				"transactions": map[string]int64{
					"metadata": matches,
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))

	exists, err := client.RefExists(context.Background(), "some-ref")
	require.NoError(err)
	require.False(exists)

	matches = 2
	exists, err = client.RefExists(context.Background(), "some-ref")
	require.NoError(err)
	require.True(exists)
}

func TestClientSendTransactionNotRetried(t *testing.T) {
	require := require.New(t)

	var calls int32
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter,
		r *http.Request) {

		atomic.AddInt32(&calls, 1)
		require.Equal(http.MethodPost, r.Method)

		var body struct {
			PrivateKey string `json:"privatekey"`
			To         string `json:"to"`
			Amount     int64  `json:"amount"`
			Metadata   string `json:"metadata"`
		}
		require.NoError(json.NewDecoder(r.Body).Decode(&body))
		require.Equal("pk", body.PrivateKey)
		require.Equal("kreceiver00", body.To)
		require.Equal(int64(5), body.Amount)
		require.Equal("ref=abc", body.Metadata)

		// A malformed response classifies as a transport failure.
		w.Write([]byte("garbage"))
	}))

	err := client.SendTransaction(context.Background(), "pk",
		"kreceiver00", 5, "ref=abc")
	require.True(IsTransportError(err))
	require.Equal(int32(1), atomic.LoadInt32(&calls))
}
