// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package krist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// defaultRetryInterval is the initial backoff interval for retried
	// requests.
	defaultRetryInterval = 250 * time.Millisecond

	// maxRetryInterval caps the exponential backoff.
	maxRetryInterval = 10 * time.Second

	// maxResponseSize bounds how much of a response body is read.
	maxResponseSize = 8 << 20
)

// ClientConfig holds the options for a node API client.
type ClientConfig struct {
	// Endpoint is the base URL of the node, e.g. "https://krist.dev".
	Endpoint string

	// HTTP is the underlying HTTP client.  If nil, a client with a
	// 30 second request timeout is used.
	HTTP *http.Client

	// RetryInterval overrides the initial backoff interval for retried
	// requests.  Mostly useful to speed up tests.
	RetryInterval time.Duration
}

// Client is a client for the node's HTTP API.  Idempotent requests are
// retried with exponential backoff until the caller's context expires;
// transaction submission is never retried here (the outbox send loop owns
// that via the ref resolver).
type Client struct {
	base          *url.URL
	http          *http.Client
	retryInterval time.Duration
}

// NewClient creates a Client for the given node.
func NewClient(cfg *ClientConfig) (*Client, error) {
	base, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("krist: invalid endpoint %q: %w",
			cfg.Endpoint, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("krist: unsupported endpoint scheme %q",
			base.Scheme)
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	retryInterval := cfg.RetryInterval
	if retryInterval == 0 {
		retryInterval = defaultRetryInterval
	}
	return &Client{
		base:          base,
		http:          httpClient,
		retryInterval: retryInterval,
	}, nil
}

// Endpoint returns the configured base URL.
func (c *Client) Endpoint() string {
	return c.base.String()
}

// apiEnvelope is the response wrapper common to every endpoint.
type apiEnvelope struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// errTransport marks failures where no well-formed response was received.
// These are the retriable class.
type errTransport struct {
	err error
}

func (e *errTransport) Error() string { return e.err.Error() }
func (e *errTransport) Unwrap() error { return e.err }

// IsTransportError reports whether err represents a request for which no
// well-formed response arrived, meaning the outcome on the node is unknown.
func IsTransportError(err error) bool {
	var te *errTransport
	return errors.As(err, &te)
}

// do performs a single request and decodes the response into out (which may
// be nil).  A well-formed ok=false body is returned as an *APIError.
func (c *Client) do(ctx context.Context, method, apiPath string,
	query url.Values, body, out interface{}) error {

	u := *c.base
	u.Path = path.Join(u.Path, apiPath)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &errTransport{err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &errTransport{err: err}
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// The node always answers JSON, even for errors.  A body we
		// cannot decode means we never reached it.
		return &errTransport{err: fmt.Errorf("malformed response "+
			"(status %d): %w", resp.StatusCode, err)}
	}
	if !env.OK {
		if env.Error == "" {
			// A failure response without an error code violates
			// the API contract; the connection state is
			// unknowable.
			panic(fmt.Sprintf("krist: node returned failure "+
				"without error code (status %d)",
				resp.StatusCode))
		}
		return &APIError{Code: env.Error, Message: env.Message}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &errTransport{err: fmt.Errorf("malformed "+
				"response body: %w", err)}
		}
	}
	return nil
}

// retry runs op with exponential backoff until it succeeds, returns a
// permanent error, or ctx expires.  Only transport errors are retried.
func (c *Client) retry(ctx context.Context, what string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxInterval = maxRetryInterval
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsTransportError(err) {
			log.Debugf("Retrying %s: %v", what, err)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

// Balance returns the balance of an address.
func (c *Client) Balance(ctx context.Context, address string) (int64, error) {
	var out struct {
		Address struct {
			Balance int64 `json:"balance"`
		} `json:"address"`
	}
	err := c.retry(ctx, "address lookup", func() error {
		return c.do(ctx, http.MethodGet, "/addresses/"+address, nil,
			nil, &out)
	})
	if err != nil {
		return 0, err
	}
	return out.Address.Balance, nil
}

// Order selects the sort direction of a paged lookup.
type Order string

// Lookup sort directions.
const (
	OrderAsc  Order = "ASC"
	OrderDesc Order = "DESC"
)

// LookupOpts parameterizes a paged transaction lookup.
type LookupOpts struct {
	// Address restricts results to transactions touching the address.
	// Empty means all transactions.
	Address string

	// IncludeMined includes mining rewards in the results.
	IncludeMined bool

	// Order is the id sort direction; defaults to ascending.
	Order Order

	// Offset and Limit select the page.
	Offset int64
	Limit  int64
}

// LookupTransactions fetches one page of transactions.
func (c *Client) LookupTransactions(ctx context.Context,
	opts *LookupOpts) (*TransactionPage, error) {

	apiPath := "/lookup/transactions"
	if opts.Address != "" {
		apiPath += "/" + opts.Address
	}

	query := url.Values{}
	order := opts.Order
	if order == "" {
		order = OrderAsc
	}
	query.Set("order", string(order))
	query.Set("offset", strconv.FormatInt(opts.Offset, 10))
	if opts.Limit > 0 {
		query.Set("limit", strconv.FormatInt(opts.Limit, 10))
	}
	if opts.IncludeMined {
		query.Set("includeMined", "true")
	}

	var out struct {
		Count        int64         `json:"count"`
		Total        int64         `json:"total"`
		Transactions []Transaction `json:"transactions"`
	}
	err := c.retry(ctx, "transaction lookup", func() error {
		return c.do(ctx, http.MethodGet, apiPath, query, nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return &TransactionPage{
		Count:        out.Count,
		Total:        out.Total,
		Transactions: out.Transactions,
	}, nil
}

// LastTransactionID returns the id of the newest transaction known to the
// node, across all addresses and including mined rewards.  ok is false when
// the node has no transactions at all.
func (c *Client) LastTransactionID(ctx context.Context) (int64, bool, error) {
	page, err := c.LookupTransactions(ctx, &LookupOpts{
		IncludeMined: true,
		Order:        OrderDesc,
		Limit:        1,
	})
	if err != nil {
		return 0, false, err
	}
	if len(page.Transactions) == 0 {
		return 0, false, nil
	}
	return page.Transactions[0].ID, true, nil
}

// RefExists queries the extended search endpoint for a metadata ref and
// reports whether any transaction on the node carries it.
func (c *Client) RefExists(ctx context.Context, ref string) (bool, error) {
	query := url.Values{}
	query.Set("q", ref)

	var out struct {
		Matches struct {
			Transactions struct {
				Metadata int64 `json:"metadata"`
			} `json:"transactions"`
		} `json:"matches"`
	}
	err := c.retry(ctx, "ref search", func() error {
		return c.do(ctx, http.MethodGet, "/search/extended", query,
			nil, &out)
	})
	if err != nil {
		return false, err
	}
	return out.Matches.Transactions.Metadata > 0, nil
}

// SendTransaction submits a transaction.  It is intentionally NOT retried:
// a transport failure means the outcome is unknown and must be resolved
// through RefExists before any resend.
func (c *Client) SendTransaction(ctx context.Context, privateKey, to string,
	amount int64, metadata string) error {

	body := struct {
		PrivateKey string `json:"privatekey"`
		To         string `json:"to"`
		Amount     int64  `json:"amount"`
		Metadata   string `json:"metadata,omitempty"`
	}{
		PrivateKey: privateKey,
		To:         to,
		Amount:     amount,
		Metadata:   metadata,
	}
	return c.do(ctx, http.MethodPost, "/transactions/", nil, &body, nil)
}

// StartWebsocket requests a fresh websocket URL from the node.  The request
// is idempotent and retried.
func (c *Client) StartWebsocket(ctx context.Context) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	err := c.retry(ctx, "websocket start", func() error {
		return c.do(ctx, http.MethodPost, "/ws/start", nil, nil, &out)
	})
	if err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", errors.New("krist: node returned empty websocket URL")
	}
	return out.URL, nil
}
