// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package krist

import (
	"encoding/json"
	"time"
)

// TxType identifies the kind of a transaction.  The set of known kinds is
// listed below; values received from the node that are not in the list are
// carried through verbatim so that new server-side kinds do not break
// decoding.
type TxType string

// Known transaction kinds.
const (
	TxTransfer     TxType = "transfer"
	TxMined        TxType = "mined"
	TxNamePurchase TxType = "name_purchase"
	TxNameTransfer TxType = "name_transfer"
	TxNameARecord  TxType = "name_a_record"
)

// Known reports whether the type is one of the kinds this package
// understands.
func (t TxType) Known() bool {
	switch t {
	case TxTransfer, TxMined, TxNamePurchase, TxNameTransfer,
		TxNameARecord:

		return true
	}
	return false
}

// timeLayout is the wire format of transaction timestamps.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Transaction is a single transaction as reported by the node, with the
// timestamp parsed and the CommonMeta metadata string split into a map.
type Transaction struct {
	// ID is the node-assigned, strictly increasing transaction id.
	ID int64

	// From is the sending address.  It is empty for mining rewards.
	From string

	// To is the receiving address.
	To string

	// Value is the transferred amount.
	Value int64

	// Time is the parsed server timestamp.
	Time time.Time

	// Type is the transaction kind.
	Type TxType

	// Name and SentName carry the name fields for name transactions.
	Name         string
	SentMetaname string
	SentName     string

	// RawMeta is the metadata string exactly as received.
	RawMeta string

	// Meta is RawMeta parsed with ParseCommonMeta.
	Meta map[string]string
}

// rawTransaction mirrors the node's JSON representation.
type rawTransaction struct {
	ID           int64   `json:"id"`
	From         *string `json:"from"`
	To           string  `json:"to"`
	Value        int64   `json:"value"`
	Time         string  `json:"time"`
	Type         string  `json:"type"`
	Name         *string `json:"name,omitempty"`
	SentMetaname *string `json:"sent_metaname,omitempty"`
	SentName     *string `json:"sent_name,omitempty"`
	Metadata     *string `json:"metadata,omitempty"`
}

// UnmarshalJSON decodes a transaction from the node's wire shape.
func (tx *Transaction) UnmarshalJSON(b []byte) error {
	var raw rawTransaction
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t, err := time.Parse(timeLayout, raw.Time)
	if err != nil {
		// Some node versions omit the millisecond component.
		t, err = time.Parse(time.RFC3339, raw.Time)
		if err != nil {
			return err
		}
	}
	*tx = Transaction{
		ID:    raw.ID,
		To:    raw.To,
		Value: raw.Value,
		Time:  t.UTC(),
		Type:  TxType(raw.Type),
	}
	if raw.From != nil {
		tx.From = *raw.From
	}
	if raw.Name != nil {
		tx.Name = *raw.Name
	}
	if raw.SentMetaname != nil {
		tx.SentMetaname = *raw.SentMetaname
	}
	if raw.SentName != nil {
		tx.SentName = *raw.SentName
	}
	if raw.Metadata != nil {
		tx.RawMeta = *raw.Metadata
		tx.Meta = ParseCommonMeta(tx.RawMeta)
	}
	return nil
}

// MarshalJSON encodes the transaction back into the node's wire shape.
// This is used when persisting an inbox slot to the state file, so a
// decode/encode round trip must be lossless for the fields above.
func (tx *Transaction) MarshalJSON() ([]byte, error) {
	raw := rawTransaction{
		ID:    tx.ID,
		To:    tx.To,
		Value: tx.Value,
		Time:  tx.Time.UTC().Format(timeLayout),
		Type:  string(tx.Type),
	}
	if tx.From != "" {
		raw.From = &tx.From
	}
	if tx.Name != "" {
		raw.Name = &tx.Name
	}
	if tx.SentMetaname != "" {
		raw.SentMetaname = &tx.SentMetaname
	}
	if tx.SentName != "" {
		raw.SentName = &tx.SentName
	}
	if tx.RawMeta != "" {
		raw.Metadata = &tx.RawMeta
	}
	return json.Marshal(&raw)
}

// TransactionPage is one page of a paged transaction lookup.
type TransactionPage struct {
	Count        int64
	Total        int64
	Transactions []Transaction
}

// SendRequest describes an outgoing transaction.  It is the payload stored
// in outbox entries and replayed across retries.
type SendRequest struct {
	// To is the recipient address or name.
	To string `json:"to"`

	// Amount is the amount to transfer.
	Amount int64 `json:"amount"`

	// PrivateKey authorizes the spend.
	PrivateKey string `json:"privatekey"`

	// Meta holds the metadata key-value pairs attached to the
	// transaction.  The dedup ref is appended separately at send time.
	Meta map[string]string `json:"meta,omitempty"`

	// UserData is opaque caller data carried alongside the entry and
	// handed back to the send outcome hooks.
	UserData json.RawMessage `json:"userData,omitempty"`
}

// Copy returns a deep copy of the request.
func (r *SendRequest) Copy() SendRequest {
	cp := *r
	if r.Meta != nil {
		cp.Meta = make(map[string]string, len(r.Meta))
		for k, v := range r.Meta {
			cp.Meta[k] = v
		}
	}
	if r.UserData != nil {
		cp.UserData = append(json.RawMessage(nil), r.UserData...)
	}
	return cp
}

// Filter is a value-level predicate over transactions, mirroring the
// server-side lookup filters.
type Filter struct {
	// Address, when non-empty, restricts matches to transactions sent
	// from or to the address.
	Address string

	// IncludeMined controls whether mining rewards match.
	IncludeMined bool
}

// Matches reports whether the transaction is observed under this filter.
func (f *Filter) Matches(tx *Transaction) bool {
	if tx.Type == TxMined && !f.IncludeMined {
		return false
	}
	if f.Address != "" && tx.From != f.Address && tx.To != f.Address {
		return false
	}
	return true
}
