// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package krist

import "encoding/json"

// MakeRefundFor builds a SendRequest that returns amount to the originator
// of tx.  If the transaction metadata carries a "return" address, the
// refund is sent there, otherwise to the sending address.  Mining rewards
// and other transactions without a sender cannot be refunded and yield
// ErrNoSender.
func MakeRefundFor(privateKey string, tx *Transaction, amount int64,
	meta map[string]string, userData json.RawMessage) (*SendRequest, error) {

	to := tx.From
	if ret, ok := tx.Meta["return"]; ok && ret != "" {
		to = ret
	}
	if to == "" {
		return nil, ErrNoSender
	}

	req := &SendRequest{
		To:         to,
		Amount:     amount,
		PrivateKey: privateKey,
		UserData:   userData,
	}
	if meta != nil {
		req.Meta = make(map[string]string, len(meta))
		for k, v := range meta {
			req.Meta[k] = v
		}
	}
	return req, nil
}
