// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package krist

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTransactionUnmarshal(t *testing.T) {
	require := require.New(t)

	raw := `{
		"id": 42,
		"from": "ksender0000",
		"to": "kreceiver00",
		"value": 150,
		"time": "2024-03-01T12:30:45.123Z",
		"type": "transfer",
		"metadata": "return=krefund000;message=hi"
	}`
	var tx Transaction
	require.NoError(json.Unmarshal([]byte(raw), &tx))

	require.Equal(int64(42), tx.ID)
	require.Equal("ksender0000", tx.From)
	require.Equal("kreceiver00", tx.To)
	require.Equal(int64(150), tx.Value)
	require.Equal(TxTransfer, tx.Type)
	require.Equal(time.Date(2024, 3, 1, 12, 30, 45, 123000000, time.UTC),
		tx.Time)
	require.Equal("return=krefund000;message=hi", tx.RawMeta)
	require.Equal(map[string]string{
		"return":  "krefund000",
		"message": "hi",
	}, tx.Meta)
}

func TestTransactionUnmarshalMinedNoFrom(t *testing.T) {
	require := require.New(t)

	raw := `{
		"id": 7,
		"from": null,
		"to": "kminer00000",
		"value": 25,
		"time": "2024-03-01T00:00:00.000Z",
		"type": "mined"
	}`
	var tx Transaction
	require.NoError(json.Unmarshal([]byte(raw), &tx))
	require.Equal("", tx.From)
	require.Equal(TxMined, tx.Type)
	require.Empty(tx.Meta)
}

func TestTransactionUnmarshalSecondPrecisionTime(t *testing.T) {
	require := require.New(t)

	raw := `{"id":1,"to":"k0","value":1,"time":"2024-03-01T00:00:05Z",` +
		`"type":"transfer"}`
	var tx Transaction
	require.NoError(json.Unmarshal([]byte(raw), &tx))
	require.Equal(time.Date(2024, 3, 1, 0, 0, 5, 0, time.UTC), tx.Time)
}

func TestTransactionMarshalRoundTrip(t *testing.T) {
	require := require.New(t)

	orig := Transaction{
		ID:      1234,
		From:    "ksender0000",
		To:      "kreceiver00",
		Value:   99,
		Time:    time.Date(2024, 5, 6, 7, 8, 9, 500000000, time.UTC),
		Type:    TxNameTransfer,
		Name:    "example",
		RawMeta: "a=1",
		Meta:    map[string]string{"a": "1"},
	}
	raw, err := json.Marshal(&orig)
	require.NoError(err)

	var back Transaction
	require.NoError(json.Unmarshal(raw, &back))
	require.Equal(orig, back)
}

func TestTxTypeKnown(t *testing.T) {
	require := require.New(t)

	require.True(TxTransfer.Known())
	require.True(TxMined.Known())
	require.False(TxType("staking").Known())
}

func TestFilterMatches(t *testing.T) {
	require := require.New(t)

	transfer := &Transaction{
		Type: TxTransfer, From: "kaaaaaaaaa0", To: "kbbbbbbbbb0",
	}
	mined := &Transaction{Type: TxMined, To: "kaaaaaaaaa0"}

	all := Filter{}
	require.True(all.Matches(transfer))
	require.False(all.Matches(mined))

	withMined := Filter{IncludeMined: true}
	require.True(withMined.Matches(mined))

	from := Filter{Address: "kaaaaaaaaa0"}
	require.True(from.Matches(transfer))

	to := Filter{Address: "kbbbbbbbbb0"}
	require.True(to.Matches(transfer))

	other := Filter{Address: "kccccccccc0"}
	require.False(other.Matches(transfer))

	// An address filter alone still excludes mined rewards.
	minedTo := Filter{Address: "kaaaaaaaaa0"}
	require.False(minedTo.Matches(mined))
}

func TestSendRequestCopy(t *testing.T) {
	require := require.New(t)

	orig := SendRequest{
		To:         "kreceiver00",
		Amount:     5,
		PrivateKey: "pk",
		Meta:       map[string]string{"a": "1"},
		UserData:   json.RawMessage(`{"x":1}`),
	}
	cp := orig.Copy()
	require.Equal(orig, cp)

	cp.Meta["a"] = "2"
	cp.UserData[0] = '['
	require.Equal("1", orig.Meta["a"])
	require.Equal(byte('{'), orig.UserData[0])
}
