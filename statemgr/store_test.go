// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package statemgr

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstream/kstream/krist"
)

var testParams = &Params{
	Endpoint:     "https://node.example",
	IncludeMined: false,
	Address:      "kaddr000000",
	LastPoppedID: 41,
}

func TestCreateOpenRoundTrip(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	store, err := Create(dir, testParams)
	require.NoError(err)
	require.Equal(dir, store.Dir())

	state := store.State()
	require.Equal("https://node.example", state.Endpoint)
	require.Equal("kaddr000000", state.Address)
	require.Equal(int64(41), state.LastPoppedID)
	require.NotNil(state.Committed)
	require.Empty(state.Committed.Outbox)
	require.Nil(state.Prepared)

	reopened, err := Open(dir)
	require.NoError(err)
	require.Equal(state.Endpoint, reopened.State().Endpoint)
	require.Equal(state.LastPoppedID, reopened.State().LastPoppedID)
}

func TestCreateAlreadyExists(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	_, err := Create(dir, testParams)
	require.NoError(err)

	_, err = Create(dir, testParams)
	require.True(IsError(err, ErrAlreadyExists))
}

func TestOpenInvalidDir(t *testing.T) {
	require := require.New(t)

	_, err := Open(t.TempDir())
	require.True(IsError(err, ErrInvalidDir))
}

func TestOpenCorruptState(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	path := filepath.Join(dir, stateFilename)
	require.NoError(os.WriteFile(path, []byte("not json"), 0600))

	_, err := Open(dir)
	require.True(IsError(err, ErrCorrupt))
}

func TestCommitPersists(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	store, err := Create(dir, testParams)
	require.NoError(err)

	store.State().LastPoppedID = 99
	store.State().Committed.Inbox = &krist.Transaction{
		ID: 99, To: "kaddr000000", Value: 5, Type: krist.TxTransfer,
	}
	require.NoError(store.Commit())

	reopened, err := Open(dir)
	require.NoError(err)
	require.Equal(int64(99), reopened.State().LastPoppedID)
	require.NotNil(reopened.State().Committed.Inbox)
	require.Equal(int64(99), reopened.State().Committed.Inbox.ID)
}

// TestOpenRemovesCreateRemnant covers a crash between writing the create
// file and renaming it into place.
func TestOpenRemovesCreateRemnant(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	_, err := Create(dir, testParams)
	require.NoError(err)
	newPath := filepath.Join(dir, newFilename)
	require.NoError(os.WriteFile(newPath, []byte("garbage"), 0600))

	_, err = Open(dir)
	require.NoError(err)
	_, err = os.Stat(newPath)
	require.True(os.IsNotExist(err))
}

// TestOpenDiscardsIncompleteWrite covers a crash after writing the pending
// file but before removing the canonical one: the pending version must be
// thrown away.
func TestOpenDiscardsIncompleteWrite(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	_, err := Create(dir, testParams)
	require.NoError(err)
	modPath := filepath.Join(dir, modFilename)
	require.NoError(os.WriteFile(modPath, []byte("incomplete"), 0600))

	store, err := Open(dir)
	require.NoError(err)
	require.Equal(int64(41), store.State().LastPoppedID)
	_, err = os.Stat(modPath)
	require.True(os.IsNotExist(err))
}

// TestOpenRecoversPendingWrite covers a crash after removing the canonical
// file but before renaming the pending one: the pending version is the
// newest valid state and must be promoted.
func TestOpenRecoversPendingWrite(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	store, err := Create(dir, testParams)
	require.NoError(err)
	store.State().LastPoppedID = 77

	raw, err := json.Marshal(store.State())
	require.NoError(err)
	require.NoError(os.WriteFile(filepath.Join(dir, modFilename), raw,
		0600))
	require.NoError(os.Remove(filepath.Join(dir, stateFilename)))

	reopened, err := Open(dir)
	require.NoError(err)
	require.Equal(int64(77), reopened.State().LastPoppedID)
}

// writePrepared simulates a crash mid two-phase commit by writing a state
// file carrying both a committed and a prepared snapshot.
func writePrepared(t *testing.T, dir string) (committedRev,
	preparedRev uint64) {

	t.Helper()
	require := require.New(t)

	store, err := Create(dir, testParams)
	require.NoError(err)

	state := store.State()
	prepared := state.Committed.Copy()
	prepared.Revision++
	prepared.Outbox = append(prepared.Outbox, OutboxEntry{
		Status: StatusPending,
		Transaction: krist.SendRequest{
			To: "kreceiver00", Amount: 5, PrivateKey: "pk",
		},
	})
	state.Prepared = prepared

	raw, err := json.Marshal(state)
	require.NoError(err)
	require.NoError(os.WriteFile(filepath.Join(dir, stateFilename), raw,
		0600))
	return state.Committed.Revision, prepared.Revision
}

func TestOpenRevisionPromotesPrepared(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	_, preparedRev := writePrepared(t, dir)

	store, err := OpenRevision(dir, preparedRev)
	require.NoError(err)

	state := store.State()
	require.Nil(state.Prepared)
	require.Equal(preparedRev, state.Committed.Revision)
	require.Len(state.Committed.Outbox, 1)

	// The recovery decision must itself be durable.
	reopened, err := Open(dir)
	require.NoError(err)
	require.Equal(preparedRev, reopened.State().Committed.Revision)
	require.Len(reopened.State().Committed.Outbox, 1)
}

func TestOpenDiscardsPrepared(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	committedRev, _ := writePrepared(t, dir)

	store, err := Open(dir)
	require.NoError(err)

	state := store.State()
	require.Nil(state.Prepared)
	require.Equal(committedRev, state.Committed.Revision)
	require.Empty(state.Committed.Outbox)
}

func TestOpenRevisionMismatchDiscardsPrepared(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	committedRev, preparedRev := writePrepared(t, dir)

	store, err := OpenRevision(dir, preparedRev+100)
	require.NoError(err)

	state := store.State()
	require.Nil(state.Prepared)
	require.Equal(committedRev, state.Committed.Revision)
	require.Empty(state.Committed.Outbox)
}

func TestLockPanicsOnVisiblePrepared(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	store, err := Create(dir, testParams)
	require.NoError(err)
	store.State().Prepared = store.State().Committed.Copy()

	require.Panics(func() { store.Lock(context.Background()) })
}

func TestOutboxStatusJSON(t *testing.T) {
	require := require.New(t)

	for _, status := range []OutboxStatus{
		StatusPending, StatusUnknown, StatusSent,
	} {
		raw, err := json.Marshal(status)
		require.NoError(err)

		var back OutboxStatus
		require.NoError(json.Unmarshal(raw, &back))
		require.Equal(status, back)
	}

	var bad OutboxStatus
	require.Error(json.Unmarshal([]byte(`"lost"`), &bad))
}

func TestBoxesCopyIsDeep(t *testing.T) {
	require := require.New(t)

	orig := &Boxes{
		Revision: 3,
		Inbox: &krist.Transaction{
			ID: 1, Meta: map[string]string{"a": "1"},
		},
		Outbox: []OutboxEntry{{
			Status: StatusPending,
			Transaction: krist.SendRequest{
				To: "k0", Meta: map[string]string{"b": "2"},
			},
		}},
	}
	cp := orig.Copy()

	cp.Inbox.Meta["a"] = "changed"
	cp.Outbox[0].Transaction.Meta["b"] = "changed"
	cp.Outbox[0].Status = StatusSent

	require.Equal("1", orig.Inbox.Meta["a"])
	require.Equal("2", orig.Outbox[0].Transaction.Meta["b"])
	require.Equal(StatusPending, orig.Outbox[0].Status)
}
