// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package statemgr

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/davecgh/go-spew/spew"
	"github.com/kstream/kstream/csync"
)

// State file names inside a stream directory.  At every instant exactly one
// of {stateFilename, modFilename} holds a valid prior version of the state.
const (
	// stateFilename is the canonical state file.
	stateFilename = "stream.ltn"

	// modFilename holds the pending new version during a commit.
	modFilename = "stream.mod.ltn"

	// newFilename is used only while creating a fresh stream directory.
	newFilename = "stream.new.ltn"
)

// Params describes a stream to create.
type Params struct {
	// Endpoint is the base URL of the node.
	Endpoint string

	// IncludeMined controls whether mining rewards are observed.
	IncludeMined bool

	// Address optionally restricts observation to one address.
	Address string

	// LastPoppedID seeds the delivery cursor, normally with the node's
	// current newest transaction id so history is not replayed.  Use -1
	// to deliver everything the node still remembers.
	LastPoppedID int64
}

// Store owns the durable stream state.  All reads and writes of the state
// must happen while holding the store's mutex; Commit makes the in-memory
// state durable using a two-phase file protocol that is recoverable after a
// crash at any point.
type Store struct {
	dir   string
	mtx   *csync.Mutex
	state *StoredState
}

// Create initializes dir as a fresh stream directory.  It fails with
// ErrAlreadyExists if the directory already holds a stream.
func Create(dir string, params *Params) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, storeError(ErrIO, "cannot create state directory",
			err)
	}
	canonical := filepath.Join(dir, stateFilename)
	if _, err := os.Stat(canonical); err == nil {
		return nil, storeError(ErrAlreadyExists,
			"state file already exists in "+dir, nil)
	} else if !os.IsNotExist(err) {
		return nil, storeError(ErrIO, "cannot stat state file", err)
	}

	state := &StoredState{
		Endpoint:     params.Endpoint,
		IncludeMined: params.IncludeMined,
		Address:      params.Address,
		LastPoppedID: params.LastPoppedID,
		Committed:    &Boxes{Outbox: []OutboxEntry{}},
	}

	newPath := filepath.Join(dir, newFilename)
	if err := writeFileSync(newPath, state); err != nil {
		return nil, err
	}
	if err := os.Rename(newPath, canonical); err != nil {
		return nil, storeError(ErrIO, "cannot finalize state file", err)
	}
	syncDir(dir)

	log.Infof("Created stream state in %s (endpoint %s, last id %d)",
		dir, params.Endpoint, params.LastPoppedID)
	return &Store{dir: dir, mtx: csync.NewMutex(), state: state}, nil
}

// Open opens an existing stream directory, recovering from any interrupted
// prior write.  A prepared snapshot found on disk is discarded.
func Open(dir string) (*Store, error) {
	return open(dir, nil)
}

// OpenRevision opens an existing stream directory like Open, but promotes a
// prepared snapshot whose revision matches the given one.  This is the
// restart half of the two-phase commit handshake with an external store.
func OpenRevision(dir string, revision uint64) (*Store, error) {
	return open(dir, &revision)
}

func open(dir string, revision *uint64) (*Store, error) {
	canonical := filepath.Join(dir, stateFilename)
	modPath := filepath.Join(dir, modFilename)
	newPath := filepath.Join(dir, newFilename)

	// A leftover create file is always garbage: create either renamed it
	// into place or never finished.
	if err := os.Remove(newPath); err != nil && !os.IsNotExist(err) {
		return nil, storeError(ErrIO, "cannot remove create remnant",
			err)
	}

	switch _, err := os.Stat(canonical); {
	case err == nil:
		// The canonical file survived, so any pending version is an
		// incomplete write from before the crash.
		if err := os.Remove(modPath); err != nil &&
			!os.IsNotExist(err) {

			return nil, storeError(ErrIO,
				"cannot remove incomplete state write", err)
		}

	case os.IsNotExist(err):
		// The prior commit crashed after deleting the canonical file
		// but before renaming the pending one into place.
		if _, err := os.Stat(modPath); err != nil {
			if os.IsNotExist(err) {
				return nil, storeError(ErrInvalidDir,
					dir+" does not contain a stream", nil)
			}
			return nil, storeError(ErrIO,
				"cannot stat pending state file", err)
		}
		log.Warnf("Recovering interrupted state commit in %s", dir)
		if err := os.Rename(modPath, canonical); err != nil {
			return nil, storeError(ErrIO,
				"cannot recover pending state file", err)
		}
		syncDir(dir)

	default:
		return nil, storeError(ErrIO, "cannot stat state file", err)
	}

	raw, err := os.ReadFile(canonical)
	if err != nil {
		return nil, storeError(ErrIO, "cannot read state file", err)
	}
	state := new(StoredState)
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, storeError(ErrCorrupt, "cannot decode state file",
			err)
	}
	if state.Committed == nil {
		return nil, storeError(ErrCorrupt,
			"state file has no committed snapshot", nil)
	}

	// Resolve an in-flight two-phase commit: promote the prepared
	// snapshot only when the caller proves, by presenting its revision,
	// that the external side of the commit went through.
	if state.Prepared != nil {
		if revision != nil && *revision == state.Prepared.Revision {
			log.Infof("Promoting prepared state at revision %d",
				state.Prepared.Revision)
			state.Committed = state.Prepared
		} else {
			log.Infof("Discarding prepared state at revision %d",
				state.Prepared.Revision)
		}
		state.Prepared = nil
	}

	s := &Store{dir: dir, mtx: csync.NewMutex(), state: state}

	// Persist the recovery decision so reopening is idempotent.
	if err := s.Commit(); err != nil {
		return nil, err
	}

	log.Tracef("Opened state: %v", spew.Sdump(state))
	return s, nil
}

// Commit durably writes the in-memory state.  The caller must hold the
// store's mutex (or have exclusive access during open/create).  A crash at
// any point leaves the directory recoverable by open.
func (s *Store) Commit() error {
	modPath := filepath.Join(s.dir, modFilename)
	canonical := filepath.Join(s.dir, stateFilename)

	if err := writeFileSync(modPath, s.state); err != nil {
		return err
	}
	if err := os.Remove(canonical); err != nil && !os.IsNotExist(err) {
		return storeError(ErrIO, "cannot remove old state file", err)
	}
	if err := os.Rename(modPath, canonical); err != nil {
		return storeError(ErrIO, "cannot rename pending state file",
			err)
	}
	syncDir(s.dir)
	return nil
}

// Lock acquires the store mutex.  The prepared slot must be empty: only
// open is permitted to observe a prepared snapshot, so anything else
// finding one is a bug worth crashing on.
func (s *Store) Lock(ctx context.Context) error {
	if err := s.mtx.Lock(ctx); err != nil {
		return err
	}
	if s.state.Prepared != nil {
		panic("statemgr: prepared state visible outside open")
	}
	return nil
}

// TryLock is Lock with the acquisition bounded by the context deadline.  It
// reports whether the mutex was acquired.
func (s *Store) TryLock(ctx context.Context) bool {
	if !s.mtx.TryLock(ctx) {
		return false
	}
	if s.state.Prepared != nil {
		panic("statemgr: prepared state visible outside open")
	}
	return true
}

// Unlock releases the store mutex.
func (s *Store) Unlock() {
	s.mtx.Unlock()
}

// State returns the in-memory state.  The caller must hold the store mutex
// for both reads and writes.
func (s *Store) State() *StoredState {
	return s.state
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// writeFileSync serializes v to path and syncs the file to disk.
func writeFileSync(path string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return storeError(ErrIO, "cannot serialize state", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return storeError(ErrIO, "cannot open state file for writing",
			err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return storeError(ErrIO, "cannot write state file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return storeError(ErrIO, "cannot sync state file", err)
	}
	if err := f.Close(); err != nil {
		return storeError(ErrIO, "cannot close state file", err)
	}
	return nil
}

// syncDir flushes directory metadata after a rename.  Failures are logged
// rather than returned since not every filesystem supports it.
func syncDir(dir string) {
	f, err := os.Open(dir)
	if err != nil {
		log.Debugf("Cannot open directory %s for sync: %v", dir, err)
		return
	}
	if err := f.Sync(); err != nil {
		log.Debugf("Cannot sync directory %s: %v", dir, err)
	}
	f.Close()
}
