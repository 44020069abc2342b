// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package kstream

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IDSource generates the uuids used for outbox entry ids and dedup refs.
// Its stream can be reseeded with external entropy, such as the
// node-issued websocket URL, to decorrelate refs across restarts.
type IDSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewIDSource creates a time-seeded source.
func NewIDSource() *IDSource {
	return &IDSource{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Reseed folds the given entropy into the source.
func (s *IDSource) Reseed(entropy string) {
	sum := sha256.Sum256([]byte(entropy))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	seed ^= time.Now().UnixNano()

	s.mu.Lock()
	s.rng = rand.New(rand.NewSource(seed))
	s.mu.Unlock()
	log.Tracef("Reseeded id source with %d bytes of entropy", len(entropy))
}

// Read implements io.Reader over the seeded stream.
func (s *IDSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Read(p)
}

// UUID returns a fresh random uuid drawn from the source.
func (s *IDSource) UUID() uuid.UUID {
	id, err := uuid.NewRandomFromReader(s)
	if err != nil {
		// The underlying reader cannot fail.
		panic("kstream: uuid generation failed: " + err.Error())
	}
	return id
}
