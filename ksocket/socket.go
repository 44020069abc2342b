// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ksocket maintains the push websocket to a node.  It keeps a
// subscription to transaction events alive across disconnects and surfaces
// connection liveness so callers can distinguish a quiet node from a dead
// link.
package ksocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"nhooyr.io/websocket"

	"github.com/kstream/kstream/csync"
	"github.com/kstream/kstream/krist"
)

const (
	// DefaultPingTimeout is how long the socket may stay silent before it
	// is considered dead.  Nodes emit keepalive events more often than
	// this.
	DefaultPingTimeout = 30 * time.Second

	// DefaultConnectTimeout bounds dialing the websocket and sending the
	// subscribe frame.  The start request that issues the URL is bounded
	// only by the Run context.
	DefaultConnectTimeout = 15 * time.Second

	// reconnectDelay is the pause between a failed connection and the
	// next attempt.  The websocket start request itself already retries
	// transport errors with backoff, so this only paces dial failures.
	reconnectDelay = time.Second
)

// Config holds the socket dependencies and tunables.
type Config struct {
	// Client is used to request fresh websocket URLs from the node.
	Client *krist.Client

	// OnTransaction is invoked for every pushed transaction event.  It is
	// called from the socket's run goroutine and must not block for long.
	OnTransaction func(tx *krist.Transaction)

	// Status is raised whenever the socket transitions between up and
	// down.  It is shared with whoever multiplexes on socket liveness.
	Status *csync.Signal

	// Reseed, if set, is called with each freshly issued websocket URL.
	// The URL carries node-supplied entropy.
	Reseed func(url string)

	// PingTimeout overrides DefaultPingTimeout when positive.
	PingTimeout time.Duration

	// ConnectTimeout overrides DefaultConnectTimeout when positive.
	ConnectTimeout time.Duration

	// Pinger overrides the liveness check ticker.  Tests inject a mock
	// ticker here; when nil a real ticker at half the ping timeout is
	// used.
	Pinger ticker.Ticker
}

// Socket is a self-healing subscription to a node's transaction push
// events.
type Socket struct {
	cfg Config

	mtx sync.Mutex
	up  bool

	quit     chan struct{}
	quitOnce sync.Once
}

// New creates a socket.  Run must be called to start it.
func New(cfg Config) *Socket {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Pinger == nil {
		cfg.Pinger = ticker.New(cfg.PingTimeout / 2)
	}
	return &Socket{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// IsUp reports the last known connection status.
func (s *Socket) IsUp() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.up
}

// Close stops the socket.  A concurrent Run returns once the current
// connection is torn down.
func (s *Socket) Close() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// Run connects and processes push events until the context is canceled or
// Close is called.  Connections that die are transparently reopened; the
// status signal is raised on every up/down transition.
func (s *Socket) Run(ctx context.Context) error {
	defer s.markDown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.quit:
			return nil
		default:
		}

		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warnf("Websocket connection failed: %v", err)
			select {
			case <-time.After(reconnectDelay):
			case <-ctx.Done():
				return ctx.Err()
			case <-s.quit:
				return nil
			}
			continue
		}

		err = s.readLoop(ctx, conn)
		conn.Close(websocket.StatusNormalClosure, "")
		s.markDown()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-s.quit:
			return nil
		default:
		}
		log.Infof("Websocket connection lost, reconnecting: %v", err)
	}
}

// connect obtains a fresh websocket URL, dials it and subscribes to
// transaction events.
func (s *Socket) connect(ctx context.Context) (*websocket.Conn, error) {
	url, err := s.cfg.Client.StartWebsocket(ctx)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, err
	}

	sub, _ := json.Marshal(struct {
		ID    int64  `json:"id"`
		Type  string `json:"type"`
		Event string `json:"event"`
	}{ID: 0, Type: "subscribe", Event: "transactions"})
	if err := conn.Write(dialCtx, websocket.MessageText, sub); err != nil {
		conn.Close(websocket.StatusProtocolError, "subscribe failed")
		return nil, err
	}

	if s.cfg.Reseed != nil {
		s.cfg.Reseed(url)
	}
	log.Debugf("Websocket connected to %s", url)
	return conn, nil
}

// pushMessage is the envelope of every frame the node pushes.
type pushMessage struct {
	Type        string             `json:"type"`
	Event       string             `json:"event"`
	Transaction *krist.Transaction `json:"transaction"`
}

// readLoop pumps frames from conn until the connection dies, the liveness
// timeout trips, or the socket is shut down.  Any frame counts as proof of
// life.
func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	type frame struct {
		data []byte
		err  error
	}
	frames := make(chan frame)
	go func() {
		for {
			_, data, err := conn.Read(readCtx)
			select {
			case frames <- frame{data: data, err: err}:
			case <-readCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	s.cfg.Pinger.Resume()
	defer s.cfg.Pinger.Stop()

	lastAlive := time.Now()
	s.markUp()

	for {
		select {
		case fr := <-frames:
			if fr.err != nil {
				return fr.err
			}
			lastAlive = time.Now()
			s.handleFrame(fr.data)

		case tick := <-s.cfg.Pinger.Ticks():
			if tick.Sub(lastAlive) > s.cfg.PingTimeout {
				log.Warnf("Websocket silent for %v, "+
					"assuming dead", tick.Sub(lastAlive))
				return context.DeadlineExceeded
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-s.quit:
			return nil
		}
	}
}

// handleFrame decodes one pushed frame and dispatches transaction events.
// Unknown frames (keepalives, hello banners, subscription acks) are valid
// liveness but otherwise ignored.
func (s *Socket) handleFrame(data []byte) {
	var msg pushMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debugf("Dropping undecodable websocket frame: %v", err)
		return
	}
	if msg.Type != "event" || msg.Event != "transaction" {
		return
	}
	if msg.Transaction == nil {
		log.Debugf("Transaction event without transaction body")
		return
	}
	log.Tracef("Pushed transaction %d", msg.Transaction.ID)
	s.cfg.OnTransaction(msg.Transaction)
}

// markUp flips the status to up and raises the shared signal on a
// transition.
func (s *Socket) markUp() {
	s.mtx.Lock()
	changed := !s.up
	s.up = true
	s.mtx.Unlock()
	if changed {
		log.Infof("Websocket is up")
		if s.cfg.Status != nil {
			s.cfg.Status.Raise()
		}
	}
}

// markDown flips the status to down and raises the shared signal on a
// transition.
func (s *Socket) markDown() {
	s.mtx.Lock()
	changed := s.up
	s.up = false
	s.mtx.Unlock()
	if changed {
		log.Infof("Websocket is down")
		if s.cfg.Status != nil {
			s.cfg.Status.Raise()
		}
	}
}
