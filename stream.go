// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package kstream delivers every transaction a node observes to a user
// hook, exactly once per commit and in order, and sends outgoing
// transactions at least once with a searchable dedup ref.  All durable
// state lives in a crash-safe stream directory; the process can be killed
// at any instant and resumes without losing or reordering work.
package kstream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kstream/kstream/csync"
	"github.com/kstream/kstream/krist"
	"github.com/kstream/kstream/ksocket"
	"github.com/kstream/kstream/statemgr"
	"github.com/kstream/kstream/txstream"
)

var (
	// ErrMissingHooks is returned by Run when any of the three required
	// hooks is nil.
	ErrMissingHooks = errors.New("kstream: OnTransaction, OnSendSuccess " +
		"and OnSendFailure hooks must all be set")

	// ErrAlreadyRunning is returned by Run when the stream is already
	// running.
	ErrAlreadyRunning = errors.New("kstream: stream is already running")
)

// Hooks is the capability record of user callbacks.  All three must be set
// before Run.  Every hook executes under the stream mutex inside its own
// transactional HookContext: returning nil commits the context's working
// state, returning an error aborts it.
type Hooks struct {
	// OnTransaction is invoked for every observed transaction, in strict
	// order.  The transaction has already been moved out of the working
	// inbox; aborting redelivers it.
	OnTransaction func(ctx *HookContext, tx *krist.Transaction) error

	// OnSendSuccess is invoked when the head outbox entry reaches the
	// node.  The hook must remove the entry from the working outbox,
	// otherwise the outbox worker spins on it.
	OnSendSuccess func(ctx *HookContext, entry *statemgr.OutboxEntry) error

	// OnSendFailure is invoked when the node rejects the head outbox
	// entry with a structured error.  Like OnSendSuccess, the hook must
	// remove the entry (possibly re-enqueueing a replacement).
	OnSendFailure func(ctx *HookContext, entry *statemgr.OutboxEntry,
		sendErr error) error
}

func (h *Hooks) complete() bool {
	return h.OnTransaction != nil && h.OnSendSuccess != nil &&
		h.OnSendFailure != nil
}

// Option adjusts stream creation and opening.
type Option func(*options)

type options struct {
	address       string
	includeMined  bool
	fromStart     bool
	httpClient    *http.Client
	retryInterval time.Duration
}

// WithAddress restricts the stream to transactions sent from or to the
// address.
func WithAddress(address string) Option {
	return func(o *options) { o.address = address }
}

// WithIncludeMined makes the stream observe mining reward transactions.
func WithIncludeMined() Option {
	return func(o *options) { o.includeMined = true }
}

// WithFromStart delivers every transaction the node still remembers rather
// than starting at the current tail.
func WithFromStart() Option {
	return func(o *options) { o.fromStart = true }
}

// WithHTTPClient overrides the HTTP client used for node requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithRetryInterval overrides the initial backoff interval of the HTTP
// retry layer.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) { o.retryInterval = d }
}

// Create initializes dir as a fresh stream directory against the node at
// endpoint.  Unless WithFromStart is given, the node is probed for its
// newest transaction id so that history is not replayed.
func Create(ctx context.Context, dir, endpoint string, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	client, err := krist.NewClient(&krist.ClientConfig{
		Endpoint:      endpoint,
		HTTP:          o.httpClient,
		RetryInterval: o.retryInterval,
	})
	if err != nil {
		return err
	}

	lastPopped := int64(-1)
	if !o.fromStart {
		id, found, err := client.LastTransactionID(ctx)
		if err != nil {
			return err
		}
		if found {
			lastPopped = id
		}
	}

	store, err := statemgr.Create(dir, &statemgr.Params{
		Endpoint:     endpoint,
		IncludeMined: o.includeMined,
		Address:      o.address,
		LastPoppedID: lastPopped,
	})
	if err != nil {
		return err
	}
	_ = store
	return nil
}

// Stream is a running or runnable transaction stream over one state
// directory.
type Stream struct {
	store  *statemgr.Store
	client *krist.Client
	hooks  Hooks
	ids    *IDSource

	asm    *txstream.Assembler
	socket *ksocket.Socket

	// status is raised by socket up/down transitions and by accepted
	// live pushes; the assembler waits on it at the tail.
	status *csync.Signal

	// outboxNonempty is raised after every hook commit that leaves the
	// outbox non-empty, waking the outbox worker.
	outboxNonempty *csync.Signal

	runMtx  sync.Mutex
	running bool

	quit     chan struct{}
	quitOnce sync.Once
}

// Open opens an existing stream directory, discarding any prepared
// snapshot left by an interrupted two-phase commit.
func Open(dir string, hooks Hooks, opts ...Option) (*Stream, error) {
	store, err := statemgr.Open(dir)
	if err != nil {
		return nil, err
	}
	return newStream(store, hooks, opts)
}

// OpenRevision opens an existing stream directory, promoting a prepared
// snapshot whose revision matches the externally recorded one.
func OpenRevision(dir string, revision uint64, hooks Hooks,
	opts ...Option) (*Stream, error) {

	store, err := statemgr.OpenRevision(dir, revision)
	if err != nil {
		return nil, err
	}
	return newStream(store, hooks, opts)
}

func newStream(store *statemgr.Store, hooks Hooks, opts []Option) (
	*Stream, error) {

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	state := store.State()
	client, err := krist.NewClient(&krist.ClientConfig{
		Endpoint:      state.Endpoint,
		HTTP:          o.httpClient,
		RetryInterval: o.retryInterval,
	})
	if err != nil {
		return nil, err
	}

	s := &Stream{
		store:          store,
		client:         client,
		hooks:          hooks,
		ids:            NewIDSource(),
		status:         csync.NewSignal(),
		outboxNonempty: csync.NewSignal(),
		quit:           make(chan struct{}),
	}

	filter := state.Filter()
	queue := txstream.NewQueue(filter, state.LastPoppedID)
	fetcher := txstream.NewFetcher(client, filter)
	s.asm = txstream.NewAssembler(queue, fetcher, s.status)
	s.socket = ksocket.New(ksocket.Config{
		Client:        client,
		OnTransaction: s.asm.PushLive,
		Status:        s.status,
		Reseed:        s.ids.Reseed,
	})
	return s, nil
}

// Close stops a running stream.  Run returns after the current critical
// sections drain.
func (s *Stream) Close() {
	s.quitOnce.Do(func() { close(s.quit) })
	s.socket.Close()
}

// IsUp reports the push socket's last-known liveness.
func (s *Stream) IsUp() bool {
	return s.socket.IsUp()
}

// Balance fetches the current balance of an address.  The retry layer is
// bounded by the context deadline.
func (s *Stream) Balance(ctx context.Context, address string) (int64, error) {
	return s.client.Balance(ctx, address)
}

// Dir returns the stream's state directory.
func (s *Stream) Dir() string {
	return s.store.Dir()
}

// Run processes the stream until the context is canceled or Close is
// called.  It launches the push socket, the inbox worker and the outbox
// worker and returns the first fatal error among them.
func (s *Stream) Run(ctx context.Context) error {
	if !s.hooks.complete() {
		return ErrMissingHooks
	}
	s.runMtx.Lock()
	if s.running {
		s.runMtx.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.runMtx.Unlock()
	defer func() {
		s.runMtx.Lock()
		s.running = false
		s.runMtx.Unlock()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-runCtx.Done():
		}
	}()

	log.Infof("Stream in %s starting", s.store.Dir())
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.socket.Run(gctx) })
	g.Go(func() error { return s.inboxWorker(gctx) })
	g.Go(func() error { return s.outboxWorker(gctx) })
	err := g.Wait()

	select {
	case <-s.quit:
		// An orderly close cancels the workers; that is not an error.
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	default:
	}
	log.Infof("Stream in %s stopped: %v", s.store.Dir(), err)
	return err
}

// runHook executes fn inside a fresh hook context under the protocol that
// gives the documented guarantees: the main hook runs at least once, the
// AfterCommit callback at most once, and an OnPrepare failure is fatal with
// the prepared snapshot on disk.  The caller must hold the store mutex.
func (s *Stream) runHook(fn func(*HookContext) error) error {
	hctx := newHookContext(s)

	if err := fn(hctx); err != nil {
		if aerr := hctx.abort(); aerr != nil {
			log.Errorf("Abort after hook failure failed: %v", aerr)
		}
		return err
	}

	if hctx.onPrepare != nil {
		revision, err := hctx.prepare()
		if err != nil {
			return err
		}
		if err := hctx.onPrepare(revision); err != nil {
			// The prepared snapshot stays on disk; only a restart
			// through OpenRevision can resolve it.
			log.Criticalf("OnPrepare failed with revision %d "+
				"staged on disk: %v", revision, err)
			return err
		}
	}

	if err := hctx.commit(); err != nil {
		return err
	}
	if len(hctx.boxes.Outbox) > 0 {
		s.outboxNonempty.Raise()
	}

	if hctx.afterCommit != nil {
		// A failure here must not re-run the main hook; the commit
		// already happened.
		if err := hctx.afterCommit(); err != nil {
			return err
		}
	}
	return nil
}

// Begin acquires the stream mutex within the context deadline and runs fn
// as a transactional hook.  It reports false without error when the mutex
// could not be acquired in time.
func (s *Stream) Begin(ctx context.Context, fn func(*HookContext) error) (
	bool, error) {

	if !s.store.TryLock(ctx) {
		return false, nil
	}
	defer s.store.Unlock()
	return true, s.runHook(fn)
}

// Send enqueues an outgoing transaction, committing it to the outbox.  It
// reports false when the stream mutex could not be acquired within the
// context deadline.  The returned id identifies the entry in the send
// outcome hooks.
func (s *Stream) Send(ctx context.Context, tx krist.SendRequest) (
	uuid.UUID, bool, error) {

	var id uuid.UUID
	ok, err := s.Begin(ctx, func(hctx *HookContext) error {
		id = hctx.EnqueueSend(tx)
		return nil
	})
	return id, ok, err
}

// inboxWorker delivers observed transactions to the OnTransaction hook one
// at a time, in order.
func (s *Stream) inboxWorker(ctx context.Context) error {
	for {
		if err := s.store.Lock(ctx); err != nil {
			return err
		}
		tx, err := s.fetch(ctx)
		if err != nil {
			return err
		}

		err = s.runHook(func(hctx *HookContext) error {
			// Consume the inbox inside the hook transaction so an
			// abort redelivers the transaction.
			hctx.TakeInbox()
			return s.hooks.OnTransaction(hctx, tx)
		})
		s.store.Unlock()
		if err != nil {
			return err
		}
	}
}

// fetch fills the committed inbox slot with the next transaction, blocking
// on the stream assembler as needed.  It is called with the store mutex
// held and returns with it still held on success; on error the mutex is
// released.  A transaction already in the inbox is returned as-is: the
// previous delivery attempt did not commit.
func (s *Stream) fetch(ctx context.Context) (*krist.Transaction, error) {
	for {
		st := s.store.State()
		if st.Committed.Inbox != nil {
			log.Debugf("Redelivering inbox transaction %d",
				st.Committed.Inbox.ID)
			return copyTx(st.Committed.Inbox), nil
		}

		if s.asm.Poppable() {
			tx := s.asm.Pop()
			st.Committed.Inbox = copyTx(tx)
			st.LastPoppedID = tx.ID
			if err := s.store.Commit(); err != nil {
				s.store.Unlock()
				return nil, err
			}
			log.Tracef("Fetched transaction %d into inbox", tx.ID)
			return tx, nil
		}

		// Nothing buffered; wait without blocking other mutex users.
		s.store.Unlock()
		if err := s.asm.Wait(ctx); err != nil {
			return nil, err
		}
		if err := s.store.Lock(ctx); err != nil {
			return nil, err
		}
	}
}

// outboxWorker drives the head outbox entry through the send state machine
// and dispatches the outcome hooks.
func (s *Stream) outboxWorker(ctx context.Context) error {
	for {
		if err := s.store.Lock(ctx); err != nil {
			return err
		}
		st := s.store.State()
		if len(st.Committed.Outbox) == 0 {
			// Obtain the wake channel before releasing the mutex
			// so an enqueue-and-raise in between is not missed.
			wakeCh := s.outboxNonempty.Wait()
			s.store.Unlock()
			select {
			case <-wakeCh:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		sendErr := s.sendHead(ctx)
		var apiErr *krist.APIError
		switch {
		case sendErr == nil:
			err := s.dispatchOutcome(nil)
			s.store.Unlock()
			if err != nil {
				return err
			}
		case errors.As(sendErr, &apiErr):
			err := s.dispatchOutcome(apiErr)
			s.store.Unlock()
			if err != nil {
				return err
			}
		default:
			s.store.Unlock()
			return sendErr
		}
	}
}

// dispatchOutcome runs the send outcome hook for the head outbox entry.
// The hook is expected to remove the entry; if it commits without doing so
// the worker would spin, which is logged loudly.  The caller must hold the
// store mutex.
func (s *Stream) dispatchOutcome(sendErr *krist.APIError) error {
	head := s.store.State().Committed.Outbox[0].Copy()

	err := s.runHook(func(hctx *HookContext) error {
		entry := head.Copy()
		if sendErr == nil {
			return s.hooks.OnSendSuccess(hctx, &entry)
		}
		return s.hooks.OnSendFailure(hctx, &entry, sendErr)
	})
	if err != nil {
		return err
	}

	outbox := s.store.State().Committed.Outbox
	if len(outbox) > 0 && outbox[0].ID == head.ID {
		log.Warnf("Send outcome hook left entry %s at the outbox "+
			"head; it will be dispatched again", head.ID)
	}
	return nil
}

// sendHead runs the head outbox entry through the send algorithm until its
// outcome is durably known.  It returns nil once the entry is SENT, a
// *krist.APIError when the node rejected it (the entry is back to PENDING),
// or a fatal error.  Transport failures never escape: they route through
// the UNKNOWN-status resolver, which searches the node for the entry's
// dedup ref to learn whether the lost request actually landed.  The caller
// must hold the store mutex.
func (s *Stream) sendHead(ctx context.Context) error {
	st := s.store.State()
	entry := &st.Committed.Outbox[0]

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch entry.Status {
		case statemgr.StatusSent:
			return nil

		case statemgr.StatusUnknown:
			exists, err := s.client.RefExists(ctx,
				entry.Ref.String())
			if err != nil {
				return err
			}
			if exists {
				log.Infof("Resolved outbox entry %s as sent",
					entry.ID)
				entry.Status = statemgr.StatusSent
			} else {
				log.Debugf("Resolved outbox entry %s as "+
					"unsent, retrying", entry.ID)
				entry.Status = statemgr.StatusPending
			}
			if err := s.store.Commit(); err != nil {
				return err
			}

		case statemgr.StatusPending:
			// Mark the attempt before issuing it so that a crash
			// mid-request resolves through the UNKNOWN path on
			// restart.
			entry.Status = statemgr.StatusUnknown
			if err := s.store.Commit(); err != nil {
				return err
			}

			tx := &entry.Transaction
			meta := krist.EncodeCommonMeta(tx.Meta)
			if meta != "" {
				meta += ";"
			}
			meta += "ref=" + entry.Ref.String()

			err := s.client.SendTransaction(ctx, tx.PrivateKey,
				tx.To, tx.Amount, meta)
			switch {
			case err == nil:
				entry.Status = statemgr.StatusSent
				if err := s.store.Commit(); err != nil {
					return err
				}
				log.Infof("Sent outbox entry %s (%d to %s)",
					entry.ID, tx.Amount, tx.To)
				return nil

			case krist.IsTransportError(err):
				// Outcome unknown; loop into the resolver.
				log.Debugf("Send of entry %s lost in "+
					"transit: %v", entry.ID, err)

			default:
				var apiErr *krist.APIError
				if !errors.As(err, &apiErr) {
					return err
				}
				entry.Status = statemgr.StatusPending
				if err := s.store.Commit(); err != nil {
					return err
				}
				log.Infof("Node rejected outbox entry %s: %v",
					entry.ID, apiErr)
				return apiErr
			}

		default:
			panic("kstream: outbox entry with invalid status")
		}
	}
}

// copyTx deep-copies a transaction.
func copyTx(tx *krist.Transaction) *krist.Transaction {
	cp := *tx
	if tx.Meta != nil {
		cp.Meta = make(map[string]string, len(tx.Meta))
		for k, v := range tx.Meta {
			cp.Meta[k] = v
		}
	}
	return &cp
}
