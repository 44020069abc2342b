// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// kstreamctl is a small command line frontend over a stream directory: it
// creates streams, watches them, queries balances and sends transactions.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kstream/kstream"
	"github.com/kstream/kstream/krist"
	"github.com/kstream/kstream/statemgr"
)

const (
	appName = "kstreamctl"
	version = "0.1.0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, args, err := loadConfig()
	if err != nil {
		return err
	}
	defer logWriter.Close()

	if len(args) == 0 {
		return errors.New("no command given, expected one of " +
			"create, balance, send, watch")
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd, args := args[0], args[1:]; cmd {
	case "create":
		return cmdCreate(ctx, cfg)
	case "balance":
		return cmdBalance(ctx, cfg, args)
	case "send":
		return cmdSend(ctx, cfg, args)
	case "watch":
		return cmdWatch(ctx, cfg)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdCreate(ctx context.Context, cfg *config) error {
	if cfg.Endpoint == "" {
		return errors.New("create requires --endpoint")
	}
	opts := []kstream.Option{}
	if cfg.Address != "" {
		opts = append(opts, kstream.WithAddress(cfg.Address))
	}
	if cfg.IncludeMined {
		opts = append(opts, kstream.WithIncludeMined())
	}
	if cfg.FromStart {
		opts = append(opts, kstream.WithFromStart())
	}
	if err := kstream.Create(ctx, cfg.DataDir, cfg.Endpoint,
		opts...); err != nil {

		return err
	}
	fmt.Println("created stream in", cfg.DataDir)
	return nil
}

// openStream opens the configured stream directory, honoring --revision.
func openStream(cfg *config, hooks kstream.Hooks) (*kstream.Stream, error) {
	if cfg.HasRevision {
		return kstream.OpenRevision(cfg.DataDir, cfg.Revision, hooks)
	}
	return kstream.Open(cfg.DataDir, hooks)
}

func cmdBalance(ctx context.Context, cfg *config, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: balance <address>")
	}
	stream, err := openStream(cfg, kstream.Hooks{})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	balance, err := stream.Balance(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Println(balance)
	return nil
}

func cmdSend(ctx context.Context, cfg *config, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New("usage: send <to> <amount> [metadata]")
	}
	if cfg.PrivateKey == "" {
		return errors.New("send requires --privatekey")
	}
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || amount <= 0 {
		return fmt.Errorf("invalid amount %q", args[1])
	}
	var meta map[string]string
	if len(args) == 3 {
		meta = krist.ParseCommonMeta(args[2])
	}

	// The outcome hooks resolve the wait below and clear the entry from
	// the outbox, so a successful exit means the send is settled.
	var sentID uuid.UUID
	outcome := make(chan error, 1)
	done := func(hctx *kstream.HookContext, e *statemgr.OutboxEntry,
		sendErr error) error {

		if !hctx.RemoveOutbox(e.ID) {
			return fmt.Errorf("entry %s missing from outbox", e.ID)
		}
		if e.ID == sentID {
			select {
			case outcome <- sendErr:
			default:
			}
		}
		return nil
	}
	hooks := kstream.Hooks{
		OnTransaction: func(*kstream.HookContext,
			*krist.Transaction) error {
			return nil
		},
		OnSendSuccess: func(hctx *kstream.HookContext,
			e *statemgr.OutboxEntry) error {
			return done(hctx, e, nil)
		},
		OnSendFailure: func(hctx *kstream.HookContext,
			e *statemgr.OutboxEntry, sendErr error) error {
			return done(hctx, e, sendErr)
		},
	}

	stream, err := openStream(cfg, hooks)
	if err != nil {
		return err
	}
	runErr := make(chan error, 1)
	go func() { runErr <- stream.Run(ctx) }()
	defer stream.Close()

	enqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	id, ok, err := stream.Send(enqCtx, krist.SendRequest{
		To:         args[0],
		Amount:     amount,
		PrivateKey: cfg.PrivateKey,
		Meta:       meta,
	})
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("timed out acquiring the stream")
	}
	sentID = id
	fmt.Println("enqueued", id)

	select {
	case err := <-outcome:
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Println("sent", id)
		return nil
	case err := <-runErr:
		if err == nil {
			err = errors.New("stream stopped")
		}
		return err
	}
}

func cmdWatch(ctx context.Context, cfg *config) error {
	hooks := kstream.Hooks{
		OnTransaction: func(_ *kstream.HookContext,
			tx *krist.Transaction) error {

			fmt.Printf("%s  #%d  %s -> %s  %d  %s\n",
				tx.Time.Format(time.RFC3339), tx.ID,
				tx.From, tx.To, tx.Value, tx.RawMeta)
			return nil
		},
		OnSendSuccess: func(hctx *kstream.HookContext,
			e *statemgr.OutboxEntry) error {

			hctx.RemoveOutbox(e.ID)
			fmt.Println("sent", e.ID)
			return nil
		},
		OnSendFailure: func(hctx *kstream.HookContext,
			e *statemgr.OutboxEntry, sendErr error) error {

			hctx.RemoveOutbox(e.ID)
			fmt.Println("send failed:", e.ID, sendErr)
			return nil
		},
	}

	stream, err := openStream(cfg, hooks)
	if err != nil {
		return err
	}
	defer stream.Close()
	return stream.Run(ctx)
}
