// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kneasle/wheatley/cmd/wheatley/config"
	"github.com/kneasle/wheatley/pkg/logging"
	"github.com/kneasle/wheatley/services/bot"
	"github.com/kneasle/wheatley/services/telemetry"
	"github.com/kneasle/wheatley/services/tower"
)

// runtimeOptions are the extras runBot starts alongside the bot.
type runtimeOptions struct {
	// statusAddr serves /healthz and /metrics when non-empty.
	statusAddr string

	// configPath is watched for live edits when non-empty.
	configPath  string
	applyConfig func(config.Config)

	// onLoaded runs once the tower's state has arrived, before the
	// bot starts ringing.
	onLoaded func()

	// printBye says goodbye on Ctrl-C instead of an error dump.
	printBye bool
}

// runBot connects the tower and rings until the bot finishes or the
// process is interrupted.  ctx should be a signal context; its
// cancellation is treated as a deliberate stop rather than a failure.
func runBot(
	ctx context.Context,
	t *tower.RingingRoomTower,
	b *bot.Bot,
	logger *logging.Logger,
	opts runtimeOptions,
) error {
	err := ring(ctx, t, b, logger, opts)

	if ctx.Err() != nil {
		// Interrupted: whatever the goroutines returned while being
		// torn down is not worth reporting.
		if opts.printBye {
			fmt.Println("Bye!")
		}
		return nil
	}
	if errors.Is(err, context.Canceled) {
		// The bot finished of its own accord, e.g. the inactivity
		// limit in server mode.
		return nil
	}
	return err
}

func ring(
	ctx context.Context,
	t *tower.RingingRoomTower,
	b *bot.Bot,
	logger *logging.Logger,
	opts runtimeOptions,
) error {
	if err := t.Connect(ctx); err != nil {
		return err
	}
	defer t.Close()

	// A cancel of our own so the bot finishing stops the tower pump
	// and the sidecars too.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return t.Run(gctx) })

	if err := t.WaitLoaded(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	if opts.onLoaded != nil {
		opts.onLoaded()
	}

	g.Go(func() error {
		defer cancel()
		return b.MainLoop(gctx)
	})

	if opts.statusAddr != "" {
		status := telemetry.NewStatusServer(opts.statusAddr, logger)
		g.Go(func() error { return status.Run(gctx) })
	}
	if opts.configPath != "" && opts.applyConfig != nil {
		g.Go(func() error { return config.Watch(gctx, opts.configPath, logger, opts.applyConfig) })
	}

	return g.Wait()
}
