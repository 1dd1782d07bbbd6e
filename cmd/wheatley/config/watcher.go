// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kneasle/wheatley/pkg/logging"
)

// debounceWindow batches the bursts of events editors produce when
// saving a file, so the file is reloaded once per save.
const debounceWindow = 250 * time.Millisecond

// Watch reloads the config file whenever it changes and hands each
// valid result to apply.  Invalid edits are logged and skipped, so a
// typo never takes down a running bot.
//
// The watch runs until ctx is cancelled.  Only the file's parent
// directory is watched, which keeps the watch alive across the
// rename-over-the-top saves most editors do.
//
// Parameters:
//   - ctx: Cancels the watch
//   - path: The config file to watch
//   - logger: Destination for reload and watch errors
//   - apply: Called with each successfully reloaded Config
//
// Returns:
//   - error: ctx.Err() once cancelled, or the watcher setup error
func Watch(ctx context.Context, path string, logger *logging.Logger, apply func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	path = filepath.Clean(expandPath(path))
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	// The timer starts stopped and is rearmed by each relevant event.
	debounce := time.NewTimer(debounceWindow)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	logger.Debug("Watching config file", "path", path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(debounceWindow)

		case <-debounce.C:
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("Ignoring config change", "error", err)
				continue
			}
			logger.Info("Config file reloaded", "path", path)
			apply(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Config watch error", "error", err)
		}
	}
}
