package main

import (
	"context"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/reflexive-dev/reflexive/internal/process"
)

const watchDebounce = 300 * time.Millisecond

// watchAndRestart watches dir (non-recursively — spec.md names no
// subdirectory-watching requirement) for filesystem events and restarts
// mgr's target after a debounce window collects any burst of changes a
// single save produces (e.g. an editor's write-then-rename). Runs until ctx
// is cancelled.
func watchAndRestart(ctx context.Context, dir string, mgr *process.Manager) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	pending := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("reflexive: watch error: %v", err)
		case <-pending:
			log.Printf("reflexive: file change detected, restarting")
			if err := mgr.Restart(ctx); err != nil {
				log.Printf("reflexive: restart failed: %v", err)
			}
		}
	}
}
