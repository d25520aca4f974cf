package orchestrator

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/overseer/internal/log"
)

// DefaultWatchdogInterval is the fallback poll cadence for worktree checks.
const DefaultWatchdogInterval = 30 * time.Second

// Watchdog cancels workflows whose worktree disappears out from under
// them. It polls on a fixed interval and additionally reacts to filesystem
// remove/rename notifications on the parent directories of active
// worktrees, so a deleted worktree is usually caught within milliseconds.
type Watchdog struct {
	o        *Orchestrator
	interval time.Duration
}

// NewWatchdog creates a Watchdog over the orchestrator's active workflows.
func NewWatchdog(o *Orchestrator, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	return &Watchdog{o: o, interval: interval}
}

// Run blocks until ctx is cancelled.
func (wd *Watchdog) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.ErrorErr(log.CatWatchdog, "fsnotify unavailable, falling back to polling", err)
		watcher = nil
	}
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(wd.interval)
	defer ticker.Stop()

	watched := make(map[string]bool)
	for {
		wd.sweep(ctx)
		if watcher != nil {
			wd.syncWatches(watcher, watched)
		}

		var notify <-chan fsnotify.Event
		var watchErrs <-chan error
		if watcher != nil {
			notify = watcher.Events
			watchErrs = watcher.Errors
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case ev := <-notify:
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// A parent-dir removal hint; the sweep confirms it.
		case err := <-watchErrs:
			log.Warn(log.CatWatchdog, "fsnotify error", "error", err.Error())
		}
	}
}

// sweep checks every active workflow's worktree and cancels the orphans.
// The check is the same as at admission: the path must still be a directory
// holding a .git entry, so a worktree replaced by a plain file or stripped
// of its git metadata counts as gone too.
func (wd *Watchdog) sweep(ctx context.Context) {
	workflows, err := wd.o.store.ListActive(ctx)
	if err != nil {
		log.ErrorErr(log.CatWatchdog, "failed to list active workflows", err)
		return
	}
	for _, w := range workflows {
		if err := validateWorktree(w.WorktreePath); err == nil {
			continue
		}
		log.Warn(log.CatWatchdog, "worktree vanished, cancelling workflow",
			"workflow", w.ID, "worktree", w.WorktreePath)
		if err := wd.o.Cancel(ctx, w.ID, "Worktree directory no longer exists"); err != nil {
			log.ErrorErr(log.CatWatchdog, "failed to cancel orphaned workflow", err, "workflow", w.ID)
		}
	}
}

// syncWatches keeps a watch on the parent directory of every active
// worktree. Watching the parent rather than the worktree itself is what
// surfaces the removal of the worktree directory.
func (wd *Watchdog) syncWatches(watcher *fsnotify.Watcher, watched map[string]bool) {
	wd.o.mu.Lock()
	parents := make(map[string]bool, len(wd.o.byPath))
	for path := range wd.o.byPath {
		parents[filepath.Dir(path)] = true
	}
	wd.o.mu.Unlock()

	for dir := range parents {
		if watched[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			log.Debug(log.CatWatchdog, "cannot watch directory", "dir", dir, "error", err.Error())
			continue
		}
		watched[dir] = true
	}
	for dir := range watched {
		if !parents[dir] {
			_ = watcher.Remove(dir)
			delete(watched, dir)
		}
	}
}
