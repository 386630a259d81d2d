package monitor

import (
	"context"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchSessionMap watches sessionMapPath's parent directory for writes and
// forwards a signal on wake whenever the SessionMap file itself changes.
// This only shortens the Monitor's next tick (fsnotify is best-effort and
// can coalesce or miss events under heavy load); the poll loop's ticker
// remains the source of truth for cadence, per spec.md §3's ambient-stack
// guidance to supplement, not replace, deterministic polling.
func WatchSessionMap(ctx context.Context, sessionMapPath string, wake chan<- struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("monitor: fsnotify unavailable, polling only: %v", err)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(sessionMapPath)
	if err := watcher.Add(dir); err != nil {
		log.Printf("monitor: watching %s: %v", dir, err)
		return
	}

	target := filepath.Clean(sessionMapPath)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("monitor: fsnotify error: %v", err)
		}
	}
}
