package persona

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the registry whenever the persona directory changes and
// calls onReload after each reload with any per-file errors.
// Falls back to pure polling at pollInterval if fsnotify is unavailable;
// the poll ticker also runs alongside fsnotify as a safety net.
// Blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, pollInterval time.Duration, onReload func([]error)) {
	reload := func() {
		errs := r.Reload()
		if onReload != nil {
			onReload(errs)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.watchPoll(ctx, pollInterval, reload)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(r.dir); err != nil {
		r.watchPoll(ctx, pollInterval, reload)
		return
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-watcher.Events:
			reload()
		case <-watcher.Errors:
			// Watcher errors are transient; the fallback poll covers gaps.
		case <-ticker.C:
			reload()
		}
	}
}

// watchPoll is the fallback polling loop when fsnotify is unavailable.
func (r *Registry) watchPoll(ctx context.Context, pollInterval time.Duration, reload func()) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reload()
		}
	}
}
