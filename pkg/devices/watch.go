package devices

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Snapshot is one enumeration result delivered by Watch.
type Snapshot struct {
	Devices []Device
	Err     error
	At      time.Time
}

// WatchOptions configures Watch.
type WatchOptions struct {
	// Dirs are watched for device node changes. Empty means poll only.
	Dirs []string
	// Interval is the polling period used when Dirs cannot be watched.
	Interval time.Duration
	// Settle delays re-enumeration after a notification.
	Settle time.Duration
}

// Watch emits a snapshot immediately and then every time the device list
// changes. The channel is closed when ctx is done.
func (c *Catalog) Watch(ctx context.Context, opts WatchOptions) <-chan Snapshot {
	if opts.Interval <= 0 {
		opts.Interval = DefaultWatchInterval
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultWatchSettle
	}

	out := make(chan Snapshot, 1)
	go c.watch(ctx, opts, out)
	return out
}

func (c *Catalog) watch(ctx context.Context, opts WatchOptions, out chan<- Snapshot) {
	defer close(out)

	var last *Snapshot
	emit := func() bool {
		devices, err := c.List(ctx)
		snap := Snapshot{Devices: devices, Err: err, At: time.Now()}
		if last != nil && err == nil && last.Err == nil && sameDevices(last.Devices, devices) {
			return true
		}
		last = &snap
		select {
		case out <- snap:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit() {
		return
	}

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if watcher := newDirWatcher(opts.Dirs); watcher != nil {
		defer watcher.Close()
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	// Polling stays on even with notifications; some hosts never emit them
	// for removable media.
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			slog.Debug("device_node_event", "name", ev.Name, "op", ev.Op.String())
			if settle == nil {
				settle = time.After(opts.Settle)
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			slog.Warn("device_watch_error", "error", err)
		case <-settle:
			settle = nil
			if !emit() {
				return
			}
		case <-ticker.C:
			if !emit() {
				return
			}
		}
	}
}

func newDirWatcher(dirs []string) *fsnotify.Watcher {
	if len(dirs) == 0 {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("device_watch_unavailable", "error", err)
		return nil
	}
	added := 0
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			slog.Warn("device_watch_add_failed", "dir", dir, "error", err)
			continue
		}
		added++
	}
	if added == 0 {
		watcher.Close()
		return nil
	}
	return watcher
}

func sameDevices(a, b []Device) bool {
	return slices.EqualFunc(a, b, func(x, y Device) bool {
		return x.SameIdentity(y) && x.Name == y.Name
	})
}
