package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

// Event is one filesystem change delivered to the supervisor loop. Name
// is always a basename: slots backed by a single file substitute their
// own, since such events arrive without one.
type Event struct {
	Name string
	Op   fsnotify.Op
}

// Watcher arms up to three independent watch slots: the fragment
// directory, its available/ subdirectory, and the main configuration
// file. A missing target leaves its slot unarmed; the administrator may
// legitimately use only one configuration surface.
type Watcher struct {
	log    *slog.Logger
	events chan Event
	sctx   *stopper.Context
}

// NewWatcher creates an unarmed watcher.
func NewWatcher(logger *slog.Logger) *Watcher {
	return &Watcher{
		log:    logger,
		events: make(chan Event, 64),
	}
}

// Events returns the merged event stream of all armed slots.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Arm (re)subscribes all three watch slots. Previously armed slots are
// closed first. Returns the number of slots armed.
func (w *Watcher) Arm(ctx context.Context, conf, rcsd string) int {
	w.disarm()
	w.sctx = stopper.WithContext(ctx)

	armed := 0
	armed += w.armSlot(rcsd, false)
	armed += w.armSlot(filepath.Join(rcsd, "available"), true)
	armed += w.armSlot(conf, false)

	return armed
}

// Close stops all slot goroutines and releases their descriptors.
func (w *Watcher) Close() error {
	return w.disarm()
}

func (w *Watcher) disarm() error {
	if w.sctx == nil {
		return nil
	}
	w.sctx.Stop(100 * time.Millisecond)
	err := w.sctx.Wait()
	w.sctx = nil
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// armSlot sets up one watch. nofollow marks the available/ slot: when it
// is a dangling symlink the slot stays unarmed. A live symlink is still
// resolved by fsnotify, which watches its target; changes to the link
// itself are not seen by this slot, only by the fragment-directory slot.
func (w *Watcher) armSlot(path string, nofollow bool) int {
	st, err := os.Lstat(path)
	if err != nil {
		w.log.Debug("no such file or directory, skipping watch", "path", path)
		return 0
	}

	if nofollow && st.Mode()&os.ModeSymlink != 0 {
		if _, err := os.Stat(path); err != nil {
			w.log.Debug("dangling symlink, skipping watch", "path", path)
			return 0
		}
	}

	// File-backed slots get no name with their events; remember the
	// basename to substitute on delivery.
	base := ""
	if rst, err := os.Stat(path); err == nil && !rst.IsDir() {
		base = filepath.Base(path)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("failed creating watcher", "path", path, "err", err)
		return 0
	}
	if err := fw.Add(path); err != nil {
		// Not reported: each slot is optional.
		w.log.Debug("failed arming watch", "path", path, "err", err)
		fw.Close()
		return 0
	}

	w.sctx.Go(func(sctx *stopper.Context) error {
		defer fw.Close()

		for {
			select {
			case <-sctx.Stopping():
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					return nil
				}
				name := filepath.Base(ev.Name)
				if base != "" {
					name = base
				}
				select {
				case w.events <- Event{Name: name, Op: ev.Op}:
				default:
					w.log.Warn("watch event queue full, dropping event", "name", name)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return nil
				}
				w.log.Warn("watch error", "path", path, "err", err)
			}
		}
	})

	return 1
}
