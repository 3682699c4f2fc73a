package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitEvent(t *testing.T, w *Watcher, name string) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("no event for %q", name)
		}
	}
}

func TestWatcherFragmentDirectoryEvents(t *testing.T) {
	dir := t.TempDir()
	rcsd := filepath.Join(dir, "finit.d")
	require.NoError(t, os.Mkdir(rcsd, 0o755))

	w := NewWatcher(discard())
	defer w.Close()

	armed := w.Arm(context.Background(), filepath.Join(dir, "finit.conf"), rcsd)
	assert.Equal(t, 1, armed, "only the fragment directory exists")

	require.NoError(t, os.WriteFile(filepath.Join(rcsd, "ntpd.conf"), []byte("service /sbin/ntpd\n"), 0o644))

	ev := waitEvent(t, w, "ntpd.conf")
	assert.True(t, ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write))
}

func TestWatcherFileSlotSubstitutesBasename(t *testing.T) {
	dir := t.TempDir()
	conf := filepath.Join(dir, "finit.conf")
	require.NoError(t, os.WriteFile(conf, []byte("# empty\n"), 0o644))

	w := NewWatcher(discard())
	defer w.Close()

	armed := w.Arm(context.Background(), conf, filepath.Join(dir, "finit.d"))
	assert.Equal(t, 1, armed, "only the main file exists")

	require.NoError(t, os.WriteFile(conf, []byte("shutdown /sbin/rc.halt\n"), 0o644))

	// A single-file inotify watch delivers no name with the event; the
	// watcher must substitute the file's own basename.
	ev := waitEvent(t, w, "finit.conf")
	assert.Equal(t, "finit.conf", ev.Name)
}

func TestWatcherMissingTargetsAreNotErrors(t *testing.T) {
	dir := t.TempDir()

	w := NewWatcher(discard())
	defer w.Close()

	armed := w.Arm(context.Background(), filepath.Join(dir, "finit.conf"), filepath.Join(dir, "finit.d"))
	assert.Equal(t, 0, armed)
}

func TestWatcherAvailableSubdir(t *testing.T) {
	dir := t.TempDir()
	rcsd := filepath.Join(dir, "finit.d")
	require.NoError(t, os.MkdirAll(filepath.Join(rcsd, "available"), 0o755))

	w := NewWatcher(discard())
	defer w.Close()

	armed := w.Arm(context.Background(), filepath.Join(dir, "finit.conf"), rcsd)
	assert.Equal(t, 2, armed, "fragment dir and available/ subdir")

	require.NoError(t, os.WriteFile(filepath.Join(rcsd, "available", "sshd.conf"), []byte("service /sbin/sshd\n"), 0o644))

	ev := waitEvent(t, w, "sshd.conf")
	assert.Equal(t, "sshd.conf", ev.Name)
}

func TestWatcherDanglingAvailableSymlinkSkipped(t *testing.T) {
	dir := t.TempDir()
	rcsd := filepath.Join(dir, "finit.d")
	require.NoError(t, os.Mkdir(rcsd, 0o755))
	// available -> nowhere; the slot must stay unarmed instead of being
	// resolved through the link.
	require.NoError(t, os.Symlink(filepath.Join(dir, "gone"), filepath.Join(rcsd, "available")))

	w := NewWatcher(discard())
	defer w.Close()

	armed := w.Arm(context.Background(), filepath.Join(dir, "finit.conf"), rcsd)
	assert.Equal(t, 1, armed, "only the fragment directory itself")
}

func TestWatcherRearm(t *testing.T) {
	dir := t.TempDir()
	rcsd := filepath.Join(dir, "finit.d")
	require.NoError(t, os.Mkdir(rcsd, 0o755))

	w := NewWatcher(discard())
	defer w.Close()

	require.Equal(t, 1, w.Arm(context.Background(), filepath.Join(dir, "finit.conf"), rcsd))

	// Re-arming closes the old slots and starts over.
	require.Equal(t, 1, w.Arm(context.Background(), filepath.Join(dir, "finit.conf"), rcsd))

	require.NoError(t, os.WriteFile(filepath.Join(rcsd, "crond.conf"), []byte("service /sbin/crond\n"), 0o644))
	ev := waitEvent(t, w, "crond.conf")
	assert.Equal(t, "crond.conf", ev.Name)
}
