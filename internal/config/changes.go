package config

import (
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
)

// ChangeSet records which fragment basenames changed on disk since the
// last successful reload. It is owned by the supervisor event loop and
// must only be touched from there.
type ChangeSet struct {
	names map[string]struct{}
}

// NewChangeSet returns an empty change set.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{names: make(map[string]struct{})}
}

// Record applies one filesystem event. Deletions and move-outs erase the
// entry; any other event inserts the basename idempotently.
func (c *ChangeSet) Record(name string, op fsnotify.Op) {
	name = filepath.Base(name)
	if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
		delete(c.names, name)
		return
	}
	c.names[name] = struct{}{}
}

// Changed reports whether the fragment behind path was touched since the
// last reload. Only the basename of path matters.
func (c *ChangeSet) Changed(path string) bool {
	if path == "" {
		return false
	}
	_, ok := c.names[filepath.Base(path)]
	return ok
}

// Any reports whether any fragment changed since the last reload.
func (c *ChangeSet) Any() bool {
	return len(c.names) > 0
}

// DropAll clears the set, called after a completed reload.
func (c *ChangeSet) DropAll() {
	clear(c.names)
}

// Len returns the number of recorded fragments.
func (c *ChangeSet) Len() int {
	return len(c.names)
}

// Names returns the recorded basenames in sorted order, or nil when the
// set is empty.
func (c *ChangeSet) Names() []string {
	if len(c.names) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.names))
	for name := range c.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
