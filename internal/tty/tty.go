// Package tty implements the TTY table: registration of tty directives
// and the delayed start discipline at runlevel changes. Spawning getty
// on a device is delegated to a Starter supplied by the caller.
package tty

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/liuming50/finit/internal/config"
)

// TTY is one registered terminal declaration.
type TTY struct {
	Device    string
	Baud      string
	Term      string
	Runlevels config.RLMask
	Rlimits   config.Rlimits
	Origin    string

	active bool
	marked bool
}

// Starter spawns and stops getty processes for the table.
type Starter interface {
	Start(t *TTY) error
	Stop(t *TTY) error
}

// Table is the process-wide TTY table, mutated only from the supervisor
// event loop.
type Table struct {
	g   *config.Globals
	st  Starter
	log *slog.Logger

	list  []*TTY
	index map[string]*TTY
}

// NewTable creates an empty TTY table.
func NewTable(g *config.Globals, st Starter, logger *slog.Logger) *Table {
	return &Table{
		g:     g,
		st:    st,
		log:   logger,
		index: make(map[string]*TTY),
	}
}

// Register parses one tty declaration:
//
//	[runlevels] device [baud] [term]
func (t *Table) Register(decl string, rlimits config.Rlimits, file string) error {
	tokens := strings.Fields(decl)

	levels := ""
	if len(tokens) > 0 && strings.HasPrefix(tokens[0], "[") {
		levels = tokens[0]
		tokens = tokens[1:]
	}
	if len(tokens) == 0 {
		return fmt.Errorf("missing device in tty declaration %q", decl)
	}

	tt := &TTY{
		Device:    tokens[0],
		Runlevels: config.ParseRunlevels(levels),
		Rlimits:   rlimits,
		Origin:    file,
	}
	if len(tokens) > 1 {
		tt.Baud = tokens[1]
	}
	if len(tokens) > 2 {
		tt.Term = tokens[2]
	}

	if old, ok := t.index[tt.Device]; ok {
		old.Baud = tt.Baud
		old.Term = tt.Term
		old.Runlevels = tt.Runlevels
		old.Rlimits = tt.Rlimits
		old.Origin = tt.Origin
		old.marked = false
		return nil
	}

	t.list = append(t.list, tt)
	t.index[tt.Device] = tt
	t.log.Debug("registered tty", "device", tt.Device, "runlevels", tt.Runlevels.Levels())

	return nil
}

// Mark marks every tty as a sweep candidate ahead of a reload.
func (t *Table) Mark() {
	for _, tt := range t.list {
		tt.marked = true
	}
}

// Reload sweeps ttys that disappeared from the configuration and
// re-evaluates the rest against the current runlevel. A non-nil arg
// restricts the re-evaluation to that single tty.
func (t *Table) Reload(arg *TTY) {
	kept := t.list[:0]
	for _, tt := range t.list {
		if tt.marked {
			delete(t.index, tt.Device)
			t.stop(tt)
			t.log.Debug("unregistered stale tty", "device", tt.Device)
			continue
		}
		kept = append(kept, tt)
	}
	t.list = kept

	if arg != nil {
		t.eval(arg)
		return
	}
	for _, tt := range t.list {
		t.eval(tt)
	}
}

// Runlevel starts and stops ttys according to the current runlevel.
// TTYs deliberately do not run at bootstrap; the state machine calls
// this only after the first real runlevel has been entered.
func (t *Table) Runlevel() {
	for _, tt := range t.list {
		t.eval(tt)
	}
}

func (t *Table) eval(tt *TTY) {
	allowed := tt.Runlevels.Has(t.g.Runlevel)

	switch {
	case allowed && !tt.active:
		if err := t.st.Start(tt); err != nil {
			t.log.Warn("failed starting getty", "device", tt.Device, "err", err)
			return
		}
		tt.active = true
	case !allowed && tt.active:
		t.stop(tt)
	}
}

func (t *Table) stop(tt *TTY) {
	if !tt.active {
		return
	}
	if err := t.st.Stop(tt); err != nil {
		t.log.Warn("failed stopping getty", "device", tt.Device, "err", err)
		return
	}
	tt.active = false
}

// Find returns the registered tty for device, or nil.
func (t *Table) Find(device string) *TTY {
	return t.index[device]
}

// TTYs returns the table in registration order.
func (t *Table) TTYs() []*TTY {
	return t.list
}

// Len returns the number of registered ttys.
func (t *Table) Len() int {
	return len(t.list)
}
