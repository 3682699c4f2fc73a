package svc

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/liuming50/finit/internal/config"
)

// Runtime starts and stops real processes on behalf of the table.
type Runtime interface {
	Start(s *Service) error
	Stop(s *Service) error
}

// Conditions answers whether a service's condition expression currently
// allows it to run.
type Conditions interface {
	Allowed(expr string) bool
}

// Table is the process-wide service table. It is mutated only from the
// supervisor's event-loop goroutine.
type Table struct {
	g     *config.Globals
	rt    Runtime
	conds Conditions
	log   *slog.Logger

	// TeardownFn gates service starts during the stop-then-start window
	// of a transition, keeping stops strictly ahead of starts.
	TeardownFn func() bool

	list  []*Service
	index map[string]*Service
}

// NewTable creates an empty service table.
func NewTable(g *config.Globals, rt Runtime, conds Conditions, logger *slog.Logger) *Table {
	return &Table{
		g:     g,
		rt:    rt,
		conds: conds,
		log:   logger,
		index: make(map[string]*Service),
	}
}

// Register parses one service declaration and adds it to the table, or
// refreshes the existing entry, clearing its sweep mark.
//
// Declaration grammar:
//
//	[runlevels] command [args] [-- description] [<[!]cond>]
//
// Everything after '<' belongs to the condition; a description placed
// after the condition is not recognised.
func (t *Table) Register(kind config.Kind, decl string, rlimits config.Rlimits, file string) error {
	s, err := parseDecl(kind, decl, rlimits, file, t.log)
	if err != nil {
		return err
	}

	if old, ok := t.index[s.key()]; ok {
		// Re-declared: refresh in place, keep runtime state.
		old.Runlevels = s.Runlevels
		old.Desc = s.Desc
		old.Cond = s.Cond
		old.SigHUP = s.SigHUP
		old.Rlimits = s.Rlimits
		old.marked = false
		return nil
	}

	t.list = append(t.list, s)
	t.index[s.key()] = s
	t.log.Debug("registered service", "kind", kind.String(), "name", s.Name(), "runlevels", s.Runlevels.Levels())

	return nil
}

func parseDecl(kind config.Kind, decl string, rlimits config.Rlimits, file string, log *slog.Logger) (*Service, error) {
	body := decl
	rawCond := ""
	if i := strings.IndexByte(decl, '<'); i >= 0 {
		body = decl[:i]
		rawCond = decl[i+1:]
	}

	desc := ""
	if i := strings.Index(body, " -- "); i >= 0 {
		desc = strings.TrimSpace(body[i+4:])
		body = body[:i]
	}

	tokens := strings.Fields(body)

	levels := ""
	if len(tokens) > 0 && strings.HasPrefix(tokens[0], "[") {
		levels = tokens[0]
		tokens = tokens[1:]
	}

	if len(tokens) == 0 {
		return nil, fmt.Errorf("missing command in declaration %q", decl)
	}

	s := &Service{
		Kind:      kind,
		Runlevels: config.ParseRunlevels(levels),
		Cmd:       tokens[0],
		Args:      tokens[1:],
		Desc:      desc,
		Origin:    file,
		Rlimits:   rlimits,
	}

	// UNIX daemons are assumed to handle SIGHUP; a '!' prefix on the
	// condition declares otherwise.
	cond, sighup := config.ParseCond(rawCond)
	s.SigHUP = s.IsDaemon()
	if rawCond != "" {
		if !sighup {
			s.SigHUP = false
		}
		if len(cond) > config.MaxCondLen {
			log.Warn("too long event list in declaration", "name", s.Name(), "cond", cond)
		} else {
			s.Cond = cond
		}
	}

	return s, nil
}

// MarkDynamic marks every registered service as a sweep candidate. A
// following reload clears the mark on each re-declared entry; whatever
// stays marked has disappeared from the configuration.
func (t *Table) MarkDynamic() {
	for _, s := range t.list {
		s.marked = true
	}
}

// CleanDynamic removes services still marked after a reload. Running
// entries must already have been stopped by the teardown phase. The
// callback, if any, observes each unregistered service.
func (t *Table) CleanDynamic(unregister func(*Service)) {
	kept := t.list[:0]
	for _, s := range t.list {
		if !s.marked {
			kept = append(kept, s)
			continue
		}
		delete(t.index, s.key())
		t.log.Debug("unregistered stale service", "name", s.Name())
		if unregister != nil {
			unregister(s)
		}
	}
	t.list = kept
}

// StepAll advances every service matching the kind mask toward its
// desired state for the current runlevel: running services no longer
// allowed are stopped, halted services newly allowed are started.
func (t *Table) StepAll(mask config.Kind) {
	for _, s := range t.list {
		if s.Kind&mask == 0 {
			continue
		}
		t.step(s)
	}
}

func (t *Table) step(s *Service) {
	allowed := !s.marked && s.Runlevels.Has(t.g.Runlevel)
	if allowed && s.Cond != "" && t.conds != nil {
		allowed = t.conds.Allowed(s.Cond)
	}

	switch s.State {
	case StateRunning:
		if !allowed {
			t.log.Debug("stopping service", "name", s.Name())
			if err := t.rt.Stop(s); err != nil {
				t.log.Warn("failed stopping service", "name", s.Name(), "err", err)
				return
			}
			s.State = StateStopping
		}

	case StateHalted:
		if !allowed {
			return
		}
		// No starts inside the teardown window: phase 2 of a transition
		// steps again once every stopping service has been collected.
		if t.TeardownFn != nil && t.TeardownFn() {
			return
		}
		if (s.Kind == config.KindRun || s.Kind == config.KindTask) && s.once {
			return
		}
		t.log.Debug("starting service", "name", s.Name())
		if err := t.rt.Start(s); err != nil {
			t.log.Warn("failed starting service", "name", s.Name(), "err", err)
			return
		}
		s.State = StateRunning
		if s.Kind == config.KindRun || s.Kind == config.KindTask {
			s.once = true
		}

	case StateStopping:
		// Parked until the child is reaped.
	}
}

// StopCompleted returns the name of a service that was told to stop but
// has not yet been collected, or "" when the teardown has drained.
func (t *Table) StopCompleted() string {
	for _, s := range t.list {
		if s.State == StateStopping {
			return s.Name()
		}
	}
	return ""
}

// Reaped records that a service's child has been collected.
func (t *Table) Reaped(s *Service) {
	s.State = StateHalted
}

// RuntaskClean resets the once-only flag of run and task services so a
// new runlevel executes them again.
func (t *Table) RuntaskClean() {
	for _, s := range t.list {
		if s.Kind == config.KindRun || s.Kind == config.KindTask {
			s.once = false
		}
	}
}

// Find returns the service registered from file with the given command
// line, or nil.
func (t *Table) Find(file, cmdline string) *Service {
	return t.index[file+"\x00"+cmdline]
}

// Services returns the table in registration order.
func (t *Table) Services() []*Service {
	return t.list
}

// Len returns the number of registered services.
func (t *Table) Len() int {
	return len(t.list)
}
