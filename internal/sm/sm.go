// Package sm implements the supervisor state machine: the authoritative
// driver that sequences bootstrap, runlevel transitions and live
// reconfiguration, with stop-before-start ordering and two-stage waits
// for child reaping.
package sm

import (
	"fmt"
	"log/slog"

	"github.com/liuming50/finit/internal/config"
	"github.com/liuming50/finit/internal/logging"
	"github.com/liuming50/finit/internal/plugin"
	"github.com/liuming50/finit/internal/svc"
	"github.com/liuming50/finit/internal/tty"
)

// State of the machine.
type State int

const (
	Bootstrap State = iota
	Running
	RunlevelChange // phase 1: stop services not allowed in the new level
	RunlevelWait   // phase 2: wait for reaping, then start
	ReloadChange   // phase 1: reconfigure, stop affected services
	ReloadWait     // phase 2: wait for reaping, then start
)

func (s State) String() string {
	switch s {
	case Bootstrap:
		return "bootstrap"
	case Running:
		return "running"
	case RunlevelChange:
		return "runlevel/change"
	case RunlevelWait:
		return "runlevel/wait"
	case ReloadChange:
		return "reload/change"
	case ReloadWait:
		return "reload/wait"
	}
	return "unknown"
}

// Conf is the configuration loader as seen from the state machine.
type Conf interface {
	Reload() error
	AnyChange() bool
}

// ServiceTable is the service collaborator contract.
type ServiceTable interface {
	StepAll(mask config.Kind)
	StopCompleted() string
	CleanDynamic(unregister func(*svc.Service))
	RuntaskClean()
}

// TTYTable is the TTY collaborator contract.
type TTYTable interface {
	Reload(arg *tty.TTY)
	Runlevel()
}

// ConditionStore marks conditions in flux across a reconfiguration.
type ConditionStore interface {
	Reload()
}

// Hooks fires plugin hook batches.
type Hooks interface {
	RunHooks(point plugin.HookPoint)
}

// RunlevelStore persists runlevel transitions, utmp style.
type RunlevelStore interface {
	Set(prev, cur int) error
}

// Deps wires the machine to its collaborators. Conf, Services, TTYs,
// Conds and Hooks are required; the rest are optional.
type Deps struct {
	Conf      Conf
	Services  ServiceTable
	TTYs      TTYTable
	Conds     ConditionStore
	Hooks     Hooks
	Runlevels RunlevelStore

	// Shutdown is terminal for runlevels 0 and 6.
	Shutdown func(config.HaltMode)

	// Unregister observes each swept service.
	Unregister func(*svc.Service)

	// NologinPath overrides /etc/nologin, for testing.
	NologinPath string

	Logger *slog.Logger
}

// Machine drives the supervisor between its operating modes. It is
// owned by the event loop; Step never blocks, it advances or parks.
type Machine struct {
	g    *config.Globals
	deps Deps
	log  *slog.Logger

	state    State
	newlevel int
	reload   bool
	teardown bool
}

// New creates a machine in the bootstrap state.
func New(g *config.Globals, deps Deps) *Machine {
	if deps.NologinPath == "" {
		deps.NologinPath = NologinFile
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Machine{
		g:        g,
		deps:     deps,
		log:      deps.Logger,
		state:    Bootstrap,
		newlevel: -1,
	}
}

// State returns the current machine state.
func (m *Machine) State() State { return m.state }

// SetRunlevel requests a transition. A pending request can be
// superseded until the machine leaves the running state.
func (m *Machine) SetRunlevel(level int) {
	m.newlevel = level
}

// SetReload requests a full configuration reload.
func (m *Machine) SetReload() {
	m.reload = true
}

// InTeardown reports whether the machine is between a phase-1 stop and
// its phase-2 start. Parts of the service subsystem are gated on this.
func (m *Machine) InTeardown() bool {
	return m.teardown
}

// Step advances the machine. Cascading transitions complete within one
// call: as long as the state changed, Step re-enters itself.
func (m *Machine) Step() {
	for {
		old := m.state

		m.log.Debug("sm step",
			"state", m.state.String(),
			"runlevel", m.g.Runlevel,
			"newlevel", m.newlevel,
			"teardown", m.teardown,
			"reload", m.reload)

		switch m.state {
		case Bootstrap:
			m.log.Debug("bootstrapping all services in runlevel S")
			m.deps.Services.StepAll(config.KindRun | config.KindTask | config.KindService)
			m.state = Running

		case Running:
			if m.newlevel >= 0 && m.newlevel <= 9 {
				if m.newlevel == m.g.Runlevel {
					m.newlevel = -1
				} else {
					m.state = RunlevelChange
				}
				break
			}
			if m.reload {
				m.reload = false
				m.state = ReloadChange
			}

		case RunlevelChange:
			m.runlevelChange()

		case RunlevelWait:
			m.runlevelWait()

		case ReloadChange:
			m.reloadChange()

		case ReloadWait:
			m.reloadWait()
		}

		if m.state == old {
			return
		}
	}
}

// runlevelChange is phase 1 of a runlevel transition: stop everything
// not allowed in the new level.
func (m *Machine) runlevelChange() {
	m.g.Prevlevel = m.g.Runlevel
	m.g.Runlevel = m.newlevel
	m.newlevel = -1

	// Terse console output and shutdown hooks before going down.
	if m.g.Runlevel == 0 || m.g.Runlevel == 6 {
		logging.Exit(m.log)
		m.deps.Hooks.RunHooks(plugin.HookShutdown)
	}

	m.log.Info(fmt.Sprintf("entering runlevel %d", m.g.Runlevel),
		"prevlevel", m.g.Prevlevel)

	if m.deps.Runlevels != nil {
		if err := m.deps.Runlevels.Set(m.g.Prevlevel, m.g.Runlevel); err != nil {
			m.log.Warn("failed recording runlevel", "err", err)
		}
	}

	m.nologin()

	// Pick up any *.conf edits that accumulated while running.
	if m.deps.Conf.AnyChange() {
		if err := m.deps.Conf.Reload(); err != nil {
			m.log.Error("failed reloading configuration", "err", err)
		}
	}

	m.deps.Services.RuntaskClean()

	m.log.Debug("stopping services not allowed in new runlevel")
	m.teardown = true
	m.deps.Services.StepAll(config.KindAny)

	m.state = RunlevelWait
}

// runlevelWait is phase 2: park until every stopping service has been
// collected, then run hooks and start the new level.
func (m *Machine) runlevelWait() {
	if name := m.deps.Services.StopCompleted(); name != "" {
		m.log.Debug("waiting to collect service", "name", name)
		return
	}

	// Previous level drained; reconfigure HW/VLANs/etc here.
	m.deps.Hooks.RunHooks(plugin.HookRunlevelChange)

	m.log.Debug("starting services new to this runlevel")
	m.teardown = false
	m.deps.Services.StepAll(config.KindAny)

	m.deps.Services.CleanDynamic(m.deps.Unregister)

	if m.g.Runlevel == 0 || m.g.Runlevel == 6 {
		if m.deps.Shutdown != nil {
			m.deps.Shutdown(m.g.Halt)
		}
		m.state = Running
		return
	}

	// No TTYs run at bootstrap, they have a delayed start.
	if m.g.Prevlevel > 0 {
		m.deps.TTYs.Runlevel()
	}

	m.state = Running
}

// reloadChange is phase 1 of a reconfiguration: reload all *.conf,
// mark affected conditions in flux and stop affected services.
func (m *Machine) reloadChange() {
	if err := m.deps.Conf.Reload(); err != nil {
		m.log.Error("failed reloading configuration", "err", err)
	}

	m.log.Debug("stopping services not allowed after reconf")
	m.teardown = true
	m.deps.Conds.Reload()
	m.deps.Services.StepAll(config.KindService | config.KindInetd)
	m.deps.TTYs.Reload(nil)

	m.state = ReloadWait
}

// reloadWait is phase 2: park until drained, then start services under
// the new configuration and fire the reconf hooks.
func (m *Machine) reloadWait() {
	if name := m.deps.Services.StopCompleted(); name != "" {
		m.log.Debug("waiting to collect service", "name", name)
		return
	}

	m.teardown = false
	m.deps.Services.CleanDynamic(m.deps.Unregister)

	m.log.Debug("starting services after reconf")
	m.deps.Services.StepAll(config.KindService | config.KindInetd)

	m.deps.Hooks.RunHooks(plugin.HookSvcReconf)

	// Hooks may have asserted conditions that let more services start.
	m.deps.Services.StepAll(config.KindService | config.KindInetd)

	m.state = Running
}
