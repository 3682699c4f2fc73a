package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/liuming50/finit/internal/api"
	"github.com/liuming50/finit/internal/cond"
	"github.com/liuming50/finit/internal/config"
	"github.com/liuming50/finit/internal/metrics"
	"github.com/liuming50/finit/internal/plugin"
	"github.com/liuming50/finit/internal/sm"
	"github.com/liuming50/finit/internal/svc"
	"github.com/liuming50/finit/internal/tty"
	"github.com/liuming50/finit/internal/version"
)

// Config wires a supervisor. Zero values fall back to sane defaults;
// the Runtime, TTYStarter, Runner and Shutdown hooks exist so tests and
// embedders can replace the parts that touch the machine.
type Config struct {
	Conf string
	RCSD string

	InetdEnabled bool

	// Overridable paths, mainly for testing.
	HostnameFile   string
	NologinPath    string
	RunlevelRecord string

	Runtime     svc.Runtime
	TTYStarter  tty.Starter
	Runner      config.Runner
	SetHostname func(string) error
	Shutdown    func(config.HaltMode)

	Logger *slog.Logger
}

// Supervisor owns the event loop. All tables, the change set and the
// state machine are mutated only under its lock, from the loop or from
// queued control commands.
type Supervisor struct {
	mu sync.Mutex

	g         *config.Globals
	changes   *config.ChangeSet
	watcher   *config.Watcher
	loader    *config.Loader
	svcs      *svc.Table
	ttys      *tty.Table
	conds     *cond.Store
	hooks     *plugin.Registry
	machine   *sm.Machine
	collector *metrics.Collector
	signals   *SignalQueue
	logger    *slog.Logger

	cmds   chan func()
	reaped chan *svc.Service
}

// New builds a fully wired supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Supervisor{
		g:         config.NewGlobals(),
		changes:   config.NewChangeSet(),
		conds:     cond.NewStore(),
		hooks:     plugin.NewRegistry(cfg.Logger),
		collector: metrics.New(),
		logger:    cfg.Logger,
		cmds:      make(chan func(), 8),
		reaped:    make(chan *svc.Service, 64),
	}

	rt := cfg.Runtime
	if rt == nil {
		rt = &logRuntime{log: cfg.Logger, reaped: s.reaped}
	}
	s.svcs = svc.NewTable(s.g, rt, s.conds, cfg.Logger)

	st := cfg.TTYStarter
	if st == nil {
		st = &logStarter{log: cfg.Logger}
	}
	s.ttys = tty.NewTable(s.g, st, cfg.Logger)

	runner := cfg.Runner
	if runner == nil {
		runner = &ExecRunner{Logger: cfg.Logger}
	}

	setHostname := cfg.SetHostname
	if setHostname == nil {
		setHostname = func(name string) error {
			return unix.Sethostname([]byte(name))
		}
	}

	s.loader = config.NewLoader(s.g, config.LoaderConfig{
		Conf:         cfg.Conf,
		RCSD:         cfg.RCSD,
		HostnameFile: cfg.HostnameFile,
		InetdEnabled: cfg.InetdEnabled,
		Services:     s.svcs,
		TTYs:         s.ttys,
		Runner:       runner,
		Changes:      s.changes,
		SetHostname:  setHostname,
		Logger:       cfg.Logger,
	})

	s.watcher = config.NewWatcher(cfg.Logger)

	shutdown := cfg.Shutdown
	if shutdown == nil {
		shutdown = func(mode config.HaltMode) { doShutdown(mode, cfg.Logger) }
	}

	s.machine = sm.New(s.g, sm.Deps{
		Conf:        &confAdapter{s: s},
		Services:    s.svcs,
		TTYs:        s.ttys,
		Conds:       s.conds,
		Hooks:       s.hooks,
		Runlevels:   sm.NewRunlevelFile(cfg.RunlevelRecord),
		Shutdown:    shutdown,
		NologinPath: cfg.NologinPath,
		Logger:      cfg.Logger,
	})

	s.svcs.TeardownFn = s.machine.InTeardown
	s.collector.SetBuildInfo(version.Version, version.Commit)

	return s
}

// Globals exposes the process-wide configuration state.
func (s *Supervisor) Globals() *config.Globals { return s.g }

// Machine exposes the state machine, mainly for tests.
func (s *Supervisor) Machine() *sm.Machine { return s.machine }

// Hooks exposes the plugin hook registry.
func (s *Supervisor) Hooks() *plugin.Registry { return s.hooks }

// Conditions exposes the condition store.
func (s *Supervisor) Conditions() *cond.Store { return s.conds }

// Metrics exposes the Prometheus collector.
func (s *Supervisor) Metrics() *metrics.Collector { return s.collector }

// Run arms the watchers, performs the initial load, leaves bootstrap
// and then serves the event loop until the context is cancelled or a
// terminating signal arrives.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.watcher.Close()

	// Debug logging can be requested from the kernel command line.
	if config.DebugEnabled(config.CmdlineFile) {
		s.logger.Debug("debug logging enabled from kernel command line")
	}

	if armed := s.watcher.Arm(ctx, s.loader.Conf(), s.loader.RCSD()); armed == 0 {
		s.logger.Warn("no configuration surface found to watch",
			"conf", s.loader.Conf(), "rcsd", s.loader.RCSD())
	}

	s.signals = NewSignalQueue(s.logger)
	defer s.signals.Stop()

	s.mu.Lock()
	if err := (&confAdapter{s: s}).Reload(); err != nil {
		s.logger.Error("initial configuration load failed", "err", err)
	}

	// Bootstrap: start runlevel S services, then promote to the
	// configured runlevel.
	s.machine.Step()
	s.machine.SetRunlevel(s.g.Cfglevel)
	s.machine.Step()
	s.updateMetrics()
	s.mu.Unlock()

	s.logger.Info("supervisor running", "pid", os.Getpid(), "runlevel", s.g.Runlevel)

	for {
		select {
		case <-ctx.Done():
			return nil

		case sig := <-s.signals.C:
			if s.handleSignal(sig) {
				s.logger.Info("shutting down")
				return nil
			}

		case ev := <-s.watcher.Events():
			s.mu.Lock()
			s.changes.Record(ev.Name, ev.Op)
			s.collector.ChangesPending.Set(float64(s.changes.Len()))
			s.mu.Unlock()

		case cmd := <-s.cmds:
			s.mu.Lock()
			cmd()
			s.machine.Step()
			s.updateMetrics()
			s.mu.Unlock()

		case done := <-s.reaped:
			s.mu.Lock()
			s.svcs.Reaped(done)
			// The monitor drives the next step once a child has
			// been collected.
			s.machine.Step()
			s.updateMetrics()
			s.mu.Unlock()
		}
	}
}

// handleSignal processes one queued signal. Returns true to leave the
// run loop.
func (s *Supervisor) handleSignal(sig os.Signal) bool {
	s.logger.Debug("received signal", "signal", sig.String())

	switch sig {
	case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT:
		return true

	case syscall.SIGHUP:
		s.mu.Lock()
		s.machine.SetReload()
		s.machine.Step()
		s.updateMetrics()
		s.mu.Unlock()
		return false

	case syscall.SIGUSR1:
		s.requestHalt(config.HaltHalt)
		return false

	case syscall.SIGUSR2:
		s.requestHalt(config.HaltPoweroff)
		return false

	case syscall.SIGCHLD:
		// Reaping is owned by the service runtime.
		return false

	default:
		s.logger.Warn("unhandled signal", "signal", sig.String())
		return false
	}
}

func (s *Supervisor) requestHalt(mode config.HaltMode) {
	s.mu.Lock()
	s.g.Halt = mode
	s.machine.SetRunlevel(0)
	s.machine.Step()
	s.updateMetrics()
	s.mu.Unlock()
}

// --- Control surface (api.Supervisor) ---

// RequestRunlevel queues a runlevel change onto the event loop.
func (s *Supervisor) RequestRunlevel(level int) error {
	if level < 0 || level > 9 {
		return fmt.Errorf("runlevel %d out of range 0..9", level)
	}
	s.cmds <- func() { s.machine.SetRunlevel(level) }
	return nil
}

// RequestReload queues a full configuration reload onto the event loop.
func (s *Supervisor) RequestReload() error {
	s.cmds <- func() { s.machine.SetReload() }
	return nil
}

// Status reports the supervisor state.
func (s *Supervisor) Status() api.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := api.Status{
		Runlevel:  s.g.Runlevel,
		Prevlevel: s.g.Prevlevel,
		State:     s.machine.State().String(),
		Hostname:  s.g.Hostname,
	}
	for _, service := range s.svcs.Services() {
		st.Services = append(st.Services, api.ServiceInfo{
			Kind:      service.Kind.String(),
			Name:      service.Name(),
			Cmd:       service.CmdLine(),
			State:     service.State.String(),
			Runlevels: service.Runlevels.Levels(),
			Cond:      service.Cond,
			Origin:    service.Origin,
		})
	}
	return st
}

// Version reports build metadata.
func (s *Supervisor) Version() map[string]string {
	return map[string]string{
		"version": version.Version,
		"commit":  version.Commit,
		"date":    version.Date,
	}
}

func (s *Supervisor) updateMetrics() {
	s.collector.Runlevel.Set(float64(s.g.Runlevel))
	s.collector.StateCode.Set(float64(int(s.machine.State())))
	s.collector.ChangesPending.Set(float64(s.changes.Len()))
	s.collector.TTYs.Set(float64(s.ttys.Len()))

	counts := map[string]int{}
	for _, service := range s.svcs.Services() {
		counts[service.Kind.String()]++
	}
	s.collector.Services.Reset()
	for kind, n := range counts {
		s.collector.Services.WithLabelValues(kind).Set(float64(n))
	}
}

// confAdapter counts reloads for the metrics collector while giving the
// state machine its Conf contract.
type confAdapter struct {
	s *Supervisor
}

func (c *confAdapter) Reload() error {
	err := c.s.loader.Reload()
	c.s.collector.ConfigReloadTotal.Inc()
	if err != nil {
		c.s.collector.ConfigReloadErrorTotal.Inc()
	}
	c.s.collector.ChangesPending.Set(0)
	return err
}

func (c *confAdapter) AnyChange() bool {
	return c.s.changes.Any()
}

// logRuntime is the default service runtime: it records intent and
// immediately reports stopped children as collected, which keeps the
// two-phase transitions honest without forking anything. Real process
// execution plugs in through Config.Runtime.
type logRuntime struct {
	log    *slog.Logger
	reaped chan<- *svc.Service
}

func (r *logRuntime) Start(s *svc.Service) error {
	r.log.Info("starting", "kind", s.Kind.String(), "name", s.Name(), "cmd", s.CmdLine())
	return nil
}

func (r *logRuntime) Stop(s *svc.Service) error {
	r.log.Info("stopping", "name", s.Name())
	go func() { r.reaped <- s }()
	return nil
}

// logStarter is the default TTY starter.
type logStarter struct {
	log *slog.Logger
}

func (l *logStarter) Start(t *tty.TTY) error {
	l.log.Info("starting getty", "device", t.Device)
	return nil
}

func (l *logStarter) Stop(t *tty.TTY) error {
	l.log.Info("stopping getty", "device", t.Device)
	return nil
}
