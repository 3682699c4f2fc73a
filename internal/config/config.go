// Package config implements the finit configuration core: the directive
// lexer, runlevel and resource-limit parsing, the main-file and fragment
// loader, and the change tracking that drives live reconfiguration.
package config

// Compiled-in defaults, overridable per Loader for testing.
const (
	DefaultConf     = "/etc/finit.conf"
	DefaultRCSD     = "/etc/finit.d"
	DefaultHostname = "noname"
	DefaultRunlevel = 2

	HostnameFile = "/etc/hostname"
)

// Kind classifies a service declaration by its originating directive.
// Kinds form a bitmask so table operations can select several at once.
type Kind int

const (
	KindService Kind = 1 << iota // monitored daemon, respawned on exit
	KindTask                     // one-shot task
	KindRun                      // like task, but waits for completion
	KindInetd                    // on-demand inetd service
)

// KindAny selects every service kind.
const KindAny = KindService | KindTask | KindRun | KindInetd

func (k Kind) String() string {
	switch k {
	case KindService:
		return "service"
	case KindTask:
		return "task"
	case KindRun:
		return "run"
	case KindInetd:
		return "inetd"
	}
	return "mixed"
}

// HaltMode selects how the system goes down at runlevel 0 or 6.
type HaltMode int

const (
	HaltPoweroff HaltMode = iota
	HaltReboot
	HaltHalt
)

// Globals is the process-wide configuration state. There is exactly one
// instance, owned by the supervisor and threaded explicitly through the
// loader and the state machine.
type Globals struct {
	Runlevel  int // current runlevel, 0 during bootstrap
	Prevlevel int
	Cfglevel  int // default runlevel to enter after bootstrap

	Hostname string
	Network  string // network bringup script
	Runparts string // directory of bootstrap rc scripts
	Shutdown string // shutdown script
	Halt     HaltMode

	Rlimits Rlimits
}

// NewGlobals returns globals with compiled-in defaults.
func NewGlobals() *Globals {
	return &Globals{
		Cfglevel: DefaultRunlevel,
		Hostname: DefaultHostname,
		Rlimits:  make(Rlimits),
	}
}

// Bootstrap reports whether the system is still in the bootstrap phase,
// during which one-time directives are honored.
func (g *Globals) Bootstrap() bool {
	return g.Runlevel == 0
}

// ServiceRegistry is how the loader hands service declarations to the
// service table.
type ServiceRegistry interface {
	Register(kind Kind, decl string, rlimits Rlimits, file string) error
	MarkDynamic()
}

// TTYRegistry is how the loader hands tty declarations to the TTY table.
type TTYRegistry interface {
	Register(decl string, rlimits Rlimits, file string) error
	Mark()
}

// Runner executes one-shot bootstrap commands such as modprobe and mknod.
// Process execution itself lives outside the configuration core.
type Runner interface {
	Run(cmdline, desc string) error
}
