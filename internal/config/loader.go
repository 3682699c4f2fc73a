package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Loader orchestrates parsing of the main configuration file and every
// .conf fragment, and owns the full-reload procedure.
type Loader struct {
	conf         string
	rcsd         string
	hostnameFile string
	inetd        bool

	g       *Globals
	svcs    ServiceRegistry
	ttys    TTYRegistry
	runner  Runner
	changes *ChangeSet
	setHost func(string) error
	log     *slog.Logger
}

// LoaderConfig wires the loader to its collaborators. Zero-value paths
// fall back to the compiled-in defaults.
type LoaderConfig struct {
	Conf         string
	RCSD         string
	HostnameFile string
	InetdEnabled bool

	Services    ServiceRegistry
	TTYs        TTYRegistry
	Runner      Runner
	Changes     *ChangeSet
	SetHostname func(string) error
	Logger      *slog.Logger
}

// NewLoader creates a loader bound to the given globals.
func NewLoader(g *Globals, cfg LoaderConfig) *Loader {
	if cfg.Conf == "" {
		cfg.Conf = DefaultConf
	}
	if cfg.RCSD == "" {
		cfg.RCSD = DefaultRCSD
	}
	if cfg.HostnameFile == "" {
		cfg.HostnameFile = HostnameFile
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Loader{
		conf:         cfg.Conf,
		rcsd:         cfg.RCSD,
		hostnameFile: cfg.HostnameFile,
		inetd:        cfg.InetdEnabled,
		g:            g,
		svcs:         cfg.Services,
		ttys:         cfg.TTYs,
		runner:       cfg.Runner,
		changes:      cfg.Changes,
		setHost:      cfg.SetHostname,
		log:          cfg.Logger,
	}
}

// Conf returns the main configuration file path.
func (l *Loader) Conf() string { return l.conf }

// RCSD returns the fragment directory path.
func (l *Loader) RCSD() string { return l.rcsd }

// Reload re-reads the main file and all fragments: mark services and
// TTYs for sweeping, snapshot OS limits, parse, apply limits, drop the
// change set and resolve the hostname. Entries still marked afterwards
// are stale and will be unregistered by the state machine.
func (l *Loader) Reload() error {
	l.svcs.MarkDynamic()
	l.ttys.Mark()

	l.g.Rlimits = SnapshotRlimits()

	if err := l.parseConf(l.conf); err != nil {
		l.log.Debug("skipping main configuration file", "path", l.conf, "err", err)
	}

	l.scanFragments()

	l.g.Rlimits.Apply(l.log)

	l.changes.DropAll()

	l.resolveHostname()

	return nil
}

func (l *Loader) scanFragments() {
	entries, err := os.ReadDir(l.rcsd)
	if err != nil {
		l.log.Debug("skipping fragment directory, no files found", "path", l.rcsd)
		return
	}

	// os.ReadDir sorts entries, giving lexicographic parse order.
	for _, e := range entries {
		path := filepath.Join(l.rcsd, e.Name())

		fi, err := os.Lstat(path)
		if err != nil {
			l.log.Debug("skipping fragment, cannot access", "path", path, "err", err)
			continue
		}
		if fi.IsDir() {
			l.log.Debug("skipping directory", "path", path)
			continue
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			if _, err := filepath.EvalSymlinks(path); err != nil {
				l.log.Warn("skipping fragment, dangling symlink", "path", path)
				continue
			}
		}
		if !strings.HasSuffix(e.Name(), ".conf") {
			l.log.Debug("skipping fragment, not a .conf file", "path", path)
			continue
		}

		if err := l.parseFragment(path); err != nil {
			l.log.Warn("failed parsing fragment", "path", path, "err", err)
		}
	}
}

// parseConf handles the main file and included files: both the static
// and the dynamic directive set, against the global limit table.
func (l *Loader) parseConf(path string) error {
	return l.eachLine(path, func(line string) {
		l.parseLine(line, l.g.Rlimits, "", true)
	})
}

// parseFragment handles one .conf fragment: the dynamic directive set
// only, against a per-file clone of the global limit table.
func (l *Loader) parseFragment(path string) error {
	rl := l.g.Rlimits.Clone()
	return l.eachLine(path, func(line string) {
		l.parseLine(line, rl, path, false)
	})
}

func (l *Loader) eachLine(path string, fn func(line string)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed opening %s: %w", path, err)
	}
	defer f.Close()

	l.log.Debug("parsing", "path", path)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fn(scanner.Text())
	}

	return scanner.Err()
}

// parseLine dispatches one directive. Static directives apply only to
// the main file and its includes; dynamic directives apply everywhere.
func (l *Loader) parseLine(line string, rl Rlimits, origin string, static bool) {
	dir, arg, ok := Lex(line)
	if !ok {
		return
	}

	bootstrap := l.g.Bootstrap()

	switch dir {
	case DirHost:
		if static && bootstrap {
			l.g.Hostname = arg
		}

	case DirMknod:
		if static && bootstrap {
			l.run("mknod "+arg, "Creating device node "+arg)
		}

	case DirNetwork:
		if static && bootstrap {
			l.g.Network = arg
		}

	case DirRunparts:
		if static && bootstrap {
			l.g.Runparts = arg
		}

	case DirRunlevel:
		if static && bootstrap {
			l.g.Cfglevel = parseCfglevel(arg)
		}

	case DirInclude:
		if static {
			l.include(arg)
		}

	case DirShutdown:
		if static {
			l.g.Shutdown = arg
		}

	case DirModule:
		if bootstrap {
			l.run("modprobe "+arg, "Loading kernel module "+arg)
		}

	case DirService:
		l.register(KindService, arg, rl, origin)

	case DirTask:
		l.register(KindTask, arg, rl, origin)

	case DirRun:
		l.register(KindRun, arg, rl, origin)

	case DirInetd:
		if !l.inetd {
			l.log.Error("built without inetd support, cannot register inetd service", "decl", arg)
			return
		}
		l.register(KindInetd, arg, rl, origin)

	case DirRlimit:
		ParseRlimit(arg, rl, l.log)

	case DirTTY:
		if err := l.ttys.Register(arg, rl, origin); err != nil {
			l.log.Warn("failed registering tty", "decl", arg, "err", err)
		}
	}
}

func (l *Loader) register(kind Kind, decl string, rl Rlimits, origin string) {
	if err := l.svcs.Register(kind, decl, rl, origin); err != nil {
		l.log.Warn("failed registering service", "kind", kind.String(), "decl", decl, "err", err)
	}
}

func (l *Loader) run(cmdline, desc string) {
	if l.runner == nil {
		return
	}
	if err := l.runner.Run(cmdline, desc); err != nil {
		l.log.Warn("command failed", "cmd", cmdline, "err", err)
	}
}

// include parses another file with the full directive set. The path must
// be absolute and exist.
func (l *Loader) include(path string) {
	if !filepath.IsAbs(path) || !fileExists(path) {
		l.log.Error("cannot find include file, absolute path required", "path", path)
		return
	}

	if err := l.parseConf(path); err != nil {
		l.log.Error("failed parsing include file", "path", path, "err", err)
	}
}

// resolveHostname settles the final hostname after a reload:
// /etc/hostname wins over the host directive, with a compiled-in default
// as last resort.
func (l *Loader) resolveHostname() {
	if data, err := os.ReadFile(l.hostnameFile); err == nil {
		if h := strings.TrimSpace(string(data)); h != "" {
			l.g.Hostname = h
		}
	}
	if l.g.Hostname == "" {
		l.g.Hostname = DefaultHostname
	}

	if l.setHost != nil {
		if err := l.setHost(l.g.Hostname); err != nil {
			l.log.Warn("failed setting hostname", "hostname", l.g.Hostname, "err", err)
		}
	}
}

// parseCfglevel clamps the runlevel directive to 1..9 excluding 6,
// falling back to the default runlevel.
func parseCfglevel(arg string) int {
	v, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || v < 1 || v > 9 || v == 6 {
		return DefaultRunlevel
	}
	return v
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
