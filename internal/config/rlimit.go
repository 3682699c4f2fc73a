package config

import (
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Rlimits maps a resource (unix.RLIMIT_*) to its soft and hard limit.
type Rlimits map[int]unix.Rlimit

// rlimitNames is the closed set of resources accepted by the rlimit
// directive, in the order limits are snapshotted and applied.
var rlimitNames = []struct {
	name     string
	resource int
}{
	{"as", unix.RLIMIT_AS},
	{"core", unix.RLIMIT_CORE},
	{"cpu", unix.RLIMIT_CPU},
	{"data", unix.RLIMIT_DATA},
	{"fsize", unix.RLIMIT_FSIZE},
	{"locks", unix.RLIMIT_LOCKS},
	{"memlock", unix.RLIMIT_MEMLOCK},
	{"msgqueue", unix.RLIMIT_MSGQUEUE},
	{"nice", unix.RLIMIT_NICE},
	{"nofile", unix.RLIMIT_NOFILE},
	{"nproc", unix.RLIMIT_NPROC},
	{"rss", unix.RLIMIT_RSS},
	{"rtprio", unix.RLIMIT_RTPRIO},
	{"rttime", unix.RLIMIT_RTTIME},
	{"sigpending", unix.RLIMIT_SIGPENDING},
	{"stack", unix.RLIMIT_STACK},
}

// rlimitMax is the largest numeric value the rlimit directive accepts.
// The bound is 2^32 inclusive, carried over verbatim from the original
// strtonum(val, 0, (long long)2 << 31, ...) call.
const rlimitMax = uint64(2) << 31

func rlimitByName(name string) (int, bool) {
	for _, rn := range rlimitNames {
		if rn.name == name {
			return rn.resource, true
		}
	}
	return 0, false
}

func rlimitName(resource int) string {
	for _, rn := range rlimitNames {
		if rn.resource == resource {
			return rn.name
		}
	}
	return "unknown"
}

// Clone returns an independent copy, used to derive a per-fragment
// working table from the globals.
func (r Rlimits) Clone() Rlimits {
	out := make(Rlimits, len(r))
	for res, lim := range r {
		out[res] = lim
	}
	return out
}

// SnapshotRlimits reads the current process limits for every known
// resource from the OS.
func SnapshotRlimits() Rlimits {
	out := make(Rlimits, len(rlimitNames))
	for _, rn := range rlimitNames {
		var lim unix.Rlimit
		if err := unix.Getrlimit(rn.resource, &lim); err != nil {
			continue
		}
		out[rn.resource] = lim
	}
	return out
}

// Apply sets every limit in the table on the calling process. A failed
// resource is logged and the rest are still applied.
func (r Rlimits) Apply(log *slog.Logger) {
	for _, rn := range rlimitNames {
		lim, ok := r[rn.resource]
		if !ok {
			continue
		}
		if err := unix.Setrlimit(rn.resource, &lim); err != nil {
			log.Warn("rlimit: failed setting limit", "resource", rn.name, "err", err)
		}
	}
}

// ParseRlimit applies one "rlimit <soft|hard> <resource> <value>" argument
// to the given table. Malformed input is logged and leaves the table
// unchanged. The value "unlimited" (or "infinity") lifts the bound.
func ParseRlimit(arg string, r Rlimits, log *slog.Logger) {
	tokens := strings.Fields(arg)
	if len(tokens) != 3 {
		log.Warn("rlimit: parse error", "arg", arg)
		return
	}

	level, name, val := tokens[0], tokens[1], tokens[2]

	resource, ok := rlimitByName(name)
	if !ok {
		log.Warn("rlimit: parse error", "arg", arg)
		return
	}
	if level != "soft" && level != "hard" {
		log.Warn("rlimit: parse error", "arg", arg)
		return
	}

	var cfg uint64
	if val == "unlimited" || val == "infinity" {
		cfg = unix.RLIM_INFINITY
	} else {
		n, err := strconv.ParseUint(val, 10, 64)
		if err != nil || n > rlimitMax {
			log.Warn("rlimit: invalid value", "resource", name, "value", val)
			return
		}
		cfg = n
	}

	lim := r[resource]
	if level == "soft" {
		lim.Cur = cfg
	} else {
		lim.Max = cfg
	}
	r[resource] = lim
}
