package config

import "strings"

// Directive is a recognized configuration keyword.
type Directive string

const (
	DirHost     Directive = "host"
	DirModule   Directive = "module"
	DirMknod    Directive = "mknod"
	DirNetwork  Directive = "network"
	DirRunparts Directive = "runparts"
	DirRunlevel Directive = "runlevel"
	DirInclude  Directive = "include"
	DirShutdown Directive = "shutdown"
	DirRlimit   Directive = "rlimit"
	DirService  Directive = "service"
	DirTask     Directive = "task"
	DirRun      Directive = "run"
	DirInetd    Directive = "inetd"
	DirTTY      Directive = "tty"
)

var directives = []Directive{
	DirHost,
	DirModule,
	DirMknod,
	DirNetwork,
	DirRunparts,
	DirRunlevel,
	DirInclude,
	DirShutdown,
	DirRlimit,
	DirService,
	DirTask,
	DirRun,
	DirInetd,
	DirTTY,
}

// Lex normalizes one raw configuration line and classifies its directive.
// Tabs are treated as spaces and surrounding whitespace is ignored.
// Comment lines and lines matching no known keyword yield ok == false.
func Lex(raw string) (dir Directive, arg string, ok bool) {
	line := normalize(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}

	for _, d := range directives {
		kw := string(d) + " "
		if len(line) >= len(kw) && strings.EqualFold(line[:len(kw)], kw) {
			return d, strings.TrimLeft(line[len(kw):], " "), true
		}
	}

	return "", "", false
}

func normalize(line string) string {
	line = strings.TrimRight(line, "\n")
	line = strings.ReplaceAll(line, "\t", " ")
	return strings.TrimSpace(line)
}
