package config

import (
	"os"
	"strings"
)

// CmdlineFile is where the kernel command line is read from.
const CmdlineFile = "/proc/cmdline"

// DebugEnabled reports whether the kernel command line at path asks for
// debug logging, via either the finit_debug or --debug token.
func DebugEnabled(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	line := string(data)
	return strings.Contains(line, "finit_debug") || strings.Contains(line, "--debug")
}
