package supervisor

import (
	"log/slog"
	"os/exec"
	"strings"
)

// ExecRunner executes one-shot bootstrap commands (modprobe, mknod) for
// the configuration loader.
type ExecRunner struct {
	Logger *slog.Logger
}

// Run executes cmdline, logging desc the way an init prints its boot
// progress lines.
func (r *ExecRunner) Run(cmdline, desc string) error {
	tokens := strings.Fields(cmdline)
	if len(tokens) == 0 {
		return nil
	}

	r.Logger.Info(desc)

	cmd := exec.Command(tokens[0], tokens[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		r.Logger.Warn("command failed", "cmd", cmdline, "output", strings.TrimSpace(string(out)), "err", err)
		return err
	}
	return nil
}
