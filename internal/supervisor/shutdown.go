package supervisor

import (
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/liuming50/finit/internal/config"
)

// doShutdown takes the system down once runlevel 0 or 6 has drained.
// Filesystems are synced first; the reboot syscall does not return on
// success.
func doShutdown(mode config.HaltMode, log *slog.Logger) {
	unix.Sync()

	var cmd int
	switch mode {
	case config.HaltReboot:
		cmd = unix.LINUX_REBOOT_CMD_RESTART
	case config.HaltHalt:
		cmd = unix.LINUX_REBOOT_CMD_HALT
	default:
		cmd = unix.LINUX_REBOOT_CMD_POWER_OFF
	}

	if err := unix.Reboot(cmd); err != nil {
		log.Error("reboot syscall failed", "err", err)
	}
}
