package sm

import (
	"errors"
	"io/fs"
	"os"
)

// NologinFile is where login(1) looks to refuse non-root logins.
const NologinFile = "/etc/nologin"

// nologin disables login in single-user mode and shutdown/reboot, and
// re-enables it only when leaving those runlevels. Within the other
// runlevels an administrator can manage the file manually without the
// supervisor pulling the rug from under their feet.
func (m *Machine) nologin() {
	if m.g.Runlevel == 1 || m.g.Runlevel == 0 || m.g.Runlevel == 6 {
		if err := touch(m.deps.NologinPath); err != nil {
			m.log.Warn("failed creating nologin file", "path", m.deps.NologinPath, "err", err)
		}
	}

	if m.g.Prevlevel == 1 || m.g.Prevlevel == 0 || m.g.Prevlevel == 6 {
		if err := erase(m.deps.NologinPath); err != nil {
			m.log.Warn("failed removing nologin file", "path", m.deps.NologinPath, "err", err)
		}
	}
}

// touch creates path if missing, leaving existing content alone.
func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// erase removes path, tolerating its absence.
func erase(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
