package sm

import (
	"fmt"

	"github.com/google/renameio/v2"
)

// DefaultRunlevelFile is where runlevel transitions are recorded.
const DefaultRunlevelFile = "/run/finit.runlevel"

// RunlevelFile persists runlevel transitions to a small record file,
// standing in for the traditional utmp RUN_LVL record. The write is
// atomic so readers never observe a torn record.
type RunlevelFile struct {
	Path string
}

// NewRunlevelFile returns a store writing to path, or the default
// location when path is empty.
func NewRunlevelFile(path string) *RunlevelFile {
	if path == "" {
		path = DefaultRunlevelFile
	}
	return &RunlevelFile{Path: path}
}

// Set records a completed transition from prev to cur.
func (f *RunlevelFile) Set(prev, cur int) error {
	record := fmt.Sprintf("%d %d\n", prev, cur)
	return renameio.WriteFile(f.Path, []byte(record), 0o644)
}
