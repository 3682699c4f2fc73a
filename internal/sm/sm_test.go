package sm

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuming50/finit/internal/config"
	"github.com/liuming50/finit/internal/plugin"
	"github.com/liuming50/finit/internal/svc"
	"github.com/liuming50/finit/internal/tty"
)

// The fakes share one trace so tests can assert cross-collaborator
// ordering: stop before hooks before start.

type harness struct {
	trace []string

	g        *config.Globals
	m        *Machine
	changes  bool   // AnyChange result
	stopping string // StopCompleted result
	reloads  int
	halted   []config.HaltMode
}

func (h *harness) Reload() error {
	h.reloads++
	h.trace = append(h.trace, "conf.reload")
	return nil
}

func (h *harness) AnyChange() bool { return h.changes }

func (h *harness) StepAll(mask config.Kind) {
	h.trace = append(h.trace, fmt.Sprintf("svc.step(%s)", maskName(mask)))
}

func (h *harness) StopCompleted() string { return h.stopping }

func (h *harness) CleanDynamic(unregister func(*svc.Service)) {
	h.trace = append(h.trace, "svc.clean")
}

func (h *harness) RuntaskClean() {
	h.trace = append(h.trace, "svc.runtask_clean")
}

type ttyFake struct{ h *harness }

func (t ttyFake) Reload(arg *tty.TTY) { t.h.trace = append(t.h.trace, "tty.reload") }
func (t ttyFake) Runlevel()           { t.h.trace = append(t.h.trace, "tty.runlevel") }

type condFake struct{ h *harness }

func (c condFake) Reload() { c.h.trace = append(c.h.trace, "cond.reload") }

type hookFake struct{ h *harness }

func (f hookFake) RunHooks(point plugin.HookPoint) {
	f.h.trace = append(f.h.trace, "hooks."+string(point))
}

func maskName(mask config.Kind) string {
	switch mask {
	case config.KindAny:
		return "any"
	case config.KindRun | config.KindTask | config.KindService:
		return "bootstrap"
	case config.KindService | config.KindInetd:
		return "svc+inetd"
	}
	return "other"
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{g: config.NewGlobals()}
	h.m = New(h.g, Deps{
		Conf:        h,
		Services:    h,
		TTYs:        ttyFake{h},
		Conds:       condFake{h},
		Hooks:       hookFake{h},
		Shutdown:    func(mode config.HaltMode) { h.halted = append(h.halted, mode) },
		NologinPath: filepath.Join(t.TempDir(), "nologin"),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	return h
}

func TestBootstrapThenPromote(t *testing.T) {
	h := newHarness(t)

	// One step out of bootstrap.
	h.m.Step()
	assert.Equal(t, Running, h.m.State())
	assert.Equal(t, []string{"svc.step(bootstrap)"}, h.trace)

	// Promote to runlevel 2 with no services left stopping.
	h.trace = nil
	h.m.SetRunlevel(2)
	h.m.Step()

	assert.Equal(t, Running, h.m.State())
	assert.Equal(t, 2, h.g.Runlevel)
	assert.Equal(t, 0, h.g.Prevlevel)
	assert.False(t, h.m.InTeardown())

	want := []string{
		"svc.runtask_clean",
		"svc.step(any)", // stop phase
		"hooks.HOOK_RUNLEVEL_CHANGE",
		"svc.step(any)", // start phase
		"svc.clean",
	}
	assert.Equal(t, want, h.trace)

	// TTYs have a delayed start: prevlevel == 0 means bootstrap, so no
	// tty evaluation yet.
	assert.NotContains(t, h.trace, "tty.runlevel")
	assert.Zero(t, h.reloads, "no reload without pending changes")
}

func TestRunlevelWaitParksWhileStopping(t *testing.T) {
	h := newHarness(t)
	h.m.Step()

	h.stopping = "ntpd"
	h.m.SetRunlevel(3)
	h.m.Step()

	// Parked in phase 2 waiting for the reaper.
	assert.Equal(t, RunlevelWait, h.m.State())
	assert.True(t, h.m.InTeardown())

	// Step is idempotent while a service is still stopping.
	before := len(h.trace)
	h.m.Step()
	h.m.Step()
	assert.Equal(t, before, len(h.trace))
	assert.Equal(t, RunlevelWait, h.m.State())

	// Child reaped; the monitor drives the next step.
	h.stopping = ""
	h.m.Step()
	assert.Equal(t, Running, h.m.State())
	assert.False(t, h.m.InTeardown())
	// prevlevel 2? No: bootstrap promoted 0 -> 3 directly here.
	assert.Equal(t, 3, h.g.Runlevel)
	assert.Equal(t, 0, h.g.Prevlevel)
}

func TestTTYsStartOnlyAfterFirstRunlevel(t *testing.T) {
	h := newHarness(t)
	h.m.Step()

	h.m.SetRunlevel(2)
	h.m.Step()
	assert.NotContains(t, h.trace, "tty.runlevel")

	h.trace = nil
	h.m.SetRunlevel(3)
	h.m.Step()
	assert.Contains(t, h.trace, "tty.runlevel")
}

func TestSameRunlevelIsNoop(t *testing.T) {
	h := newHarness(t)
	h.m.Step()
	h.m.SetRunlevel(2)
	h.m.Step()

	h.trace = nil
	h.m.SetRunlevel(2)
	h.m.Step()

	assert.Equal(t, Running, h.m.State())
	assert.Empty(t, h.trace, "no transition for the current runlevel")
}

func TestReloadDuringRunning(t *testing.T) {
	h := newHarness(t)
	h.m.Step()

	h.m.SetReload()
	h.m.Step()

	want := []string{
		"conf.reload",
		"cond.reload",
		"svc.step(svc+inetd)", // stop phase
		"tty.reload",
		"svc.clean",
		"svc.step(svc+inetd)", // start phase
		"hooks.HOOK_SVC_RECONF",
		"svc.step(svc+inetd)", // hooks may have released conditions
	}
	assert.Equal(t, want, h.trace[1:]) // skip the bootstrap step entry
	assert.Equal(t, Running, h.m.State())
	assert.False(t, h.m.InTeardown())
}

func TestReloadWaitParksWhileStopping(t *testing.T) {
	h := newHarness(t)
	h.m.Step()

	h.stopping = "zebra"
	h.m.SetReload()
	h.m.Step()
	assert.Equal(t, ReloadWait, h.m.State())
	assert.True(t, h.m.InTeardown())

	h.stopping = ""
	h.m.Step()
	assert.Equal(t, Running, h.m.State())
}

func TestRunlevelChangeWithPendingEdits(t *testing.T) {
	h := newHarness(t)
	h.m.Step()

	h.changes = true
	h.m.SetRunlevel(3)
	h.m.Step()

	require.Equal(t, 1, h.reloads, "pending fragment edits force a reload")
	// The reload happens in the stop phase, before services step.
	assert.Less(t, index(h.trace, "conf.reload"), index(h.trace, "svc.runtask_clean"))
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	h.m.Step()
	h.m.SetRunlevel(2)
	h.m.Step()

	h.trace = nil
	h.g.Halt = config.HaltReboot
	h.m.SetRunlevel(6)
	h.m.Step()

	require.Len(t, h.halted, 1)
	assert.Equal(t, config.HaltReboot, h.halted[0])
	assert.Equal(t, Running, h.m.State())

	// Shutdown hooks fire before teardown, runlevel-change hooks after.
	assert.Less(t, index(h.trace, "hooks.HOOK_SHUTDOWN"), index(h.trace, "svc.step(any)"))
	assert.Less(t, index(h.trace, "svc.step(any)"), index(h.trace, "hooks.HOOK_RUNLEVEL_CHANGE"))
	assert.Less(t, index(h.trace, "hooks.HOOK_RUNLEVEL_CHANGE"), len(h.trace))
}

func TestSupersededRunlevelRequest(t *testing.T) {
	h := newHarness(t)
	h.m.Step()

	// A newer request replaces the pending one before Step runs.
	h.m.SetRunlevel(3)
	h.m.SetRunlevel(4)
	h.m.Step()

	assert.Equal(t, 4, h.g.Runlevel)
}

func TestNologinPolicy(t *testing.T) {
	h := newHarness(t)
	path := h.m.deps.NologinPath
	h.m.Step()
	h.m.SetRunlevel(2)
	h.m.Step()

	exists := func() bool {
		_, err := os.Stat(path)
		return err == nil
	}

	// Entering single-user mode creates the file.
	h.m.SetRunlevel(1)
	h.m.Step()
	assert.True(t, exists(), "nologin missing in runlevel 1")

	// Leaving single-user mode erases it.
	h.m.SetRunlevel(2)
	h.m.Step()
	assert.False(t, exists(), "nologin still present after leaving runlevel 1")

	// Other transitions preserve a manually created file.
	require.NoError(t, os.WriteFile(path, []byte("maintenance\n"), 0o644))
	h.m.SetRunlevel(3)
	h.m.Step()
	assert.True(t, exists(), "manual nologin removed by an unrelated transition")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "maintenance\n", string(data))
}

func TestRunlevelFilePersistsTransitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runlevel")
	rf := NewRunlevelFile(path)

	require.NoError(t, rf.Set(0, 2))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0 2\n", string(data))

	require.NoError(t, rf.Set(2, 6))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2 6\n", string(data))
}

func index(trace []string, entry string) int {
	for i, e := range trace {
		if e == entry {
			return i
		}
	}
	return len(trace)
}
