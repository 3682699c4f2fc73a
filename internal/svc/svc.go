// Package svc implements the service table: registration of service,
// task, run and inetd declarations, the mark-and-sweep discipline used
// across reloads, and the bookkeeping the state machine needs to order
// stops before starts. Actual process execution is delegated to a
// Runtime supplied by the caller.
package svc

import (
	"path/filepath"
	"strings"

	"github.com/liuming50/finit/internal/config"
)

// State tracks where a service is in its lifecycle.
type State int

const (
	StateHalted   State = iota // not running
	StateRunning               // started, not told to stop
	StateStopping              // told to stop, child not yet reaped
)

func (s State) String() string {
	switch s {
	case StateHalted:
		return "halted"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// Service is one registered declaration. It is identified by its
// originating file and command line; the empty origin means the main
// configuration file.
type Service struct {
	Kind      config.Kind
	Runlevels config.RLMask
	Cmd       string
	Args      []string
	Desc      string
	Cond      string
	SigHUP    bool
	Origin    string
	Rlimits   config.Rlimits

	State State

	marked bool // sweep candidate, cleared on re-declaration
	once   bool // run/task already executed in this runlevel
}

// Name returns the service's short name, the basename of its command.
func (s *Service) Name() string {
	return filepath.Base(s.Cmd)
}

// IsDaemon reports whether the service is a monitored daemon.
func (s *Service) IsDaemon() bool {
	return s.Kind == config.KindService
}

// CmdLine returns the full command line of the service.
func (s *Service) CmdLine() string {
	if len(s.Args) == 0 {
		return s.Cmd
	}
	return s.Cmd + " " + strings.Join(s.Args, " ")
}

func (s *Service) key() string {
	return s.Origin + "\x00" + s.CmdLine()
}
