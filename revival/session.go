// Package revival rebuilds the address space of a dumped runtime process
// inside the current process so the runtime's own diagnostic code can run
// against it.
//
// Reviving a dump happens in two steps. Create inspects the dump and the
// runtime library once and writes a sidecar directory next to the dump:
// a copy of the library relocated to its dumped base, a mapping plan and a
// symbol file. Revive applies the plan, loads the library and hands
// control to the runtime's cooperative revival entry point.
package revival

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"

	"github.com/openjdk/revival/vmem"
)

// Sidecar file names.
const (
	SidecarSuffix = ".revival"
	PlanFile      = "core.mappings"
	SymbolFile    = "jvm.symbols"
)

// SidecarDir returns the directory holding the revival files of a dump.
func SidecarDir(dumpPath string) string {
	return dumpPath + SidecarSuffix
}

// State is the progress of a Session.
type State int

const (
	Unstarted State = iota
	CoreFileValidated
	RevivalDirMissing
	BitsCreated
	RevivalDirPresent
	ChecksPassed
	MappingsApplied
	CooperativeCallSucceeded
)

var stateNames = [...]string{
	Unstarted:                "unstarted",
	CoreFileValidated:        "core-file-validated",
	RevivalDirMissing:        "revival-dir-missing",
	BitsCreated:              "bits-created",
	RevivalDirPresent:        "revival-dir-present",
	ChecksPassed:             "checks-passed",
	MappingsApplied:          "mappings-applied",
	CooperativeCallSucceeded: "cooperative-call-succeeded",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session owns everything one revival needs: the file system, the
// address-space primitives, the configuration and, once revived, the
// loaded runtime library and its revival data.
type Session struct {
	Config Config
	// OnFatal is called for errors the session cannot continue from: an
	// unknown revival data layout, or a post-revival operation before
	// revival completed. The default logs and exits with status 1.
	OnFatal func(error)
	// Stdin is read at checkpoints when Config.Wait is set.
	Stdin io.Reader
	// Rebaser relocates the copied runtime library. The default runs
	// Config.RebaseTool.
	Rebaser Rebaser

	fs     afero.Fs
	sys    vmem.System
	logger log.Logger

	state    State
	stdin    *bufio.Reader
	dump     string
	lib      vmem.Library
	resolver *Resolver
	data     *Data
	report   Report
}

// NewSession returns a session working on fs with the primitives of sys.
func NewSession(fs afero.Fs, sys vmem.System, cfg Config, logger log.Logger) *Session {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Session{
		Config: cfg,
		Stdin:  os.Stdin,
		fs:     fs,
		sys:    sys,
		logger: logger,
	}
	s.OnFatal = func(err error) {
		level.Error(s.logger).Log("msg", "fatal", "state", s.state, "err", err)
		os.Exit(1)
	}
	s.Rebaser = ToolRebaser{Tool: cfg.RebaseTool, Logger: logger}
	return s
}

// State returns how far the session got.
func (s *Session) State() State { return s.state }

// Report returns the executor's tallies of the last Revive.
func (s *Session) Report() Report { return s.report }

func (s *Session) advance(to State) {
	level.Debug(s.logger).Log("msg", "revival state", "from", s.state, "to", to)
	s.state = to
}

// fail logs err as the reason the current stage failed and returns it.
func (s *Session) fail(err error) error {
	level.Warn(s.logger).Log("msg", "revival failed", "state", s.state, "err", err)
	return err
}

func (s *Session) fatal(err error) error {
	s.OnFatal(err)
	return err
}

// checkpoint waits for a newline on Stdin if the session is configured to
// pause between stages.
func (s *Session) checkpoint(stage string) {
	if !s.Config.Wait {
		return
	}
	if s.stdin == nil {
		s.stdin = bufio.NewReader(s.Stdin)
	}
	level.Info(s.logger).Log("msg", "waiting, press enter to continue", "next", stage, "pid", os.Getpid())
	s.stdin.ReadString('\n')
}

func (s *Session) sidecar(name string) string {
	return filepath.Join(SidecarDir(s.dump), name)
}

// Close unloads the runtime library if it was loaded. Mapped regions stay
// in place.
func (s *Session) Close() error {
	if s.lib == nil {
		return nil
	}
	err := s.lib.Close()
	s.lib = nil
	return err
}
