package revival

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"runtime"
	"time"
	"unsafe"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/openjdk/revival/peimage"
	"github.com/openjdk/revival/plan"
)

// Entry points of the runtime library.
const (
	ReviveSymbol     = "revive_vm"
	DiagnosticSymbol = "parse_and_execute"
)

// DataVersion is the revival data layout this package understands.
const DataVersion = 1

// maxVMString bounds the strings read from the revival data.
const maxVMString = 1024

// Data is what the runtime reports about itself once revived.
type Data struct {
	Version   uint64
	VMName    string
	VMRelease string
	VMInfo    string
	StartTime time.Time
	Thread    uint64
	TTY       uint64
}

type rawData struct {
	Version     uint64
	VMName      uint64
	VMRelease   uint64
	VMInfo      uint64
	StartMillis int64
	Thread      uint64
	TTY         uint64
}

// Revive rebuilds the dumped process image at dumpPath in this process and
// calls the runtime's revival entry point. The sidecar files are created
// first if they do not exist yet.
//
// A region that clashes with this process fails with *RetryableConflict,
// or *ClashError if Config.AbortOnClash is set. Revival data of an unknown
// version is fatal.
func (s *Session) Revive(dumpPath string) error {
	if s.state != Unstarted {
		return errors.Errorf("session already used (state %v)", s.state)
	}
	s.dump = dumpPath
	st, err := s.fs.Stat(dumpPath)
	if err != nil {
		return s.fail(errors.Wrapf(err, "dump %s", dumpPath))
	}
	if st.IsDir() {
		return s.fail(errors.Errorf("dump %s is a directory", dumpPath))
	}
	s.advance(CoreFileValidated)

	planPath := s.sidecar(PlanFile)
	if ok, _ := afero.Exists(s.fs, planPath); ok {
		s.advance(RevivalDirPresent)
	} else {
		s.advance(RevivalDirMissing)
		s.checkpoint("create revival files")
		if _, err := s.Create(dumpPath); err != nil {
			return s.fail(err)
		}
		s.advance(BitsCreated)
	}

	p, err := plan.ReadFile(s.fs, planPath, LibraryImages(s.fs, SidecarDir(dumpPath)))
	if err != nil {
		return s.fail(err)
	}
	if p.CoreSize != st.Size() {
		return s.fail(errors.Wrapf(ErrPlanMismatch, "plan for %d bytes, dump has %d", p.CoreSize, st.Size()))
	}
	syms, err := ReadSymbolFile(s.fs, s.sidecar(SymbolFile))
	if err != nil {
		return s.fail(err)
	}
	s.advance(ChecksPassed)

	s.checkpoint("apply mappings")
	e := NewExecutor(s.fs, s.sys, SidecarDir(dumpPath), s.logger)
	e.AbortOnClash = s.Config.AbortOnClash
	lib, err := e.Execute(p, dumpPath)
	s.report = e.Report
	if err != nil {
		return s.fail(err)
	}
	s.lib = lib
	s.resolver = NewResolver(syms, lib, s.sys, s.logger)
	s.advance(MappingsApplied)

	s.checkpoint("call " + ReviveSymbol)
	ptr, err := s.resolver.Call(ReviveSymbol)
	if err != nil {
		return s.fail(err)
	}
	if ptr == 0 {
		return s.fail(errors.Errorf("%s returned no revival data", ReviveSymbol))
	}
	data, err := s.readData(ptr)
	if err != nil {
		if errors.Is(err, ErrDataVersion) {
			return s.fatal(err)
		}
		return s.fail(err)
	}
	s.data = data
	s.advance(CooperativeCallSucceeded)
	level.Info(s.logger).Log("msg", "revived", "vm", data.VMName, "release", data.VMRelease,
		"started", data.StartTime.UTC().Format(time.RFC3339))
	return nil
}

// LibraryImages returns an ImageSizer that reads the size of each library
// image from the PE header of its copy in the sidecar directory dir.
func LibraryImages(fs afero.Fs, dir string) plan.ImageSizer {
	return func(name string) (uint64, error) {
		path := filepath.Join(dir, name)
		if ok, _ := afero.Exists(fs, path); !ok {
			return 0, errors.Wrapf(ErrLibraryLoad, "%s missing from %s", name, dir)
		}
		im, err := peimage.Open(fs, path)
		if err != nil {
			return 0, err
		}
		defer im.Close()
		return im.SizeOfImage(), nil
	}
}

func (s *Session) readData(addr uint64) (*Data, error) {
	buf := make([]byte, binary.Size(rawData{}))
	if err := s.sys.Read(addr, buf); err != nil {
		return nil, errors.Wrapf(err, "read revival data at 0x%x", addr)
	}
	var raw rawData
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &raw); err != nil {
		return nil, errors.Wrap(err, "decode revival data")
	}
	if raw.Version != DataVersion {
		return nil, errors.Wrapf(ErrDataVersion, "got %d, want %d", raw.Version, DataVersion)
	}
	d := &Data{
		Version:   raw.Version,
		StartTime: time.UnixMilli(raw.StartMillis),
		Thread:    raw.Thread,
		TTY:       raw.TTY,
	}
	var err error
	if d.VMName, err = s.resolver.ReadCString(raw.VMName, maxVMString); err != nil {
		return nil, err
	}
	if d.VMRelease, err = s.resolver.ReadCString(raw.VMRelease, maxVMString); err != nil {
		return nil, err
	}
	if d.VMInfo, err = s.resolver.ReadCString(raw.VMInfo, maxVMString); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Session) revived(op string) error {
	if s.state == CooperativeCallSucceeded {
		return nil
	}
	return s.fatal(errors.Wrapf(ErrNotRevived, "%s in state %v", op, s.state))
}

// DiagnosticCommand runs a diagnostic command of the revived runtime. Its
// output goes to the runtime's output stream.
func (s *Session) DiagnosticCommand(cmd string) error {
	if err := s.revived("diagnostic command"); err != nil {
		return err
	}
	line := append([]byte(cmd), 0)
	_, err := s.resolver.Call(DiagnosticSymbol, uint64(uintptr(unsafe.Pointer(&line[0]))), s.data.TTY, s.data.Thread)
	runtime.KeepAlive(line)
	if err != nil {
		return errors.Wrapf(err, "diagnostic command %q", cmd)
	}
	return nil
}

// Thread returns the runtime's handle of the reviving thread.
func (s *Session) Thread() (uint64, error) {
	if err := s.revived("thread"); err != nil {
		return 0, err
	}
	return s.data.Thread, nil
}

// TTY returns the runtime's output stream handle.
func (s *Session) TTY() (uint64, error) {
	if err := s.revived("tty"); err != nil {
		return 0, err
	}
	return s.data.TTY, nil
}

// Data returns the revival data.
func (s *Session) Data() (*Data, error) {
	if err := s.revived("data"); err != nil {
		return nil, err
	}
	return s.data, nil
}

// Resolver returns the symbol resolver of the revived library, or nil
// before the mappings are applied.
func (s *Session) Resolver() *Resolver { return s.resolver }
