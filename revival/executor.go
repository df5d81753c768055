package revival

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/openjdk/revival/plan"
	"github.com/openjdk/revival/segment"
	"github.com/openjdk/revival/vmem"
)

// LibraryLoadAttempts bounds how often the runtime library is loaded
// before giving up on placing it at its dumped address.
const LibraryLoadAttempts = 5

// copyChunk is the most bytes a copy reads from the dump at once.
const copyChunk = 1 << 20

// Report tallies the outcome of each directive kind.
type Report struct {
	Good        map[plan.Kind]int
	Bad         map[plan.Kind]int
	MappedBytes uint64
	CopiedBytes uint64
	// Fallbacks counts map directives that were allocated and copied
	// because the file could not be mapped directly.
	Fallbacks int

	failures *multierror.Error
}

func newReport() Report {
	return Report{Good: map[plan.Kind]int{}, Bad: map[plan.Kind]int{}}
}

func (r *Report) good(k plan.Kind) { r.Good[k]++ }

func (r *Report) bad(k plan.Kind, s segment.Segment, err error) {
	r.Bad[k]++
	r.failures = multierror.Append(r.failures, errors.Wrapf(err, "%s %v", k, s))
}

// Failures returns the accumulated per-region failures, or nil.
func (r *Report) Failures() error {
	return r.failures.ErrorOrNil()
}

// Executor materializes a mapping plan in the current process.
type Executor struct {
	// Danger holds ranges no region may overlap. The stack of the
	// executing goroutine is always avoided as well.
	Danger segment.Segments
	// AbortOnClash returns ClashError instead of RetryableConflict.
	AbortOnClash bool
	Report       Report

	fs     afero.Fs
	sys    vmem.System
	dir    string // sidecar directory holding the libraries to load
	logger log.Logger
}

// NewExecutor returns an executor loading libraries from dir. Its danger
// list is DangerList(sys).
func NewExecutor(fs afero.Fs, sys vmem.System, dir string, logger log.Logger) *Executor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Executor{
		Danger: DangerList(sys),
		Report: newReport(),
		fs:     fs,
		sys:    sys,
		dir:    dir,
		logger: logger,
	}
}

// Execute applies p, reading region contents from the dump at dumpPath.
// It returns the runtime library loaded by the plan's library directive,
// if any.
//
// Individual regions that cannot be restored are counted in Report and do
// not fail the run. Execute fails if the dump does not match the plan, if
// a region clashes with this process, or if the library cannot be loaded
// at its dumped address.
func (e *Executor) Execute(p *plan.Plan, dumpPath string) (vmem.Library, error) {
	e.Report = newReport()
	st, err := e.fs.Stat(dumpPath)
	if err != nil {
		return nil, errors.Wrapf(err, "stat dump %s", dumpPath)
	}
	if st.Size() != p.CoreSize {
		return nil, errors.Wrapf(ErrPlanMismatch, "plan for %s of %d bytes, %s has %d bytes",
			p.CoreFile, p.CoreSize, dumpPath, st.Size())
	}
	dump, err := e.fs.Open(dumpPath)
	if err != nil {
		return nil, errors.Wrapf(err, "open dump %s", dumpPath)
	}
	defer dump.Close()

	var lib vmem.Library
	var libBase uint64
	for _, d := range p.Directives {
		s := d.Segment
		switch d.Kind {
		case plan.Library:
			if lib != nil {
				return lib, errors.Errorf("plan loads a second library %s", d.Name)
			}
			lib, err = e.loadLibrary(d.Name, d.Base)
			if err != nil {
				e.Report.bad(d.Kind, s, err)
				return nil, err
			}
			libBase = d.Base
			e.Report.good(d.Kind)
		case plan.Map:
			if err := e.checkDanger(s); err != nil {
				e.Report.bad(d.Kind, s, err)
				return lib, err
			}
			if err := e.mapRegion(dumpPath, dump, s); err != nil {
				e.Report.bad(d.Kind, s, err)
				continue
			}
			e.Report.good(d.Kind)
			e.Report.MappedBytes += s.Length
		case plan.Alloc:
			if err := e.checkDanger(s); err != nil {
				e.Report.bad(d.Kind, s, err)
				return lib, err
			}
			if err := e.allocate(s.Addr, s.Length); err != nil {
				e.Report.bad(d.Kind, s, err)
				continue
			}
			e.Report.good(d.Kind)
		case plan.Copy:
			if err := e.checkDanger(s); err != nil {
				e.Report.bad(d.Kind, s, err)
				return lib, err
			}
			n, err := e.copyRegion(dump, s)
			e.Report.CopiedBytes += n
			if err != nil {
				e.Report.bad(d.Kind, s, err)
				continue
			}
			e.Report.good(d.Kind)
		default:
			return lib, errors.Errorf("unknown directive %v", d.Kind)
		}
	}

	if lib != nil && lib.Base() != libBase {
		return lib, errors.Wrapf(ErrLibraryLoad, "%s moved to 0x%x, want 0x%x", lib.Name(), lib.Base(), libBase)
	}
	e.logReport()
	return lib, nil
}

// ExecuteFile reads the plan at planPath and executes it.
func (e *Executor) ExecuteFile(planPath, dumpPath string) (vmem.Library, error) {
	p, err := plan.ReadFile(e.fs, planPath, LibraryImages(e.fs, e.dir))
	if err != nil {
		return nil, err
	}
	return e.Execute(p, dumpPath)
}

func (e *Executor) logReport() {
	kv := []interface{}{"msg", "applied mapping plan",
		"mapped", humanize.IBytes(e.Report.MappedBytes),
		"copied", humanize.IBytes(e.Report.CopiedBytes),
		"fallbacks", e.Report.Fallbacks,
	}
	for _, k := range []plan.Kind{plan.Map, plan.Alloc, plan.Copy, plan.Library} {
		kv = append(kv, k.String(), fmt.Sprintf("%d/%d", e.Report.Good[k], e.Report.Good[k]+e.Report.Bad[k]))
	}
	level.Info(e.logger).Log(kv...)
	if err := e.Report.Failures(); err != nil {
		level.Warn(e.logger).Log("msg", "some regions were not restored", "count", len(e.Report.failures.Errors), "err", err)
	}
}

// checkDanger reports a conflict if s overlaps memory this process uses.
func (e *Executor) checkDanger(s segment.Segment) error {
	hz := stackDanger(e.sys.Granularity())
	if !hz.OverlapsRange(s.Addr, s.Length) {
		var ok bool
		if hz, ok = e.Danger.Overlapping(s.Addr, s.Length); !ok {
			return nil
		}
	}
	reason := fmt.Sprintf("overlaps %s [0x%x, 0x%x)", hz.Name, hz.Addr, hz.End())
	level.Warn(e.logger).Log("msg", "region clashes with this process", "region", s, "with", hz.Name)
	if e.AbortOnClash {
		return &ClashError{Reason: reason, Segment: s}
	}
	return &RetryableConflict{Reason: reason, Segment: s}
}

// mapRegion maps s directly from the dump. The mapping starts at the
// granularity boundary below s.Addr, so the file offset must be equally
// far from a boundary. If that is impossible, or the mapping lands
// elsewhere on a platform where that is common, s is allocated and
// copied instead.
func (e *Executor) mapRegion(dumpPath string, dump afero.File, s segment.Segment) error {
	gran := e.sys.Granularity()
	delta := s.Addr % gran
	if s.FileOffset < delta || s.FileOffset%gran != delta {
		level.Debug(e.logger).Log("msg", "file offset cannot be aligned with address", "region", s)
		return e.fallback(dump, s)
	}
	want := s.Addr - delta
	got, err := e.sys.MapFile(dumpPath, want, s.FileOffset-delta, s.Length+delta)
	switch {
	case err == nil && (got == want || got == s.Addr):
		return nil
	case err == nil:
		level.Debug(e.logger).Log("msg", "mapping landed elsewhere", "region", s, "at", hexAddr(got))
		if uerr := e.sys.Unmap(got, s.Length+delta); uerr != nil {
			level.Warn(e.logger).Log("msg", "cannot undo misplaced mapping", "at", hexAddr(got), "err", uerr)
		}
		err = errors.Errorf("mapped at 0x%x instead of 0x%x", got, want)
	case errors.Is(err, vmem.ErrOccupied):
		return err
	}
	if !e.sys.DirectMapUnreliable() {
		return err
	}
	return e.fallback(dump, s)
}

func (e *Executor) fallback(dump afero.File, s segment.Segment) error {
	e.Report.Fallbacks++
	if err := e.allocate(s.Addr, s.Length); err != nil {
		return err
	}
	n, err := e.copyRegion(dump, s)
	e.Report.CopiedBytes += n
	return err
}

// allocate provides read-write-execute memory for [addr, addr+length).
// The allocator may honor a coarser alignment or a shorter length than
// asked for; whatever part of the range it did not cover is allocated
// again.
func (e *Executor) allocate(addr, length uint64) error {
	got, err := e.sys.Allocate(addr, length)
	if err != nil {
		return err
	}
	if got != addr && got != alignDown(addr, e.sys.Granularity()) {
		if uerr := e.sys.Unmap(got, length); uerr != nil {
			level.Warn(e.logger).Log("msg", "cannot undo misplaced allocation", "at", hexAddr(got), "err", uerr)
		}
		return errors.Errorf("allocated 0x%x instead of 0x%x", got, addr)
	}
	r, err := e.sys.Query(addr)
	if err != nil {
		return err
	}
	end := addr + length
	if r.State == vmem.Free || r.End() <= addr {
		return errors.Errorf("allocation at 0x%x not found", addr)
	}
	if r.End() < end {
		level.Debug(e.logger).Log("msg", "allocation short, continuing", "at", hexAddr(r.End()), "remaining", end-r.End())
		return e.allocate(r.End(), end-r.End())
	}
	return nil
}

// copyRegion copies the dumped contents of s into memory that must
// already exist, in whole 32-bit words. A short read of the dump ends the
// copy with a warning; the bytes read so far stay in place.
func (e *Executor) copyRegion(dump io.ReaderAt, s segment.Segment) (uint64, error) {
	size := s.FileLength
	if s.Length < size {
		size = s.Length
	}
	size &^= 3
	if size == 0 {
		return 0, nil
	}
	r, err := e.sys.Query(s.Addr)
	if err != nil {
		return 0, err
	}
	if r.State != vmem.Committed {
		return 0, errors.Errorf("destination 0x%x is %v", s.Addr, r.State)
	}
	if !r.Writable {
		if err := e.sys.MakeWritable(s.Addr, size); err != nil {
			return 0, errors.Wrap(err, "make destination writable")
		}
	}

	buf := make([]byte, copyChunk)
	var done uint64
	for done < size {
		n := size - done
		if n > copyChunk {
			n = copyChunk
		}
		got, rerr := dump.ReadAt(buf[:n], int64(s.FileOffset+done))
		got &^= 3
		if got > 0 {
			if err := e.sys.Write(s.Addr+done, buf[:got]); err != nil {
				return done, err
			}
			done += uint64(got)
		}
		if uint64(got) < n {
			level.Warn(e.logger).Log("msg", "short read from dump, copy truncated", "region", s,
				"copied", done, "want", size, "err", rerr)
			return done, nil
		}
	}
	return done, nil
}

// loadLibrary loads name from the sidecar directory at base. A loader may
// reuse an address range it handed out before, so a library that lands
// elsewhere is unloaded and loaded again.
func (e *Executor) loadLibrary(name string, base uint64) (vmem.Library, error) {
	path := filepath.Join(e.dir, name)
	var result error
	for attempt := 1; attempt <= LibraryLoadAttempts; attempt++ {
		lib, err := e.sys.Load(path)
		if err != nil {
			result = multierror.Append(result, err)
			level.Warn(e.logger).Log("msg", "loading library failed", "library", path, "attempt", attempt, "err", err)
			continue
		}
		if lib.Base() == base {
			level.Info(e.logger).Log("msg", "loaded library", "library", path, "base", hexAddr(base), "attempt", attempt)
			return lib, nil
		}
		result = multierror.Append(result, errors.Errorf("attempt %d: loaded at 0x%x", attempt, lib.Base()))
		level.Debug(e.logger).Log("msg", "library loaded at wrong address", "library", path, "at", hexAddr(lib.Base()), "want", hexAddr(base))
		if err := lib.Close(); err != nil {
			level.Warn(e.logger).Log("msg", "unloading library failed", "library", path, "err", err)
		}
	}
	return nil, errors.Wrapf(ErrLibraryLoad, "%s at 0x%x: %v", path, base, result)
}
