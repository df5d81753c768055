// Package vmemtest provides an in-memory vmem.System for tests. Mappings
// and allocations are ordinary byte slices placed at the requested
// addresses of a simulated address space.
package vmemtest

import (
	"io"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/openjdk/revival/vmem"
)

// Library is a shared library the fake loader knows about.
type Library struct {
	// Bases are the addresses successive loads land at. The last one
	// repeats.
	Bases []uint64
	Size  uint64
	// Exports maps symbol names to offsets from the load base.
	Exports map[string]uint64

	Loads   int
	Lookups int
	Closes  int
}

// System is a fake vmem.System.
type System struct {
	Fs   afero.Fs // MapFile reads from here
	Gran uint64
	// Unreliable is returned by DirectMapUnreliable.
	Unreliable bool
	// MapShift, if set, picks the address a MapFile request lands at.
	MapShift func(addr uint64) uint64
	// AllocLimit, if nonzero, caps the bytes one Allocate call provides.
	AllocLimit uint64
	// AllocShift, if set, picks the address an Allocate request lands at.
	AllocShift func(addr uint64) uint64
	// UnmapErr, if set, is returned by Unmap, which then leaves the
	// mapping in place.
	UnmapErr error

	Libraries map[string]*Library          // by base file name
	Funcs     map[uint64]func(args ...uint64) uint64
	Symbols   map[string]uint64

	Views vmem.Views

	MapCalls   int
	AllocCalls int
	Invokes    int
}

var _ vmem.System = (*System)(nil)

// New returns an empty fake with 64K granularity.
func New(fs afero.Fs) *System {
	return &System{
		Fs:        fs,
		Gran:      0x10000,
		Libraries: map[string]*Library{},
		Funcs:     map[uint64]func(args ...uint64) uint64{},
	}
}

func (s *System) Granularity() uint64       { return s.Gran }
func (s *System) DirectMapUnreliable() bool { return s.Unreliable }

func (s *System) MapFile(name string, addr, offset, length uint64) (uint64, error) {
	s.MapCalls++
	if addr%s.Gran != 0 || offset%s.Gran != 0 {
		return 0, errors.Errorf("vmemtest: unaligned map of 0x%x at offset 0x%x", addr, offset)
	}
	land := addr
	if s.MapShift != nil {
		land = s.MapShift(addr)
	}
	if _, ok := s.Views.Overlapping(land, length); ok {
		return 0, errors.Wrapf(vmem.ErrOccupied, "map 0x%x", land)
	}
	f, err := s.Fs.Open(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	data := make([]byte, length)
	if _, err := f.ReadAt(data, int64(offset)); err != nil && err != io.EOF {
		return 0, err
	}
	s.Views = append(s.Views, vmem.NewView(land, data, true, nil))
	return land, nil
}

func (s *System) Allocate(addr, length uint64) (uint64, error) {
	s.AllocCalls++
	if s.AllocLimit > 0 && length > s.AllocLimit {
		length = s.AllocLimit
	}
	if s.AllocShift != nil {
		addr = s.AllocShift(addr)
	}
	if _, ok := s.Views.Overlapping(addr, length); ok {
		return 0, errors.Wrapf(vmem.ErrOccupied, "allocate 0x%x", addr)
	}
	s.Views = append(s.Views, vmem.NewView(addr, make([]byte, length), true, nil))
	return addr, nil
}

func (s *System) Unmap(addr, length uint64) error {
	if s.UnmapErr != nil {
		return s.UnmapErr
	}
	return s.Views.Remove(addr)
}

func (s *System) Query(addr uint64) (vmem.Region, error) {
	if v, ok := s.Views.Find(addr, 1); ok {
		return vmem.Region{Base: v.Addr(), Size: v.Size(), State: vmem.Committed, Writable: v.Writable()}, nil
	}
	return vmem.Region{Base: addr, Size: s.Gran, State: vmem.Free}, nil
}

func (s *System) MakeWritable(addr, length uint64) error {
	v, ok := s.Views.Find(addr, length)
	if !ok {
		return errors.Errorf("vmemtest: protect unmapped 0x%x", addr)
	}
	v.SetWritable(true)
	return nil
}

func (s *System) Read(addr uint64, p []byte) error {
	v, ok := s.Views.Find(addr, uint64(len(p)))
	if !ok {
		return errors.Errorf("vmemtest: read unmapped 0x%x", addr)
	}
	return v.ReadAt(p, addr)
}

func (s *System) Write(addr uint64, p []byte) error {
	v, ok := s.Views.Find(addr, uint64(len(p)))
	if !ok {
		return errors.Errorf("vmemtest: write unmapped 0x%x", addr)
	}
	return v.WriteAt(p, addr)
}

// Bytes returns n bytes at addr, or nil if they are not all mapped.
func (s *System) Bytes(addr, n uint64) []byte {
	p := make([]byte, n)
	if s.Read(addr, p) != nil {
		return nil
	}
	return p
}

func (s *System) Load(path string) (vmem.Library, error) {
	name := filepath.Base(filepath.ToSlash(path))
	lib, ok := s.Libraries[name]
	if !ok {
		return nil, errors.Errorf("vmemtest: no library %s", name)
	}
	k := lib.Loads
	if k >= len(lib.Bases) {
		k = len(lib.Bases) - 1
	}
	lib.Loads++
	base := lib.Bases[k]
	if _, ok := s.Views.Overlapping(base, lib.Size); ok {
		return nil, errors.Wrapf(vmem.ErrOccupied, "load %s at 0x%x", name, base)
	}
	s.Views = append(s.Views, vmem.NewView(base, make([]byte, lib.Size), false, nil))
	return &loaded{sys: s, lib: lib, name: name, base: base}, nil
}

func (s *System) Invoke(fn uint64, args ...uint64) (uint64, error) {
	s.Invokes++
	if len(args) > vmem.MaxArgs {
		return 0, errors.Errorf("vmemtest: %d arguments", len(args))
	}
	f, ok := s.Funcs[fn]
	if !ok {
		return 0, errors.Errorf("vmemtest: no function at 0x%x", fn)
	}
	return f(args...), nil
}

func (s *System) SystemSymbols() map[string]uint64 { return s.Symbols }

type loaded struct {
	sys  *System
	lib  *Library
	name string
	base uint64
}

func (l *loaded) Name() string { return l.name }
func (l *loaded) Base() uint64 { return l.base }

func (l *loaded) Lookup(symbol string) (uint64, error) {
	l.lib.Lookups++
	off, ok := l.lib.Exports[symbol]
	if !ok {
		return 0, errors.Errorf("vmemtest: %s has no export %s", l.name, symbol)
	}
	return l.base + off, nil
}

func (l *loaded) Close() error {
	l.lib.Closes++
	return l.sys.Views.Remove(l.base)
}
