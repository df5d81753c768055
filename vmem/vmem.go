// Package vmem provides the address-space primitives used to rebuild a
// dumped process inside the current one: file-backed mappings at fixed
// addresses, fixed-address allocations, region queries, protection
// changes, raw reads and writes, library loading and foreign calls.
//
// The primitives are interfaces so the code that drives them can be
// exercised against an in-memory address space; Native returns the
// implementation for the running platform.
package vmem

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrUnsupported is returned by primitives the platform does not provide.
var ErrUnsupported = errors.New("vmem: not supported on this platform")

// ErrOccupied is returned when a fixed-address request overlaps memory
// that is already in use.
var ErrOccupied = errors.New("vmem: address range in use")

// State is the allocation state of a region.
type State int

const (
	Free State = iota
	Reserved
	Committed
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Reserved:
		return "reserved"
	case Committed:
		return "committed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Region describes a run of pages that share state and protection, as
// reported by Query.
type Region struct {
	Base     uint64
	Size     uint64
	State    State
	Writable bool
}

// End returns the address one past the region.
func (r Region) End() uint64 { return r.Base + r.Size }

// AddressSpace manipulates the memory of the current process.
type AddressSpace interface {
	// Granularity is the alignment the allocator and file mappings honor.
	Granularity() uint64
	// DirectMapUnreliable reports whether file offsets and addresses
	// frequently cannot be co-aligned, in which case callers fall back to
	// allocating and copying.
	DirectMapUnreliable() bool

	// MapFile maps length bytes of the named file, starting at offset, at
	// addr. addr and offset must be aligned to Granularity. It returns the
	// address the mapping landed at.
	MapFile(name string, addr, offset, length uint64) (uint64, error)
	// Allocate reserves and commits read-write-execute memory at addr and
	// returns the base the allocator chose.
	Allocate(addr, length uint64) (uint64, error)
	// Unmap releases a mapping or allocation created at addr.
	Unmap(addr, length uint64) error

	// Query describes the region containing addr.
	Query(addr uint64) (Region, error)
	// MakeWritable changes the protection of the range to read-write-execute.
	MakeWritable(addr, length uint64) error

	Read(addr uint64, p []byte) error
	Write(addr uint64, p []byte) error
}

// Library is a shared library loaded into the current process.
type Library interface {
	Name() string
	Base() uint64
	// Lookup returns the address of an exported symbol.
	Lookup(symbol string) (uint64, error)
	Close() error
}

// Loader loads shared libraries.
type Loader interface {
	Load(path string) (Library, error)
}

// Invoker calls a native function at an absolute address with up to five
// word-sized arguments and returns its word-sized result.
type Invoker interface {
	Invoke(fn uint64, args ...uint64) (uint64, error)
}

// System is the full set of primitives of a platform.
type System interface {
	AddressSpace
	Loader
	Invoker
	// SystemSymbols returns the addresses of system library functions the
	// reviving process depends on. These must never be overwritten.
	SystemSymbols() map[string]uint64
}

// MaxArgs is the largest number of arguments Invoke accepts.
const MaxArgs = 5

func checkArgs(args []uint64) error {
	if len(args) > MaxArgs {
		return errors.Errorf("vmem: %d arguments, at most %d supported", len(args), MaxArgs)
	}
	return nil
}
