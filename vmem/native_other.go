//go:build !linux && !windows

package vmem

import "github.com/pkg/errors"

type unsupportedSystem struct{}

// Native returns the primitives of the running platform. None are
// available here.
func Native() System { return unsupportedSystem{} }

func (unsupportedSystem) Granularity() uint64       { return 0x1000 }
func (unsupportedSystem) DirectMapUnreliable() bool { return true }

func (unsupportedSystem) MapFile(name string, addr, offset, length uint64) (uint64, error) {
	return 0, errors.Wrapf(ErrUnsupported, "map %s", name)
}

func (unsupportedSystem) Allocate(addr, length uint64) (uint64, error) {
	return 0, errors.Wrapf(ErrUnsupported, "allocate 0x%x", addr)
}

func (unsupportedSystem) Unmap(addr, length uint64) error { return ErrUnsupported }

func (unsupportedSystem) Query(addr uint64) (Region, error) { return Region{}, ErrUnsupported }

func (unsupportedSystem) MakeWritable(addr, length uint64) error { return ErrUnsupported }

func (unsupportedSystem) Read(addr uint64, p []byte) error  { return ErrUnsupported }
func (unsupportedSystem) Write(addr uint64, p []byte) error { return ErrUnsupported }

func (unsupportedSystem) Load(path string) (Library, error) {
	return nil, errors.Wrapf(ErrUnsupported, "load %s", path)
}

func (unsupportedSystem) Invoke(fn uint64, args ...uint64) (uint64, error) {
	if err := checkArgs(args); err != nil {
		return 0, err
	}
	return 0, ErrUnsupported
}

func (unsupportedSystem) SystemSymbols() map[string]uint64 { return nil }
