package vmem

import (
	"github.com/pkg/errors"
)

var errViewClosed = errors.New("vmem: view closed")

// View is a run of memory placed at a fixed address, backed either by a
// mapping made by this package or by an ordinary byte slice. Reads and
// writes are addressed by absolute virtual address.
type View struct {
	addr     uint64
	data     []byte
	writable bool
	release  func([]byte) error
}

// NewView returns a view of data placed at addr. release, if not nil, is
// called by Close.
func NewView(addr uint64, data []byte, writable bool, release func([]byte) error) *View {
	return &View{addr: addr, data: data, writable: writable, release: release}
}

// Addr returns the address of the first byte of the view.
func (v *View) Addr() uint64 { return v.addr }

// Size returns the size of the view.
func (v *View) Size() uint64 { return uint64(len(v.data)) }

// End returns the address one past the view.
func (v *View) End() uint64 { return v.addr + v.Size() }

// Writable reports whether WriteAt is allowed.
func (v *View) Writable() bool { return v.writable }

// SetWritable changes whether WriteAt is allowed.
func (v *View) SetWritable(w bool) { v.writable = w }

// Contains reports whether [addr, addr+n) lies within the view.
func (v *View) Contains(addr, n uint64) bool {
	return v.data != nil && addr >= v.addr && addr+n <= v.End()
}

// ReadAt copies len(p) bytes at addr into p.
func (v *View) ReadAt(p []byte, addr uint64) error {
	b, err := v.SliceAt(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(p, b)
	return nil
}

// WriteAt copies p into the view at addr.
func (v *View) WriteAt(p []byte, addr uint64) error {
	if !v.writable {
		return errors.Errorf("vmem: write to read-only view at 0x%x", addr)
	}
	b, err := v.SliceAt(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

// SliceAt returns a slice of size n that refers directly to the memory of
// the view at addr. There is no copying.
func (v *View) SliceAt(addr, n uint64) ([]byte, error) {
	if v.data == nil {
		return nil, errViewClosed
	}
	if !v.Contains(addr, n) {
		return nil, errors.Errorf("vmem: out-of-bounds access [0x%x, 0x%x) in view [0x%x, 0x%x)", addr, addr+n, v.addr, v.End())
	}
	start := addr - v.addr
	end := start + n
	return v.data[start:end:end], nil
}

// Close releases the view.
func (v *View) Close() error {
	if v.data == nil {
		return nil
	}
	var err error
	if v.release != nil {
		err = v.release(v.data)
	}
	*v = View{}
	return err
}

// Views is a set of non-overlapping views.
type Views []*View

// Find returns the view containing [addr, addr+n).
func (vs Views) Find(addr, n uint64) (*View, bool) {
	for _, v := range vs {
		if v.Contains(addr, n) {
			return v, true
		}
	}
	return nil, false
}

// Overlapping returns the first view sharing a byte with [addr, addr+n).
func (vs Views) Overlapping(addr, n uint64) (*View, bool) {
	for _, v := range vs {
		if v.data != nil && n > 0 && addr < v.End() && v.addr < addr+n {
			return v, true
		}
	}
	return nil, false
}

// Remove closes and drops the view starting at addr.
func (vs *Views) Remove(addr uint64) error {
	for i, v := range *vs {
		if v.addr == addr {
			*vs = append((*vs)[:i], (*vs)[i+1:]...)
			return v.Close()
		}
	}
	return errors.Errorf("vmem: no mapping at 0x%x", addr)
}
