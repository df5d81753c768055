//go:build linux

package vmem

import (
	"bufio"
	"os"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/openjdk/revival/segment"
)

const rwx = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC

// linuxSystem maps and allocates with mmap. Library loading and foreign
// calls need the dynamic loader and are not provided.
type linuxSystem struct {
	views Views
}

// Native returns the primitives of the running platform.
func Native() System {
	return &linuxSystem{}
}

func (s *linuxSystem) Granularity() uint64       { return uint64(unix.Getpagesize()) }
func (s *linuxSystem) DirectMapUnreliable() bool { return false }

func (s *linuxSystem) MapFile(name string, addr, offset, length uint64) (uint64, error) {
	fd, err := unix.Open(name, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", name)
	}
	defer unix.Close(fd)
	p, err := unix.MmapPtr(fd, int64(offset), unsafe.Pointer(uintptr(addr)), uintptr(length), rwx,
		unix.MAP_PRIVATE|unix.MAP_FIXED_NOREPLACE)
	if err != nil {
		if err == unix.EEXIST {
			return 0, errors.Wrapf(ErrOccupied, "map 0x%x", addr)
		}
		return 0, errors.Wrapf(err, "mmap %s at 0x%x", name, addr)
	}
	return s.track(p, length), nil
}

func (s *linuxSystem) Allocate(addr, length uint64) (uint64, error) {
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(uintptr(addr)), uintptr(length), rwx,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED_NOREPLACE)
	if err != nil {
		if err == unix.EEXIST {
			return 0, errors.Wrapf(ErrOccupied, "allocate 0x%x", addr)
		}
		return 0, errors.Wrapf(err, "mmap anonymous at 0x%x", addr)
	}
	return s.track(p, length), nil
}

func (s *linuxSystem) track(p unsafe.Pointer, length uint64) uint64 {
	data := unsafe.Slice((*byte)(p), length)
	v := NewView(uint64(uintptr(p)), data, true, func(b []byte) error {
		return unix.MunmapPtr(unsafe.Pointer(&b[0]), uintptr(len(b)))
	})
	s.views = append(s.views, v)
	return v.Addr()
}

func (s *linuxSystem) Unmap(addr, length uint64) error {
	return s.views.Remove(addr)
}

func (s *linuxSystem) Query(addr uint64) (Region, error) {
	if v, ok := s.views.Find(addr, 1); ok {
		return Region{Base: v.Addr(), Size: v.Size(), State: Committed, Writable: v.Writable()}, nil
	}
	maps, err := readProcMaps()
	if err != nil {
		return Region{}, err
	}
	return regionAt(maps, addr), nil
}

func (s *linuxSystem) MakeWritable(addr, length uint64) error {
	v, ok := s.views.Find(addr, length)
	if !ok {
		return errors.Errorf("vmem: [0x%x, 0x%x) was not mapped here", addr, addr+length)
	}
	if v.Writable() {
		return nil
	}
	b, _ := v.SliceAt(v.Addr(), v.Size())
	if err := unix.Mprotect(b, rwx); err != nil {
		return errors.Wrapf(err, "mprotect 0x%x", v.Addr())
	}
	v.SetWritable(true)
	return nil
}

func (s *linuxSystem) Read(addr uint64, p []byte) error {
	v, ok := s.views.Find(addr, uint64(len(p)))
	if !ok {
		return errors.Errorf("vmem: read of [0x%x, 0x%x) outside revived memory", addr, addr+uint64(len(p)))
	}
	return v.ReadAt(p, addr)
}

func (s *linuxSystem) Write(addr uint64, p []byte) error {
	v, ok := s.views.Find(addr, uint64(len(p)))
	if !ok {
		return errors.Errorf("vmem: write of [0x%x, 0x%x) outside revived memory", addr, addr+uint64(len(p)))
	}
	return v.WriteAt(p, addr)
}

func (s *linuxSystem) Load(path string) (Library, error) {
	return nil, errors.Wrapf(ErrUnsupported, "load %s", path)
}

func (s *linuxSystem) Invoke(fn uint64, args ...uint64) (uint64, error) {
	if err := checkArgs(args); err != nil {
		return 0, err
	}
	return 0, errors.Wrapf(ErrUnsupported, "call 0x%x", fn)
}

func (s *linuxSystem) SystemSymbols() map[string]uint64 { return nil }

// readProcMaps returns the mappings of the current process.
func readProcMaps() (segment.Segments, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, errors.Wrap(err, "read process mappings")
	}
	defer f.Close()
	return parseProcMaps(bufio.NewScanner(f))
}

// parseProcMaps parses lines like
//
//	7f1c2a000000-7f1c2a021000 rw-p 00000000 00:00 0
//
// into segments named by their permission field.
func parseProcMaps(sc *bufio.Scanner) (segment.Segments, error) {
	var out segment.Segments
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) < 2 {
			continue
		}
		lo, hi, ok := strings.Cut(f[0], "-")
		if !ok {
			return nil, errors.Errorf("bad mapping range %q", f[0])
		}
		start, err := segment.ParseHex(lo)
		if err != nil {
			return nil, err
		}
		end, err := segment.ParseHex(hi)
		if err != nil {
			return nil, err
		}
		out = append(out, segment.Segment{Addr: start, Length: end - start, Name: f[1]})
	}
	return out, sc.Err()
}

// regionAt describes addr given the sorted mappings of the process. An
// unmapped address yields the free gap around it.
func regionAt(maps segment.Segments, addr uint64) Region {
	if m, ok := maps.Find(addr); ok {
		return Region{Base: m.Addr, Size: m.Length, State: Committed, Writable: strings.Contains(m.Name, "w")}
	}
	r := Region{State: Free}
	end := ^uint64(0)
	for _, m := range maps {
		if m.End() <= addr && m.End() > r.Base {
			r.Base = m.End()
		}
		if m.Addr > addr && m.Addr < end {
			end = m.Addr
		}
	}
	r.Size = end - r.Base
	return r
}
