//go:build windows

package vmem

import (
	"os"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// allocationGranularity is the dwAllocationGranularity of every supported
// Windows release.
const allocationGranularity = 0x10000

var (
	modkernel32         = windows.NewLazySystemDLL("kernel32.dll")
	procMapViewOfFileEx = modkernel32.NewProc("MapViewOfFileEx")
)

type windowsSystem struct {
	views map[uint64]uint64 // base to length of file views
}

// Native returns the primitives of the running platform.
func Native() System {
	return &windowsSystem{views: map[uint64]uint64{}}
}

func (s *windowsSystem) Granularity() uint64 { return allocationGranularity }

// DirectMapUnreliable is true: minidump data offsets are rarely aligned to
// the 64K granularity MapViewOfFileEx demands.
func (s *windowsSystem) DirectMapUnreliable() bool { return true }

func (s *windowsSystem) MapFile(name string, addr, offset, length uint64) (uint64, error) {
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return 0, err
	}
	fh, err := windows.CreateFile(p, windows.GENERIC_READ|windows.GENERIC_EXECUTE, windows.FILE_SHARE_READ,
		nil, windows.OPEN_EXISTING, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		return 0, os.NewSyscallError("CreateFile", err)
	}
	defer windows.CloseHandle(fh)
	mh, err := windows.CreateFileMapping(fh, nil, windows.PAGE_EXECUTE_WRITECOPY, 0, 0, nil)
	if err != nil {
		return 0, os.NewSyscallError("CreateFileMapping", err)
	}
	defer windows.CloseHandle(mh)

	r, _, err := procMapViewOfFileEx.Call(uintptr(mh), windows.FILE_MAP_COPY|windows.FILE_MAP_EXECUTE,
		uintptr(offset>>32), uintptr(offset&0xffffffff), uintptr(length), uintptr(addr))
	if r == 0 {
		if err == windows.ERROR_INVALID_ADDRESS {
			return 0, errors.Wrapf(ErrOccupied, "map 0x%x", addr)
		}
		return 0, os.NewSyscallError("MapViewOfFileEx", err)
	}
	s.views[uint64(r)] = length
	return uint64(r), nil
}

func (s *windowsSystem) Allocate(addr, length uint64) (uint64, error) {
	r, err := windows.VirtualAlloc(uintptr(addr), uintptr(length),
		windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		if err == windows.ERROR_INVALID_ADDRESS {
			return 0, errors.Wrapf(ErrOccupied, "allocate 0x%x", addr)
		}
		return 0, os.NewSyscallError("VirtualAlloc", err)
	}
	return uint64(r), nil
}

func (s *windowsSystem) Unmap(addr, length uint64) error {
	if _, ok := s.views[addr]; ok {
		delete(s.views, addr)
		return os.NewSyscallError("UnmapViewOfFile", windows.UnmapViewOfFile(uintptr(addr)))
	}
	return os.NewSyscallError("VirtualFree", windows.VirtualFree(uintptr(addr), 0, windows.MEM_RELEASE))
}

func (s *windowsSystem) Query(addr uint64) (Region, error) {
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQuery(uintptr(addr), &mbi, unsafe.Sizeof(mbi)); err != nil {
		return Region{}, os.NewSyscallError("VirtualQuery", err)
	}
	r := Region{Base: uint64(mbi.BaseAddress), Size: uint64(mbi.RegionSize)}
	switch mbi.State {
	case windows.MEM_COMMIT:
		r.State = Committed
	case windows.MEM_RESERVE:
		r.State = Reserved
	default:
		r.State = Free
	}
	switch mbi.Protect &^ (windows.PAGE_GUARD | windows.PAGE_NOCACHE | windows.PAGE_WRITECOMBINE) {
	case windows.PAGE_READWRITE, windows.PAGE_WRITECOPY, windows.PAGE_EXECUTE_READWRITE, windows.PAGE_EXECUTE_WRITECOPY:
		r.Writable = true
	}
	return r, nil
}

func (s *windowsSystem) MakeWritable(addr, length uint64) error {
	var old uint32
	err := windows.VirtualProtect(uintptr(addr), uintptr(length), windows.PAGE_EXECUTE_READWRITE, &old)
	return os.NewSyscallError("VirtualProtect", err)
}

func (s *windowsSystem) Read(addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	var n uintptr
	err := windows.ReadProcessMemory(windows.CurrentProcess(), uintptr(addr), &p[0], uintptr(len(p)), &n)
	if err != nil {
		return os.NewSyscallError("ReadProcessMemory", err)
	}
	if int(n) != len(p) {
		return errors.Errorf("vmem: short read at 0x%x: %d of %d bytes", addr, n, len(p))
	}
	return nil
}

func (s *windowsSystem) Write(addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	var n uintptr
	err := windows.WriteProcessMemory(windows.CurrentProcess(), uintptr(addr), &p[0], uintptr(len(p)), &n)
	if err != nil {
		return os.NewSyscallError("WriteProcessMemory", err)
	}
	if int(n) != len(p) {
		return errors.Errorf("vmem: short write at 0x%x: %d of %d bytes", addr, n, len(p))
	}
	return nil
}

type windowsLibrary struct {
	name string
	h    windows.Handle
}

func (s *windowsSystem) Load(path string) (Library, error) {
	h, err := windows.LoadLibraryEx(path, 0, windows.LOAD_WITH_ALTERED_SEARCH_PATH)
	if err != nil {
		return nil, os.NewSyscallError("LoadLibraryEx", err)
	}
	return &windowsLibrary{name: path, h: h}, nil
}

func (l *windowsLibrary) Name() string { return l.name }

// Base is the module handle, which is the address the image was loaded at.
func (l *windowsLibrary) Base() uint64 { return uint64(l.h) }

func (l *windowsLibrary) Lookup(symbol string) (uint64, error) {
	p, err := windows.GetProcAddress(l.h, symbol)
	if err != nil {
		return 0, os.NewSyscallError("GetProcAddress "+symbol, err)
	}
	return uint64(p), nil
}

func (l *windowsLibrary) Close() error {
	return os.NewSyscallError("FreeLibrary", windows.FreeLibrary(l.h))
}

func (s *windowsSystem) Invoke(fn uint64, args ...uint64) (uint64, error) {
	if err := checkArgs(args); err != nil {
		return 0, err
	}
	a := make([]uintptr, len(args))
	for i, v := range args {
		a[i] = uintptr(v)
	}
	r, _, _ := syscall.SyscallN(uintptr(fn), a...)
	return uint64(r), nil
}

// systemSymbols are functions the revival itself calls.
var systemSymbols = []struct{ dll, name string }{
	{"kernel32.dll", "VirtualAlloc"},
	{"kernel32.dll", "MapViewOfFileEx"},
	{"kernel32.dll", "LoadLibraryExW"},
	{"kernel32.dll", "ReadFile"},
	{"ntdll.dll", "NtMapViewOfSection"},
	{"ntdll.dll", "RtlAllocateHeap"},
}

func (s *windowsSystem) SystemSymbols() map[string]uint64 {
	out := map[string]uint64{}
	for _, sym := range systemSymbols {
		p := windows.NewLazySystemDLL(sym.dll).NewProc(sym.name)
		if p.Find() != nil {
			continue
		}
		out[sym.dll+"!"+sym.name] = uint64(p.Addr())
	}
	return out
}
