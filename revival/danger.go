package revival

import (
	"reflect"
	"sort"
	"unsafe"

	"github.com/openjdk/revival/segment"
	"github.com/openjdk/revival/vmem"
)

const (
	// stackReach is how far around the current stack frame is considered live.
	stackReach = 1 << 20
	// heapReach covers one heap arena around the heap sample.
	heapReach = 64 << 20
	// symbolReach covers the page of a system function.
	symbolReach = 0x1000
)

var heapSample []byte

// DangerList returns the address ranges the executor must never map over:
// the code of this program, its heap and the system functions the revival
// depends on. Each range is widened to the allocation granularity of sys.
// The stack is not included; see stackDanger.
func DangerList(sys vmem.System) segment.Segments {
	heapSample = make([]byte, 64)
	heap := uint64(uintptr(unsafe.Pointer(&heapSample[0])))

	gran := sys.Granularity()
	var out segment.Segments
	add := func(name string, lo, hi uint64) {
		out = append(out, widen(name, lo, hi, gran))
	}

	pcs := []uint64{
		uint64(reflect.ValueOf(DangerList).Pointer()),
		uint64(reflect.ValueOf((*Executor).Execute).Pointer()),
		uint64(reflect.ValueOf(vmem.Native).Pointer()),
		uint64(reflect.ValueOf(sort.Sort).Pointer()),
	}
	sort.Slice(pcs, func(i, k int) bool { return pcs[i] < pcs[k] })
	add("code", pcs[0], pcs[len(pcs)-1]+1)

	add("heap", sub(heap, heapReach/2), heap+heapReach/2)

	names := make([]string, 0, len(sys.SystemSymbols()))
	for name := range sys.SystemSymbols() {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		addr := sys.SystemSymbols()[name]
		add(name, addr, addr+symbolReach)
	}
	return out
}

// stackDanger returns the range around the stack of the calling goroutine.
// Goroutine stacks move when they grow, so it must be computed afresh for
// every check.
//
//go:noinline
func stackDanger(gran uint64) segment.Segment {
	var sentinel uint64
	stack := uint64(uintptr(unsafe.Pointer(&sentinel)))
	return widen("stack", sub(stack, stackReach), stack+stackReach, gran)
}

func widen(name string, lo, hi, gran uint64) segment.Segment {
	lo = alignDown(lo, gran)
	hi = alignUp(hi, gran)
	return segment.Segment{Name: name, Addr: lo, Length: hi - lo}
}

func sub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

func alignDown(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return v - v%a
}

func alignUp(v, a uint64) uint64 {
	if a == 0 || v%a == 0 {
		return v
	}
	return v + a - v%a
}
