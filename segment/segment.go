// Package segment describes address ranges of a dumped process and the
// portion of the dump file that backs them.
package segment

import (
	"fmt"
	"sort"
)

// Segment describes one range of a process's virtual memory.
// FileOffset and FileLength locate the bytes that back the range in the
// source file. Name is set for module segments.
type Segment struct {
	Addr       uint64
	Length     uint64
	FileOffset uint64
	FileLength uint64
	Name       string
}

// FromFile returns a segment whose memory and file lengths are equal,
// which is the case for every Memory64 range in a minidump.
func FromFile(addr, length, fileOffset uint64) Segment {
	return Segment{Addr: addr, Length: length, FileOffset: fileOffset, FileLength: length}
}

// End returns the address one past the last byte of s.
func (s Segment) End() uint64 {
	return s.Addr + s.Length
}

// IsRelevant reports whether s describes any data at all.
func (s Segment) IsRelevant() bool {
	return s.Length != 0 && s.FileLength != 0
}

// Contains reports whether addr lies within s. Both endpoints are inclusive,
// so s.Contains(s.Addr) and s.Contains(s.End()) are always true.
func (s Segment) Contains(addr uint64) bool {
	return s.Addr <= addr && addr <= s.End()
}

// ContainsRange reports whether [addr, addr+size) lies entirely within s.
func (s Segment) ContainsRange(addr, size uint64) bool {
	return s.Addr <= addr && addr+size <= s.End()
}

// Overlaps reports whether the half-open ranges of s and o share a byte.
func (s Segment) Overlaps(o Segment) bool {
	return s.OverlapsRange(o.Addr, o.Length)
}

// OverlapsRange reports whether [addr, addr+size) shares a byte with s.
func (s Segment) OverlapsRange(addr, size uint64) bool {
	if s.Length == 0 || size == 0 {
		return false
	}
	return addr < s.End() && s.Addr < addr+size
}

// Clip returns the part of s that lies within [addr, addr+size).
// The file offset is advanced by the same amount as the address.
// Returns false if the two do not overlap.
func (s Segment) Clip(addr, size uint64) (Segment, bool) {
	if !s.OverlapsRange(addr, size) {
		return Segment{}, false
	}
	start, end := s.Addr, s.End()
	if addr > start {
		start = addr
	}
	if addr+size < end {
		end = addr + size
	}
	skip := start - s.Addr
	c := Segment{
		Addr:       start,
		Length:     end - start,
		FileOffset: s.FileOffset + skip,
		Name:       s.Name,
	}
	if s.FileLength > skip {
		c.FileLength = s.FileLength - skip
		if c.FileLength > c.Length {
			c.FileLength = c.Length
		}
	}
	return c, true
}

// Grow extends s so that it also covers o. Used while coalescing ranges
// that are too close together to be mapped independently; the file span
// grows with it since dumped ranges are stored back-to-back.
func (s *Segment) Grow(o Segment) {
	if o.End() > s.End() {
		s.Length = o.End() - s.Addr
	}
	if fend := o.FileOffset + o.FileLength; fend > s.FileOffset+s.FileLength {
		s.FileLength = fend - s.FileOffset
	}
}

// Gap returns the number of bytes between the end of s and the start of
// next, or 0 if they touch or overlap.
func (s Segment) Gap(next Segment) uint64 {
	if next.Addr <= s.End() {
		return 0
	}
	return next.Addr - s.End()
}

func (s Segment) String() string {
	if s.Name != "" {
		return fmt.Sprintf("segment{%s addr:0x%x, end:0x%x, size:0x%x}", s.Name, s.Addr, s.End(), s.Length)
	}
	return fmt.Sprintf("segment{addr:0x%x, end:0x%x, size:0x%x, off:0x%x, filesize:0x%x}",
		s.Addr, s.End(), s.Length, s.FileOffset, s.FileLength)
}

// Segments is a list of segments sorted by address.
type Segments []Segment

func (ss Segments) Len() int           { return len(ss) }
func (ss Segments) Swap(i, k int)      { ss[i], ss[k] = ss[k], ss[i] }
func (ss Segments) Less(i, k int) bool { return ss[i].Addr < ss[k].Addr }

// Sorted returns a sorted copy of ss.
func (ss Segments) Sorted() Segments {
	out := append(Segments(nil), ss...)
	sort.Stable(out)
	return out
}

// Find finds the segment whose half-open range contains addr.
// ss must be sorted.
func (ss Segments) Find(addr uint64) (Segment, bool) {
	// Binary search for an upper-bound segment, then check
	// if the previous segment contains addr.
	k := sort.Search(len(ss), func(k int) bool {
		return addr < ss[k].Addr
	})
	k--
	if k >= 0 && ss[k].OverlapsRange(addr, 1) {
		return ss[k], true
	}
	return Segment{}, false
}

// Overlapping returns the first segment that shares a byte with
// [addr, addr+size). ss need not be sorted.
func (ss Segments) Overlapping(addr, size uint64) (Segment, bool) {
	for _, s := range ss {
		if s.OverlapsRange(addr, size) {
			return s, true
		}
	}
	return Segment{}, false
}

// Insert adds s keeping ss sorted.
func (ss *Segments) Insert(s Segment) {
	k := sort.Search(len(*ss), func(k int) bool {
		return s.Addr < (*ss)[k].Addr
	})
	*ss = append((*ss)[:k], append(Segments{s}, (*ss)[k:]...)...)
}

// TotalLength returns the sum of the memory lengths of ss.
func (ss Segments) TotalLength() uint64 {
	var n uint64
	for _, s := range ss {
		n += s.Length
	}
	return n
}
