package minidump

import (
	"io"
	"sort"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/openjdk/revival/segment"
)

// PrepareMemoryRanges locates the Memory64 list stream and reads its range
// count and base RVA. It must be called before ReadNextMemoryDescriptor, and
// no other stream may be looked up until the enumeration ends.
func (r *Reader) PrepareMemoryRanges() error {
	if _, err := r.FindStream(Memory64ListStream); err != nil {
		return err
	}
	var hdr struct {
		NumberOfMemoryRanges uint64
		BaseRva              uint64
	}
	if err := r.read(&hdr); err != nil {
		return errors.Wrap(err, "read Memory64 list header")
	}
	r.memPrepared = true
	r.memRemaining = hdr.NumberOfMemoryRanges
	r.memCursor = hdr.BaseRva
	level.Debug(r.logger).Log("msg", "memory ranges", "count", hdr.NumberOfMemoryRanges, "base", hex64(hdr.BaseRva))
	return nil
}

// ReadNextMemoryDescriptor returns the next memory range. The segment's
// FileOffset is the absolute file offset of the range's data. io.EOF marks
// the end of the list; ranges starting at or above MaxUserAddress also end
// the list since they are kernel mappings.
func (r *Reader) ReadNextMemoryDescriptor() (segment.Segment, error) {
	if !r.memPrepared {
		return segment.Segment{}, errors.New("minidump: PrepareMemoryRanges not called")
	}
	if r.memRemaining == 0 {
		return segment.Segment{}, io.EOF
	}
	var d memoryDescriptor64
	if err := r.read(&d); err != nil {
		if err == io.EOF {
			level.Warn(r.logger).Log("msg", "memory range list ended early", "missing", r.memRemaining)
			r.memRemaining = 0
			return segment.Segment{}, io.EOF
		}
		return segment.Segment{}, errors.Wrap(err, "read memory descriptor")
	}
	if d.StartOfMemoryRange >= MaxUserAddress {
		level.Debug(r.logger).Log("msg", "reached kernel address range", "addr", hex64(d.StartOfMemoryRange), "skipped", r.memRemaining)
		r.memRemaining = 0
		return segment.Segment{}, io.EOF
	}
	s := segment.FromFile(d.StartOfMemoryRange, d.DataSize, r.memCursor)
	r.memCursor += d.DataSize
	r.memRemaining--
	return s, nil
}

// MemoryRanges enumerates every memory range in the dump. The result is in
// dump order and is cached for ReadMemory.
func (r *Reader) MemoryRanges() ([]segment.Segment, error) {
	if err := r.PrepareMemoryRanges(); err != nil {
		return nil, err
	}
	var out []segment.Segment
	for {
		s, err := r.ReadNextMemoryDescriptor()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	r.ranges = r.ranges[:0]
	for _, s := range out {
		r.ranges = append(r.ranges, rangeAt{addr: s.Addr, size: s.Length, off: s.FileOffset})
	}
	sort.Slice(r.ranges, func(i, k int) bool { return r.ranges[i].addr < r.ranges[k].addr })
	if r.shortRds > 0 {
		level.Debug(r.logger).Log("msg", "short reads retried", "count", r.shortRds)
	}
	return out, nil
}

// ReadMemory reads len(p) bytes of dumped memory at virtual address addr.
// The whole read must fall inside one range. MemoryRanges must have been
// called first.
func (r *Reader) ReadMemory(addr uint64, p []byte) error {
	k := sort.Search(len(r.ranges), func(k int) bool {
		return addr < r.ranges[k].addr
	})
	k--
	if k < 0 || addr+uint64(len(p)) > r.ranges[k].addr+r.ranges[k].size {
		return errors.Wrapf(ErrNotMapped, "0x%x", addr)
	}
	rg := r.ranges[k]
	if _, err := r.f.ReadAt(p, int64(rg.off+addr-rg.addr)); err != nil {
		return errors.Wrapf(err, "read dumped memory at 0x%x", addr)
	}
	return nil
}
