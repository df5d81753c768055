package plan

import (
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/samber/lo"

	"github.com/openjdk/revival/segment"
)

// DefaultGranularity is the Windows allocation granularity.
const DefaultGranularity = 0x10000

// Source yields the memory ranges of a dump in dump order and returns
// io.EOF after the last one. (*minidump.Reader).ReadNextMemoryDescriptor
// has this shape.
type Source func() (segment.Segment, error)

// SliceSource returns a Source over ss.
func SliceSource(ss []segment.Segment) Source {
	i := 0
	return func() (segment.Segment, error) {
		if i == len(ss) {
			return segment.Segment{}, io.EOF
		}
		i++
		return ss[i-1], nil
	}
}

// RuntimeLibrary describes the runtime library as it was loaded in the
// dumped process.
type RuntimeLibrary struct {
	Name string
	Base uint64
	// Retained are absolute ranges of the library whose dumped contents
	// replace the freshly loaded ones (.data and .rdata past the IAT).
	Retained segment.Segments
}

// Stats counts what a Builder did with the ranges it read.
type Stats struct {
	Ranges     int // read from the source
	Irrelevant int
	Duplicates int
	Avoided    int // dropped because they overlap a module
	Maps       int
	Allocs     int
	Copies     int
	Retained   int // copies into the runtime library's data sections

	MappedBytes uint64
	CopiedBytes uint64
}

// Builder turns the memory ranges of a dump into a mapping plan.
type Builder struct {
	// Granularity is the allocation granularity of the reviving platform.
	// Ranges closer together than this are allocated as one region and
	// filled by copying.
	Granularity uint64
	// Modules are the modules loaded in the dumped process. Ranges that
	// overlap them are left to the loader.
	Modules segment.Segments
	// Library, if set, is loaded first and has its retained sections
	// restored from the dump.
	Library *RuntimeLibrary

	Stats  Stats
	logger log.Logger
}

// NewBuilder returns a Builder using DefaultGranularity.
func NewBuilder(modules segment.Segments, lib *RuntimeLibrary, logger log.Logger) *Builder {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Builder{
		Granularity: DefaultGranularity,
		Modules:     modules,
		Library:     lib,
		logger:      logger,
	}
}

// Build reads every range from src and returns the plan for a dump file
// of the given name, size and modification time.
func (b *Builder) Build(src Source, coreFile string, coreSize int64, modTime time.Time) (*Plan, error) {
	b.Stats = Stats{}
	p := &Plan{
		CoreFile: filepath.Base(coreFile),
		CoreSize: coreSize,
		Time:     modTime,
	}
	if b.Library != nil {
		p.AddLibrary(b.Library.Name, b.Library.Base)
	}

	var copies, retained []segment.Segment
	gran := b.Granularity
	if gran == 0 {
		gran = DefaultGranularity
	}
	near := func(prev, cur segment.Segment) bool {
		return prev.Gap(cur) < gran
	}
	emit := func(run []segment.Segment) error {
		if len(run) == 1 {
			p.Add(Map, run[0])
			b.Stats.Maps++
			b.Stats.MappedBytes += run[0].Length
			return nil
		}
		region := run[0]
		for _, s := range run[1:] {
			region.Grow(s)
		}
		p.Add(Alloc, region)
		b.Stats.Allocs++
		copies = append(copies, run...)
		level.Debug(b.logger).Log("msg", "coalesced ranges", "region", region, "ranges", len(run))
		return nil
	}
	next := b.filter(src, &retained)
	if err := Group(next, near, emit); err != nil {
		return nil, err
	}

	for _, s := range copies {
		p.Add(Copy, s)
		b.Stats.Copies++
		b.Stats.CopiedBytes += s.FileLength
	}
	for _, s := range retained {
		p.Add(Copy, s)
		b.Stats.Retained++
		b.Stats.CopiedBytes += s.FileLength
	}
	level.Info(b.logger).Log("msg", "built mapping plan",
		"ranges", b.Stats.Ranges, "map", b.Stats.Maps, "alloc", b.Stats.Allocs,
		"copy", b.Stats.Copies, "retained", b.Stats.Retained,
		"skipped", b.Stats.Irrelevant+b.Stats.Duplicates+b.Stats.Avoided)
	return p, nil
}

// filter wraps src, dropping irrelevant ranges, ranges that repeat the
// start of the previous one, and ranges that overlap a module. The parts
// of module ranges inside the runtime library's retained sections are
// appended to retained.
func (b *Builder) filter(src Source, retained *[]segment.Segment) Source {
	var prev uint64
	havePrev := false
	return func() (segment.Segment, error) {
		for {
			s, err := src()
			if err != nil {
				return s, err
			}
			b.Stats.Ranges++
			dup := havePrev && s.Addr == prev
			prev, havePrev = s.Addr, true
			switch {
			case !s.IsRelevant():
				b.Stats.Irrelevant++
				continue
			case dup:
				b.Stats.Duplicates++
				level.Debug(b.logger).Log("msg", "skipping duplicate range", "range", s)
				continue
			}
			if m, ok := b.Modules.Overlapping(s.Addr, s.Length); ok {
				b.Stats.Avoided++
				*retained = append(*retained, b.retainedParts(s)...)
				level.Debug(b.logger).Log("msg", "skipping module range", "module", m.Name, "range", s)
				continue
			}
			return s, nil
		}
	}
}

func (b *Builder) retainedParts(s segment.Segment) []segment.Segment {
	if b.Library == nil {
		return nil
	}
	return lo.FilterMap(b.Library.Retained, func(r segment.Segment, _ int) (segment.Segment, bool) {
		c, ok := s.Clip(r.Addr, r.Length)
		c.Name = ""
		return c, ok && c.IsRelevant()
	})
}

// IsRuntimeLibrary reports whether a module path names the runtime
// library. The match is on the base name and ignores case.
func IsRuntimeLibrary(path, name string) bool {
	base := path[strings.LastIndexAny(path, `\/`)+1:]
	return strings.EqualFold(base, name)
}
