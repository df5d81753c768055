// Package plan reads and writes mapping plans ("core.mappings") and builds
// them from the memory ranges of a minidump.
//
// A plan is line-oriented text:
//
//	core <filename> <decimal-size>
//	time <decimal-epoch-millis>
//	L <libname> <hex-address> <checksum>
//	<M|m|C> <hex-start> <hex-end> <hex-file-offset> <hex-file-length> <hex-mem-length> <perm>
//
// M maps a range directly from the dump file, m only allocates memory, and
// C copies bytes from the dump into memory that an earlier m directive
// allocated or that lies inside the image of an earlier L directive.
package plan

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/openjdk/revival/segment"
)

// Kind is the kind of a directive.
type Kind byte

const (
	Map     Kind = 'M'
	Alloc   Kind = 'm'
	Copy    Kind = 'C'
	Library Kind = 'L'
)

func (k Kind) String() string {
	switch k {
	case Map:
		return "map"
	case Alloc:
		return "alloc"
	case Copy:
		return "copy"
	case Library:
		return "library"
	}
	return fmt.Sprintf("kind(%q)", byte(k))
}

// DefaultPerm is written for every region. It is informational only; all
// regions are materialized read-write-execute.
const DefaultPerm = "RWX"

// Directive is one instruction of a plan.
type Directive struct {
	Kind    Kind
	Segment segment.Segment // region directives
	Perm    string          // region directives

	Name     string // library directives
	Base     uint64 // library directives
	Checksum string // library directives
	// Size is the extent of the library image once loaded. It is not part
	// of the text form; Parse fills it in from an ImageSizer.
	Size uint64
}

// ImageSizer returns the number of bytes the named library image spans once
// loaded.
type ImageSizer func(name string) (uint64, error)

// image returns the address range a library directive occupies.
func (d Directive) image() segment.Segment {
	return segment.Segment{Name: d.Name, Addr: d.Base, Length: d.Size}
}

func (d Directive) String() string {
	if d.Kind == Library {
		return fmt.Sprintf("L %s %x %s", d.Name, d.Base, d.Checksum)
	}
	perm := d.Perm
	if perm == "" {
		perm = DefaultPerm
	}
	return d.Segment.Line(byte(d.Kind), perm)
}

// Plan is a parsed mapping plan.
type Plan struct {
	CoreFile   string
	CoreSize   int64
	Time       time.Time
	Directives []Directive
}

// Add appends a region directive.
func (p *Plan) Add(kind Kind, s segment.Segment) {
	p.Directives = append(p.Directives, Directive{Kind: kind, Segment: s, Perm: DefaultPerm})
}

// AddLibrary appends a library directive.
func (p *Plan) AddLibrary(name string, base uint64) {
	p.Directives = append(p.Directives, Directive{Kind: Library, Name: name, Base: base, Checksum: "0"})
}

// Count returns the number of directives of the given kind.
func (p *Plan) Count(kind Kind) int {
	n := 0
	for _, d := range p.Directives {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

// WriteTo writes p in its text form.
func (p *Plan) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	write := func(format string, args ...interface{}) {
		m, _ := fmt.Fprintf(bw, format, args...)
		n += int64(m)
	}
	write("core %s %d\n", p.CoreFile, p.CoreSize)
	write("time %d\n", p.Time.UnixMilli())
	for _, d := range p.Directives {
		write("%s\n", d)
	}
	return n, bw.Flush()
}

// WriteFile writes p to name on fs.
func (p *Plan) WriteFile(fs afero.Fs, name string) error {
	f, err := fs.Create(name)
	if err != nil {
		return errors.Wrapf(err, "create mapping plan %s", name)
	}
	if _, err := p.WriteTo(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "write mapping plan %s", name)
	}
	return errors.Wrapf(f.Close(), "close mapping plan %s", name)
}

// ReadFile parses the plan in name on fs. See Parse for sizes.
func ReadFile(fs afero.Fs, name string, sizes ImageSizer) (*Plan, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "open mapping plan %s", name)
	}
	defer f.Close()
	p, err := Parse(f, sizes)
	return p, errors.Wrapf(err, "mapping plan %s", name)
}

// Parse parses a plan. Besides the grammar it checks that the header is
// present and that every C directive lies inside an earlier m directive or
// inside the image of an earlier L directive. sizes gives the extent of
// each library image; with a nil sizes, library images cover nothing.
func Parse(r io.Reader, sizes ImageSizer) (*Plan, error) {
	p := &Plan{CoreSize: -1}
	var provided segment.Segments
	haveTime := false

	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f := strings.Fields(line)
		switch f[0] {
		case "core":
			if len(f) < 3 {
				return nil, errors.Errorf("line %d: malformed core header %q", lineno, line)
			}
			size, err := strconv.ParseInt(f[len(f)-1], 10, 64)
			if err != nil || size < 0 {
				return nil, errors.Errorf("line %d: bad core size %q", lineno, f[len(f)-1])
			}
			p.CoreFile = strings.Join(f[1:len(f)-1], " ")
			p.CoreSize = size
			continue
		case "time":
			if len(f) != 2 {
				return nil, errors.Errorf("line %d: malformed time header %q", lineno, line)
			}
			ms, err := strconv.ParseInt(f[1], 10, 64)
			if err != nil {
				return nil, errors.Errorf("line %d: bad time %q", lineno, f[1])
			}
			p.Time = time.UnixMilli(ms)
			haveTime = true
			continue
		case "L":
			if len(f) != 4 {
				return nil, errors.Errorf("line %d: malformed library directive %q", lineno, line)
			}
			base, err := segment.ParseHex(f[2])
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", lineno)
			}
			d := Directive{Kind: Library, Name: f[1], Base: base, Checksum: f[3]}
			if sizes != nil {
				if d.Size, err = sizes(d.Name); err != nil {
					return nil, errors.Wrapf(err, "line %d: library %s", lineno, d.Name)
				}
			}
			p.Directives = append(p.Directives, d)
			provided = append(provided, d.image())
			continue
		}

		kind, s, perm, err := segment.ParseLine(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineno)
		}
		switch Kind(kind) {
		case Map:
		case Alloc:
			provided = append(provided, s)
		case Copy:
			if !covered(provided, s) {
				return nil, errors.Errorf("line %d: copy to 0x%x is not preceded by an allocation or library image covering it", lineno, s.Addr)
			}
		default:
			return nil, errors.Errorf("line %d: unknown directive %q", lineno, f[0])
		}
		p.Directives = append(p.Directives, Directive{Kind: Kind(kind), Segment: s, Perm: perm})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read")
	}
	if p.CoreSize < 0 {
		return nil, errors.New("missing core header")
	}
	if !haveTime {
		return nil, errors.New("missing time header")
	}
	return p, nil
}

func covered(provided segment.Segments, s segment.Segment) bool {
	for _, a := range provided {
		if a.Length != 0 && a.ContainsRange(s.Addr, s.Length) {
			return true
		}
	}
	return false
}
