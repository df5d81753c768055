package segment

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Line serializes s as a region directive of the given kind:
//
//	<kind> <start> <end> <file-offset> <file-length> <mem-length> <perm>
//
// All numbers are hexadecimal without a prefix.
func (s Segment) Line(kind byte, perm string) string {
	return fmt.Sprintf("%c %x %x %x %x %x %s", kind, s.Addr, s.End(), s.FileOffset, s.FileLength, s.Length, perm)
}

// ParseLine is the inverse of Line. It returns the directive kind, the
// segment, and the permission string.
func ParseLine(line string) (byte, Segment, string, error) {
	f := strings.Fields(line)
	if len(f) != 7 || len(f[0]) != 1 {
		return 0, Segment{}, "", errors.Errorf("malformed region directive %q", line)
	}
	var v [5]uint64
	for i := range v {
		n, err := ParseHex(f[i+1])
		if err != nil {
			return 0, Segment{}, "", errors.Wrapf(err, "region directive %q", line)
		}
		v[i] = n
	}
	start, end := v[0], v[1]
	if end < start {
		return 0, Segment{}, "", errors.Errorf("region directive %q ends before it starts", line)
	}
	s := Segment{
		Addr:       start,
		Length:     v[4],
		FileOffset: v[2],
		FileLength: v[3],
	}
	if s.End() != end {
		return 0, Segment{}, "", errors.Errorf("region directive %q: end 0x%x does not match start+length 0x%x", line, end, s.End())
	}
	return f[0][0], s, f[6], nil
}

// ParseHex parses a hexadecimal number with an optional 0x prefix.
func ParseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, errors.Errorf("bad hex number %q", s)
	}
	return n, nil
}
