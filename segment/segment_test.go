package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainsEndpoints(t *testing.T) {
	tests := []Segment{
		{Addr: 0, Length: 0},
		{Addr: 0x1000, Length: 0x1000},
		{Addr: 0x7ffe0000, Length: 1},
		{Addr: 0xffff0000, Length: 0xffff},
	}
	for _, s := range tests {
		if !s.Contains(s.Addr) {
			t.Errorf("%v.Contains(start)=false want true", s)
		}
		if !s.Contains(s.End()) {
			t.Errorf("%v.Contains(end)=false want true", s)
		}
		if s.Addr > 0 && s.Contains(s.Addr-1) {
			t.Errorf("%v.Contains(start-1)=true want false", s)
		}
		if s.Contains(s.End() + 1) {
			t.Errorf("%v.Contains(end+1)=true want false", s)
		}
	}
}

func TestIsRelevant(t *testing.T) {
	tests := []struct {
		s    Segment
		want bool
	}{
		{Segment{Length: 0, FileLength: 0}, false},
		{Segment{Length: 0x1000, FileLength: 0}, false},
		{Segment{Length: 0, FileLength: 0x1000}, false},
		{Segment{Length: 0x1000, FileLength: 0x1000}, true},
	}
	for _, test := range tests {
		if got := test.s.IsRelevant(); got != test.want {
			t.Errorf("%v.IsRelevant()=%v want %v", test.s, got, test.want)
		}
	}
}

func TestOverlapsRange(t *testing.T) {
	s := Segment{Addr: 100, Length: 50}
	tests := []struct {
		addr, size uint64
		want       bool
	}{
		{0, 100, false},
		{0, 101, true},
		{149, 1, true},
		{150, 10, false},
		{120, 0, false},
		{90, 100, true},
	}
	for _, test := range tests {
		if got := s.OverlapsRange(test.addr, test.size); got != test.want {
			t.Errorf("OverlapsRange(%v, %v)=%v want %v", test.addr, test.size, got, test.want)
		}
	}
}

func TestClip(t *testing.T) {
	s := FromFile(0x1000, 0x3000, 0x500)

	c, ok := s.Clip(0x2000, 0x800)
	require.True(t, ok)
	assert.Equal(t, Segment{Addr: 0x2000, Length: 0x800, FileOffset: 0x1500, FileLength: 0x800}, c)

	c, ok = s.Clip(0, 0x1800)
	require.True(t, ok)
	assert.Equal(t, Segment{Addr: 0x1000, Length: 0x800, FileOffset: 0x500, FileLength: 0x800}, c)

	_, ok = s.Clip(0x4000, 0x1000)
	assert.False(t, ok)
}

func TestGrowAndGap(t *testing.T) {
	a := FromFile(0x10000, 0x1000, 0x100)
	b := FromFile(0x12000, 0x2000, 0x1100)
	assert.Equal(t, uint64(0x1000), a.Gap(b))
	assert.Equal(t, uint64(0), b.Gap(a))

	a.Grow(b)
	assert.Equal(t, uint64(0x10000), a.Addr)
	assert.Equal(t, uint64(0x14000), a.End())
	assert.Equal(t, uint64(0x100), a.FileOffset)
	assert.Equal(t, uint64(0x3000), a.FileLength)
}

func TestSegmentsFind(t *testing.T) {
	var ss Segments
	ss.Insert(Segment{Addr: 300, Length: 64})
	ss.Insert(Segment{Addr: 100, Length: 32})
	ss.Insert(Segment{Addr: 200, Length: 64})

	tests := []struct {
		addr     uint64
		want     bool
		wantAddr uint64
	}{
		{100, true, 100},
		{131, true, 100},
		{132, false, 0},
		{99, false, 0},
		{263, true, 200},
		{300, true, 300},
		{364, false, 0},
	}
	for _, test := range tests {
		got, ok := ss.Find(test.addr)
		if ok != test.want || (ok && got.Addr != test.wantAddr) {
			t.Errorf("Find(%v)=%v,%v want %v,%v", test.addr, got.Addr, ok, test.wantAddr, test.want)
		}
	}
	assert.Equal(t, uint64(160), ss.TotalLength())
}

func TestLineRoundTrip(t *testing.T) {
	s := Segment{Addr: 0x7ff6a0000000, Length: 0x3000, FileOffset: 0x1a2b0, FileLength: 0x3000}
	line := s.Line('M', "RWX")
	assert.Equal(t, "M 7ff6a0000000 7ff6a0003000 1a2b0 3000 3000 RWX", line)

	kind, got, perm, err := ParseLine(line)
	require.NoError(t, err)
	assert.Equal(t, byte('M'), kind)
	assert.Equal(t, s, got)
	assert.Equal(t, "RWX", perm)
}

func TestParseLineErrors(t *testing.T) {
	for _, line := range []string{
		"",
		"M 1000 2000",
		"MM 1000 2000 0 1000 1000 RWX",
		"M 1000 2000 zz 1000 1000 RWX",
		"M 2000 1000 0 1000 1000 RWX",
		"M 1000 2000 0 1000 800 RWX",
	} {
		_, _, _, err := ParseLine(line)
		assert.Error(t, err, "ParseLine(%q)", line)
	}
}
