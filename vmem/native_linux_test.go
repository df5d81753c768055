//go:build linux

package vmem

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMaps = `55d0c1a00000-55d0c1a21000 r--p 00000000 08:01 1048602   /usr/bin/corerevive
55d0c1a21000-55d0c1b00000 r-xp 00021000 08:01 1048602   /usr/bin/corerevive
7f1c2a000000-7f1c2a021000 rw-p 00000000 00:00 0
7ffd5e1b0000-7ffd5e1d1000 rw-p 00000000 00:00 0         [stack]
`

func TestParseProcMaps(t *testing.T) {
	maps, err := parseProcMaps(bufio.NewScanner(strings.NewReader(sampleMaps)))
	require.NoError(t, err)
	require.Len(t, maps, 4)
	assert.Equal(t, uint64(0x55d0c1a21000), maps[1].Addr)
	assert.Equal(t, uint64(0xdf000), maps[1].Length)
	assert.Equal(t, "r-xp", maps[1].Name)

	r := regionAt(maps, 0x7f1c2a000100)
	assert.Equal(t, Region{Base: 0x7f1c2a000000, Size: 0x21000, State: Committed, Writable: true}, r)

	r = regionAt(maps, 0x55d0c1a00010)
	assert.False(t, r.Writable)

	r = regionAt(maps, 0x60000000)
	assert.Equal(t, Free, r.State)
	assert.Equal(t, uint64(0x55d0c1b00000), r.Base)
	assert.Equal(t, uint64(0x7f1c2a000000), r.End())

	_, err = parseProcMaps(bufio.NewScanner(strings.NewReader("nonsense r--p\n")))
	assert.Error(t, err)
}

func TestAllocateReadWrite(t *testing.T) {
	s := Native()
	gran := s.Granularity()
	// A hint well away from the Go heap and the usual mmap area.
	addr := uint64(0x3f0000000000)
	got, err := s.Allocate(addr, 4*gran)
	if err != nil {
		t.Skipf("fixed mapping not available: %v", err)
	}
	defer s.Unmap(got, 4*gran)

	require.NoError(t, s.Write(got+8, []byte("revived")))
	p := make([]byte, 7)
	require.NoError(t, s.Read(got+8, p))
	assert.Equal(t, "revived", string(p))

	r, err := s.Query(got)
	require.NoError(t, err)
	assert.Equal(t, Committed, r.State)
	assert.True(t, r.Writable)

	_, err = s.Load("/nonexistent/libjvm.so")
	assert.ErrorIs(t, err, ErrUnsupported)
}
