package plan

import (
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjdk/revival/segment"
)

const samplePlan = `core hs_err_pid4242.mdmp 1048576
time 1700000000123
# runtime library first
L jvm.dll 7ffb10000000 0

M 10000000 10001000 2000 1000 1000 RWX
m 20000000 2000a000 3000 a000 a000 RWX
C 20000000 20001000 3000 1000 1000 RWX
C 7ffb1000d000 7ffb10010000 9000 3000 3000 RWX
`

// jvmSizes knows the image size of jvm.dll only.
func jvmSizes(name string) (uint64, error) {
	if name != "jvm.dll" {
		return 0, errors.Errorf("no image %s", name)
	}
	return 0x20000, nil
}

func TestParse(t *testing.T) {
	p, err := Parse(strings.NewReader(samplePlan), jvmSizes)
	require.NoError(t, err)
	assert.Equal(t, "hs_err_pid4242.mdmp", p.CoreFile)
	assert.Equal(t, int64(1048576), p.CoreSize)
	assert.Equal(t, int64(1700000000123), p.Time.UnixMilli())
	require.Len(t, p.Directives, 5)
	assert.Equal(t, Directive{Kind: Library, Name: "jvm.dll", Base: 0x7ffb10000000, Checksum: "0", Size: 0x20000}, p.Directives[0])
	assert.Equal(t, Directive{Kind: Map, Segment: segment.FromFile(0x10000000, 0x1000, 0x2000), Perm: "RWX"}, p.Directives[1])
	assert.Equal(t, uint64(0xa000), p.Directives[2].Segment.Length)
	assert.Equal(t, 2, p.Count(Copy))
}

func TestParseNameWithSpaces(t *testing.T) {
	p, err := Parse(strings.NewReader("core my crash.mdmp 10\ntime 0\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, "my crash.mdmp", p.CoreFile)
	assert.Equal(t, int64(10), p.CoreSize)
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		text string
		want string
	}{
		{"no core header", "time 1\n", "missing core header"},
		{"no time header", "core a 1\n", "missing time header"},
		{"bad size", "core a 1x\ntime 1\n", "line 1: bad core size"},
		{"bad time", "core a 1\ntime soon\n", "line 2: bad time"},
		{"short library", "core a 1\ntime 1\nL jvm.dll 1000\n", "line 3: malformed library directive"},
		{"bad library address", "core a 1\ntime 1\nL jvm.dll zz 0\n", "line 3: bad hex number"},
		{"unknown kind", "core a 1\ntime 1\nX 1000 2000 0 1000 1000 RWX\n", `line 3: unknown directive "X"`},
		{"bad number", "core a 1\ntime 1\nM 1000 2000 0 1g00 1000 RWX\n", "line 3: region directive"},
		{"end mismatch", "core a 1\ntime 1\nM 1000 3000 0 1000 1000 RWX\n", "does not match"},
		{"orphan copy", "core a 1\ntime 1\nC 1000 2000 0 1000 1000 RWX\n", "line 3: copy to 0x1000 is not preceded"},
		{"copy outside alloc", "core a 1\ntime 1\nm 1000 2000 0 1000 1000 RWX\nC 1800 2800 0 1000 1000 RWX\n", "line 4: copy to 0x1800"},
		{"copy below library", "core a 1\ntime 1\nL jvm.dll 5000 0\nC 1000 2000 0 1000 1000 RWX\n", "line 4: copy to 0x1000"},
		{"copy far above library", "core x 10\ntime 0\nL jvm.dll 10000 0\nC 7fff00000000 7fff00001000 0 1000 1000 RWX\n", "line 4: copy to 0x7fff00000000"},
		{"copy past library end", "core a 1\ntime 1\nL jvm.dll 10000 0\nC 2f000 31000 0 2000 2000 RWX\n", "line 4: copy to 0x2f000"},
		{"copy before library", "core a 1\ntime 1\nC 10000 11000 0 1000 1000 RWX\nL jvm.dll 10000 0\n", "line 3: copy to 0x10000"},
		{"unknown library", "core a 1\ntime 1\nL other.dll 10000 0\n", "line 3: library other.dll: no image other.dll"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.text), jvmSizes)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestCopyAfterAllocOrLibrary(t *testing.T) {
	text := "core a 1\ntime 1\n" +
		"m 1000 3000 0 2000 2000 RWX\n" +
		"C 1000 2000 0 1000 1000 RWX\n" +
		"C 2000 3000 1000 1000 1000 RWX\n" +
		"L jvm.dll 10000 0\n" +
		"C 1d000 1e000 2000 1000 1000 RWX\n" +
		"C 2f000 30000 3000 1000 1000 RWX\n"
	p, err := Parse(strings.NewReader(text), jvmSizes)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Count(Copy))
	assert.Equal(t, uint64(0x20000), p.Directives[3].Size)

	// Without image sizes a library provides no memory.
	_, err = Parse(strings.NewReader(text), nil)
	assert.ErrorContains(t, err, "line 7: copy to 0x1d000")
}

func TestWriteReadFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := &Plan{CoreFile: "x.mdmp", CoreSize: 4096, Time: time.UnixMilli(42)}
	p.AddLibrary("jvm.dll", 0x7ffb10000000)
	p.Add(Map, segment.FromFile(0x10000, 0x1000, 0x200))
	p.Add(Alloc, segment.FromFile(0x40000, 0x3000, 0x1200))
	p.Add(Copy, segment.FromFile(0x40000, 0x1000, 0x1200))
	require.NoError(t, p.WriteFile(fs, "/d.revival/core.mappings"))

	raw, err := afero.ReadFile(fs, "/d.revival/core.mappings")
	require.NoError(t, err)
	assert.Equal(t, "core x.mdmp 4096\n"+
		"time 42\n"+
		"L jvm.dll 7ffb10000000 0\n"+
		"M 10000 11000 200 1000 1000 RWX\n"+
		"m 40000 43000 1200 3000 3000 RWX\n"+
		"C 40000 41000 1200 1000 1000 RWX\n", string(raw))

	q, err := ReadFile(fs, "/d.revival/core.mappings", nil)
	require.NoError(t, err)
	assert.Equal(t, p.Directives, q.Directives)

	_, err = ReadFile(fs, "/d.revival/missing", nil)
	assert.Error(t, err)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "map", Map.String())
	assert.Equal(t, "alloc", Alloc.String())
	assert.Equal(t, "copy", Copy.String())
	assert.Equal(t, "library", Library.String())
	assert.Equal(t, `kind('x')`, Kind('x').String())
}
