package minidump

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjdk/revival/minidump/minidumptest"
	"github.com/openjdk/revival/segment"
)

// chunkedFile returns at most chunk bytes per Read, without an error,
// like some file systems do for large reads.
type chunkedFile struct {
	*bytes.Reader
	chunk int
}

func (f *chunkedFile) Read(p []byte) (int, error) {
	if len(p) > f.chunk {
		p = p[:f.chunk]
	}
	return f.Reader.Read(p)
}

func (f *chunkedFile) Close() error { return nil }

func testDump() minidumptest.Dump {
	return minidumptest.Dump{
		Timestamp: 1700000000,
		Modules: []minidumptest.Module{
			{Name: `C:\Windows\System32\ntdll.dll`, Base: 0x7ffc00000000, Size: 0x1f0000},
			{Name: `C:\jdk\bin\server\jvm.dll`, Base: 0x7ffb10000000, Size: 0x1000000},
		},
		Ranges: []minidumptest.Range{
			{Addr: 0x10000, Data: minidumptest.Fill(0xaa, 0x1000)},
			{Addr: 0x12000, Data: minidumptest.Fill(0xbb, 0x2000)},
			{Addr: 0x7ffb10001000, Data: minidumptest.Fill(0xcc, 0x1000)},
		},
	}
}

func openBytes(t *testing.T, raw []byte, chunk int) *Reader {
	t.Helper()
	f := &chunkedFile{Reader: bytes.NewReader(raw), chunk: chunk}
	r, err := NewReader(f, "test.mdmp", int64(len(raw)), time.Time{}, log.NewNopLogger())
	require.NoError(t, err)
	return r
}

func TestOpen(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := testDump()
	require.NoError(t, d.WriteFile(fs, "/dumps/java.mdmp"))

	r, err := Open(fs, "/dumps/java.mdmp", log.NewNopLogger())
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint32(Signature), r.Header.Signature)
	assert.Equal(t, uint32(3), r.Header.NumberOfStreams)
	assert.Equal(t, int64(len(d.Bytes())), r.Size())
	assert.Equal(t, int64(1700000000), r.Timestamp().Unix())

	arch, err := r.SystemInfo()
	require.NoError(t, err)
	assert.Equal(t, ArchAMD64, arch)
}

func TestOpenErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := Open(fs, "/missing.mdmp", nil)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	require.NoError(t, afero.WriteFile(fs, "/short.mdmp", []byte("MDMP\x93\xa7"), 0o644))
	_, err = Open(fs, "/short.mdmp", nil)
	assert.True(t, errors.Is(err, ErrBadHeader), "got %v", err)
}

func TestBadSignatureIsNotFatal(t *testing.T) {
	d := testDump()
	d.Signature = 0x46464947
	r := openBytes(t, d.Bytes(), 1<<20)
	mods, err := r.ReadModules()
	require.NoError(t, err)
	assert.Len(t, mods, 2)
}

func TestFindStream(t *testing.T) {
	r := openBytes(t, testDump().Bytes(), 1<<20)

	e, err := r.FindStream(ModuleListStream)
	require.NoError(t, err)
	assert.Equal(t, ModuleListStream, e.StreamType)

	// The reader is left at the start of the payload.
	var count uint32
	require.NoError(t, r.read(&count))
	assert.Equal(t, uint32(2), count)

	_, err = r.FindStream(ExceptionStream)
	assert.True(t, errors.Is(err, ErrStreamNotFound), "got %v", err)
}

func TestReadModules(t *testing.T) {
	for _, chunk := range []int{1, 3, 1 << 20} {
		r := openBytes(t, testDump().Bytes(), chunk)
		mods, err := r.ReadModules()
		require.NoError(t, err, "chunk=%d", chunk)
		assert.Equal(t, []segment.Segment{
			{Name: `C:\Windows\System32\ntdll.dll`, Addr: 0x7ffc00000000, Length: 0x1f0000},
			{Name: `C:\jdk\bin\server\jvm.dll`, Addr: 0x7ffb10000000, Length: 0x1000000},
		}, mods, "chunk=%d", chunk)
	}
}

func TestStringAtOffsetRestoresPosition(t *testing.T) {
	r := openBytes(t, testDump().Bytes(), 1<<20)
	_, err := r.FindStream(ModuleListStream)
	require.NoError(t, err)
	before, _ := r.f.Seek(0, io.SeekCurrent)

	// The first name follows header, directory, system info and the
	// module list with two entries.
	s, err := r.StringAtOffset(32 + 3*12 + 56 + 4 + 2*108)
	require.NoError(t, err)
	assert.Equal(t, `C:\Windows\System32\ntdll.dll`, s)

	after, _ := r.f.Seek(0, io.SeekCurrent)
	assert.Equal(t, before, after)
}

func TestCorruptStrings(t *testing.T) {
	d := minidumptest.Dump{
		Modules: []minidumptest.Module{{Name: "jvm.dll", Base: 0x1000, Size: 0x1000}},
	}
	nameRva := 32 + 3*12 + 56 + 4 + 108

	raw := d.Bytes()
	binary.LittleEndian.PutUint32(raw[nameRva:], MaxStringBytes+2)
	_, err := openBytes(t, raw, 1<<20).ReadModules()
	assert.True(t, errors.Is(err, ErrCorruptString), "oversized: got %v", err)

	d.Modules[0].Name = "j\x00vm-server.dll"
	_, err = openBytes(t, d.Bytes(), 1<<20).ReadModules()
	assert.True(t, errors.Is(err, ErrCorruptString), "embedded NUL: got %v", err)
}

func TestMemoryRanges(t *testing.T) {
	d := testDump()
	for _, chunk := range []int{5, 1 << 20} {
		r := openBytes(t, d.Bytes(), chunk)
		got, err := r.MemoryRanges()
		require.NoError(t, err)
		require.Len(t, got, 3)

		for i, rg := range d.Ranges {
			assert.Equal(t, segment.FromFile(rg.Addr, uint64(len(rg.Data)), d.DataOffset(i)), got[i])
		}

		buf := make([]byte, 4)
		require.NoError(t, r.ReadMemory(0x12ffc, buf))
		assert.Equal(t, []byte{0xbb, 0xbb, 0xbb, 0xbb}, buf)
		assert.True(t, errors.Is(r.ReadMemory(0x11000, buf), ErrNotMapped))
		assert.True(t, errors.Is(r.ReadMemory(0x10ffe, buf), ErrNotMapped))
	}
}

func TestMemoryRangesStopAtKernel(t *testing.T) {
	d := minidumptest.Dump{
		Ranges: []minidumptest.Range{
			{Addr: 0x10000, Data: minidumptest.Fill(1, 0x100)},
			{Addr: MaxUserAddress, Data: minidumptest.Fill(2, 0x100)},
			{Addr: 0x20000, Data: minidumptest.Fill(3, 0x100)},
		},
	}
	r := openBytes(t, d.Bytes(), 1<<20)
	require.NoError(t, r.PrepareMemoryRanges())

	s, err := r.ReadNextMemoryDescriptor()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10000), s.Addr)

	_, err = r.ReadNextMemoryDescriptor()
	assert.Equal(t, io.EOF, err)
	_, err = r.ReadNextMemoryDescriptor()
	assert.Equal(t, io.EOF, err)
}

func TestReadNextWithoutPrepare(t *testing.T) {
	r := openBytes(t, testDump().Bytes(), 1<<20)
	_, err := r.ReadNextMemoryDescriptor()
	assert.Error(t, err)
}
