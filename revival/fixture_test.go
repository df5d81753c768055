package revival

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/go-kit/log"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/openjdk/revival/minidump/minidumptest"
	"github.com/openjdk/revival/peimage/peimagetest"
	"github.com/openjdk/revival/vmem"
	"github.com/openjdk/revival/vmem/vmemtest"
)

const (
	jvmBase     = 0x7ffb10000000
	jvmSize     = 0x6000
	shippedBase = 0x180000000
	dumpPath    = "/dumps/crash.mdmp"
	jdkDir      = "/jdk"
	shippedJVM  = "/jdk/bin/server/jvm.dll"

	reviveRVA     = 0x1100
	diagnosticRVA = 0x1200
	vmStructsRVA  = 0x4010
	vmStructsWord = 0x1122334455667788

	dataAddr    = 0x50000000
	startMillis = 1700000000000
	testThread  = 0x1234
	testTTY     = 0x5678
)

// testImage is a runtime library with .text, .rdata (IAT first) and .data
// sections and the two revival entry points exported.
func testImage(base uint64) peimagetest.Image {
	return peimagetest.Image{
		ImageBase: base,
		Sections: []peimagetest.Section{
			{Name: ".text", VirtualAddress: 0x1000, VirtualSize: 0x1000, Data: minidumptest.Fill(0xcc, 0x200)},
			{Name: ".rdata", VirtualAddress: 0x2000, VirtualSize: 0x2000, Data: make([]byte, 0x200)},
			{Name: ".data", VirtualAddress: 0x4000, VirtualSize: 0x1000, Data: make([]byte, 0x200)},
		},
		Exports: map[string]uint32{
			ReviveSymbol:        reviveRVA,
			DiagnosticSymbol:    diagnosticRVA,
			"gHotSpotVMStructs": vmStructsRVA,
		},
	}
}

func jvmData() []byte {
	b := make([]byte, 0x1000)
	binary.LittleEndian.PutUint64(b[vmStructsRVA-0x4000:], vmStructsWord)
	return b
}

// testDump has one isolated range, two ranges close enough to be
// coalesced and the runtime library's .data.
func testDump() minidumptest.Dump {
	return minidumptest.Dump{
		Modules: []minidumptest.Module{
			{Name: `C:\jdk\bin\server\jvm.dll`, Base: jvmBase, Size: jvmSize},
			{Name: `C:\Windows\System32\ntdll.dll`, Base: 0x7ffc00000000, Size: 0x10000},
		},
		Ranges: []minidumptest.Range{
			{Addr: 0x10000000, Data: minidumptest.Fill(0xaa, 0x2000)},
			{Addr: 0x20000000, Data: minidumptest.Fill(0xbb, 0x1000)},
			{Addr: 0x20002000, Data: minidumptest.Fill(0xdd, 0x1000)},
			{Addr: jvmBase + 0x4000, Data: jvmData()},
		},
	}
}

type fixture struct {
	fs  afero.Fs
	sys *vmemtest.System
	s   *Session

	rebases int
	fatal   error
	diag    []uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, testDump().WriteFile(fs, dumpPath))
	require.NoError(t, testImage(shippedBase).WriteFile(fs, shippedJVM))

	sys := vmemtest.New(fs)
	sys.Libraries["jvm.dll"] = &vmemtest.Library{
		Bases: []uint64{jvmBase},
		Size:  jvmSize,
		Exports: map[string]uint64{
			ReviveSymbol:     reviveRVA,
			DiagnosticSymbol: diagnosticRVA,
		},
	}
	f := &fixture{fs: fs, sys: sys}
	f.s = f.session()
	return f
}

// session returns a fresh session over the fixture's files and memory.
func (f *fixture) session() *Session {
	cfg := DefaultConfig()
	cfg.JVMDir = jdkDir
	s := NewSession(f.fs, f.sys, cfg, log.NewNopLogger())
	s.Rebaser = RebaserFunc(func(dll string, base uint64) error {
		f.rebases++
		return testImage(base).WriteFile(f.fs, dll)
	})
	s.OnFatal = func(err error) { f.fatal = err }
	return s
}

// installRuntime places revival data of the given version in memory and
// makes the entry points callable.
func (f *fixture) installRuntime(t *testing.T, version uint64) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, rawData{
		Version:     version,
		VMName:      dataAddr + 0x100,
		VMRelease:   dataAddr + 0x200,
		StartMillis: startMillis,
		Thread:      testThread,
		TTY:         testTTY,
	}))
	block := make([]byte, 0x1000)
	copy(block, buf.Bytes())
	copy(block[0x100:], "OpenJDK 64-Bit Server VM\x00")
	copy(block[0x200:], "21.0.2+13\x00")
	f.sys.Views = append(f.sys.Views, vmem.NewView(dataAddr, block, true, nil))

	f.sys.Funcs[jvmBase+reviveRVA] = func(args ...uint64) uint64 { return dataAddr }
	f.sys.Funcs[jvmBase+diagnosticRVA] = func(args ...uint64) uint64 {
		f.diag = args
		return 0
	}
}
