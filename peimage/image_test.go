package peimage

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjdk/revival/peimage/peimagetest"
	"github.com/openjdk/revival/segment"
)

func jvmImage() peimagetest.Image {
	return peimagetest.Image{
		ImageBase: 0x180000000,
		Sections: []peimagetest.Section{
			{Name: ".text", VirtualAddress: 0x1000, VirtualSize: 0x7f00, Data: make([]byte, 0x100)},
			{Name: ".rdata", VirtualAddress: 0x9000, VirtualSize: 0x3800, Data: make([]byte, 0x100)},
			{Name: ".data", VirtualAddress: 0xd000, VirtualSize: 0x1234, Data: make([]byte, 0x100)},
			{Name: ".pdata", VirtualAddress: 0x10000, VirtualSize: 0x800, Data: make([]byte, 0x100)},
		},
		Exports: map[string]uint32{
			"JVM_GetVersionInfo": 0x1100,
			"revive_vm":          0x1200,
			"gHotSpotVMStructs":  0xd010,
		},
	}
}

func openImage(t *testing.T, im peimagetest.Image) *Image {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, im.WriteFile(fs, "/jdk/bin/server/jvm.dll"))
	img, err := Open(fs, "/jdk/bin/server/jvm.dll")
	require.NoError(t, err)
	t.Cleanup(func() { img.Close() })
	return img
}

func TestHeaders(t *testing.T) {
	img := openImage(t, jvmImage())
	assert.Equal(t, uint64(0x180000000), img.ImageBase())
	assert.Equal(t, uint64(0x12000), img.SizeOfImage())
}

func TestSectionsExtendToNext(t *testing.T) {
	img := openImage(t, jvmImage())
	var got []string
	lengths := map[string]uint64{}
	for _, s := range img.Sections() {
		got = append(got, s.Name)
		lengths[s.Name] = s.Length
	}
	assert.Equal(t, []string{".text", ".rdata", ".data", ".pdata", ".edata"}, got)
	assert.Equal(t, uint64(0x8000), lengths[".text"])
	assert.Equal(t, uint64(0x4000), lengths[".rdata"])
	assert.Equal(t, uint64(0x3000), lengths[".data"])
	assert.Equal(t, uint64(0x1000), lengths[".pdata"])
}

func TestFindDataSections(t *testing.T) {
	img := openImage(t, jvmImage())
	ds, err := img.FindDataSections()
	require.NoError(t, err)

	assert.Equal(t, uint64(0xd000), ds.Data.Addr)
	assert.Equal(t, uint64(0x3000), ds.Data.Length)
	assert.Equal(t, segment.Segment{Name: "IAT", Addr: 0x9000, Length: IATPreserveBytes, FileOffset: 0x600}, ds.IAT)
	assert.Equal(t, uint64(0xa000), ds.RData.Addr)
	assert.Equal(t, uint64(0x3000), ds.RData.Length)

	rebased := ds.Rebase(0x7ffb10000000)
	assert.Equal(t, uint64(0x7ffb1000d000), rebased.Data.Addr)
	assert.Equal(t, uint64(0x7ffb1000a000), rebased.RData.Addr)
	assert.Equal(t, uint64(0x7ffb10009000), rebased.IAT.Addr)
	assert.Len(t, rebased.Retained(), 2)
}

func TestLargeIATIsPreserved(t *testing.T) {
	im := jvmImage()
	im.IATSize = 0x1800
	ds, err := openImage(t, im).FindDataSections()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2000), ds.IAT.Length)
	assert.Equal(t, uint64(0xb000), ds.RData.Addr)
	assert.Equal(t, uint64(0x2000), ds.RData.Length)
}

func TestMissingDataSection(t *testing.T) {
	im := jvmImage()
	im.Sections = im.Sections[:2]
	_, err := openImage(t, im).FindDataSections()
	assert.True(t, errors.Is(err, ErrNoSection), "got %v", err)
}

func TestExports(t *testing.T) {
	img := openImage(t, jvmImage())
	exports, err := img.Exports()
	require.NoError(t, err)
	assert.Equal(t, []Export{
		{Name: "JVM_GetVersionInfo", RVA: 0x1100},
		{Name: "gHotSpotVMStructs", RVA: 0xd010},
		{Name: "revive_vm", RVA: 0x1200},
	}, exports)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(afero.NewMemMapFs(), "/nope/jvm.dll")
	assert.Error(t, err)
}
