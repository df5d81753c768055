// Package peimage inspects the Windows PE image of the runtime library: its
// sections, the writable data sections that must be restored from a dump,
// its preferred base and its exported symbols.
package peimage

import (
	"debug/pe"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/openjdk/revival/segment"
)

// IATPreserveBytes is the minimum number of bytes at the start of .rdata that
// hold the import address table. The IAT is filled in by the loader of the
// reviving process and must not be overwritten with dumped contents.
const IATPreserveBytes = 0x1000

// ErrNoSection is returned when a required section is missing.
var ErrNoSection = errors.New("peimage: section not found")

// Image is an opened PE image.
type Image struct {
	name string
	f    afero.File
	pe   *pe.File
}

// Open opens the named image on fs.
func Open(fs afero.Fs, name string) (*Image, error) {
	f, err := fs.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "runtime library %s not found", name)
		}
		return nil, errors.Wrapf(err, "open %s", name)
	}
	p, err := pe.NewFile(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "parse PE image %s", name)
	}
	return &Image{name: name, f: f, pe: p}, nil
}

// Close closes the image file.
func (im *Image) Close() error {
	return im.f.Close()
}

// ImageBase returns the preferred load address from the optional header.
func (im *Image) ImageBase() uint64 {
	switch oh := im.pe.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		return oh.ImageBase
	case *pe.OptionalHeader32:
		return uint64(oh.ImageBase)
	}
	return 0
}

// SizeOfImage returns the size of the image once loaded.
func (im *Image) SizeOfImage() uint64 {
	switch oh := im.pe.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		return uint64(oh.SizeOfImage)
	case *pe.OptionalHeader32:
		return uint64(oh.SizeOfImage)
	}
	return 0
}

func (im *Image) dataDirectory(i int) pe.DataDirectory {
	switch oh := im.pe.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		if uint32(i) < oh.NumberOfRvaAndSizes {
			return oh.DataDirectory[i]
		}
	case *pe.OptionalHeader32:
		if uint32(i) < oh.NumberOfRvaAndSizes {
			return oh.DataDirectory[i]
		}
	}
	return pe.DataDirectory{}
}

// Sections returns every section as an RVA-based segment, in file order.
// A section's Length runs to the start of the next section, the last one
// uses its virtual size.
func (im *Image) Sections() []segment.Segment {
	out := make([]segment.Segment, 0, len(im.pe.Sections))
	var pending *segment.Segment
	for _, s := range im.pe.Sections {
		// A section's extent is only known once the next one is seen.
		if pending != nil && uint64(s.VirtualAddress) > pending.Addr {
			pending.Length = uint64(s.VirtualAddress) - pending.Addr
		}
		out = append(out, segment.Segment{
			Name:       s.Name,
			Addr:       uint64(s.VirtualAddress),
			Length:     uint64(s.VirtualSize),
			FileOffset: uint64(s.Offset),
			FileLength: uint64(s.Size),
		})
		pending = &out[len(out)-1]
	}
	return out
}

// DataSections holds the sections of the runtime library that carry
// process state and must be copied from the dump, plus the IAT that must
// be preserved. Addresses are RVAs until Rebase is applied.
type DataSections struct {
	Data  segment.Segment
	RData segment.Segment // excludes the IAT
	IAT   segment.Segment
}

// Rebase returns ds with every segment moved to the given load base.
func (ds DataSections) Rebase(base uint64) DataSections {
	ds.Data.Addr += base
	ds.RData.Addr += base
	ds.IAT.Addr += base
	return ds
}

// Retained returns the segments whose dumped contents are copied back.
func (ds DataSections) Retained() segment.Segments {
	return segment.Segments{ds.Data, ds.RData}
}

// FindDataSections locates .data and .rdata. The IAT occupies the start of
// .rdata; the returned RData starts after it.
func (im *Image) FindDataSections() (DataSections, error) {
	var ds DataSections
	var haveData, haveRData bool
	for _, s := range im.Sections() {
		switch s.Name {
		case ".data":
			ds.Data, haveData = s, true
		case ".rdata":
			ds.RData, haveRData = s, true
		}
	}
	if !haveData {
		return DataSections{}, errors.Wrapf(ErrNoSection, "%s: .data", im.name)
	}
	if !haveRData {
		return DataSections{}, errors.Wrapf(ErrNoSection, "%s: .rdata", im.name)
	}

	preserve := uint64(IATPreserveBytes)
	if dd := im.dataDirectory(pe.IMAGE_DIRECTORY_ENTRY_IAT); dd.Size > 0 && uint64(dd.VirtualAddress) == ds.RData.Addr {
		if n := alignUp(uint64(dd.Size), IATPreserveBytes); n > preserve {
			preserve = n
		}
	}
	if preserve > ds.RData.Length {
		preserve = ds.RData.Length
	}
	ds.IAT = segment.Segment{Name: "IAT", Addr: ds.RData.Addr, Length: preserve, FileOffset: ds.RData.FileOffset}
	ds.RData.Addr += preserve
	ds.RData.Length -= preserve
	ds.RData.FileOffset += preserve
	if ds.RData.FileLength > preserve {
		ds.RData.FileLength -= preserve
	} else {
		ds.RData.FileLength = 0
	}
	return ds, nil
}

// readRVA reads len(p) bytes of the image at the given RVA.
func (im *Image) readRVA(rva uint32, p []byte) error {
	for _, s := range im.pe.Sections {
		if rva < s.VirtualAddress || rva >= s.VirtualAddress+s.Size {
			continue
		}
		off := int64(s.Offset) + int64(rva-s.VirtualAddress)
		if _, err := im.f.ReadAt(p, off); err != nil && err != io.EOF {
			return errors.Wrapf(err, "read RVA 0x%x", rva)
		}
		return nil
	}
	return errors.Errorf("RVA 0x%x is not backed by any section", rva)
}

func (im *Image) u32(rva uint32) (uint32, error) {
	var b [4]byte
	if err := im.readRVA(rva, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
