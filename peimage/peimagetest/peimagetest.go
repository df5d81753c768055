// Package peimagetest builds minimal PE32+ images for tests.
package peimagetest

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"sort"

	"github.com/spf13/afero"
)

// Section is one section of the image.
type Section struct {
	Name           string
	VirtualAddress uint32
	VirtualSize    uint32
	Data           []byte
}

// Image describes a PE32+ DLL.
type Image struct {
	ImageBase   uint64
	SizeOfImage uint32
	Sections    []Section
	// Exports maps exported names to RVAs. A non-empty map adds an .edata
	// section after the last section.
	Exports map[string]uint32
	// IATSize, if set, points the IAT data directory at the start of .rdata.
	IATSize uint32
}

const (
	peOffset   = 0x40
	headerSize = 0x400
	fileAlign  = 0x200
	sectAlign  = 0x1000
)

// Bytes encodes im.
func (im Image) Bytes() []byte {
	sections := append([]Section(nil), im.Sections...)

	var oh pe.OptionalHeader64
	oh.Magic = 0x20b
	oh.ImageBase = im.ImageBase
	oh.SectionAlignment = sectAlign
	oh.FileAlignment = fileAlign
	oh.SizeOfHeaders = headerSize
	oh.NumberOfRvaAndSizes = 16

	if len(im.Exports) > 0 {
		va := uint32(sectAlign)
		for _, s := range sections {
			if end := align(s.VirtualAddress+s.VirtualSize, sectAlign); end > va {
				va = end
			}
		}
		data := exportDirectory(va, im.Exports)
		sections = append(sections, Section{Name: ".edata", VirtualAddress: va, VirtualSize: uint32(len(data)), Data: data})
		oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT] = pe.DataDirectory{VirtualAddress: va, Size: uint32(len(data))}
	}
	if im.IATSize > 0 {
		for _, s := range sections {
			if s.Name == ".rdata" {
				oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_IAT] = pe.DataDirectory{VirtualAddress: s.VirtualAddress, Size: im.IATSize}
			}
		}
	}
	oh.SizeOfImage = im.SizeOfImage
	if oh.SizeOfImage == 0 {
		for _, s := range sections {
			if end := align(s.VirtualAddress+s.VirtualSize, sectAlign); end > oh.SizeOfImage {
				oh.SizeOfImage = end
			}
		}
	}

	fh := pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     uint16(len(sections)),
		SizeOfOptionalHeader: uint16(binary.Size(oh)),
		Characteristics:      pe.IMAGE_FILE_DLL | pe.IMAGE_FILE_EXECUTABLE_IMAGE,
	}

	var b bytes.Buffer
	dos := make([]byte, peOffset)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], peOffset)
	b.Write(dos)
	b.WriteString("PE\x00\x00")
	binary.Write(&b, binary.LittleEndian, fh)
	binary.Write(&b, binary.LittleEndian, oh)

	off := uint32(headerSize)
	for _, s := range sections {
		var sh pe.SectionHeader32
		copy(sh.Name[:], s.Name)
		sh.VirtualAddress = s.VirtualAddress
		sh.VirtualSize = s.VirtualSize
		sh.SizeOfRawData = align(uint32(len(s.Data)), fileAlign)
		sh.PointerToRawData = off
		off += sh.SizeOfRawData
		binary.Write(&b, binary.LittleEndian, sh)
	}
	b.Write(make([]byte, headerSize-b.Len()))
	for _, s := range sections {
		b.Write(s.Data)
		b.Write(make([]byte, align(uint32(len(s.Data)), fileAlign)-uint32(len(s.Data))))
	}
	return b.Bytes()
}

// WriteFile writes im to name on fs.
func (im Image) WriteFile(fs afero.Fs, name string) error {
	return afero.WriteFile(fs, name, im.Bytes(), 0o644)
}

// exportDirectory lays out an IMAGE_EXPORT_DIRECTORY and its tables for a
// section starting at va.
func exportDirectory(va uint32, exports map[string]uint32) []byte {
	names := make([]string, 0, len(exports))
	for n := range exports {
		names = append(names, n)
	}
	sort.Strings(names)
	n := uint32(len(names))

	funcs := va + 40
	nameTab := funcs + 4*n
	ords := nameTab + 4*n
	strs := ords + 2*n

	var str bytes.Buffer
	nameRvas := make([]uint32, n)
	for i, name := range names {
		nameRvas[i] = strs + uint32(str.Len())
		str.WriteString(name)
		str.WriteByte(0)
	}

	var b bytes.Buffer
	le := func(v interface{}) { binary.Write(&b, binary.LittleEndian, v) }
	le(uint32(0)) // Characteristics
	le(uint32(0)) // TimeDateStamp
	le(uint16(0)) // MajorVersion
	le(uint16(0)) // MinorVersion
	le(uint32(0)) // Name
	le(uint32(1)) // Base
	le(n)         // NumberOfFunctions
	le(n)         // NumberOfNames
	le(funcs)
	le(nameTab)
	le(ords)
	for _, name := range names {
		le(exports[name])
	}
	le(nameRvas)
	for i := range names {
		le(uint16(i))
	}
	b.Write(str.Bytes())
	return b.Bytes()
}

func align(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}
