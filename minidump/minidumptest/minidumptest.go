// Package minidumptest builds small synthetic minidump files for tests.
package minidumptest

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"

	"github.com/spf13/afero"
)

// Module is an entry of the module list stream.
type Module struct {
	Name string
	Base uint64
	Size uint32
}

// Range is an entry of the Memory64 list stream.
type Range struct {
	Addr uint64
	Data []byte
}

// Dump describes the contents of a synthetic minidump.
type Dump struct {
	Signature uint32 // defaults to 'MDMP'
	Timestamp uint32
	Arch      uint16 // defaults to amd64
	Modules   []Module
	Ranges    []Range
}

const (
	headerSize     = 32
	directorySize  = 12
	systemInfoSize = 56
	moduleSize     = 108
)

// Bytes encodes d as a minidump with a SystemInfo, a ModuleList and a
// Memory64List stream, in that order.
func (d Dump) Bytes() []byte {
	sig := d.Signature
	if sig == 0 {
		sig = 0x504d444d
	}
	arch := d.Arch
	if arch == 0 {
		arch = 9
	}

	dirRva := uint32(headerSize)
	sysRva := dirRva + 3*directorySize
	modRva := sysRva + systemInfoSize
	modSize := 4 + moduleSize*uint32(len(d.Modules))

	var strs bytes.Buffer
	nameRvas := make([]uint32, len(d.Modules))
	strRva := modRva + modSize
	for i, m := range d.Modules {
		nameRvas[i] = strRva + uint32(strs.Len())
		units := utf16.Encode([]rune(m.Name))
		le(&strs, uint32(2*len(units)))
		le(&strs, units)
		le(&strs, uint16(0))
	}

	memRva := strRva + uint32(strs.Len())
	memSize := 16 + 16*uint32(len(d.Ranges))
	dataRva := uint64(memRva + memSize)

	var b bytes.Buffer
	le(&b, sig)
	le(&b, uint16(0xa793))
	le(&b, uint16(0))
	le(&b, uint32(3))
	le(&b, dirRva)
	le(&b, uint32(0))
	le(&b, d.Timestamp)
	le(&b, uint64(0))

	le(&b, [3]uint32{7, systemInfoSize, sysRva})
	le(&b, [3]uint32{4, modSize, modRva})
	le(&b, [3]uint32{9, memSize, memRva})

	sys := make([]byte, systemInfoSize)
	binary.LittleEndian.PutUint16(sys, arch)
	b.Write(sys)

	le(&b, uint32(len(d.Modules)))
	for i, m := range d.Modules {
		le(&b, m.Base)
		le(&b, m.Size)
		le(&b, uint32(0)) // checksum
		le(&b, uint32(0)) // timestamp
		le(&b, nameRvas[i])
		b.Write(make([]byte, moduleSize-24))
	}
	b.Write(strs.Bytes())

	le(&b, uint64(len(d.Ranges)))
	le(&b, dataRva)
	for _, r := range d.Ranges {
		le(&b, r.Addr)
		le(&b, uint64(len(r.Data)))
	}
	for _, r := range d.Ranges {
		b.Write(r.Data)
	}
	return b.Bytes()
}

// DataOffset returns the file offset of the data of range i.
func (d Dump) DataOffset(i int) uint64 {
	raw := d.Bytes()
	off := uint64(len(raw))
	for k := len(d.Ranges) - 1; k >= i; k-- {
		off -= uint64(len(d.Ranges[k].Data))
	}
	return off
}

// WriteFile writes d to name on fs.
func (d Dump) WriteFile(fs afero.Fs, name string) error {
	return afero.WriteFile(fs, name, d.Bytes(), 0o644)
}

// Fill returns n bytes of the repeating byte b.
func Fill(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func le(b *bytes.Buffer, v interface{}) {
	binary.Write(b, binary.LittleEndian, v)
}
