package peimage

import (
	"bytes"
	"debug/pe"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Export is a named export of the image.
type Export struct {
	Name string
	RVA  uint32
}

// exportDirectory is IMAGE_EXPORT_DIRECTORY.
type exportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

const maxExportName = 512

// Exports returns the named exports of the image in name-table order.
// Forwarded exports are skipped since they do not resolve to code in this
// image.
func (im *Image) Exports() ([]Export, error) {
	dd := im.dataDirectory(pe.IMAGE_DIRECTORY_ENTRY_EXPORT)
	if dd.VirtualAddress == 0 || dd.Size == 0 {
		return nil, nil
	}
	raw := make([]byte, binary.Size(exportDirectory{}))
	if err := im.readRVA(dd.VirtualAddress, raw); err != nil {
		return nil, errors.Wrap(err, "read export directory")
	}
	var dir exportDirectory
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &dir); err != nil {
		return nil, errors.Wrap(err, "decode export directory")
	}

	out := make([]Export, 0, dir.NumberOfNames)
	for i := uint32(0); i < dir.NumberOfNames; i++ {
		nameRVA, err := im.u32(dir.AddressOfNames + 4*i)
		if err != nil {
			return nil, errors.Wrapf(err, "export name %d", i)
		}
		var ob [2]byte
		if err := im.readRVA(dir.AddressOfNameOrdinals+2*i, ob[:]); err != nil {
			return nil, errors.Wrapf(err, "export ordinal %d", i)
		}
		ord := uint32(binary.LittleEndian.Uint16(ob[:]))
		if ord >= dir.NumberOfFunctions {
			return nil, errors.Errorf("export %d has ordinal %d beyond %d functions", i, ord, dir.NumberOfFunctions)
		}
		fn, err := im.u32(dir.AddressOfFunctions + 4*ord)
		if err != nil {
			return nil, errors.Wrapf(err, "export function %d", ord)
		}
		if fn >= dd.VirtualAddress && fn < dd.VirtualAddress+dd.Size {
			continue // forwarder string
		}
		name, err := im.cstring(nameRVA)
		if err != nil {
			return nil, errors.Wrapf(err, "export name %d", i)
		}
		out = append(out, Export{Name: name, RVA: fn})
	}
	return out, nil
}

func (im *Image) cstring(rva uint32) (string, error) {
	buf := make([]byte, maxExportName)
	if err := im.readRVA(rva, buf); err != nil {
		return "", err
	}
	k := bytes.IndexByte(buf, 0)
	if k < 0 {
		return "", errors.Errorf("unterminated name at RVA 0x%x", rva)
	}
	return string(buf[:k]), nil
}
