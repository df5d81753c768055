package minidump

import (
	"bytes"
	"encoding/binary"
	"io"
	"unicode/utf8"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/text/encoding/unicode"

	"github.com/openjdk/revival/segment"
)

// ReadModules reads the module list stream. Each returned segment has Name
// set to the module's path, Addr to its load base and Length to its image
// size. The order is that of the dump.
func (r *Reader) ReadModules() ([]segment.Segment, error) {
	if _, err := r.FindStream(ModuleListStream); err != nil {
		return nil, err
	}
	var count uint32
	if err := r.read(&count); err != nil {
		return nil, errors.Wrap(err, "read module count")
	}
	level.Debug(r.logger).Log("msg", "reading module list", "modules", count)

	mods := make([]segment.Segment, 0, count)
	for i := uint32(0); i < count; i++ {
		var m rawModule
		if err := r.read(&m); err != nil {
			return nil, errors.Wrapf(err, "read module %d of %d", i, count)
		}
		name, err := r.StringAtOffset(m.ModuleNameRva)
		if err != nil {
			return nil, errors.Wrapf(err, "name of module %d at 0x%x", i, m.BaseOfImage)
		}
		mods = append(mods, segment.Segment{
			Addr:   m.BaseOfImage,
			Length: uint64(m.SizeOfImage),
			Name:   name,
		})
		level.Debug(r.logger).Log("msg", "module", "name", name, "base", hex64(m.BaseOfImage), "size", hex32(m.SizeOfImage))
	}
	return mods, nil
}

// StringAtOffset reads a MINIDUMP_STRING (u32 byte length followed by
// UTF-16LE data) at the given RVA and converts it to UTF-8. The current file
// position is restored afterwards.
//
// Lengths above MaxStringBytes, and strings that decode to substantially
// fewer characters than their declared length, are reported as
// ErrCorruptString.
func (r *Reader) StringAtOffset(rva uint32) (string, error) {
	pos, err := r.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", errors.Wrap(err, "save file position")
	}
	s, err := r.stringAt(rva)
	if _, serr := r.f.Seek(pos, io.SeekStart); serr != nil && err == nil {
		err = errors.Wrap(serr, "restore file position")
	}
	return s, err
}

func (r *Reader) stringAt(rva uint32) (string, error) {
	var hdr [4]byte
	if _, err := r.f.ReadAt(hdr[:], int64(rva)); err != nil {
		return "", errors.Wrapf(err, "read string length at 0x%x", rva)
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxStringBytes {
		return "", errors.Wrapf(ErrCorruptString, "string at 0x%x has length %d, max %d", rva, n, MaxStringBytes)
	}
	if n == 0 {
		return "", nil
	}
	raw := make([]byte, n)
	if _, err := r.f.Seek(int64(rva)+4, io.SeekStart); err != nil {
		return "", errors.Wrapf(err, "seek to string at 0x%x", rva)
	}
	if _, err := r.readFull(raw); err != nil {
		return "", errors.Wrapf(err, "read string at 0x%x", rva)
	}
	return decodeUTF16(raw, rva)
}

// decodeUTF16 converts UTF-16LE bytes to UTF-8, stopping at the first NUL.
func decodeUTF16(raw []byte, rva uint32) (string, error) {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := dec.Bytes(raw)
	if err != nil {
		return "", errors.Wrapf(ErrCorruptString, "string at 0x%x: %v", rva, err)
	}
	if k := bytes.IndexByte(out, 0); k >= 0 {
		out = out[:k]
	}
	want := len(raw) / 2
	if got := utf8.RuneCount(out); got < want/2 {
		return "", errors.Wrapf(ErrCorruptString, "string at 0x%x decoded to %d characters, expected %d", rva, got, want)
	}
	return string(out), nil
}
