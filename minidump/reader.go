// Package minidump reads the parts of a Windows minidump needed to rebuild
// the dumped process's address space: the stream directory, the module list
// and the Memory64 list.
//
// A Reader is stateful. FindStream leaves the file positioned at the start of
// the stream it found, and the caller must consume that stream before
// looking up another one.
package minidump

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// File is the subset of afero.File used by Reader.
type File interface {
	io.Reader
	io.Seeker
	io.ReaderAt
	io.Closer
}

// Reader reads a minidump file.
type Reader struct {
	Header Header

	f       File
	name    string
	size    int64
	modTime time.Time
	logger  log.Logger

	// Memory64 list iteration state.
	memPrepared  bool
	memRemaining uint64
	memCursor    uint64 // file offset of the next range's data

	ranges   []rangeAt // cached by MemoryRanges
	shortRds int       // short reads retried, for diagnostics
}

type rangeAt struct {
	addr, size, off uint64
}

// Open opens the named minidump on fs and reads its header.
func Open(fs afero.Fs, name string, logger log.Logger) (*Reader, error) {
	f, err := fs.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrNotFound, name)
		}
		return nil, errors.Wrapf(err, "open minidump %s", name)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat minidump %s", name)
	}
	r, err := NewReader(f, name, st.Size(), st.ModTime(), logger)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// NewReader reads the minidump header from f. The reader takes ownership
// of f and closes it in Close.
func NewReader(f File, name string, size int64, modTime time.Time, logger log.Logger) (*Reader, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	r := &Reader{
		f:       f,
		name:    name,
		size:    size,
		modTime: modTime,
		logger:  log.With(logger, "minidump", name),
	}
	if _, err := r.f.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "seek to minidump header")
	}
	if err := r.read(&r.Header); err != nil {
		return nil, errors.Wrapf(ErrBadHeader, "%s: short header: %v", name, err)
	}
	if r.Header.Signature != Signature {
		level.Warn(r.logger).Log("msg", "unexpected minidump signature, file may not be a minidump",
			"signature", hex32(r.Header.Signature), "want", hex32(Signature))
	}
	level.Debug(r.logger).Log("msg", "read minidump header",
		"streams", r.Header.NumberOfStreams,
		"directory", hex32(r.Header.StreamDirectoryRva),
		"flags", hex64(r.Header.Flags))
	return r, nil
}

// Name returns the file name the reader was opened with.
func (r *Reader) Name() string { return r.name }

// Size returns the size of the minidump file in bytes.
func (r *Reader) Size() int64 { return r.size }

// ModTime returns the modification time of the minidump file.
func (r *Reader) ModTime() time.Time { return r.modTime }

// Timestamp returns the time the dump was written, from the header.
func (r *Reader) Timestamp() time.Time {
	return time.Unix(int64(r.Header.TimeDateStamp), 0)
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// FindStream scans the stream directory for the first stream of the given
// type. On success the file is positioned at the start of the stream's
// payload.
func (r *Reader) FindStream(typ StreamType) (DirectoryEntry, error) {
	if _, err := r.f.Seek(int64(r.Header.StreamDirectoryRva), io.SeekStart); err != nil {
		return DirectoryEntry{}, errors.Wrap(err, "seek to stream directory")
	}
	for i := uint32(0); i < r.Header.NumberOfStreams; i++ {
		var e DirectoryEntry
		if err := r.read(&e); err != nil {
			return DirectoryEntry{}, errors.Wrapf(err, "read stream directory entry %d", i)
		}
		if e.StreamType != typ {
			continue
		}
		level.Debug(r.logger).Log("msg", "found stream", "type", typ, "rva", hex32(e.Rva), "size", e.DataSize)
		if _, err := r.f.Seek(int64(e.Rva), io.SeekStart); err != nil {
			return DirectoryEntry{}, errors.Wrapf(err, "seek to %s stream", typ)
		}
		return e, nil
	}
	return DirectoryEntry{}, errors.Wrap(ErrStreamNotFound, typ.String())
}

// SystemInfo returns the processor architecture recorded in the dump.
func (r *Reader) SystemInfo() (Arch, error) {
	if _, err := r.FindStream(SystemInfoStream); err != nil {
		return 0, err
	}
	var arch uint16
	if err := r.read(&arch); err != nil {
		return 0, errors.Wrap(err, "read system info")
	}
	return Arch(arch), nil
}

// read reads a fixed-size little-endian structure from the current position.
func (r *Reader) read(v interface{}) error {
	buf := make([]byte, binary.Size(v))
	if _, err := r.readFull(buf); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

// readFull reads len(p) bytes from the current position. The file may
// return fewer bytes than requested without an error; such reads are
// retried in place until p is full or the file really ends.
func (r *Reader) readFull(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		m, err := r.f.Read(p[n:])
		n += m
		if n == len(p) {
			return n, nil
		}
		if err == io.EOF {
			if n == 0 {
				return 0, io.EOF
			}
			return n, io.ErrUnexpectedEOF
		}
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, io.ErrNoProgress
		}
		r.shortRds++
	}
	return n, nil
}

func hex32(v uint32) string { return "0x" + strconv.FormatUint(uint64(v), 16) }
func hex64(v uint64) string { return "0x" + strconv.FormatUint(v, 16) }
