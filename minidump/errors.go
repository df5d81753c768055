package minidump

import "github.com/pkg/errors"

var (
	ErrNotFound       = errors.New("minidump: file not found")
	ErrBadHeader      = errors.New("minidump: bad header")
	ErrStreamNotFound = errors.New("minidump: stream not found")
	ErrCorruptString  = errors.New("minidump: corrupt string")
	ErrNotMapped      = errors.New("minidump: address not in any memory range")
)
