package minidump

import (
	"encoding/binary"
	"strconv"
)

// See https://learn.microsoft.com/en-us/windows/win32/api/minidumpapiset/
// for the structures below. All of them are little-endian and packed.

// Signature is the value of Header.Signature in a valid minidump ('MDMP').
const Signature = 0x504d444d

// MaxUserAddress is the first address above the user-mode part of a
// 64-bit Windows address space. Memory ranges at or above it belong to the
// kernel and end the memory-range enumeration.
const MaxUserAddress = 0x7fffffff0000

// MaxStringBytes bounds the length of strings embedded in the dump.
const MaxStringBytes = 1024

// StreamType identifies a stream in the minidump directory.
type StreamType uint32

const (
	ThreadListStream     StreamType = 3
	ModuleListStream     StreamType = 4
	MemoryListStream     StreamType = 5
	ExceptionStream      StreamType = 6
	SystemInfoStream     StreamType = 7
	Memory64ListStream   StreamType = 9
	MiscInfoStream       StreamType = 15
	MemoryInfoListStream StreamType = 16
)

func (t StreamType) String() string {
	switch t {
	case ThreadListStream:
		return "ThreadList"
	case ModuleListStream:
		return "ModuleList"
	case MemoryListStream:
		return "MemoryList"
	case ExceptionStream:
		return "Exception"
	case SystemInfoStream:
		return "SystemInfo"
	case Memory64ListStream:
		return "Memory64List"
	case MiscInfoStream:
		return "MiscInfo"
	case MemoryInfoListStream:
		return "MemoryInfoList"
	}
	return "Stream(" + strconv.Itoa(int(t)) + ")"
}

// Arch is MINIDUMP_SYSTEM_INFO.ProcessorArchitecture.
type Arch uint16

const (
	ArchX86   Arch = 0
	ArchARM   Arch = 5
	ArchAMD64 Arch = 9
	ArchARM64 Arch = 12
)

func (a Arch) String() string {
	switch a {
	case ArchX86:
		return "x86"
	case ArchARM:
		return "arm"
	case ArchAMD64:
		return "amd64"
	case ArchARM64:
		return "arm64"
	}
	return "arch(" + strconv.Itoa(int(a)) + ")"
}

// Header is MINIDUMP_HEADER.
type Header struct {
	Signature          uint32
	Version            uint16
	ImplVersion        uint16
	NumberOfStreams    uint32
	StreamDirectoryRva uint32
	CheckSum           uint32
	TimeDateStamp      uint32
	Flags              uint64
}

// DirectoryEntry is MINIDUMP_DIRECTORY.
type DirectoryEntry struct {
	StreamType StreamType
	DataSize   uint32
	Rva        uint32
}

type locationDescriptor struct {
	DataSize uint32
	Rva      uint32
}

// rawModule is MINIDUMP_MODULE.
type rawModule struct {
	BaseOfImage   uint64
	SizeOfImage   uint32
	CheckSum      uint32
	TimeDateStamp uint32
	ModuleNameRva uint32
	VersionInfo   [13]uint32
	CvRecord      locationDescriptor
	MiscRecord    locationDescriptor
	Reserved0     uint64
	Reserved1     uint64
}

// memoryDescriptor64 is MINIDUMP_MEMORY_DESCRIPTOR64.
type memoryDescriptor64 struct {
	StartOfMemoryRange uint64
	DataSize           uint64
}

var (
	headerSize       = binary.Size(Header{})
	directorySize    = binary.Size(DirectoryEntry{})
	moduleSize       = binary.Size(rawModule{})
	descriptor64Size = binary.Size(memoryDescriptor64{})
)
