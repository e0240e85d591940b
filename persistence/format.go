package persistence

import "errors"

const (
	// MagicNumber identifies snapshot files (ASCII: "SPNX").
	MagicNumber = 0x53504e58
	// Version is the current snapshot format version.
	Version = 0x00010000
)

// Section identifiers inside a snapshot container.
const (
	SectionManifest    uint8 = 1
	SectionVectorStore uint8 = 2
	SectionIndex       uint8 = 3
	SectionIDMap       uint8 = 4
)

var (
	ErrInvalidMagic   = errors.New("invalid magic number")
	ErrInvalidVersion = errors.New("unsupported version")
	ErrUnknownCodec   = errors.New("unknown compression codec")
)
