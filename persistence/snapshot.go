// Package persistence implements the snapshot container: a sectioned binary
// file with per-section compression and CRC32 integrity checks, written with
// atomic replacement so a crashed save never clobbers the previous snapshot.
package persistence

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// fileHeader is the fixed 12-byte header at the start of every snapshot.
type fileHeader struct {
	Magic   uint32
	Version uint32
	Codec   uint8
	Pad     [3]byte
}

// sectionHeader precedes every section payload.
type sectionHeader struct {
	ID              uint8
	Pad             [3]byte
	UncompressedLen uint64
	StoredLen       uint64
	Checksum        uint32 // CRC32 of the stored (possibly compressed) payload
}

// SnapshotWriter writes a sectioned snapshot container.
type SnapshotWriter struct {
	w     io.Writer
	codec Codec
}

// NewSnapshotWriter writes the container header and returns a writer for the
// sections.
func NewSnapshotWriter(w io.Writer, codec Codec) (*SnapshotWriter, error) {
	header := fileHeader{Magic: MagicNumber, Version: Version, Codec: uint8(codec)}
	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	return &SnapshotWriter{w: w, codec: codec}, nil
}

// WriteSection buffers the component's serialized form, compresses it, and
// appends it as a checksummed section.
func (sw *SnapshotWriter) WriteSection(id uint8, src io.WriterTo) error {
	var buf bytes.Buffer
	if _, err := src.WriteTo(&buf); err != nil {
		return fmt.Errorf("persistence: serialize section %d: %w", id, err)
	}
	return sw.WriteSectionBytes(id, buf.Bytes())
}

// WriteSectionBytes appends raw bytes as a checksummed section.
func (sw *SnapshotWriter) WriteSectionBytes(id uint8, data []byte) error {
	stored, err := compress(sw.codec, data)
	if err != nil {
		return err
	}

	header := sectionHeader{
		ID:              id,
		UncompressedLen: uint64(len(data)),
		StoredLen:       uint64(len(stored)),
	}

	cw := NewChecksumWriter(io.Discard)
	_, _ = cw.Write(stored)
	header.Checksum = cw.Sum()

	if err := binary.Write(sw.w, binary.LittleEndian, &header); err != nil {
		return err
	}
	if _, err := sw.w.Write(stored); err != nil {
		return err
	}

	return nil
}

// SnapshotReader reads a sectioned snapshot container.
type SnapshotReader struct {
	r     io.Reader
	codec Codec
}

// OpenSnapshot validates the container header and returns a section reader.
func OpenSnapshot(r io.Reader) (*SnapshotReader, error) {
	var header fileHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	if header.Magic != MagicNumber {
		return nil, fmt.Errorf("%w: got 0x%08x", ErrInvalidMagic, header.Magic)
	}
	if header.Version != Version {
		return nil, fmt.Errorf("%w: got 0x%08x", ErrInvalidVersion, header.Version)
	}
	return &SnapshotReader{r: r, codec: Codec(header.Codec)}, nil
}

// Codec returns the codec recorded in the container header.
func (sr *SnapshotReader) Codec() Codec { return sr.codec }

// NextSection reads, verifies and decompresses the next section. Returns
// io.EOF after the last section.
func (sr *SnapshotReader) NextSection() (uint8, []byte, error) {
	var header sectionHeader
	if err := binary.Read(sr.r, binary.LittleEndian, &header); err != nil {
		return 0, nil, err
	}

	stored := make([]byte, header.StoredLen)
	cr := NewChecksumReader(sr.r)
	if _, err := io.ReadFull(cr, stored); err != nil {
		return header.ID, nil, err
	}
	if err := cr.Verify(header.Checksum); err != nil {
		return header.ID, nil, err
	}

	data, err := decompress(sr.codec, stored, int(header.UncompressedLen))
	if err != nil {
		return header.ID, nil, err
	}

	return header.ID, data, nil
}

// ReadSections walks every section and dispatches it to the matching
// handler. Sections without a handler are skipped, which lets old readers
// tolerate new section types.
func ReadSections(r io.Reader, handlers map[uint8]func(io.Reader) error) error {
	sr, err := OpenSnapshot(r)
	if err != nil {
		return err
	}

	for {
		id, data, err := sr.NextSection()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		handler, ok := handlers[id]
		if !ok {
			continue
		}
		if err := handler(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("persistence: load section %d: %w", id, err)
		}
	}
}
