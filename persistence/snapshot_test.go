package persistence

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blob []byte

func (b blob) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b)
	return int64(n), err
}

func TestSnapshotRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		codec Codec
	}{
		{name: "none", codec: CodecNone},
		{name: "lz4", codec: CodecLZ4},
		{name: "zstd", codec: CodecZSTD},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payloadA := bytes.Repeat([]byte("vectors and edges "), 500)
			payloadB := []byte{0x01, 0x02, 0x03}

			var buf bytes.Buffer
			sw, err := NewSnapshotWriter(&buf, tt.codec)
			require.NoError(t, err)
			require.NoError(t, sw.WriteSection(SectionVectorStore, blob(payloadA)))
			require.NoError(t, sw.WriteSectionBytes(SectionIndex, payloadB))

			var gotA, gotB []byte
			err = ReadSections(&buf, map[uint8]func(io.Reader) error{
				SectionVectorStore: func(r io.Reader) error {
					gotA, _ = io.ReadAll(r)
					return nil
				},
				SectionIndex: func(r io.Reader) error {
					gotB, _ = io.ReadAll(r)
					return nil
				},
			})
			require.NoError(t, err)
			assert.Equal(t, payloadA, gotA)
			assert.Equal(t, payloadB, gotB)
		})
	}
}

func TestSnapshotSkipsUnknownSections(t *testing.T) {
	var buf bytes.Buffer
	sw, err := NewSnapshotWriter(&buf, CodecZSTD)
	require.NoError(t, err)
	require.NoError(t, sw.WriteSectionBytes(99, []byte("future data")))
	require.NoError(t, sw.WriteSectionBytes(SectionManifest, []byte("manifest")))

	var got []byte
	err = ReadSections(&buf, map[uint8]func(io.Reader) error{
		SectionManifest: func(r io.Reader) error {
			got, _ = io.ReadAll(r)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("manifest"), got)
}

func TestSnapshotDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	sw, err := NewSnapshotWriter(&buf, CodecNone)
	require.NoError(t, err)
	require.NoError(t, sw.WriteSectionBytes(SectionIndex, bytes.Repeat([]byte("x"), 128)))

	// Flip a payload byte past the headers.
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xff

	sr, err := OpenSnapshot(bytes.NewReader(raw))
	require.NoError(t, err)

	_, _, err = sr.NextSection()
	var mismatch *ChecksumMismatchError
	assert.ErrorAs(t, err, &mismatch)
}

func TestSnapshotRejectsBadMagic(t *testing.T) {
	_, err := OpenSnapshot(bytes.NewReader(make([]byte, 32)))
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestSaveLoadFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.spx")

	require.NoError(t, SaveToFile(path, func(w io.Writer) error {
		_, err := w.Write([]byte("first"))
		return err
	}))

	// Overwrite; readers must never observe a partial file.
	require.NoError(t, SaveToFile(path, func(w io.Writer) error {
		_, err := w.Write([]byte("second"))
		return err
	}))

	var got []byte
	require.NoError(t, LoadFromFile(path, func(r io.Reader) error {
		var err error
		got, err = io.ReadAll(r)
		return err
	}))
	assert.Equal(t, []byte("second"), got)
}
