package persistence

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec selects the per-section compression algorithm.
type Codec uint8

const (
	// CodecNone stores sections uncompressed.
	CodecNone Codec = 0
	// CodecLZ4 is fast with a modest ratio; good for frequently written
	// snapshots.
	CodecLZ4 Codec = 1
	// CodecZSTD has the better ratio; the default for snapshots that are
	// written once per sync interval.
	CodecZSTD Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// Encoder/decoder pools keep zstd window allocations off the snapshot path.
var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// compress encodes data with the codec. An empty result from an
// incompressible lz4 input falls back to storing raw; the caller records the
// stored size so decompress can tell the cases apart.
func compress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil

	case CodecLZ4:
		bound := lz4.CompressBlockBound(len(data))
		dst := make([]byte, bound)
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, err
		}
		if n == 0 || n >= len(data) {
			return data, nil
		}
		return dst[:n], nil

	case CodecZSTD:
		enc := getZstdEncoder()
		defer zstdEncoderPool.Put(enc)
		out := enc.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return data, nil
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, codec)
	}
}

// decompress decodes a stored section payload. Payloads whose stored size
// equals the uncompressed size are raw regardless of codec.
func decompress(codec Codec, data []byte, uncompressedLen int) ([]byte, error) {
	if len(data) == uncompressedLen {
		return data, nil
	}

	switch codec {
	case CodecNone:
		return nil, errors.New("persistence: raw section with mismatched length")

	case CodecLZ4:
		dst := make([]byte, uncompressedLen)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, err
		}
		if n != uncompressedLen {
			return nil, errors.New("persistence: lz4 size mismatch")
		}
		return dst, nil

	case CodecZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(data, make([]byte, 0, uncompressedLen))
		if err != nil {
			return nil, err
		}
		if len(out) != uncompressedLen {
			return nil, errors.New("persistence: zstd size mismatch")
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, codec)
	}
}
