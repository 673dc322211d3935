package rpc

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// Chunk compression names.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

// errIncompressible means compression would not shrink the chunk; the
// chunk is sent uncompressed instead.
var errIncompressible = errors.New("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("rpc: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("rpc: zstd decoder initialization failed: " + err.Error())
	}
}

// ValidCompression reports whether name is a known compression.
func ValidCompression(name string) bool {
	switch name {
	case CompressionNone, CompressionZstd, CompressionLZ4:
		return true
	}
	return false
}

// CompressChunk compresses data and returns the compression actually
// used, which is "none" when compressing does not help.
func CompressChunk(data []byte, name string) ([]byte, string, error) {
	var (
		out []byte
		err error
	)
	switch name {
	case CompressionNone, "":
		return data, CompressionNone, nil
	case CompressionZstd:
		out = zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			err = errIncompressible
		}
	case CompressionLZ4:
		out, err = compressLZ4(data)
	default:
		return nil, "", fmt.Errorf("unsupported compression %q", name)
	}
	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, "", err
	}
	return out, name, nil
}

// DecompressChunk reverses CompressChunk; size is the uncompressed length.
func DecompressChunk(data []byte, name string, size int) ([]byte, error) {
	switch name {
	case CompressionNone, "":
		if len(data) != size {
			return nil, fmt.Errorf("chunk size %d does not match expected %d", len(data), size)
		}
		return data, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	case CompressionLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported compression %q", name)
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

// Digest is the BLAKE3 hex digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
