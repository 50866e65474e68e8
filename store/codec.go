package store

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	// compressionThreshold is the minimum value size before compression
	// is considered.
	compressionThreshold = 4 * 1024

	// maxDecompressedSize is the hard cap during decompression to
	// prevent compression bombs.
	maxDecompressedSize = 128 * 1024 * 1024
)

// Value encodings stored in the entry envelope.
const (
	encodingIdentity uint8 = 0
	encodingZstd     uint8 = 1
)

// ErrDecompressionBomb is returned when a decompressed value exceeds the
// size cap.
var ErrDecompressionBomb = errors.New("decompressed value exceeds maximum size")

// codec compresses large values with zstd before they enter the backing
// store. Small or incompressible values are stored as-is.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec() (*codec, error) {
	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(maxDecompressedSize))
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &codec{encoder: encoder, decoder: decoder}, nil
}

func (c *codec) close() {
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// encode compresses value when beneficial, returning the stored bytes and
// the encoding marker.
func (c *codec) encode(value []byte) ([]byte, uint8) {
	if len(value) < compressionThreshold || c.encoder == nil {
		return value, encodingIdentity
	}
	compressed := c.encoder.EncodeAll(value, nil)
	if len(compressed) >= len(value) {
		return value, encodingIdentity
	}
	return compressed, encodingZstd
}

// decode reverses encode.
func (c *codec) decode(data []byte, encoding uint8) ([]byte, error) {
	switch encoding {
	case encodingIdentity:
		return data, nil
	case encodingZstd:
		if c.decoder == nil {
			return nil, errors.New("decoder not initialized")
		}
		decompressed, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing value: %w", err)
		}
		if len(decompressed) > maxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		return decompressed, nil
	default:
		return nil, fmt.Errorf("unsupported value encoding: %d", encoding)
	}
}
