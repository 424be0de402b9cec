package metadb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB
)

// Record encodings, stored as the first byte of an encoded record.
const (
	encodingIdentity byte = 0
	encodingZstd     byte = 1
)

var (
	// ErrPayloadTooLarge is returned when payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")
)

// Codec encodes records with optional zstd compression.
// Encoder and decoder are goroutine-safe and can be reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a new codec with a shared zstd encoder and decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode prefixes data with its encoding, compressing it when that pays off.
func (c *Codec) Encode(data []byte) ([]byte, error) {
	if len(data) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if len(data) >= CompressionThreshold && enc != nil {
		compressed := enc.EncodeAll(data, []byte{encodingZstd})
		if len(compressed) < len(data)+1 {
			return compressed, nil
		}
	}

	out := make([]byte, 0, len(data)+1)
	out = append(out, encodingIdentity)
	return append(out, data...), nil
}

// Decode reverses Encode.
func (c *Codec) Decode(record []byte) ([]byte, error) {
	if len(record) == 0 {
		return nil, errors.New("empty record")
	}

	payload := record[1:]
	switch record[0] {
	case encodingIdentity:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case encodingZstd:
	default:
		return nil, fmt.Errorf("unsupported encoding: %d", record[0])
	}

	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()

	if dec == nil {
		return nil, errors.New("decoder not initialized")
	}

	decompressed, err := dec.DecodeAll(payload, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return nil, ErrDecompressionBomb
		}
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if len(decompressed) > MaxPayloadSize {
		return nil, ErrDecompressionBomb
	}

	return decompressed, nil
}
