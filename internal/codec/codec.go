// Package codec provides the pluggable, reversible transform applied to
// chunk bytes on their way to and from disk. The identity codec is the
// default; LZ4 block compression is available where spill volume matters.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Codec is a reversible byte transform. Decode(Encode(p)) must equal p for
// every input.
type Codec interface {
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
	Name() string
}

// New returns the codec for the given config name.
func New(name string) (Codec, error) {
	switch name {
	case "identity", "none", "":
		return Identity{}, nil
	case "lz4":
		return LZ4{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// Identity returns a copy of its input unchanged.
type Identity struct{}

func (Identity) Encode(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

func (Identity) Decode(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

func (Identity) Name() string { return "identity" }

// lz4FrameHeaderSize is the length prefix recording the uncompressed size.
const lz4FrameHeaderSize = 8

// maxDecodedSize bounds the allocation a frame header can demand. A corrupt
// header must fail decode, not exhaust memory.
const maxDecodedSize = 1 << 30

// LZ4 applies LZ4 block compression with an explicit uncompressed-length
// prefix. Incompressible inputs are stored raw (compressed length zero
// marks the raw form).
type LZ4 struct{}

func (LZ4) Encode(src []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(src))
	buf := make([]byte, lz4FrameHeaderSize+bound)
	binary.BigEndian.PutUint64(buf[:lz4FrameHeaderSize], uint64(len(src)))

	n, err := lz4.CompressBlock(src, buf[lz4FrameHeaderSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(src) {
		// Incompressible: store raw.
		raw := make([]byte, lz4FrameHeaderSize+len(src))
		binary.BigEndian.PutUint64(raw[:lz4FrameHeaderSize], 0)
		copy(raw[lz4FrameHeaderSize:], src)
		return raw, nil
	}
	return buf[:lz4FrameHeaderSize+n], nil
}

func (LZ4) Decode(src []byte) ([]byte, error) {
	if len(src) < lz4FrameHeaderSize {
		return nil, fmt.Errorf("lz4 frame too short: %d bytes", len(src))
	}
	size := binary.BigEndian.Uint64(src[:lz4FrameHeaderSize])
	if size > maxDecodedSize {
		return nil, fmt.Errorf("lz4 frame declares %d bytes, limit %d", size, maxDecodedSize)
	}
	body := src[lz4FrameHeaderSize:]
	if size == 0 {
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(body, out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if uint64(n) != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, want %d", n, size)
	}
	return out, nil
}

func (LZ4) Name() string { return "lz4" }
