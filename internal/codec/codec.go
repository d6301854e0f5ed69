// Package codec compresses object payloads before they are appended to a segment.
//
// The codec is chosen per bucket at creation time and recorded on every object
// so the read path can reverse it. Empty payloads are stored as zero bytes
// regardless of codec.
package codec

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies a payload encoding.
type Codec uint8

const (
	None Codec = iota
	Zstd
	LZ4
)

// lz4 payloads carry a one byte frame flag.
const (
	lz4Raw   byte = 0
	lz4Block byte = 1
)

// ErrCorrupt is returned when stored bytes cannot be decoded back to the
// recorded raw size.
var ErrCorrupt = errors.New("corrupt payload")

var (
	encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			return dec
		},
	}
)

// Parse maps a configuration name to a Codec. The empty string means None.
func Parse(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return None, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	default:
		return None, fmt.Errorf("unknown codec %q", name)
	}
}

// String returns the configuration name of c.
func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// Valid reports whether c is a known codec.
func (c Codec) Valid() bool {
	return c <= LZ4
}

// Encode returns the bytes to store for data. The result never aliases data.
func (c Codec) Encode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}

	switch c {
	case None:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil

	case Zstd:
		enc := encoderPool.Get().(*zstd.Encoder)
		defer encoderPool.Put(enc)
		return enc.EncodeAll(data, nil), nil

	case LZ4:
		buf := make([]byte, 1+lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			// Incompressible.
			out := make([]byte, 1+len(data))
			out[0] = lz4Raw
			copy(out[1:], data)
			return out, nil
		}
		buf[0] = lz4Block
		return buf[:1+n], nil

	default:
		return nil, fmt.Errorf("encode: unknown codec %d", uint8(c))
	}
}

// Decode reverses Encode. rawSize is the original payload length.
func (c Codec) Decode(stored []byte, rawSize int64) ([]byte, error) {
	if rawSize == 0 {
		if len(stored) != 0 {
			return nil, fmt.Errorf("%w: %d stored bytes for empty payload", ErrCorrupt, len(stored))
		}
		return []byte{}, nil
	}

	switch c {
	case None:
		if int64(len(stored)) != rawSize {
			return nil, fmt.Errorf("%w: have %d bytes, want %d", ErrCorrupt, len(stored), rawSize)
		}
		return stored, nil

	case Zstd:
		dec := decoderPool.Get().(*zstd.Decoder)
		defer decoderPool.Put(dec)
		out, err := dec.DecodeAll(stored, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		if int64(len(out)) != rawSize {
			return nil, fmt.Errorf("%w: decompressed %d bytes, want %d", ErrCorrupt, len(out), rawSize)
		}
		return out, nil

	case LZ4:
		if len(stored) < 1 {
			return nil, fmt.Errorf("%w: missing lz4 frame flag", ErrCorrupt)
		}
		body := stored[1:]
		switch stored[0] {
		case lz4Raw:
			if int64(len(body)) != rawSize {
				return nil, fmt.Errorf("%w: have %d bytes, want %d", ErrCorrupt, len(body), rawSize)
			}
			return body, nil
		case lz4Block:
			out := make([]byte, rawSize)
			n, err := lz4.UncompressBlock(body, out)
			if err != nil {
				return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
			}
			if int64(n) != rawSize {
				return nil, fmt.Errorf("%w: decompressed %d bytes, want %d", ErrCorrupt, n, rawSize)
			}
			return out, nil
		default:
			return nil, fmt.Errorf("%w: lz4 frame flag %d", ErrCorrupt, stored[0])
		}

	default:
		return nil, fmt.Errorf("decode: unknown codec %d", uint8(c))
	}
}
