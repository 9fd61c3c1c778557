package wal

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec selects how page images are stored in a record.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecLZ4  Codec = 1
	CodecZSTD Codec = 2
)

var ErrUnknownCodec = errors.New("wal: unknown codec")

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

// ParseCodec maps a config value to a Codec. Empty means none.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZSTD, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, s)
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// compressImage returns the stored form of a page image and the codec
// actually used. Images that do not shrink below 90% are stored raw.
func compressImage(img []byte, c Codec) ([]byte, Codec, error) {
	var out []byte
	switch c {
	case CodecNone:
		return img, CodecNone, nil
	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(img)))
		n, err := lz4.CompressBlock(img, buf, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("wal: lz4 compress: %w", err)
		}
		out = buf[:n]
	case CodecZSTD:
		enc := getZstdEncoder()
		out = enc.EncodeAll(img, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, 0, ErrUnknownCodec
	}

	if len(out) == 0 || float64(len(out)) > float64(len(img))*0.9 {
		return img, CodecNone, nil
	}
	return out, c, nil
}

func decompressImage(data []byte, c Codec, rawLen int) ([]byte, error) {
	switch c {
	case CodecNone:
		if len(data) != rawLen {
			return nil, ErrBadRecord
		}
		out := make([]byte, rawLen)
		copy(out, data)
		return out, nil
	case CodecLZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("wal: lz4 decompress: %w", err)
		}
		if n != rawLen {
			return nil, ErrBadRecord
		}
		return out, nil
	case CodecZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(data, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("wal: zstd decompress: %w", err)
		}
		if len(out) != rawLen {
			return nil, ErrBadRecord
		}
		return out, nil
	default:
		return nil, ErrUnknownCodec
	}
}
