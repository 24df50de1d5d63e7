package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"

	dErrors "bastion/pkg/domain-errors"
)

// Compression names a compression algorithm.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionS2   Compression = "s2"
	CompressionZstd Compression = "zstd"
	CompressionGzip Compression = "gzip"
)

// IsValid reports whether c is a supported algorithm.
func (c Compression) IsValid() bool {
	switch c {
	case CompressionNone, CompressionS2, CompressionZstd, CompressionGzip:
		return true
	}
	return false
}

// Frame tags. The first byte of every compressed payload.
const (
	tagNone byte = iota
	tagS2
	tagZstd
	tagGzip
)

// defaultMaxDecoded bounds inflation of frames read back from shared tiers.
const defaultMaxDecoded = 64 << 20

func tagFor(c Compression) byte {
	switch c {
	case CompressionS2:
		return tagS2
	case CompressionZstd:
		return tagZstd
	case CompressionGzip:
		return tagGzip
	default:
		return tagNone
	}
}

func compressionFor(tag byte) (Compression, bool) {
	switch tag {
	case tagNone:
		return CompressionNone, true
	case tagS2:
		return CompressionS2, true
	case tagZstd:
		return CompressionZstd, true
	case tagGzip:
		return CompressionGzip, true
	}
	return "", false
}

// Compress frames data with the configured algorithm when len(data) reaches
// the threshold. The returned algorithm is the one actually applied: when the
// algorithm fails or does not shrink the payload the frame is identity.
func (c *Codec) Compress(data []byte) ([]byte, Compression) {
	algo := c.cfg.Compression
	if algo == CompressionNone || len(data) < c.cfg.ThresholdBytes {
		return frame(tagNone, data), CompressionNone
	}

	compressed, err := c.compressWith(algo, data)
	if err != nil {
		c.stats.recordCompressionError()
		c.logger.Warn("compression failed, storing uncompressed",
			"algorithm", algo,
			"size", len(data),
			"error", err,
		)
		return frame(tagNone, data), CompressionNone
	}
	if len(compressed) >= len(data) {
		return frame(tagNone, data), CompressionNone
	}

	c.stats.recordCompress(len(data), len(compressed))
	return frame(tagFor(algo), compressed), algo
}

// Decompress reverses Compress. Any framing or algorithm failure is a
// compression_error.
func (c *Codec) Decompress(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		c.stats.recordCompressionError()
		return nil, dErrors.New(dErrors.CodeCompression, "empty frame")
	}
	algo, ok := compressionFor(framed[0])
	if !ok {
		c.stats.recordCompressionError()
		return nil, dErrors.Newf(dErrors.CodeCompression, "unknown frame tag %d", framed[0])
	}
	body := framed[1:]

	var (
		out []byte
		err error
	)
	switch algo {
	case CompressionNone:
		out = append([]byte(nil), body...)
	case CompressionS2:
		out, err = c.s2Decode(body)
	case CompressionZstd:
		out, err = c.zdec.DecodeAll(body, nil)
	case CompressionGzip:
		out, err = gunzip(body, c.cfg.MaxDecodedBytes)
	}
	if err != nil {
		c.stats.recordCompressionError()
		return nil, dErrors.Wrap(err, dErrors.CodeCompression, fmt.Sprintf("%s decode", algo))
	}
	c.stats.recordDecompress()
	return out, nil
}

// s2Decode checks the length header before allocating the output.
func (c *Codec) s2Decode(body []byte) ([]byte, error) {
	n, err := s2.DecodedLen(body)
	if err != nil {
		return nil, err
	}
	if n > c.cfg.MaxDecodedBytes {
		return nil, fmt.Errorf("decoded size %d exceeds %d bytes", n, c.cfg.MaxDecodedBytes)
	}
	return s2.Decode(nil, body)
}

func (c *Codec) compressWith(algo Compression, data []byte) ([]byte, error) {
	switch algo {
	case CompressionS2:
		return s2.Encode(nil, data), nil
	case CompressionZstd:
		return c.zenc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case CompressionGzip:
		return gzipBytes(data, gzipLevel(c.cfg.CompressionLevel))
	}
	return nil, fmt.Errorf("unsupported algorithm %q", algo)
}

func frame(tag byte, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = tag
	copy(out[1:], body)
	return out
}

func gzipLevel(level int) int {
	switch {
	case level < gzip.BestSpeed:
		return gzip.DefaultCompression
	case level > gzip.BestCompression:
		return gzip.BestCompression
	default:
		return level
	}
}

func gzipBytes(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte, limit int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, fmt.Errorf("inflated size exceeds %d bytes", limit)
	}
	return out, nil
}
