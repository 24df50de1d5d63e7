// Package codec turns values into stored bytes and back.
//
// Serialization supports three formats (json, cbor, msgpack) plus "auto",
// which benchmarks the candidates for each Go type once and remembers the
// winner. Compression is threshold-gated and framed with a one byte algorithm
// tag, so Decompress(Compress(b)) == b for every input and every configuration.
package codec

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/klauspost/compress/zstd"
	ugorji "github.com/ugorji/go/codec"

	dErrors "bastion/pkg/domain-errors"
)

// Format names a serialization format.
type Format string

const (
	FormatJSON    Format = "json"
	FormatCBOR    Format = "cbor"
	FormatMsgpack Format = "msgpack"
	FormatAuto    Format = "auto"
)

// Formats lists the concrete formats in preference order for ties.
var Formats = []Format{FormatMsgpack, FormatCBOR, FormatJSON}

// IsValid reports whether f is a concrete format or auto.
func (f Format) IsValid() bool {
	switch f {
	case FormatJSON, FormatCBOR, FormatMsgpack, FormatAuto:
		return true
	}
	return false
}

// Config selects the codec behaviour.
type Config struct {
	Format           Format
	Compression      Compression
	CompressionLevel int
	ThresholdBytes   int
	// MaxDecodedBytes caps what one frame may decompress to. Zero means
	// 64 MiB. The cache sets it to its max entry size.
	MaxDecodedBytes int
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Format:           FormatMsgpack,
		Compression:      CompressionZstd,
		CompressionLevel: 3,
		ThresholdBytes:   1024,
	}
}

// Codec serializes and compresses cache payloads. Safe for concurrent use.
type Codec struct {
	cfg     Config
	logger  *slog.Logger
	cbor    *ugorji.CborHandle
	msgpack *ugorji.MsgpackHandle
	zenc    *zstd.Encoder
	zdec    *zstd.Decoder

	autoChoice sync.Map // reflect.Type -> Format
	stats      Stats
}

// Option configures a Codec.
type Option func(*Codec)

// WithLogger sets the logger used for fallback warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Codec) {
		c.logger = logger
	}
}

// New validates cfg and prepares format handles and compressors.
func New(cfg Config, opts ...Option) (*Codec, error) {
	if cfg.Format == "" {
		cfg.Format = FormatMsgpack
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressionNone
	}
	if !cfg.Format.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown serialization format %q", cfg.Format)
	}
	if !cfg.Compression.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown compression algorithm %q", cfg.Compression)
	}
	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = 3
	}
	if cfg.Compression == CompressionZstd && (cfg.CompressionLevel < 1 || cfg.CompressionLevel > 22) {
		return nil, dErrors.Newf(dErrors.CodeValidation, "zstd level must be within 1..22, got %d", cfg.CompressionLevel)
	}
	if cfg.ThresholdBytes < 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "compression threshold cannot be negative")
	}
	if cfg.MaxDecodedBytes < 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "max decoded size cannot be negative")
	}
	if cfg.MaxDecodedBytes == 0 {
		cfg.MaxDecodedBytes = defaultMaxDecoded
	}

	c := &Codec{
		cfg:     cfg,
		logger:  slog.Default(),
		cbor:    newCBORHandle(),
		msgpack: newMsgpackHandle(),
	}
	for _, opt := range opts {
		opt(c)
	}

	zenc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(zstdLevel(cfg))))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	zdec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(uint64(cfg.MaxDecodedBytes)),
	)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	c.zenc = zenc
	c.zdec = zdec

	return c, nil
}

// Close releases compressor resources.
func (c *Codec) Close() {
	_ = c.zenc.Close()
	c.zdec.Close()
}

// Config returns the effective configuration.
func (c *Codec) Config() Config { return c.cfg }

// Serialize encodes v in the configured format, resolving auto per type.
// The returned format must be stored alongside the bytes.
func (c *Codec) Serialize(v any) ([]byte, Format, error) {
	format := c.cfg.Format
	if format == FormatAuto {
		format = c.formatFor(v)
	}
	data, err := c.SerializeAs(format, v)
	return data, format, err
}

// SerializeAs encodes v in an explicit format.
func (c *Codec) SerializeAs(format Format, v any) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = dErrors.Newf(dErrors.CodeSerialization, "%s encode panicked: %v", format, r)
		}
		c.stats.recordSerialize(len(data), err)
	}()

	switch format {
	case FormatJSON:
		data, err = encodeJSON(v)
	case FormatCBOR:
		data, err = encodeUgorji(c.cbor, v)
	case FormatMsgpack:
		data, err = encodeUgorji(c.msgpack, v)
	default:
		return nil, dErrors.Newf(dErrors.CodeSerialization, "cannot serialize with format %q", format)
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeSerialization, fmt.Sprintf("%s encode", format))
	}
	return data, nil
}

// Deserialize decodes data written in format into out, which must be a pointer.
// Malformed input yields a serialization error and never panics.
func (c *Codec) Deserialize(format Format, data []byte, out any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = dErrors.Newf(dErrors.CodeSerialization, "%s decode panicked: %v", format, r)
		}
		c.stats.recordDeserialize(err)
	}()

	if out == nil || reflect.ValueOf(out).Kind() != reflect.Pointer {
		return dErrors.New(dErrors.CodeSerialization, "deserialize target must be a non-nil pointer")
	}

	switch format {
	case FormatJSON:
		err = decodeJSON(data, out)
	case FormatCBOR:
		err = decodeUgorji(c.cbor, data, out)
	case FormatMsgpack:
		err = decodeUgorji(c.msgpack, data, out)
	default:
		return dErrors.Newf(dErrors.CodeSerialization, "cannot deserialize format %q", format)
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeSerialization, fmt.Sprintf("%s decode", format))
	}
	return nil
}

// Stats returns a snapshot of the codec counters.
func (c *Codec) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

func (c *Codec) formatFor(v any) Format {
	t := reflect.TypeOf(v)
	if t == nil {
		return FormatJSON
	}
	if f, ok := c.autoChoice.Load(t); ok {
		return f.(Format)
	}
	f := c.AutoDetect(v)
	c.autoChoice.Store(t, f)
	return f
}

func zstdLevel(cfg Config) int {
	if cfg.Compression != CompressionZstd {
		return 3
	}
	return cfg.CompressionLevel
}
