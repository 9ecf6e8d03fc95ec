package http

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression type constants.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
	CompressionZlib   = "zlib"
	CompressionSnappy = "snappy"
)

// codec pairs an algorithm's encoder and decoder with its HTTP
// Content-Encoding token.
type codec struct {
	encoding string
	encode   func(c *Compressor, data []byte) ([]byte, error)
	decode   func(c *Compressor, data []byte) ([]byte, error)
}

var codecs = map[string]codec{
	CompressionNone: {
		encode: passthrough,
		decode: passthrough,
	},
	CompressionGzip: {
		encoding: "gzip",
		encode: func(_ *Compressor, data []byte) ([]byte, error) {
			return writeAll(data, func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) })
		},
		decode: func(_ *Compressor, data []byte) ([]byte, error) {
			r, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, err
			}
			defer r.Close()

			return io.ReadAll(r)
		},
	},
	CompressionZlib: {
		encoding: "deflate",
		encode: func(_ *Compressor, data []byte) ([]byte, error) {
			return writeAll(data, func(w io.Writer) io.WriteCloser { return zlib.NewWriter(w) })
		},
		decode: func(_ *Compressor, data []byte) ([]byte, error) {
			r, err := zlib.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, err
			}
			defer r.Close()

			return io.ReadAll(r)
		},
	},
	CompressionZstd: {
		encoding: "zstd",
		encode: func(c *Compressor, data []byte) ([]byte, error) {
			return c.encoder.EncodeAll(data, make([]byte, 0, len(data))), nil
		},
		decode: func(c *Compressor, data []byte) ([]byte, error) {
			return c.decoder.DecodeAll(data, nil)
		},
	},
	CompressionSnappy: {
		encoding: "snappy",
		encode: func(_ *Compressor, data []byte) ([]byte, error) {
			return snappy.Encode(nil, data), nil
		},
		decode: func(_ *Compressor, data []byte) ([]byte, error) {
			return snappy.Decode(nil, data)
		},
	},
}

func passthrough(_ *Compressor, data []byte) ([]byte, error) {
	return data, nil
}

func writeAll(data []byte, wrap func(io.Writer) io.WriteCloser) ([]byte, error) {
	var buf bytes.Buffer

	w := wrap(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close: %w", err)
	}

	return buf.Bytes(), nil
}

// Compressor encodes and decodes request bodies with one algorithm.
type Compressor struct {
	algorithm string
	codec     codec
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewCompressor creates a Compressor for algorithm. The empty string means
// no compression.
func NewCompressor(algorithm string) (*Compressor, error) {
	if algorithm == "" {
		algorithm = CompressionNone
	}

	cd, ok := codecs[algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}

	c := &Compressor{algorithm: algorithm, codec: cd}

	// zstd coders are expensive to create, so they live as long as the
	// compressor.
	if algorithm == CompressionZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}

		dec, err := zstd.NewReader(nil)
		if err != nil {
			_ = enc.Close()

			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}

		c.encoder = enc
		c.decoder = dec
	}

	return c, nil
}

// Compress encodes data.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	out, err := c.codec.encode(c, data)
	if err != nil {
		return nil, fmt.Errorf("%s compress: %w", c.algorithm, err)
	}

	return out, nil
}

// Decompress reverses Compress.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	out, err := c.codec.decode(c, data)
	if err != nil {
		return nil, fmt.Errorf("%s decompress: %w", c.algorithm, err)
	}

	return out, nil
}

// ContentEncoding returns the Content-Encoding header value, or "" when
// the body is sent as-is.
func (c *Compressor) ContentEncoding() string {
	return c.codec.encoding
}

// Close releases the zstd coders, if any.
func (c *Compressor) Close() error {
	if c.decoder != nil {
		c.decoder.Close()
	}

	if c.encoder != nil {
		return c.encoder.Close()
	}

	return nil
}
