package server

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// zstdDec is a concurrent-safe zstd decoder shared by all requests.
var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(64<<20),
	)
	if err != nil {
		panic("server: init zstd decoder: " + err.Error())
	}
}

// readBody reads a request body honouring its Content-Encoding. Supports
// gzip, zstd, and identity. Output is limited to maxBytes of decompressed
// data; exceeding the limit returns errBodyTooLarge.
func readBody(body io.Reader, contentEncoding string, maxBytes int64) ([]byte, error) {
	switch contentEncoding {
	case "zstd":
		compressed, err := io.ReadAll(io.LimitReader(body, maxBytes+1))
		if err != nil {
			return nil, fmt.Errorf("read compressed body: %w", err)
		}
		decompressed, err := zstdDec.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress zstd body: %w", err)
		}
		if int64(len(decompressed)) > maxBytes {
			return nil, errBodyTooLarge
		}
		return decompressed, nil

	case "gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("open gzip reader: %w", err)
		}
		defer func() { _ = gz.Close() }()
		data, err := io.ReadAll(io.LimitReader(gz, maxBytes+1))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > maxBytes {
			return nil, errBodyTooLarge
		}
		return data, nil

	case "", "identity":
		data, err := io.ReadAll(io.LimitReader(body, maxBytes+1))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > maxBytes {
			return nil, errBodyTooLarge
		}
		return data, nil

	default:
		return nil, fmt.Errorf("unsupported Content-Encoding: %q", contentEncoding)
	}
}
