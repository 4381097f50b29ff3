package warden

import (
	"bytes"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Content-Encoding tokens the body filter can decode for inspection.
const (
	encodingGzip    = "gzip"
	encodingZstd    = "zstd"
	encodingBrotli  = "br"
	encodingDeflate = "deflate"
)

// decodeExpansionLimit caps how far a compressed body may inflate
// relative to the filter buffer, guarding against decompression bombs.
const decodeExpansionLimit = 4

// decodable reports whether the body filter can decode the given
// Content-Encoding header value. Identity and absent encodings are
// trivially decodable.
func decodable(encoding string) bool {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity", encodingGzip, encodingZstd, encodingBrotli, encodingDeflate:
		return true
	}
	return false
}

// decodeBody inflates a buffered response body according to its
// Content-Encoding so filters see the real payload. maxSize bounds the
// decoded output. Returns the input unchanged for identity encodings
// and ok=false when the encoding is unsupported or the data is corrupt.
func decodeBody(encoding string, data []byte, maxSize int64) (decoded []byte, ok bool) {
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return data, true
	case encodingGzip:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, false
		}
		defer func() { _ = gz.Close() }()
		r = gz
	case encodingDeflate:
		fr := flate.NewReader(bytes.NewReader(data))
		defer func() { _ = fr.Close() }()
		r = fr
	case encodingBrotli:
		r = brotli.NewReader(bytes.NewReader(data))
	case encodingZstd:
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, false
		}
		defer zr.Close()
		r = zr.IOReadCloser()
	default:
		return nil, false
	}

	limit := maxSize * decodeExpansionLimit
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil || int64(len(out)) > limit {
		return nil, false
	}
	return out, true
}
