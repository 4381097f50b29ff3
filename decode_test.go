package warden

import (
	"bytes"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

func TestDecodeBody_RoundTrips(t *testing.T) {
	payload := []byte("<html><body>the payload under test</body></html>")

	encoders := map[string]func([]byte) []byte{
		encodingGzip: func(p []byte) []byte {
			var buf bytes.Buffer
			w := gzip.NewWriter(&buf)
			_, _ = w.Write(p)
			_ = w.Close()
			return buf.Bytes()
		},
		encodingDeflate: func(p []byte) []byte {
			var buf bytes.Buffer
			w, _ := flate.NewWriter(&buf, flate.DefaultCompression)
			_, _ = w.Write(p)
			_ = w.Close()
			return buf.Bytes()
		},
		encodingBrotli: func(p []byte) []byte {
			var buf bytes.Buffer
			w := brotli.NewWriter(&buf)
			_, _ = w.Write(p)
			_ = w.Close()
			return buf.Bytes()
		},
		encodingZstd: func(p []byte) []byte {
			var buf bytes.Buffer
			w, _ := zstd.NewWriter(&buf)
			_, _ = w.Write(p)
			_ = w.Close()
			return buf.Bytes()
		},
	}

	for encoding, encode := range encoders {
		decoded, ok := decodeBody(encoding, encode(payload), 1<<20)
		if !ok {
			t.Errorf("%s: decode failed", encoding)
			continue
		}
		if !bytes.Equal(decoded, payload) {
			t.Errorf("%s: round trip mismatch", encoding)
		}
	}
}

func TestDecodeBody_Identity(t *testing.T) {
	payload := []byte("plain")
	for _, encoding := range []string{"", "identity"} {
		decoded, ok := decodeBody(encoding, payload, 1<<20)
		if !ok || !bytes.Equal(decoded, payload) {
			t.Errorf("%q: identity decode failed", encoding)
		}
	}
}

func TestDecodeBody_Unsupported(t *testing.T) {
	if _, ok := decodeBody("compress", []byte("x"), 1<<20); ok {
		t.Error("unsupported encoding should fail")
	}
	if decodable("compress") {
		t.Error("compress must not report as decodable")
	}
	if !decodable("GZIP") {
		t.Error("encoding comparison should be case-insensitive")
	}
}

func TestDecodeBody_CorruptData(t *testing.T) {
	if _, ok := decodeBody(encodingGzip, []byte("not gzip at all"), 1<<20); ok {
		t.Error("corrupt gzip should fail")
	}
}

func TestDecodeBody_ExpansionLimit(t *testing.T) {
	// A megabyte of zeros compresses tiny but inflates past the limit
	// for a small maxSize.
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, _ = w.Write(make([]byte, 1<<20))
	_ = w.Close()

	if _, ok := decodeBody(encodingGzip, buf.Bytes(), 1024); ok {
		t.Error("decode bomb should be rejected")
	}
}
