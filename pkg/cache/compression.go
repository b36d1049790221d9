package cache

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// Compressed payloads carry a small magic header so the codec is
// self-describing; bytes without the header are stored verbatim.
var compressionHeader = []byte{0xB5, 0x52, 0x4D, 0x31} // ␵RM1

// compressPayload gzips data and prefixes the header. When the compressed
// form is not smaller than the input, the original is returned unchanged so
// storedSize never exceeds originalSize.
func compressPayload(data []byte) (out []byte, compressed bool, err error) {
	var buf bytes.Buffer
	buf.Write(compressionHeader)

	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, false, fmt.Errorf("compressing payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, false, fmt.Errorf("closing compressor: %w", err)
	}

	if buf.Len() >= len(data) {
		return data, false, nil
	}
	return buf.Bytes(), true, nil
}

// decompressPayload reverses compressPayload. Payloads without the header
// pass through untouched.
func decompressPayload(data []byte) ([]byte, error) {
	if !isCompressed(data) {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data[len(compressionHeader):]))
	if err != nil {
		return nil, fmt.Errorf("opening compressed payload: %w", err)
	}
	defer func() { _ = zr.Close() }()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	return out, nil
}

func isCompressed(data []byte) bool {
	return len(data) > len(compressionHeader) && bytes.Equal(data[:len(compressionHeader)], compressionHeader)
}
