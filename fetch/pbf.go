package fetch

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/gzip"
)

var gzipMagic = []byte{0x1F, 0x8B}

// EncodePBF gzips a vector tile payload for storage, matching the MBTiles
// convention of carrying pbf tiles gzip-framed. Payloads that already
// arrive gzip-encoded pass through unchanged.
func EncodePBF(data []byte) ([]byte, error) {
	if bytes.HasPrefix(data, gzipMagic) {
		return data, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compressing vector tile: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing vector tile: %w", err)
	}
	return buf.Bytes(), nil
}
