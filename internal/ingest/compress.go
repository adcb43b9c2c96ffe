package ingest

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// Compress gzips data. Used on attachment bodies before they reach the
// storage area, which stays opaque about contents.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compressing attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flushing gzip stream: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses the compression recorded on an attachment. Bytes
// stored under CompressionNone pass through unchanged.
func Decompress(data []byte, kind types.CompressionKind) ([]byte, error) {
	switch kind {
	case types.CompressionNone, "":
		return data, nil
	case types.CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("attachment gzip header: %w", types.ErrCorruptedFile)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("decompressing attachment: %w", types.ErrCorruptedFile)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("compression %q: %w", kind, types.ErrNotImplemented)
	}
}
