package tree

import (
	"fmt"

	"github.com/klauspost/compress/snappy"
)

// Encoding converts user keys or values to and from their raw feed
// bytes. It is applied at the handle layer only; the internal index
// blobs are never passed through an Encoding.
type Encoding interface {
	Encode(v []byte) ([]byte, error)
	Decode(b []byte) ([]byte, error)
}

// RawEncoding passes bytes through unchanged.
type RawEncoding struct{}

func (RawEncoding) Encode(v []byte) ([]byte, error) { return v, nil }
func (RawEncoding) Decode(b []byte) ([]byte, error) { return b, nil }

// SnappyEncoding compresses values with snappy. Useful as a value
// encoding for large payloads; do not use it for keys, compressed
// bytes do not preserve lexicographic order.
type SnappyEncoding struct{}

func (SnappyEncoding) Encode(v []byte) ([]byte, error) {
	return snappy.Encode(nil, v), nil
}

func (SnappyEncoding) Decode(b []byte) ([]byte, error) {
	v, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return v, nil
}
