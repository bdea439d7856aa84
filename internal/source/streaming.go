package source

// streaming.go prepares raw text files before parsing.
//
// Exports from desktop tools commonly carry two artifacts:
//
//   - A UTF-8 BOM (0xEF 0xBB 0xBF) written by Windows tools
//   - Legacy single-byte encodings (Windows-1252, ISO-8859-1) instead of UTF-8
//
// BOMSkippingReader removes the first, DecodeText handles both on
// content that is already in memory.

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// BOMSkippingReader wraps an io.Reader and drops a leading UTF-8 BOM.
type BOMSkippingReader struct {
	reader  *bufio.Reader
	checked bool
}

// NewBOMSkippingReader creates a new BOM skipping reader.
func NewBOMSkippingReader(r io.Reader) *BOMSkippingReader {
	return &BOMSkippingReader{reader: bufio.NewReader(r)}
}

// Read implements io.Reader.
func (b *BOMSkippingReader) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		if head, err := b.reader.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
			_, _ = b.reader.Discard(len(utf8BOM))
		}
	}
	return b.reader.Read(p)
}

// DecodeText strips a BOM and converts content that is not valid UTF-8
// using fallback (Windows-1252 when nil).
func DecodeText(data []byte, fallback encoding.Encoding) ([]byte, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return data, nil
	}
	if fallback == nil {
		fallback = charmap.Windows1252
	}
	out, _, err := transform.Bytes(fallback.NewDecoder(), data)
	return out, err
}

// decodeString is DecodeText for single values such as DBF attributes.
func decodeString(s string, fallback encoding.Encoding) string {
	if utf8.ValidString(s) {
		return s
	}
	out, err := DecodeText([]byte(s), fallback)
	if err != nil {
		return s
	}
	return string(out)
}
