package services

import (
	"errors"
	"fmt"
	"mime"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// chunkDecoder turns the bytes of consecutive transport reads into text. A read may end in the
// middle of a multi-byte character; those trailing bytes are held back and prepended to the next
// read, so a decoded chunk never contains half a character.
type chunkDecoder struct {
	t       transform.Transformer
	pending []byte
	dst     []byte
}

const decodeBufferSize = 4096

func newChunkDecoder(enc encoding.Encoding) *chunkDecoder {
	return &chunkDecoder{
		t:   enc.NewDecoder(),
		dst: make([]byte, decodeBufferSize),
	}
}

// decode returns the text for everything decodable so far. When atEOF is true, any held back bytes
// are flushed, invalid sequences come out as U+FFFD.
func (d *chunkDecoder) decode(p []byte, atEOF bool) (string, error) {
	src := append(d.pending, p...)

	var sb strings.Builder
	for {
		nDst, nSrc, err := d.t.Transform(d.dst, src, atEOF)
		sb.Write(d.dst[:nDst])
		src = src[nSrc:]

		switch {
		case err == nil:
			d.pending = d.pending[:0]
			return sb.String(), nil
		case errors.Is(err, transform.ErrShortDst):
			continue
		case errors.Is(err, transform.ErrShortSrc) && !atEOF:
			d.pending = append(d.pending[:0], src...)
			return sb.String(), nil
		default:
			return sb.String(), fmt.Errorf("error decoding response: %w", err)
		}
	}
}

// responseEncoding resolves the charset parameter of a Content-Type header. Missing or malformed
// headers fall back to UTF-8.
func responseEncoding(contentType string) (encoding.Encoding, error) {
	if contentType == "" {
		return unicode.UTF8, nil
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return unicode.UTF8, nil
	}
	charset := params["charset"]
	if charset == "" {
		return unicode.UTF8, nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCharset, charset)
	}
	return enc, nil
}
