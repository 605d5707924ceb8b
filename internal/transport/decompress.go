package transport

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// AcceptEncoding lists the codings DecodeResponse can decode. Requests that
// set this header must route their responses through DecodeResponse.
const AcceptEncoding = "gzip, deflate, br, zstd"

// DecodeResponse replaces resp.Body with a decoding reader when the upstream
// compressed it. Content-Encoding and Content-Length are cleared so callers
// see an identity body.
func DecodeResponse(resp *http.Response) error {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if encoding == "" || encoding == "identity" {
		return nil
	}

	body := resp.Body
	var decoded io.ReadCloser
	switch encoding {
	case "gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return fmt.Errorf("gzip reader: %w", err)
		}
		decoded = &decodedBody{Reader: zr, closers: []io.Closer{zr, body}}
	case "deflate":
		zr, err := zlib.NewReader(body)
		if err != nil {
			return fmt.Errorf("deflate reader: %w", err)
		}
		decoded = &decodedBody{Reader: zr, closers: []io.Closer{zr, body}}
	case "br":
		decoded = &decodedBody{Reader: brotli.NewReader(body), closers: []io.Closer{body}}
	case "zstd":
		zr, err := zstd.NewReader(body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return fmt.Errorf("zstd reader: %w", err)
		}
		zrc := zr.IOReadCloser()
		decoded = &decodedBody{Reader: zrc, closers: []io.Closer{zrc, body}}
	default:
		// Unknown coding: leave the body untouched for the caller.
		return nil
	}

	resp.Body = decoded
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	return nil
}

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (b *decodedBody) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
