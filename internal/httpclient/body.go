package httpclient

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// AcceptEncoding is advertised on provider API requests. Setting it by hand turns
// off the transport's transparent gzip, so responses go through DecodeBody.
const AcceptEncoding = "br, gzip"

// DecodeBody wraps resp.Body according to Content-Encoding. Closing the returned
// reader closes resp.Body.
func DecodeBody(resp *http.Response) (io.ReadCloser, error) {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch enc {
	case "", "identity":
		return resp.Body, nil
	case "br":
		return readCloser{brotli.NewReader(resp.Body), resp.Body}, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		return readCloser{zr, multiCloser{zr, resp.Body}}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}

// ErrBodyTooLarge is returned by ReadLimited when the body exceeds its bound.
var ErrBodyTooLarge = errors.New("body too large")

// ReadLimited reads at most max bytes of r. It errors when r holds more.
func ReadLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, fmt.Errorf("%w: over %d bytes", ErrBodyTooLarge, max)
	}
	return b, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
