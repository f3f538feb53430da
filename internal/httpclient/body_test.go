package httpclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
)

func respWith(enc string, body []byte) *http.Response {
	h := http.Header{}
	if enc != "" {
		h.Set("Content-Encoding", enc)
	}
	return &http.Response{Header: h, Body: io.NopCloser(bytes.NewReader(body))}
}

func TestDecodeBody(t *testing.T) {
	const want = `{"ModuleListResponse":{"status":1}}`

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	bw.Write([]byte(want))
	bw.Close()

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	gw.Write([]byte(want))
	gw.Close()

	for _, tc := range []struct {
		enc  string
		body []byte
	}{
		{"", []byte(want)},
		{"identity", []byte(want)},
		{"br", br.Bytes()},
		{"gzip", gz.Bytes()},
	} {
		rc, err := DecodeBody(respWith(tc.enc, tc.body))
		if err != nil {
			t.Fatalf("%q: %v", tc.enc, err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil || string(got) != want {
			t.Errorf("%q: got %q err %v", tc.enc, got, err)
		}
	}
}

func TestDecodeBody_Unsupported(t *testing.T) {
	if _, err := DecodeBody(respWith("zstd", nil)); err == nil {
		t.Error("expected error for unsupported encoding")
	}
}

func TestReadLimited(t *testing.T) {
	if b, err := ReadLimited(strings.NewReader("abcd"), 4); err != nil || string(b) != "abcd" {
		t.Errorf("at limit: %q %v", b, err)
	}
	if _, err := ReadLimited(strings.NewReader("abcde"), 4); err == nil {
		t.Error("over limit: expected error")
	}
}

func TestHostSemaphore(t *testing.T) {
	sem := NewHostSemaphore(1)
	ctx := context.Background()
	release, err := sem.Acquire(ctx, "https://cdn.example.com/a.aac")
	if err != nil {
		t.Fatal(err)
	}
	if n := sem.InUse("https://cdn.example.com/other"); n != 1 {
		t.Errorf("InUse = %d, want 1 (same host)", n)
	}
	// A second host is independent.
	r2, err := sem.Acquire(ctx, "https://other.example.com/a.aac")
	if err != nil {
		t.Fatal(err)
	}
	r2()

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := sem.Acquire(tctx, "https://cdn.example.com/b.aac"); err == nil {
		t.Error("expected Acquire to block until ctx deadline")
	}
	release()
	r3, err := sem.Acquire(ctx, "https://cdn.example.com/b.aac")
	if err != nil {
		t.Fatal(err)
	}
	r3()

	var nilSem *HostSemaphore
	r4, err := nilSem.Acquire(ctx, "x")
	if err != nil {
		t.Fatal(err)
	}
	r4()
}
