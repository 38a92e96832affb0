package transforms

import (
	"bytes"
	"io"
	"net/http"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

func gzipBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func brotliBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	if _, err := bw.Write(b); err != nil {
		t.Fatal(err)
	}
	if err := bw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func decompressContext(encoding string, body []byte, contentType string) *ResponseContext {
	header := http.Header{}
	if encoding != "" {
		header.Set("Content-Encoding", encoding)
	}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	return &ResponseContext{
		Header: header,
		Response: &http.Response{
			Header:        header,
			Body:          io.NopCloser(bytes.NewReader(body)),
			ContentLength: int64(len(body)),
		},
		StatusCode: http.StatusOK,
	}
}

func TestResponseDecompress_Gzip(t *testing.T) {
	plain := []byte(`{"ok":true}`)
	tc := decompressContext("gzip", gzipBytes(t, plain), "application/json")

	if err := (ResponseDecompress{}).ApplyResponse(tc); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if tc.Header.Get("Content-Encoding") != "" {
		t.Fatal("Content-Encoding not dropped")
	}
	if tc.Header.Get("Content-Length") != "" {
		t.Fatal("stale Content-Length not dropped")
	}
	got, err := io.ReadAll(tc.Response.Body)
	if err != nil {
		t.Fatalf("read decoded body: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("decoded body = %q, want %q", got, plain)
	}
}

func TestResponseDecompress_Brotli(t *testing.T) {
	plain := []byte("response content")
	tc := decompressContext("br", brotliBytes(t, plain), "text/plain")

	if err := (ResponseDecompress{}).ApplyResponse(tc); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, err := io.ReadAll(tc.Response.Body)
	if err != nil {
		t.Fatalf("read decoded body: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("decoded body = %q, want %q", got, plain)
	}
}

func TestResponseDecompress_SkipsEventStreams(t *testing.T) {
	payload := gzipBytes(t, []byte("data: hello\n\n"))
	tc := decompressContext("gzip", payload, "text/event-stream")

	if err := (ResponseDecompress{}).ApplyResponse(tc); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if tc.Header.Get("Content-Encoding") != "gzip" {
		t.Fatal("streaming response was rewritten")
	}
	got, _ := io.ReadAll(tc.Response.Body)
	if !bytes.Equal(got, payload) {
		t.Fatal("streaming body was altered")
	}
}

func TestResponseDecompress_SkipsIdentity(t *testing.T) {
	plain := []byte("plain body")
	tc := decompressContext("", plain, "text/plain")

	if err := (ResponseDecompress{}).ApplyResponse(tc); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, _ := io.ReadAll(tc.Response.Body)
	if !bytes.Equal(got, plain) {
		t.Fatal("identity body was altered")
	}
}

func TestResponseDecompress_SkipsFailedResponses(t *testing.T) {
	tc := &ResponseContext{Header: http.Header{}, Failed: true}
	if err := (ResponseDecompress{}).ApplyResponse(tc); err != nil {
		t.Fatalf("apply on failed context: %v", err)
	}
}
