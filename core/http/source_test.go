package http_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	assethttp "github.com/meigma/worldstore/core/http"
	"github.com/meigma/worldstore/core/internal/storetype"
)

func serve(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		nethttp.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSource_ReadRange(t *testing.T) {
	t.Parallel()

	data := []byte("hello world")
	server := serve(t, data)

	src, err := assethttp.NewSource(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	if src.Size() != int64(len(data)) {
		t.Fatalf("Size() = %d, want %d", src.Size(), len(data))
	}

	tests := []struct {
		name    string
		off     int64
		length  int64
		want    string
		wantErr error
	}{
		{name: "middle", off: 6, length: 5, want: "world"},
		{name: "start", off: 0, length: 5, want: "hello"},
		{name: "empty", off: 3, length: 0, want: ""},
		{name: "past end", off: 8, length: 5, wantErr: storetype.ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := src.ReadRange(context.Background(), tt.off, tt.length)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ReadRange() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && string(got) != tt.want {
				t.Fatalf("ReadRange() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSource_ReadAtShort(t *testing.T) {
	t.Parallel()

	data := []byte("hello world")
	src, err := assethttp.NewSource(context.Background(), serve(t, data).URL)
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}

	buf := make([]byte, 10)
	n, err := src.ReadAt(buf, int64(len(data)-3))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("ReadAt() error = %v, want EOF", err)
	}
	if got := string(buf[:n]); got != "rld" {
		t.Fatalf("ReadAt() = %q, want %q", got, "rld")
	}
}

func TestNewSource_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler nethttp.HandlerFunc
		wantErr error
	}{
		{
			name: "range unsupported",
			handler: func(w nethttp.ResponseWriter, _ *nethttp.Request) {
				_, _ = w.Write([]byte("whole body"))
			},
			wantErr: storetype.ErrAsyncFailure,
		},
		{
			name: "not found",
			handler: func(w nethttp.ResponseWriter, r *nethttp.Request) {
				nethttp.NotFound(w, r)
			},
			wantErr: storetype.ErrFileNotFound,
		},
		{
			name: "forbidden",
			handler: func(w nethttp.ResponseWriter, _ *nethttp.Request) {
				w.WriteHeader(nethttp.StatusForbidden)
			},
			wantErr: storetype.ErrPermissionDenied,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(tt.handler)
			t.Cleanup(server.Close)
			_, err := assethttp.NewSource(context.Background(), server.URL)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("NewSource() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSource_RetriesWithoutIfMatchOn412(t *testing.T) {
	t.Parallel()

	data := []byte("hello world")
	etag := `"retry-test"`
	var withIfMatch, withoutIfMatch atomic.Int32

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Header.Get("Range") == "bytes=6-10" {
			if r.Header.Get("If-Match") != "" {
				withIfMatch.Add(1)
				w.WriteHeader(nethttp.StatusPreconditionFailed)
				return
			}
			withoutIfMatch.Add(1)
		}
		w.Header().Set("ETag", etag)
		nethttp.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)

	src, err := assethttp.NewSource(context.Background(), server.URL, assethttp.WithConditionalHeaders())
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	if src.Validator() != etag {
		t.Fatalf("Validator() = %q, want %q", src.Validator(), etag)
	}

	got, err := src.ReadRange(context.Background(), 6, 5)
	if err != nil {
		t.Fatalf("ReadRange() error = %v", err)
	}
	if string(got) != "world" {
		t.Fatalf("ReadRange() = %q, want %q", got, "world")
	}
	if withIfMatch.Load() != 1 || withoutIfMatch.Load() != 1 {
		t.Fatalf("requests with If-Match = %d, without = %d; want 1 and 1", withIfMatch.Load(), withoutIfMatch.Load())
	}
}

func TestIsRemote(t *testing.T) {
	t.Parallel()

	for path, want := range map[string]bool{
		"https://cdn.example/a.bin": true,
		"http://localhost/a":        true,
		"textures/grass.png":        false,
		"/abs/http://x":             false,
	} {
		if got := assethttp.IsRemote(path); got != want {
			t.Errorf("IsRemote(%q) = %v, want %v", path, got, want)
		}
	}
}
