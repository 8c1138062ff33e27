// Package http reads asset bytes from web servers with HTTP range
// requests, so an asset index can point at files that live on a CDN.
package http //nolint:revive // intentional naming for domain clarity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"strconv"
	"strings"

	"github.com/meigma/worldstore/core/internal/storetype"
)

// Source reads byte ranges of one remote file.
type Source struct {
	url          string
	client       *nethttp.Client
	headers      nethttp.Header
	logger       *slog.Logger
	size         int64
	etag         string
	lastModified string
	conditional  bool
}

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(s *Source) {
		s.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(s *Source) {
		if headers == nil {
			return
		}
		s.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// WithConditionalHeaders pins reads to the validators seen when the source
// was opened (If-Match / If-Unmodified-Since). A server that rejects the
// condition is retried once without it.
func WithConditionalHeaders() Option {
	return func(s *Source) {
		s.conditional = true
	}
}

// WithLogger sets the logger for request tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		s.logger = logger
	}
}

// NewSource probes url for its size and validators. The server must
// support range requests.
func NewSource(ctx context.Context, url string, opts ...Option) (*Source, error) {
	s := &Source{
		url:    url,
		client: nethttp.DefaultClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = nethttp.DefaultClient
	}
	if err := s.probe(ctx); err != nil {
		return nil, fmt.Errorf("probe %s: %w", url, err)
	}
	return s, nil
}

func (s *Source) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// URL returns the remote location.
func (s *Source) URL() string { return s.url }

// Size returns the total size of the remote content.
func (s *Source) Size() int64 { return s.size }

// Validator returns the ETag, or the Last-Modified time when the server
// sent no ETag. It is empty when the server sent neither.
func (s *Source) Validator() string {
	if s.etag != "" {
		return s.etag
	}
	return s.lastModified
}

// ReadRange returns exactly length bytes starting at off. Ranges past the
// end of the content fail with ErrInvalidFormat.
func (s *Source) ReadRange(ctx context.Context, off, length int64) ([]byte, error) {
	if off < 0 || length < 0 {
		return nil, fmt.Errorf("%w: range [%d,+%d)", storetype.ErrInvalidFormat, off, length)
	}
	if length == 0 {
		return []byte{}, nil
	}
	if off+length > s.size {
		return nil, fmt.Errorf("%w: range [%d,%d) beyond %d bytes of %s", storetype.ErrInvalidFormat, off, off+length, s.size, s.url)
	}

	end := off + length - 1
	resp, err := s.rangeRequest(ctx, off, end, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == nethttp.StatusPreconditionFailed && s.hasValidators() {
		drain(resp)
		s.log().Debug("remote content changed, retrying without validators", "url", s.url)
		resp, err = s.rangeRequest(ctx, off, end, false)
		if err != nil {
			return nil, err
		}
	}
	defer drain(resp)

	if resp.StatusCode != nethttp.StatusPartialContent {
		return nil, statusError(resp)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", storetype.ErrAsyncFailure, s.url, err)
	}
	return buf, nil
}

// ReadAt implements io.ReaderAt on top of ReadRange. Reads that run past
// the end return the available bytes and io.EOF.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", storetype.ErrInvalidFormat, off)
	}
	if off >= s.size {
		return 0, io.EOF
	}
	n := min(int64(len(p)), s.size-off)
	b, err := s.ReadRange(context.Background(), off, n)
	if err != nil {
		return 0, err
	}
	copy(p, b)
	if n < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// probe reads the first byte to learn the size from Content-Range.
func (s *Source) probe(ctx context.Context) error {
	resp, err := s.rangeRequest(ctx, 0, 0, false)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode != nethttp.StatusPartialContent {
		return statusError(resp)
	}
	crange := resp.Header.Get("Content-Range")
	if crange == "" {
		return fmt.Errorf("%w: range probe missing Content-Range", storetype.ErrInvalidFormat)
	}
	size, err := parseContentRange(crange)
	if err != nil {
		return err
	}
	s.size = size
	s.etag = resp.Header.Get("ETag")
	s.lastModified = resp.Header.Get("Last-Modified")
	return nil
}

func (s *Source) newRequest(ctx context.Context, withConditions bool) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, s.url, nethttp.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storetype.ErrInvalidFormat, err)
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	if withConditions && s.conditional {
		if s.etag != "" && req.Header.Get("If-Match") == "" {
			req.Header.Set("If-Match", s.etag)
		}
		if s.lastModified != "" && req.Header.Get("If-Unmodified-Since") == "" {
			req.Header.Set("If-Unmodified-Since", s.lastModified)
		}
	}
	return req, nil
}

func (s *Source) rangeRequest(ctx context.Context, off, end int64, withConditions bool) (*nethttp.Response, error) {
	req, err := s.newRequest(ctx, withConditions)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))
	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", storetype.ErrAsyncFailure, err)
	}
	return resp, nil
}

func (s *Source) hasValidators() bool {
	return s.conditional && (s.etag != "" || s.lastModified != "")
}

// statusError maps an unexpected response onto a storage error.
func statusError(resp *nethttp.Response) error {
	switch resp.StatusCode {
	case nethttp.StatusOK:
		return fmt.Errorf("%w: server ignored range request", storetype.ErrAsyncFailure)
	case nethttp.StatusNotFound, nethttp.StatusGone:
		return fmt.Errorf("%w: %s", storetype.ErrFileNotFound, resp.Status)
	case nethttp.StatusUnauthorized, nethttp.StatusForbidden:
		return fmt.Errorf("%w: %s", storetype.ErrPermissionDenied, resp.Status)
	case nethttp.StatusRequestedRangeNotSatisfiable:
		return fmt.Errorf("%w: %s", storetype.ErrInvalidFormat, resp.Status)
	default:
		return fmt.Errorf("%w: range request failed: %s", storetype.ErrAsyncFailure, resp.Status)
	}
}

// drain empties and closes the body so the connection can be reused.
func drain(resp *nethttp.Response) {
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
	_ = resp.Body.Close()
}

// parseContentRange extracts the total size from "bytes start-end/size".
func parseContentRange(value string) (int64, error) {
	value = strings.TrimSpace(value)
	rest, ok := strings.CutPrefix(value, "bytes ")
	if !ok {
		return 0, fmt.Errorf("%w: invalid Content-Range %q", storetype.ErrInvalidFormat, value)
	}
	_, total, ok := strings.Cut(rest, "/")
	if !ok || total == "*" {
		return 0, fmt.Errorf("%w: invalid Content-Range %q", storetype.ErrInvalidFormat, value)
	}
	size, err := strconv.ParseInt(total, 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: invalid Content-Range %q", storetype.ErrInvalidFormat, value)
	}
	return size, nil
}

// IsRemote reports whether path names an HTTP(S) location.
func IsRemote(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}
