package main

import (
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"time"

	assethttp "github.com/meigma/worldstore/core/http"
)

// newAssetServer serves dir over HTTP and returns its base URL.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newAssetServer(cfg config, dir string) (string, func(), error) {
	if cfg.dataURL != "local" {
		return "", nil, errors.New(`data-url only supports "local"`)
	}
	server := httptest.NewServer(nethttp.FileServer(nethttp.Dir(dir)))
	return server.URL, server.Close, nil
}

// httpOptions returns source options that apply the configured latency
// and bandwidth throttle.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func httpOptions(cfg config) []assethttp.Option {
	return []assethttp.Option{assethttp.WithClient(newHTTPClient(cfg))}
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newHTTPClient(cfg config) *nethttp.Client {
	transport := nethttp.DefaultTransport
	if base, ok := transport.(*nethttp.Transport); ok {
		transport = base.Clone()
	}
	if cfg.dataHTTPLatency > 0 || cfg.dataHTTPBPS > 0 {
		transport = &httpThrottleRoundTripper{
			base:           transport,
			latency:        cfg.dataHTTPLatency,
			bytesPerSecond: cfg.dataHTTPBPS,
		}
	}
	return &nethttp.Client{Transport: transport}
}

type httpThrottleRoundTripper struct {
	base           nethttp.RoundTripper
	latency        time.Duration
	bytesPerSecond int64
}

func (rt *httpThrottleRoundTripper) RoundTrip(req *nethttp.Request) (*nethttp.Response, error) {
	if rt.latency > 0 {
		select {
		case <-time.After(rt.latency):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if rt.bytesPerSecond > 0 && resp.Body != nil {
		resp.Body = &throttleReadCloser{
			rc:             resp.Body,
			bytesPerSecond: rt.bytesPerSecond,
			start:          time.Now(),
		}
	}
	return resp, nil
}

// throttleReadCloser paces reads to bytesPerSecond.
type throttleReadCloser struct {
	rc             io.ReadCloser
	bytesPerSecond int64
	start          time.Time
	readBytes      int64
}

func (tr *throttleReadCloser) Read(p []byte) (int, error) {
	n, err := tr.rc.Read(p)
	if n > 0 {
		tr.readBytes += int64(n)
		expected := time.Duration(float64(tr.readBytes) / float64(tr.bytesPerSecond) * float64(time.Second))
		if elapsed := time.Since(tr.start); expected > elapsed {
			time.Sleep(expected - elapsed)
		}
	}
	return n, err
}

func (tr *throttleReadCloser) Close() error {
	return tr.rc.Close()
}
